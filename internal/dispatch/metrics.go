package dispatch

import "github.com/prometheus/client_golang/prometheus"

var moduleRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "bot_module_runs_total",
	Help: "Module executions by module and outcome.",
}, []string{"module", "outcome"})

func init() {
	prometheus.MustRegister(moduleRuns)
}
