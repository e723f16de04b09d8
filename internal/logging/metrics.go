package logging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var logEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "bot_log_entries_total",
	Help: "Warning and error log lines by level and event.",
}, []string{"level", "event"})

func init() {
	prometheus.MustRegister(logEntries)
}

// levelCounter counts warning and error lines by event.
type levelCounter struct{}

func (levelCounter) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (levelCounter) Fire(entry *logrus.Entry) error {
	event, _ := entry.Data["event"].(string)
	logEntries.WithLabelValues(entry.Level.String(), event).Inc()
	return nil
}
