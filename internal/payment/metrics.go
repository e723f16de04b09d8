package payment

import "github.com/prometheus/client_golang/prometheus"

var (
	onchainFeesONE = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_onchain_fees_one_total",
		Help: "ONE collected into the hot wallet by on-chain payments.",
	})

	freeCreditsSpent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_free_credits_spent_total",
		Help: "Free credits debited by payments.",
	})

	fiatCreditsSpent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_fiat_credits_spent_total",
		Help: "Purchased credits debited by payments.",
	})

	// payments counts Pay outcomes: skipped, charged, insufficient, error.
	payments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_payments_total",
		Help: "Payment gate decisions by result.",
	}, []string{"result"})

	refunds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_refunds_total",
		Help: "Successful refunds by charge source.",
	}, []string{"source"})

	refundFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_refund_failures_total",
		Help: "Refunds that could not be written back.",
	})
)

func init() {
	prometheus.MustRegister(onchainFeesONE, freeCreditsSpent, fiatCreditsSpent, payments, refunds, refundFailures)
}
