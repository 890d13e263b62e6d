package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	paymentEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_payment_events_total",
			Help: "Payment events by source and outcome (applied, replayed, rejected).",
		},
		[]string{"source", "outcome"},
	)

	signatureFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_signature_failures_total",
			Help: "Gateway callbacks whose signature did not verify.",
		},
		[]string{"channel"},
	)

	integrityViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_integrity_violations_total",
			Help: "Payment events that contradicted the stored invoice.",
		},
	)

	refundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_refunds_total",
			Help: "Refund outcomes (processing, rejected, unavailable, completed).",
		},
		[]string{"outcome"},
	)
)
