package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AdmissionTotal 按结果统计准入判定次数，result 为 success 或拒绝码
	AdmissionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashsale_admission_total",
		Help: "Number of admission decisions by result.",
	}, []string{"result"})

	AdmissionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flashsale_admission_duration_seconds",
		Help:    "Latency of the admission fast path.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	PersistAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashsale_persist_attempts_total",
		Help: "Persistence task attempts by task type and outcome.",
	}, []string{"task", "outcome"})

	// PersistConflicts 统计因同一用户已有 completed 订单而以 failed 留档的订单
	PersistConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flashsale_persist_conflicts_total",
		Help: "Orders stored as failed because another completed order exists for the same user.",
	})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashsale_dead_letters_total",
		Help: "Tasks routed to the dead-letter channel.",
	}, []string{"task"})

	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashsale_status_transitions_total",
		Help: "Sale-window status transitions persisted by the scheduler.",
	}, []string{"to"})

	ReconcileDrift = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flashsale_reconcile_drift",
		Help: "Fast-path counter minus (capacity - completed orders) at last reconciliation.",
	}, []string{"item"})
)
