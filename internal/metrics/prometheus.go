package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector for Prometheus.
type PrometheusCollector struct {
	transitions          *prometheus.CounterVec
	copyTrades           *prometheus.CounterVec
	fanOutFailures       prometheus.Counter
	notifications        *prometheus.CounterVec
	notificationsDropped prometheus.Counter
	pushDropped          prometheus.Counter
}

// NewPrometheusCollector creates the collector; call Register before use.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	return &PrometheusCollector{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transaction_transitions_total",
				Help:      "Deposit and withdrawal finalizations by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		copyTrades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "copy_trades_total",
				Help:      "Copy trades created by mode",
			},
			[]string{"mode"},
		),
		fanOutFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fanout_follower_failures_total",
				Help:      "Followers that could not be processed during fan-out",
			},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notification deliveries by result",
			},
			[]string{"delivered"},
		),
		notificationsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_dropped_total",
				Help:      "Notifications dropped because the dispatch queue was full",
			},
		),
		pushDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "push_events_dropped_total",
				Help:      "Push events dropped for lack of a live connection or buffer space",
			},
		),
	}
}

// Register adds every metric to reg.
func (pc *PrometheusCollector) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pc.transitions,
		pc.copyTrades,
		pc.fanOutFailures,
		pc.notifications,
		pc.notificationsDropped,
		pc.pushDropped,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (pc *PrometheusCollector) RecordTransition(kind, outcome string) {
	pc.transitions.WithLabelValues(kind, outcome).Inc()
}

func (pc *PrometheusCollector) RecordCopyTrade(mode string) {
	pc.copyTrades.WithLabelValues(mode).Inc()
}

func (pc *PrometheusCollector) RecordFanOutFailure() {
	pc.fanOutFailures.Inc()
}

func (pc *PrometheusCollector) RecordNotification(delivered bool) {
	pc.notifications.WithLabelValues(strconv.FormatBool(delivered)).Inc()
}

func (pc *PrometheusCollector) RecordNotificationDropped() {
	pc.notificationsDropped.Inc()
}

func (pc *PrometheusCollector) RecordPushDropped() {
	pc.pushDropped.Inc()
}
