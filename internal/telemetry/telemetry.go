// Package telemetry implements the error taxonomy and metrics surface.
// Locally-recovered failures are logged and counted here rather than
// propagated, so a caller never has to distinguish "retry this" from
// "ignore this".
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Kind classifies a recovered error.
type Kind string

const (
	KindStoreUnavailable     Kind = "StoreUnavailable"
	KindExtractorDecodeError Kind = "ExtractorDecodeError"
	KindObserverStreamError  Kind = "ObserverStreamError"
	KindNotifierListenerError Kind = "NotifierListenerError"
	KindSubscribeError       Kind = "SubscribeError"
	KindUnknownSubscription  Kind = "UnknownSubscription"
)

var errorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ocnwatch_errors_total",
		Help: "Count of recovered errors by taxonomy kind.",
	},
	[]string{"kind"},
)

var notificationsEmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ocnwatch_notifications_emitted_total",
		Help: "Count of XcmNotifyMessage emissions by waypoint kind.",
	},
	[]string{"waypoint"},
)

var sweepReapedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "ocnwatch_sweep_reaped_total",
		Help: "Count of PendingEntry records reaped by the matching engine's sweep.",
	},
)

var subscriptionsActive = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "ocnwatch_subscriptions_active",
		Help: "Active subscriptions by persistence mode.",
	},
	[]string{"mode"},
)

func init() {
	prometheus.MustRegister(errorsTotal, notificationsEmittedTotal, sweepReapedTotal, subscriptionsActive)
}

// Recorder is the telemetry sink threaded through every component that can
// hit a locally-recovered error.
type Recorder struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Recorder {
	return &Recorder{log: log.With().Str("component", "telemetry").Logger()}
}

// Error records a recovered error of the given taxonomy kind.
func (r *Recorder) Error(kind Kind, err error, fields map[string]string) {
	errorsTotal.WithLabelValues(string(kind)).Inc()

	evt := r.log.Warn().Err(err).Str("kind", string(kind))
	for k, v := range fields {
		evt = evt.Str(k, v)
	}
	evt.Msg("recovered error")
}

// NotificationEmitted records a successful XcmNotifyMessage emission.
func (r *Recorder) NotificationEmitted(waypoint string) {
	notificationsEmittedTotal.WithLabelValues(waypoint).Inc()
}

// SweepReaped records one PendingEntry reaped by a sweep pass.
func (r *Recorder) SweepReaped(n int) {
	sweepReapedTotal.Add(float64(n))
}

// SetActiveSubscriptions updates the active-subscription gauge for mode
// ("ephemeral" or "persistent").
func (r *Recorder) SetActiveSubscriptions(mode string, count int) {
	subscriptionsActive.WithLabelValues(mode).Set(float64(count))
}
