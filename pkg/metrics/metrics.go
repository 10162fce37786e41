// Package metrics provides Prometheus instrumentation for PACE handshakes and APDU traffic.
//
// Collectors are registered with the default registry. Recording is enabled by default and can be
// turned off with Disable.
package metrics

import (
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

const (
	// Namespace is the Prometheus namespace for all metrics of this module.
	Namespace = "pace"

	LabelStatus     = "status"
	LabelProtection = "protection"
	LabelKind       = "kind"

	StatusSuccess = "success"
	StatusError   = "error"

	ProtectionPlain  = "plain"
	ProtectionSecure = "secure"
)

var (
	// HandshakesTotal counts PACE handshakes by outcome.
	HandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "handshakes_total",
			Help:      "Total number of PACE handshakes by status",
		},
		[]string{LabelStatus},
	)

	// HandshakeDuration tracks how long handshakes take. Buckets cover contactless cards with
	// large domain parameters.
	HandshakeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Duration of PACE handshakes in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
		},
	)

	// APDUsTotal counts command APDUs sent to cards, split by Secure Messaging protection.
	APDUsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "apdus_total",
			Help:      "Total number of command APDUs by protection",
		},
		[]string{LabelProtection},
	)

	// ErrorsTotal counts failures by error kind.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by kind",
		},
		[]string{LabelKind},
	)

	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// Enable turns recording on.
func Enable() {
	enabled.Store(true)
}

// Disable turns recording off. Collectors keep their current values.
func Disable() {
	enabled.Store(false)
}

// IsEnabled reports whether recording is on.
func IsEnabled() bool {
	return enabled.Load()
}

// RecordHandshake records the outcome and duration of a handshake. A non-nil err is also counted
// by kind.
func RecordHandshake(err error, seconds float64) {
	if !enabled.Load() {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
		ErrorsTotal.WithLabelValues(KindLabel(err)).Inc()
	}
	HandshakesTotal.WithLabelValues(status).Inc()
	HandshakeDuration.Observe(seconds)
}

// RecordAPDU counts one command APDU.
func RecordAPDU(secure bool) {
	if !enabled.Load() {
		return
	}
	protection := ProtectionPlain
	if secure {
		protection = ProtectionSecure
	}
	APDUsTotal.WithLabelValues(protection).Inc()
}

// RecordError counts err by kind. Nil errors are ignored.
func RecordError(err error) {
	if !enabled.Load() || err == nil {
		return
	}
	ErrorsTotal.WithLabelValues(KindLabel(err)).Inc()
}

// KindLabel returns the label value for the kind of err, such as "integrity_failure".
func KindLabel(err error) string {
	return strings.ReplaceAll(protocol.KindOf(err).String(), " ", "_")
}
