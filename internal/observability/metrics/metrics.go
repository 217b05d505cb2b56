package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	DeviceRegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_registrations_total",
			Help: "Device registrations by outcome.",
		},
		[]string{"status"},
	)

	OneTimeKeyClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "one_time_key_claims_total",
			Help: "One-time key claim attempts by outcome.",
		},
		[]string{"outcome"},
	)

	GroupSessionRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "group_session_rotations_total",
			Help: "Megolm outbound session rotations by reason.",
		},
		[]string{"reason"},
	)

	ToDeviceMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "to_device_messages_total",
			Help: "To-device messages by operation.",
		},
		[]string{"operation"},
	)
)

// MustRegister installs the collectors on the default registry. The vecs are
// usable before registration, so middleware works in tests that never scrape.
func MustRegister() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		DeviceRegistrationsTotal,
		OneTimeKeyClaimsTotal,
		GroupSessionRotationsTotal,
		ToDeviceMessagesTotal,
	)
}
