package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulingMetrics exposes counters/histograms for the booking and queue
// flows.
type SchedulingMetrics struct {
	bookingsTotal  *prometheus.CounterVec
	callNextTotal  *prometheus.CounterVec
	intakeTotal    *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "bookings_total",
			Help:      "Total appointment creation attempts",
		}, []string{"outcome"}),
		callNextTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "call_next_total",
			Help:      "Total call-next operations",
		}, []string{"outcome"}),
		intakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "booking_requests_total",
			Help:      "Total public booking request submissions",
		}, []string{"outcome"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "http",
			Name:      "request_latency_seconds",
			Help:      "Latency of HTTP request handling",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.callNextTotal, m.intakeTotal, m.requestLatency)
	return m
}

func (m *SchedulingMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *SchedulingMetrics) ObserveCallNext(outcome string) {
	if m == nil {
		return
	}
	m.callNextTotal.WithLabelValues(outcome).Inc()
}

func (m *SchedulingMetrics) ObserveIntake(outcome string) {
	if m == nil {
		return
	}
	m.intakeTotal.WithLabelValues(outcome).Inc()
}

func (m *SchedulingMetrics) ObserveRequestLatency(method, path string, seconds float64) {
	if m == nil {
		return
	}
	m.requestLatency.WithLabelValues(method, path).Observe(seconds)
}
