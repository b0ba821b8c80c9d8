// Package telemetry holds the Prometheus collectors and the OpenTelemetry
// tracer names shared by the clinic workflows.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

const namespace = "meditrack"

// WorkflowMetrics counts outcomes of the appointment, prescription and
// registration workflows. A nil *WorkflowMetrics is valid and records nothing.
type WorkflowMetrics struct {
	booked             prometheus.Counter
	bookingRejections  *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	prescriptionWrites *prometheus.CounterVec
	registrations      *prometheus.CounterVec
	liveViews          *prometheus.GaugeVec
}

func NewWorkflowMetrics(reg prometheus.Registerer) *WorkflowMetrics {
	m := &WorkflowMetrics{
		booked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appointments_booked_total",
			Help:      "Appointments created in pending state",
		}),
		bookingRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_rejections_total",
			Help:      "Booking attempts refused before insert",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appointment_transitions_total",
			Help:      "Appointment status changes written by doctors",
		}, []string{"to"}),
		prescriptionWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prescription_writes_total",
			Help:      "Prescription creates, updates and deletes",
		}, []string{"op"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Accounts registered by role and outcome",
		}, []string{"role", "status"}),
		liveViews: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "open_views",
			Help:      "Live views currently open over websocket",
		}, []string{"topic"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.booked, m.bookingRejections, m.transitions, m.prescriptionWrites, m.registrations, m.liveViews)
	return m
}

func (m *WorkflowMetrics) ObserveBooked() {
	if m == nil {
		return
	}
	m.booked.Inc()
}

func (m *WorkflowMetrics) ObserveBookingRejected(reason string) {
	if m == nil {
		return
	}
	m.bookingRejections.WithLabelValues(reason).Inc()
}

func (m *WorkflowMetrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *WorkflowMetrics) ObservePrescriptionWrite(op string) {
	if m == nil {
		return
	}
	m.prescriptionWrites.WithLabelValues(op).Inc()
}

func (m *WorkflowMetrics) ObserveRegistration(role string, ok bool) {
	if m == nil {
		return
	}
	status := "failed"
	if ok {
		status = "created"
	}
	m.registrations.WithLabelValues(role, status).Inc()
}

// ViewOpened and ViewClosed track websocket live views per topic.
func (m *WorkflowMetrics) ViewOpened(topic string) {
	if m == nil {
		return
	}
	m.liveViews.WithLabelValues(topic).Inc()
}

func (m *WorkflowMetrics) ViewClosed(topic string) {
	if m == nil {
		return
	}
	m.liveViews.WithLabelValues(topic).Dec()
}
