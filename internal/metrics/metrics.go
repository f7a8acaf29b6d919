package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for admin authentication.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	LoginOutcomes         *prometheus.CounterVec
	PinVerifications      *prometheus.CounterVec
	LockoutsTriggered     prometheus.Counter
	PinSetups             prometheus.Counter
	InvitationsRedeemed   prometheus.Counter
	InvitationRejections  *prometheus.CounterVec
	AuditWriteFailures    prometheus.Counter
	AuditPublishFailures  prometheus.Counter
	AuditEventsSunk       *prometheus.CounterVec
	LoginRunsActive       prometheus.Gauge
	BackendCallDurationMs *prometheus.HistogramVec
}

// New registers collectors on reg. The factory passes its own registry and
// tests pass a fresh one.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LoginOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admin_auth_login_outcomes_total",
			Help: "Credential step outcomes by classification",
		}, []string{"outcome"}),
		PinVerifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admin_auth_pin_verifications_total",
			Help: "PIN verification results",
		}, []string{"result"}),
		LockoutsTriggered: factory.NewCounter(prometheus.CounterOpts{
			Name: "admin_auth_lockouts_triggered_total",
			Help: "Number of times the failed PIN threshold locked an account",
		}),
		PinSetups: factory.NewCounter(prometheus.CounterOpts{
			Name: "admin_auth_pin_setups_total",
			Help: "Number of PIN credentials established",
		}),
		InvitationsRedeemed: factory.NewCounter(prometheus.CounterOpts{
			Name: "admin_auth_invitations_redeemed_total",
			Help: "Number of invitations redeemed into admin accounts",
		}),
		InvitationRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admin_auth_invitation_rejections_total",
			Help: "Invitation validations or redemptions rejected, by reason",
		}, []string{"reason"}),
		AuditWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "admin_auth_audit_write_failures_total",
			Help: "Authoritative audit writes that failed",
		}),
		AuditPublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "admin_auth_audit_publish_failures_total",
			Help: "Audit events that could not be published to the event stream",
		}),
		AuditEventsSunk: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admin_auth_audit_events_sunk_total",
			Help: "Audit events written by the sink worker, by destination",
		}, []string{"destination"}),
		LoginRunsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "admin_auth_login_runs_active",
			Help: "Login runs currently held by the server",
		}),
		BackendCallDurationMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admin_auth_backend_call_duration_ms",
			Help:    "Duration of backend operations in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"operation"}),
	}
}

func (m *Metrics) IncLoginOutcome(outcome string) {
	if m == nil {
		return
	}
	m.LoginOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncPinVerification(result string) {
	if m == nil {
		return
	}
	m.PinVerifications.WithLabelValues(result).Inc()
}

func (m *Metrics) IncLockout() {
	if m == nil {
		return
	}
	m.LockoutsTriggered.Inc()
}

func (m *Metrics) IncPinSetup() {
	if m == nil {
		return
	}
	m.PinSetups.Inc()
}

func (m *Metrics) IncInvitationRedeemed() {
	if m == nil {
		return
	}
	m.InvitationsRedeemed.Inc()
}

func (m *Metrics) IncInvitationRejection(reason string) {
	if m == nil {
		return
	}
	m.InvitationRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncAuditWriteFailure() {
	if m == nil {
		return
	}
	m.AuditWriteFailures.Inc()
}

func (m *Metrics) IncAuditPublishFailure() {
	if m == nil {
		return
	}
	m.AuditPublishFailures.Inc()
}

func (m *Metrics) IncAuditSunk(destination string) {
	if m == nil {
		return
	}
	m.AuditEventsSunk.WithLabelValues(destination).Inc()
}

func (m *Metrics) SetLoginRunsActive(n int) {
	if m == nil {
		return
	}
	m.LoginRunsActive.Set(float64(n))
}

func (m *Metrics) ObserveBackendCall(operation string, ms float64) {
	if m == nil {
		return
	}
	m.BackendCallDurationMs.WithLabelValues(operation).Observe(ms)
}
