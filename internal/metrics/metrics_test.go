package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncLoginOutcome("invalid_credentials")
	m.IncLoginOutcome("invalid_credentials")
	m.IncPinVerification("locked")
	m.IncLockout()
	m.IncAuditPublishFailure()
	m.SetLoginRunsActive(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.LoginOutcomes.WithLabelValues("invalid_credentials")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PinVerifications.WithLabelValues("locked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockoutsTriggered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditPublishFailures))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.LoginRunsActive))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncLoginOutcome("ok")
		m.IncPinVerification("verified")
		m.IncLockout()
		m.IncPinSetup()
		m.IncInvitationRedeemed()
		m.IncInvitationRejection("expired")
		m.IncAuditWriteFailure()
		m.IncAuditPublishFailure()
		m.IncAuditSunk("clickhouse")
		m.SetLoginRunsActive(1)
		m.ObserveBackendCall("verify_pin", 1)
	})
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
