// Package metrics exposes prometheus counters for credential operations and
// the HTTP endpoint that serves them.
package metrics

import (
	"errors"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/prometheus/client_golang/prometheus"
)

const ResultOK = "ok"

type Metrics struct {
	Operations   *prometheus.CounterVec
	OTPIssued    prometheus.Counter
	TokensIssued prometheus.Counter
}

// NewMetrics creates the counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gophauth_auth_operations_total",
				Help: "Total number of credential operations by operation and result",
			},
			[]string{"op", "result"},
		),
		OTPIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gophauth_otp_issued_total",
			Help: "Total number of one-time codes generated",
		}),
		TokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gophauth_token_pairs_issued_total",
			Help: "Total number of access/refresh token pairs minted",
		}),
	}

	reg.MustRegister(m.Operations, m.OTPIssued, m.TokensIssued)

	return m
}

// Observe counts one finished operation, labelled by the error kind.
func (m *Metrics) Observe(op string, err error) {
	m.Operations.WithLabelValues(op, Result(err)).Inc()
}

var results = []struct {
	err   error
	label string
}{
	{common.ErrConflict, "conflict"},
	{common.ErrInvalidCredentials, "invalid_credentials"},
	{common.ErrNotificationFailure, "notification_failure"},
	{common.ErrAccountNotFound, "account_not_found"},
	{common.ErrNoActiveChallenge, "no_active_challenge"},
	{common.ErrChallengeExpired, "challenge_expired"},
	{common.ErrInvalidCode, "invalid_code"},
	{common.ErrInvalidRefreshToken, "invalid_refresh_token"},
	{common.ErrPasswordReuse, "password_reuse"},
	{common.ErrForbidden, "forbidden"},
	{common.ErrInvalidRole, "invalid_role"},
}

// Result maps an operation error to a bounded label value.
func Result(err error) string {
	if err == nil {
		return ResultOK
	}
	for _, r := range results {
		if errors.Is(err, r.err) {
			return r.label
		}
	}
	return "internal"
}
