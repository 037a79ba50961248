package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the gateway. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry      *prometheus.Registry
	verifications *prometheus.CounterVec
	callbacks     *prometheus.CounterVec
	admissions    *prometheus.CounterVec
	mutations     *prometheus.CounterVec
	keySetFetches *prometheus.CounterVec
	usersCreated  prometheus.Counter
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rpgate_token_verifications_total",
			Help: "Token verifications by token kind and outcome",
		}, []string{"kind", "outcome"}),
		callbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rpgate_callbacks_total",
			Help: "OAuth2 callbacks by result",
		}, []string{"result"}),
		admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rpgate_idempotency_admissions_total",
			Help: "Idempotency key admissions by result",
		}, []string{"result"}),
		mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rpgate_resource_mutations_total",
			Help: "Executed resource mutations by method and status",
		}, []string{"method", "status"}),
		keySetFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rpgate_jwks_fetches_total",
			Help: "IdP key set fetches by result",
		}, []string{"result"}),
		usersCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "rpgate_users_created_total",
			Help: "Users created on first login",
		}),
	}
}

func (m *Metrics) observeVerification(kind string, outcome verifyOutcome) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(kind, string(outcome)).Inc()
}

func (m *Metrics) observeCallback(result string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(result).Inc()
}

func (m *Metrics) observeAdmission(result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(result).Inc()
}

func (m *Metrics) observeMutation(method string, status string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(method, status).Inc()
}

func (m *Metrics) observeKeySetFetch(result string) {
	if m == nil {
		return
	}
	m.keySetFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) incUsersCreated() {
	if m == nil {
		return
	}
	m.usersCreated.Inc()
}
