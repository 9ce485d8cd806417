package authvault

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes operation counters on a Prometheus registry.
type Metrics struct {
	logins     *prometheus.CounterVec
	refreshes  *prometheus.CounterVec
	reuse      prometheus.Counter
	lockouts   prometheus.Counter
	terminated prometheus.Counter
	swept      prometheus.Counter
}

// NewMetrics registers the service's collectors on reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authvault",
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authvault",
			Name:      "refreshes_total",
			Help:      "Refresh token exchanges by result.",
		}, []string{"result"}),
		reuse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authvault",
			Name:      "refresh_reuse_detected_total",
			Help:      "Refresh token replays detected.",
		}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authvault",
			Name:      "account_lockouts_total",
			Help:      "Accounts locked by consecutive failures.",
		}),
		terminated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authvault",
			Name:      "sessions_terminated_total",
			Help:      "Sessions ended by logout or revocation.",
		}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authvault",
			Name:      "sessions_swept_total",
			Help:      "Sessions transitioned to expired by the sweeper.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.logins, m.refreshes, m.reuse, m.lockouts, m.terminated, m.swept)
	}
	return m
}

func (m *Metrics) loginResult(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) refreshResult(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) reuseDetected() {
	if m == nil {
		return
	}
	m.reuse.Inc()
}

func (m *Metrics) lockoutTriggered() {
	if m == nil {
		return
	}
	m.lockouts.Inc()
}

func (m *Metrics) sessionsTerminated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.terminated.Add(float64(n))
}

func (m *Metrics) sessionsSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.Add(float64(n))
}
