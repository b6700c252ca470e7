// Package metrics provides Prometheus metrics for herbivore.
package metrics

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "herbivore"

// OverflowAction is used as the action label when the number of unique
// inbound actions exceeds MaxActions.
const OverflowAction = "__other__"

const (
	ReasonDialFailed     = "dial_failed"
	ReasonDialTimeout    = "dial_timeout"
	ReasonAuthFailed     = "auth_failed"
	ReasonDecodeError    = "decode_error"
	ReasonInvalidRequest = "invalid_request"
	ReasonSendFailed     = "send_failed"
	ReasonRelayTimeout   = "timeout"
	ReasonBodyTooLarge   = "body_too_large"
)

// DefaultMaxActions bounds the action label of messages_received_total. The
// server controls the action field, so it must not grow the label set
// without limit.
const DefaultMaxActions = 32

// Metrics holds all Prometheus metrics for herbivore.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxActions is the maximum number of unique action label values.
	// Once exceeded, new actions are recorded as OverflowAction.
	// Zero means unlimited.
	MaxActions int

	sessionConnected  prometheus.Gauge
	sessionsTotal     *prometheus.CounterVec
	sessionDuration   *prometheus.HistogramVec
	dialDuration      *prometheus.HistogramVec
	dialErrors        *prometheus.CounterVec
	reconnectsTotal   prometheus.Counter
	messagesReceived  *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	messageErrors     *prometheus.CounterVec
	relayRequests     *prometheus.CounterVec
	relayErrors       *prometheus.CounterVec
	relayActive       prometheus.Gauge
	relayDuration     prometheus.Histogram
	relayBytes        *prometheus.CounterVec
	connectedSessions atomic.Int64

	actionCount atomic.Int64
	actions     sync.Map // map[string]struct{}
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry:   reg,
		MaxActions: DefaultMaxActions,

		sessionConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_connected",
			Help:      "Whether a session with the coordination server is open (1) or not (0).",
		}),

		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions that completed, by endpoint and outcome.",
		}, []string{"endpoint", "status"}),

		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of completed sessions in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 21600, 86400},
		}, []string{"endpoint"}),

		dialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_duration_seconds",
			Help:      "Time spent opening the WebSocket to the coordination server, in seconds.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"endpoint"}),

		dialErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_errors_total",
			Help:      "Total number of failed dials, by endpoint and reason.",
		}, []string{"endpoint", "reason"}),

		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of reconnect attempts after a dial failure or session end.",
		}),

		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total inbound envelopes, by action.",
		}, []string{"action"}),

		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total outbound messages, by action.",
		}, []string{"action"}),

		messageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_errors_total",
			Help:      "Total inbound messages dropped, by reason.",
		}, []string{"reason"}),

		relayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Total relayed HTTP requests, by method and outcome.",
		}, []string{"method", "status"}),

		relayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "Total relayed HTTP requests that produced no response, by reason.",
		}, []string{"reason"}),

		relayActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_active",
			Help:      "Number of relayed HTTP requests in flight.",
		}),

		relayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_duration_seconds",
			Help:      "Duration of relayed HTTP requests in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		relayBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Total body bytes relayed, by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.sessionConnected,
		m.sessionsTotal,
		m.sessionDuration,
		m.dialDuration,
		m.dialErrors,
		m.reconnectsTotal,
		m.messagesReceived,
		m.messagesSent,
		m.messageErrors,
		m.relayRequests,
		m.relayErrors,
		m.relayActive,
		m.relayDuration,
		m.relayBytes,
	)

	return m
}

// SanitizeAction returns action if it is within the cardinality budget,
// or OverflowAction if the cap has been reached. Actions that have been
// seen before are always returned as-is.
func (m *Metrics) SanitizeAction(action string) string {
	if m == nil {
		return action
	}
	if m.MaxActions <= 0 {
		return action
	}

	for {
		// Fast path: already-known action.
		if _, ok := m.actions.Load(action); ok {
			return action
		}

		cur := m.actionCount.Load()
		if cur >= int64(m.MaxActions) {
			// Re-check: another goroutine may have stored this action
			// between our Load and this cap check.
			if _, ok := m.actions.Load(action); ok {
				return action
			}
			return OverflowAction
		}

		if !m.actionCount.CompareAndSwap(cur, cur+1) {
			continue
		}

		if _, loaded := m.actions.LoadOrStore(action, struct{}{}); loaded {
			m.actionCount.Add(-1)
		}

		return action
	}
}

// SessionOpened marks a session as connected and returns a tracker that
// records its outcome when it ends.
func (m *Metrics) SessionOpened(endpoint string) *SessionTracker {
	if m == nil {
		return nil
	}
	m.connectedSessions.Add(1)
	m.sessionConnected.Set(1)
	return &SessionTracker{m: m, endpoint: endpoint}
}

// Connected reports whether a session is currently open.
func (m *Metrics) Connected() bool {
	if m == nil {
		return false
	}
	return m.connectedSessions.Load() > 0
}

// SessionTracker records the outcome of a single session.
type SessionTracker struct {
	m        *Metrics
	endpoint string
}

// Done records the end of a session. A nil err means the session was
// closed normally or by shutdown.
func (t *SessionTracker) Done(durationSec float64, err error) {
	if t == nil {
		return
	}
	status := "closed"
	if err != nil {
		status = "error"
	}
	if t.m.connectedSessions.Add(-1) <= 0 {
		t.m.sessionConnected.Set(0)
	}
	t.m.sessionsTotal.WithLabelValues(t.endpoint, status).Inc()
	t.m.sessionDuration.WithLabelValues(t.endpoint).Observe(durationSec)
}

// DialReason returns "dial_timeout" if err is a network timeout, otherwise
// returns fallback.
func DialReason(err error, fallback string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonDialTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonDialTimeout
	}
	return fallback
}

// ObserveDialDuration records how long a dial took.
func (m *Metrics) ObserveDialDuration(endpoint string, seconds float64) {
	if m == nil {
		return
	}
	m.dialDuration.WithLabelValues(endpoint).Observe(seconds)
}

// DialError records a failed dial.
func (m *Metrics) DialError(endpoint, reason string) {
	if m == nil {
		return
	}
	m.dialErrors.WithLabelValues(endpoint, reason).Inc()
}

// Reconnect counts a reconnect attempt.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

// MessageReceived counts an inbound envelope. The action is sanitized
// through the cardinality guard.
func (m *Metrics) MessageReceived(action string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(m.SanitizeAction(action)).Inc()
}

// MessageSent counts an outbound message. Actions are node-chosen so no
// cardinality guard applies.
func (m *Metrics) MessageSent(action string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(action).Inc()
}

// MessageError counts an inbound message that was dropped.
func (m *Metrics) MessageError(reason string) {
	if m == nil {
		return
	}
	m.messageErrors.WithLabelValues(reason).Inc()
}

// RelayStarted increments the in-flight relay gauge and returns a tracker
// for the request's outcome.
func (m *Metrics) RelayStarted(method string) *RelayTracker {
	if m == nil {
		return nil
	}
	m.relayActive.Inc()
	return &RelayTracker{m: m, method: methodLabel(method)}
}

var knownMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "OPTIONS": true, "CONNECT": true, "TRACE": true,
}

// methodLabel folds non-standard methods into "OTHER".
func methodLabel(method string) string {
	if knownMethods[method] {
		return method
	}
	return "OTHER"
}

// RelayTracker records the outcome of a single relayed request.
type RelayTracker struct {
	m      *Metrics
	method string
}

// Done records the completion of a relayed request. reason is ignored when
// err is nil.
func (t *RelayTracker) Done(durationSec float64, requestBytes, responseBytes int64, err error, reason string) {
	if t == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
		t.m.relayErrors.WithLabelValues(reason).Inc()
	}
	t.m.relayActive.Dec()
	t.m.relayRequests.WithLabelValues(t.method, status).Inc()
	t.m.relayDuration.Observe(durationSec)
	t.m.relayBytes.WithLabelValues("request").Add(float64(requestBytes))
	t.m.relayBytes.WithLabelValues("response").Add(float64(responseBytes))
}

// RelayRejected records a relay request that failed before it was sent
// (for example an undecodable request).
func (m *Metrics) RelayRejected(reason string) {
	if m == nil {
		return
	}
	m.relayErrors.WithLabelValues(reason).Inc()
}
