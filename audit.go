package authvault

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Audit event types emitted by the service.
const (
	EventLoginSuccess       = "login_success"
	EventLoginFailure       = "login_failure"
	EventLoginLocked        = "login_locked"
	EventLoginRateLimited   = "login_rate_limited"
	EventLockoutTriggered   = "lockout_triggered"
	EventRefreshSuccess     = "refresh_success"
	EventRefreshInvalid     = "refresh_invalid"
	EventRefreshRateLimited = "refresh_rate_limited"
	EventRefreshReuse       = "refresh_reuse_detected"
	EventLogoutSession      = "logout_session"
	EventLogoutAll          = "logout_all"
	EventSessionTerminated  = "session_terminated"
	EventSessionSwept       = "session_swept"
	EventHashUpgraded       = "credential_hash_upgraded"
)

// RiskLevel grades an audit event for downstream alerting.
type RiskLevel string

const (
	RiskLow RiskLevel = "low"
	// RiskMedium marks suspicious but expected traffic: failed logins
	// and throttled requests.
	RiskMedium RiskLevel = "medium"
	// RiskHigh marks an active defensive response, such as a lockout
	// engaging or a refresh rejected against session state.
	RiskHigh RiskLevel = "high"
	// RiskCritical marks signals of credential or token theft, most
	// notably refresh token reuse.
	RiskCritical RiskLevel = "critical"
)

// AuditEvent is one security-relevant occurrence. AccountID is omitted
// for failures on unknown handles so the trail never confirms account
// existence.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	Risk      RiskLevel         `json:"risk"`
	AccountID string            `json:"account_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives audit events. Delivery is synchronous with the
// operation that produced the event; slow sinks slow the auth path, so
// buffer or fan out inside the sink if needed.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

// NoOpSink discards all events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink forwards events to a buffered channel for asynchronous
// consumption.
type ChannelSink struct {
	events chan AuditEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan AuditEvent, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line to the given writer.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

// recorder stamps, grades, and dispatches audit events to the configured
// sink, mirroring warn and critical events to the structured log.
type recorder struct {
	sink   AuditSink
	logger *slog.Logger
	clock  Clock
}

func newRecorder(sink AuditSink, logger *slog.Logger, clock Clock) *recorder {
	if sink == nil {
		sink = NoOpSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &recorder{sink: sink, logger: logger, clock: clock}
}

func (r *recorder) record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = r.clock.Now()
	}
	if event.Risk == "" {
		event.Risk = riskFor(event.EventType)
	}
	if event.IP == "" {
		event.IP = clientIPFromContext(ctx)
	}

	r.sink.Emit(ctx, event)

	switch event.Risk {
	case RiskCritical:
		r.logger.ErrorContext(ctx, "audit event",
			slog.String("event_type", event.EventType),
			slog.String("account_id", event.AccountID),
			slog.String("session_id", event.SessionID),
			slog.String("error", event.Error),
		)
	case RiskMedium, RiskHigh:
		r.logger.WarnContext(ctx, "audit event",
			slog.String("event_type", event.EventType),
			slog.String("session_id", event.SessionID),
			slog.String("error", event.Error),
		)
	}
}

func riskFor(eventType string) RiskLevel {
	switch eventType {
	case EventRefreshReuse:
		return RiskCritical
	case EventLockoutTriggered, EventLoginLocked, EventRefreshInvalid:
		return RiskHigh
	case EventLoginFailure, EventLoginRateLimited, EventRefreshRateLimited:
		return RiskMedium
	default:
		return RiskLow
	}
}
