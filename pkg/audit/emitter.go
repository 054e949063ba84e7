package audit

import (
	"log/slog"
)

// EventEmitter accepts structured audit events for recording.
type EventEmitter interface {
	Emit(Event) error
}

// NopEmitter discards all events. Use when no audit backend is configured.
type NopEmitter struct{}

// Emit discards the event.
func (NopEmitter) Emit(Event) error { return nil }

// SlogEmitter writes audit events to a structured logger.
type SlogEmitter struct {
	logger *slog.Logger
}

// NewSlogEmitter creates an emitter over the given logger.
// If logger is nil, slog.Default() is used.
func NewSlogEmitter(logger *slog.Logger) *SlogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogEmitter{logger: logger}
}

// Emit writes the event as a single structured log record.
func (e *SlogEmitter) Emit(ev Event) error {
	args := []any{
		"severity", ev.Severity.String(),
		"actor", ev.ActorID,
	}
	if ev.IP != "" {
		args = append(args, "ip", ev.IP)
	}
	for k, v := range ev.Details {
		args = append(args, k, v)
	}

	switch ev.Severity {
	case SeverityWarning:
		e.logger.Warn(string(ev.Type), args...)
	default:
		e.logger.Info(string(ev.Type), args...)
	}
	return nil
}

// AuthEventEmitter bridges the middleware's AuditEmitter interface
// (defined in pkg/dpop to avoid import cycles) with audit.Event
// constructors and one or more EventEmitter backends. It satisfies
// dpop.AuditEmitter through structural typing without importing pkg/dpop.
type AuthEventEmitter struct {
	backends []EventEmitter
	logger   *slog.Logger
}

// NewAuthEventEmitter creates an emitter that forwards auth events to the
// given backends. If logger is nil, slog.Default() is used for error
// reporting.
func NewAuthEventEmitter(logger *slog.Logger, backends ...EventEmitter) *AuthEventEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthEventEmitter{
		backends: backends,
		logger:   logger,
	}
}

// EmitAuthSuccess creates an auth.success Event and writes it to all
// backends. Errors are logged but do not propagate; audit failures must
// not block requests.
func (e *AuthEventEmitter) EmitAuthSuccess(jkt, ip, method, path string, latencyMS int64) {
	ev := NewAuthSuccess(jkt, ip, method, path, latencyMS)
	for _, b := range e.backends {
		if err := b.Emit(ev); err != nil {
			e.logger.Error("audit emit failed", "event", ev.Type, "error", err)
		}
	}
}

// EmitAuthFailure creates an auth.failure Event and writes it to all
// backends. Errors are logged but do not propagate.
func (e *AuthEventEmitter) EmitAuthFailure(jkt, ip, reason, method, path string) {
	ev := NewAuthFailure(jkt, ip, reason, method, path)
	for _, b := range e.backends {
		if err := b.Emit(ev); err != nil {
			e.logger.Error("audit emit failed", "event", ev.Type, "error", err)
		}
	}
}
