// Package audit records security-relevant events for the token-binding
// subsystem: authentication outcomes, token issuance, and rotation.
package audit

import (
	"strconv"
	"time"
)

// Severity represents syslog severity levels per RFC 5424.
type Severity int

const (
	SeverityWarning Severity = 4
	SeverityNotice  Severity = 5
	SeverityInfo    Severity = 6
)

// String returns the human-readable name for a severity level.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityNotice:
		return "NOTICE"
	case SeverityWarning:
		return "WARNING"
	default:
		return "UNKNOWN"
	}
}

// EventType identifies a security-relevant audit event.
type EventType string

const (
	EventAuthSuccess   EventType = "auth.success"
	EventAuthFailure   EventType = "auth.failure"
	EventTokenIssued   EventType = "token.issued"
	EventTokenRotated  EventType = "token.rotated"
	EventReplayBlocked EventType = "replay.blocked"
)

// AllEventTypes returns every defined event type for iteration and validation.
func AllEventTypes() []EventType {
	return []EventType{
		EventAuthSuccess,
		EventAuthFailure,
		EventTokenIssued,
		EventTokenRotated,
		EventReplayBlocked,
	}
}

// severityMap maps each event type to its syslog severity.
var severityMap = map[EventType]Severity{
	EventAuthSuccess:   SeverityInfo,    // 6
	EventAuthFailure:   SeverityWarning, // 4
	EventTokenIssued:   SeverityNotice,  // 5
	EventTokenRotated:  SeverityNotice,  // 5
	EventReplayBlocked: SeverityWarning, // 4
}

// SeverityFor returns the syslog severity for a given event type.
// Unknown event types return SeverityWarning (fail-secure: treat unknowns
// as concerning).
func SeverityFor(et EventType) Severity {
	if s, ok := severityMap[et]; ok {
		return s
	}
	return SeverityWarning
}

// Event represents a security-relevant audit event with structured fields.
type Event struct {
	Type      EventType
	Severity  Severity
	Timestamp time.Time
	ActorID   string            // key thumbprint or owner ID, depending on event
	IP        string            // Client IP address
	Details   map[string]string // Event-specific fields
}

// NewAuthSuccess creates an auth.success event for accepted proofs.
func NewAuthSuccess(jkt, ip, method, path string, latencyMS int64) Event {
	return Event{
		Type:      EventAuthSuccess,
		Severity:  SeverityInfo,
		Timestamp: time.Now(),
		ActorID:   jkt,
		IP:        ip,
		Details: map[string]string{
			"method":     method,
			"path":       path,
			"latency_ms": strconv.FormatInt(latencyMS, 10),
		},
	}
}

// NewAuthFailure creates an auth.failure event for rejected authentication.
func NewAuthFailure(jkt, ip, reason, method, path string) Event {
	ev := Event{
		Type:      EventAuthFailure,
		Severity:  SeverityWarning,
		Timestamp: time.Now(),
		ActorID:   jkt,
		IP:        ip,
		Details: map[string]string{
			"reason": reason,
			"method": method,
			"path":   path,
		},
	}
	// Replays get their own event type so they can be alerted on
	// separately; a burst of them usually means a stolen proof.
	if reason == "dpop.replay" {
		ev.Type = EventReplayBlocked
	}
	return ev
}

// NewTokenIssued creates a token.issued event for newly bound tokens.
func NewTokenIssued(ownerID, jkt, tokenID string) Event {
	return Event{
		Type:      EventTokenIssued,
		Severity:  SeverityNotice,
		Timestamp: time.Now(),
		ActorID:   ownerID,
		Details: map[string]string{
			"token_id": tokenID,
			"jkt":      jkt,
		},
	}
}

// NewTokenRotated creates a token.rotated event preserving the lineage pair.
func NewTokenRotated(ownerID, oldTokenID, newTokenID string) Event {
	return Event{
		Type:      EventTokenRotated,
		Severity:  SeverityNotice,
		Timestamp: time.Now(),
		ActorID:   ownerID,
		Details: map[string]string{
			"old_token_id": oldTokenID,
			"new_token_id": newTokenID,
		},
	}
}
