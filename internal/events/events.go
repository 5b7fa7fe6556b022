// Package events is a secondary, log-oriented event sink for operational
// occurrences in the engine (job lifecycle, worker passes, sweep runs),
// independent of the Hub's WebSocket fan-out. Grounded on the teacher's
// events.Manager: a typed Emit over a bounded set of event kinds, logged
// through zerolog rather than pushed to subscribers.
package events

import (
	"github.com/rs/zerolog"
)

// Type enumerates the operational events this subsystem emits.
type Type string

const (
	JobStarted        Type = "job_started"
	JobCompleted      Type = "job_completed"
	JobCancelled      Type = "job_cancelled"
	VerificationPass  Type = "verification_pass"
	RetentionSweep    Type = "retention_sweep"
	ComponentError    Type = "component_error"
)

// Event is a single occurrence with free-form structured fields.
type Event struct {
	Type   Type
	Fields map[string]any
}

// Manager logs events through a component-scoped logger. It holds no
// subscriber list; anything that needs fan-out to clients goes through
// internal/hub instead.
type Manager struct {
	log zerolog.Logger
}

// New builds an event Manager.
func New(log zerolog.Logger) *Manager {
	return &Manager{log: log.With().Str("component", "events").Logger()}
}

// Emit logs an informational event.
func (m *Manager) Emit(e Event) {
	entry := m.log.Info().Str("event", string(e.Type))
	for k, v := range e.Fields {
		entry = entry.Interface(k, v)
	}
	entry.Msg("event")
}

// EmitError logs an event alongside the error that triggered it.
func (m *Manager) EmitError(e Event, err error) {
	entry := m.log.Error().Str("event", string(e.Type)).Err(err)
	for k, v := range e.Fields {
		entry = entry.Interface(k, v)
	}
	entry.Msg("event error")
}
