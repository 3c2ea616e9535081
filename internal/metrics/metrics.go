// Package metrics counts turn activity for the /metrics endpoint and the
// CLI summary line.
package metrics

import (
	"fmt"
	"sync/atomic"

	"go-turns/internal/turn"
)

type Counters struct {
	turnsStarted   atomic.Int64
	turnsCompleted atomic.Int64
	turnsFailed    atomic.Int64
	turnsCancelled atomic.Int64
	eventsFolded   atomic.Int64
	eventsNoop     atomic.Int64
	framesDropped  atomic.Int64
	toolCalls      atomic.Int64
	toolErrors     atomic.Int64
}

type Snapshot struct {
	TurnsStarted    int64   `json:"turns_started"`
	TurnsCompleted  int64   `json:"turns_completed"`
	TurnsFailed     int64   `json:"turns_failed"`
	TurnsIncomplete int64   `json:"turns_incomplete"`
	EventsFolded    int64   `json:"events_folded"`
	EventsNoop      int64   `json:"events_noop"`
	FramesDropped   int64   `json:"frames_dropped"`
	ToolCalls       int64   `json:"tool_calls"`
	ToolErrors      int64   `json:"tool_errors"`
	FailureRate     float64 `json:"failure_rate"`
	ToolErrorRate   float64 `json:"tool_error_rate"`
}

func New() *Counters {
	return &Counters{}
}

func (m *Counters) TurnStarted() { m.turnsStarted.Add(1) }

func (m *Counters) TurnFinished(state turn.State) {
	switch state {
	case turn.StateCompleted:
		m.turnsCompleted.Add(1)
	case turn.StateFailed:
		m.turnsFailed.Add(1)
	case turn.StateIncomplete:
		m.turnsCancelled.Add(1)
	}
}

func (m *Counters) EventFolded(changed bool) {
	if changed {
		m.eventsFolded.Add(1)
		return
	}
	m.eventsNoop.Add(1)
}

// FrameDropped counts upstream frames that were not valid canonical events.
func (m *Counters) FrameDropped(error) { m.framesDropped.Add(1) }

// ToolCalled counts a call that reached its tool.
func (m *Counters) ToolCalled(err error) {
	m.toolCalls.Add(1)
	if err != nil {
		m.toolErrors.Add(1)
	}
}

func (m *Counters) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	completed := m.turnsCompleted.Load()
	failed := m.turnsFailed.Load()
	incomplete := m.turnsCancelled.Load()
	calls := m.toolCalls.Load()
	toolErrors := m.toolErrors.Load()
	return Snapshot{
		TurnsStarted:    m.turnsStarted.Load(),
		TurnsCompleted:  completed,
		TurnsFailed:     failed,
		TurnsIncomplete: incomplete,
		EventsFolded:    m.eventsFolded.Load(),
		EventsNoop:      m.eventsNoop.Load(),
		FramesDropped:   m.framesDropped.Load(),
		ToolCalls:       calls,
		ToolErrors:      toolErrors,
		FailureRate:     safeRate(failed, completed+failed+incomplete),
		ToolErrorRate:   safeRate(toolErrors, calls),
	}
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"metrics: turns=%d completed=%d failed=%d incomplete=%d events=%d noop=%d dropped=%d tool_calls=%d tool_errors=%.1f%%",
		s.TurnsStarted,
		s.TurnsCompleted,
		s.TurnsFailed,
		s.TurnsIncomplete,
		s.EventsFolded,
		s.EventsNoop,
		s.FramesDropped,
		s.ToolCalls,
		s.ToolErrorRate*100,
	)
}

func safeRate(num, den int64) float64 {
	if den <= 0 {
		return 0
	}
	return float64(num) / float64(den)
}

var _ turn.Metrics = (*Counters)(nil)
