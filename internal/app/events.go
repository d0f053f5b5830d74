package app

import (
	"time"

	"github.com/jsamuelsen/quotesync/internal/domain"
)

// Event types published by the sync engine.
const (
	EventCycleCompleted    = "sync.cycle.completed"
	EventConflictsDetected = "sync.conflicts.detected"
)

// CycleCompletedEvent summarises a finished cycle.
type CycleCompletedEvent struct {
	CycleID     string    `json:"cycleId"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	Pushed      int       `json:"pushed"`
	PushFailed  int       `json:"pushFailed"`
	PushSkipped int       `json:"pushSkipped"`
	Pulled      int       `json:"pulled"`
	Inserted    int       `json:"inserted"`
	Adopted     int       `json:"adopted"`
	Conflicts   int       `json:"conflicts"`
	PullError   string    `json:"pullError,omitempty"`
	PersistErr  string    `json:"persistError,omitempty"`
}

// EventType implements ports.Event.
func (e CycleCompletedEvent) EventType() string { return EventCycleCompleted }

// Payload implements ports.Event.
func (e CycleCompletedEvent) Payload() any { return e }

func newCycleCompletedEvent(res *CycleResult) CycleCompletedEvent {
	e := CycleCompletedEvent{
		CycleID:     res.CycleID,
		StartedAt:   res.StartedAt,
		CompletedAt: res.CompletedAt,
		Pushed:      res.Pushed,
		PushFailed:  res.PushFailed,
		PushSkipped: res.PushSkipped,
		Pulled:      res.Pulled,
		Inserted:    res.Inserted,
		Adopted:     res.Adopted,
		Conflicts:   len(res.Conflicts),
	}

	if res.PullErr != nil {
		e.PullError = res.PullErr.Error()
	}

	if res.PersistErr != nil {
		e.PersistErr = res.PersistErr.Error()
	}

	return e
}

// ConflictsDetectedEvent lists the ids that diverged in one cycle.
type ConflictsDetectedEvent struct {
	CycleID string   `json:"cycleId"`
	IDs     []string `json:"ids"`
}

// EventType implements ports.Event.
func (e ConflictsDetectedEvent) EventType() string { return EventConflictsDetected }

// Payload implements ports.Event.
func (e ConflictsDetectedEvent) Payload() any { return e }

func newConflictsDetectedEvent(cycleID string, conflicts []domain.Conflict) ConflictsDetectedEvent {
	ids := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		ids = append(ids, c.ID)
	}

	return ConflictsDetectedEvent{CycleID: cycleID, IDs: ids}
}
