package scheduler

import (
	"context"
	"errors"
	"time"

	"pixbot/internal/dispatch"
	"pixbot/internal/storage"
)

// State of the delivery timer.
type State int

const (
	StateIdle   State = iota // no job armed
	StateArmed               // job persisted with a future fire time
	StateFiring              // one cycle executing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateFiring:
		return "firing"
	default:
		return "unknown"
	}
}

// ErrCycleInFlight is returned by ForceFire when another cycle (natural or
// forced) is already executing. Exactly one cycle runs at a time; this is
// the serialization point protecting pool-state integrity.
var ErrCycleInFlight = errors.New("a delivery cycle is already in flight")

// Dispatcher runs one delivery cycle. See package dispatch.
type Dispatcher interface {
	RunCycle(ctx context.Context) dispatch.CycleResult
	RunCycleFor(ctx context.Context, imageID int64) dispatch.CycleResult
}

// JobStore persists the singleton next-fire record.
type JobStore interface {
	LoadJob(ctx context.Context) (*storage.Job, error)
	SaveJob(ctx context.Context, j storage.Job) error
	ClearJob(ctx context.Context) error
}

// IntervalSource yields the random wait before the next delivery.
type IntervalSource interface {
	Next() time.Duration
	Bounds() (min, max time.Duration)
}

// Snapshot is the read-only view served to the control surface. Safe to
// request while a cycle is in flight.
type Snapshot struct {
	State       State
	NextFireAt  time.Time // zero when idle
	LastOutcome *dispatch.CycleResult
}
