package scheduling

import "time"

// TaskState is the live state of a scheduled task on this node.
//
// CANCELED/FAILED are not states: they are recorded as the EndState of the
// last run. A task is either waiting for its next fire, running, or done.
type TaskState string

const (
	StateWaiting TaskState = "WAITING"
	StateRunning TaskState = "RUNNING"
	StateDone    TaskState = "DONE"
)

func (s TaskState) IsWaiting() bool { return s == StateWaiting }
func (s TaskState) IsRunning() bool { return s == StateRunning }
func (s TaskState) IsDone() bool    { return s == StateDone }

// EndState is the terminal result of a single run.
type EndState string

const (
	EndStateOK       EndState = "OK"
	EndStateFailed   EndState = "FAILED"
	EndStateCanceled EndState = "CANCELED"
	// EndStateInterrupted marks a run that was cut short by a node shutdown;
	// it is detected at start-up reattachment, never recorded live.
	EndStateInterrupted EndState = "INTERRUPTED"
)

// LastRunState describes the most recent completed (or interrupted) run.
type LastRunState struct {
	EndState    EndState
	RunStarted  time.Time
	RunDuration time.Duration
}
