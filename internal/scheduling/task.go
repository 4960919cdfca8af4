package scheduling

import "context"

// Task is a unit of schedulable work. Implementations must not be shared:
// every run gets a fresh instance from the registered factory, configured
// with its own TaskConfiguration.
type Task interface {
	// Configure injects the persisted parameters before Call.
	Configure(cfg TaskConfiguration) error
	// SetTaskHandle assigns the live scheduler-side handle. Called after
	// Configure and before Call.
	SetTaskHandle(h Handle)
	// Call performs the work. The context is canceled on a cooperative
	// interrupt request; tasks that ignore it keep running.
	Call(ctx context.Context) (any, error)
}

// Handle is the scheduler-side back-reference injected into a task.
// It is implemented by the engine's TaskInfo.
type Handle interface {
	// ID returns the task configuration id.
	ID() string
	// Configuration returns the configuration the handle currently holds.
	Configuration() TaskConfiguration
}

// TaskSupport carries the boilerplate of the Task contract. Task
// implementations embed it and implement Call.
type TaskSupport struct {
	cfg    TaskConfiguration
	handle Handle
}

func (t *TaskSupport) Configure(cfg TaskConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	t.cfg = cfg
	return nil
}

func (t *TaskSupport) SetTaskHandle(h Handle) { t.handle = h }

func (t *TaskSupport) Configuration() TaskConfiguration { return t.cfg }

func (t *TaskSupport) TaskHandle() Handle { return t.handle }
