package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("store closed")

// Config configures the persisted schedule store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// JobKey identifies a job (and, by construction, its scheduled trigger:
// jobs and their schedule triggers share identity 1:1; only transient "now"
// triggers carry a key of their own).
type JobKey string

// Job is the persisted representation of a task: its identity plus the
// flattened configuration bag.
type Job struct {
	Key         JobKey
	Name        string
	Recoverable bool
	Paused      bool
	Data        map[string]string
	UpdatedAt   time.Time
}

// Trigger is the persisted firing rule for a job.
//
// NextFire is the store-side scheduling contract between nodes: a node may
// only fire a trigger after winning the ClaimTrigger compare-and-set on it.
type Trigger struct {
	Key         JobKey
	JobKey      JobKey
	Kind        string // schedule kind: manual/now/once/cron/periodic
	StartAt     time.Time
	CronExpr    string
	Every       time.Duration
	LimitNode   string
	NextFire    time.Time // zero = no planned fire
	PrevFire    time.Time
	Description string
	Data        map[string]string
	UpdatedAt   time.Time
}

// Store is the narrow interface over the shared persisted schedule store.
// The core treats it as a keyed, queryable table set and assumes nothing
// about the engine behind it beyond per-row atomicity.
type Store interface {
	CreateJob(ctx context.Context, j Job) error
	UpdateJob(ctx context.Context, j Job) error
	DeleteJob(ctx context.Context, key JobKey) (bool, error)
	GetJob(ctx context.Context, key JobKey) (Job, bool, error)
	ListJobs(ctx context.Context) ([]Job, error)
	JobsByName(ctx context.Context, name string) ([]Job, error)

	CreateTrigger(ctx context.Context, t Trigger) error
	UpdateTrigger(ctx context.Context, t Trigger) error
	DeleteTrigger(ctx context.Context, key JobKey) (bool, error)
	GetTrigger(ctx context.Context, key JobKey) (Trigger, bool, error)
	ListTriggers(ctx context.Context) ([]Trigger, error)
	TriggersForJob(ctx context.Context, jobKey JobKey) ([]Trigger, error)
	DueTriggers(ctx context.Context, now time.Time) ([]Trigger, error)

	// ClaimTrigger advances a trigger's fire bookkeeping only if NextFire
	// still equals expectedNext. Exactly one node in the cluster wins the
	// claim for a given fire; everyone else backs off.
	ClaimTrigger(ctx context.Context, key JobKey, expectedNext, next, prev time.Time) (bool, error)

	// Node task-state snapshots for the cluster-wide operator view.
	UpsertNodeState(ctx context.Context, nodeID string, payload []byte) error
	ListNodeStates(ctx context.Context) (map[string][]byte, error)

	Close() error
}

// JobEvent is the bus payload for job change events.
type JobEvent struct {
	Job    Job
	Origin string // node id that performed the mutation
}

// IsLocal reports whether the event originated on the given node.
func (e JobEvent) IsLocal(nodeID string) bool { return e.Origin == nodeID }

// TriggerEvent is the bus payload for trigger change events.
type TriggerEvent struct {
	Trigger Trigger
	Origin  string
}

func (e TriggerEvent) IsLocal(nodeID string) bool { return e.Origin == nodeID }
