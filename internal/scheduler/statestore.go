package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"taskgrid/internal/runtime/supervisor"
	"taskgrid/internal/scheduling"
	"taskgrid/internal/storage"
	"taskgrid/pkg/logx"
)

// TaskSnapshot is one task's state as published to the shared store for
// cluster-wide listing.
type TaskSnapshot struct {
	ID           string               `json:"id"`
	Name         string               `json:"name,omitempty"`
	TypeID       string               `json:"type_id"`
	State        scheduling.TaskState `json:"state"`
	NextRun      time.Time            `json:"next_run,omitzero"`
	RunStarted   time.Time            `json:"run_started,omitzero"`
	LastEndState scheduling.EndState  `json:"last_end_state,omitempty"`
}

// Snapshot returns the live tasks of this node in snapshot form.
func (e *Engine) Snapshot() []TaskSnapshot {
	tasks := e.ListTasks()
	out := make([]TaskSnapshot, 0, len(tasks))
	for _, info := range tasks {
		cfg := info.Configuration()
		cur := info.CurrentState()
		snap := TaskSnapshot{
			ID:         info.ID(),
			Name:       cfg.Name,
			TypeID:     cfg.TypeID,
			State:      cur.State,
			NextRun:    cur.NextRun,
			RunStarted: cur.RunStarted,
		}
		if lrs, ok := info.LastRunState(); ok {
			snap.LastEndState = lrs.EndState
		}
		out = append(out, snap)
	}
	return out
}

// ClusteredTaskStateStore periodically publishes this node's task snapshots
// into the shared store and aggregates all nodes' snapshots into one
// operator view. Advisory only; snapshots lag by up to the publish interval.
type ClusteredTaskStateStore struct {
	log      logx.Logger
	store    storage.Store
	engine   *Engine
	nodeID   string
	interval time.Duration

	mu  sync.Mutex
	sup *supervisor.Supervisor
}

func NewClusteredTaskStateStore(store storage.Store, engine *Engine, nodeID string, interval time.Duration, log logx.Logger) *ClusteredTaskStateStore {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ClusteredTaskStateStore{
		log:      log.With(logx.String("comp", "taskstate")),
		store:    store,
		engine:   engine,
		nodeID:   nodeID,
		interval: interval,
	}
}

func (s *ClusteredTaskStateStore) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	s.sup = supervisor.NewSupervisor(context.Background(), supervisor.WithLogger(s.log))
	s.sup.GoRestart("taskstate.publish", func(ctx context.Context) error {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.publish(ctx)
			}
		}
	})
	return nil
}

func (s *ClusteredTaskStateStore) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup != nil {
		return sup.Stop(ctx)
	}
	return nil
}

func (s *ClusteredTaskStateStore) publish(ctx context.Context) {
	payload, err := json.Marshal(s.engine.Snapshot())
	if err != nil {
		s.log.Warn("snapshot encode failed", logx.Err(err))
		return
	}
	if err := s.store.UpsertNodeState(ctx, s.nodeID, payload); err != nil {
		s.log.Warn("snapshot publish failed", logx.Err(err))
	}
}

// ListClusterTasks returns every node's last published snapshots, keyed by
// node id.
func (s *ClusteredTaskStateStore) ListClusterTasks(ctx context.Context) (map[string][]TaskSnapshot, error) {
	states, err := s.store.ListNodeStates(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]TaskSnapshot, len(states))
	for node, payload := range states {
		var snaps []TaskSnapshot
		if err := json.Unmarshal(payload, &snaps); err != nil {
			s.log.Warn("snapshot decode failed", logx.String("node", node), logx.Err(err))
			continue
		}
		out[node] = snaps
	}
	return out, nil
}
