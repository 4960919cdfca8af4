package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskgrid/internal/eventbus"
	"taskgrid/internal/storage"
)

// memStore is an in-memory storage.Store for engine tests. Like the real
// backend it publishes change events tagged with the owning node id.
type memStore struct {
	mu       sync.Mutex
	jobs     map[storage.JobKey]storage.Job
	triggers map[storage.JobKey]storage.Trigger
	states   map[string][]byte

	bus    eventbus.Bus
	nodeID string
}

func newMemStore(nodeID string, bus eventbus.Bus) *memStore {
	return &memStore{
		jobs:     map[storage.JobKey]storage.Job{},
		triggers: map[storage.JobKey]storage.Trigger{},
		states:   map[string][]byte{},
		bus:      bus,
		nodeID:   nodeID,
	}
}

func (s *memStore) publishJob(topic eventbus.Topic, j storage.Job) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: topic, Data: storage.JobEvent{Job: j, Origin: s.nodeID}})
	}
}

func (s *memStore) publishTrigger(topic eventbus.Topic, t storage.Trigger) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: topic, Data: storage.TriggerEvent{Trigger: t, Origin: s.nodeID}})
	}
}

func (s *memStore) CreateJob(_ context.Context, j storage.Job) error {
	s.mu.Lock()
	if _, ok := s.jobs[j.Key]; ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s exists", j.Key)
	}
	s.jobs[j.Key] = j
	s.mu.Unlock()
	s.publishJob(eventbus.TopicJobCreated, j)
	return nil
}

func (s *memStore) UpdateJob(_ context.Context, j storage.Job) error {
	s.mu.Lock()
	if _, ok := s.jobs[j.Key]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s not found", j.Key)
	}
	s.jobs[j.Key] = j
	s.mu.Unlock()
	s.publishJob(eventbus.TopicJobUpdated, j)
	return nil
}

func (s *memStore) DeleteJob(_ context.Context, key storage.JobKey) (bool, error) {
	s.mu.Lock()
	j, ok := s.jobs[key]
	delete(s.jobs, key)
	s.mu.Unlock()
	if ok {
		s.publishJob(eventbus.TopicJobDeleted, j)
	}
	return ok, nil
}

func (s *memStore) GetJob(_ context.Context, key storage.JobKey) (storage.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	return j, ok, nil
}

func (s *memStore) ListJobs(_ context.Context) ([]storage.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Key < out[k].Key })
	return out, nil
}

func (s *memStore) JobsByName(_ context.Context, name string) ([]storage.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Job
	for _, j := range s.jobs {
		if j.Name == name {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *memStore) CreateTrigger(_ context.Context, t storage.Trigger) error {
	s.mu.Lock()
	if _, ok := s.triggers[t.Key]; ok {
		s.mu.Unlock()
		return fmt.Errorf("trigger %s exists", t.Key)
	}
	s.triggers[t.Key] = t
	s.mu.Unlock()
	s.publishTrigger(eventbus.TopicTriggerCreated, t)
	return nil
}

func (s *memStore) UpdateTrigger(_ context.Context, t storage.Trigger) error {
	s.mu.Lock()
	if _, ok := s.triggers[t.Key]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("trigger %s not found", t.Key)
	}
	s.triggers[t.Key] = t
	s.mu.Unlock()
	s.publishTrigger(eventbus.TopicTriggerUpdated, t)
	return nil
}

func (s *memStore) DeleteTrigger(_ context.Context, key storage.JobKey) (bool, error) {
	s.mu.Lock()
	t, ok := s.triggers[key]
	delete(s.triggers, key)
	s.mu.Unlock()
	if ok {
		s.publishTrigger(eventbus.TopicTriggerDeleted, t)
	}
	return ok, nil
}

func (s *memStore) GetTrigger(_ context.Context, key storage.JobKey) (storage.Trigger, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[key]
	return t, ok, nil
}

func (s *memStore) ListTriggers(_ context.Context) ([]storage.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Key < out[k].Key })
	return out, nil
}

func (s *memStore) TriggersForJob(_ context.Context, jobKey storage.JobKey) ([]storage.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Trigger
	for _, t := range s.triggers {
		if t.JobKey == jobKey {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memStore) DueTriggers(_ context.Context, now time.Time) ([]storage.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Trigger
	for _, t := range s.triggers {
		if !t.NextFire.IsZero() && !t.NextFire.After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].NextFire.Before(out[k].NextFire) })
	return out, nil
}

func (s *memStore) ClaimTrigger(_ context.Context, key storage.JobKey, expectedNext, next, prev time.Time) (bool, error) {
	s.mu.Lock()
	t, ok := s.triggers[key]
	if !ok || !t.NextFire.Equal(expectedNext) {
		s.mu.Unlock()
		return false, nil
	}
	t.NextFire = next
	t.PrevFire = prev
	s.triggers[key] = t
	s.mu.Unlock()
	s.publishTrigger(eventbus.TopicTriggerUpdated, t)
	return true, nil
}

func (s *memStore) UpsertNodeState(_ context.Context, nodeID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[nodeID] = payload
	return nil
}

func (s *memStore) ListNodeStates(_ context.Context) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }
