package eventbus

import "context"

// Topic names an event kind. Store mutations publish the fixed set below;
// ad-hoc topics are fine for anything node-local.
type Topic string

// Change-event topics for the persisted schedule store.
//
// Every node (including the originator) receives every event; consumers
// compare the payload's Origin against their own node id to skip the local
// echo of their own store mutation.
const (
	TopicJobCreated Topic = "job.created"
	TopicJobUpdated Topic = "job.updated"
	TopicJobDeleted Topic = "job.deleted"

	TopicTriggerCreated Topic = "trigger.created"
	TopicTriggerUpdated Topic = "trigger.updated"
	TopicTriggerDeleted Topic = "trigger.deleted"
)

type replicatingKey struct{}

// WithReplicating marks ctx as belonging to a replication pass.
//
// Scheduling entry points reject calls made under such a context: a remote
// change event must only be replayed against node-local state, never turned
// into another store mutation (which would echo back to the cluster).
func WithReplicating(ctx context.Context) context.Context {
	return context.WithValue(ctx, replicatingKey{}, true)
}

// IsReplicating reports whether ctx is part of a replication pass.
func IsReplicating(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(replicatingKey{}).(bool)
	return v
}
