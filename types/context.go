package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyNodeID contextKey = "node_id"
	keyJobID  contextKey = "job_id"
	keyTaskID contextKey = "task_id"
)

// WithNodeID adds the local node ID to context.
func WithNodeID(ctx context.Context, id NodeID) context.Context {
	return context.WithValue(ctx, keyNodeID, id)
}

// NodeIDFrom extracts the node ID from context.
func NodeIDFrom(ctx context.Context) (NodeID, bool) {
	v, ok := ctx.Value(keyNodeID).(NodeID)
	return v, ok && v != ""
}

// WithJobID adds a job ID to context.
func WithJobID(ctx context.Context, id JobID) context.Context {
	return context.WithValue(ctx, keyJobID, id)
}

// JobIDFrom extracts the job ID from context.
func JobIDFrom(ctx context.Context) (JobID, bool) {
	v, ok := ctx.Value(keyJobID).(JobID)
	return v, ok && v != ""
}

// WithTaskID adds a task ID to context.
func WithTaskID(ctx context.Context, id TaskID) context.Context {
	return context.WithValue(ctx, keyTaskID, id)
}

// TaskIDFrom extracts the task ID from context.
func TaskIDFrom(ctx context.Context) (TaskID, bool) {
	v, ok := ctx.Value(keyTaskID).(TaskID)
	return v, ok && v != ""
}
