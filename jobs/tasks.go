package jobs

import (
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeEdgeSync regenerates the edge permission snapshot from the
	// live role/permission matrix.
	TaskTypeEdgeSync = "rbac:edge_sync"
)

// NewEdgeSyncTask constructs an edge snapshot refresh task. The task has no
// payload; the handler always syncs the full matrix.
func NewEdgeSyncTask() (*asynq.Task, error) {
	return asynq.NewTask(TaskTypeEdgeSync, nil), nil
}
