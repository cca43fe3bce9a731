package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/crewdesk/crewdesk/internal/rbac"
)

// EdgeSyncer regenerates the edge permission snapshot file from the live
// role/permission matrix. The file is rewritten wholesale each run, so the
// job is idempotent and safe to schedule aggressively.
type EdgeSyncer struct {
	Service *rbac.Service
	Path    string
	Logger  *slog.Logger
}

// Run performs one sync pass.
func (s *EdgeSyncer) Run(ctx context.Context) error {
	matrix, err := s.Service.PermissionMatrix(ctx)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error("edge sync read matrix", slog.Any("error", err))
		}
		return err
	}
	snapshot := rbac.FromMatrix(matrix, time.Now())
	if err := snapshot.WriteFile(s.Path); err != nil {
		if s.Logger != nil {
			s.Logger.Error("edge sync write snapshot", slog.Any("error", err))
		}
		return err
	}
	if s.Logger != nil {
		s.Logger.Info("edge snapshot refreshed",
			slog.String("job", "edge_sync"),
			slog.String("path", s.Path),
			slog.Int("roles", len(matrix)))
	}
	return nil
}

// HandleTask adapts Run to an Asynq handler.
func (s *EdgeSyncer) HandleTask(ctx context.Context, _ *asynq.Task) error {
	return s.Run(ctx)
}
