package mapimport

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/EmpoweredVote/HZ-Backend/internal/logger"
)

// Runner runs one import.
type Runner interface {
	RunImport(ctx context.Context) MapImportResult
}

// Schedule runs an import every interval until ctx is done. The first run
// starts after one interval. A run still going when the next tick fires
// delays that tick.
func Schedule(ctx context.Context, interval time.Duration, runner Runner) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("map import schedule started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			logger.Info("map import schedule stopped")
			return
		case <-ticker.C:
			res := runner.RunImport(ctx)
			if !res.Success {
				logger.Warn("scheduled map import failed",
					zap.String("import_id", res.ImportID.String()),
					zap.Strings("errors", res.Errors),
				)
			}
		}
	}
}
