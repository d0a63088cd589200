package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/yourorg/leak-scanner/internal/model"
)

// Pipeline stages, in order. A stage names what the scan is doing now; it
// never changes the scan status.
const (
	StageQueued    = "queued"
	StageCloning   = "cloning"
	StageCounting  = "counting"
	StageScanning  = "scanning"
	StageArchiving = "archiving"
	StageDone      = "done"
)

func derivePct(stage string) int {
	switch stage {
	case StageQueued:
		return 0
	case StageCloning:
		return 10
	case StageCounting:
		return 30
	case StageScanning:
		return 50
	case StageArchiving:
		return 90
	case StageDone:
		return 100
	default:
		return 50
	}
}

func setStage(res *model.ScanResult, stage string) {
	res.Stage = stage
	res.Progress = derivePct(stage)
}

// advance records a new stage. Progress is informational, so a failed write
// is logged and the pipeline carries on.
func (r *Runner) advance(ctx context.Context, res *model.ScanResult, stage string, log *zap.Logger) {
	setStage(res, stage)
	if err := r.store.Save(ctx, *res, nil); err != nil {
		log.Warn("persist progress failed", zap.String("stage", stage), zap.Error(err))
	}
}
