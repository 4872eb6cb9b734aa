package onboarding

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/backoffice/internal/observability"
	"github.com/pitabwire/backoffice/internal/wizard"
	"github.com/pitabwire/backoffice/model"
)

// Runner performs a submission's effects in order. A failed effect stops the
// run; effects that already succeeded are not rolled back, so a resubmission
// may repeat them.
type Runner struct {
	api    Lending
	logger *zap.Logger
}

// NewRunner creates a Runner calling api.
func NewRunner(api Lending, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{api: api, logger: logger}
}

// Run performs effects against meta, which effects may update.
func (r *Runner) Run(ctx context.Context, rctx *model.RequestContext, step wizard.StepID, effects []Effect, meta *wizard.StepMeta) error {
	logger := observability.LoggerFrom(ctx, r.logger)
	for i, eff := range effects {
		ectx, span := observability.StartSpan(ctx, "onboarding.effect."+eff.Name,
			observability.AttrStep.String(step.String()),
		)
		err := eff.Run(ectx, r.api, rctx, meta)
		observability.EndSpanWithError(span, err)
		if err != nil {
			logger.Warn("onboarding: effect failed",
				zap.String("step", step.String()),
				zap.String("effect", eff.Name),
				zap.Int("succeeded", i),
				zap.Error(err),
			)
			return fmt.Errorf("onboarding: %s: %w", eff.Name, err)
		}
		logger.Debug("onboarding: effect done",
			zap.String("step", step.String()),
			zap.String("effect", eff.Name),
		)
	}
	return nil
}
