package orders

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Reconciler closes the window between a committed status change and its
// ledger call: it periodically re-runs saga steps that are still pending.
type Reconciler struct {
	steps    StepStore
	coord    *Coordinator
	interval time.Duration
	batch    int
	now      func() time.Time
}

func NewReconciler(steps StepStore, coord *Coordinator, interval time.Duration, batch int) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &Reconciler{steps: steps, coord: coord, interval: interval, batch: batch, now: time.Now}
}

// Run blocks until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("reconcile pass failed")
			}
		}
	}
}

// RunOnce processes one batch of due steps and reports how many settled.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	due, err := r.steps.DueSteps(ctx, r.now(), r.batch)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, step := range due {
		if ctx.Err() != nil {
			break
		}
		if err := r.coord.Run(ctx, step); err != nil {
			continue
		}
		settled++
	}
	if len(due) > 0 {
		log.Info().Int("due", len(due)).Int("settled", settled).Msg("reconcile pass")
	}
	return settled, nil
}
