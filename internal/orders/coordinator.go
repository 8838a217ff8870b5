package orders

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/ariefcatur/go-order-saga/internal/inventory"
	"github.com/rs/zerolog/log"
)

const (
	stepBaseDelay = 5 * time.Second
	stepMaxDelay  = 10 * time.Minute

	compensateTimeout = 10 * time.Second
)

// stepDelay is the wait before retry number attempts+1: 5s, 10s, 20s ...
// capped at stepMaxDelay.
func stepDelay(attempts int) time.Duration {
	d := stepBaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= stepMaxDelay {
			return stepMaxDelay
		}
	}
	return d
}

// Coordinator translates order line items into ledger calls keyed by order
// id and settles the durable steps of committed status changes.
type Coordinator struct {
	ledger StockLedger
	steps  StepStore
	now    func() time.Time
}

func NewCoordinator(ledger StockLedger, steps StepStore) *Coordinator {
	return &Coordinator{ledger: ledger, steps: steps, now: time.Now}
}

// Reserve holds stock for all items of the order or for none.
func (c *Coordinator) Reserve(ctx context.Context, orderID string, items []OrderItem) error {
	req := make([]inventory.Item, 0, len(items))
	for _, it := range items {
		req = append(req, inventory.Item{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	if _, err := c.ledger.Reserve(ctx, orderID, req); err != nil {
		if _, ok := apperr.As(err); ok {
			return err
		}
		return apperr.Unexpected(err, "stock reservation failed")
	}
	return nil
}

// ReserveSettled reports whether a Reserve failure is a definite answer from
// the ledger, meaning nothing was held. Any other failure may have committed
// the hold before the reply was lost.
func ReserveSettled(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindBusinessRule, apperr.KindValidation, apperr.KindNotFound, apperr.KindForbidden:
		return true
	}
	return false
}

// Compensate releases the reservation of an order that was never persisted.
// It runs detached from ctx's cancellation, bounded by compensateTimeout.
func (c *Coordinator) Compensate(ctx context.Context, orderID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()
	_, err := c.ledger.Release(ctx, orderID)
	if err == nil || errors.Is(err, apperr.ErrNoReservation) {
		return
	}
	log.Error().Err(err).Str("order_id", orderID).Msg("compensating release failed, reservation left outstanding")
}

// Run settles one step. A ledger reporting no outstanding reservation means
// an earlier attempt already went through, so the step is done. Any other
// failure is recorded with a backoff and returned as retryable.
func (c *Coordinator) Run(ctx context.Context, step SagaStep) error {
	var err error
	switch step.Action {
	case StockConfirm:
		_, err = c.ledger.Confirm(ctx, step.OrderID)
	case StockRelease:
		_, err = c.ledger.Release(ctx, step.OrderID)
	default:
		return apperr.Unexpected(nil, "unknown saga step action %q", step.Action)
	}

	if err == nil || errors.Is(err, apperr.ErrNoReservation) {
		if err != nil {
			log.Info().Str("order_id", step.OrderID).Str("action", string(step.Action)).Msg("nothing outstanding, step settled")
		}
		return c.steps.CompleteStep(ctx, step.ID)
	}

	attempts := step.Attempts + 1
	next := c.now().Add(stepDelay(attempts))
	log.Warn().Err(err).
		Str("order_id", step.OrderID).
		Str("step_id", step.ID).
		Str("action", string(step.Action)).
		Int("attempts", attempts).
		Time("next_attempt_at", next).
		Msg("saga step failed")
	if ferr := c.steps.FailStep(ctx, step.ID, attempts, err.Error(), next); ferr != nil {
		log.Error().Err(ferr).Str("step_id", step.ID).Msg("record step failure")
	}
	return apperr.Retryable(err, "stock %s for order %s is pending and will be retried", actionVerb(step.Action), step.OrderID)
}

func actionVerb(a StockAction) string {
	if a == StockConfirm {
		return "confirmation"
	}
	return "release"
}
