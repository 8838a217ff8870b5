package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
)

// memRepo is an in-memory Repository for service tests.
type memRepo struct {
	mu        sync.Mutex
	orders    map[string]Order
	history   map[string][]StatusChange
	steps     []*SagaStep
	historyID int64

	createErr     error
	duplicateHits int
	beforeCreate  func()
}

func newMemRepo() *memRepo {
	return &memRepo{orders: map[string]Order{}, history: map[string][]StatusChange{}}
}

func (r *memRepo) Create(ctx context.Context, o Order, initial StatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.beforeCreate != nil {
		r.beforeCreate()
	}
	if err := ctx.Err(); err != nil {
		return apperr.Unexpected(err, "insert order")
	}
	if r.duplicateHits > 0 {
		r.duplicateHits--
		return ErrDuplicateOrderNumber
	}
	if r.createErr != nil {
		return r.createErr
	}
	r.orders[o.ID] = o
	r.appendHistory(initial)
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return Order{}, apperr.NotFound("order %s not found", id)
	}
	return o, nil
}

func (r *memRepo) ListByUser(_ context.Context, userID string, page Page) ([]Order, error) {
	return r.list(page, func(o Order) bool { return o.UserID == userID }), nil
}

func (r *memRepo) ListAll(_ context.Context, page Page) ([]Order, error) {
	return r.list(page, func(Order) bool { return true }), nil
}

func (r *memRepo) list(page Page, keep func(Order) bool) []Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	page = page.Normalize()
	var all []Order
	for _, o := range r.orders {
		if keep(o) {
			all = append(all, o)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	if page.Offset() >= len(all) {
		return nil
	}
	end := page.Offset() + page.Size
	if end > len(all) {
		end = len(all)
	}
	return all[page.Offset():end]
}

func (r *memRepo) History(_ context.Context, orderID string) ([]StatusChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusChange(nil), r.history[orderID]...), nil
}

func (r *memRepo) Transition(_ context.Context, orderID string, from, to Status, change StatusChange, step *SagaStep) (Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return Order{}, apperr.NotFound("order %s not found", orderID)
	}
	if o.Status != from {
		return Order{}, apperr.With(apperr.ErrInvalidTransition, "order %s is no longer in status %s", orderID, from)
	}
	o.Status = to
	o.UpdatedAt = change.CreatedAt
	r.orders[orderID] = o
	r.appendHistory(change)
	if step != nil {
		for _, s := range r.steps {
			if s.OrderID == orderID && s.State == StepPending {
				s.State = StepSuperseded
			}
		}
		cp := *step
		r.steps = append(r.steps, &cp)
	}
	return o, nil
}

func (r *memRepo) PendingStep(_ context.Context, orderID string) (SagaStep, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.steps) - 1; i >= 0; i-- {
		if s := r.steps[i]; s.OrderID == orderID && s.State == StepPending {
			return *s, true, nil
		}
	}
	return SagaStep{}, false, nil
}

func (r *memRepo) DueSteps(_ context.Context, now time.Time, limit int) ([]SagaStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SagaStep
	for _, s := range r.steps {
		if s.State == StepPending && !s.NextAttemptAt.After(now) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) CompleteStep(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.steps {
		if s.ID == id && s.State == StepPending {
			s.State = StepDone
		}
	}
	return nil
}

func (r *memRepo) FailStep(_ context.Context, id string, attempts int, lastErr string, next time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.steps {
		if s.ID == id && s.State == StepPending {
			s.Attempts = attempts
			s.LastError = lastErr
			s.NextAttemptAt = next
		}
	}
	return nil
}

func (r *memRepo) stepsOf(orderID string) []SagaStep {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SagaStep
	for _, s := range r.steps {
		if s.OrderID == orderID {
			out = append(out, *s)
		}
	}
	return out
}

func (r *memRepo) appendHistory(c StatusChange) {
	r.historyID++
	c.ID = r.historyID
	r.history[c.OrderID] = append(r.history[c.OrderID], c)
}
