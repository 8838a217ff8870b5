package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/ariefcatur/go-order-saga/internal/inventory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type ledgerMock struct{ mock.Mock }

func (m *ledgerMock) Reserve(ctx context.Context, orderID string, items []inventory.Item) ([]inventory.Inventory, error) {
	args := m.Called(ctx, orderID, items)
	return nil, args.Error(0)
}

func (m *ledgerMock) Release(ctx context.Context, orderID string) ([]inventory.Inventory, error) {
	args := m.Called(ctx, orderID)
	return nil, args.Error(0)
}

func (m *ledgerMock) Confirm(ctx context.Context, orderID string) ([]inventory.Inventory, error) {
	args := m.Called(ctx, orderID)
	return nil, args.Error(0)
}

func TestStepDelay(t *testing.T) {
	assert.Equal(t, 5*time.Second, stepDelay(1))
	assert.Equal(t, 10*time.Second, stepDelay(2))
	assert.Equal(t, 40*time.Second, stepDelay(4))
	assert.Equal(t, stepMaxDelay, stepDelay(30))
}

func TestCoordinatorReserveMapsItems(t *testing.T) {
	led := &ledgerMock{}
	led.On("Reserve", mock.Anything, "o-1", []inventory.Item{{ProductID: "p-1", Quantity: 2}}).Return(nil).Once()
	c := NewCoordinator(led, newMemRepo())

	require.NoError(t, c.Reserve(context.Background(), "o-1", []OrderItem{{ProductID: "p-1", Quantity: 2, ProductName: "x"}}))
	led.AssertExpectations(t)
}

func TestCoordinatorReserveWrapsTransportErrors(t *testing.T) {
	led := &ledgerMock{}
	led.On("Reserve", mock.Anything, "o-1", mock.Anything).Return(errors.New("dial tcp: timeout")).Once()
	led.On("Reserve", mock.Anything, "o-2", mock.Anything).Return(apperr.ErrInsufficientStock).Once()
	c := NewCoordinator(led, newMemRepo())

	err := c.Reserve(context.Background(), "o-1", []OrderItem{{ProductID: "p-1", Quantity: 1}})
	assert.Equal(t, apperr.KindUnexpected, apperr.KindOf(err))

	err = c.Reserve(context.Background(), "o-2", []OrderItem{{ProductID: "p-1", Quantity: 1}})
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)
}

func TestCoordinatorRunTreatsNoReservationAsSettled(t *testing.T) {
	repo := newMemRepo()
	repo.steps = []*SagaStep{{ID: "s-1", OrderID: "o-1", Action: StockConfirm, State: StepPending}}
	led := &ledgerMock{}
	led.On("Confirm", mock.Anything, "o-1").Return(apperr.With(apperr.ErrNoReservation, "no reservation found for order o-1"))
	c := NewCoordinator(led, repo)

	require.NoError(t, c.Run(context.Background(), *repo.steps[0]))
	assert.Equal(t, StepDone, repo.steps[0].State)
}

func TestCoordinatorRunRejectsUnknownAction(t *testing.T) {
	c := NewCoordinator(&ledgerMock{}, newMemRepo())
	err := c.Run(context.Background(), SagaStep{ID: "s-1", OrderID: "o-1", Action: "SHIP"})
	assert.Equal(t, apperr.KindUnexpected, apperr.KindOf(err))
	assert.False(t, apperr.IsRetryable(err))
}

func TestCompensateIgnoresMissingReservation(t *testing.T) {
	led := &ledgerMock{}
	led.On("Release", mock.Anything, "o-1").Return(apperr.ErrNoReservation).Once()
	led.On("Release", mock.Anything, "o-2").Return(errors.New("boom")).Once()
	c := NewCoordinator(led, newMemRepo())

	assert.NotPanics(t, func() {
		c.Compensate(context.Background(), "o-1")
		c.Compensate(context.Background(), "o-2")
	})
	led.AssertExpectations(t)
}

func TestReconcilerRunStopsOnCancel(t *testing.T) {
	repo := newMemRepo()
	r := NewReconciler(repo, NewCoordinator(&ledgerMock{}, repo), 10*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestReserveSettled(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"insufficient stock", apperr.With(apperr.ErrInsufficientStock, "short on p-1"), true},
		{"validation", apperr.Validation("quantity must be positive"), true},
		{"unknown product", apperr.NotFound("inventory for p-9 not found"), true},
		{"forbidden", apperr.Forbidden("internal call required"), true},
		{"timeout", apperr.Unexpected(context.DeadlineExceeded, "stock reservation failed"), false},
		{"server error", apperr.Unexpected(nil, "inventory returned 502"), false},
		{"bare error", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReserveSettled(tt.err))
		})
	}
}

func TestCompensateOutlivesCancelledContext(t *testing.T) {
	led := &ledgerMock{}
	led.On("Release", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), "o-1").Return(nil).Once()
	c := NewCoordinator(led, newMemRepo())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Compensate(ctx, "o-1")
	led.AssertExpectations(t)
}
