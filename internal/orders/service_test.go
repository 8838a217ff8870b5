package orders

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/ariefcatur/go-order-saga/internal/inventory"
	"github.com/ariefcatur/go-order-saga/internal/inventory/inventorytest"
	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type usersMock struct{ mock.Mock }

func (m *usersMock) GetUser(ctx context.Context, userID string) (User, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(User), args.Error(1)
}

func (m *usersMock) GetAddress(ctx context.Context, userID, addressID string) (Address, error) {
	args := m.Called(ctx, userID, addressID)
	return args.Get(0).(Address), args.Error(1)
}

type catalogMock struct{ mock.Mock }

func (m *catalogMock) GetProducts(ctx context.Context, ids []string) (map[string]Product, error) {
	args := m.Called(ctx, ids)
	if p := args.Get(0); p != nil {
		return p.(map[string]Product), args.Error(1)
	}
	return nil, args.Error(1)
}

// flakyLedger fails the next N confirm or release calls before delegating.
// A set lostReply is returned after Reserve went through, like a timed out
// call whose work committed.
type flakyLedger struct {
	StockLedger
	mu          sync.Mutex
	failConfirm int
	failRelease int
	releases    int
	lostReply   error
}

func (f *flakyLedger) Reserve(ctx context.Context, orderID string, items []inventory.Item) ([]inventory.Inventory, error) {
	rows, err := f.StockLedger.Reserve(ctx, orderID, items)
	if err == nil && f.lostReply != nil {
		return nil, f.lostReply
	}
	return rows, err
}

func (f *flakyLedger) Confirm(ctx context.Context, orderID string) ([]inventory.Inventory, error) {
	f.mu.Lock()
	if f.failConfirm > 0 {
		f.failConfirm--
		f.mu.Unlock()
		return nil, errors.New("inventory service unavailable")
	}
	f.mu.Unlock()
	return f.StockLedger.Confirm(ctx, orderID)
}

func (f *flakyLedger) Release(ctx context.Context, orderID string) ([]inventory.Inventory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.releases++
	if f.failRelease > 0 {
		f.failRelease--
		f.mu.Unlock()
		return nil, errors.New("inventory service unavailable")
	}
	f.mu.Unlock()
	return f.StockLedger.Release(ctx, orderID)
}

var (
	customer = Actor{ID: "u-1", Role: RoleCustomer}
	admin    = Actor{ID: "admin-1", Role: RoleAdmin}
)

type fixture struct {
	svc     *Service
	repo    *memRepo
	store   *inventorytest.Store
	ledger  *flakyLedger
	rec     *events.Recorder
	users   *usersMock
	catalog *catalogMock
	recon   *Reconciler
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:    newMemRepo(),
		store:   inventorytest.NewStore(),
		rec:     events.NewRecorder(),
		users:   &usersMock{},
		catalog: &catalogMock{},
		clock:   time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}
	emitter := events.NewEmitter(f.rec, "test")
	f.ledger = &flakyLedger{StockLedger: inventory.NewLedger(f.store, emitter)}
	coord := NewCoordinator(f.ledger, f.repo)
	coord.now = f.now
	f.svc = NewService(f.repo, f.users, f.catalog, coord, emitter)
	f.svc.now = f.now
	f.recon = NewReconciler(f.repo, coord, time.Second, 10)
	f.recon.now = f.now

	f.users.On("GetUser", mock.Anything, "u-1").Return(User{ID: "u-1", Name: "Ana"}, nil).Maybe()
	f.users.On("GetAddress", mock.Anything, "u-1", "addr-1").
		Return(Address{ID: "addr-1", UserID: "u-1", Street: "Rua A", Number: "10", City: "Recife", State: "PE", ZipCode: "50000-000"}, nil).Maybe()
	f.catalog.On("GetProducts", mock.Anything, mock.Anything).Return(map[string]Product{
		"p-1": {ID: "p-1", SKU: "SKU-1", Name: "Keyboard", Price: decimal.RequireFromString("19.90"), Active: true},
		"p-2": {ID: "p-2", SKU: "SKU-2", Name: "Cable", Price: decimal.RequireFromString("5.00"), Active: true},
		"p-3": {ID: "p-3", SKU: "SKU-3", Name: "Retired", Price: decimal.RequireFromString("1.00"), Active: false},
	}, nil).Maybe()
	return f
}

func (f *fixture) now() time.Time { return f.clock }

func (f *fixture) create(t *testing.T, items ...ItemInput) Order {
	t.Helper()
	o, err := f.svc.Create(context.Background(), customer, CreateInput{AddressID: "addr-1", Items: items})
	require.NoError(t, err)
	return o
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("p-1", 5, 0, 0)
	f.store.Seed("p-2", 10, 0, 0)

	o := f.create(t, ItemInput{ProductID: "p-1", Quantity: 2}, ItemInput{ProductID: "p-2", Quantity: 1})

	assert.Equal(t, StatusPendingPayment, o.Status)
	assert.Equal(t, "u-1", o.UserID)
	assert.Regexp(t, `^TS-20260314-[0-9A-F]{5}$`, o.OrderNumber)
	assert.True(t, decimal.RequireFromString("44.80").Equal(o.TotalAmount), o.TotalAmount.String())
	require.Len(t, o.Items, 2)
	assert.True(t, decimal.RequireFromString("39.80").Equal(o.Items[0].TotalPrice))
	assert.Equal(t, "Keyboard", o.Items[0].ProductName)
	assert.Equal(t, "SKU-1", o.Items[0].SKU)

	var addr Address
	require.NoError(t, json.Unmarshal(o.ShippingAddress, &addr))
	assert.Equal(t, "Recife", addr.City)

	assert.Equal(t, 2, f.store.MustGet("p-1").ReservedQuantity)
	assert.Equal(t, 1, f.store.MustGet("p-2").ReservedQuantity)

	stored, err := f.svc.Get(context.Background(), customer, o.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(o, stored); diff != "" {
		t.Errorf("stored order mismatch (-want +got):\n%s", diff)
	}

	history, err := f.svc.History(context.Background(), customer, o.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].From)
	assert.Equal(t, StatusPendingPayment, history[0].To)
	assert.Equal(t, "Order created", history[0].Notes)

	created := f.rec.Envelopes(events.TopicOrderCreated)
	require.Len(t, created, 1)
	p, err := events.UnwrapPayload[events.OrderCreated](created[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, o.ID, p.OrderID)
	assert.Len(t, p.Items, 2)
	assert.True(t, o.TotalAmount.Equal(p.TotalAmount))
}

func TestCreateInsufficientStockWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("p-1", 2, 2, 0)
	f.store.Seed("p-2", 10, 0, 0)

	_, err := f.svc.Create(context.Background(), customer, CreateInput{AddressID: "addr-1", Items: []ItemInput{
		{ProductID: "p-2", Quantity: 1},
		{ProductID: "p-1", Quantity: 1},
	}})
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)
	assert.Equal(t, apperr.KindBusinessRule, apperr.KindOf(err))

	assert.Empty(t, f.repo.orders)
	assert.Equal(t, 2, f.store.MustGet("p-1").ReservedQuantity)
	assert.Equal(t, 0, f.store.MustGet("p-2").ReservedQuantity)
	assert.Empty(t, f.rec.Envelopes(events.TopicOrderCreated))
	assert.Zero(t, f.ledger.releases, "a definite rejection needs no release")
}

func TestCreateReleasesHoldWhenReserveReplyIsLost(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("p-1", 5, 0, 0)
	f.ledger.lostReply = context.DeadlineExceeded

	_, err := f.svc.Create(context.Background(), customer, CreateInput{AddressID: "addr-1", Items: []ItemInput{{ProductID: "p-1", Quantity: 2}}})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnexpected, apperr.KindOf(err))

	assert.Empty(t, f.repo.orders)
	assert.Equal(t, 1, f.ledger.releases)
	assert.Equal(t, 0, f.store.MustGet("p-1").ReservedQuantity)
	assert.Empty(t, f.rec.Envelopes(events.TopicOrderCreated))
}

func TestCreateReleasesHoldWhenRequestIsCancelled(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("p-1", 5, 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.repo.beforeCreate = cancel

	_, err := f.svc.Create(ctx, customer, CreateInput{AddressID: "addr-1", Items: []ItemInput{{ProductID: "p-1", Quantity: 2}}})
	require.ErrorIs(t, err, context.Canceled)

	assert.Empty(t, f.repo.orders)
	assert.Equal(t, 1, f.ledger.releases)
	assert.Equal(t, 0, f.store.MustGet("p-1").ReservedQuantity)
}

func TestCreateCollaboratorFailures(t *testing.T) {
	t.Run("user", func(t *testing.T) {
		f := newFixture(t)
		f.users.On("GetUser", mock.Anything, "u-9").Return(User{}, errors.New("connection refused"))

		_, err := f.svc.Create(context.Background(), Actor{ID: "u-9"}, CreateInput{AddressID: "addr-1", Items: []ItemInput{{ProductID: "p-1", Quantity: 1}}})
		assert.Equal(t, apperr.KindBusinessRule, apperr.KindOf(err))
		assert.Contains(t, err.Error(), "problem finding user")
	})
	t.Run("address", func(t *testing.T) {
		f := newFixture(t)
		f.users.On("GetAddress", mock.Anything, "u-1", "addr-x").Return(Address{}, apperr.NotFound("address not found"))

		_, err := f.svc.Create(context.Background(), customer, CreateInput{AddressID: "addr-x", Items: []ItemInput{{ProductID: "p-1", Quantity: 1}}})
		assert.Equal(t, apperr.KindBusinessRule, apperr.KindOf(err))
		assert.Contains(t, err.Error(), "valid address")
	})
	t.Run("address of another user", func(t *testing.T) {
		f := newFixture(t)
		f.users.On("GetAddress", mock.Anything, "u-1", "addr-2").Return(Address{ID: "addr-2", UserID: "u-2"}, nil)

		_, err := f.svc.Create(context.Background(), customer, CreateInput{AddressID: "addr-2", Items: []ItemInput{{ProductID: "p-1", Quantity: 1}}})
		assert.Equal(t, apperr.KindBusinessRule, apperr.KindOf(err))
	})
	t.Run("inactive product", func(t *testing.T) {
		f := newFixture(t)
		f.store.Seed("p-3", 10, 0, 0)

		_, err := f.svc.Create(context.Background(), customer, CreateInput{AddressID: "addr-1", Items: []ItemInput{{ProductID: "p-3", Quantity: 1}, {ProductID: "p-404", Quantity: 1}}})
		assert.Equal(t, apperr.KindBusinessRule, apperr.KindOf(err))
		assert.Contains(t, err.Error(), "p-3, p-404")
		assert.Equal(t, 0, f.store.MustGet("p-3").ReservedQuantity)
	})
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		actor Actor
		in    CreateInput
	}{
		{"no user", Actor{}, CreateInput{AddressID: "addr-1", Items: []ItemInput{{ProductID: "p-1", Quantity: 1}}}},
		{"no address", customer, CreateInput{Items: []ItemInput{{ProductID: "p-1", Quantity: 1}}}},
		{"no items", customer, CreateInput{AddressID: "addr-1"}},
		{"zero quantity", customer, CreateInput{AddressID: "addr-1", Items: []ItemInput{{ProductID: "p-1"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), tt.actor, tt.in)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
	f.users.AssertNotCalled(t, "GetUser", mock.Anything, mock.Anything)
}

func TestCreatePersistFailureReleasesReservation(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("p-1", 5, 0, 0)
	f.repo.createErr = apperr.Unexpected(errors.New("disk full"), "insert order")

	_, err := f.svc.Create(context.Background(), customer, CreateInput{AddressID: "addr-1", Items: []ItemInput{{ProductID: "p-1", Quantity: 2}}})
	assert.Equal(t, apperr.KindUnexpected, apperr.KindOf(err))
	assert.Equal(t, 0, f.store.MustGet("p-1").ReservedQuantity)
	assert.Len(t, f.rec.Envelopes(events.TopicStockReleased), 1)
	assert.Empty(t, f.rec.Envelopes(events.TopicOrderCreated))
}

func TestCreateRetriesOrderNumberCollision(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("p-1", 5, 0, 0)
	f.repo.duplicateHits = 2
	numbers := []string{"TS-1", "TS-2", "TS-3"}
	f.svc.orderNumber = func(time.Time) string {
		n := numbers[0]
		numbers = numbers[1:]
		return n
	}

	o := f.create(t, ItemInput{ProductID: "p-1", Quantity: 1})
	assert.Equal(t, "TS-3", o.OrderNumber)
	assert.Equal(t, 1, f.store.MustGet("p-1").ReservedQuantity)
}

func TestGetAndList(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("p-1", 5, 0, 0)
	o := f.create(t, ItemInput{ProductID: "p-1", Quantity: 1})

	first, err := f.svc.Get(context.Background(), customer, o.ID)
	require.NoError(t, err)
	second, err := f.svc.Get(context.Background(), admin, o.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.True(t, first.TotalAmount.Equal(second.TotalAmount))

	_, err = f.svc.Get(context.Background(), Actor{ID: "u-2"}, o.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = f.svc.Get(context.Background(), customer, "missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	mine, err := f.svc.List(context.Background(), customer, Page{})
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	theirs, err := f.svc.List(context.Background(), Actor{ID: "u-2"}, Page{})
	require.NoError(t, err)
	assert.Empty(t, theirs)

	_, err = f.svc.ListAll(context.Background(), customer, Page{})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	all, err := f.svc.ListAll(context.Background(), admin, Page{Size: 10})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = f.svc.History(context.Background(), Actor{ID: "u-2"}, o.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestPaymentConfirmedConfirmsStock(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("p-1", 5, 0, 0)
	o := f.create(t, ItemInput{ProductID: "p-1", Quantity: 2})
	assert.Equal(t, 2, f.store.MustGet("p-1").ReservedQuantity)

	paid, err := f.svc.UpdateStatus(context.Background(), admin, o.ID, StatusPaymentConfirmed, "")
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentConfirmed, paid.Status)

	inv := f.store.MustGet("p-1")
	assert.Equal(t, 3, inv.Quantity)
	assert.Equal(t, 0, inv.ReservedQuantity)
	assert.Len(t, f.rec.Envelopes(events.TopicOrderPaid), 1)

	history, err := f.svc.History(context.Background(), admin, o.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, StatusPendingPayment, *history[1].From)
	assert.Equal(t, "Status updated", history[1].Notes)
	assert.Equal(t, "admin-1", history[1].ChangedBy)

	steps := f.repo.stepsOf(o.ID)
	require.Len(t, steps, 1)
	assert.Equal(t, StepDone, steps[0].State)
}

func TestUpdateStatusRejections(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("p-1", 5, 0, 0)
	o := f.create(t, ItemInput{ProductID: "p-1", Quantity: 1})

	_, err := f.svc.UpdateStatus(context.Background(), admin, o.ID, StatusShipped, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, apperr.KindBusinessRule, apperr.KindOf(err))

	_, err = f.svc.UpdateStatus(context.Background(), customer, o.ID, StatusPaymentConfirmed, "")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = f.svc.UpdateStatus(context.Background(), admin, o.ID, Status("LOST"), "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.svc.UpdateStatus(context.Background(), admin, o.ID, StatusPendingPayment, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	got, err := f.svc.Get(context.Background(), admin, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingPayment, got.Status)
	assert.Equal(t, 1, f.store.MustGet("p-1").ReservedQuantity)
}

func TestFullLifecycleToDelivered(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("p-1", 5, 0, 0)
	o := f.create(t, ItemInput{ProductID: "p-1", Quantity: 1})

	for _, st := range []Status{StatusPaymentConfirmed, StatusProcessing, StatusShipped, StatusDelivered} {
		_, err := f.svc.UpdateStatus(context.Background(), admin, o.ID, st, "")
		require.NoError(t, err, st)
	}
	shipped := f.rec.Envelopes(events.TopicOrderShipped)
	require.Len(t, shipped, 1)
	p, err := events.UnwrapPayload[events.OrderShipped](shipped[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, events.TrackingPending, p.TrackingCode)

	history, err := f.svc.History(context.Background(), admin, o.ID)
	require.NoError(t, err)
	assert.Len(t, history, 5)
	assert.Equal(t, 4, f.store.MustGet("p-1").Quantity)
}

func TestCancelPendingReleasesStock(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("p-1", 5, 0, 0)
	o := f.create(t, ItemInput{ProductID: "p-1", Quantity: 2})

	cancelled, err := f.svc.Cancel(context.Background(), customer, o.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, 0, f.store.MustGet("p-1").ReservedQuantity)

	ev := f.rec.Envelopes(events.TopicOrderCancelled)
	require.Len(t, ev, 1)
	p, err := events.UnwrapPayload[events.OrderCancelled](ev[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "Order cancelled", p.Reason)

	_, err = f.svc.Cancel(context.Background(), customer, o.ID, "again")
	assert.ErrorIs(t, err, apperr.ErrCancelNotAllowed)
}

func TestCancelRoleGatingFromProcessing(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("p-1", 5, 0, 0)
	o := f.create(t, ItemInput{ProductID: "p-1", Quantity: 2})
	for _, st := range []Status{StatusPaymentConfirmed, StatusProcessing} {
		_, err := f.svc.UpdateStatus(context.Background(), admin, o.ID, st, "")
		require.NoError(t, err)
	}

	_, err := f.svc.Cancel(context.Background(), customer, o.ID, "changed my mind")
	assert.Equal(t, apperr.KindBusinessRule, apperr.KindOf(err))

	_, err = f.svc.Cancel(context.Background(), Actor{ID: "u-2"}, o.ID, "")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	releasesBefore := f.ledger.releases
	cancelled, err := f.svc.Cancel(context.Background(), admin, o.ID, "fraud check")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, releasesBefore, f.ledger.releases, "no release from PROCESSING")

	inv := f.store.MustGet("p-1")
	assert.Equal(t, 3, inv.Quantity)
	assert.Equal(t, 0, inv.ReservedQuantity)
}

func TestAdminCancelFromPaymentConfirmed(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("p-1", 5, 0, 0)
	o := f.create(t, ItemInput{ProductID: "p-1", Quantity: 2})
	_, err := f.svc.UpdateStatus(context.Background(), admin, o.ID, StatusPaymentConfirmed, "")
	require.NoError(t, err)

	cancelled, err := f.svc.UpdateStatus(context.Background(), admin, o.ID, StatusCancelled, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	steps := f.repo.stepsOf(o.ID)
	require.Len(t, steps, 2)
	assert.Equal(t, StockRelease, steps[1].Action)
	assert.Equal(t, StepDone, steps[1].State, "nothing outstanding after confirm")
	assert.Equal(t, 3, f.store.MustGet("p-1").Quantity)
}

func TestPaymentFailedReleasesStock(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("p-1", 5, 0, 0)
	o := f.create(t, ItemInput{ProductID: "p-1", Quantity: 2})

	failed, err := f.svc.UpdateStatus(context.Background(), admin, o.ID, StatusPaymentFailed, "card declined")
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentFailed, failed.Status)
	assert.Equal(t, 0, f.store.MustGet("p-1").ReservedQuantity)
}

func TestFailedConfirmIsRetryableAndReconciled(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("p-1", 5, 0, 0)
	o := f.create(t, ItemInput{ProductID: "p-1", Quantity: 2})
	f.ledger.failConfirm = 2

	_, err := f.svc.UpdateStatus(context.Background(), admin, o.ID, StatusPaymentConfirmed, "")
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, apperr.KindUnexpected, apperr.KindOf(err))

	got, err := f.svc.Get(context.Background(), admin, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentConfirmed, got.Status, "status change stays committed")
	assert.Len(t, f.rec.Envelopes(events.TopicOrderPaid), 1)

	step, ok, err := f.repo.PendingStep(context.Background(), o.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, step.Attempts)
	assert.Equal(t, f.clock.Add(5*time.Second), step.NextAttemptAt)

	settled, err := f.recon.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, settled, "not due yet")

	f.clock = f.clock.Add(5 * time.Second)
	settled, err = f.recon.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, settled)
	step, _, _ = f.repo.PendingStep(context.Background(), o.ID)
	assert.Equal(t, 2, step.Attempts)
	assert.Equal(t, f.clock.Add(10*time.Second), step.NextAttemptAt)

	f.clock = f.clock.Add(10 * time.Second)
	settled, err = f.recon.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	inv := f.store.MustGet("p-1")
	assert.Equal(t, 3, inv.Quantity)
	assert.Equal(t, 0, inv.ReservedQuantity)
	_, ok, _ = f.repo.PendingStep(context.Background(), o.ID)
	assert.False(t, ok)
}

func TestRepeatedStatusRequestRedrivesStep(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("p-1", 5, 0, 0)
	o := f.create(t, ItemInput{ProductID: "p-1", Quantity: 2})
	f.ledger.failRelease = 1

	_, err := f.svc.Cancel(context.Background(), customer, o.ID, "")
	require.True(t, apperr.IsRetryable(err))
	assert.Equal(t, 2, f.store.MustGet("p-1").ReservedQuantity)

	got, err := f.svc.Cancel(context.Background(), customer, o.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, 0, f.store.MustGet("p-1").ReservedQuantity)

	history, err := f.svc.History(context.Background(), customer, o.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2, "re-drive appends no history")
}

func TestCancelSupersedesPendingConfirm(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("p-1", 5, 0, 0)
	o := f.create(t, ItemInput{ProductID: "p-1", Quantity: 2})
	f.ledger.failConfirm = 1

	_, err := f.svc.UpdateStatus(context.Background(), admin, o.ID, StatusPaymentConfirmed, "")
	require.True(t, apperr.IsRetryable(err))

	_, err = f.svc.Cancel(context.Background(), admin, o.ID, "payment reversed")
	require.NoError(t, err)

	steps := f.repo.stepsOf(o.ID)
	require.Len(t, steps, 2)
	assert.Equal(t, StepSuperseded, steps[0].State)
	assert.Equal(t, StepDone, steps[1].State)

	inv := f.store.MustGet("p-1")
	assert.Equal(t, 5, inv.Quantity)
	assert.Equal(t, 0, inv.ReservedQuantity)
}

func TestRepeatedStatusOnlyRedrivesItsOwnStep(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("p-1", 5, 0, 0)
	o := f.create(t, ItemInput{ProductID: "p-1", Quantity: 2})
	f.ledger.failConfirm = 1

	_, err := f.svc.UpdateStatus(context.Background(), admin, o.ID, StatusPaymentConfirmed, "")
	require.True(t, apperr.IsRetryable(err))
	_, err = f.svc.UpdateStatus(context.Background(), admin, o.ID, StatusProcessing, "")
	require.NoError(t, err)

	_, err = f.svc.UpdateStatus(context.Background(), admin, o.ID, StatusProcessing, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	step, ok, err := f.repo.PendingStep(context.Background(), o.ID)
	require.NoError(t, err)
	require.True(t, ok, "the confirm is left to the reconciler")
	assert.Equal(t, StockConfirm, step.Action)
	assert.Equal(t, 1, step.Attempts)
	assert.Equal(t, 2, f.store.MustGet("p-1").ReservedQuantity)
}
