package orders

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("orders")

const (
	notesCreated   = "Order created"
	notesCancelled = "Order cancelled"
	notesUpdated   = "Status updated"

	orderNumberAttempts = 3
)

type ItemInput struct {
	ProductID string
	Quantity  int
}

type CreateInput struct {
	AddressID string
	Items     []ItemInput
	Notes     string
}

type Service struct {
	repo    Repository
	users   UserDirectory
	catalog Catalog
	coord   *Coordinator
	emitter *events.Emitter

	now         func() time.Time
	orderNumber func(time.Time) string
}

func NewService(repo Repository, users UserDirectory, catalog Catalog, coord *Coordinator, emitter *events.Emitter) *Service {
	return &Service{
		repo:        repo,
		users:       users,
		catalog:     catalog,
		coord:       coord,
		emitter:     emitter,
		now:         time.Now,
		orderNumber: NewOrderNumber,
	}
}

// NewOrderNumber returns TS-yyyymmdd-XXXXX.
func NewOrderNumber(t time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:5])
	return "TS-" + t.Format("20060102") + "-" + suffix
}

// Create snapshots user, address and products, reserves stock, and only then
// persists the order. A failed reservation leaves no order state behind.
func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (o Order, err error) {
	ctx, span := tracer.Start(ctx, "orders.Create", trace.WithAttributes(attribute.String("user.id", actor.ID)))
	defer func() { endSpan(span, err) }()

	if err := validateCreate(actor, in); err != nil {
		return Order{}, err
	}

	user, err := s.users.GetUser(ctx, actor.ID)
	if err != nil {
		log.Error().Err(err).Str("user_id", actor.ID).Msg("user lookup failed during order creation")
		return Order{}, apperr.BusinessRule("problem finding user to create an order")
	}
	addr, err := s.users.GetAddress(ctx, actor.ID, in.AddressID)
	if err == nil && addr.UserID != "" && addr.UserID != actor.ID {
		err = errors.New("address belongs to another user")
	}
	if err != nil {
		log.Error().Err(err).Str("user_id", actor.ID).Str("address_id", in.AddressID).Msg("address lookup failed during order creation")
		return Order{}, apperr.BusinessRule("problem finding a valid address for the user")
	}
	snapshot, err := json.Marshal(addr)
	if err != nil {
		return Order{}, apperr.Unexpected(err, "problem creating shipping address snapshot")
	}

	products, err := s.activeProducts(ctx, in.Items)
	if err != nil {
		return Order{}, err
	}

	now := s.now().UTC()
	o = Order{
		ID:              uuid.NewString(),
		UserID:          user.ID,
		Status:          StatusPendingPayment,
		ShippingAddress: snapshot,
		Notes:           strings.TrimSpace(in.Notes),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if o.UserID == "" {
		o.UserID = actor.ID
	}
	total := decimal.Zero
	for _, req := range in.Items {
		p := products[req.ProductID]
		line := p.Price.Mul(decimal.NewFromInt(int64(req.Quantity)))
		o.Items = append(o.Items, OrderItem{
			ID:          uuid.NewString(),
			OrderID:     o.ID,
			ProductID:   p.ID,
			ProductName: p.Name,
			SKU:         p.SKU,
			UnitPrice:   p.Price,
			Quantity:    req.Quantity,
			TotalPrice:  line,
		})
		total = total.Add(line)
	}
	o.TotalAmount = total
	span.SetAttributes(attribute.String("order.id", o.ID))

	if err := s.coord.Reserve(ctx, o.ID, o.Items); err != nil {
		if !ReserveSettled(err) {
			log.Warn().Err(err).Str("order_id", o.ID).Msg("reservation outcome unknown, releasing")
			s.coord.Compensate(ctx, o.ID)
			return Order{}, err
		}
		log.Info().Err(err).Str("order_id", o.ID).Msg("reservation rejected, order not created")
		return Order{}, err
	}

	initial := StatusChange{
		OrderID:   o.ID,
		To:        StatusPendingPayment,
		Notes:     notesCreated,
		ChangedBy: actor.ID,
		CreatedAt: now,
	}
	if err := s.persist(ctx, &o, initial); err != nil {
		s.coord.Compensate(ctx, o.ID)
		return Order{}, err
	}

	log.Info().Str("order_id", o.ID).Str("order_number", o.OrderNumber).Stringer("total", o.TotalAmount).Msg("order created")
	s.emitter.Emit(ctx, events.TopicOrderCreated, o.ID, events.TypeOrderCreated, createdPayload(o))
	return o, nil
}

func (s *Service) persist(ctx context.Context, o *Order, initial StatusChange) error {
	var err error
	for i := 0; i < orderNumberAttempts; i++ {
		o.OrderNumber = s.orderNumber(o.CreatedAt)
		err = s.repo.Create(ctx, *o, initial)
		if !errors.Is(err, ErrDuplicateOrderNumber) {
			return err
		}
		log.Warn().Str("order_number", o.OrderNumber).Msg("order number collision, regenerating")
	}
	return apperr.Unexpected(err, "could not allocate an order number")
}

func (s *Service) activeProducts(ctx context.Context, items []ItemInput) (map[string]Product, error) {
	ids := make([]string, 0, len(items))
	seen := map[string]bool{}
	for _, it := range items {
		if !seen[it.ProductID] {
			seen[it.ProductID] = true
			ids = append(ids, it.ProductID)
		}
	}
	products, err := s.catalog.GetProducts(ctx, ids)
	if err != nil {
		log.Error().Err(err).Strs("product_ids", ids).Msg("product lookup failed during order creation")
		return nil, apperr.BusinessRule("problem finding products for the order")
	}
	var missing []string
	for _, id := range ids {
		if p, ok := products[id]; !ok || !p.Active {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, apperr.BusinessRule("some products are missing or inactive: %s", strings.Join(missing, ", "))
	}
	return products, nil
}

func validateCreate(actor Actor, in CreateInput) error {
	if strings.TrimSpace(actor.ID) == "" {
		return apperr.Validation("user id must not be empty")
	}
	if strings.TrimSpace(in.AddressID) == "" {
		return apperr.Validation("address_id is required")
	}
	if len(in.Items) == 0 {
		return apperr.Validation("to create an order, at least one item is required")
	}
	for _, it := range in.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return apperr.Validation("product_id is required for each item")
		}
		if it.Quantity <= 0 {
			return apperr.Validation("quantity for each item must be greater than 0")
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, actor Actor, id string) (Order, error) {
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if !actor.CanSee(o) {
		return Order{}, apperr.Forbidden("access denied")
	}
	return o, nil
}

// List returns the caller's own orders, newest first.
func (s *Service) List(ctx context.Context, actor Actor, page Page) ([]Order, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return nil, apperr.Validation("user id must not be empty")
	}
	return s.repo.ListByUser(ctx, actor.ID, page)
}

func (s *Service) ListAll(ctx context.Context, actor Actor, page Page) ([]Order, error) {
	if !actor.IsAdmin() {
		return nil, apperr.Forbidden("access denied")
	}
	return s.repo.ListAll(ctx, page)
}

func (s *Service) History(ctx context.Context, actor Actor, id string) ([]StatusChange, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, id)
}

// Cancel applies the role-gated cancellation.
func (s *Service) Cancel(ctx context.Context, actor Actor, id, reason string) (o Order, err error) {
	ctx, span := tracer.Start(ctx, "orders.Cancel", trace.WithAttributes(attribute.String("order.id", id)))
	defer func() { endSpan(span, err) }()

	o, err = s.Get(ctx, actor, id)
	if err != nil {
		return Order{}, err
	}
	if o.Status == StatusCancelled {
		if redriven, ok, err := s.redrive(ctx, o, StatusCancelled); ok || err != nil {
			return redriven, err
		}
	}
	if err := CheckCancel(o, actor); err != nil {
		return Order{}, err
	}
	return s.transition(ctx, o, StatusCancelled, actor, reason)
}

// UpdateStatus drives the state machine on behalf of an admin.
func (s *Service) UpdateStatus(ctx context.Context, actor Actor, id string, target Status, notes string) (o Order, err error) {
	ctx, span := tracer.Start(ctx, "orders.UpdateStatus", trace.WithAttributes(
		attribute.String("order.id", id),
		attribute.String("order.target_status", string(target)),
	))
	defer func() { endSpan(span, err) }()

	if !actor.IsAdmin() {
		return Order{}, apperr.Forbidden("access denied")
	}
	if _, ok := ParseStatus(string(target)); !ok {
		return Order{}, apperr.Validation("unknown status %q", target)
	}
	o, err = s.repo.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if o.Status == target {
		if redriven, ok, err := s.redrive(ctx, o, target); ok || err != nil {
			return redriven, err
		}
	}
	if target == StatusCancelled {
		if err := CheckCancel(o, actor); err != nil {
			return Order{}, err
		}
	}
	return s.transition(ctx, o, target, actor, notes)
}

// redrive settles a step still pending for an order that already reached
// target, as long as the step is the one a move into target owes. ok is false
// when there is nothing to re-drive.
func (s *Service) redrive(ctx context.Context, o Order, target Status) (Order, bool, error) {
	step, ok, err := s.repo.PendingStep(ctx, o.ID)
	if err != nil || !ok {
		return Order{}, false, err
	}
	if !OwedEntering(target, step.Action) {
		return Order{}, false, nil
	}
	log.Info().Str("order_id", o.ID).Str("step_id", step.ID).Str("action", string(step.Action)).Msg("re-driving pending saga step")
	if err := s.coord.Run(ctx, step); err != nil {
		return Order{}, true, err
	}
	return o, true, nil
}

// transition commits from -> to together with its durable step, then runs the
// step and publishes the event. A failing step leaves the committed status in
// place and is reported as retryable; the Reconciler picks it up.
func (s *Service) transition(ctx context.Context, o Order, to Status, actor Actor, notes string) (Order, error) {
	eff, ok := EffectsOf(o.Status, to)
	if !ok {
		return Order{}, apperr.With(apperr.ErrInvalidTransition, "invalid status transition: %s -> %s", o.Status, to)
	}

	now := s.now().UTC()
	from := o.Status
	fallback := notesUpdated
	if to == StatusCancelled {
		fallback = notesCancelled
	}
	change := StatusChange{
		OrderID:   o.ID,
		From:      &from,
		To:        to,
		Notes:     normalizeNotes(notes, fallback),
		ChangedBy: actor.ID,
		CreatedAt: now,
	}
	var step *SagaStep
	if eff.Stock != StockNone {
		step = &SagaStep{
			ID:            uuid.NewString(),
			OrderID:       o.ID,
			Action:        eff.Stock,
			State:         StepPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}

	updated, err := s.repo.Transition(ctx, o.ID, from, to, change, step)
	if err != nil {
		return Order{}, err
	}
	log.Info().
		Str("order_id", o.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor_id", actor.ID).
		Msg("order status changed")

	var stepErr error
	if step != nil {
		stepErr = s.coord.Run(ctx, *step)
	}
	s.publish(ctx, updated, eff.Event, change.Notes)
	if stepErr != nil {
		return Order{}, stepErr
	}
	return updated, nil
}

func (s *Service) publish(ctx context.Context, o Order, eventType, notes string) {
	switch eventType {
	case events.TypeOrderPaid:
		s.emitter.Emit(ctx, events.TopicOrderPaid, o.ID, eventType, events.OrderPaid{OrderID: o.ID})
	case events.TypeOrderShipped:
		s.emitter.Emit(ctx, events.TopicOrderShipped, o.ID, eventType, events.OrderShipped{OrderID: o.ID, TrackingCode: events.TrackingPending})
	case events.TypeOrderCancelled:
		s.emitter.Emit(ctx, events.TopicOrderCancelled, o.ID, eventType, events.OrderCancelled{OrderID: o.ID, Reason: notes})
	}
}

func createdPayload(o Order) events.OrderCreated {
	items := make([]events.OrderItemSnapshot, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, events.OrderItemSnapshot{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			SKU:         it.SKU,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			TotalPrice:  it.TotalPrice,
		})
	}
	return events.OrderCreated{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		UserID:      o.UserID,
		Items:       items,
		TotalAmount: o.TotalAmount,
	}
}

func normalizeNotes(notes, fallback string) string {
	if strings.TrimSpace(notes) == "" {
		return fallback
	}
	return notes
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.KindOf(err).String())
	}
	span.End()
}
