package inventory

import (
	"context"
	"strings"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("inventory")

// Ledger owns the stock counters and the movement log. Reserve, Release and
// Confirm are keyed by order id; the item set of a release or confirm comes
// from the order's own movements, never from the caller.
type Ledger struct {
	store   Store
	emitter *events.Emitter
	now     func() time.Time
}

func NewLedger(store Store, emitter *events.Emitter) *Ledger {
	return &Ledger{store: store, emitter: emitter, now: time.Now}
}

// Reserve holds stock for every item or for none. A repeated call for an
// order that already has movements is a no-op returning the current rows.
func (l *Ledger) Reserve(ctx context.Context, orderID string, items []Item) (out []Inventory, err error) {
	ctx, span := startSpan(ctx, "inventory.Reserve", orderID)
	defer func() { endSpan(span, err) }()

	merged, err := mergeItems(orderID, items)
	if err != nil {
		return nil, err
	}
	productIDs := make([]string, 0, len(merged))
	for _, it := range merged {
		productIDs = append(productIDs, it.ProductID)
	}

	var reserved []events.StockMovement
	err = l.store.InTx(ctx, func(tx Tx) error {
		if err := tx.LockOrder(ctx, orderID); err != nil {
			return err
		}
		seen, err := tx.HasMovements(ctx, orderID)
		if err != nil {
			return err
		}
		rows, err := tx.LockByProductIDs(ctx, productIDs)
		if err != nil {
			return err
		}
		if seen {
			log.Info().Str("order_id", orderID).Msg("reservation already recorded, skipping")
			out = inOrder(rows, productIDs)
			return nil
		}

		// Validate the whole batch before touching any row.
		for _, it := range merged {
			inv, ok := rows[it.ProductID]
			if !ok {
				return apperr.NotFound("inventory not found for product %s", it.ProductID)
			}
			if inv.Available() < it.Quantity {
				return apperr.With(apperr.ErrInsufficientStock,
					"insufficient stock for product %s: available %d, requested %d",
					it.ProductID, inv.Available(), it.Quantity)
			}
		}

		now := l.now().UTC()
		for _, it := range merged {
			inv := rows[it.ProductID]
			inv.ReservedQuantity += it.Quantity
			inv.UpdatedAt = now
			if err := tx.Save(ctx, inv); err != nil {
				return err
			}
			if err := tx.Append(ctx, l.movement(inv, MovementReserve, it.Quantity, orderID, reasonReserve, now)); err != nil {
				return err
			}
			rows[it.ProductID] = inv
			reserved = append(reserved, events.StockMovement{OrderID: orderID, ProductID: it.ProductID, Quantity: it.Quantity})
		}
		out = inOrder(rows, productIDs)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, ev := range reserved {
		l.emitter.Emit(ctx, events.TopicStockReserved, ev.ProductID, events.TypeStockReserved, ev)
	}
	return out, nil
}

// Release returns every outstanding hold of the order to available stock.
func (l *Ledger) Release(ctx context.Context, orderID string) (out []Inventory, err error) {
	ctx, span := startSpan(ctx, "inventory.Release", orderID)
	defer func() { endSpan(span, err) }()

	var released []events.StockMovement
	out, err = l.settle(ctx, orderID, func(inv *Inventory, h Hold) {
		inv.ReservedQuantity -= h.Quantity
		released = append(released, events.StockMovement{OrderID: orderID, ProductID: h.ProductID, Quantity: h.Quantity})
	}, MovementRelease, reasonRelease)
	if err != nil {
		return nil, err
	}

	for _, ev := range released {
		l.emitter.Emit(ctx, events.TopicStockReleased, ev.ProductID, events.TypeStockReleased, ev)
	}
	return out, nil
}

// Confirm turns every outstanding hold of the order into a permanent deduction.
func (l *Ledger) Confirm(ctx context.Context, orderID string) (out []Inventory, err error) {
	ctx, span := startSpan(ctx, "inventory.Confirm", orderID)
	defer func() { endSpan(span, err) }()

	var confirmed []events.StockMovement
	out, err = l.settle(ctx, orderID, func(inv *Inventory, h Hold) {
		inv.Quantity -= h.Quantity
		inv.ReservedQuantity -= h.Quantity
		confirmed = append(confirmed, events.StockMovement{OrderID: orderID, ProductID: h.ProductID, Quantity: h.Quantity})
	}, MovementOut, reasonConfirm)
	if err != nil {
		return nil, err
	}

	for _, ev := range confirmed {
		l.emitter.Emit(ctx, events.TopicStockConfirmed, ev.ProductID, events.TypeStockConfirmed, ev)
	}
	for _, inv := range out {
		l.alertIfLow(ctx, inv)
	}
	return out, nil
}

// settle applies fn to each outstanding hold of the order and writes one
// movement of type mt per hold, all in one transaction.
func (l *Ledger) settle(ctx context.Context, orderID string, fn func(*Inventory, Hold), mt MovementType, reason string) ([]Inventory, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, apperr.Validation("order_id is required")
	}

	var out []Inventory
	err := l.store.InTx(ctx, func(tx Tx) error {
		if err := tx.LockOrder(ctx, orderID); err != nil {
			return err
		}
		holds, err := tx.Outstanding(ctx, orderID)
		if err != nil {
			return err
		}
		if len(holds) == 0 {
			return apperr.With(apperr.ErrNoReservation, "no reservation found for order %s", orderID)
		}

		ids := make([]string, 0, len(holds))
		for _, h := range holds {
			ids = append(ids, h.InventoryID)
		}
		rows, err := tx.LockByIDs(ctx, ids)
		if err != nil {
			return err
		}

		now := l.now().UTC()
		out = make([]Inventory, 0, len(holds))
		for _, h := range holds {
			inv, ok := rows[h.InventoryID]
			if !ok {
				return apperr.Unexpected(nil, "inventory %s referenced by order %s is missing", h.InventoryID, orderID)
			}
			fn(&inv, h)
			if inv.ReservedQuantity < 0 || inv.ReservedQuantity > inv.Quantity {
				return apperr.Unexpected(nil, "inventory %s would break reserved <= quantity", inv.ID)
			}
			inv.UpdatedAt = now
			if err := tx.Save(ctx, inv); err != nil {
				return err
			}
			if err := tx.Append(ctx, l.movement(inv, mt, h.Quantity, orderID, reason, now)); err != nil {
				return err
			}
			out = append(out, inv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update overwrites the counters of a product. Quantity may not drop below
// what is currently reserved.
func (l *Ledger) Update(ctx context.Context, productID string, quantity, minStockAlert int) (Inventory, error) {
	if quantity < 0 || minStockAlert < 0 {
		return Inventory{}, apperr.Validation("quantity and min_stock_alert must be >= 0")
	}

	var out Inventory
	err := l.store.InTx(ctx, func(tx Tx) error {
		rows, err := tx.LockByProductIDs(ctx, []string{productID})
		if err != nil {
			return err
		}
		inv, ok := rows[productID]
		if !ok {
			return apperr.NotFound("inventory not found for product %s", productID)
		}
		if quantity < inv.ReservedQuantity {
			return apperr.BusinessRule("quantity %d is below reserved quantity %d", quantity, inv.ReservedQuantity)
		}
		inv.Quantity = quantity
		inv.MinStockAlert = minStockAlert
		inv.UpdatedAt = l.now().UTC()
		if err := tx.Save(ctx, inv); err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		return Inventory{}, err
	}
	l.alertIfLow(ctx, out)
	return out, nil
}

// Provision creates the inventory row of a newly listed product.
func (l *Ledger) Provision(ctx context.Context, productID string, quantity, minStockAlert int) (Inventory, error) {
	if strings.TrimSpace(productID) == "" {
		return Inventory{}, apperr.Validation("product_id is required")
	}
	if quantity < 0 || minStockAlert < 0 {
		return Inventory{}, apperr.Validation("quantity and min_stock_alert must be >= 0")
	}
	inv := Inventory{
		ID:            uuid.NewString(),
		ProductID:     productID,
		Quantity:      quantity,
		MinStockAlert: minStockAlert,
		UpdatedAt:     l.now().UTC(),
	}
	err := l.store.InTx(ctx, func(tx Tx) error {
		created, err := tx.Insert(ctx, inv)
		if err != nil {
			return err
		}
		if !created {
			return apperr.BusinessRule("inventory already exists for product %s", productID)
		}
		return nil
	})
	if err != nil {
		return Inventory{}, err
	}
	l.alertIfLow(ctx, inv)
	return inv, nil
}

func (l *Ledger) Get(ctx context.Context, productID string) (Inventory, error) {
	return l.store.Get(ctx, productID)
}

func (l *Ledger) LowStock(ctx context.Context) ([]Inventory, error) {
	return l.store.ListLowStock(ctx)
}

func (l *Ledger) Movements(ctx context.Context, orderID string) ([]StockMovement, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, apperr.Validation("order_id is required")
	}
	return l.store.Movements(ctx, orderID)
}

func (l *Ledger) alertIfLow(ctx context.Context, inv Inventory) {
	if !inv.LowStock() {
		return
	}
	log.Warn().
		Str("product_id", inv.ProductID).
		Int("quantity", inv.Quantity).
		Int("min_stock_alert", inv.MinStockAlert).
		Msg("stock at or below alert threshold")
	l.emitter.Emit(ctx, events.TopicStockLowAlert, inv.ProductID, events.TypeStockLowAlert, events.StockLowAlert{
		ProductID: inv.ProductID,
		Quantity:  inv.Quantity,
		Available: inv.Available(),
		Threshold: inv.MinStockAlert,
	})
}

func (l *Ledger) movement(inv Inventory, mt MovementType, qty int, orderID, reason string, at time.Time) StockMovement {
	return StockMovement{
		ID:          uuid.NewString(),
		InventoryID: inv.ID,
		ProductID:   inv.ProductID,
		Type:        mt,
		Quantity:    qty,
		OrderID:     orderID,
		Reason:      reason,
		CreatedAt:   at,
	}
}

// mergeItems validates a reservation request and folds repeated products
// into one line, keeping first-seen order.
func mergeItems(orderID string, items []Item) ([]Item, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, apperr.Validation("order_id is required")
	}
	if len(items) == 0 {
		return nil, apperr.Validation("items must not be empty")
	}
	idx := make(map[string]int, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if strings.TrimSpace(it.ProductID) == "" {
			return nil, apperr.Validation("product_id is required")
		}
		if it.Quantity <= 0 {
			return nil, apperr.Validation("quantity for product %s must be > 0", it.ProductID)
		}
		if i, ok := idx[it.ProductID]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		idx[it.ProductID] = len(out)
		out = append(out, it)
	}
	return out, nil
}

func inOrder(rows map[string]Inventory, productIDs []string) []Inventory {
	out := make([]Inventory, 0, len(productIDs))
	for _, id := range productIDs {
		if inv, ok := rows[id]; ok {
			out = append(out, inv)
		}
	}
	return out
}

func startSpan(ctx context.Context, name, orderID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("order.id", orderID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.KindOf(err).String())
	}
	span.End()
}
