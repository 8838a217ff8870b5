// Package inventorytest provides an in-memory inventory.Store for tests.
package inventorytest

import (
	"context"
	"sort"
	"sync"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/ariefcatur/go-order-saga/internal/inventory"
	"github.com/google/uuid"
)

// Store serializes transactions with a single mutex and restores its
// previous state when a transaction returns an error.
type Store struct {
	mu        sync.Mutex
	rows      map[string]inventory.Inventory // by id
	movements []inventory.StockMovement
}

var _ inventory.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{rows: map[string]inventory.Inventory{}}
}

// Seed adds a row and returns it.
func (s *Store) Seed(productID string, quantity, reserved, minStockAlert int) inventory.Inventory {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv := inventory.Inventory{
		ID:               uuid.NewString(),
		ProductID:        productID,
		Quantity:         quantity,
		ReservedQuantity: reserved,
		MinStockAlert:    minStockAlert,
	}
	s.rows[inv.ID] = inv
	return inv
}

// MustGet returns the row of productID, or the zero value.
func (s *Store) MustGet(productID string) inventory.Inventory {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, _ := s.byProduct(productID)
	return inv
}

// All returns every row, for invariant checks.
func (s *Store) All() []inventory.Inventory {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]inventory.Inventory, 0, len(s.rows))
	for _, inv := range s.rows {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

func (s *Store) Get(_ context.Context, productID string) (inventory.Inventory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byProduct(productID)
	if !ok {
		return inventory.Inventory{}, apperr.NotFound("inventory not found for product %s", productID)
	}
	return inv, nil
}

func (s *Store) ListLowStock(_ context.Context) ([]inventory.Inventory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.Inventory
	for _, inv := range s.rows {
		if inv.LowStock() {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (s *Store) Movements(_ context.Context, orderID string) ([]inventory.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.StockMovement
	for _, m := range s.movements {
		if m.OrderID == orderID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx inventory.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make(map[string]inventory.Inventory, len(s.rows))
	for k, v := range s.rows {
		rows[k] = v
	}
	n := len(s.movements)

	if err := fn(&tx{s: s}); err != nil {
		s.rows = rows
		s.movements = s.movements[:n]
		return err
	}
	return nil
}

func (s *Store) byProduct(productID string) (inventory.Inventory, bool) {
	for _, inv := range s.rows {
		if inv.ProductID == productID {
			return inv, true
		}
	}
	return inventory.Inventory{}, false
}

// tx runs with the store mutex already held.
type tx struct{ s *Store }

func (t *tx) LockOrder(context.Context, string) error { return nil }

func (t *tx) LockByProductIDs(_ context.Context, productIDs []string) (map[string]inventory.Inventory, error) {
	out := map[string]inventory.Inventory{}
	for _, id := range productIDs {
		if inv, ok := t.s.byProduct(id); ok {
			out[id] = inv
		}
	}
	return out, nil
}

func (t *tx) LockByIDs(_ context.Context, ids []string) (map[string]inventory.Inventory, error) {
	out := map[string]inventory.Inventory{}
	for _, id := range ids {
		if inv, ok := t.s.rows[id]; ok {
			out[id] = inv
		}
	}
	return out, nil
}

func (t *tx) Outstanding(_ context.Context, orderID string) ([]inventory.Hold, error) {
	held := map[string]int{}
	for _, m := range t.s.movements {
		if m.OrderID != orderID {
			continue
		}
		if m.Type == inventory.MovementReserve {
			held[m.InventoryID] += m.Quantity
		} else {
			held[m.InventoryID] -= m.Quantity
		}
	}
	var out []inventory.Hold
	for id, q := range held {
		if q > 0 {
			out = append(out, inventory.Hold{InventoryID: id, ProductID: t.s.rows[id].ProductID, Quantity: q})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InventoryID < out[j].InventoryID })
	return out, nil
}

func (t *tx) HasMovements(_ context.Context, orderID string) (bool, error) {
	for _, m := range t.s.movements {
		if m.OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) Insert(_ context.Context, inv inventory.Inventory) (bool, error) {
	if _, ok := t.s.byProduct(inv.ProductID); ok {
		return false, nil
	}
	t.s.rows[inv.ID] = inv
	return true, nil
}

func (t *tx) Save(_ context.Context, inv inventory.Inventory) error {
	if _, ok := t.s.rows[inv.ID]; !ok {
		return apperr.Unexpected(nil, "inventory %s not updated", inv.ID)
	}
	t.s.rows[inv.ID] = inv
	return nil
}

func (t *tx) Append(_ context.Context, m inventory.StockMovement) error {
	t.s.movements = append(t.s.movements, m)
	return nil
}
