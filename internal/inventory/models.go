package inventory

import "time"

type MovementType string

const (
	MovementReserve MovementType = "RESERVE"
	MovementRelease MovementType = "RELEASE"
	MovementOut     MovementType = "OUT"
)

// Inventory is the stock counter of one product.
// Invariant: 0 <= ReservedQuantity <= Quantity.
type Inventory struct {
	ID               string    `json:"id"`
	ProductID        string    `json:"product_id"`
	Quantity         int       `json:"quantity"`
	ReservedQuantity int       `json:"reserved_quantity"`
	MinStockAlert    int       `json:"min_stock_alert"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (i Inventory) Available() int { return i.Quantity - i.ReservedQuantity }

func (i Inventory) LowStock() bool { return i.Quantity <= i.MinStockAlert }

// StockMovement is an immutable ledger row.
type StockMovement struct {
	ID          string       `json:"id"`
	InventoryID string       `json:"inventory_id"`
	ProductID   string       `json:"product_id"`
	Type        MovementType `json:"type"`
	Quantity    int          `json:"quantity"`
	OrderID     string       `json:"order_id"`
	Reason      string       `json:"reason"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Item is one line of a reservation request.
type Item struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Hold is the quantity an order still has reserved on one inventory row:
// RESERVE minus RELEASE minus OUT.
type Hold struct {
	InventoryID string
	ProductID   string
	Quantity    int
}

const (
	reasonReserve = "Reserve stock"
	reasonRelease = "Release reservation"
	reasonConfirm = "Confirm stock output"
)
