package orders

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	OrderNumber     string          `json:"order_number"`
	Status          Status          `json:"status"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	ShippingAddress json.RawMessage `json:"shipping_address"`
	Notes           string          `json:"notes,omitempty"`
	Items           []OrderItem     `json:"items"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// OrderItem snapshots the catalog at order time; later price changes never
// touch an existing order.
type OrderItem struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	SKU         string          `json:"sku"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

// StatusChange is one append-only history row. From is nil for the first row.
type StatusChange struct {
	ID        int64     `json:"id"`
	OrderID   string    `json:"order_id"`
	From      *Status   `json:"from_status"`
	To        Status    `json:"to_status"`
	Notes     string    `json:"notes"`
	ChangedBy string    `json:"changed_by"`
	CreatedAt time.Time `json:"created_at"`
}

type StepState string

const (
	StepPending    StepState = "PENDING"
	StepDone       StepState = "DONE"
	StepSuperseded StepState = "SUPERSEDED"
)

// SagaStep is a durable ledger call owed by a committed status change. It is
// written in the same transaction as the status and settled by the
// Coordinator, inline or from the Reconciler.
type SagaStep struct {
	ID            string
	OrderID       string
	Action        StockAction
	State         StepState
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Page struct {
	Number int
	Size   int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Normalize clamps size to 1..100, defaulting to 20, and number to >= 0.
func (p Page) Normalize() Page {
	if p.Number < 0 {
		p.Number = 0
	}
	if p.Size <= 0 {
		p.Size = defaultPageSize
	}
	if p.Size > maxPageSize {
		p.Size = maxPageSize
	}
	return p
}

func (p Page) Offset() int { return p.Number * p.Size }
