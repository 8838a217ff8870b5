package events

import "github.com/shopspring/decimal"

type OrderItemSnapshot struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	SKU         string          `json:"sku"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

type OrderCreated struct {
	OrderID     string              `json:"order_id"`
	OrderNumber string              `json:"order_number"`
	UserID      string              `json:"user_id"`
	Items       []OrderItemSnapshot `json:"items"`
	TotalAmount decimal.Decimal     `json:"total_amount"`
}

type OrderCancelled struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type OrderPaid struct {
	OrderID string `json:"order_id"`
}

// TrackingPending stands in until a shipping collaborator assigns a code.
const TrackingPending = "TRACKING_PENDING"

type OrderShipped struct {
	OrderID      string `json:"order_id"`
	TrackingCode string `json:"tracking_code"`
}

// StockMovement is the payload of StockReserved, StockReleased and StockConfirmed.
type StockMovement struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type StockLowAlert struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Available int    `json:"available"`
	Threshold int    `json:"threshold"`
}
