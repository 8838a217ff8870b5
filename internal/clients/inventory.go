package clients

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/inventory"
)

type ReserveRequest struct {
	OrderID string           `json:"order_id"`
	Items   []inventory.Item `json:"items"`
}

type OrderRequest struct {
	OrderID string `json:"order_id"`
}

// InventoryClient drives the inventory ledger over its internal-call
// endpoints. Ledger errors come back as the same apperr sentinels.
type InventoryClient struct {
	base
	token string
}

func NewInventoryClient(baseURL, token string, timeout time.Duration) *InventoryClient {
	return &InventoryClient{base: newBase(baseURL, timeout), token: token}
}

func (c *InventoryClient) Reserve(ctx context.Context, orderID string, items []inventory.Item) ([]inventory.Inventory, error) {
	return c.call(ctx, "/inventory/reserve", ReserveRequest{OrderID: orderID, Items: items})
}

func (c *InventoryClient) Release(ctx context.Context, orderID string) ([]inventory.Inventory, error) {
	return c.call(ctx, "/inventory/release", OrderRequest{OrderID: orderID})
}

func (c *InventoryClient) Confirm(ctx context.Context, orderID string) ([]inventory.Inventory, error) {
	return c.call(ctx, "/inventory/confirm", OrderRequest{OrderID: orderID})
}

func (c *InventoryClient) call(ctx context.Context, path string, body any) ([]inventory.Inventory, error) {
	h := http.Header{}
	h.Set(HeaderInternalCall, c.token)
	var rows []inventory.Inventory
	if err := c.do(ctx, http.MethodPost, path, h, body, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
