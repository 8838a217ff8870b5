package clients

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/orders"
)

// CatalogClient looks products up in one batch call.
type CatalogClient struct{ base }

func NewCatalogClient(baseURL string, timeout time.Duration) *CatalogClient {
	return &CatalogClient{newBase(baseURL, timeout)}
}

func (c *CatalogClient) GetProducts(ctx context.Context, ids []string) (map[string]orders.Product, error) {
	var list []orders.Product
	if err := c.do(ctx, http.MethodPost, "/products/list/all", nil, ids, &list); err != nil {
		return nil, err
	}
	out := make(map[string]orders.Product, len(list))
	for _, p := range list {
		out[p.ID] = p
	}
	return out, nil
}
