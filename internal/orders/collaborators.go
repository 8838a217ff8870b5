package orders

import (
	"context"

	"github.com/ariefcatur/go-order-saga/internal/inventory"
	"github.com/shopspring/decimal"
)

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Address struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	Street       string `json:"street"`
	Number       string `json:"number"`
	Complement   string `json:"complement,omitempty"`
	Neighborhood string `json:"neighborhood"`
	City         string `json:"city"`
	State        string `json:"state"`
	ZipCode      string `json:"zip_code"`
	IsDefault    bool   `json:"is_default"`
}

type Product struct {
	ID     string          `json:"id"`
	SKU    string          `json:"sku"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	Active bool            `json:"active"`
}

// UserDirectory is the user service as seen from order creation.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (User, error)
	GetAddress(ctx context.Context, userID, addressID string) (Address, error)
}

// Catalog returns the products it knows, keyed by id. Unknown ids are absent.
type Catalog interface {
	GetProducts(ctx context.Context, ids []string) (map[string]Product, error)
}

// StockLedger is the inventory side of the saga. *inventory.Ledger and the
// inventory HTTP client both satisfy it.
type StockLedger interface {
	Reserve(ctx context.Context, orderID string, items []inventory.Item) ([]inventory.Inventory, error)
	Release(ctx context.Context, orderID string) ([]inventory.Inventory, error)
	Confirm(ctx context.Context, orderID string) ([]inventory.Inventory, error)
}
