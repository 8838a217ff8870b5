package inventory

import "context"

// Store is the persistence boundary of the ledger. Every mutation runs
// inside InTx; fn returning an error rolls the whole transaction back.
type Store interface {
	Get(ctx context.Context, productID string) (Inventory, error)
	ListLowStock(ctx context.Context) ([]Inventory, error)
	Movements(ctx context.Context, orderID string) ([]StockMovement, error)
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

type Tx interface {
	// LockOrder serializes ledger operations of one order.
	LockOrder(ctx context.Context, orderID string) error
	// LockByProductIDs row-locks the inventory of the given products in id
	// order. Unknown products are absent from the result.
	LockByProductIDs(ctx context.Context, productIDs []string) (map[string]Inventory, error)
	// LockByIDs row-locks inventory rows by primary key, keyed by id.
	LockByIDs(ctx context.Context, ids []string) (map[string]Inventory, error)
	// Outstanding returns the positive holds of an order, ordered by inventory id.
	Outstanding(ctx context.Context, orderID string) ([]Hold, error)
	HasMovements(ctx context.Context, orderID string) (bool, error)
	// Insert creates a row; it reports false when the product already has one.
	Insert(ctx context.Context, inv Inventory) (bool, error)
	Save(ctx context.Context, inv Inventory) error
	Append(ctx context.Context, m StockMovement) error
}
