package inventory

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGStore struct{ DB *pgxpool.Pool }

var _ Store = (*PGStore)(nil)

const inventoryCols = `id, product_id, quantity, reserved_quantity, min_stock_alert, updated_at`

func (s *PGStore) Get(ctx context.Context, productID string) (Inventory, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+inventoryCols+` FROM inventory WHERE product_id = $1`, productID)
	inv, err := scanInventory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Inventory{}, apperr.NotFound("inventory not found for product %s", productID)
	}
	if err != nil {
		return Inventory{}, apperr.Unexpected(err, "load inventory")
	}
	return inv, nil
}

func (s *PGStore) ListLowStock(ctx context.Context) ([]Inventory, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+inventoryCols+` FROM inventory
		WHERE quantity <= min_stock_alert
		ORDER BY product_id`)
	if err != nil {
		return nil, apperr.Unexpected(err, "list low stock")
	}
	out, err := collectInventory(rows)
	if err != nil {
		return nil, apperr.Unexpected(err, "list low stock")
	}
	return out, nil
}

func (s *PGStore) Movements(ctx context.Context, orderID string) ([]StockMovement, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT m.id, m.inventory_id, i.product_id, m.type, m.quantity, m.order_id, m.reason, m.created_at
		FROM stock_movements m
		JOIN inventory i ON i.id = m.inventory_id
		WHERE m.order_id = $1
		ORDER BY m.created_at, m.id`, orderID)
	if err != nil {
		return nil, apperr.Unexpected(err, "list movements")
	}
	defer rows.Close()

	var out []StockMovement
	for rows.Next() {
		var m StockMovement
		if err := rows.Scan(&m.ID, &m.InventoryID, &m.ProductID, &m.Type, &m.Quantity, &m.OrderID, &m.Reason, &m.CreatedAt); err != nil {
			return nil, apperr.Unexpected(err, "scan movement")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Unexpected(err, "list movements")
	}
	return out, nil
}

func (s *PGStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return apperr.Unexpected(err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Unexpected(err, "commit transaction")
	}
	return nil
}

type pgTx struct{ tx pgx.Tx }

func (t *pgTx) LockOrder(ctx context.Context, orderID string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, orderID); err != nil {
		return apperr.Unexpected(err, "lock order")
	}
	return nil
}

func (t *pgTx) LockByProductIDs(ctx context.Context, productIDs []string) (map[string]Inventory, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+inventoryCols+` FROM inventory
		WHERE product_id = ANY($1)
		ORDER BY id
		FOR UPDATE`, productIDs)
	if err != nil {
		return nil, apperr.Unexpected(err, "lock inventory")
	}
	list, err := collectInventory(rows)
	if err != nil {
		return nil, apperr.Unexpected(err, "lock inventory")
	}
	out := make(map[string]Inventory, len(list))
	for _, inv := range list {
		out[inv.ProductID] = inv
	}
	return out, nil
}

func (t *pgTx) LockByIDs(ctx context.Context, ids []string) (map[string]Inventory, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+inventoryCols+` FROM inventory
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE`, ids)
	if err != nil {
		return nil, apperr.Unexpected(err, "lock inventory")
	}
	list, err := collectInventory(rows)
	if err != nil {
		return nil, apperr.Unexpected(err, "lock inventory")
	}
	out := make(map[string]Inventory, len(list))
	for _, inv := range list {
		out[inv.ID] = inv
	}
	return out, nil
}

func (t *pgTx) Outstanding(ctx context.Context, orderID string) ([]Hold, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT m.inventory_id, i.product_id,
		       SUM(CASE WHEN m.type = 'RESERVE' THEN m.quantity ELSE -m.quantity END) AS held
		FROM stock_movements m
		JOIN inventory i ON i.id = m.inventory_id
		WHERE m.order_id = $1
		GROUP BY m.inventory_id, i.product_id
		HAVING SUM(CASE WHEN m.type = 'RESERVE' THEN m.quantity ELSE -m.quantity END) > 0
		ORDER BY m.inventory_id`, orderID)
	if err != nil {
		return nil, apperr.Unexpected(err, "load outstanding holds")
	}
	defer rows.Close()

	var out []Hold
	for rows.Next() {
		var h Hold
		if err := rows.Scan(&h.InventoryID, &h.ProductID, &h.Quantity); err != nil {
			return nil, apperr.Unexpected(err, "scan hold")
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Unexpected(err, "load outstanding holds")
	}
	return out, nil
}

func (t *pgTx) HasMovements(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stock_movements WHERE order_id = $1)`, orderID).Scan(&exists)
	if err != nil {
		return false, apperr.Unexpected(err, "check movements")
	}
	return exists, nil
}

func (t *pgTx) Insert(ctx context.Context, inv Inventory) (bool, error) {
	ct, err := t.tx.Exec(ctx, `
		INSERT INTO inventory (id, product_id, quantity, reserved_quantity, min_stock_alert, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (product_id) DO NOTHING`,
		inv.ID, inv.ProductID, inv.Quantity, inv.ReservedQuantity, inv.MinStockAlert, inv.UpdatedAt)
	if err != nil {
		return false, apperr.Unexpected(err, "insert inventory")
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) Save(ctx context.Context, inv Inventory) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE inventory
		SET quantity = $2, reserved_quantity = $3, min_stock_alert = $4, updated_at = $5
		WHERE id = $1`,
		inv.ID, inv.Quantity, inv.ReservedQuantity, inv.MinStockAlert, inv.UpdatedAt)
	if err != nil {
		return apperr.Unexpected(err, "save inventory")
	}
	if ct.RowsAffected() != 1 {
		return apperr.Unexpected(nil, "inventory %s not updated", inv.ID)
	}
	return nil
}

func (t *pgTx) Append(ctx context.Context, m StockMovement) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_movements (id, inventory_id, type, quantity, order_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.InventoryID, string(m.Type), m.Quantity, m.OrderID, m.Reason, m.CreatedAt)
	if err != nil {
		return apperr.Unexpected(err, "append movement")
	}
	return nil
}

func scanInventory(row pgx.Row) (Inventory, error) {
	var inv Inventory
	err := row.Scan(&inv.ID, &inv.ProductID, &inv.Quantity, &inv.ReservedQuantity, &inv.MinStockAlert, &inv.UpdatedAt)
	return inv, err
}

func collectInventory(rows pgx.Rows) ([]Inventory, error) {
	defer rows.Close()
	var out []Inventory
	for rows.Next() {
		inv, err := scanInventory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}
