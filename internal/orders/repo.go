package orders

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateOrderNumber reports a collision on the unique order number.
var ErrDuplicateOrderNumber = errors.New("order number already exists")

type Repository interface {
	// Create writes the order, its items and the initial history row in one transaction.
	Create(ctx context.Context, o Order, initial StatusChange) error
	Get(ctx context.Context, id string) (Order, error)
	ListByUser(ctx context.Context, userID string, page Page) ([]Order, error)
	ListAll(ctx context.Context, page Page) ([]Order, error)
	History(ctx context.Context, orderID string) ([]StatusChange, error)
	// Transition moves the order from -> to, appends the history row and, when
	// step is set, supersedes older pending steps and records the new one, all
	// atomically. It fails if the stored status is no longer from.
	Transition(ctx context.Context, orderID string, from, to Status, change StatusChange, step *SagaStep) (Order, error)
	StepStore
}

type StepStore interface {
	PendingStep(ctx context.Context, orderID string) (SagaStep, bool, error)
	DueSteps(ctx context.Context, now time.Time, limit int) ([]SagaStep, error)
	CompleteStep(ctx context.Context, id string) error
	FailStep(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error
}

type PGRepository struct{ DB *pgxpool.Pool }

var _ Repository = (*PGRepository)(nil)

func (r *PGRepository) Create(ctx context.Context, o Order, initial StatusChange) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return apperr.Unexpected(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, user_id, order_number, status, total_amount, shipping_address, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $8)`,
		o.ID, o.UserID, o.OrderNumber, string(o.Status), o.TotalAmount, string(o.ShippingAddress), o.Notes, o.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == "orders_order_number_key" {
			return ErrDuplicateOrderNumber
		}
		return apperr.Unexpected(err, "insert order")
	}

	batch := &pgx.Batch{}
	for _, it := range o.Items {
		batch.Queue(`
			INSERT INTO order_items (id, order_id, product_id, product_name, sku, unit_price, quantity, total_price)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			it.ID, o.ID, it.ProductID, it.ProductName, it.SKU, it.UnitPrice, it.Quantity, it.TotalPrice)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return apperr.Unexpected(err, "insert order items")
	}
	if err := insertHistory(ctx, tx, initial); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Unexpected(err, "commit order")
	}
	return nil
}

const orderCols = `id, user_id, order_number, status, total_amount, shipping_address, COALESCE(notes, ''), created_at, updated_at`

func (r *PGRepository) Get(ctx context.Context, id string) (Order, error) {
	return getOrder(ctx, r.DB, id)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getOrder(ctx context.Context, q querier, id string) (Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, apperr.NotFound("order %s not found", id)
	}
	if err != nil {
		return Order{}, apperr.Unexpected(err, "load order")
	}
	items, err := loadItems(ctx, q, []string{o.ID})
	if err != nil {
		return Order{}, err
	}
	o.Items = items[o.ID]
	return o, nil
}

func (r *PGRepository) ListByUser(ctx context.Context, userID string, page Page) ([]Order, error) {
	page = page.Normalize()
	return r.list(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, userID, page.Size, page.Offset())
}

func (r *PGRepository) ListAll(ctx context.Context, page Page) ([]Order, error) {
	page = page.Normalize()
	return r.list(ctx, `
		SELECT `+orderCols+` FROM orders
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2`, page.Size, page.Offset())
}

func (r *PGRepository) list(ctx context.Context, sql string, args ...any) ([]Order, error) {
	rows, err := r.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperr.Unexpected(err, "list orders")
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, apperr.Unexpected(err, "scan order")
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Unexpected(err, "list orders")
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]string, len(out))
	for i, o := range out {
		ids[i] = o.ID
	}
	items, err := loadItems(ctx, r.DB, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
	}
	return out, nil
}

func (r *PGRepository) History(ctx context.Context, orderID string) ([]StatusChange, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, from_status, to_status, notes, changed_by, created_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY id`, orderID)
	if err != nil {
		return nil, apperr.Unexpected(err, "load history")
	}
	defer rows.Close()

	var out []StatusChange
	for rows.Next() {
		var c StatusChange
		var from *string
		if err := rows.Scan(&c.ID, &c.OrderID, &from, &c.To, &c.Notes, &c.ChangedBy, &c.CreatedAt); err != nil {
			return nil, apperr.Unexpected(err, "scan history")
		}
		if from != nil {
			st := Status(*from)
			c.From = &st
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Unexpected(err, "load history")
	}
	return out, nil
}

func (r *PGRepository) Transition(ctx context.Context, orderID string, from, to Status, change StatusChange, step *SagaStep) (Order, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Order{}, apperr.Unexpected(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE orders SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2`,
		orderID, string(from), string(to), change.CreatedAt)
	if err != nil {
		return Order{}, apperr.Unexpected(err, "update order status")
	}
	if ct.RowsAffected() != 1 {
		return Order{}, apperr.With(apperr.ErrInvalidTransition, "order %s is no longer in status %s", orderID, from)
	}
	if err := insertHistory(ctx, tx, change); err != nil {
		return Order{}, err
	}
	if step != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE saga_steps SET state = 'SUPERSEDED', updated_at = $2
			WHERE order_id = $1 AND state = 'PENDING'`, orderID, change.CreatedAt); err != nil {
			return Order{}, apperr.Unexpected(err, "supersede saga steps")
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO saga_steps (id, order_id, action, state, attempts, next_attempt_at, created_at, updated_at)
			VALUES ($1, $2, $3, 'PENDING', 0, $4, $4, $4)`,
			step.ID, orderID, string(step.Action), step.NextAttemptAt); err != nil {
			return Order{}, apperr.Unexpected(err, "insert saga step")
		}
	}

	o, err := getOrder(ctx, tx, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Order{}, apperr.Unexpected(err, "commit status change")
	}
	return o, nil
}

const stepCols = `id, order_id, action, state, attempts, COALESCE(last_error, ''), next_attempt_at, created_at, updated_at`

func (r *PGRepository) PendingStep(ctx context.Context, orderID string) (SagaStep, bool, error) {
	s, err := scanStep(r.DB.QueryRow(ctx, `
		SELECT `+stepCols+` FROM saga_steps
		WHERE order_id = $1 AND state = 'PENDING'
		ORDER BY created_at DESC
		LIMIT 1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return SagaStep{}, false, nil
	}
	if err != nil {
		return SagaStep{}, false, apperr.Unexpected(err, "load pending step")
	}
	return s, true, nil
}

func (r *PGRepository) DueSteps(ctx context.Context, now time.Time, limit int) ([]SagaStep, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+stepCols+` FROM saga_steps
		WHERE state = 'PENDING' AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, apperr.Unexpected(err, "load due steps")
	}
	defer rows.Close()

	var out []SagaStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, apperr.Unexpected(err, "scan step")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Unexpected(err, "load due steps")
	}
	return out, nil
}

func (r *PGRepository) CompleteStep(ctx context.Context, id string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE saga_steps SET state = 'DONE', updated_at = now()
		WHERE id = $1 AND state = 'PENDING'`, id)
	if err != nil {
		return apperr.Unexpected(err, "complete step")
	}
	return nil
}

func (r *PGRepository) FailStep(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE saga_steps SET attempts = $2, last_error = $3, next_attempt_at = $4, updated_at = now()
		WHERE id = $1 AND state = 'PENDING'`, id, attempts, lastErr, next)
	if err != nil {
		return apperr.Unexpected(err, "record step failure")
	}
	return nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, c StatusChange) error {
	var from *string
	if c.From != nil {
		s := string(*c.From)
		from = &s
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO order_status_history (order_id, from_status, to_status, notes, changed_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.OrderID, from, string(c.To), c.Notes, c.ChangedBy, c.CreatedAt)
	if err != nil {
		return apperr.Unexpected(err, "insert status history")
	}
	return nil
}

func loadItems(ctx context.Context, q querier, orderIDs []string) (map[string][]OrderItem, error) {
	rows, err := q.Query(ctx, `
		SELECT id, order_id, product_id, product_name, sku, unit_price, quantity, total_price
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, id`, orderIDs)
	if err != nil {
		return nil, apperr.Unexpected(err, "load order items")
	}
	defer rows.Close()

	out := make(map[string][]OrderItem, len(orderIDs))
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &it.SKU, &it.UnitPrice, &it.Quantity, &it.TotalPrice); err != nil {
			return nil, apperr.Unexpected(err, "scan order item")
		}
		out[it.OrderID] = append(out[it.OrderID], it)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Unexpected(err, "load order items")
	}
	return out, nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var addr []byte
	err := row.Scan(&o.ID, &o.UserID, &o.OrderNumber, &o.Status, &o.TotalAmount, &addr, &o.Notes, &o.CreatedAt, &o.UpdatedAt)
	o.ShippingAddress = addr
	return o, err
}

func scanStep(row pgx.Row) (SagaStep, error) {
	var s SagaStep
	err := row.Scan(&s.ID, &s.OrderID, &s.Action, &s.State, &s.Attempts, &s.LastError, &s.NextAttemptAt, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}
