package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/ec-settlement/internal/domain/order"
	"github.com/lib/pq"
)

// PostgresOrderStore keeps each order as a JSONB document next to the
// columns the sweeper and lookups filter on.
type PostgresOrderStore struct {
	db *sql.DB
}

func NewPostgresOrderStore(db *sql.DB) *PostgresOrderStore {
	return &PostgresOrderStore{db: db}
}

func (s *PostgresOrderStore) NextOrderNumber(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT nextval('order_number_seq')`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read order number sequence: %w", err)
	}
	return seq, nil
}

func (s *PostgresOrderStore) Insert(ctx context.Context, o *order.Order) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orders (id, order_number, fulfillment_status, payment_status, total, created_at, updated_at, shipped_at, version, document)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.OrderNumber, o.FulfillmentStatus, o.PaymentStatus, o.Total.StringFixed(2),
		o.CreatedAt, o.UpdatedAt, nullTime(o.ShippedAt), o.Version, doc,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert order %s: %w", o.ID, err)
	}
	return nil
}

func (s *PostgresOrderStore) Get(ctx context.Context, id string) (*order.Order, error) {
	return s.getOne(ctx, `SELECT document FROM orders WHERE id = $1`, id)
}

func (s *PostgresOrderStore) GetByNumber(ctx context.Context, number string) (*order.Order, error) {
	return s.getOne(ctx, `SELECT document FROM orders WHERE order_number = $1`, number)
}

func (s *PostgresOrderStore) getOne(ctx context.Context, query, arg string) (*order.Order, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return decodeOrder(doc)
}

// Update writes o only if the stored version still equals expectedVersion.
func (s *PostgresOrderStore) Update(ctx context.Context, o *order.Order, expectedVersion int) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders
		 SET fulfillment_status = $2, payment_status = $3, total = $4, updated_at = $5,
		     shipped_at = $6, version = $7, document = $8
		 WHERE id = $1 AND version = $9`,
		o.ID, o.FulfillmentStatus, o.PaymentStatus, o.Total.StringFixed(2), o.UpdatedAt,
		nullTime(o.ShippedAt), o.Version, doc, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for order %s: %w", o.ID, err)
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check order %s: %w", o.ID, err)
		}
		if !exists {
			return order.ErrOrderNotFound
		}
		return order.ErrVersionConflict
	}
	return nil
}

func (s *PostgresOrderStore) Find(ctx context.Context, q order.Query) ([]*order.Order, error) {
	query, args := buildFindQuery(q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []*order.Order
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o, err := decodeOrder(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return out, nil
}

func buildFindQuery(q order.Query) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.Fulfillment != "" {
		add("fulfillment_status = $%d", string(q.Fulfillment))
	}
	if q.Payment != "" {
		add("payment_status = $%d", string(q.Payment))
	}
	if !q.CreatedBefore.IsZero() {
		add("created_at < $%d", q.CreatedBefore)
	}
	if !q.ShippedBefore.IsZero() {
		add("shipped_at < $%d", q.ShippedBefore)
	}

	query := `SELECT document FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func decodeOrder(doc []byte) (*order.Order, error) {
	var o order.Order
	if err := json.Unmarshal(doc, &o); err != nil {
		return nil, fmt.Errorf("failed to decode order document: %w", err)
	}
	return &o, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
