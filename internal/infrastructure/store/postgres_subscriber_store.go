package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/ec-settlement/internal/domain/webhook"
	"github.com/example/ec-settlement/internal/events"
	"github.com/lib/pq"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresSubscriberStore struct {
	db *sql.DB
}

func NewPostgresSubscriberStore(db *sql.DB) *PostgresSubscriberStore {
	return &PostgresSubscriberStore{db: db}
}

const subscriberColumns = `id, name, url, events, secret, headers, max_retries, retry_delay_ms, status,
	total_calls, successful_calls, failed_calls, last_call_at, last_success_at, last_failure_at, last_error,
	created_at, updated_at`

func (s *PostgresSubscriberStore) Insert(ctx context.Context, sub *webhook.Subscriber) error {
	headers, err := json.Marshal(headersOrEmpty(sub.Headers))
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhook_subscribers (`+subscriberColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		sub.ID, sub.Name, sub.URL, pq.Array(eventStrings(sub.Events)), sub.EncryptedSecret, headers,
		sub.RetryPolicy.MaxRetries, sub.RetryPolicy.RetryDelayMs, sub.Status,
		sub.Stats.TotalCalls, sub.Stats.SuccessfulCalls, sub.Stats.FailedCalls,
		nullTime(sub.Stats.LastCallAt), nullTime(sub.Stats.LastSuccessAt), nullTime(sub.Stats.LastFailureAt), sub.Stats.LastError,
		sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert subscriber: %w", err)
	}
	return nil
}

func (s *PostgresSubscriberStore) Get(ctx context.Context, id string) (*webhook.Subscriber, error) {
	return getSubscriber(ctx, s.db, `SELECT `+subscriberColumns+` FROM webhook_subscribers WHERE id = $1`, id)
}

func (s *PostgresSubscriberStore) List(ctx context.Context) ([]*webhook.Subscriber, error) {
	return s.query(ctx, `SELECT `+subscriberColumns+` FROM webhook_subscribers ORDER BY created_at ASC`)
}

func (s *PostgresSubscriberStore) FindByEvent(ctx context.Context, name events.Name) ([]*webhook.Subscriber, error) {
	return s.query(ctx, `SELECT `+subscriberColumns+` FROM webhook_subscribers WHERE $1 = ANY(events)`, string(name))
}

// Update locks the subscriber row while fn edits it and writes back the
// definition fields and status. Stats are only changed by UpdateStats.
func (s *PostgresSubscriberStore) Update(ctx context.Context, id string, fn func(sub *webhook.Subscriber)) (*webhook.Subscriber, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sub, err := getSubscriber(ctx, tx, `SELECT `+subscriberColumns+` FROM webhook_subscribers WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	stats := sub.Stats
	fn(sub)
	sub.Stats = stats

	headers, err := json.Marshal(headersOrEmpty(sub.Headers))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal headers: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE webhook_subscribers
		 SET name = $2, url = $3, events = $4, headers = $5, max_retries = $6, retry_delay_ms = $7,
		     status = $8, updated_at = $9
		 WHERE id = $1`,
		sub.ID, sub.Name, sub.URL, pq.Array(eventStrings(sub.Events)), headers,
		sub.RetryPolicy.MaxRetries, sub.RetryPolicy.RetryDelayMs, sub.Status, sub.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscriber %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit subscriber %s: %w", id, err)
	}
	return sub, nil
}

func (s *PostgresSubscriberStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscribers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscriber %s: %w", id, err)
	}
	return requireOneRow(res, webhook.ErrSubscriberNotFound)
}

// UpdateStats locks the subscriber row for the duration of fn, so concurrent
// deliveries serialize their counter updates.
func (s *PostgresSubscriberStore) UpdateStats(ctx context.Context, id string, fn func(sub *webhook.Subscriber)) (*webhook.Subscriber, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sub, err := getSubscriber(ctx, tx, `SELECT `+subscriberColumns+` FROM webhook_subscribers WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	fn(sub)

	_, err = tx.ExecContext(ctx,
		`UPDATE webhook_subscribers
		 SET status = $2, total_calls = $3, successful_calls = $4, failed_calls = $5,
		     last_call_at = $6, last_success_at = $7, last_failure_at = $8, last_error = $9, updated_at = $10
		 WHERE id = $1`,
		sub.ID, sub.Status, sub.Stats.TotalCalls, sub.Stats.SuccessfulCalls, sub.Stats.FailedCalls,
		nullTime(sub.Stats.LastCallAt), nullTime(sub.Stats.LastSuccessAt), nullTime(sub.Stats.LastFailureAt),
		sub.Stats.LastError, sub.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscriber stats %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit subscriber stats %s: %w", id, err)
	}
	return sub, nil
}

func (s *PostgresSubscriberStore) query(ctx context.Context, query string, args ...any) ([]*webhook.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscribers: %w", err)
	}
	defer rows.Close()

	var out []*webhook.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscribers: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getSubscriber(ctx context.Context, q Querier, query, id string) (*webhook.Subscriber, error) {
	sub, err := scanSubscriber(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, webhook.ErrSubscriberNotFound
	}
	return sub, err
}

func scanSubscriber(row rowScanner) (*webhook.Subscriber, error) {
	var (
		sub                          webhook.Subscriber
		names                        []string
		headers                      []byte
		lastCall, lastOK, lastFailed sql.NullTime
	)
	err := row.Scan(
		&sub.ID, &sub.Name, &sub.URL, pq.Array(&names), &sub.EncryptedSecret, &headers,
		&sub.RetryPolicy.MaxRetries, &sub.RetryPolicy.RetryDelayMs, &sub.Status,
		&sub.Stats.TotalCalls, &sub.Stats.SuccessfulCalls, &sub.Stats.FailedCalls,
		&lastCall, &lastOK, &lastFailed, &sub.Stats.LastError,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan subscriber: %w", err)
	}
	for _, n := range names {
		sub.Events = append(sub.Events, events.Name(n))
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &sub.Headers); err != nil {
			return nil, fmt.Errorf("failed to decode subscriber headers: %w", err)
		}
	}
	sub.Stats.LastCallAt = timePtr(lastCall)
	sub.Stats.LastSuccessAt = timePtr(lastOK)
	sub.Stats.LastFailureAt = timePtr(lastFailed)
	return &sub, nil
}

func requireOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func eventStrings(names []events.Name) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}

func headersOrEmpty(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}
