package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// InsertOrder stores a new order record. Reports false when the session was already stored.
func (r *PostgresRepository) InsertOrder(ctx context.Context, order Order) (bool, error) {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	items, err := toJSON(order.Items)
	if err != nil {
		return false, err
	}
	const q = `
INSERT INTO orders (id, session_id, site_key, amount_total, currency, customer_email, items, created_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7, $8)
ON CONFLICT (session_id) DO NOTHING;
`
	ct, err := r.pool.Exec(ctx, q,
		order.ID,
		order.SessionID,
		order.SiteKey,
		order.AmountTotal,
		order.Currency,
		order.CustomerEmail,
		jsonParam(items),
		order.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert order: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// GetOrderBySession retrieves an order by checkout session id.
func (r *PostgresRepository) GetOrderBySession(ctx context.Context, sessionID string) (*Order, error) {
	const q = `
SELECT id::text, session_id, COALESCE(site_key, ''), amount_total, COALESCE(currency, ''), COALESCE(customer_email, ''), items, created_at
FROM orders
WHERE session_id = $1
LIMIT 1;
`
	var order Order
	var itemsJSON []byte
	err := r.pool.QueryRow(ctx, q, sessionID).Scan(
		&order.ID,
		&order.SessionID,
		&order.SiteKey,
		&order.AmountTotal,
		&order.Currency,
		&order.CustomerEmail,
		&itemsJSON,
		&order.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order by session: %w", err)
	}
	order.Items = itemsFromJSON(itemsJSON)
	return &order, nil
}

// HasProcessedEvent reports whether the webhook event id was already handled.
func (r *PostgresRepository) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1);`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return exists, nil
}

// MarkEventProcessed writes the dedup marker for a webhook event.
func (r *PostgresRepository) MarkEventProcessed(ctx context.Context, eventID, eventType string, at time.Time) error {
	const q = `
INSERT INTO webhook_events (event_id, event_type, processed_at)
VALUES ($1, $2, $3)
ON CONFLICT (event_id) DO NOTHING;
`
	if _, err := r.pool.Exec(ctx, q, eventID, eventType, at); err != nil {
		return fmt.Errorf("mark webhook event: %w", err)
	}
	return nil
}

func toJSON(val any) ([]byte, error) {
	if val == nil {
		return nil, nil
	}
	data, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("marshal order items: %w", err)
	}
	return data, nil
}

func itemsFromJSON(data []byte) []OrderItem {
	if len(data) == 0 {
		return nil
	}
	var items []OrderItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil
	}
	return items
}

func jsonParam(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}
