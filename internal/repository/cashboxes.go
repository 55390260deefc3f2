package repository

import (
	"context"
	"fmt"

	"github.com/Dan9191/card-gateway/internal/models"
)

// GetCashboxByID retrieves a cashbox by id
func (r *Repository) GetCashboxByID(ctx context.Context, id int64) (*models.Cashbox, error) {
	c := &models.Cashbox{}
	query := `
		SELECT id, name, webhook_secret, merchant_id, terminal_id, active, sms_receipts
		FROM gateway.cashboxes
		WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).
		Scan(&c.ID, &c.Name, &c.WebhookSecret, &c.MerchantID, &c.TerminalID, &c.Active, &c.SmsReceipts)
	if err != nil {
		return nil, notFound(err, "cashbox")
	}
	return c, nil
}

// GetHookByID retrieves a hook by id
func (r *Repository) GetHookByID(ctx context.Context, id int64) (*models.Hook, error) {
	h := &models.Hook{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, cashbox_id, url, event_type, active FROM gateway.hooks WHERE id = $1`, id).
		Scan(&h.ID, &h.CashboxID, &h.URL, &h.EventType, &h.Active)
	if err != nil {
		return nil, notFound(err, "hook")
	}
	return h, nil
}

// ListHooks returns the active hooks of a cashbox for an event type
func (r *Repository) ListHooks(ctx context.Context, cashboxID int64, event models.EventType) ([]models.Hook, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, cashbox_id, url, event_type, active
		FROM gateway.hooks
		WHERE cashbox_id = $1 AND event_type = $2 AND active
		ORDER BY id`, cashboxID, event)
	if err != nil {
		return nil, fmt.Errorf("failed to list hooks: %w", err)
	}
	defer rows.Close()

	var hooks []models.Hook
	for rows.Next() {
		var h models.Hook
		if err := rows.Scan(&h.ID, &h.CashboxID, &h.URL, &h.EventType, &h.Active); err != nil {
			return nil, fmt.Errorf("failed to scan hook: %w", err)
		}
		hooks = append(hooks, h)
	}
	return hooks, rows.Err()
}
