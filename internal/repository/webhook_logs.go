package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Dan9191/card-gateway/internal/models"
)

const webhookLogColumns = `id, hook_id, transaction_id, event_type, attempt, success, response_code, response_body,
	error_message, payload, next_attempt_at, created_at`

func scanWebhookLog(row scanner) (*models.WebhookLog, error) {
	l := &models.WebhookLog{}
	var next sql.NullTime
	err := row.Scan(&l.ID, &l.HookID, &l.TransactionID, &l.EventType, &l.Attempt, &l.Success, &l.ResponseCode,
		&l.ResponseBody, &l.ErrorMessage, &l.Payload, &next, &l.CreatedAt)
	if next.Valid {
		l.NextAttemptAt = &next.Time
	}
	return l, err
}

// CreateWebhookLog records a delivery attempt
func (r *Repository) CreateWebhookLog(ctx context.Context, l *models.WebhookLog) error {
	query := `
		INSERT INTO gateway.webhook_logs (hook_id, transaction_id, event_type, attempt, success, response_code,
			response_body, error_message, payload, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`
	err := r.db.QueryRowContext(ctx, query, l.HookID, l.TransactionID, l.EventType, l.Attempt, l.Success,
		l.ResponseCode, l.ResponseBody, l.ErrorMessage, l.Payload, l.NextAttemptAt).
		Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create webhook log: %w", err)
	}
	return nil
}

// ListDueWebhookRetries returns failed attempts whose retry time has passed
func (r *Repository) ListDueWebhookRetries(ctx context.Context, now time.Time, limit int) ([]models.WebhookLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+webhookLogColumns+`
		FROM gateway.webhook_logs
		WHERE next_attempt_at IS NOT NULL AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook retries: %w", err)
	}
	defer rows.Close()
	return collectWebhookLogs(rows)
}

// ClaimWebhookRetry takes ownership of a due retry. It reports false when another worker claimed it first.
func (r *Repository) ClaimWebhookRetry(ctx context.Context, id int64, due time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE gateway.webhook_logs SET next_attempt_at = NULL WHERE id = $1 AND next_attempt_at = $2`, id, due)
	if err != nil {
		return false, fmt.Errorf("failed to claim webhook retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim webhook retry: %w", err)
	}
	return n == 1, nil
}

// ReleaseWebhookRetry hands a claimed retry back to the scan when its attempt could not be recorded
func (r *Repository) ReleaseWebhookRetry(ctx context.Context, id int64, due time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE gateway.webhook_logs SET next_attempt_at = $2 WHERE id = $1 AND next_attempt_at IS NULL`, id, due)
	if err != nil {
		return fmt.Errorf("failed to release webhook retry: %w", err)
	}
	return nil
}

// HasSuccessfulDelivery reports whether the event already reached the hook
func (r *Repository) HasSuccessfulDelivery(ctx context.Context, hookID, transactionID int64, event models.EventType) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM gateway.webhook_logs
			WHERE hook_id = $1 AND transaction_id = $2 AND event_type = $3 AND success
		)`, hookID, transactionID, event).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check delivery: %w", err)
	}
	return exists, nil
}

// ListWebhookLogs returns every attempt made for a transaction
func (r *Repository) ListWebhookLogs(ctx context.Context, transactionID int64) ([]models.WebhookLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+webhookLogColumns+`
		FROM gateway.webhook_logs
		WHERE transaction_id = $1
		ORDER BY id`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook logs: %w", err)
	}
	defer rows.Close()
	return collectWebhookLogs(rows)
}

func collectWebhookLogs(rows *sql.Rows) ([]models.WebhookLog, error) {
	var logs []models.WebhookLog
	for rows.Next() {
		l, err := scanWebhookLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook log: %w", err)
		}
		logs = append(logs, *l)
	}
	return logs, rows.Err()
}
