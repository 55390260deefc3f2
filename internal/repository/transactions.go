package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Dan9191/card-gateway/internal/models"
)

const transactionColumns = `id, cashbox_id, card_id, amount, currency, status, network, ref_num, hold_id, reason_code,
	fail_reason, balance, test_mode, ip_address, invoice_id, account_id, email, description, json_data,
	subscription_id, acs_url, pa_req, refund_amount, refunded_at, created_at, updated_at`

func scanTransaction(row scanner) (*models.Transaction, error) {
	tx := &models.Transaction{}
	var (
		balance, refundAmount decimal.NullDecimal
		refundedAt            sql.NullTime
		jsonData              []byte
	)
	err := row.Scan(&tx.ID, &tx.CashboxID, &tx.CardID, &tx.Amount, &tx.Currency, &tx.Status, &tx.Network,
		&tx.RefNum, &tx.HoldID, &tx.ReasonCode, &tx.FailReason, &balance, &tx.TestMode, &tx.IPAddress,
		&tx.InvoiceID, &tx.AccountID, &tx.Email, &tx.Description, &jsonData, &tx.SubscriptionID, &tx.AcsURL,
		&tx.PaReq, &refundAmount, &refundedAt, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if balance.Valid {
		tx.Balance = &balance.Decimal
	}
	if refundAmount.Valid {
		tx.RefundAmount = &refundAmount.Decimal
	}
	if refundedAt.Valid {
		tx.RefundedAt = &refundedAt.Time
	}
	if len(jsonData) > 0 {
		tx.JSONData = jsonData
	}
	return tx, nil
}

func nullJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// CreateTransaction creates a new transaction
func (r *Repository) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	query := `
		INSERT INTO gateway.transactions (cashbox_id, card_id, amount, currency, status, network, test_mode,
			ip_address, invoice_id, account_id, email, description, json_data, subscription_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query, tx.CashboxID, tx.CardID, tx.Amount, tx.Currency, tx.Status, tx.Network,
		tx.TestMode, tx.IPAddress, tx.InvoiceID, tx.AccountID, tx.Email, tx.Description, nullJSON(tx.JSONData),
		tx.SubscriptionID).
		Scan(&tx.ID, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransactionByID retrieves a transaction by id
func (r *Repository) GetTransactionByID(ctx context.Context, id int64) (*models.Transaction, error) {
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM gateway.transactions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "transaction")
	}
	return tx, nil
}

// UpdateTransaction writes the mutable fields of tx if its stored status is still expected
func (r *Repository) UpdateTransaction(ctx context.Context, tx *models.Transaction, expected models.TransactionStatus) error {
	query := `
		UPDATE gateway.transactions
		SET status = $3, amount = $4, ref_num = $5, hold_id = $6, reason_code = $7, fail_reason = $8,
			balance = $9, acs_url = $10, pa_req = $11, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = $2
		RETURNING updated_at`
	err := r.db.QueryRowContext(ctx, query, tx.ID, expected, tx.Status, tx.Amount, tx.RefNum, tx.HoldID,
		tx.ReasonCode, tx.FailReason, tx.Balance, tx.AcsURL, tx.PaReq).
		Scan(&tx.UpdatedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("transaction %d not in %s: %w", tx.ID, expected, models.ErrStaleTransaction)
	}
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	return nil
}

// MarkRefunded stamps the refund on a completed transaction that was not refunded yet
func (r *Repository) MarkRefunded(ctx context.Context, id int64, amount decimal.Decimal, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE gateway.transactions
		SET refund_amount = $2, refunded_at = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = $4 AND refunded_at IS NULL`,
		id, amount, at, models.StatusCompleted)
	if err != nil {
		return fmt.Errorf("failed to mark refund: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark refund: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("transaction %d: %w", id, models.ErrStaleTransaction)
	}
	return nil
}
