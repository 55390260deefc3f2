package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Dan9191/card-gateway/internal/models"
)

const otpColumns = `id, card_id, code_hash, fail_attempts, ban_count, network_ref, unban_at, updated_at`

func scanOtp(row scanner) (*models.Otp, error) {
	otp := &models.Otp{}
	var unbanAt sql.NullTime
	err := row.Scan(&otp.ID, &otp.CardID, &otp.CodeHash, &otp.FailAttempts, &otp.BanCount, &otp.NetworkRef, &unbanAt, &otp.UpdatedAt)
	if unbanAt.Valid {
		otp.UnbanAt = &unbanAt.Time
	}
	return otp, err
}

// UpsertOtp stores a freshly issued code. Failure and ban counters of an existing row are kept.
func (r *Repository) UpsertOtp(ctx context.Context, otp *models.Otp) error {
	query := `
		INSERT INTO gateway.otps (card_id, code_hash, network_ref, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (card_id) DO UPDATE
		SET code_hash = EXCLUDED.code_hash, network_ref = EXCLUDED.network_ref, updated_at = EXCLUDED.updated_at
		RETURNING ` + otpColumns
	stored, err := scanOtp(r.db.QueryRowContext(ctx, query, otp.CardID, otp.CodeHash, otp.NetworkRef, otp.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert otp: %w", err)
	}
	*otp = *stored
	return nil
}

// GetOtpByCardID retrieves the live code of a card
func (r *Repository) GetOtpByCardID(ctx context.Context, cardID int64) (*models.Otp, error) {
	otp, err := scanOtp(r.db.QueryRowContext(ctx, `SELECT `+otpColumns+` FROM gateway.otps WHERE card_id = $1`, cardID))
	if err != nil {
		return nil, notFound(err, "otp")
	}
	return otp, nil
}

// IncrementOtpFailures atomically counts a mismatch and returns the new count
func (r *Repository) IncrementOtpFailures(ctx context.Context, otpID int64) (int, error) {
	var attempts int
	err := r.db.QueryRowContext(ctx,
		`UPDATE gateway.otps SET fail_attempts = fail_attempts + 1 WHERE id = $1 RETURNING fail_attempts`, otpID).
		Scan(&attempts)
	if err != nil {
		return 0, notFound(err, "otp")
	}
	return attempts, nil
}

// ResetOtpFailures clears the failure counter after a successful validation
func (r *Repository) ResetOtpFailures(ctx context.Context, otpID int64) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE gateway.otps SET fail_attempts = 0 WHERE id = $1`, otpID); err != nil {
		return fmt.Errorf("failed to reset otp failures: %w", err)
	}
	return nil
}

// BanCard marks the card banned and records the ban on its otp row
func (r *Repository) BanCard(ctx context.Context, cardID int64, banCount int, unbanAt *time.Time) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE gateway.otps SET ban_count = GREATEST(ban_count, $2), unban_at = $3 WHERE card_id = $1`,
			cardID, banCount, unbanAt)
		if err != nil {
			return fmt.Errorf("failed to record ban: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE gateway.cards SET status = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1`,
			cardID, models.CardBanned)
		if err != nil {
			return fmt.Errorf("failed to ban card: %w", err)
		}
		return nil
	})
}

// UnbanCard lifts a temporary ban
func (r *Repository) UnbanCard(ctx context.Context, cardID int64) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE gateway.otps SET fail_attempts = 0, unban_at = NULL WHERE card_id = $1`, cardID)
		if err != nil {
			return fmt.Errorf("failed to clear ban: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE gateway.cards SET status = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1 AND status = $3`,
			cardID, models.CardUnapproved, models.CardBanned)
		if err != nil {
			return fmt.Errorf("failed to unban card: %w", err)
		}
		return nil
	})
}

// ListDueUnbans returns otp rows whose temporary ban has run out
func (r *Repository) ListDueUnbans(ctx context.Context, now time.Time, limit int) ([]models.Otp, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+otpColumns+`
		FROM gateway.otps
		WHERE unban_at IS NOT NULL AND unban_at <= $1
		ORDER BY unban_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due unbans: %w", err)
	}
	defer rows.Close()

	var otps []models.Otp
	for rows.Next() {
		otp, err := scanOtp(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan otp: %w", err)
		}
		otps = append(otps, *otp)
	}
	return otps, rows.Err()
}
