package repository

import (
	"context"
	"fmt"

	"github.com/Dan9191/card-gateway/internal/models"
)

const cardColumns = `id, pan_ref, masked_pan, expiry, token, network, bank_name, status, holder_name, phone, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCard(row scanner) (*models.Card, error) {
	card := &models.Card{}
	err := row.Scan(&card.ID, &card.PanRef, &card.MaskedPan, &card.Expiry, &card.Token, &card.Network,
		&card.BankName, &card.Status, &card.HolderName, &card.Phone, &card.CreatedAt, &card.UpdatedAt)
	return card, err
}

// CreateCard creates a new card
func (r *Repository) CreateCard(ctx context.Context, card *models.Card) error {
	query := `
		INSERT INTO gateway.cards (pan_ref, masked_pan, expiry, network, bank_name, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query, card.PanRef, card.MaskedPan, card.Expiry, card.Network, card.BankName, card.Status).
		Scan(&card.ID, &card.CreatedAt, &card.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("card %s: %w", card.MaskedPan, models.ErrConflict)
		}
		return fmt.Errorf("failed to create card: %w", err)
	}
	return nil
}

// GetCardByID retrieves a card by id
func (r *Repository) GetCardByID(ctx context.Context, id int64) (*models.Card, error) {
	card, err := scanCard(r.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM gateway.cards WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "card")
	}
	return card, nil
}

// GetCardByPanRef retrieves a card by the HMAC of its PAN
func (r *Repository) GetCardByPanRef(ctx context.Context, panRef string) (*models.Card, error) {
	card, err := scanCard(r.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM gateway.cards WHERE pan_ref = $1`, panRef))
	if err != nil {
		return nil, notFound(err, "card")
	}
	return card, nil
}

// GetCardByToken retrieves a card by its network token
func (r *Repository) GetCardByToken(ctx context.Context, token string) (*models.Card, error) {
	card, err := scanCard(r.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM gateway.cards WHERE token = $1 AND token <> ''`, token))
	if err != nil {
		return nil, notFound(err, "card")
	}
	return card, nil
}

// UpdateCard stores the enrollment result of a card
func (r *Repository) UpdateCard(ctx context.Context, card *models.Card) error {
	query := `
		UPDATE gateway.cards
		SET expiry = $2, token = $3, bank_name = $4, status = $5, holder_name = $6, phone = $7, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING updated_at`
	err := r.db.QueryRowContext(ctx, query, card.ID, card.Expiry, card.Token, card.BankName, card.Status, card.HolderName, card.Phone).
		Scan(&card.UpdatedAt)
	if err != nil {
		return notFound(err, "card")
	}
	return nil
}
