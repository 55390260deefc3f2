package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-gateway/internal/config"
	"github.com/Dan9191/card-gateway/internal/integrations/processing"
	"github.com/Dan9191/card-gateway/internal/models"
	"github.com/Dan9191/card-gateway/internal/utils"
)

// unbanBatch bounds one unban scan
const unbanBatch = 100

type cardStore interface {
	CardStore
	OtpStore
}

// CardService runs card enrollment: code issuance, validation and bans
type CardService struct {
	store cardStore
	sms   SMSSender
	log   *logrus.Logger
	cfg   *config.Config
	now   func() time.Time
}

// NewCardService initializes a card service
func NewCardService(store cardStore, sender SMSSender, log *logrus.Logger, cfg *config.Config) *CardService {
	return &CardService{store: store, sms: sender, log: log, cfg: cfg, now: time.Now}
}

// SetClock replaces the service clock
func (s *CardService) SetClock(now func() time.Time) { s.now = now }

// FindOrCreate returns the card of a PAN, creating it on first sight
func (s *CardService) FindOrCreate(ctx context.Context, data *models.CardData, route *processing.Route) (*models.Card, error) {
	ref := utils.PanReference(data.Pan, s.cfg.PanHashSecret)
	card, err := s.store.GetCardByPanRef(ctx, ref)
	if err == nil {
		return card, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	card = &models.Card{
		PanRef:    ref,
		MaskedPan: utils.MaskPan(data.Pan),
		Expiry:    data.Expiry,
		Network:   string(route.Network),
		BankName:  route.BankName,
		Status:    models.CardUnapproved,
	}
	if err := s.store.CreateCard(ctx, card); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return s.store.GetCardByPanRef(ctx, ref)
		}
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"card_id": card.ID, "masked_pan": card.MaskedPan, "network": card.Network}).Info("Card created")
	return card, nil
}

// CheckBan returns a *BanError when the card cannot be used. Temporary bans that ran out are lifted first.
func (s *CardService) CheckBan(ctx context.Context, card *models.Card) error {
	if card.Status != models.CardBanned {
		return nil
	}
	otp, err := s.store.GetOtpByCardID(ctx, card.ID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	now := s.now()
	if otp != nil && otp.UnbanAt != nil && !otp.UnbanAt.After(now) {
		if err := s.unban(ctx, card.ID); err != nil {
			return err
		}
		card.Status = models.CardUnapproved
		return nil
	}
	return banError(otp, now)
}

// IssueOtp asks the network to start enrollment and sends a fresh code to the card's phone
func (s *CardService) IssueOtp(ctx context.Context, card *models.Card, route *processing.Route, data *models.CardData) (*models.OtpIssued, error) {
	if err := s.CheckBan(ctx, card); err != nil {
		return nil, err
	}

	info, err := route.Adapter.SendOtp(ctx, processing.CardRequest{Pan: data.Pan, Expiry: data.Expiry})
	if err != nil {
		return nil, err
	}

	code := s.cfg.SandboxOtpCode
	if !route.TestMode || code == "" {
		if code, err = utils.GenerateOTP(); err != nil {
			return nil, err
		}
	}
	hash, err := utils.HashOTP(code)
	if err != nil {
		return nil, err
	}

	otp := &models.Otp{CardID: card.ID, CodeHash: hash, NetworkRef: info.Reference, UpdatedAt: s.now()}
	if err := s.store.UpsertOtp(ctx, otp); err != nil {
		return nil, err
	}

	if info.Phone != "" && info.Phone != card.Phone {
		card.Phone = info.Phone
		if err := s.store.UpdateCard(ctx, card); err != nil {
			return nil, err
		}
	}

	log := s.log.WithFields(logrus.Fields{"card_id": card.ID, "otp_id": otp.ID})
	if route.TestMode {
		log.Info("Sandbox otp issued, sms skipped")
	} else {
		res, err := s.sms.Send(ctx, card.Phone, fmt.Sprintf("Payment confirmation code: %s", code))
		if err != nil {
			return nil, fmt.Errorf("failed to send otp: %w", err)
		}
		if !res.Success {
			return nil, fmt.Errorf("failed to send otp: %s", res.Message)
		}
		log.Info("Otp sent")
	}

	return &models.OtpIssued{CardID: card.ID, OtpID: otp.ID, MaskedPhone: utils.MaskPhone(card.Phone)}, nil
}

// Validate checks code against the live otp of the card and approves it with the network on a match.
// Mismatches count towards a ban; the second one bans the card and returns a *BanError.
func (s *CardService) Validate(ctx context.Context, card *models.Card, route *processing.Route, code string) (*models.Card, error) {
	if err := s.CheckBan(ctx, card); err != nil {
		return nil, err
	}
	otp, err := s.store.GetOtpByCardID(ctx, card.ID)
	if err != nil {
		return nil, err
	}
	log := s.log.WithFields(logrus.Fields{"card_id": card.ID, "otp_id": otp.ID})

	now := s.now()
	if otp.Expired(now, s.cfg.OtpTimeout) {
		log.Info("Otp expired")
		return nil, models.ErrOtpExpired
	}

	if !utils.CompareOTP(otp.CodeHash, code) {
		failures, err := s.store.IncrementOtpFailures(ctx, otp.ID)
		if err != nil {
			return nil, err
		}
		log.WithField("fail_attempts", failures).Warn("Otp mismatch")
		if failures != FailureThreshold {
			return nil, models.ErrOtpMismatch
		}
		return nil, s.ban(ctx, card, otp, now)
	}

	details, err := route.Adapter.ValidateOtp(ctx, otp.NetworkRef)
	if err != nil {
		return nil, err
	}
	card.Token = details.Token
	card.HolderName = details.HolderName
	if details.Phone != "" {
		card.Phone = details.Phone
	}
	if card.BankName == "" {
		card.BankName = details.BankName
	}
	card.Status = models.CardApproved
	if err := s.store.UpdateCard(ctx, card); err != nil {
		return nil, err
	}
	if err := s.store.ResetOtpFailures(ctx, otp.ID); err != nil {
		return nil, err
	}
	log.Info("Card approved")
	return card, nil
}

func (s *CardService) ban(ctx context.Context, card *models.Card, otp *models.Otp, now time.Time) error {
	level, duration := NextBan(LevelOf(otp.BanCount), s.cfg.FirstBanDuration, s.cfg.SecondBanDuration)

	var unbanAt *time.Time
	if duration > 0 {
		t := now.Add(duration)
		unbanAt = &t
	}
	if err := s.store.BanCard(ctx, card.ID, otp.BanCount+1, unbanAt); err != nil {
		return err
	}
	card.Status = models.CardBanned

	s.log.WithFields(logrus.Fields{"card_id": card.ID, "ban_level": level, "ban_count": otp.BanCount + 1}).Warn("Card banned")
	if duration == 0 {
		return &BanError{Permanent: true}
	}
	return &BanError{Remaining: duration}
}

func (s *CardService) unban(ctx context.Context, cardID int64) error {
	if err := s.store.UnbanCard(ctx, cardID); err != nil {
		return err
	}
	s.log.WithField("card_id", cardID).Info("Card unbanned")
	return nil
}

// ProcessUnbans lifts every temporary ban that ran out and returns how many were lifted
func (s *CardService) ProcessUnbans(ctx context.Context) (int, error) {
	due, err := s.store.ListDueUnbans(ctx, s.now(), unbanBatch)
	if err != nil {
		return 0, err
	}
	for _, otp := range due {
		if err := s.unban(ctx, otp.CardID); err != nil {
			return 0, err
		}
	}
	return len(due), nil
}
