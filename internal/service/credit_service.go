package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/stevemoraco/Kull-sub004/internal/ids"
	"github.com/stevemoraco/Kull-sub004/internal/models"
	"github.com/stevemoraco/Kull-sub004/internal/realtime"
)

var ErrInvalidGrant = errors.New("grant must be a positive number of credits")

type LedgerStore interface {
	Append(ctx context.Context, entry models.LedgerEntry) error
	Balance(ctx context.Context, userID string) (int64, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.LedgerEntry, error)
}

// CreditService reads balances off the append-only ledger. Debits for batch
// jobs are written by the job store when a job completes.
type CreditService struct {
	ledger LedgerStore
	events realtime.Publisher
	log    zerolog.Logger
}

func NewCreditService(ledger LedgerStore, events realtime.Publisher, log zerolog.Logger) *CreditService {
	return &CreditService{
		ledger: ledger,
		events: events,
		log:    log.With().Str("component", "credits").Logger(),
	}
}

func (s *CreditService) Balance(ctx context.Context, userID string) (int64, error) {
	return s.ledger.Balance(ctx, userID)
}

// Grant credits a user and pushes the new balance to their devices.
func (s *CreditService) Grant(ctx context.Context, userID string, credits int64, reason string) (int64, error) {
	if credits <= 0 {
		return 0, ErrInvalidGrant
	}
	entry := models.LedgerEntry{
		ID:        ids.New(),
		UserID:    userID,
		EntryType: models.LedgerEntryCredit,
		Credits:   credits,
		Metadata:  &models.LedgerMetadata{Reason: reason},
	}
	if err := s.ledger.Append(ctx, entry); err != nil {
		return 0, err
	}

	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}

	s.log.Info().
		Str("user_id", userID).
		Int64("credits", credits).
		Int64("balance", balance).
		Msg("credits granted")

	if s.events != nil {
		env, err := realtime.NewEnvelope(userID, "", realtime.CreditUpdate{Balance: balance, Delta: credits, Reason: reason})
		if err == nil {
			err = s.events.Publish(ctx, env)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("publish credit update failed")
		}
	}
	return balance, nil
}

func (s *CreditService) History(ctx context.Context, userID string, limit, offset int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.ledger.ListByUser(ctx, userID, limit, offset)
}
