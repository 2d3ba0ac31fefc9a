package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/tradenet/referral-engine/internal/metrics"
	"github.com/tradenet/referral-engine/internal/model"
	"github.com/tradenet/referral-engine/internal/store"
)

var (
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrInvalidDirection = errors.New("direction must be income or expense")
	ErrInvalidCategory  = errors.New("unknown ledger category")
)

var validCategories = map[string]bool{
	model.CategoryTraderFeeShare:   true,
	model.CategoryUplineShare:      true,
	model.CategorySystemCommission: true,
	model.CategoryDeposit:          true,
	model.CategoryWithdrawal:       true,
	model.CategoryTransfer:         true,
}

// Ledger is the sole writer of wallet balances. Every balance change goes
// through Post, which appends an immutable entry and applies the signed
// amount in one store operation. Entries are never updated or deleted;
// corrections are posted as new entries.
type Ledger struct {
	store store.Store
	clock clockwork.Clock
}

// NewLedger creates a ledger service backed by the given store.
func NewLedger(st store.Store, clock clockwork.Clock) *Ledger {
	return &Ledger{
		store: st,
		clock: clock,
	}
}

// Post validates and records a single wallet movement. The amount must be
// strictly positive; the sign is carried by the direction.
func (l *Ledger) Post(ctx context.Context, ownerID, ownerType, direction, category string, amount decimal.Decimal, note string) (*model.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if direction != model.DirectionIncome && direction != model.DirectionExpense {
		return nil, ErrInvalidDirection
	}
	if !validCategories[category] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCategory, category)
	}

	entry := &model.LedgerEntry{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		OwnerType: ownerType,
		Direction: direction,
		Category:  category,
		Amount:    amount,
		Note:      note,
		Timestamp: l.clock.Now().UTC(),
	}

	if err := l.store.PostLedgerEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("post ledger entry: %w", err)
	}

	metrics.LedgerEntriesPosted.WithLabelValues(category).Inc()
	slog.Info("ledger entry posted",
		"entry_id", entry.ID,
		"owner_id", ownerID,
		"direction", direction,
		"category", category,
		"amount", amount.String(),
	)
	return entry, nil
}

// History returns all entries for an owner, oldest first.
func (l *Ledger) History(ctx context.Context, ownerID string) ([]model.LedgerEntry, error) {
	return l.store.LedgerEntries(ctx, ownerID)
}

// Balance recomputes an owner's balance from the ledger. The stored balance
// must always equal this sum; the method exists for audits and tests.
func (l *Ledger) Balance(ctx context.Context, ownerID string) (decimal.Decimal, error) {
	entries, err := l.store.LedgerEntries(ctx, ownerID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Signed())
	}
	return total, nil
}
