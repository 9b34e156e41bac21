package rank

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
)

var (
	ErrInvalidServiceConfig = errors.New("invalid rank service config")
	ErrInvalidRank          = errors.New("invalid rank")
	ErrInvalidBonusPercent  = errors.New("invalid bonus percent")
	ErrRankNotFound         = errors.New("rank not found")
)

var (
	hundredPercent = decimal.NewFromInt(100)
)

// Status toggles a rank in and out of evaluation.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// ParseStatus validates a rank status; empty maps to active.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case "", StatusActive:
		return StatusActive, nil
	case StatusInactive:
		return StatusInactive, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidRank, raw)
	}
}

// Rank is one tier of the deposit ladder.
type Rank struct {
	ID           int64
	Name         string
	MinDeposit   ledger.Amount
	BonusPercent decimal.Decimal
	Color        string
	Icon         string
	Status       Status
	SortOrder    int
}

// Validate checks the rank before it is saved.
func (rank Rank) Validate() error {
	if strings.TrimSpace(rank.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidRank)
	}
	if rank.MinDeposit < 0 {
		return fmt.Errorf("%w: negative minimum deposit", ErrInvalidRank)
	}
	return ValidatePercent(rank.BonusPercent)
}

// CollaboratorProfile carries the per-user bonus on top of the rank bonus.
type CollaboratorProfile struct {
	UserID         ledger.UserID
	IsCollaborator bool
	BonusPercent   decimal.Decimal
}

// Info is the derived rank state of a user.
type Info struct {
	Rank                     *Rank
	NextRank                 *Rank
	WindowDays               int
	WindowDeposit            ledger.Amount
	AmountToNextRank         ledger.Amount
	RankBonusPercent         decimal.Decimal
	CollaboratorBonusPercent decimal.Decimal
}

// BonusPercent is the total percentage applied to a deposit.
func (info Info) BonusPercent() decimal.Decimal {
	return info.RankBonusPercent.Add(info.CollaboratorBonusPercent)
}

// Store persists ranks and collaborator profiles.
type Store interface {
	ListRanks(ctx context.Context, activeOnly bool) ([]Rank, error)
	SaveRank(ctx context.Context, rank Rank) (Rank, error)
	// CollaboratorProfile returns a zero profile when the user has none.
	CollaboratorProfile(ctx context.Context, userID ledger.UserID) (CollaboratorProfile, error)
	SaveCollaboratorProfile(ctx context.Context, profile CollaboratorProfile) error
}

// DepositHistory sums confirmed deposits over a time range.
type DepositHistory interface {
	SumSuccessfulDeposits(ctx context.Context, userID ledger.UserID, fromUnixUTC int64, toUnixUTC int64) (ledger.Amount, error)
}

// WindowSource supplies the rank qualification window.
type WindowSource interface {
	RankWindowDays(ctx context.Context) int
}

// ValidatePercent accepts percentages in [0, 100].
func ValidatePercent(percent decimal.Decimal) error {
	if percent.IsNegative() || percent.GreaterThan(hundredPercent) {
		return fmt.Errorf("%w: %s not in [0, 100]", ErrInvalidBonusPercent, percent.String())
	}
	return nil
}
