// Package rank derives deposit ranks and bonus percentages from recent deposit history.
package rank

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
)

const secondsPerDay = 24 * 60 * 60

// Service evaluates the rank ladder.
type Service struct {
	store    Store
	deposits DepositHistory
	window   WindowSource
	nowFn    func() int64
}

// NewService wires a Service.
func NewService(store Store, deposits DepositHistory, window WindowSource, now func() int64) (*Service, error) {
	switch {
	case store == nil:
		return nil, fmt.Errorf("%w: store is nil", ErrInvalidServiceConfig)
	case deposits == nil:
		return nil, fmt.Errorf("%w: deposit history is nil", ErrInvalidServiceConfig)
	case window == nil:
		return nil, fmt.Errorf("%w: window source is nil", ErrInvalidServiceConfig)
	case now == nil:
		return nil, fmt.Errorf("%w: clock is nil", ErrInvalidServiceConfig)
	}
	return &Service{store: store, deposits: deposits, window: window, nowFn: now}, nil
}

// UserRankInfo picks the highest active rank whose minimum the window deposit meets.
// Without configured ranks the user has no rank and a zero rank bonus.
func (service *Service) UserRankInfo(ctx context.Context, userID ledger.UserID) (Info, error) {
	windowDays := service.window.RankWindowDays(ctx)
	nowUnixUTC := service.nowFn()
	windowDeposit, err := service.deposits.SumSuccessfulDeposits(ctx, userID, nowUnixUTC-int64(windowDays)*secondsPerDay, nowUnixUTC)
	if err != nil {
		return Info{}, err
	}
	ranks, err := service.store.ListRanks(ctx, true)
	if err != nil {
		return Info{}, err
	}
	profile, err := service.store.CollaboratorProfile(ctx, userID)
	if err != nil {
		return Info{}, err
	}
	info := Info{
		WindowDays:               windowDays,
		WindowDeposit:            windowDeposit,
		RankBonusPercent:         decimal.Zero,
		CollaboratorBonusPercent: decimal.Zero,
	}
	if profile.IsCollaborator {
		info.CollaboratorBonusPercent = profile.BonusPercent
	}
	sort.SliceStable(ranks, func(left, right int) bool {
		return ranks[left].MinDeposit < ranks[right].MinDeposit
	})
	for index := range ranks {
		candidate := ranks[index]
		if candidate.MinDeposit <= windowDeposit {
			info.Rank = &candidate
			info.RankBonusPercent = candidate.BonusPercent
			continue
		}
		info.NextRank = &candidate
		info.AmountToNextRank = candidate.MinDeposit - windowDeposit
		break
	}
	return info, nil
}

// CalculateDepositBonus returns floor(amount * (rank% + collaborator%) / 100).
func (service *Service) CalculateDepositBonus(ctx context.Context, userID ledger.UserID, amount ledger.Amount) (ledger.Amount, error) {
	if amount <= 0 {
		return 0, nil
	}
	info, err := service.UserRankInfo(ctx, userID)
	if err != nil {
		return 0, err
	}
	return BonusFor(amount, info.BonusPercent()), nil
}

// BonusFor applies percent to amount, flooring to the smallest currency unit.
func BonusFor(amount ledger.Amount, percent decimal.Decimal) ledger.Amount {
	if !percent.IsPositive() || amount <= 0 {
		return 0
	}
	return ledger.Amount(decimal.NewFromInt(amount.Int64()).Mul(percent).Shift(-2).Floor().IntPart())
}

// ListRanks returns every rank, active or not, ordered by minimum deposit.
func (service *Service) ListRanks(ctx context.Context) ([]Rank, error) {
	ranks, err := service.store.ListRanks(ctx, false)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ranks, func(left, right int) bool {
		return ranks[left].MinDeposit < ranks[right].MinDeposit
	})
	return ranks, nil
}

// SaveRank validates and upserts a rank.
func (service *Service) SaveRank(ctx context.Context, rank Rank) (Rank, error) {
	if err := rank.Validate(); err != nil {
		return Rank{}, err
	}
	if rank.Status == "" {
		rank.Status = StatusActive
	}
	return service.store.SaveRank(ctx, rank)
}

// SetCollaborator marks a user as collaborator with percent, or clears the flag when enabled is false.
func (service *Service) SetCollaborator(ctx context.Context, userID ledger.UserID, enabled bool, percent decimal.Decimal) error {
	if err := ValidatePercent(percent); err != nil {
		return err
	}
	if !enabled {
		percent = decimal.Zero
	}
	return service.store.SaveCollaboratorProfile(ctx, CollaboratorProfile{UserID: userID, IsCollaborator: enabled, BonusPercent: percent})
}
