package rank

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
)

const (
	rankUserValue        = "rank-user"
	nowUnix              = int64(1_700_000_000)
	errorMismatchMessage = "expected %v, got %v"
)

type stubStore struct {
	ranks    []Rank
	profiles map[string]CollaboratorProfile
	listErr  error
}

func (store *stubStore) ListRanks(_ context.Context, activeOnly bool) ([]Rank, error) {
	if store.listErr != nil {
		return nil, store.listErr
	}
	var listed []Rank
	for _, rank := range store.ranks {
		if activeOnly && rank.Status != StatusActive {
			continue
		}
		listed = append(listed, rank)
	}
	return listed, nil
}

func (store *stubStore) SaveRank(_ context.Context, rank Rank) (Rank, error) {
	rank.ID = int64(len(store.ranks) + 1)
	store.ranks = append(store.ranks, rank)
	return rank, nil
}

func (store *stubStore) CollaboratorProfile(_ context.Context, userID ledger.UserID) (CollaboratorProfile, error) {
	profile, ok := store.profiles[userID.String()]
	if !ok {
		return CollaboratorProfile{UserID: userID, BonusPercent: decimal.Zero}, nil
	}
	return profile, nil
}

func (store *stubStore) SaveCollaboratorProfile(_ context.Context, profile CollaboratorProfile) error {
	if store.profiles == nil {
		store.profiles = map[string]CollaboratorProfile{}
	}
	store.profiles[profile.UserID.String()] = profile
	return nil
}

type stubDeposits struct {
	total    ledger.Amount
	fromUnix int64
	toUnix   int64
}

func (deposits *stubDeposits) SumSuccessfulDeposits(_ context.Context, _ ledger.UserID, fromUnixUTC int64, toUnixUTC int64) (ledger.Amount, error) {
	deposits.fromUnix = fromUnixUTC
	deposits.toUnix = toUnixUTC
	return deposits.total, nil
}

type fixedWindow int

func (window fixedWindow) RankWindowDays(context.Context) int {
	return int(window)
}

func ladder() []Rank {
	return []Rank{
		{ID: 3, Name: "Gold", MinDeposit: 5_000_000, BonusPercent: decimal.NewFromInt(10), Status: StatusActive},
		{ID: 1, Name: "Bronze", MinDeposit: 0, BonusPercent: decimal.NewFromInt(2), Status: StatusActive},
		{ID: 2, Name: "Silver", MinDeposit: 1_000_000, BonusPercent: decimal.NewFromInt(5), Status: StatusActive},
		{ID: 4, Name: "Retired", MinDeposit: 2_000_000, BonusPercent: decimal.NewFromInt(50), Status: StatusInactive},
	}
}

func mustService(test *testing.T, store Store, deposits DepositHistory) *Service {
	test.Helper()
	service, err := NewService(store, deposits, fixedWindow(7), func() int64 { return nowUnix })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(rankUserValue)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func TestDepositBonusCombinesRankAndCollaborator(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test)
	store := &stubStore{ranks: ladder(), profiles: map[string]CollaboratorProfile{
		rankUserValue: {UserID: userID, IsCollaborator: true, BonusPercent: decimal.NewFromInt(3)},
	}}
	service := mustService(test, store, &stubDeposits{total: 1_200_000})

	bonus, err := service.CalculateDepositBonus(context.Background(), userID, 100_000)
	if err != nil {
		test.Fatalf("bonus: %v", err)
	}
	if bonus != 8000 {
		test.Fatalf("expected 8000 bonus, got %d", bonus)
	}
}

func TestUserRankInfoPicksHighestQualifyingActiveRank(test *testing.T) {
	test.Parallel()
	deposits := &stubDeposits{total: 3_000_000}
	service := mustService(test, &stubStore{ranks: ladder()}, deposits)

	info, err := service.UserRankInfo(context.Background(), mustUserID(test))
	if err != nil {
		test.Fatalf("rank info: %v", err)
	}
	if info.Rank == nil || info.Rank.Name != "Silver" {
		test.Fatalf("expected Silver, got %+v", info.Rank)
	}
	if info.NextRank == nil || info.NextRank.Name != "Gold" || info.AmountToNextRank != 2_000_000 {
		test.Fatalf("unexpected next rank %+v (%d)", info.NextRank, info.AmountToNextRank)
	}
	if deposits.toUnix-deposits.fromUnix != 7*secondsPerDay {
		test.Fatalf("expected a 7 day window, got %d seconds", deposits.toUnix-deposits.fromUnix)
	}
	if !info.BonusPercent().Equal(decimal.NewFromInt(5)) {
		test.Fatalf("expected 5%% bonus, got %s", info.BonusPercent())
	}
}

func TestNoRanksMeansNoBonus(test *testing.T) {
	test.Parallel()
	service := mustService(test, &stubStore{}, &stubDeposits{total: 99_000_000})

	info, err := service.UserRankInfo(context.Background(), mustUserID(test))
	if err != nil {
		test.Fatalf("rank info: %v", err)
	}
	if info.Rank != nil || info.NextRank != nil {
		test.Fatalf("expected no rank, got %+v", info)
	}
	bonus, err := service.CalculateDepositBonus(context.Background(), mustUserID(test), 100_000)
	if err != nil || bonus != 0 {
		test.Fatalf("expected zero bonus, got %d (%v)", bonus, err)
	}
}

func TestBonusForFloors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		amount  ledger.Amount
		percent string
		want    ledger.Amount
	}{
		{amount: 100_000, percent: "8", want: 8000},
		{amount: 999, percent: "2.5", want: 24},
		{amount: 1, percent: "99", want: 0},
		{amount: 10_000, percent: "0", want: 0},
		{amount: 0, percent: "10", want: 0},
	}
	for _, testCase := range testCases {
		got := BonusFor(testCase.amount, decimal.RequireFromString(testCase.percent))
		if got != testCase.want {
			test.Fatalf("%d @ %s%%: expected %d, got %d", testCase.amount, testCase.percent, testCase.want, got)
		}
	}
}

func TestSaveRankAndCollaboratorValidation(test *testing.T) {
	test.Parallel()
	store := &stubStore{}
	service := mustService(test, store, &stubDeposits{})
	ctx := context.Background()

	if _, err := service.SaveRank(ctx, Rank{Name: "", BonusPercent: decimal.NewFromInt(1)}); !errors.Is(err, ErrInvalidRank) {
		test.Fatalf(errorMismatchMessage, ErrInvalidRank, err)
	}
	if _, err := service.SaveRank(ctx, Rank{Name: "Huge", BonusPercent: decimal.NewFromInt(101)}); !errors.Is(err, ErrInvalidBonusPercent) {
		test.Fatalf(errorMismatchMessage, ErrInvalidBonusPercent, err)
	}
	saved, err := service.SaveRank(ctx, Rank{Name: "Bronze", BonusPercent: decimal.NewFromInt(1)})
	if err != nil || saved.Status != StatusActive {
		test.Fatalf("expected active saved rank, got %+v (%v)", saved, err)
	}
	if err := service.SetCollaborator(ctx, mustUserID(test), true, decimal.NewFromInt(-1)); !errors.Is(err, ErrInvalidBonusPercent) {
		test.Fatalf(errorMismatchMessage, ErrInvalidBonusPercent, err)
	}
	if err := service.SetCollaborator(ctx, mustUserID(test), false, decimal.NewFromInt(40)); err != nil {
		test.Fatalf("clear collaborator: %v", err)
	}
	if profile := store.profiles[rankUserValue]; profile.IsCollaborator || !profile.BonusPercent.IsZero() {
		test.Fatalf("expected cleared profile, got %+v", profile)
	}
}

func TestRankInfoPropagatesStoreErrors(test *testing.T) {
	test.Parallel()
	storeErr := errors.New("store down")
	service := mustService(test, &stubStore{listErr: storeErr}, &stubDeposits{})
	if _, err := service.CalculateDepositBonus(context.Background(), mustUserID(test), 10); !errors.Is(err, storeErr) {
		test.Fatalf(errorMismatchMessage, storeErr, err)
	}
}
