package gormstore

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/inventory"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/payment"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/purchase"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/rank"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/settings"
)

type trustingVerifier struct{}

func (trustingVerifier) VerifyWebhook(context.Context, []byte) (payment.Notification, error) {
	return payment.Notification{}, errors.New("payload verification is not used here")
}

func mustRankService(test *testing.T, store *Store, deposits rank.DepositHistory) *rank.Service {
	test.Helper()
	provider, err := settings.NewProvider(store)
	if err != nil {
		test.Fatalf("provider: %v", err)
	}
	service, err := rank.NewService(store, deposits, provider, fixedClock)
	if err != nil {
		test.Fatalf("rank service: %v", err)
	}
	return service
}

func TestWebhookCreditsDepositOnceWithRankBonus(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := newTestStore(test)
	wallets := mustLedgerService(test, store)
	ranks := mustRankService(test, store, wallets)
	for _, value := range []rank.Rank{
		{Name: "Bronze", MinDeposit: 0, BonusPercent: decimal.NewFromInt(2)},
		{Name: "Silver", MinDeposit: 500_000, BonusPercent: decimal.NewFromInt(5)},
	} {
		if _, err := ranks.SaveRank(ctx, value); err != nil {
			test.Fatalf("save rank: %v", err)
		}
	}
	processor, err := payment.NewWebhookProcessor(wallets, ranks, trustingVerifier{})
	if err != nil {
		test.Fatalf("processor: %v", err)
	}
	userID := mustUserID(test, testUserValue)
	code, _ := ledger.NewTransactionCode("1700000000001")
	if _, err := wallets.OpenPendingDeposit(ctx, ledger.PendingDeposit{UserID: userID, Code: code, Amount: 100_000}); err != nil {
		test.Fatalf("open: %v", err)
	}

	notification := payment.Notification{OrderCode: code.String(), Paid: true, StatusCode: "00", Amount: 100_000, Reference: "FT-1"}
	first, err := processor.Process(ctx, notification)
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	if first.Outcome != payment.OutcomeCredited || first.Bonus != 2_000 {
		test.Fatalf("unexpected first result %+v", first)
	}
	second, err := processor.Process(ctx, notification)
	if err != nil {
		test.Fatalf("redelivery: %v", err)
	}
	if second.Outcome != payment.OutcomeDuplicate {
		test.Fatalf("expected duplicate, got %s", second.Outcome)
	}
	wallet, err := wallets.Wallet(ctx, userID)
	if err != nil {
		test.Fatalf("wallet: %v", err)
	}
	if wallet.Balance != 102_000 || wallet.TotalDeposited != 100_000 {
		test.Fatalf("unexpected wallet %+v", wallet)
	}
	info, err := ranks.UserRankInfo(ctx, userID)
	if err != nil {
		test.Fatalf("rank info: %v", err)
	}
	if info.Rank == nil || info.Rank.Name != "Bronze" || info.AmountToNextRank != 400_000 {
		test.Fatalf("unexpected rank info %+v", info)
	}
}

func TestTransactionalPurchaseRejectsUnderfundedOrder(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := newTestStore(test)
	wallets := mustLedgerService(test, store)
	stock := mustInventoryService(test, store)
	product := mustSeedProduct(test, stock, 50_000, 1, 10)
	if _, err := stock.ImportBulk(ctx, product.ID, "one\ntwo\nthree"); err != nil {
		test.Fatalf("import: %v", err)
	}
	userID := mustUserID(test, testUserValue)
	mustFund(test, wallets, userID, 102_000)
	orchestrator, err := purchase.NewOrchestrator(wallets, stock, store.Orders(), fixedClock, purchase.WithUnitOfWork(store))
	if err != nil {
		test.Fatalf("orchestrator: %v", err)
	}

	_, err = orchestrator.Purchase(ctx, userID, product.ID, 3)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		test.Fatalf("expected insufficient balance, got %v", err)
	}
	wallet, err := wallets.Wallet(ctx, userID)
	if err != nil {
		test.Fatalf("wallet: %v", err)
	}
	if wallet.Balance != 102_000 || wallet.TotalSpent != 0 {
		test.Fatalf("expected untouched wallet, got %+v", wallet)
	}
	remaining, err := stock.CountAvailable(ctx, product.ID, inventory.TierSecondary)
	if err != nil {
		test.Fatalf("count: %v", err)
	}
	if remaining != 3 {
		test.Fatalf("expected every unit unsold, got %d", remaining)
	}
	history, err := wallets.ListTransactions(ctx, userID, 0, 10)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		test.Fatalf("expected only the seed credit, got %d", len(history))
	}
	orders, err := store.Orders().ListOrders(ctx, userID, 10)
	if err != nil {
		test.Fatalf("list orders: %v", err)
	}
	if len(orders) != 0 {
		test.Fatalf("expected no orders, got %+v", orders)
	}
}

func TestTransactionalPurchaseChargesOnce(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := newTestStore(test)
	wallets := mustLedgerService(test, store)
	stock := mustInventoryService(test, store)
	product := mustSeedProduct(test, stock, 50_000, 1, 10)
	if _, err := stock.ImportBulk(ctx, product.ID, "one\ntwo\nthree"); err != nil {
		test.Fatalf("import: %v", err)
	}
	userID := mustUserID(test, testUserValue)
	mustFund(test, wallets, userID, 152_000)
	orchestrator, err := purchase.NewOrchestrator(wallets, stock, store.Orders(), fixedClock, purchase.WithUnitOfWork(store))
	if err != nil {
		test.Fatalf("orchestrator: %v", err)
	}

	order, err := orchestrator.Purchase(ctx, userID, product.ID, 3)
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if order.Delivered != 3 || order.Status != purchase.StatusCompleted || order.Total != 150_000 {
		test.Fatalf("unexpected order %+v", order)
	}
	stored, err := store.Orders().GetOrder(ctx, order.Code)
	if err != nil {
		test.Fatalf("get order: %v", err)
	}
	if len(stored.Items) != 3 || stored.Items[0].Payload != "one" || stored.Items[2].Payload != "three" {
		test.Fatalf("unexpected stored items %+v", stored.Items)
	}
	history, err := wallets.ListTransactions(ctx, userID, 0, 10)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		test.Fatalf("expected seed credit plus one purchase debit, got %+v", history)
	}
	var debits []ledger.Transaction
	for _, entry := range history {
		if entry.Type == ledger.TransactionPurchase {
			debits = append(debits, entry)
		}
	}
	if len(debits) != 1 || debits[0].Amount != 150_000 || debits[0].OrderCode != order.Code || debits[0].Direction() != ledger.DirectionDebit {
		test.Fatalf("expected one purchase linked to the order, got %+v", debits)
	}
	wallet, err := wallets.Wallet(ctx, userID)
	if err != nil {
		test.Fatalf("wallet: %v", err)
	}
	if wallet.Balance != 2_000 || wallet.TotalSpent != 150_000 {
		test.Fatalf("unexpected wallet %+v", wallet)
	}
}

func TestPurchaseWithoutStockChargesNothing(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := newTestStore(test)
	wallets := mustLedgerService(test, store)
	stock := mustInventoryService(test, store)
	product := mustSeedProduct(test, stock, 50_000, 1, 10)
	userID := mustUserID(test, testUserValue)
	mustFund(test, wallets, userID, 500_000)
	orchestrator, err := purchase.NewOrchestrator(wallets, stock, store.Orders(), fixedClock, purchase.WithUnitOfWork(store))
	if err != nil {
		test.Fatalf("orchestrator: %v", err)
	}

	_, err = orchestrator.Purchase(ctx, userID, product.ID, 1)
	if !errors.Is(err, inventory.ErrNotEnoughStock) {
		test.Fatalf("expected not enough stock, got %v", err)
	}
	wallet, err := wallets.Wallet(ctx, userID)
	if err != nil {
		test.Fatalf("wallet: %v", err)
	}
	if wallet.Balance != 500_000 {
		test.Fatalf("expected untouched balance, got %d", wallet.Balance)
	}
}

func TestSettingsAndCollaboratorProfiles(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := newTestStore(test)
	if err := store.Set(ctx, settings.KeyRankWindowDays, "14"); err != nil {
		test.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, settings.KeyRankWindowDays, "30"); err != nil {
		test.Fatalf("overwrite: %v", err)
	}
	provider, err := settings.NewProvider(store)
	if err != nil {
		test.Fatalf("provider: %v", err)
	}
	if days := provider.RankWindowDays(ctx); days != 30 {
		test.Fatalf("expected 30 days, got %d", days)
	}
	if _, found, err := store.Lookup(ctx, "missing.key"); err != nil || found {
		test.Fatalf("expected missing key, got found=%v err=%v", found, err)
	}

	userID := mustUserID(test, testUserValue)
	profile, err := store.CollaboratorProfile(ctx, userID)
	if err != nil {
		test.Fatalf("profile: %v", err)
	}
	if profile.IsCollaborator {
		test.Fatalf("expected zero profile")
	}
	percent := decimal.RequireFromString("2.5")
	if err := store.SaveCollaboratorProfile(ctx, rank.CollaboratorProfile{UserID: userID, IsCollaborator: true, BonusPercent: percent}); err != nil {
		test.Fatalf("save profile: %v", err)
	}
	profile, err = store.CollaboratorProfile(ctx, userID)
	if err != nil {
		test.Fatalf("profile: %v", err)
	}
	if !profile.IsCollaborator || !profile.BonusPercent.Equal(percent) {
		test.Fatalf("unexpected profile %+v", profile)
	}
	if _, err := store.SaveRank(ctx, rank.Rank{ID: 42, Name: "Ghost"}); !errors.Is(err, rank.ErrRankNotFound) {
		test.Fatalf("expected rank not found, got %v", err)
	}
}
