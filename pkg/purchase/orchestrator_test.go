package purchase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/inventory"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
)

const (
	buyerValue           = "buyer-1"
	productValue         = "mail-aged"
	unitPrice            = 50_000
	errorMismatchMessage = "expected %v, got %v"
)

type fakeWallets struct {
	mu        sync.Mutex
	balances  map[string]ledger.Amount
	postings  []ledger.Posting
	creditErr error
	// quoted, when set, is the balance Wallet reports instead of the live one.
	quoted     ledger.Amount
	lockReason string
}

func (wallets *fakeWallets) Wallet(_ context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	wallets.mu.Lock()
	defer wallets.mu.Unlock()
	wallet := ledger.Wallet{UserID: userID, Balance: wallets.balances[userID.String()], LockState: ledger.WalletUnlocked}
	if wallets.quoted > 0 {
		wallet.Balance = wallets.quoted
	}
	if wallets.lockReason != "" {
		wallet.LockState = ledger.WalletLocked
		wallet.LockReason = wallets.lockReason
	}
	return wallet, nil
}

func (wallets *fakeWallets) Debit(_ context.Context, userID ledger.UserID, amount ledger.Amount, posting ledger.Posting) (ledger.Transaction, error) {
	wallets.mu.Lock()
	defer wallets.mu.Unlock()
	if wallets.balances[userID.String()] < amount {
		return ledger.Transaction{}, ledger.ErrInsufficientBalance
	}
	wallets.balances[userID.String()] -= amount
	wallets.postings = append(wallets.postings, posting)
	return ledger.Transaction{Type: posting.Type, Amount: amount}, nil
}

func (wallets *fakeWallets) Credit(_ context.Context, userID ledger.UserID, amount ledger.Amount, posting ledger.Posting) (ledger.Transaction, error) {
	wallets.mu.Lock()
	defer wallets.mu.Unlock()
	if wallets.creditErr != nil {
		return ledger.Transaction{}, wallets.creditErr
	}
	wallets.balances[userID.String()] += amount
	wallets.postings = append(wallets.postings, posting)
	return ledger.Transaction{Type: posting.Type, Amount: amount}, nil
}

func (wallets *fakeWallets) balance(userID string) ledger.Amount {
	wallets.mu.Lock()
	defer wallets.mu.Unlock()
	return wallets.balances[userID]
}

type fakeStock struct {
	mu           sync.Mutex
	product      inventory.Product
	secondary    []inventory.Item
	primary      []inventory.Item
	sold         []inventory.Item
	claimBudget  int
	replenishes  int
	reportedOver int64
}

func (stock *fakeStock) Product(_ context.Context, productID inventory.ProductID) (inventory.Product, error) {
	if productID != stock.product.ID {
		return inventory.Product{}, inventory.ErrProductNotFound
	}
	return stock.product, nil
}

func (stock *fakeStock) CountAvailable(_ context.Context, _ inventory.ProductID, tier inventory.Tier) (int64, error) {
	stock.mu.Lock()
	defer stock.mu.Unlock()
	if tier == inventory.TierPrimary {
		return int64(len(stock.primary)), nil
	}
	return int64(len(stock.secondary)) + stock.reportedOver, nil
}

func (stock *fakeStock) ClaimUnsoldItem(_ context.Context, claim inventory.Claim) (inventory.Item, error) {
	stock.mu.Lock()
	defer stock.mu.Unlock()
	if len(stock.secondary) == 0 || stock.claimBudget == 0 {
		return inventory.Item{}, inventory.ErrNotEnoughStock
	}
	stock.claimBudget--
	item := stock.secondary[0]
	stock.secondary = stock.secondary[1:]
	item.Sold = true
	item.BuyerID = claim.BuyerID.String()
	item.OrderCode = claim.OrderCode
	stock.sold = append(stock.sold, item)
	return item, nil
}

func (stock *fakeStock) Replenish(_ context.Context, _ inventory.ProductID) (inventory.Transfer, error) {
	stock.mu.Lock()
	defer stock.mu.Unlock()
	stock.replenishes++
	before := int64(len(stock.secondary))
	stock.secondary = append(stock.secondary, stock.primary...)
	moved := int64(len(stock.primary))
	stock.primary = nil
	return inventory.Transfer{SecondaryBefore: before, Moved: moved, SecondaryAfter: before + moved}, nil
}

type fakeOrders struct {
	orders []Order
}

func (orders *fakeOrders) InsertOrder(_ context.Context, order Order) error {
	orders.orders = append(orders.orders, order)
	return nil
}

// snapshotUnitOfWork restores wallets, stock and orders when fn fails, like a savepoint.
type snapshotUnitOfWork struct {
	wallets *fakeWallets
	stock   *fakeStock
	orders  *fakeOrders
}

func (unitOfWork *snapshotUnitOfWork) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	unitOfWork.wallets.mu.Lock()
	balances := make(map[string]ledger.Amount, len(unitOfWork.wallets.balances))
	for key, value := range unitOfWork.wallets.balances {
		balances[key] = value
	}
	postings := append([]ledger.Posting(nil), unitOfWork.wallets.postings...)
	unitOfWork.wallets.mu.Unlock()
	unitOfWork.stock.mu.Lock()
	secondary := append([]inventory.Item(nil), unitOfWork.stock.secondary...)
	sold := append([]inventory.Item(nil), unitOfWork.stock.sold...)
	budget := unitOfWork.stock.claimBudget
	unitOfWork.stock.mu.Unlock()
	orders := append([]Order(nil), unitOfWork.orders.orders...)

	if err := fn(ctx); err != nil {
		unitOfWork.wallets.mu.Lock()
		unitOfWork.wallets.balances = balances
		unitOfWork.wallets.postings = postings
		unitOfWork.wallets.mu.Unlock()
		unitOfWork.stock.mu.Lock()
		unitOfWork.stock.secondary = secondary
		unitOfWork.stock.sold = sold
		unitOfWork.stock.claimBudget = budget
		unitOfWork.stock.mu.Unlock()
		unitOfWork.orders.orders = orders
		return err
	}
	return nil
}

type fixture struct {
	wallets *fakeWallets
	stock   *fakeStock
	orders  *fakeOrders
	userID  ledger.UserID
	product inventory.ProductID
}

func newFixture(test *testing.T, balance ledger.Amount, secondary int) *fixture {
	test.Helper()
	userID, err := ledger.NewUserID(buyerValue)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	productID, err := inventory.NewProductID(productValue)
	if err != nil {
		test.Fatalf("product id: %v", err)
	}
	stock := &fakeStock{
		product:     inventory.Product{ID: productID, Name: "Aged mail", Price: unitPrice, Status: inventory.ProductActive},
		claimBudget: -1,
	}
	for index := 0; index < secondary; index++ {
		stock.secondary = append(stock.secondary, inventory.Item{ID: int64(index + 1), ProductID: productID, Payload: "payload", Tier: inventory.TierSecondary})
	}
	return &fixture{
		wallets: &fakeWallets{balances: map[string]ledger.Amount{buyerValue: balance}},
		stock:   stock,
		orders:  &fakeOrders{},
		userID:  userID,
		product: productID,
	}
}

func (fixture *fixture) orchestrator(test *testing.T, transactional bool) *Orchestrator {
	test.Helper()
	options := []Option{WithOrderCodeGenerator(func() string { return "ORD-TEST" })}
	if transactional {
		options = append(options, WithUnitOfWork(&snapshotUnitOfWork{wallets: fixture.wallets, stock: fixture.stock, orders: fixture.orders}))
	}
	orchestrator, err := NewOrchestrator(fixture.wallets, fixture.stock, fixture.orders, func() int64 { return 1_700_000_000 }, options...)
	if err != nil {
		test.Fatalf("new orchestrator: %v", err)
	}
	return orchestrator
}

func TestPurchaseDeliversAndCharges(test *testing.T) {
	test.Parallel()
	for _, transactional := range []bool{false, true} {
		fixture := newFixture(test, 200_000, 5)
		order, err := fixture.orchestrator(test, transactional).Purchase(context.Background(), fixture.userID, fixture.product, 3)
		if err != nil {
			test.Fatalf("transactional=%v purchase: %v", transactional, err)
		}
		if order.Delivered != 3 || order.Status != StatusCompleted || order.Total != 150_000 {
			test.Fatalf("transactional=%v unexpected order %+v", transactional, order)
		}
		if fixture.wallets.balance(buyerValue) != 50_000 {
			test.Fatalf("transactional=%v unexpected balance %d", transactional, fixture.wallets.balance(buyerValue))
		}
		if len(fixture.orders.orders) != 1 || fixture.stock.replenishes == 0 {
			test.Fatalf("transactional=%v expected persisted order and replenish", transactional)
		}
	}
}

func TestPurchaseWithoutStockChargesNothing(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, 200_000, 1)
	_, err := fixture.orchestrator(test, false).Purchase(context.Background(), fixture.userID, fixture.product, 2)
	if !errors.Is(err, inventory.ErrNotEnoughStock) {
		test.Fatalf(errorMismatchMessage, inventory.ErrNotEnoughStock, err)
	}
	if fixture.wallets.balance(buyerValue) != 200_000 || len(fixture.wallets.postings) != 0 {
		test.Fatalf("expected no charge")
	}
}

func TestPurchaseReplenishesBeforeGivingUp(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, 200_000, 0)
	fixture.stock.primary = []inventory.Item{{ID: 9, ProductID: fixture.product, Tier: inventory.TierPrimary}}
	order, err := fixture.orchestrator(test, false).Purchase(context.Background(), fixture.userID, fixture.product, 1)
	if err != nil || order.Delivered != 1 {
		test.Fatalf("expected delivery after replenish, got %+v %v", order, err)
	}
}

func TestFailedClaimIsCompensated(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, 100_000, 0)
	fixture.stock.reportedOver = 1

	_, err := fixture.orchestrator(test, false).Purchase(context.Background(), fixture.userID, fixture.product, 1)
	if !errors.Is(err, inventory.ErrNotEnoughStock) {
		test.Fatalf(errorMismatchMessage, inventory.ErrNotEnoughStock, err)
	}
	if balance := fixture.wallets.balance(buyerValue); balance != 100_000 {
		test.Fatalf("expected balance restored to 100000, got %d", balance)
	}
	if len(fixture.wallets.postings) != 2 ||
		fixture.wallets.postings[0].Type != ledger.TransactionPurchase ||
		fixture.wallets.postings[1].Type != ledger.TransactionRefund {
		test.Fatalf("expected debit and compensating refund, got %+v", fixture.wallets.postings)
	}
	if len(fixture.orders.orders) != 0 {
		test.Fatalf("undelivered order must not be persisted")
	}
}

func TestFailedClaimRollsBackInTransaction(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, 100_000, 0)
	fixture.stock.reportedOver = 1

	_, err := fixture.orchestrator(test, true).Purchase(context.Background(), fixture.userID, fixture.product, 1)
	if !errors.Is(err, inventory.ErrNotEnoughStock) {
		test.Fatalf(errorMismatchMessage, inventory.ErrNotEnoughStock, err)
	}
	if balance := fixture.wallets.balance(buyerValue); balance != 100_000 || len(fixture.wallets.postings) != 0 {
		test.Fatalf("expected rollback to leave no trace, balance %d postings %d", balance, len(fixture.wallets.postings))
	}
}

func TestStockRaceChargesOnlyDeliveredUnits(test *testing.T) {
	test.Parallel()
	for _, transactional := range []bool{false, true} {
		fixture := newFixture(test, 500_000, 3)
		fixture.stock.claimBudget = 2

		order, err := fixture.orchestrator(test, transactional).Purchase(context.Background(), fixture.userID, fixture.product, 3)
		if err != nil {
			test.Fatalf("transactional=%v purchase: %v", transactional, err)
		}
		if order.Delivered != 2 || order.Status != StatusPartial || order.Total != 100_000 {
			test.Fatalf("transactional=%v unexpected order %+v", transactional, order)
		}
		if balance := fixture.wallets.balance(buyerValue); balance != 400_000 {
			test.Fatalf("transactional=%v expected balance 400000, got %d", transactional, balance)
		}
		wantPostings := []ledger.TransactionType{ledger.TransactionPurchase, ledger.TransactionRefund}
		if transactional {
			wantPostings = wantPostings[:1]
		}
		if len(fixture.wallets.postings) != len(wantPostings) {
			test.Fatalf("transactional=%v unexpected postings %+v", transactional, fixture.wallets.postings)
		}
		for index, posting := range fixture.wallets.postings {
			if posting.Type != wantPostings[index] || posting.OrderCode != order.Code {
				test.Fatalf("transactional=%v posting %d: unexpected %+v", transactional, index, posting)
			}
		}
	}
}

func TestUnderfundedOrderIsRejectedWhole(test *testing.T) {
	test.Parallel()
	for _, transactional := range []bool{false, true} {
		fixture := newFixture(test, 120_000, 5)

		_, err := fixture.orchestrator(test, transactional).Purchase(context.Background(), fixture.userID, fixture.product, 3)
		if !errors.Is(err, ledger.ErrInsufficientBalance) {
			test.Fatalf("transactional=%v "+errorMismatchMessage, transactional, ledger.ErrInsufficientBalance, err)
		}
		if balance := fixture.wallets.balance(buyerValue); balance != 120_000 || len(fixture.wallets.postings) != 0 {
			test.Fatalf("transactional=%v expected no charge, balance %d postings %d", transactional, balance, len(fixture.wallets.postings))
		}
		if len(fixture.stock.sold) != 0 || len(fixture.stock.secondary) != 5 || len(fixture.orders.orders) != 0 {
			test.Fatalf("transactional=%v expected no units sold and no order", transactional)
		}
	}
}

func TestBalanceSpentAfterFundsCheckLeavesNoOrder(test *testing.T) {
	test.Parallel()
	for _, transactional := range []bool{false, true} {
		fixture := newFixture(test, 120_000, 5)
		fixture.wallets.quoted = 500_000

		_, err := fixture.orchestrator(test, transactional).Purchase(context.Background(), fixture.userID, fixture.product, 3)
		if !errors.Is(err, ledger.ErrInsufficientBalance) {
			test.Fatalf("transactional=%v "+errorMismatchMessage, transactional, ledger.ErrInsufficientBalance, err)
		}
		if balance := fixture.wallets.balance(buyerValue); balance != 120_000 || len(fixture.wallets.postings) != 0 {
			test.Fatalf("transactional=%v expected no charge, balance %d postings %d", transactional, balance, len(fixture.wallets.postings))
		}
		if len(fixture.stock.sold) != 0 || len(fixture.stock.secondary) != 5 || len(fixture.orders.orders) != 0 {
			test.Fatalf("transactional=%v expected claims released, sold %d", transactional, len(fixture.stock.sold))
		}
	}
}

func TestLockedWalletCannotPurchase(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, 500_000, 5)
	fixture.wallets.lockReason = "chargeback"

	_, err := fixture.orchestrator(test, false).Purchase(context.Background(), fixture.userID, fixture.product, 1)
	if !errors.Is(err, ledger.ErrWalletLocked) {
		test.Fatalf(errorMismatchMessage, ledger.ErrWalletLocked, err)
	}
	if len(fixture.stock.sold) != 0 || len(fixture.wallets.postings) != 0 {
		test.Fatalf("expected nothing sold or charged")
	}
}

func TestCompensationFailureIsReported(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, 100_000, 0)
	fixture.stock.reportedOver = 1
	fixture.wallets.creditErr = errors.New("database gone")

	_, err := fixture.orchestrator(test, false).Purchase(context.Background(), fixture.userID, fixture.product, 1)
	if !errors.Is(err, ErrCompensationFailed) {
		test.Fatalf(errorMismatchMessage, ErrCompensationFailed, err)
	}
}

func TestPurchaseValidatesInput(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, 100_000, 5)
	orchestrator := fixture.orchestrator(test, false)
	for _, quantity := range []int{0, -1, defaultMaxQuantity + 1} {
		if _, err := orchestrator.Purchase(context.Background(), fixture.userID, fixture.product, quantity); !errors.Is(err, ErrInvalidQuantity) {
			test.Fatalf("quantity %d: "+errorMismatchMessage, quantity, ErrInvalidQuantity, err)
		}
	}
	fixture.stock.product.Status = inventory.ProductInactive
	if _, err := orchestrator.Purchase(context.Background(), fixture.userID, fixture.product, 1); !errors.Is(err, inventory.ErrProductInactive) {
		test.Fatalf(errorMismatchMessage, inventory.ErrProductInactive, err)
	}
	if _, err := NewOrchestrator(nil, fixture.stock, fixture.orders, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
}

func TestInsufficientBalanceChargesNothing(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, 10_000, 5)
	_, err := fixture.orchestrator(test, true).Purchase(context.Background(), fixture.userID, fixture.product, 1)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		test.Fatalf(errorMismatchMessage, ledger.ErrInsufficientBalance, err)
	}
	if len(fixture.stock.sold) != 0 {
		test.Fatalf("no item may be sold without payment")
	}
}
