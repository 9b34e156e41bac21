package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
)

// memoryStore serializes transactions and rolls back state when fn fails.
type memoryStore struct {
	txMu         sync.Mutex
	dataMu       sync.Mutex
	wallets      map[string]Wallet
	transactions map[string]Transaction
	order        []string
	lockCalls    int
}

func newMemoryStore(test *testing.T) *memoryStore {
	test.Helper()
	return &memoryStore{
		wallets:      map[string]Wallet{},
		transactions: map[string]Transaction{},
	}
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMu.Lock()
	defer store.txMu.Unlock()
	store.dataMu.Lock()
	walletSnapshot := make(map[string]Wallet, len(store.wallets))
	for key, value := range store.wallets {
		walletSnapshot[key] = value
	}
	transactionSnapshot := make(map[string]Transaction, len(store.transactions))
	for key, value := range store.transactions {
		transactionSnapshot[key] = value
	}
	orderSnapshot := append([]string(nil), store.order...)
	store.dataMu.Unlock()
	if err := fn(ctx, store); err != nil {
		store.dataMu.Lock()
		store.wallets = walletSnapshot
		store.transactions = transactionSnapshot
		store.order = orderSnapshot
		store.dataMu.Unlock()
		return err
	}
	return nil
}

func (store *memoryStore) GetWallet(_ context.Context, userID UserID) (Wallet, error) {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	wallet, ok := store.wallets[userID.String()]
	if !ok {
		return Wallet{UserID: userID, LockState: WalletUnlocked}, nil
	}
	return wallet, nil
}

func (store *memoryStore) LockWallet(_ context.Context, userID UserID) (Wallet, error) {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	store.lockCalls++
	return store.walletLocked(userID), nil
}

func (store *memoryStore) walletLocked(userID UserID) Wallet {
	wallet, ok := store.wallets[userID.String()]
	if !ok {
		wallet = Wallet{UserID: userID, LockState: WalletUnlocked}
		store.wallets[userID.String()] = wallet
	}
	return wallet
}

func (store *memoryStore) SaveWallet(_ context.Context, wallet Wallet) error {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	store.wallets[wallet.UserID.String()] = wallet
	return nil
}

func (store *memoryStore) InsertTransaction(_ context.Context, transaction Transaction) error {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	if _, exists := store.transactions[transaction.Code.String()]; exists {
		return ErrDuplicateTransaction
	}
	store.transactions[transaction.Code.String()] = transaction
	store.order = append(store.order, transaction.Code.String())
	return nil
}

func (store *memoryStore) GetTransaction(_ context.Context, code TransactionCode) (Transaction, error) {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	transaction, ok := store.transactions[code.String()]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return transaction, nil
}

func (store *memoryStore) LockTransaction(ctx context.Context, code TransactionCode) (Transaction, error) {
	return store.GetTransaction(ctx, code)
}

func (store *memoryStore) UpdateTransaction(_ context.Context, transaction Transaction, from TransactionStatus) error {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	stored, ok := store.transactions[transaction.Code.String()]
	if !ok {
		return ErrTransactionNotFound
	}
	if stored.Status != from {
		return ErrTransactionClosed
	}
	store.transactions[transaction.Code.String()] = transaction
	return nil
}

func (store *memoryStore) FindByPaymentReference(_ context.Context, reference string) (Transaction, error) {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	for _, transaction := range store.transactions {
		if transaction.PaymentReference == reference {
			return transaction, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (store *memoryStore) CountPendingTransactions(_ context.Context, userID UserID, transactionType TransactionType) (int64, error) {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	var count int64
	for _, transaction := range store.transactions {
		if transaction.UserID == userID && transaction.Type == transactionType && transaction.Status == TransactionPending {
			count++
		}
	}
	return count, nil
}

func (store *memoryStore) ListStalePending(_ context.Context, createdBeforeUnixUTC int64, limit int) ([]Transaction, error) {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	var stale []Transaction
	for _, code := range store.order {
		transaction := store.transactions[code]
		if transaction.Status == TransactionPending && transaction.CreatedUnixUTC < createdBeforeUnixUTC {
			stale = append(stale, transaction)
		}
		if len(stale) == limit {
			break
		}
	}
	return stale, nil
}

func (store *memoryStore) SumSuccessfulDeposits(_ context.Context, userID UserID, fromUnixUTC int64, toUnixUTC int64) (Amount, error) {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	var total Amount
	for _, transaction := range store.transactions {
		if transaction.UserID != userID || transaction.Type != TransactionDeposit || transaction.Status != TransactionSuccess {
			continue
		}
		if transaction.CompletedUnixUTC >= fromUnixUTC && transaction.CompletedUnixUTC <= toUnixUTC {
			total += transaction.Amount
		}
	}
	return total, nil
}

func (store *memoryStore) ListTransactions(_ context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	var listed []Transaction
	for index := len(store.order) - 1; index >= 0; index-- {
		transaction := store.transactions[store.order[index]]
		if transaction.UserID == userID && transaction.CreatedUnixUTC < beforeUnixUTC {
			listed = append(listed, transaction)
		}
	}
	sort.SliceStable(listed, func(left, right int) bool {
		return listed[left].CreatedUnixUTC > listed[right].CreatedUnixUTC
	})
	if len(listed) > limit {
		listed = listed[:limit]
	}
	return listed, nil
}

func (store *memoryStore) wallet(test *testing.T, userID UserID) Wallet {
	test.Helper()
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	wallet, ok := store.wallets[userID.String()]
	if !ok {
		test.Fatalf("wallet %s not found", userID.String())
	}
	return wallet
}

func (store *memoryStore) transactionCount() int {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	return len(store.transactions)
}

// failingStore fails every call with the configured error.
type failingStore struct {
	err error
}

func newFailingStore(test *testing.T, err error) *failingStore {
	test.Helper()
	return &failingStore{err: err}
}

func (store *failingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *failingStore) GetWallet(context.Context, UserID) (Wallet, error) {
	return Wallet{}, store.err
}

func (store *failingStore) LockWallet(context.Context, UserID) (Wallet, error) {
	return Wallet{}, store.err
}

func (store *failingStore) SaveWallet(context.Context, Wallet) error {
	return store.err
}

func (store *failingStore) InsertTransaction(context.Context, Transaction) error {
	return store.err
}

func (store *failingStore) GetTransaction(context.Context, TransactionCode) (Transaction, error) {
	return Transaction{}, store.err
}

func (store *failingStore) LockTransaction(context.Context, TransactionCode) (Transaction, error) {
	return Transaction{}, store.err
}

func (store *failingStore) UpdateTransaction(context.Context, Transaction, TransactionStatus) error {
	return store.err
}

func (store *failingStore) CountPendingTransactions(context.Context, UserID, TransactionType) (int64, error) {
	return 0, store.err
}

func (store *failingStore) ListStalePending(context.Context, int64, int) ([]Transaction, error) {
	return nil, store.err
}

func (store *failingStore) SumSuccessfulDeposits(context.Context, UserID, int64, int64) (Amount, error) {
	return 0, store.err
}

func (store *failingStore) ListTransactions(context.Context, UserID, int64, int) ([]Transaction, error) {
	return nil, store.err
}

func (store *failingStore) FindByPaymentReference(context.Context, string) (Transaction, error) {
	return Transaction{}, store.err
}

type clock struct {
	mu  sync.Mutex
	now int64
}

func newClock(start int64) *clock {
	return &clock{now: start}
}

func (c *clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(seconds int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += seconds
}

func mustNewService(test *testing.T, store Store, now func() int64, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustTransactionCode(test *testing.T, raw string) TransactionCode {
	test.Helper()
	code, err := NewTransactionCode(raw)
	if err != nil {
		test.Fatalf("transaction code: %v", err)
	}
	return code
}

func mustCredit(test *testing.T, service *Service, userID UserID, amount int64) Transaction {
	test.Helper()
	transaction, err := service.Credit(context.Background(), userID, Amount(amount), Posting{Type: TransactionRefund})
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	return transaction
}

func mustOpenDeposit(test *testing.T, service *Service, userID UserID, code string, amount int64) Transaction {
	test.Helper()
	transaction, err := service.OpenPendingDeposit(context.Background(), PendingDeposit{
		UserID: userID,
		Code:   mustTransactionCode(test, code),
		Amount: Amount(amount),
	})
	if err != nil {
		test.Fatalf("open deposit: %v", err)
	}
	return transaction
}
