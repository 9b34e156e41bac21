package gormstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/inventory"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
)

const (
	fixedNowUnixUTC = int64(1_700_000_000)
	testUserValue   = "user-1"
	testProductID   = "mail-aged"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/vaultshop.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	store := New(db)
	if err := store.Migrate(context.Background()); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return store
}

func fixedClock() int64 {
	return fixedNowUnixUTC
}

type fixedTimeout struct{}

func (fixedTimeout) TransactionTimeout(context.Context) time.Duration {
	return 10 * time.Minute
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustProductID(test *testing.T, raw string) inventory.ProductID {
	test.Helper()
	productID, err := inventory.NewProductID(raw)
	if err != nil {
		test.Fatalf("product id: %v", err)
	}
	return productID
}

func mustLedgerService(test *testing.T, store *Store) *ledger.Service {
	test.Helper()
	service, err := ledger.NewService(store.Ledger(), fixedClock)
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	return service
}

func mustInventoryService(test *testing.T, store *Store) *inventory.Service {
	test.Helper()
	service, err := inventory.NewService(store.Inventory(), fixedClock)
	if err != nil {
		test.Fatalf("inventory service: %v", err)
	}
	return service
}

func mustFund(test *testing.T, service *ledger.Service, userID ledger.UserID, amount int64) {
	test.Helper()
	_, err := service.Credit(context.Background(), userID, ledger.Amount(amount), ledger.Posting{Type: ledger.TransactionRefund, Description: "seed"})
	if err != nil {
		test.Fatalf("fund: %v", err)
	}
}

func mustSeedProduct(test *testing.T, service *inventory.Service, price int64, minimum int64, maximum int64) inventory.Product {
	test.Helper()
	product, err := service.SaveProduct(context.Background(), inventory.Product{
		ID:                mustProductID(test, testProductID),
		Name:              "Aged mailbox",
		Price:             ledger.Amount(price),
		MinSecondaryStock: minimum,
		MaxSecondaryStock: maximum,
	})
	if err != nil {
		test.Fatalf("save product: %v", err)
	}
	return product
}

func TestInTransactionRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	service := mustLedgerService(test, store)
	userID := mustUserID(test, testUserValue)
	sentinel := errors.New("abort")

	err := store.InTransaction(context.Background(), func(ctx context.Context) error {
		if _, err := service.Credit(ctx, userID, 500, ledger.Posting{Type: ledger.TransactionRefund}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		test.Fatalf("expected sentinel, got %v", err)
	}
	wallet, err := service.Wallet(context.Background(), userID)
	if err != nil {
		test.Fatalf("wallet: %v", err)
	}
	if wallet.Balance != 0 {
		test.Fatalf("expected rollback to zero balance, got %d", wallet.Balance)
	}
}

func TestNestedInTransactionRollsBackOnlySavepoint(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	service := mustLedgerService(test, store)
	userID := mustUserID(test, testUserValue)
	sentinel := errors.New("unit failed")

	err := store.InTransaction(context.Background(), func(ctx context.Context) error {
		if _, err := service.Credit(ctx, userID, 300, ledger.Posting{Type: ledger.TransactionRefund}); err != nil {
			return err
		}
		nestedErr := store.InTransaction(ctx, func(ctx context.Context) error {
			if _, err := service.Credit(ctx, userID, 700, ledger.Posting{Type: ledger.TransactionRefund}); err != nil {
				return err
			}
			return sentinel
		})
		if !errors.Is(nestedErr, sentinel) {
			return errors.Join(errors.New("expected nested sentinel"), nestedErr)
		}
		return nil
	})
	if err != nil {
		test.Fatalf("outer transaction: %v", err)
	}
	wallet, err := service.Wallet(context.Background(), userID)
	if err != nil {
		test.Fatalf("wallet: %v", err)
	}
	if wallet.Balance != 300 {
		test.Fatalf("expected 300 after savepoint rollback, got %d", wallet.Balance)
	}
	history, err := service.ListTransactions(context.Background(), userID, 0, 10)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		test.Fatalf("expected one surviving transaction, got %d", len(history))
	}
}

func TestErrorClassification(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		err        error
		unique     bool
		contention bool
	}{
		{name: "pg unique", err: &pgconn.PgError{Code: pgUniqueViolationCode}, unique: true},
		{name: "pg lock timeout", err: &pgconn.PgError{Code: pgLockNotAvailableCode}, contention: true},
		{name: "pg deadlock", err: &pgconn.PgError{Code: pgDeadlockDetectedCode}, contention: true},
		{name: "pg serialization", err: &pgconn.PgError{Code: pgSerializationFailure}, contention: true},
		{name: "mysql duplicate", err: &mysql.MySQLError{Number: mysqlDuplicateEntryCode}, unique: true},
		{name: "mysql lock wait", err: &mysql.MySQLError{Number: mysqlLockWaitTimeoutCode}, contention: true},
		{name: "mysql deadlock", err: &mysql.MySQLError{Number: mysqlDeadlockCode}, contention: true},
		{name: "gorm duplicated key", err: gorm.ErrDuplicatedKey, unique: true},
		{name: "plain", err: errors.New("boom")},
		{name: "nil", err: nil},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := isUniqueViolation(testCase.err); got != testCase.unique {
				test.Fatalf("unique: expected %v, got %v", testCase.unique, got)
			}
			if got := isLockContention(testCase.err); got != testCase.contention {
				test.Fatalf("contention: expected %v, got %v", testCase.contention, got)
			}
		})
	}
}

func TestWrapStoreErrorMapsContention(test *testing.T) {
	test.Parallel()
	err := wrapStoreError(errorSubjectWallet, errorCodeLock, &pgconn.PgError{Code: pgLockNotAvailableCode})
	if !errors.Is(err, ledger.ErrLockContention) {
		test.Fatalf("expected lock contention, got %v", err)
	}
	if code := ledger.CodeOf(err); code != errorCodeContention {
		test.Fatalf("expected code %q, got %q", errorCodeContention, code)
	}
}
