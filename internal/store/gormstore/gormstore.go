// Package gormstore persists wallets, inventory, ranks, settings and orders with GORM.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
)

const (
	defaultMetadataJSON       = "{}"
	defaultLockTimeout        = 5 * time.Second
	dialectPostgres           = "postgres"
	pgUniqueViolationCode     = "23505"
	pgLockNotAvailableCode    = "55P03"
	pgDeadlockDetectedCode    = "40P01"
	pgSerializationFailure    = "40001"
	sqliteBusyCode            = 5
	sqliteLockedCode          = 6
	sqliteConstraintCode      = 19
	mysqlDuplicateEntryCode   = 1062
	mysqlLockWaitTimeoutCode  = 1205
	mysqlDeadlockCode         = 1213
	errorOperationStore       = "store"
	errorSubjectTransactionDB = "transaction"
	errorSubjectWallet        = "wallet"
	errorSubjectEntry         = "entry"
	errorSubjectProduct       = "product"
	errorSubjectItem          = "item"
	errorSubjectRank          = "rank"
	errorSubjectProfile       = "profile"
	errorSubjectSetting       = "setting"
	errorSubjectOrder         = "order"
	errorCodeBegin            = "begin"
	errorCodeContention       = "lock_contention"
	errorCodeCount            = "count"
	errorCodeDelete           = "delete"
	errorCodeDuplicate        = "duplicate"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeLock             = "lock"
	errorCodeLookup           = "lookup"
	errorCodeSave             = "save"
	errorCodeSum              = "sum"
	errorCodeUpdate           = "update"
)

type transactionContextKey struct{}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long a Postgres transaction waits for a row lock.
func WithLockTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		if timeout > 0 {
			store.lockTimeout = timeout
		}
	}
}

// Store is the root GORM store. Its InTransaction binds a database transaction to the
// context; every adapter obtained from the Store joins that transaction.
type Store struct {
	db          *gorm.DB
	lockTimeout time.Duration
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB, options ...Option) *Store {
	store := &Store{db: db, lockTimeout: defaultLockTimeout}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store
}

// DB exposes the underlying handle for migrations and health checks.
func (store *Store) DB() *gorm.DB {
	return store.db
}

// Ledger returns the ledger.Store adapter.
func (store *Store) Ledger() *LedgerStore {
	return &LedgerStore{root: store}
}

// Inventory returns the inventory.Store adapter.
func (store *Store) Inventory() *InventoryStore {
	return &InventoryStore{root: store}
}

// Orders returns the order persistence adapter.
func (store *Store) Orders() *OrderStore {
	return &OrderStore{root: store}
}

// Migrate creates or updates every table.
func (store *Store) Migrate(ctx context.Context) error {
	return store.db.WithContext(ctx).AutoMigrate(Models()...)
}

// InTransaction runs fn inside a transaction carried by ctx. A call made while a
// transaction is already bound opens a savepoint that rolls back alone when fn fails.
func (store *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	_, nested := transactionFrom(ctx)
	err := store.session(ctx).Transaction(func(transaction *gorm.DB) error {
		if !nested {
			if err := store.applyLockTimeout(transaction); err != nil {
				return wrapStoreError(errorSubjectTransactionDB, errorCodeBegin, err)
			}
		}
		return fn(context.WithValue(ctx, transactionContextKey{}, transaction))
	})
	if err != nil && isLockContention(err) && !errors.Is(err, ledger.ErrLockContention) {
		return wrapStoreError(errorSubjectTransactionDB, errorCodeContention, err)
	}
	return err
}

// join runs fn in the ambient transaction when there is one, otherwise in a new one.
func (store *Store) join(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := transactionFrom(ctx); ok {
		return fn(ctx)
	}
	return store.InTransaction(ctx, fn)
}

func (store *Store) session(ctx context.Context) *gorm.DB {
	if transaction, ok := transactionFrom(ctx); ok {
		return transaction.WithContext(ctx)
	}
	return store.db.WithContext(ctx)
}

func (store *Store) applyLockTimeout(transaction *gorm.DB) error {
	if transaction.Dialector.Name() != dialectPostgres {
		return nil
	}
	return transaction.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", store.lockTimeout.Milliseconds())).Error
}

func transactionFrom(ctx context.Context) (*gorm.DB, bool) {
	transaction, ok := ctx.Value(transactionContextKey{}).(*gorm.DB)
	return transaction, ok && transaction != nil
}

type sqlSum struct {
	Total int64
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		raw = defaultMetadataJSON
	}
	return datatypes.JSON([]byte(raw))
}

func toTime(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func toOptionalTime(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func fromOptionalTime(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.UTC().Unix()
}

func wrapStoreError(subject string, code string, err error) error {
	if isLockContention(err) && !errors.Is(err, ledger.ErrLockContention) {
		return ledger.WrapError(errorOperationStore, subject, errorCodeContention, fmt.Errorf("%w: %v", ledger.ErrLockContention, err))
	}
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntryCode
	}
	return false
}

func isLockContention(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailableCode, pgDeadlockDetectedCode, pgSerializationFailure:
			return true
		}
		return false
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		primary := sqliteErr.Code() & 0xFF
		return primary == sqliteBusyCode || primary == sqliteLockedCode
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlLockWaitTimeoutCode || mysqlErr.Number == mysqlDeadlockCode
	}
	return false
}
