package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
)

// LedgerStore implements ledger.Store.
type LedgerStore struct {
	root *Store
}

var _ ledger.Store = (*LedgerStore)(nil)

// WithTx joins the ambient transaction or opens one.
func (store *LedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.root.join(ctx, func(ctx context.Context) error {
		return fn(ctx, store)
	})
}

// GetWallet never writes; a user without a row reads as an unsaved zero wallet.
func (store *LedgerStore) GetWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	row, err := store.findWallet(ctx, userID, false)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Wallet{UserID: userID, LockState: ledger.WalletUnlocked}, nil
	}
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return domainWallet(row)
}

// LockWallet creates the zero wallet only after a not-found read; concurrent first
// accesses converge on the single row kept by the unique user index.
func (store *LedgerStore) LockWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	row, err := store.findWallet(ctx, userID, true)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		now := time.Now().UTC()
		seed := Wallet{UserID: userID.String(), LockState: string(ledger.WalletUnlocked), CreatedAt: now, UpdatedAt: now}
		createErr := store.root.session(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
			Create(&seed).Error
		if createErr != nil {
			return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInsert, createErr)
		}
		row, err = store.findWallet(ctx, userID, true)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, ledger.ErrWalletNotFound)
	}
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLock, err)
	}
	return domainWallet(row)
}

func (store *LedgerStore) findWallet(ctx context.Context, userID ledger.UserID, forUpdate bool) (Wallet, error) {
	query := store.root.session(ctx).Where("user_id = ?", userID.String())
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row Wallet
	err := query.Take(&row).Error
	return row, err
}

func domainWallet(row Wallet) (ledger.Wallet, error) {
	wallet, err := walletFromRow(row)
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet, nil
}

func (store *LedgerStore) SaveWallet(ctx context.Context, wallet ledger.Wallet) error {
	err := store.root.session(ctx).
		Model(&Wallet{}).
		Where("user_id = ?", wallet.UserID.String()).
		Updates(map[string]any{
			"balance":         wallet.Balance.Int64(),
			"total_deposited": wallet.TotalDeposited.Int64(),
			"total_spent":     wallet.TotalSpent.Int64(),
			"lock_state":      string(wallet.LockState),
			"lock_reason":     wallet.LockReason,
			"updated_at":      toTime(wallet.UpdatedUnixUTC),
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeSave, err)
	}
	return nil
}

func (store *LedgerStore) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	row := transactionRow(transaction)
	err := store.root.session(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *LedgerStore) GetTransaction(ctx context.Context, code ledger.TransactionCode) (ledger.Transaction, error) {
	return store.loadTransaction(ctx, code, false)
}

func (store *LedgerStore) LockTransaction(ctx context.Context, code ledger.TransactionCode) (ledger.Transaction, error) {
	return store.loadTransaction(ctx, code, true)
}

func (store *LedgerStore) loadTransaction(ctx context.Context, code ledger.TransactionCode, forUpdate bool) (ledger.Transaction, error) {
	query := store.root.session(ctx).Where("code = ?", code.String())
	errorCode := errorCodeGet
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		errorCode = errorCodeLock
	}
	var row Transaction
	if err := query.Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrTransactionNotFound)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectEntry, errorCode, err)
	}
	transaction, err := transactionFromRow(row)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *LedgerStore) UpdateTransaction(ctx context.Context, transaction ledger.Transaction, from ledger.TransactionStatus) error {
	updates := map[string]any{
		"status":            string(transaction.Status),
		"bonus":             transaction.Bonus.Int64(),
		"balance_before":    transaction.BalanceBefore.Int64(),
		"balance_after":     optionalAmount(transaction.BalanceAfter),
		"payment_reference": optionalString(transaction.PaymentReference),
		"error_message":     transaction.ErrorMessage,
		"completed_at":      toOptionalTime(transaction.CompletedUnixUTC),
	}
	result := store.root.session(ctx).
		Model(&Transaction{}).
		Where("code = ? AND status = ?", transaction.Code.String(), string(from)).
		Updates(updates)
	if isUniqueViolation(result.Error) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicatePayment)
	}
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, ledger.ErrTransactionClosed)
	}
	return nil
}

func (store *LedgerStore) FindByPaymentReference(ctx context.Context, reference string) (ledger.Transaction, error) {
	var row Transaction
	if err := store.root.session(ctx).Where("payment_reference = ?", reference).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, ledger.ErrTransactionNotFound)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	transaction, err := transactionFromRow(row)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *LedgerStore) CountPendingTransactions(ctx context.Context, userID ledger.UserID, transactionType ledger.TransactionType) (int64, error) {
	var count int64
	err := store.root.session(ctx).
		Model(&Transaction{}).
		Where("user_id = ? AND type = ? AND status = ?", userID.String(), string(transactionType), string(ledger.TransactionPending)).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeCount, err)
	}
	return count, nil
}

func (store *LedgerStore) ListStalePending(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	var rows []Transaction
	err := store.root.session(ctx).
		Where("status = ? AND created_at < ?", string(ledger.TransactionPending), time.Unix(createdBeforeUnixUTC, 0).UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return transactionsFromRows(rows)
}

// SumSuccessfulDeposits counts deposits by the time they settled.
func (store *LedgerStore) SumSuccessfulDeposits(ctx context.Context, userID ledger.UserID, fromUnixUTC int64, toUnixUTC int64) (ledger.Amount, error) {
	var sum sqlSum
	err := store.root.session(ctx).
		Model(&Transaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ? AND type = ? AND status = ?", userID.String(), string(ledger.TransactionDeposit), string(ledger.TransactionSuccess)).
		Where("completed_at >= ? AND completed_at <= ?", time.Unix(fromUnixUTC, 0).UTC(), time.Unix(toUnixUTC, 0).UTC()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return ledger.Amount(sum.Total), nil
}

func (store *LedgerStore) ListTransactions(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	var rows []Transaction
	err := store.root.session(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), time.Unix(beforeUnixUTC, 0).UTC()).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return transactionsFromRows(rows)
}

func walletFromRow(row Wallet) (ledger.Wallet, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Wallet{}, err
	}
	lockState, err := ledger.ParseLockState(row.LockState)
	if err != nil {
		return ledger.Wallet{}, err
	}
	return ledger.Wallet{
		UserID:         userID,
		Balance:        ledger.Amount(row.Balance),
		TotalDeposited: ledger.Amount(row.TotalDeposited),
		TotalSpent:     ledger.Amount(row.TotalSpent),
		LockState:      lockState,
		LockReason:     row.LockReason,
		CreatedUnixUTC: row.CreatedAt.UTC().Unix(),
		UpdatedUnixUTC: row.UpdatedAt.UTC().Unix(),
	}, nil
}

func transactionRow(transaction ledger.Transaction) Transaction {
	return Transaction{
		Code:             transaction.Code.String(),
		UserID:           transaction.UserID.String(),
		Type:             string(transaction.Type),
		Amount:           transaction.Amount.Int64(),
		Bonus:            transaction.Bonus.Int64(),
		BalanceBefore:    transaction.BalanceBefore.Int64(),
		BalanceAfter:     optionalAmount(transaction.BalanceAfter),
		Status:           string(transaction.Status),
		PaymentMethod:    transaction.PaymentMethod,
		PaymentReference: optionalString(transaction.PaymentReference),
		OrderCode:        transaction.OrderCode,
		Description:      transaction.Description,
		ErrorMessage:     transaction.ErrorMessage,
		Metadata:         datatypesJSON(transaction.Metadata.String()),
		CreatedAt:        toTime(transaction.CreatedUnixUTC),
		CompletedAt:      toOptionalTime(transaction.CompletedUnixUTC),
	}
}

func transactionFromRow(row Transaction) (ledger.Transaction, error) {
	code, err := ledger.NewTransactionCode(row.Code)
	if err != nil {
		return ledger.Transaction{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	status, err := ledger.ParseTransactionStatus(row.Status)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		Code:             code,
		UserID:           userID,
		Type:             transactionType,
		Amount:           ledger.Amount(row.Amount),
		Bonus:            ledger.Amount(row.Bonus),
		BalanceBefore:    ledger.Amount(row.BalanceBefore),
		BalanceAfter:     fromOptionalAmount(row.BalanceAfter),
		Status:           status,
		PaymentMethod:    row.PaymentMethod,
		PaymentReference: fromOptionalString(row.PaymentReference),
		OrderCode:        row.OrderCode,
		Description:      row.Description,
		ErrorMessage:     row.ErrorMessage,
		Metadata:         metadata,
		CreatedUnixUTC:   row.CreatedAt.UTC().Unix(),
		CompletedUnixUTC: fromOptionalTime(row.CompletedAt),
	}, nil
}

func transactionsFromRows(rows []Transaction) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := transactionFromRow(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func optionalAmount(amount *ledger.Amount) *int64 {
	if amount == nil {
		return nil
	}
	value := amount.Int64()
	return &value
}

func fromOptionalAmount(value *int64) *ledger.Amount {
	if value == nil {
		return nil
	}
	amount := ledger.Amount(*value)
	return &amount
}

// optionalString stores empty references as NULL so the unique index only covers real ones.
func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func fromOptionalString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
