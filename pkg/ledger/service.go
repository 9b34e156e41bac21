package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const transactionCodePrefix = "TXN-"

var (
	creditTypes = map[TransactionType]bool{TransactionDeposit: true, TransactionRefund: true, TransactionAdminAdjust: true}
	debitTypes  = map[TransactionType]bool{TransactionPurchase: true, TransactionAdminAdjust: true}
)

// Service contains the wallet domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	codeFn func() string
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, codeFn: newTransactionCode}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Wallet returns the wallet of userID, creating an empty one on first access.
func (service *Service) Wallet(ctx context.Context, userID UserID) (Wallet, error) {
	return service.store.GetWallet(ctx, userID)
}

// Transaction returns a single transaction by code.
func (service *Service) Transaction(ctx context.Context, code TransactionCode) (Transaction, error) {
	return service.store.GetTransaction(ctx, code)
}

// ListTransactions returns the newest transactions created strictly before beforeUnixUTC (0 means now).
func (service *Service) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	if beforeUnixUTC <= 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	return service.store.ListTransactions(ctx, userID, beforeUnixUTC, limit)
}

// SumSuccessfulDeposits totals the SUCCESS deposits completed within [fromUnixUTC, toUnixUTC].
func (service *Service) SumSuccessfulDeposits(ctx context.Context, userID UserID, fromUnixUTC int64, toUnixUTC int64) (Amount, error) {
	return service.store.SumSuccessfulDeposits(ctx, userID, fromUnixUTC, toUnixUTC)
}

// Credit increases the balance under the wallet lock and records a SUCCESS transaction.
func (service *Service) Credit(ctx context.Context, userID UserID, amount Amount, posting Posting) (Transaction, error) {
	var transaction Transaction
	operationError := service.validatePosting(amount, posting, creditTypes)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			var err error
			transaction, err = service.applyCredit(ctx, transactionStore, userID, amount, posting)
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:       operationCredit,
		UserID:          userID,
		TransactionCode: transaction.Code,
		Type:            posting.Type,
		Amount:          amount.Int64(),
		Error:           operationError,
	})
	return transaction, operationError
}

// Debit decreases the balance under the wallet lock; it refuses locked wallets and overdrafts.
func (service *Service) Debit(ctx context.Context, userID UserID, amount Amount, posting Posting) (Transaction, error) {
	var transaction Transaction
	operationError := service.validatePosting(amount, posting, debitTypes)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			var err error
			transaction, err = service.applyDebit(ctx, transactionStore, userID, amount, posting, true)
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:       operationDebit,
		UserID:          userID,
		TransactionCode: transaction.Code,
		Type:            posting.Type,
		Amount:          amount.Int64(),
		Error:           operationError,
	})
	return transaction, operationError
}

// OpenPendingDeposit records a PENDING deposit; the balance is untouched until confirmation.
func (service *Service) OpenPendingDeposit(ctx context.Context, deposit PendingDeposit) (Transaction, error) {
	var transaction Transaction
	var operationError error
	if deposit.Amount <= 0 {
		operationError = fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			wallet, err := transactionStore.LockWallet(ctx, deposit.UserID)
			if err != nil {
				return err
			}
			if deposit.MaxPending > 0 {
				pendingCount, err := transactionStore.CountPendingTransactions(ctx, deposit.UserID, TransactionDeposit)
				if err != nil {
					return err
				}
				if pendingCount >= int64(deposit.MaxPending) {
					return fmt.Errorf("%w: %d pending", ErrTooManyPendingDeposits, pendingCount)
				}
			}
			transaction = Transaction{
				Code:           deposit.Code,
				UserID:         deposit.UserID,
				Type:           TransactionDeposit,
				Amount:         deposit.Amount,
				BalanceBefore:  wallet.Balance,
				Status:         TransactionPending,
				PaymentMethod:  deposit.PaymentMethod,
				Description:    deposit.Description,
				Metadata:       deposit.Metadata,
				CreatedUnixUTC: service.nowFn(),
			}
			return transactionStore.InsertTransaction(ctx, transaction)
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:       operationOpenDeposit,
		UserID:          deposit.UserID,
		TransactionCode: deposit.Code,
		Type:            TransactionDeposit,
		Amount:          deposit.Amount.Int64(),
		Error:           operationError,
	})
	return transaction, operationError
}

// ConfirmPendingDeposit moves a PENDING deposit to SUCCESS, credits amount plus bonus
// and records the gateway's payment reference. A terminal transaction is returned
// unchanged with Applied set to false. A reference already settled on another
// transaction yields ErrDuplicatePayment.
func (service *Service) ConfirmPendingDeposit(ctx context.Context, code TransactionCode, bonus Amount, paymentReference string) (DepositConfirmation, error) {
	var confirmation DepositConfirmation
	var operationError error
	reference := strings.TrimSpace(paymentReference)
	if bonus < 0 {
		operationError = fmt.Errorf("%w: bonus must not be negative", ErrInvalidAmount)
	}
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			transaction, err := transactionStore.LockTransaction(ctx, code)
			if err != nil {
				return err
			}
			if transaction.Type != TransactionDeposit {
				return fmt.Errorf("%w: %s is not a deposit", ErrInvalidTransactionType, code.String())
			}
			if transaction.Status.Terminal() {
				confirmation = DepositConfirmation{Transaction: transaction}
				return nil
			}
			if reference != "" {
				settled, err := transactionStore.FindByPaymentReference(ctx, reference)
				switch {
				case err == nil && settled.Code != code:
					return fmt.Errorf("%w: %s already settled %s", ErrDuplicatePayment, reference, settled.Code.String())
				case err != nil && !errors.Is(err, ErrTransactionNotFound):
					return err
				}
			}
			wallet, err := transactionStore.LockWallet(ctx, transaction.UserID)
			if err != nil {
				return err
			}
			nowUnixUTC := service.nowFn()
			balanceAfter := wallet.Balance + transaction.Amount + bonus
			transaction.BalanceBefore = wallet.Balance
			transaction.BalanceAfter = &balanceAfter
			transaction.Bonus = bonus
			transaction.PaymentReference = reference
			transaction.Status = TransactionSuccess
			transaction.CompletedUnixUTC = nowUnixUTC
			wallet.Balance = balanceAfter
			wallet.TotalDeposited += transaction.Amount
			wallet.UpdatedUnixUTC = nowUnixUTC
			if err := transactionStore.SaveWallet(ctx, wallet); err != nil {
				return err
			}
			if err := transactionStore.UpdateTransaction(ctx, transaction, TransactionPending); err != nil {
				return err
			}
			confirmation = DepositConfirmation{Transaction: transaction, Applied: true, NewBalance: wallet.Balance}
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:       operationConfirmDeposit,
		UserID:          confirmation.Transaction.UserID,
		TransactionCode: code,
		Type:            TransactionDeposit,
		Amount:          confirmation.Transaction.Amount.Int64() + bonus.Int64(),
		Error:           operationError,
	})
	return confirmation, operationError
}

// FailPendingDeposit voids a PENDING deposit; terminal transactions yield ErrTransactionClosed.
func (service *Service) FailPendingDeposit(ctx context.Context, code TransactionCode, reason string) (Transaction, error) {
	var transaction Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		transaction, err = transactionStore.LockTransaction(ctx, code)
		if err != nil {
			return err
		}
		if !transaction.Status.CanTransitionTo(TransactionFailed) {
			return fmt.Errorf("%w: %s is %s", ErrTransactionClosed, code.String(), transaction.Status)
		}
		transaction.Status = TransactionFailed
		transaction.ErrorMessage = strings.TrimSpace(reason)
		transaction.CompletedUnixUTC = service.nowFn()
		return transactionStore.UpdateTransaction(ctx, transaction, TransactionPending)
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationFailDeposit,
		UserID:          transaction.UserID,
		TransactionCode: code,
		Type:            TransactionDeposit,
		Amount:          transaction.Amount.Int64(),
		Reason:          reason,
		Error:           operationError,
	})
	return transaction, operationError
}

// AdjustAdmin applies a signed correction. Negative adjustments ignore the wallet lock but never overdraw.
// The recorded amount is the magnitude; the balance snapshots carry the direction.
func (service *Service) AdjustAdmin(ctx context.Context, userID UserID, delta int64, reason string) (Transaction, error) {
	var transaction Transaction
	var operationError error
	trimmedReason := strings.TrimSpace(reason)
	switch {
	case delta == 0:
		operationError = fmt.Errorf("%w: adjustment must not be zero", ErrInvalidAmount)
	case trimmedReason == "":
		operationError = fmt.Errorf("%w: empty value", ErrInvalidReason)
	}
	if operationError == nil {
		posting := Posting{Type: TransactionAdminAdjust, Description: trimmedReason}
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			var err error
			if delta > 0 {
				transaction, err = service.applyCredit(ctx, transactionStore, userID, Amount(delta), posting)
			} else {
				transaction, err = service.applyDebit(ctx, transactionStore, userID, Amount(-delta), posting, false)
			}
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:       operationAdjustAdmin,
		UserID:          userID,
		TransactionCode: transaction.Code,
		Type:            TransactionAdminAdjust,
		Amount:          delta,
		Reason:          trimmedReason,
		Error:           operationError,
	})
	return transaction, operationError
}

// LockWallet blocks debits on the wallet until UnlockWallet.
func (service *Service) LockWallet(ctx context.Context, userID UserID, reason string) (Wallet, error) {
	return service.setLockState(ctx, operationLockWallet, userID, WalletLocked, strings.TrimSpace(reason))
}

// UnlockWallet clears the administrative lock.
func (service *Service) UnlockWallet(ctx context.Context, userID UserID) (Wallet, error) {
	return service.setLockState(ctx, operationUnlockWallet, userID, WalletUnlocked, "")
}

func (service *Service) setLockState(ctx context.Context, operation string, userID UserID, state LockState, reason string) (Wallet, error) {
	var wallet Wallet
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		wallet, err = transactionStore.LockWallet(ctx, userID)
		if err != nil {
			return err
		}
		wallet.LockState = state
		wallet.LockReason = reason
		wallet.UpdatedUnixUTC = service.nowFn()
		return transactionStore.SaveWallet(ctx, wallet)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operation,
		UserID:    userID,
		Reason:    reason,
		Error:     operationError,
	})
	return wallet, operationError
}

func (service *Service) applyCredit(ctx context.Context, transactionStore Store, userID UserID, amount Amount, posting Posting) (Transaction, error) {
	wallet, err := transactionStore.LockWallet(ctx, userID)
	if err != nil {
		return Transaction{}, err
	}
	nowUnixUTC := service.nowFn()
	transaction := service.newSettledTransaction(userID, wallet.Balance, wallet.Balance+amount, amount, posting, nowUnixUTC)
	wallet.Balance += amount
	switch posting.Type {
	case TransactionDeposit:
		wallet.TotalDeposited += amount
	case TransactionRefund:
		wallet.TotalSpent -= min(amount, wallet.TotalSpent)
	}
	wallet.UpdatedUnixUTC = nowUnixUTC
	if err := transactionStore.SaveWallet(ctx, wallet); err != nil {
		return Transaction{}, err
	}
	if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
		return Transaction{}, err
	}
	return transaction, nil
}

func (service *Service) applyDebit(ctx context.Context, transactionStore Store, userID UserID, amount Amount, posting Posting, enforceLock bool) (Transaction, error) {
	wallet, err := transactionStore.LockWallet(ctx, userID)
	if err != nil {
		return Transaction{}, err
	}
	if enforceLock && wallet.Locked() {
		return Transaction{}, walletLockedError(wallet.LockReason)
	}
	if wallet.Balance < amount {
		return Transaction{}, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, wallet.Balance, amount)
	}
	nowUnixUTC := service.nowFn()
	transaction := service.newSettledTransaction(userID, wallet.Balance, wallet.Balance-amount, amount, posting, nowUnixUTC)
	wallet.Balance -= amount
	if posting.Type == TransactionPurchase {
		wallet.TotalSpent += amount
	}
	wallet.UpdatedUnixUTC = nowUnixUTC
	if err := transactionStore.SaveWallet(ctx, wallet); err != nil {
		return Transaction{}, err
	}
	if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
		return Transaction{}, err
	}
	return transaction, nil
}

func (service *Service) newSettledTransaction(userID UserID, before Amount, after Amount, amount Amount, posting Posting, nowUnixUTC int64) Transaction {
	code := TransactionCode{value: service.codeFn()}
	return Transaction{
		Code:             code,
		UserID:           userID,
		Type:             posting.Type,
		Amount:           amount,
		BalanceBefore:    before,
		BalanceAfter:     &after,
		Status:           TransactionSuccess,
		OrderCode:        posting.OrderCode,
		Description:      posting.Description,
		Metadata:         posting.Metadata,
		CreatedUnixUTC:   nowUnixUTC,
		CompletedUnixUTC: nowUnixUTC,
	}
}

func (service *Service) validatePosting(amount Amount, posting Posting, allowed map[TransactionType]bool) error {
	if amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if !allowed[posting.Type] {
		return fmt.Errorf("%w: %q not allowed here", ErrInvalidTransactionType, posting.Type)
	}
	return nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func newTransactionCode() string {
	return transactionCodePrefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}
