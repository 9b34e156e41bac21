package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Amount is an integer quantity of the smallest currency unit.
type Amount int64

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// TransactionCode is the unique, externally visible transaction reference.
type TransactionCode struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewTransactionCode validates and normalizes a transaction code.
func NewTransactionCode(raw string) (TransactionCode, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionCode{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionCode)
	}
	return TransactionCode{value: trimmed}, nil
}

// String returns the normalized code.
func (code TransactionCode) String() string {
	return code.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob, "{}" for the zero value.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewPositiveAmount validates an amount and ensures it is strictly positive.
func NewPositiveAmount(raw int64) (Amount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// Int64 exposes the raw amount.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// TransactionType enumerates wallet transaction kinds.
type TransactionType string

const (
	TransactionDeposit     TransactionType = "deposit"
	TransactionPurchase    TransactionType = "purchase"
	TransactionAdminAdjust TransactionType = "admin_adjust"
	TransactionRefund      TransactionType = "refund"
)

// ParseTransactionType validates a stored or user-supplied transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.ToLower(strings.TrimSpace(raw))) {
	case TransactionDeposit:
		return TransactionDeposit, nil
	case TransactionPurchase:
		return TransactionPurchase, nil
	case TransactionAdminAdjust:
		return TransactionAdminAdjust, nil
	case TransactionRefund:
		return TransactionRefund, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// TransactionStatus defines the transaction lifecycle.
type TransactionStatus string

const (
	TransactionPending TransactionStatus = "pending"
	TransactionSuccess TransactionStatus = "success"
	TransactionFailed  TransactionStatus = "failed"
)

// ParseTransactionStatus validates a stored transaction status.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case TransactionPending:
		return TransactionPending, nil
	case TransactionSuccess:
		return TransactionSuccess, nil
	case TransactionFailed:
		return TransactionFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
	}
}

// Terminal reports whether no further transitions are allowed.
func (status TransactionStatus) Terminal() bool {
	return status == TransactionSuccess || status == TransactionFailed
}

// CanTransitionTo is true only for PENDING -> SUCCESS and PENDING -> FAILED.
func (status TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	return status == TransactionPending && next.Terminal()
}

// LockState is the administrative lock of a wallet.
type LockState string

const (
	WalletUnlocked LockState = "unlocked"
	WalletLocked   LockState = "locked"
)

// ParseLockState validates a stored lock state; empty maps to unlocked.
func ParseLockState(raw string) (LockState, error) {
	switch LockState(strings.ToLower(strings.TrimSpace(raw))) {
	case "", WalletUnlocked:
		return WalletUnlocked, nil
	case WalletLocked:
		return WalletLocked, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLockState, raw)
	}
}

// Wallet is the per-user balance row.
type Wallet struct {
	UserID         UserID
	Balance        Amount
	TotalDeposited Amount
	TotalSpent     Amount
	LockState      LockState
	LockReason     string
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// Locked reports whether debits are refused.
func (wallet Wallet) Locked() bool {
	return wallet.LockState == WalletLocked
}

// Direction tells whether a transaction adds to or takes from the balance.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// Transaction is an immutable-once-terminal record of a wallet movement.
// Amount is always a positive magnitude. BalanceAfter is nil until the
// transaction settles as SUCCESS.
type Transaction struct {
	Code             TransactionCode
	UserID           UserID
	Type             TransactionType
	Amount           Amount
	Bonus            Amount
	BalanceBefore    Amount
	BalanceAfter     *Amount
	Status           TransactionStatus
	PaymentMethod    string
	PaymentReference string
	OrderCode        string
	Description      string
	ErrorMessage     string
	Metadata         MetadataJSON
	CreatedUnixUTC   int64
	CompletedUnixUTC int64
}

// Direction derives the sign of the movement from the type and, for admin
// adjustments, from the balance snapshots.
func (transaction Transaction) Direction() Direction {
	switch transaction.Type {
	case TransactionPurchase:
		return DirectionDebit
	case TransactionAdminAdjust:
		if transaction.BalanceAfter != nil && *transaction.BalanceAfter < transaction.BalanceBefore {
			return DirectionDebit
		}
	}
	return DirectionCredit
}

// SettledBalance returns BalanceAfter and whether it is set.
func (transaction Transaction) SettledBalance() (Amount, bool) {
	if transaction.BalanceAfter == nil {
		return 0, false
	}
	return *transaction.BalanceAfter, true
}

// Posting carries the descriptive attributes of a credit or debit.
// OrderCode links purchase and refund rows to the order they belong to.
type Posting struct {
	Type        TransactionType
	OrderCode   string
	Description string
	Metadata    MetadataJSON
}

// PendingDeposit is the input for opening a gateway deposit.
type PendingDeposit struct {
	UserID        UserID
	Code          TransactionCode
	Amount        Amount
	PaymentMethod string
	Description   string
	MaxPending    int
	Metadata      MetadataJSON
}

// DepositConfirmation is the result of ConfirmPendingDeposit.
type DepositConfirmation struct {
	Transaction Transaction
	Applied     bool
	NewBalance  Amount
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// GetWallet returns the wallet, or an unsaved zero-balance wallet when none exists yet.
	GetWallet(ctx context.Context, userID UserID) (Wallet, error)
	// LockWallet returns the wallet holding an exclusive row lock for the surrounding
	// transaction, creating the zero-balance row on first access.
	LockWallet(ctx context.Context, userID UserID) (Wallet, error)
	SaveWallet(ctx context.Context, wallet Wallet) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	GetTransaction(ctx context.Context, code TransactionCode) (Transaction, error)
	LockTransaction(ctx context.Context, code TransactionCode) (Transaction, error)
	// UpdateTransaction persists the terminal fields when the stored status still equals from.
	UpdateTransaction(ctx context.Context, transaction Transaction, from TransactionStatus) error
	CountPendingTransactions(ctx context.Context, userID UserID, transactionType TransactionType) (int64, error)
	ListStalePending(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]Transaction, error)
	SumSuccessfulDeposits(ctx context.Context, userID UserID, fromUnixUTC int64, toUnixUTC int64) (Amount, error)
	ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error)
	// FindByPaymentReference returns ErrTransactionNotFound when no transaction carries reference.
	FindByPaymentReference(ctx context.Context, reference string) (Transaction, error)
}
