package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidTransactionCode   = errors.New("invalid transaction code")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidStatusTransition  = errors.New("invalid status transition")
	ErrInvalidLockState         = errors.New("invalid lock state")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidReason            = errors.New("invalid reason")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrWalletNotFound           = errors.New("wallet not found")
	ErrWalletLocked             = errors.New("wallet locked")
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrTransactionClosed        = errors.New("transaction closed")
	ErrDuplicateTransaction     = errors.New("duplicate transaction")
	ErrDuplicatePayment         = errors.New("duplicate payment reference")
	ErrTooManyPendingDeposits   = errors.New("too many pending deposits")
	ErrLockContention           = errors.New("lock contention")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// CodeOf returns the stable code of the outermost OperationError in the chain, or "".
func CodeOf(err error) string {
	var operationError OperationError
	if errors.As(err, &operationError) {
		return operationError.Code()
	}
	return ""
}

func walletLockedError(reason string) error {
	if reason == "" {
		return WrapError(errorOperationService, errorSubjectWallet, errorCodeLocked, ErrWalletLocked)
	}
	return WrapError(errorOperationService, errorSubjectWallet, errorCodeLocked, fmt.Errorf("%w: %s", ErrWalletLocked, reason))
}
