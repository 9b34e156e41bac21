package payment

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
)

// Outcome classifies what a webhook delivery did.
type Outcome string

const (
	// OutcomeCredited means the deposit was confirmed by this delivery.
	OutcomeCredited Outcome = "credited"
	// OutcomeDuplicate means the deposit was already SUCCESS.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeVoided means the gateway reported failure and the deposit is FAILED.
	OutcomeVoided Outcome = "voided"
	// OutcomeLate means a success arrived for a deposit that already FAILED.
	OutcomeLate Outcome = "late"
	// OutcomeIgnored means the delivery references no known deposit.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeRetry means lock contention prevented processing; the gateway should redeliver.
	OutcomeRetry Outcome = "retry"
)

// Result is the processor's answer for one delivery.
type Result struct {
	Outcome     Outcome
	Transaction ledger.Transaction
	Bonus       ledger.Amount
}

// WebhookOption configures a WebhookProcessor.
type WebhookOption func(*WebhookProcessor)

// WithWebhookLogger sets the zap logger.
func WithWebhookLogger(logger *zap.Logger) WebhookOption {
	return func(processor *WebhookProcessor) {
		if logger != nil {
			processor.logger = logger
		}
	}
}

// WithDepositSink wires the post-commit notification target.
func WithDepositSink(sink DepositSink) WebhookOption {
	return func(processor *WebhookProcessor) {
		processor.sink = sink
	}
}

// WebhookProcessor settles deposits from gateway notifications. Redelivery of the
// same notification any number of times credits the wallet at most once.
type WebhookProcessor struct {
	ledger   Ledger
	bonus    BonusCalculator
	verifier WebhookVerifier
	sink     DepositSink
	logger   *zap.Logger
}

// NewWebhookProcessor wires a WebhookProcessor.
func NewWebhookProcessor(wallets Ledger, bonus BonusCalculator, verifier WebhookVerifier, options ...WebhookOption) (*WebhookProcessor, error) {
	switch {
	case wallets == nil:
		return nil, fmt.Errorf("%w: ledger is nil", ErrInvalidServiceConfig)
	case bonus == nil:
		return nil, fmt.Errorf("%w: bonus calculator is nil", ErrInvalidServiceConfig)
	case verifier == nil:
		return nil, fmt.Errorf("%w: webhook verifier is nil", ErrInvalidServiceConfig)
	}
	processor := &WebhookProcessor{ledger: wallets, bonus: bonus, verifier: verifier, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(processor)
		}
	}
	return processor, nil
}

// ProcessPayload verifies the raw body before anything is read from the ledger.
func (processor *WebhookProcessor) ProcessPayload(ctx context.Context, payload []byte) (Result, error) {
	notification, err := processor.verifier.VerifyWebhook(ctx, payload)
	if err != nil {
		if errors.Is(err, ErrInvalidWebhook) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	return processor.Process(ctx, notification)
}

// Process applies a verified notification.
func (processor *WebhookProcessor) Process(ctx context.Context, notification Notification) (Result, error) {
	code, err := ledger.NewTransactionCode(notification.OrderCode)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	logger := processor.logger.With(zap.String("transaction_code", code.String()))

	transaction, err := processor.ledger.Transaction(ctx, code)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			logger.Info("webhook for unknown transaction")
			return Result{Outcome: OutcomeIgnored}, err
		}
		return processor.retryOnContention(logger, Result{}, err)
	}
	if transaction.Type != ledger.TransactionDeposit {
		return Result{Transaction: transaction}, fmt.Errorf("%w: %s is not a deposit", ErrInvalidWebhook, code.String())
	}
	if transaction.Status == ledger.TransactionSuccess {
		return Result{Outcome: OutcomeDuplicate, Transaction: transaction}, nil
	}

	if !notification.Paid {
		return processor.void(ctx, logger, transaction, notification)
	}
	if notification.Amount != transaction.Amount.Int64() {
		logger.Warn("webhook amount mismatch",
			zap.Int64("expected_amount", transaction.Amount.Int64()),
			zap.Int64("webhook_amount", notification.Amount),
		)
		return Result{Transaction: transaction}, fmt.Errorf("%w: amount %d does not match %d", ErrInvalidWebhook, notification.Amount, transaction.Amount)
	}
	if transaction.Status == ledger.TransactionFailed {
		logger.Error("payment received for failed transaction, manual review required",
			zap.String("user_id", transaction.UserID.String()),
			zap.Int64("amount", transaction.Amount.Int64()),
			zap.String("reference", notification.Reference),
		)
		return Result{Outcome: OutcomeLate, Transaction: transaction}, nil
	}

	bonus, err := processor.bonus.CalculateDepositBonus(ctx, transaction.UserID, transaction.Amount)
	if err != nil {
		return processor.retryOnContention(logger, Result{Transaction: transaction}, err)
	}
	confirmation, err := processor.ledger.ConfirmPendingDeposit(ctx, code, bonus, notification.Reference)
	if errors.Is(err, ledger.ErrDuplicatePayment) {
		logger.Error("payment reference already settled, manual review required",
			zap.String("user_id", transaction.UserID.String()),
			zap.String("reference", notification.Reference),
		)
		return Result{Transaction: transaction}, fmt.Errorf("%w: %w", ErrInvalidWebhook, err)
	}
	if err != nil {
		return processor.retryOnContention(logger, Result{Transaction: transaction}, err)
	}
	if !confirmation.Applied {
		if confirmation.Transaction.Status == ledger.TransactionFailed {
			logger.Error("payment received for failed transaction, manual review required",
				zap.String("user_id", transaction.UserID.String()),
				zap.Int64("amount", transaction.Amount.Int64()),
			)
			return Result{Outcome: OutcomeLate, Transaction: confirmation.Transaction}, nil
		}
		return Result{Outcome: OutcomeDuplicate, Transaction: confirmation.Transaction}, nil
	}
	if processor.sink != nil {
		processor.sink.DepositSucceeded(ctx, transaction.UserID.String(), transaction.Amount.Int64(), bonus.Int64(), confirmation.NewBalance.Int64())
	}
	logger.Info("deposit credited",
		zap.String("user_id", transaction.UserID.String()),
		zap.Int64("amount", transaction.Amount.Int64()),
		zap.Int64("bonus", bonus.Int64()),
	)
	return Result{Outcome: OutcomeCredited, Transaction: confirmation.Transaction, Bonus: bonus}, nil
}

func (processor *WebhookProcessor) void(ctx context.Context, logger *zap.Logger, transaction ledger.Transaction, notification Notification) (Result, error) {
	if transaction.Status == ledger.TransactionFailed {
		return Result{Outcome: OutcomeVoided, Transaction: transaction}, fmt.Errorf("%w: gateway status %s", ErrInvalidWebhook, notification.StatusCode)
	}
	reason := fmt.Sprintf("gateway status %s: %s", notification.StatusCode, notification.StatusMessage)
	failed, err := processor.ledger.FailPendingDeposit(ctx, transaction.Code, reason)
	if err != nil && !errors.Is(err, ledger.ErrTransactionClosed) {
		return processor.retryOnContention(logger, Result{Transaction: transaction}, err)
	}
	if err == nil {
		transaction = failed
	}
	logger.Info("deposit voided by gateway", zap.String("status_code", notification.StatusCode))
	return Result{Outcome: OutcomeVoided, Transaction: transaction}, fmt.Errorf("%w: gateway status %s", ErrInvalidWebhook, notification.StatusCode)
}

// retryOnContention swallows lock contention into OutcomeRetry; other errors pass through.
func (processor *WebhookProcessor) retryOnContention(logger *zap.Logger, result Result, err error) (Result, error) {
	if errors.Is(err, ledger.ErrLockContention) {
		logger.Warn("webhook lock contention, awaiting redelivery", zap.Error(err))
		result.Outcome = OutcomeRetry
		return result, nil
	}
	return result, err
}
