package payment

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
)

var (
	ErrInvalidServiceConfig = errors.New("invalid payment service config")
	ErrInvalidWebhook       = errors.New("invalid webhook")
	ErrAmountOutOfRange     = errors.New("deposit amount out of range")
	ErrGatewayUnavailable   = errors.New("payment gateway unavailable")
)

// PaymentRequest asks the gateway for a checkout link.
type PaymentRequest struct {
	OrderCode   int64
	Amount      int64
	Description string
	ReturnURL   string
	CancelURL   string
}

// PaymentLink is the gateway's answer to a PaymentRequest.
type PaymentLink struct {
	PaymentLinkID string
	CheckoutURL   string
	QRCode        string
}

// Notification is a verified gateway webhook.
type Notification struct {
	OrderCode     string
	Paid          bool
	StatusCode    string
	StatusMessage string
	Amount        int64
	Reference     string
}

// Gateway creates payment links.
type Gateway interface {
	CreatePaymentLink(ctx context.Context, request PaymentRequest) (PaymentLink, error)
}

// WebhookVerifier authenticates and decodes a raw webhook body.
type WebhookVerifier interface {
	VerifyWebhook(ctx context.Context, payload []byte) (Notification, error)
}

// Ledger is the subset of the wallet ledger used by deposits.
type Ledger interface {
	Transaction(ctx context.Context, code ledger.TransactionCode) (ledger.Transaction, error)
	OpenPendingDeposit(ctx context.Context, deposit ledger.PendingDeposit) (ledger.Transaction, error)
	ConfirmPendingDeposit(ctx context.Context, code ledger.TransactionCode, bonus ledger.Amount, paymentReference string) (ledger.DepositConfirmation, error)
	FailPendingDeposit(ctx context.Context, code ledger.TransactionCode, reason string) (ledger.Transaction, error)
}

// BonusCalculator computes the rank bonus of a deposit.
type BonusCalculator interface {
	CalculateDepositBonus(ctx context.Context, userID ledger.UserID, amount ledger.Amount) (ledger.Amount, error)
}

// DepositPolicy supplies deposit limits.
type DepositPolicy interface {
	DepositLimits(ctx context.Context) (int64, int64)
	MaxPendingDeposits(ctx context.Context) int
}

// DepositSink receives confirmed deposits after commit.
type DepositSink interface {
	DepositSucceeded(ctx context.Context, userID string, amount int64, bonus int64, newBalance int64)
}
