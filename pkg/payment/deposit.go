// Package payment drives gateway deposits: opening them and settling them from webhooks.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
)

const (
	paymentMethodGateway     = "gateway"
	depositDescriptionPrefix = "Deposit "
	maxOrderCodeAttempts     = 3
	orderCodeRandomSpan      = 1000
)

// DepositIntent is returned to the user to complete payment.
type DepositIntent struct {
	TransactionCode ledger.TransactionCode
	OrderCode       int64
	Amount          int64
	PaymentLinkID   string
	CheckoutURL     string
	QRCode          string
}

// DepositOption configures a DepositService.
type DepositOption func(*DepositService)

// WithDepositLogger sets the zap logger.
func WithDepositLogger(logger *zap.Logger) DepositOption {
	return func(service *DepositService) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// WithOrderCodeGenerator overrides the numeric order code source.
func WithOrderCodeGenerator(generate func() int64) DepositOption {
	return func(service *DepositService) {
		if generate != nil {
			service.orderCodeFn = generate
		}
	}
}

// WithRedirectURLs sets the URLs the gateway sends the payer back to.
func WithRedirectURLs(returnURL string, cancelURL string) DepositOption {
	return func(service *DepositService) {
		service.returnURL = returnURL
		service.cancelURL = cancelURL
	}
}

// DepositService opens gateway deposits.
type DepositService struct {
	ledger      Ledger
	gateway     Gateway
	policy      DepositPolicy
	orderCodeFn func() int64
	returnURL   string
	cancelURL   string
	logger      *zap.Logger
}

// NewDepositService wires a DepositService.
func NewDepositService(wallets Ledger, gateway Gateway, policy DepositPolicy, options ...DepositOption) (*DepositService, error) {
	switch {
	case wallets == nil:
		return nil, fmt.Errorf("%w: ledger is nil", ErrInvalidServiceConfig)
	case gateway == nil:
		return nil, fmt.Errorf("%w: gateway is nil", ErrInvalidServiceConfig)
	case policy == nil:
		return nil, fmt.Errorf("%w: deposit policy is nil", ErrInvalidServiceConfig)
	}
	service := &DepositService{
		ledger:      wallets,
		gateway:     gateway,
		policy:      policy,
		orderCodeFn: newOrderCode,
		logger:      zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Deposit records a PENDING deposit and only then asks the gateway for a payment link,
// so no database lock is held across the network call. A gateway failure voids the deposit.
func (service *DepositService) Deposit(ctx context.Context, userID ledger.UserID, amount int64) (DepositIntent, error) {
	minimum, maximum := service.policy.DepositLimits(ctx)
	if amount < minimum || amount > maximum {
		return DepositIntent{}, fmt.Errorf("%w: %d not in [%d, %d]", ErrAmountOutOfRange, amount, minimum, maximum)
	}
	maxPending := service.policy.MaxPendingDeposits(ctx)

	var transaction ledger.Transaction
	var orderCode int64
	var err error
	for attempt := 0; attempt < maxOrderCodeAttempts; attempt++ {
		orderCode = service.orderCodeFn()
		var code ledger.TransactionCode
		code, err = ledger.NewTransactionCode(strconv.FormatInt(orderCode, 10))
		if err != nil {
			return DepositIntent{}, err
		}
		transaction, err = service.ledger.OpenPendingDeposit(ctx, ledger.PendingDeposit{
			UserID:        userID,
			Code:          code,
			Amount:        ledger.Amount(amount),
			PaymentMethod: paymentMethodGateway,
			Description:   depositDescriptionPrefix + code.String(),
			MaxPending:    maxPending,
		})
		if !errors.Is(err, ledger.ErrDuplicateTransaction) {
			break
		}
	}
	if err != nil {
		return DepositIntent{}, err
	}

	link, err := service.gateway.CreatePaymentLink(ctx, PaymentRequest{
		OrderCode:   orderCode,
		Amount:      amount,
		Description: transaction.Code.String(),
		ReturnURL:   service.returnURL,
		CancelURL:   service.cancelURL,
	})
	if err != nil {
		if _, failErr := service.ledger.FailPendingDeposit(ctx, transaction.Code, err.Error()); failErr != nil {
			service.logger.Error("void deposit after gateway failure",
				zap.String("transaction_code", transaction.Code.String()),
				zap.Error(failErr),
			)
		}
		return DepositIntent{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return DepositIntent{
		TransactionCode: transaction.Code,
		OrderCode:       orderCode,
		Amount:          amount,
		PaymentLinkID:   link.PaymentLinkID,
		CheckoutURL:     link.CheckoutURL,
		QRCode:          link.QRCode,
	}, nil
}

func newOrderCode() int64 {
	return time.Now().UnixMilli()*orderCodeRandomSpan + rand.Int64N(orderCodeRandomSpan)
}
