package payment

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
)

type fakeLedger struct {
	mu           sync.Mutex
	transactions map[string]ledger.Transaction
	balances     map[string]ledger.Amount
	references   map[string]string
	confirmErr   error
	openErrs     []error
	confirmCalls int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		transactions: map[string]ledger.Transaction{},
		balances:     map[string]ledger.Amount{},
		references:   map[string]string{},
	}
}

func (fake *fakeLedger) Transaction(_ context.Context, code ledger.TransactionCode) (ledger.Transaction, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	transaction, ok := fake.transactions[code.String()]
	if !ok {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return transaction, nil
}

func (fake *fakeLedger) OpenPendingDeposit(_ context.Context, deposit ledger.PendingDeposit) (ledger.Transaction, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.openErrs) > 0 {
		err := fake.openErrs[0]
		fake.openErrs = fake.openErrs[1:]
		if err != nil {
			return ledger.Transaction{}, err
		}
	}
	transaction := ledger.Transaction{
		Code:   deposit.Code,
		UserID: deposit.UserID,
		Type:   ledger.TransactionDeposit,
		Amount: deposit.Amount,
		Status: ledger.TransactionPending,
	}
	fake.transactions[deposit.Code.String()] = transaction
	return transaction, nil
}

func (fake *fakeLedger) ConfirmPendingDeposit(_ context.Context, code ledger.TransactionCode, bonus ledger.Amount, paymentReference string) (ledger.DepositConfirmation, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.confirmCalls++
	if fake.confirmErr != nil {
		return ledger.DepositConfirmation{}, fake.confirmErr
	}
	transaction, ok := fake.transactions[code.String()]
	if !ok {
		return ledger.DepositConfirmation{}, ledger.ErrTransactionNotFound
	}
	if transaction.Status.Terminal() {
		return ledger.DepositConfirmation{Transaction: transaction}, nil
	}
	if settled, taken := fake.references[paymentReference]; paymentReference != "" && taken && settled != code.String() {
		return ledger.DepositConfirmation{}, ledger.ErrDuplicatePayment
	}
	userKey := transaction.UserID.String()
	transaction.BalanceBefore = fake.balances[userKey]
	fake.balances[userKey] += transaction.Amount + bonus
	balanceAfter := fake.balances[userKey]
	transaction.BalanceAfter = &balanceAfter
	transaction.Bonus = bonus
	transaction.PaymentReference = paymentReference
	if paymentReference != "" {
		fake.references[paymentReference] = code.String()
	}
	transaction.Status = ledger.TransactionSuccess
	fake.transactions[code.String()] = transaction
	return ledger.DepositConfirmation{Transaction: transaction, Applied: true, NewBalance: fake.balances[userKey]}, nil
}

func (fake *fakeLedger) FailPendingDeposit(_ context.Context, code ledger.TransactionCode, reason string) (ledger.Transaction, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	transaction, ok := fake.transactions[code.String()]
	if !ok {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	if transaction.Status != ledger.TransactionPending {
		return transaction, ledger.ErrTransactionClosed
	}
	transaction.Status = ledger.TransactionFailed
	transaction.ErrorMessage = reason
	fake.transactions[code.String()] = transaction
	return transaction, nil
}

func (fake *fakeLedger) status(test *testing.T, code string) ledger.TransactionStatus {
	test.Helper()
	fake.mu.Lock()
	defer fake.mu.Unlock()
	transaction, ok := fake.transactions[code]
	if !ok {
		test.Fatalf("transaction %s not found", code)
	}
	return transaction.Status
}

func (fake *fakeLedger) balance(userID string) ledger.Amount {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.balances[userID]
}

type fixedBonus ledger.Amount

func (bonus fixedBonus) CalculateDepositBonus(context.Context, ledger.UserID, ledger.Amount) (ledger.Amount, error) {
	return ledger.Amount(bonus), nil
}

type fakeVerifier struct {
	notification Notification
	err          error
}

func (verifier fakeVerifier) VerifyWebhook(context.Context, []byte) (Notification, error) {
	return verifier.notification, verifier.err
}

type recordingSink struct {
	mu     sync.Mutex
	events int
	last   [3]int64
}

func (sink *recordingSink) DepositSucceeded(_ context.Context, _ string, amount int64, bonus int64, newBalance int64) {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.events++
	sink.last = [3]int64{amount, bonus, newBalance}
}

type fakeGateway struct {
	requests []PaymentRequest
	err      error
}

func (gateway *fakeGateway) CreatePaymentLink(_ context.Context, request PaymentRequest) (PaymentLink, error) {
	gateway.requests = append(gateway.requests, request)
	if gateway.err != nil {
		return PaymentLink{}, gateway.err
	}
	return PaymentLink{PaymentLinkID: "link-1", CheckoutURL: "https://pay.example/checkout/1", QRCode: "qr-data"}, nil
}

type fixedPolicy struct {
	minimum    int64
	maximum    int64
	maxPending int
}

func (policy fixedPolicy) DepositLimits(context.Context) (int64, int64) {
	return policy.minimum, policy.maximum
}

func (policy fixedPolicy) MaxPendingDeposits(context.Context) int {
	return policy.maxPending
}

var errBoom = errors.New("boom")

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustCode(test *testing.T, raw string) ledger.TransactionCode {
	test.Helper()
	code, err := ledger.NewTransactionCode(raw)
	if err != nil {
		test.Fatalf("code: %v", err)
	}
	return code
}
