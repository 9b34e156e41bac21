// Package purchase sells inventory against wallet balance.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/inventory"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
)

const (
	orderCodePrefix    = "ORD-"
	orderCodeLength    = 16
	defaultMaxQuantity = 100
)

var (
	ErrInvalidServiceConfig = errors.New("invalid purchase service config")
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrCompensationFailed   = errors.New("compensation failed")
)

// Status is the delivery state of an order.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
)

// Order is a persisted purchase.
type Order struct {
	Code           string
	UserID         ledger.UserID
	ProductID      inventory.ProductID
	Requested      int
	Delivered      int
	UnitPrice      ledger.Amount
	Total          ledger.Amount
	Status         Status
	Items          []inventory.Item
	CreatedUnixUTC int64
}

// Wallets is the subset of the ledger used by purchases.
type Wallets interface {
	Wallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error)
	Debit(ctx context.Context, userID ledger.UserID, amount ledger.Amount, posting ledger.Posting) (ledger.Transaction, error)
	Credit(ctx context.Context, userID ledger.UserID, amount ledger.Amount, posting ledger.Posting) (ledger.Transaction, error)
}

// Stock is the subset of the inventory allocator used by purchases.
type Stock interface {
	Product(ctx context.Context, productID inventory.ProductID) (inventory.Product, error)
	CountAvailable(ctx context.Context, productID inventory.ProductID, tier inventory.Tier) (int64, error)
	ClaimUnsoldItem(ctx context.Context, claim inventory.Claim) (inventory.Item, error)
	Replenish(ctx context.Context, productID inventory.ProductID) (inventory.Transfer, error)
}

// OrderStore persists orders.
type OrderStore interface {
	InsertOrder(ctx context.Context, order Order) error
}

// UnitOfWork runs fn in a database transaction; nested calls open a savepoint.
type UnitOfWork interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithUnitOfWork makes every order a single database transaction with one savepoint per unit.
// Without it each unit is charged and claimed separately and refunded when the claim fails.
func WithUnitOfWork(unitOfWork UnitOfWork) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.unitOfWork = unitOfWork
	}
}

// WithLogger sets the zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(orchestrator *Orchestrator) {
		if logger != nil {
			orchestrator.logger = logger
		}
	}
}

// WithOrderCodeGenerator overrides order code minting.
func WithOrderCodeGenerator(generate func() string) Option {
	return func(orchestrator *Orchestrator) {
		if generate != nil {
			orchestrator.codeFn = generate
		}
	}
}

// WithMaxQuantity bounds the units per order.
func WithMaxQuantity(maxQuantity int) Option {
	return func(orchestrator *Orchestrator) {
		if maxQuantity > 0 {
			orchestrator.maxQuantity = maxQuantity
		}
	}
}

// Orchestrator coordinates debit, claim and compensation for an order.
type Orchestrator struct {
	wallets     Wallets
	stock       Stock
	orders      OrderStore
	unitOfWork  UnitOfWork
	nowFn       func() int64
	codeFn      func() string
	maxQuantity int
	logger      *zap.Logger
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(wallets Wallets, stock Stock, orders OrderStore, now func() int64, options ...Option) (*Orchestrator, error) {
	switch {
	case wallets == nil:
		return nil, fmt.Errorf("%w: wallets are nil", ErrInvalidServiceConfig)
	case stock == nil:
		return nil, fmt.Errorf("%w: stock is nil", ErrInvalidServiceConfig)
	case orders == nil:
		return nil, fmt.Errorf("%w: order store is nil", ErrInvalidServiceConfig)
	case now == nil:
		return nil, fmt.Errorf("%w: clock is nil", ErrInvalidServiceConfig)
	}
	orchestrator := &Orchestrator{
		wallets:     wallets,
		stock:       stock,
		orders:      orders,
		nowFn:       now,
		codeFn:      newOrderCode,
		maxQuantity: defaultMaxQuantity,
		logger:      zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	return orchestrator, nil
}

// Purchase charges the unit price per delivered item. Nothing is charged when the
// wallet cannot pay for every requested unit or the SECONDARY pool cannot cover
// quantity up front. A unit whose claim fails is never left charged. The order is
// partial only when a concurrent buyer took units after the stock check.
func (orchestrator *Orchestrator) Purchase(ctx context.Context, userID ledger.UserID, productID inventory.ProductID, quantity int) (Order, error) {
	if quantity <= 0 || quantity > orchestrator.maxQuantity {
		return Order{}, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidQuantity, quantity, orchestrator.maxQuantity)
	}
	product, err := orchestrator.stock.Product(ctx, productID)
	if err != nil {
		return Order{}, err
	}
	if !product.Active() {
		return Order{}, fmt.Errorf("%w: %s", inventory.ErrProductInactive, productID.String())
	}
	if err := orchestrator.ensureFunds(ctx, userID, product.Price*ledger.Amount(quantity)); err != nil {
		return Order{}, err
	}
	if err := orchestrator.ensureStock(ctx, productID, quantity); err != nil {
		return Order{}, err
	}

	order := Order{
		Code:           orchestrator.codeFn(),
		UserID:         userID,
		ProductID:      productID,
		Requested:      quantity,
		UnitPrice:      product.Price,
		CreatedUnixUTC: orchestrator.nowFn(),
	}
	posting := ledger.Posting{
		Type:        ledger.TransactionPurchase,
		OrderCode:   order.Code,
		Description: "Purchase " + product.Name,
	}
	logger := orchestrator.logger.With(
		zap.String("order_code", order.Code),
		zap.String("user_id", userID.String()),
		zap.String("product_id", productID.String()),
	)

	if orchestrator.unitOfWork != nil {
		err = orchestrator.purchaseInTransaction(ctx, &order, posting)
	} else {
		err = orchestrator.purchaseWithCompensation(ctx, logger, &order, posting)
	}
	if order.Delivered == 0 {
		if err == nil {
			err = fmt.Errorf("%w: %s", inventory.ErrNotEnoughStock, productID.String())
		}
		return Order{}, err
	}

	if _, replenishErr := orchestrator.stock.Replenish(ctx, productID); replenishErr != nil {
		logger.Warn("replenish after purchase", zap.Error(replenishErr))
	}
	logger.Info("purchase completed",
		zap.Int("requested", order.Requested),
		zap.Int("delivered", order.Delivered),
		zap.Int64("total", order.Total.Int64()),
	)
	return order, err
}

func (orchestrator *Orchestrator) ensureFunds(ctx context.Context, userID ledger.UserID, total ledger.Amount) error {
	wallet, err := orchestrator.wallets.Wallet(ctx, userID)
	if errors.Is(err, ledger.ErrWalletNotFound) {
		return fmt.Errorf("%w: need %d, have 0", ledger.ErrInsufficientBalance, total.Int64())
	}
	if err != nil {
		return err
	}
	if wallet.Locked() {
		return fmt.Errorf("%w: %s", ledger.ErrWalletLocked, wallet.LockReason)
	}
	if wallet.Balance < total {
		return fmt.Errorf("%w: need %d, have %d", ledger.ErrInsufficientBalance, total.Int64(), wallet.Balance.Int64())
	}
	return nil
}

func (orchestrator *Orchestrator) ensureStock(ctx context.Context, productID inventory.ProductID, quantity int) error {
	available, err := orchestrator.stock.CountAvailable(ctx, productID, inventory.TierSecondary)
	if err != nil {
		return err
	}
	if available >= int64(quantity) {
		return nil
	}
	transfer, err := orchestrator.stock.Replenish(ctx, productID)
	if err != nil {
		return err
	}
	if transfer.SecondaryAfter < int64(quantity) {
		return fmt.Errorf("%w: %d available, %d requested", inventory.ErrNotEnoughStock, transfer.SecondaryAfter, quantity)
	}
	return nil
}

// purchaseInTransaction claims every unit and then charges the delivered total once.
// Any charge failure rolls back the claims, so the order commits whole or not at all.
func (orchestrator *Orchestrator) purchaseInTransaction(ctx context.Context, order *Order, posting ledger.Posting) error {
	var items []inventory.Item
	err := orchestrator.unitOfWork.InTransaction(ctx, func(ctx context.Context) error {
		for unit := 0; unit < order.Requested; unit++ {
			var item inventory.Item
			claimErr := orchestrator.unitOfWork.InTransaction(ctx, func(ctx context.Context) error {
				var err error
				item, err = orchestrator.claim(ctx, order)
				return err
			})
			if claimErr != nil {
				if len(items) > 0 && isUnitStop(claimErr) {
					break
				}
				return claimErr
			}
			items = append(items, item)
		}
		finalize(order, items)
		if _, err := orchestrator.wallets.Debit(ctx, order.UserID, order.Total, posting); err != nil {
			return err
		}
		return orchestrator.orders.InsertOrder(ctx, *order)
	})
	if err != nil {
		order.Items = nil
		order.Delivered = 0
		order.Total = 0
		return err
	}
	return nil
}

// purchaseWithCompensation charges the full order up front and refunds the units
// that could not be claimed in one REFUND transaction.
func (orchestrator *Orchestrator) purchaseWithCompensation(ctx context.Context, logger *zap.Logger, order *Order, posting ledger.Posting) error {
	charged := order.UnitPrice * ledger.Amount(order.Requested)
	if _, err := orchestrator.wallets.Debit(ctx, order.UserID, charged, posting); err != nil {
		return err
	}
	var items []inventory.Item
	var stopErr error
	for unit := 0; unit < order.Requested; unit++ {
		item, claimErr := orchestrator.claim(ctx, order)
		if claimErr != nil {
			stopErr = claimErr
			break
		}
		items = append(items, item)
	}
	finalize(order, items)
	if undelivered := charged - order.Total; undelivered > 0 {
		refund := ledger.Posting{
			Type:        ledger.TransactionRefund,
			OrderCode:   order.Code,
			Description: fmt.Sprintf("Refund %d undelivered units of %s", order.Requested-order.Delivered, order.Code),
		}
		if _, refundErr := orchestrator.wallets.Credit(ctx, order.UserID, undelivered, refund); refundErr != nil {
			logger.Error("refund after failed claim, manual correction required",
				zap.Int64("amount", undelivered.Int64()),
				zap.NamedError("claim_error", stopErr),
				zap.Error(refundErr),
			)
			stopErr = fmt.Errorf("%w: %v", ErrCompensationFailed, errors.Join(stopErr, refundErr))
		}
	}
	if order.Delivered == 0 {
		return stopErr
	}
	if stopErr != nil && !isUnitStop(stopErr) {
		logger.Error("purchase stopped early", zap.Error(stopErr))
	}
	if err := orchestrator.orders.InsertOrder(ctx, *order); err != nil {
		logger.Error("persist delivered order", zap.Error(err))
		return err
	}
	if errors.Is(stopErr, ErrCompensationFailed) {
		return stopErr
	}
	return nil
}

func (orchestrator *Orchestrator) claim(ctx context.Context, order *Order) (inventory.Item, error) {
	return orchestrator.stock.ClaimUnsoldItem(ctx, inventory.Claim{
		ProductID:   order.ProductID,
		BuyerID:     order.UserID,
		OrderCode:   order.Code,
		SoldUnixUTC: order.CreatedUnixUTC,
	})
}

func finalize(order *Order, items []inventory.Item) Order {
	order.Items = items
	order.Delivered = len(items)
	order.Total = order.UnitPrice * ledger.Amount(len(items))
	order.Status = StatusCompleted
	if order.Delivered < order.Requested {
		order.Status = StatusPartial
	}
	return *order
}

// isUnitStop reports a stock shortfall that ends delivery without invalidating
// units already delivered.
func isUnitStop(err error) bool {
	return errors.Is(err, inventory.ErrNotEnoughStock) ||
		errors.Is(err, inventory.ErrClaimContention)
}

func newOrderCode() string {
	return orderCodePrefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:orderCodeLength]
}
