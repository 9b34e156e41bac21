// Package inventory allocates single-use credentials from a two-tier warehouse.
package inventory

import (
	"context"
	"fmt"
	"strings"
)

const (
	operationImport    = "import"
	operationClaim     = "claim"
	operationDelete    = "delete_item"
	operationSave      = "save_product"
	operationRebalance = "rebalance"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithStockSink wires the notification target for stock changes.
func WithStockSink(sink StockSink) ServiceOption {
	return func(service *Service) {
		service.sink = sink
	}
}

// ImportResult reports a bulk import.
type ImportResult struct {
	Imported int
	Transfer Transfer
}

// StockLevel is the unsold count per tier.
type StockLevel struct {
	ProductID ProductID
	Primary   int64
	Secondary int64
}

// Service is the inventory allocator.
type Service struct {
	store      Store
	nowFn      func() int64
	logger     OperationLogger
	sink       StockSink
	rebalancer *Rebalancer
}

// NewService wires a Service and its Rebalancer.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	service.rebalancer = &Rebalancer{store: store, sink: service.sink, logger: service.logger}
	return service, nil
}

// Rebalancer exposes the warehouse rebalancer bound to the same store.
func (service *Service) Rebalancer() *Rebalancer {
	return service.rebalancer
}

// SaveProduct validates and upserts a product. Empty status defaults to active.
func (service *Service) SaveProduct(ctx context.Context, product Product) (Product, error) {
	if product.Status == "" {
		product.Status = ProductActive
	}
	nowUnixUTC := service.nowFn()
	if product.CreatedUnixUTC == 0 {
		product.CreatedUnixUTC = nowUnixUTC
	}
	product.UpdatedUnixUTC = nowUnixUTC
	operationError := product.Validate()
	if operationError == nil {
		operationError = service.store.SaveProduct(ctx, product)
	}
	service.logOperation(ctx, OperationLog{Operation: operationSave, ProductID: product.ID, Error: operationError})
	if operationError != nil {
		return Product{}, operationError
	}
	return product, nil
}

// Product returns a product by id.
func (service *Service) Product(ctx context.Context, productID ProductID) (Product, error) {
	return service.store.GetProduct(ctx, productID)
}

// ListActiveProducts returns the products that can be bought.
func (service *Service) ListActiveProducts(ctx context.Context) ([]Product, error) {
	return service.store.ListActiveProducts(ctx)
}

// ImportBulk stores one PRIMARY item per non-blank line of raw, payload kept verbatim,
// then rebalances the product.
func (service *Service) ImportBulk(ctx context.Context, productID ProductID, raw string) (ImportResult, error) {
	payloads := SplitPayloads(raw)
	var result ImportResult
	var operationError error
	if len(payloads) == 0 {
		operationError = fmt.Errorf("%w: no non-blank lines", ErrEmptyImport)
	}
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			if _, err := txStore.GetProduct(ctx, productID); err != nil {
				return err
			}
			imported, err := txStore.InsertItems(ctx, productID, payloads, TierPrimary, service.nowFn())
			if err != nil {
				return err
			}
			result.Imported = imported
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{Operation: operationImport, ProductID: productID, Quantity: int64(result.Imported), Error: operationError})
	if operationError != nil {
		return ImportResult{}, operationError
	}
	transfer, err := service.rebalancer.CheckAndTransfer(ctx, productID)
	if err != nil {
		return result, fmt.Errorf("imported %d items, rebalance failed: %w", result.Imported, err)
	}
	result.Transfer = transfer
	return result, nil
}

// ClaimUnsoldItem atomically takes one unsold SECONDARY item for the buyer.
// It joins a transaction already carried by ctx; callers trigger Replenish after commit.
func (service *Service) ClaimUnsoldItem(ctx context.Context, claim Claim) (Item, error) {
	if claim.SoldUnixUTC == 0 {
		claim.SoldUnixUTC = service.nowFn()
	}
	item, operationError := service.store.ClaimUnsoldItem(ctx, claim)
	service.logOperation(ctx, OperationLog{Operation: operationClaim, ProductID: claim.ProductID, ItemID: item.ID, Quantity: 1, Error: operationError})
	return item, operationError
}

// CountAvailable returns the unsold count in tier.
func (service *Service) CountAvailable(ctx context.Context, productID ProductID, tier Tier) (int64, error) {
	return service.store.CountAvailable(ctx, productID, tier)
}

// StockLevel returns unsold counts of both tiers.
func (service *Service) StockLevel(ctx context.Context, productID ProductID) (StockLevel, error) {
	if _, err := service.store.GetProduct(ctx, productID); err != nil {
		return StockLevel{}, err
	}
	primary, err := service.store.CountAvailable(ctx, productID, TierPrimary)
	if err != nil {
		return StockLevel{}, err
	}
	secondary, err := service.store.CountAvailable(ctx, productID, TierSecondary)
	if err != nil {
		return StockLevel{}, err
	}
	return StockLevel{ProductID: productID, Primary: primary, Secondary: secondary}, nil
}

// DeleteItem removes an unsold item; sold items are immutable.
func (service *Service) DeleteItem(ctx context.Context, itemID int64) error {
	var item Item
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		var err error
		item, err = txStore.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if item.Sold {
			return fmt.Errorf("%w: item %d", ErrItemSold, itemID)
		}
		return txStore.DeleteUnsoldItem(ctx, itemID)
	})
	service.logOperation(ctx, OperationLog{Operation: operationDelete, ProductID: item.ProductID, ItemID: itemID, Quantity: 1, Error: operationError})
	if operationError != nil {
		return operationError
	}
	if item.Tier == TierSecondary {
		if _, err := service.Replenish(ctx, item.ProductID); err != nil {
			return fmt.Errorf("item deleted, rebalance failed: %w", err)
		}
	}
	return nil
}

// Replenish rebalances productID after its SECONDARY pool shrank and always
// publishes the resulting quantity.
func (service *Service) Replenish(ctx context.Context, productID ProductID) (Transfer, error) {
	transfer, err := service.rebalancer.CheckAndTransfer(ctx, productID)
	if err != nil {
		return Transfer{}, err
	}
	if transfer.Moved == 0 && service.sink != nil {
		service.sink.StockQuantityChanged(ctx, productID.String(), transfer.SecondaryAfter)
	}
	return transfer, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	logOperation(ctx, service.logger, entry)
}

func logOperation(ctx context.Context, logger OperationLogger, entry OperationLog) {
	if logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	logger.LogInventoryOperation(ctx, entry)
}

// SplitPayloads returns the non-blank lines of raw with line terminators stripped.
func SplitPayloads(raw string) []string {
	lines := strings.Split(raw, "\n")
	payloads := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		payloads = append(payloads, line)
	}
	return payloads
}
