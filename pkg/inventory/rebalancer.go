package inventory

import (
	"context"
	"errors"
	"fmt"
)

// Transfer reports one rebalance decision.
type Transfer struct {
	ProductID       ProductID
	SecondaryBefore int64
	Moved           int64
	SecondaryAfter  int64
}

// SweepReport summarizes a periodic sweep over all active products.
type SweepReport struct {
	Checked int
	Moved   int64
	Errors  []error
}

// Err joins the per-product failures of the sweep.
func (report SweepReport) Err() error {
	return errors.Join(report.Errors...)
}

// Rebalancer tops up the SECONDARY pool from PRIMARY.
type Rebalancer struct {
	store  Store
	sink   StockSink
	logger OperationLogger
}

// NewRebalancer wires a standalone Rebalancer.
func NewRebalancer(store Store, sink StockSink, logger OperationLogger) (*Rebalancer, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	return &Rebalancer{store: store, sink: sink, logger: logger}, nil
}

// Name identifies the sweep in scheduler logs.
func (rebalancer *Rebalancer) Name() string {
	return "warehouse_rebalancer"
}

// CheckAndTransfer moves items up to the product's max when SECONDARY fell below its min.
// Fewer items move when PRIMARY is short. The product row lock serializes concurrent
// checks so the pool is never overfilled.
func (rebalancer *Rebalancer) CheckAndTransfer(ctx context.Context, productID ProductID) (Transfer, error) {
	transfer := Transfer{ProductID: productID}
	operationError := rebalancer.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		product, err := txStore.LockProduct(ctx, productID)
		if err != nil {
			return err
		}
		secondary, err := txStore.CountAvailable(ctx, productID, TierSecondary)
		if err != nil {
			return err
		}
		transfer.SecondaryBefore = secondary
		transfer.SecondaryAfter = secondary
		minimum, maximum := product.Thresholds()
		if secondary >= minimum {
			return nil
		}
		moved, err := txStore.PromoteItems(ctx, productID, maximum-secondary)
		if err != nil {
			return err
		}
		transfer.Moved = moved
		transfer.SecondaryAfter = secondary + moved
		return nil
	})
	if operationError != nil || transfer.Moved > 0 {
		logOperation(ctx, rebalancer.logger, OperationLog{Operation: operationRebalance, ProductID: productID, Quantity: transfer.Moved, Error: operationError})
	}
	if operationError != nil {
		return Transfer{}, operationError
	}
	if transfer.Moved > 0 && rebalancer.sink != nil {
		rebalancer.sink.StockQuantityChanged(ctx, productID.String(), transfer.SecondaryAfter)
	}
	return transfer, nil
}

// Sweep runs CheckAndTransfer for every active product; one product failing does not stop the rest.
func (rebalancer *Rebalancer) Sweep(ctx context.Context) (SweepReport, error) {
	products, err := rebalancer.store.ListActiveProducts(ctx)
	if err != nil {
		return SweepReport{}, err
	}
	var report SweepReport
	for _, product := range products {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, ctx.Err())
			break
		}
		report.Checked++
		transfer, err := rebalancer.CheckAndTransfer(ctx, product.ID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("%s: %w", product.ID.String(), err))
			continue
		}
		report.Moved += transfer.Moved
	}
	return report, nil
}
