package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const reconcileFailureReason = "payment window expired"

// TimeoutSource supplies the age after which a PENDING transaction is abandoned.
type TimeoutSource interface {
	TransactionTimeout(ctx context.Context) time.Duration
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Scanned int
	Failed  int
	Skipped int
	Errors  []error
}

// Err joins the per-transaction failures of the pass.
func (report ReconcileReport) Err() error {
	return errors.Join(report.Errors...)
}

// Reconciler fails PENDING transactions older than the configured timeout.
type Reconciler struct {
	service   *Service
	timeouts  TimeoutSource
	batchSize int
}

// NewReconciler wires a Reconciler over the ledger service.
func NewReconciler(service *Service, timeouts TimeoutSource) (*Reconciler, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: ledger service is nil", ErrInvalidServiceConfig)
	}
	if timeouts == nil {
		return nil, fmt.Errorf("%w: timeout source is nil", ErrInvalidServiceConfig)
	}
	return &Reconciler{service: service, timeouts: timeouts, batchSize: defaultReconcileSize}, nil
}

// Name identifies the job in scheduler logs.
func (reconciler *Reconciler) Name() string {
	return "transaction_reconciler"
}

// RunOnce fails every stale PENDING transaction, batch by batch, until a batch
// comes back short or makes no progress. Failures on individual transactions are
// collected in the report and never abort the pass.
func (reconciler *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	timeout := reconciler.timeouts.TransactionTimeout(ctx)
	cutoff := reconciler.service.nowFn() - int64(timeout/time.Second)
	var report ReconcileReport
	for {
		stale, err := reconciler.service.store.ListStalePending(ctx, cutoff, reconciler.batchSize)
		if err != nil {
			return report, err
		}
		progressed := reconciler.reconcileBatch(ctx, stale, &report)
		if ctx.Err() != nil || len(stale) < reconciler.batchSize || !progressed {
			return report, nil
		}
	}
}

func (reconciler *Reconciler) reconcileBatch(ctx context.Context, stale []Transaction, report *ReconcileReport) bool {
	report.Scanned += len(stale)
	progressed := false
	for _, transaction := range stale {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, ctx.Err())
			return false
		}
		_, failErr := reconciler.service.FailPendingDeposit(ctx, transaction.Code, reconcileFailureReason)
		switch {
		case failErr == nil:
			report.Failed++
			progressed = true
		case errors.Is(failErr, ErrTransactionClosed):
			report.Skipped++
			progressed = true
		default:
			report.Errors = append(report.Errors, fmt.Errorf("%s: %w", transaction.Code.String(), failErr))
		}
	}
	return progressed
}
