// Package app assembles the shop services over one database so the daemon and the admin CLI share the same wiring.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/vaultshop/internal/config"
	"github.com/MarkoPoloResearchLab/vaultshop/internal/database"
	"github.com/MarkoPoloResearchLab/vaultshop/internal/logging"
	"github.com/MarkoPoloResearchLab/vaultshop/internal/notify"
	"github.com/MarkoPoloResearchLab/vaultshop/internal/scheduler"
	"github.com/MarkoPoloResearchLab/vaultshop/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/vaultshop/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/inventory"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/purchase"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/rank"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/settings"
)

// Services is the assembled domain layer.
type Services struct {
	DB           *gorm.DB
	Driver       string
	Store        *gormstore.Store
	Settings     *settings.Provider
	Ledger       *ledger.Service
	Inventory    *inventory.Service
	Ranks        *rank.Service
	Orchestrator *purchase.Orchestrator
	Reconciler   *ledger.Reconciler
	Sink         notify.Sink

	cleanups []func() error
}

// Open connects to cfg.DatabaseURL, migrates the schema and wires every service.
// sink receives post-commit events; nil discards them.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger, sink notify.Sink) (*Services, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, closeDB, driver, err := database.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	services := &Services{DB: db, Driver: driver, cleanups: []func() error{closeDB}}

	var pool *pgxpool.Pool
	if cfg.InventoryBackend == config.InventoryBackendPgx {
		pool, err = database.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			_ = services.Close()
			return nil, err
		}
		services.cleanups = append(services.cleanups, func() error {
			pool.Close()
			return nil
		})
	}
	if err := services.wire(ctx, db, pool, cfg.LockTimeout, logger, sink); err != nil {
		_ = services.Close()
		return nil, err
	}
	return services, nil
}

// New wires services over an already opened database. It is used by tests and by Open.
func New(ctx context.Context, db *gorm.DB, lockTimeout time.Duration, logger *zap.Logger, sink notify.Sink) (*Services, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	services := &Services{DB: db, Driver: db.Dialector.Name()}
	if err := services.wire(ctx, db, nil, lockTimeout, logger, sink); err != nil {
		return nil, err
	}
	return services, nil
}

func (services *Services) wire(ctx context.Context, db *gorm.DB, pool *pgxpool.Pool, lockTimeout time.Duration, logger *zap.Logger, sink notify.Sink) error {
	if sink == nil {
		sink = notify.Nop{}
	}
	services.Sink = sink
	services.Store = gormstore.New(db, gormstore.WithLockTimeout(lockTimeout))
	if err := services.Store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	provider, err := settings.NewProvider(services.Store, settings.WithErrorHandler(func(key string, err error) {
		logger.Warn("setting lookup failed, using default", zap.String("key", key), zap.Error(err))
	}))
	if err != nil {
		return fmt.Errorf("settings provider: %w", err)
	}
	services.Settings = provider

	operationLogger := logging.NewZapOperationLogger(logger)
	clock := func() int64 { return time.Now().UTC().Unix() }

	services.Ledger, err = ledger.NewService(services.Store.Ledger(), clock, ledger.WithOperationLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("ledger service: %w", err)
	}

	var inventoryStore inventory.Store = services.Store.Inventory()
	if pool != nil {
		inventoryStore = pgstore.New(pool)
	}
	services.Inventory, err = inventory.NewService(inventoryStore, clock,
		inventory.WithOperationLogger(operationLogger),
		inventory.WithStockSink(sink),
	)
	if err != nil {
		return fmt.Errorf("inventory service: %w", err)
	}

	services.Ranks, err = rank.NewService(services.Store, services.Ledger, provider, clock)
	if err != nil {
		return fmt.Errorf("rank service: %w", err)
	}

	orchestratorOptions := []purchase.Option{purchase.WithLogger(logger)}
	if pool == nil {
		// Wallet and warehouse share one database handle, so a purchase can run as one transaction.
		orchestratorOptions = append(orchestratorOptions, purchase.WithUnitOfWork(services.Store))
	}
	services.Orchestrator, err = purchase.NewOrchestrator(services.Ledger, services.Inventory, services.Store.Orders(), clock, orchestratorOptions...)
	if err != nil {
		return fmt.Errorf("purchase orchestrator: %w", err)
	}

	services.Reconciler, err = ledger.NewReconciler(services.Ledger, provider)
	if err != nil {
		return fmt.Errorf("reconciler: %w", err)
	}
	return nil
}

// Jobs returns the periodic maintenance jobs with intervals read from dynamic settings.
func (services *Services) Jobs() []scheduler.Job {
	rebalancer := services.Inventory.Rebalancer()
	return []scheduler.Job{
		{
			Name:     services.Reconciler.Name(),
			Interval: services.Settings.ReconcileInterval,
			Run: func(ctx context.Context) error {
				report, err := services.Reconciler.RunOnce(ctx)
				if err != nil {
					return err
				}
				return report.Err()
			},
		},
		{
			Name:     rebalancer.Name(),
			Interval: services.Settings.RebalanceInterval,
			Run: func(ctx context.Context) error {
				report, err := rebalancer.Sweep(ctx)
				if err != nil {
					return err
				}
				return report.Err()
			},
		},
	}
}

// Ping reports whether the database still answers.
func (services *Services) Ping(ctx context.Context) error {
	sqlDB, err := services.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connections opened by Open.
func (services *Services) Close() error {
	var firstErr error
	for index := len(services.cleanups) - 1; index >= 0; index-- {
		if err := services.cleanups[index](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	services.cleanups = nil
	return firstErr
}
