package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/MarkoPoloResearchLab/vaultshop/internal/app"
	"github.com/MarkoPoloResearchLab/vaultshop/internal/config"
	"github.com/MarkoPoloResearchLab/vaultshop/internal/gateway"
	"github.com/MarkoPoloResearchLab/vaultshop/internal/httpapi"
	"github.com/MarkoPoloResearchLab/vaultshop/internal/logging"
	"github.com/MarkoPoloResearchLab/vaultshop/internal/notify"
	"github.com/MarkoPoloResearchLab/vaultshop/internal/redislock"
	"github.com/MarkoPoloResearchLab/vaultshop/internal/scheduler"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/payment"
)

const (
	readinessInterval = 10 * time.Second
	readinessTimeout  = 2 * time.Second
	healthServiceName = "vaultshop"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "shopd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "shopd",
		Short:         "Credential shop HTTP server with payment webhooks and warehouse jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := loaded.ValidateServer(); err != nil {
				return err
			}
			*cfg = loaded
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, *cfg)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer func() { _ = redisClient.Close() }()
	}

	stockFeed := notify.NewStockFeed(cfg.AllowedOrigins, logger.Named("feed"))
	defer stockFeed.Close()
	sinks := notify.Multi{notify.NewLogSink(logger.Named("events")), stockFeed}
	if redisClient != nil {
		sinks = append(sinks, notify.NewRedisSink(redisClient, cfg.Redis.Channel, logger.Named("redis")))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink := notify.NewKafkaSink(notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), logger.Named("kafka"))
		defer func() { _ = kafkaSink.Close() }()
		sinks = append(sinks, kafkaSink)
	}

	services, err := app.Open(ctx, cfg, logger, sinks)
	if err != nil {
		return err
	}
	defer func() { _ = services.Close() }()

	gatewayClient, err := gateway.New(gateway.Config{
		BaseURL: cfg.Gateway.BaseURL,
		Credentials: gateway.Credentials{
			ClientID:    cfg.Gateway.ClientID,
			APIKey:      cfg.Gateway.APIKey,
			ChecksumKey: cfg.Gateway.ChecksumKey,
		},
		Timeout: cfg.Gateway.Timeout,
	}, services.Settings, gateway.WithLogger(logger.Named("gateway")))
	if err != nil {
		return fmt.Errorf("gateway init: %w", err)
	}
	deposits, err := payment.NewDepositService(services.Ledger, gatewayClient, services.Settings,
		payment.WithDepositLogger(logger.Named("deposit")),
		payment.WithRedirectURLs(cfg.Gateway.ReturnURL, cfg.Gateway.CancelURL),
	)
	if err != nil {
		return fmt.Errorf("deposit service init: %w", err)
	}
	webhooks, err := payment.NewWebhookProcessor(services.Ledger, services.Ranks, gatewayClient,
		payment.WithWebhookLogger(logger.Named("webhook")),
		payment.WithDepositSink(sinks),
	)
	if err != nil {
		return fmt.Errorf("webhook processor init: %w", err)
	}

	authenticator, err := httpapi.NewSessionAuthenticator(cfg.Session.SigningKey, cfg.Session.Issuer, cfg.Session.CookieName)
	if err != nil {
		return err
	}
	router, err := httpapi.NewRouter(httpapi.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		AdminRole:      cfg.Session.AdminRole,
	}, httpapi.Dependencies{
		Wallets:       services.Ledger,
		Deposits:      deposits,
		Webhooks:      webhooks,
		Purchases:     services.Orchestrator,
		Inventory:     services.Inventory,
		Ranks:         services.Ranks,
		StockFeed:     stockFeed,
		Authenticator: authenticator,
		Logger:        logger.Named("http"),
	})
	if err != nil {
		return fmt.Errorf("router init: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	healthServer := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpapi.Serve(groupCtx, cfg.ListenAddr, router, logger)
	})
	group.Go(func() error {
		logger.Info("gRPC health server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
		if serveErr := grpcServer.Serve(lis); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		return nil
	})
	group.Go(func() error {
		reportReadiness(groupCtx, services, healthServer, logger)
		return nil
	})
	if !cfg.SchedulerDisabled {
		options := []scheduler.Option{scheduler.WithLogger(logger.Named("scheduler"))}
		if redisClient != nil {
			locker, lockErr := redislock.New(redisClient)
			if lockErr != nil {
				return lockErr
			}
			options = append(options, scheduler.WithLocker(locker))
		}
		runner, runnerErr := scheduler.NewRunner(services.Jobs(), options...)
		if runnerErr != nil {
			return runnerErr
		}
		group.Go(func() error {
			runner.Run(groupCtx)
			return nil
		})
	}

	err = group.Wait()
	logger.Info("shutdown complete")
	return err
}

func reportReadiness(ctx context.Context, services *app.Services, healthServer *health.Server, logger *zap.Logger) {
	check := func() {
		pingCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
		defer cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err := services.Ping(pingCtx); err != nil {
			logger.Warn("database ping failed", zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		healthServer.SetServingStatus("", status)
		healthServer.SetServingStatus(healthServiceName, status)
	}
	check()
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
