// Package settings exposes typed access to the dynamic key/value settings table.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Recognized setting keys.
const (
	KeyRankWindowDays            = "rank.window_days"
	KeyTransactionTimeoutMinutes = "scheduler.transaction_timeout_minutes"
	KeyReconcileInterval         = "scheduler.reconcile_interval"
	KeyRebalanceInterval         = "scheduler.rebalance_interval"
	KeyDepositMinAmount          = "deposit.min_amount"
	KeyDepositMaxAmount          = "deposit.max_amount"
	KeyDepositMaxPending         = "deposit.max_pending"
	KeyGatewayClientID           = "gateway.client_id"
	KeyGatewayAPIKey             = "gateway.api_key"
	KeyGatewayChecksumKey        = "gateway.checksum_key"
)

// Defaults applied when a key is absent or unparsable.
const (
	DefaultRankWindowDays            = 7
	DefaultTransactionTimeoutMinutes = 10
	DefaultReconcileInterval         = time.Minute
	DefaultRebalanceInterval         = 5 * time.Minute
	DefaultDepositMinAmount          = 10_000
	DefaultDepositMaxAmount          = 50_000_000
	DefaultDepositMaxPending         = 3
)

var (
	ErrInvalidKey           = errors.New("invalid setting key")
	ErrInvalidProviderInput = errors.New("invalid settings provider config")
)

// Source reads raw setting values.
type Source interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
}

// Store is a Source that also accepts writes.
type Store interface {
	Source
	Set(ctx context.Context, key string, value string) error
}

// ErrorHandler observes lookup failures that were replaced by defaults.
type ErrorHandler func(key string, err error)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithErrorHandler reports source failures instead of discarding them.
func WithErrorHandler(handler ErrorHandler) ProviderOption {
	return func(provider *Provider) {
		provider.onError = handler
	}
}

// Provider offers typed getters over a Source with explicit defaults.
type Provider struct {
	source  Source
	onError ErrorHandler
}

// NewProvider wires a Provider.
func NewProvider(source Source, options ...ProviderOption) (*Provider, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: source is nil", ErrInvalidProviderInput)
	}
	provider := &Provider{source: source}
	for _, option := range options {
		if option != nil {
			option(provider)
		}
	}
	return provider, nil
}

// String returns the trimmed value of key or fallback when missing or empty.
func (provider *Provider) String(ctx context.Context, key string, fallback string) string {
	raw, found, err := provider.source.Lookup(ctx, key)
	if err != nil {
		if provider.onError != nil {
			provider.onError(key, err)
		}
		return fallback
	}
	trimmed := strings.TrimSpace(raw)
	if !found || trimmed == "" {
		return fallback
	}
	return trimmed
}

// Int returns the integer value of key, or fallback when missing or unparsable.
func (provider *Provider) Int(ctx context.Context, key string, fallback int64) int64 {
	raw := provider.String(ctx, key, "")
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if provider.onError != nil {
			provider.onError(key, err)
		}
		return fallback
	}
	return parsed
}

// Duration parses Go duration syntax ("90s"); a bare integer is read as seconds.
func (provider *Provider) Duration(ctx context.Context, key string, fallback time.Duration) time.Duration {
	raw := provider.String(ctx, key, "")
	if raw == "" {
		return fallback
	}
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		if provider.onError != nil {
			provider.onError(key, fmt.Errorf("parse duration %q: %w", raw, err))
		}
		return fallback
	}
	return parsed
}

// Resolve prefers the dynamic value of key over staticValue.
func (provider *Provider) Resolve(ctx context.Context, key string, staticValue string) string {
	return provider.String(ctx, key, staticValue)
}

// RankWindowDays is the rolling window used for rank qualification.
func (provider *Provider) RankWindowDays(ctx context.Context) int {
	return int(positiveOrDefault(provider.Int(ctx, KeyRankWindowDays, DefaultRankWindowDays), DefaultRankWindowDays))
}

// TransactionTimeout is the age after which PENDING transactions are failed.
func (provider *Provider) TransactionTimeout(ctx context.Context) time.Duration {
	minutes := positiveOrDefault(provider.Int(ctx, KeyTransactionTimeoutMinutes, DefaultTransactionTimeoutMinutes), DefaultTransactionTimeoutMinutes)
	return time.Duration(minutes) * time.Minute
}

// ReconcileInterval is the period of the reconciliation job.
func (provider *Provider) ReconcileInterval(ctx context.Context) time.Duration {
	return provider.Duration(ctx, KeyReconcileInterval, DefaultReconcileInterval)
}

// RebalanceInterval is the period of the warehouse sweep.
func (provider *Provider) RebalanceInterval(ctx context.Context) time.Duration {
	return provider.Duration(ctx, KeyRebalanceInterval, DefaultRebalanceInterval)
}

// DepositLimits returns the accepted inclusive [min, max] deposit amount.
func (provider *Provider) DepositLimits(ctx context.Context) (int64, int64) {
	minimum := positiveOrDefault(provider.Int(ctx, KeyDepositMinAmount, DefaultDepositMinAmount), DefaultDepositMinAmount)
	maximum := positiveOrDefault(provider.Int(ctx, KeyDepositMaxAmount, DefaultDepositMaxAmount), DefaultDepositMaxAmount)
	if maximum < minimum {
		maximum = minimum
	}
	return minimum, maximum
}

// MaxPendingDeposits bounds concurrently open deposits per user.
func (provider *Provider) MaxPendingDeposits(ctx context.Context) int {
	return int(positiveOrDefault(provider.Int(ctx, KeyDepositMaxPending, DefaultDepositMaxPending), DefaultDepositMaxPending))
}

// ValidateKey rejects empty or whitespace-bearing keys before writes.
func ValidateKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" || strings.ContainsAny(trimmed, " \t\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return trimmed, nil
}

func positiveOrDefault(value int64, fallback int64) int64 {
	if value <= 0 {
		return fallback
	}
	return value
}
