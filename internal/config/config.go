// Package config loads daemon and CLI settings from flags, environment, .env and an optional config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "VAULTSHOP"

	FlagConfigFile        = "config"
	FlagEnvFile           = "env-file"
	FlagDatabaseURL       = "database-url"
	FlagListenAddr        = "listen-addr"
	FlagGRPCListenAddr    = "grpc-listen-addr"
	FlagLogLevel          = "log-level"
	FlagLockTimeout       = "lock-timeout"
	FlagInventoryBackend  = "inventory-backend"
	FlagAllowedOrigins    = "allowed-origins"
	FlagJWTSigningKey     = "jwt-signing-key"
	FlagJWTIssuer         = "jwt-issuer"
	FlagJWTCookieName     = "jwt-cookie-name"
	FlagAdminRole         = "admin-role"
	FlagGatewayBaseURL    = "gateway-base-url"
	FlagGatewayClientID   = "gateway-client-id"
	FlagGatewayAPIKey     = "gateway-api-key"
	FlagGatewayChecksum   = "gateway-checksum-key"
	FlagGatewayReturnURL  = "gateway-return-url"
	FlagGatewayCancelURL  = "gateway-cancel-url"
	FlagGatewayTimeout    = "gateway-timeout"
	FlagRedisAddr         = "redis-addr"
	FlagRedisPassword     = "redis-password"
	FlagRedisDB           = "redis-db"
	FlagRedisChannel      = "redis-channel"
	FlagKafkaBrokers      = "kafka-brokers"
	FlagKafkaTopic        = "kafka-topic"
	FlagSchedulerDisabled = "scheduler-disabled"
)

const (
	InventoryBackendGorm = "gorm"
	InventoryBackendPgx  = "pgx"
)

const (
	defaultDatabaseURL      = "sqlite://vaultshop.db"
	defaultListenAddr       = ":8080"
	defaultGRPCListenAddr   = ":7000"
	defaultLogLevel         = "info"
	defaultLockTimeout      = 5 * time.Second
	defaultAllowedOrigin    = "http://localhost:8000"
	defaultSessionIssuer    = "tauth"
	defaultSessionCookie    = "app_session"
	defaultAdminRole        = "admin"
	defaultGatewayTimeout   = 10 * time.Second
	defaultRedisChannel     = "vaultshop.events"
	defaultKafkaTopic       = "vaultshop.events"
	defaultEnvFile          = ".env"
	defaultInventoryBackend = InventoryBackendGorm
)

var ErrInvalidConfig = errors.New("invalid config")

// SessionConfig configures tauth session cookie validation.
type SessionConfig struct {
	SigningKey string
	Issuer     string
	CookieName string
	AdminRole  string
}

// GatewayConfig holds the static checkout provider settings.
type GatewayConfig struct {
	BaseURL     string
	ClientID    string
	APIKey      string
	ChecksumKey string
	ReturnURL   string
	CancelURL   string
	Timeout     time.Duration
}

// RedisConfig enables the scheduler lock and pub/sub sink when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// KafkaConfig enables the event sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Config aggregates runtime settings.
type Config struct {
	DatabaseURL       string
	ListenAddr        string
	GRPCListenAddr    string
	LogLevel          string
	LockTimeout       time.Duration
	InventoryBackend  string
	AllowedOrigins    []string
	SchedulerDisabled bool
	Session           SessionConfig
	Gateway           GatewayConfig
	Redis             RedisConfig
	Kafka             KafkaConfig
}

// RegisterFlags declares every flag Load understands.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String(FlagConfigFile, "", "optional YAML config file")
	flags.String(FlagEnvFile, defaultEnvFile, "optional .env file loaded before reading the environment")
	flags.String(FlagDatabaseURL, defaultDatabaseURL, "database URL (postgres://, mysql://, sqlite:// or a sqlite path)")
	flags.String(FlagListenAddr, defaultListenAddr, "HTTP listen address")
	flags.String(FlagGRPCListenAddr, defaultGRPCListenAddr, "gRPC health listen address")
	flags.String(FlagLogLevel, defaultLogLevel, "log level (debug, info, warn, error)")
	flags.Duration(FlagLockTimeout, defaultLockTimeout, "row lock wait before reporting contention")
	flags.String(FlagInventoryBackend, defaultInventoryBackend, "inventory store: gorm or pgx (postgres only)")
	flags.String(FlagAllowedOrigins, defaultAllowedOrigin, "comma-separated list of allowed CORS and websocket origins")
	flags.String(FlagJWTSigningKey, "", "TAuth JWT signing key")
	flags.String(FlagJWTIssuer, defaultSessionIssuer, "expected JWT issuer")
	flags.String(FlagJWTCookieName, defaultSessionCookie, "JWT cookie name")
	flags.String(FlagAdminRole, defaultAdminRole, "session role granted admin routes")
	flags.String(FlagGatewayBaseURL, "", "payment gateway base URL")
	flags.String(FlagGatewayClientID, "", "payment gateway client id")
	flags.String(FlagGatewayAPIKey, "", "payment gateway API key")
	flags.String(FlagGatewayChecksum, "", "payment gateway checksum key")
	flags.String(FlagGatewayReturnURL, "", "URL the gateway redirects to after payment")
	flags.String(FlagGatewayCancelURL, "", "URL the gateway redirects to after cancellation")
	flags.Duration(FlagGatewayTimeout, defaultGatewayTimeout, "payment gateway HTTP timeout")
	flags.String(FlagRedisAddr, "", "Redis address; enables scheduler locks and pub/sub events")
	flags.String(FlagRedisPassword, "", "Redis password")
	flags.Int(FlagRedisDB, 0, "Redis database number")
	flags.String(FlagRedisChannel, defaultRedisChannel, "Redis pub/sub channel for events")
	flags.String(FlagKafkaBrokers, "", "comma-separated Kafka brokers; enables the Kafka event sink")
	flags.String(FlagKafkaTopic, defaultKafkaTopic, "Kafka topic for events")
	flags.Bool(FlagSchedulerDisabled, false, "do not run the reconciler and warehouse sweep in this process")
}

// Load resolves flags over environment over config file over defaults.
func Load(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, err
	}
	if err := loadEnvFile(v.GetString(FlagEnvFile), flags.Changed(FlagEnvFile)); err != nil {
		return Config{}, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if configFile := strings.TrimSpace(v.GetString(FlagConfigFile)); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := Config{
		DatabaseURL:       strings.TrimSpace(v.GetString(FlagDatabaseURL)),
		ListenAddr:        strings.TrimSpace(v.GetString(FlagListenAddr)),
		GRPCListenAddr:    strings.TrimSpace(v.GetString(FlagGRPCListenAddr)),
		LogLevel:          strings.TrimSpace(v.GetString(FlagLogLevel)),
		LockTimeout:       v.GetDuration(FlagLockTimeout),
		InventoryBackend:  strings.ToLower(strings.TrimSpace(v.GetString(FlagInventoryBackend))),
		AllowedOrigins:    ParseList(v.GetString(FlagAllowedOrigins)),
		SchedulerDisabled: v.GetBool(FlagSchedulerDisabled),
		Session: SessionConfig{
			SigningKey: v.GetString(FlagJWTSigningKey),
			Issuer:     strings.TrimSpace(v.GetString(FlagJWTIssuer)),
			CookieName: strings.TrimSpace(v.GetString(FlagJWTCookieName)),
			AdminRole:  strings.TrimSpace(v.GetString(FlagAdminRole)),
		},
		Gateway: GatewayConfig{
			BaseURL:     strings.TrimSpace(v.GetString(FlagGatewayBaseURL)),
			ClientID:    strings.TrimSpace(v.GetString(FlagGatewayClientID)),
			APIKey:      v.GetString(FlagGatewayAPIKey),
			ChecksumKey: v.GetString(FlagGatewayChecksum),
			ReturnURL:   strings.TrimSpace(v.GetString(FlagGatewayReturnURL)),
			CancelURL:   strings.TrimSpace(v.GetString(FlagGatewayCancelURL)),
			Timeout:     v.GetDuration(FlagGatewayTimeout),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(v.GetString(FlagRedisAddr)),
			Password: v.GetString(FlagRedisPassword),
			DB:       v.GetInt(FlagRedisDB),
			Channel:  strings.TrimSpace(v.GetString(FlagRedisChannel)),
		},
		Kafka: KafkaConfig{
			Brokers: ParseList(v.GetString(FlagKafkaBrokers)),
			Topic:   strings.TrimSpace(v.GetString(FlagKafkaTopic)),
		},
	}
	return cfg, nil
}

// Validate applies defaults and checks what the storage layer needs. Use ValidateServer for the daemon.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.LogLevel = defaultIfEmpty(cfg.LogLevel, defaultLogLevel)
	cfg.InventoryBackend = defaultIfEmpty(cfg.InventoryBackend, defaultInventoryBackend)
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	switch cfg.InventoryBackend {
	case InventoryBackendGorm:
	case InventoryBackendPgx:
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return fmt.Errorf("%w: inventory backend %q requires a postgres database url", ErrInvalidConfig, cfg.InventoryBackend)
		}
	default:
		return fmt.Errorf("%w: unknown inventory backend %q", ErrInvalidConfig, cfg.InventoryBackend)
	}
	return nil
}

// ValidateServer additionally checks the HTTP, session and gateway settings.
func (cfg *Config) ValidateServer() error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.Session.Issuer = defaultIfEmpty(cfg.Session.Issuer, defaultSessionIssuer)
	cfg.Session.CookieName = defaultIfEmpty(cfg.Session.CookieName, defaultSessionCookie)
	cfg.Session.AdminRole = defaultIfEmpty(cfg.Session.AdminRole, defaultAdminRole)
	cfg.Redis.Channel = defaultIfEmpty(cfg.Redis.Channel, defaultRedisChannel)
	cfg.Kafka.Topic = defaultIfEmpty(cfg.Kafka.Topic, defaultKafkaTopic)
	if cfg.Gateway.Timeout <= 0 {
		cfg.Gateway.Timeout = defaultGatewayTimeout
	}
	if len(cfg.Session.SigningKey) == 0 {
		return fmt.Errorf("%w: jwt signing key is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Gateway.BaseURL) == "" {
		return fmt.Errorf("%w: gateway base url is required", ErrInvalidConfig)
	}
	return nil
}

// ParseList splits comma-delimited values into a slice.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func loadEnvFile(path string, explicit bool) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
