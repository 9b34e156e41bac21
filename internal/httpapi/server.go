// Package httpapi exposes the shop over HTTP: storefront, payment webhook, admin and the live stock feed.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/inventory"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/payment"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/purchase"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/rank"
)

const (
	claimsContextKey      = "auth_claims"
	defaultAdminRole      = "admin"
	defaultRequestTimeout = 15 * time.Second
	defaultHistoryLimit   = 20
	maxHistoryLimit       = 100
	maxWebhookBytes       = 64 << 10
	maxImportBytes        = 32 << 20
)

var ErrInvalidServerConfig = errors.New("invalid http server config")

// Wallets is the ledger surface used by handlers.
type Wallets interface {
	Wallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error)
	ListTransactions(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error)
	AdjustAdmin(ctx context.Context, userID ledger.UserID, delta int64, reason string) (ledger.Transaction, error)
	LockWallet(ctx context.Context, userID ledger.UserID, reason string) (ledger.Wallet, error)
	UnlockWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error)
}

// Deposits starts gateway deposits.
type Deposits interface {
	Deposit(ctx context.Context, userID ledger.UserID, amount int64) (payment.DepositIntent, error)
}

// Webhooks applies raw gateway deliveries.
type Webhooks interface {
	ProcessPayload(ctx context.Context, payload []byte) (payment.Result, error)
}

// Purchases runs the purchase orchestration.
type Purchases interface {
	Purchase(ctx context.Context, userID ledger.UserID, productID inventory.ProductID, quantity int) (purchase.Order, error)
}

// Inventory is the warehouse surface used by handlers.
type Inventory interface {
	StockLevel(ctx context.Context, productID inventory.ProductID) (inventory.StockLevel, error)
	ImportBulk(ctx context.Context, productID inventory.ProductID, raw string) (inventory.ImportResult, error)
	Replenish(ctx context.Context, productID inventory.ProductID) (inventory.Transfer, error)
	DeleteItem(ctx context.Context, itemID int64) error
}

// Ranks reports rank progress.
type Ranks interface {
	UserRankInfo(ctx context.Context, userID ledger.UserID) (rank.Info, error)
}

// Config configures the router.
type Config struct {
	AllowedOrigins []string
	AdminRole      string
	RequestTimeout time.Duration
}

// Dependencies are the services behind the routes. StockFeed may be nil.
type Dependencies struct {
	Wallets       Wallets
	Deposits      Deposits
	Webhooks      Webhooks
	Purchases     Purchases
	Inventory     Inventory
	Ranks         Ranks
	StockFeed     http.Handler
	Authenticator gin.HandlerFunc
	Logger        *zap.Logger
}

// NewSessionAuthenticator validates tauth session cookies and stores the claims on the gin context.
func NewSessionAuthenticator(signingKey string, issuer string, cookieName string) (gin.HandlerFunc, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(signingKey),
		Issuer:     issuer,
		CookieName: cookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	return validator.GinMiddleware(claimsContextKey), nil
}

type httpHandler struct {
	logger    *zap.Logger
	cfg       Config
	wallets   Wallets
	deposits  Deposits
	webhooks  Webhooks
	purchases Purchases
	inventory Inventory
	ranks     Ranks
}

// NewRouter wires every route onto a gin engine.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if deps.Wallets == nil || deps.Deposits == nil || deps.Webhooks == nil || deps.Purchases == nil || deps.Inventory == nil || deps.Ranks == nil {
		return nil, fmt.Errorf("%w: all services are required", ErrInvalidServerConfig)
	}
	if deps.Authenticator == nil {
		return nil, fmt.Errorf("%w: authenticator is required", ErrInvalidServerConfig)
	}
	if strings.TrimSpace(cfg.AdminRole) == "" {
		cfg.AdminRole = defaultAdminRole
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{
		logger:    logger,
		cfg:       cfg,
		wallets:   deps.Wallets,
		deposits:  deps.Deposits,
		webhooks:  deps.Webhooks,
		purchases: deps.Purchases,
		inventory: deps.Inventory,
		ranks:     deps.Ranks,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/api/webhooks/payment", handler.handlePaymentWebhook)
	if deps.StockFeed != nil {
		router.GET("/ws/stock", gin.WrapH(deps.StockFeed))
	}

	api := router.Group("/api")
	api.Use(deps.Authenticator, requireSession())
	api.POST("/deposits", handler.handleDeposit)
	api.GET("/wallet", handler.handleWallet)
	api.GET("/wallet/transactions", handler.handleTransactions)
	api.POST("/purchases", handler.handlePurchase)
	api.GET("/products/:id/stock", handler.handleStock)

	admin := api.Group("/admin")
	admin.Use(requireRole(cfg.AdminRole))
	admin.POST("/wallets/:user_id/adjust", handler.handleAdjust)
	admin.POST("/wallets/:user_id/lock", handler.handleLock)
	admin.POST("/wallets/:user_id/unlock", handler.handleUnlock)
	admin.POST("/products/:id/inventory", handler.handleImport)
	admin.POST("/products/:id/rebalance", handler.handleRebalance)
	admin.DELETE("/inventory/:id", handler.handleDeleteItem)

	return router, nil
}

func requireSession() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil || strings.TrimSpace(claims.GetUserID()) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		ctx.Next()
	}
}

func requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		for _, granted := range claims.GetUserRoles() {
			if granted == role {
				ctx.Next()
				return
			}
		}
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

// Serve runs handler on addr until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
