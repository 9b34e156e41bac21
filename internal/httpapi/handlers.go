package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/inventory"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/payment"
)

type depositRequest struct {
	Amount int64 `json:"amount"`
}

type purchaseRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type adjustRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

type lockRequest struct {
	Reason string `json:"reason"`
}

func (handler *httpHandler) handleDeposit(ctx *gin.Context) {
	userID, ok := sessionUserID(ctx)
	if !ok {
		return
	}
	var payload depositRequest
	if err := ctx.ShouldBindJSON(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "invalid json payload"))
		return
	}
	requestContext, cancel := handler.requestContext(ctx)
	defer cancel()
	intent, err := handler.deposits.Deposit(requestContext, userID, payload.Amount)
	if err != nil {
		handler.writeError(ctx, "deposit", err)
		return
	}
	ctx.JSON(http.StatusCreated, newDepositResponse(intent))
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, ok := sessionUserID(ctx)
	if !ok {
		return
	}
	requestContext, cancel := handler.requestContext(ctx)
	defer cancel()
	wallet, err := handler.wallets.Wallet(requestContext, userID)
	if err != nil {
		handler.writeError(ctx, "wallet", err)
		return
	}
	info, err := handler.ranks.UserRankInfo(requestContext, userID)
	if err != nil {
		handler.writeError(ctx, "rank_info", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"wallet": newWalletResponse(wallet),
		"rank":   newRankResponse(info),
	})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	userID, ok := sessionUserID(ctx)
	if !ok {
		return
	}
	beforeUnixUTC, err := parseOptionalInt(ctx.Query("before"))
	if err != nil || beforeUnixUTC < 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "before must be a unix timestamp"))
		return
	}
	limit, err := parseOptionalInt(ctx.Query("limit"))
	if err != nil || limit < 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "limit must be a positive integer"))
		return
	}
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	requestContext, cancel := handler.requestContext(ctx)
	defer cancel()
	transactions, err := handler.wallets.ListTransactions(requestContext, userID, beforeUnixUTC, int(limit))
	if err != nil {
		handler.writeError(ctx, "list_transactions", err)
		return
	}
	entries := make([]transactionResponse, 0, len(transactions))
	for _, transaction := range transactions {
		entries = append(entries, newTransactionResponse(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": entries})
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	userID, ok := sessionUserID(ctx)
	if !ok {
		return
	}
	var payload purchaseRequest
	if err := ctx.ShouldBindJSON(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "invalid json payload"))
		return
	}
	productID, err := inventory.NewProductID(payload.ProductID)
	if err != nil {
		handler.writeError(ctx, "purchase", err)
		return
	}
	requestContext, cancel := handler.requestContext(ctx)
	defer cancel()
	order, err := handler.purchases.Purchase(requestContext, userID, productID, payload.Quantity)
	if err != nil {
		handler.writeError(ctx, "purchase", err)
		return
	}
	ctx.JSON(http.StatusCreated, newOrderResponse(order))
}

func (handler *httpHandler) handleStock(ctx *gin.Context) {
	productID, err := inventory.NewProductID(ctx.Param("id"))
	if err != nil {
		handler.writeError(ctx, "stock", err)
		return
	}
	requestContext, cancel := handler.requestContext(ctx)
	defer cancel()
	level, err := handler.inventory.StockLevel(requestContext, productID)
	if err != nil {
		handler.writeError(ctx, "stock", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"product_id": level.ProductID.String(),
		"available":  level.Secondary,
	})
}

// handlePaymentWebhook answers 200 for every delivery the gateway must not resend
// and 503 when the ledger was contended and a redelivery is wanted.
func (handler *httpHandler) handlePaymentWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "unreadable body"))
		return
	}
	requestContext, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.webhooks.ProcessPayload(requestContext, body)
	switch {
	case err == nil && result.Outcome == payment.OutcomeRetry:
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("lock_contention", "retry later"))
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"success": true, "outcome": string(result.Outcome)})
	case result.Outcome == payment.OutcomeIgnored || result.Outcome == payment.OutcomeVoided:
		ctx.JSON(http.StatusOK, gin.H{"success": true, "outcome": string(result.Outcome)})
	case errors.Is(err, payment.ErrInvalidWebhook):
		handler.logger.Warn("webhook rejected", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_webhook", "webhook rejected"))
	default:
		handler.writeError(ctx, "webhook", err)
	}
}

func (handler *httpHandler) handleAdjust(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	var payload adjustRequest
	if err := ctx.ShouldBindJSON(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "invalid json payload"))
		return
	}
	requestContext, cancel := handler.requestContext(ctx)
	defer cancel()
	transaction, err := handler.wallets.AdjustAdmin(requestContext, userID, payload.Delta, payload.Reason)
	if err != nil {
		handler.writeError(ctx, "admin_adjust", err)
		return
	}
	ctx.JSON(http.StatusOK, newTransactionResponse(transaction))
}

func (handler *httpHandler) handleLock(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	var payload lockRequest
	if err := ctx.ShouldBindJSON(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "invalid json payload"))
		return
	}
	requestContext, cancel := handler.requestContext(ctx)
	defer cancel()
	wallet, err := handler.wallets.LockWallet(requestContext, userID, payload.Reason)
	if err != nil {
		handler.writeError(ctx, "lock_wallet", err)
		return
	}
	ctx.JSON(http.StatusOK, newWalletResponse(wallet))
}

func (handler *httpHandler) handleUnlock(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	requestContext, cancel := handler.requestContext(ctx)
	defer cancel()
	wallet, err := handler.wallets.UnlockWallet(requestContext, userID)
	if err != nil {
		handler.writeError(ctx, "unlock_wallet", err)
		return
	}
	ctx.JSON(http.StatusOK, newWalletResponse(wallet))
}

// handleImport takes the raw newline-separated payload block as the request body.
func (handler *httpHandler) handleImport(ctx *gin.Context) {
	productID, err := inventory.NewProductID(ctx.Param("id"))
	if err != nil {
		handler.writeError(ctx, "import", err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxImportBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "unreadable body"))
		return
	}
	requestContext, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.inventory.ImportBulk(requestContext, productID, string(body))
	if err != nil {
		handler.writeError(ctx, "import", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"imported": result.Imported,
		"transfer": newTransferResponse(result.Transfer),
	})
}

func (handler *httpHandler) handleRebalance(ctx *gin.Context) {
	productID, err := inventory.NewProductID(ctx.Param("id"))
	if err != nil {
		handler.writeError(ctx, "rebalance", err)
		return
	}
	requestContext, cancel := handler.requestContext(ctx)
	defer cancel()
	transfer, err := handler.inventory.Replenish(requestContext, productID)
	if err != nil {
		handler.writeError(ctx, "rebalance", err)
		return
	}
	ctx.JSON(http.StatusOK, newTransferResponse(transfer))
}

func (handler *httpHandler) handleDeleteItem(ctx *gin.Context) {
	itemID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil || itemID <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "item id must be a positive integer"))
		return
	}
	requestContext, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.inventory.DeleteItem(requestContext, itemID); err != nil {
		handler.writeError(ctx, "delete_item", err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func sessionUserID(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func pathUserID(ctx *gin.Context) (ledger.UserID, bool) {
	userID, err := ledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "user id is required"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func parseOptionalInt(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	return strconv.ParseInt(trimmed, 10, 64)
}
