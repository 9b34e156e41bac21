package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/inventory"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/payment"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/purchase"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/rank"
)

type walletResponse struct {
	UserID         string `json:"user_id"`
	Balance        int64  `json:"balance"`
	TotalDeposited int64  `json:"total_deposited"`
	TotalSpent     int64  `json:"total_spent"`
	Locked         bool   `json:"locked"`
	LockReason     string `json:"lock_reason,omitempty"`
	UpdatedUnixUTC int64  `json:"updated_unix_utc"`
}

type transactionResponse struct {
	Code             string `json:"code"`
	Type             string `json:"type"`
	Amount           int64  `json:"amount"`
	Bonus            int64  `json:"bonus"`
	Direction        string `json:"direction"`
	BalanceBefore    int64  `json:"balance_before"`
	BalanceAfter     *int64 `json:"balance_after"`
	Status           string `json:"status"`
	PaymentMethod    string `json:"payment_method,omitempty"`
	PaymentReference string `json:"payment_reference,omitempty"`
	OrderCode        string `json:"order_code,omitempty"`
	Description      string `json:"description,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
	CompletedUnixUTC int64  `json:"completed_unix_utc,omitempty"`
}

type rankSummary struct {
	Name         string `json:"name"`
	MinDeposit   int64  `json:"min_deposit"`
	BonusPercent string `json:"bonus_percent"`
	Color        string `json:"color,omitempty"`
	Icon         string `json:"icon,omitempty"`
}

type rankResponse struct {
	Rank                     *rankSummary `json:"rank"`
	NextRank                 *rankSummary `json:"next_rank"`
	WindowDays               int          `json:"window_days"`
	WindowDeposit            int64        `json:"window_deposit"`
	AmountToNextRank         int64        `json:"amount_to_next_rank"`
	RankBonusPercent         string       `json:"rank_bonus_percent"`
	CollaboratorBonusPercent string       `json:"collaborator_bonus_percent"`
	TotalBonusPercent        string       `json:"total_bonus_percent"`
}

type depositResponse struct {
	TransactionCode string `json:"transaction_code"`
	OrderCode       int64  `json:"order_code"`
	Amount          int64  `json:"amount"`
	PaymentLinkID   string `json:"payment_link_id"`
	CheckoutURL     string `json:"checkout_url"`
	QRCode          string `json:"qr_code,omitempty"`
}

type itemResponse struct {
	ID      int64  `json:"id"`
	Payload string `json:"payload"`
}

type orderResponse struct {
	Code           string         `json:"code"`
	ProductID      string         `json:"product_id"`
	Requested      int            `json:"requested"`
	Delivered      int            `json:"delivered"`
	UnitPrice      int64          `json:"unit_price"`
	Total          int64          `json:"total"`
	Status         string         `json:"status"`
	Items          []itemResponse `json:"items"`
	CreatedUnixUTC int64          `json:"created_unix_utc"`
}

type transferResponse struct {
	ProductID       string `json:"product_id"`
	SecondaryBefore int64  `json:"secondary_before"`
	Moved           int64  `json:"moved"`
	SecondaryAfter  int64  `json:"secondary_after"`
}

func newWalletResponse(wallet ledger.Wallet) walletResponse {
	return walletResponse{
		UserID:         wallet.UserID.String(),
		Balance:        wallet.Balance.Int64(),
		TotalDeposited: wallet.TotalDeposited.Int64(),
		TotalSpent:     wallet.TotalSpent.Int64(),
		Locked:         wallet.Locked(),
		LockReason:     wallet.LockReason,
		UpdatedUnixUTC: wallet.UpdatedUnixUTC,
	}
}

func newTransactionResponse(transaction ledger.Transaction) transactionResponse {
	response := transactionResponse{
		Code:             transaction.Code.String(),
		Type:             string(transaction.Type),
		Amount:           transaction.Amount.Int64(),
		Bonus:            transaction.Bonus.Int64(),
		Direction:        string(transaction.Direction()),
		BalanceBefore:    transaction.BalanceBefore.Int64(),
		Status:           string(transaction.Status),
		PaymentMethod:    transaction.PaymentMethod,
		PaymentReference: transaction.PaymentReference,
		OrderCode:        transaction.OrderCode,
		Description:      transaction.Description,
		ErrorMessage:     transaction.ErrorMessage,
		CreatedUnixUTC:   transaction.CreatedUnixUTC,
		CompletedUnixUTC: transaction.CompletedUnixUTC,
	}
	if after, settled := transaction.SettledBalance(); settled {
		value := after.Int64()
		response.BalanceAfter = &value
	}
	return response
}

func newRankSummary(value *rank.Rank) *rankSummary {
	if value == nil {
		return nil
	}
	return &rankSummary{
		Name:         value.Name,
		MinDeposit:   value.MinDeposit.Int64(),
		BonusPercent: value.BonusPercent.String(),
		Color:        value.Color,
		Icon:         value.Icon,
	}
}

func newRankResponse(info rank.Info) rankResponse {
	return rankResponse{
		Rank:                     newRankSummary(info.Rank),
		NextRank:                 newRankSummary(info.NextRank),
		WindowDays:               info.WindowDays,
		WindowDeposit:            info.WindowDeposit.Int64(),
		AmountToNextRank:         info.AmountToNextRank.Int64(),
		RankBonusPercent:         info.RankBonusPercent.String(),
		CollaboratorBonusPercent: info.CollaboratorBonusPercent.String(),
		TotalBonusPercent:        info.BonusPercent().String(),
	}
}

func newDepositResponse(intent payment.DepositIntent) depositResponse {
	return depositResponse{
		TransactionCode: intent.TransactionCode.String(),
		OrderCode:       intent.OrderCode,
		Amount:          intent.Amount,
		PaymentLinkID:   intent.PaymentLinkID,
		CheckoutURL:     intent.CheckoutURL,
		QRCode:          intent.QRCode,
	}
}

func newOrderResponse(order purchase.Order) orderResponse {
	items := make([]itemResponse, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, itemResponse{ID: item.ID, Payload: item.Payload})
	}
	return orderResponse{
		Code:           order.Code,
		ProductID:      order.ProductID.String(),
		Requested:      order.Requested,
		Delivered:      order.Delivered,
		UnitPrice:      order.UnitPrice.Int64(),
		Total:          order.Total.Int64(),
		Status:         string(order.Status),
		Items:          items,
		CreatedUnixUTC: order.CreatedUnixUTC,
	}
}

func newTransferResponse(transfer inventory.Transfer) transferResponse {
	return transferResponse{
		ProductID:       transfer.ProductID.String(),
		SecondaryBefore: transfer.SecondaryBefore,
		Moved:           transfer.Moved,
		SecondaryAfter:  transfer.SecondaryAfter,
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{target: ledger.ErrInvalidUserID, status: http.StatusBadRequest, code: "invalid_request"},
	{target: ledger.ErrInvalidAmount, status: http.StatusBadRequest, code: "invalid_request"},
	{target: ledger.ErrInvalidReason, status: http.StatusBadRequest, code: "invalid_request"},
	{target: ledger.ErrInvalidMetadataJSON, status: http.StatusBadRequest, code: "invalid_request"},
	{target: inventory.ErrInvalidProductID, status: http.StatusBadRequest, code: "invalid_request"},
	{target: inventory.ErrEmptyImport, status: http.StatusBadRequest, code: "invalid_request"},
	{target: payment.ErrAmountOutOfRange, status: http.StatusBadRequest, code: "amount_out_of_range"},
	{target: purchase.ErrInvalidQuantity, status: http.StatusBadRequest, code: "invalid_quantity"},
	{target: ledger.ErrWalletNotFound, status: http.StatusNotFound, code: "wallet_not_found"},
	{target: ledger.ErrTransactionNotFound, status: http.StatusNotFound, code: "transaction_not_found"},
	{target: inventory.ErrProductNotFound, status: http.StatusNotFound, code: "product_not_found"},
	{target: inventory.ErrItemNotFound, status: http.StatusNotFound, code: "item_not_found"},
	{target: rank.ErrRankNotFound, status: http.StatusNotFound, code: "rank_not_found"},
	{target: ledger.ErrInsufficientBalance, status: http.StatusConflict, code: "insufficient_balance"},
	{target: ledger.ErrDuplicatePayment, status: http.StatusConflict, code: "duplicate_payment"},
	{target: inventory.ErrNotEnoughStock, status: http.StatusConflict, code: "not_enough_stock"},
	{target: inventory.ErrProductInactive, status: http.StatusConflict, code: "product_inactive"},
	{target: inventory.ErrItemSold, status: http.StatusConflict, code: "item_sold"},
	{target: ledger.ErrWalletLocked, status: http.StatusLocked, code: "wallet_locked"},
	{target: ledger.ErrTooManyPendingDeposits, status: http.StatusTooManyRequests, code: "too_many_pending_deposits"},
	{target: ledger.ErrLockContention, status: http.StatusServiceUnavailable, code: "lock_contention"},
	{target: inventory.ErrClaimContention, status: http.StatusServiceUnavailable, code: "lock_contention"},
	{target: payment.ErrGatewayUnavailable, status: http.StatusBadGateway, code: "gateway_unavailable"},
	{target: purchase.ErrCompensationFailed, status: http.StatusInternalServerError, code: "compensation_failed"},
}

func statusFor(err error) (int, string) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			return mapping.status, mapping.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

func (handler *httpHandler) writeError(ctx *gin.Context, operation string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		ctx.JSON(status, errorResponse(code, http.StatusText(status)))
		return
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}
