package gormstore

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/inventory"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/purchase"
)

var ErrOrderNotFound = errors.New("order not found")

// OrderStore persists purchase orders.
type OrderStore struct {
	root *Store
}

var _ purchase.OrderStore = (*OrderStore)(nil)

func (store *OrderStore) InsertOrder(ctx context.Context, order purchase.Order) error {
	itemIDs := make([]int64, 0, len(order.Items))
	for _, item := range order.Items {
		itemIDs = append(itemIDs, item.ID)
	}
	encoded, err := json.Marshal(itemIDs)
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	row := Order{
		Code:      order.Code,
		UserID:    order.UserID.String(),
		ProductID: order.ProductID.String(),
		Requested: order.Requested,
		Delivered: order.Delivered,
		UnitPrice: order.UnitPrice.Int64(),
		Total:     order.Total.Int64(),
		Status:    string(order.Status),
		ItemIDs:   datatypesJSON(string(encoded)),
		CreatedAt: toTime(order.CreatedUnixUTC),
	}
	err = store.root.session(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectOrder, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeInsert, err)
	}
	return nil
}

// GetOrder loads an order with the items sold under it.
func (store *OrderStore) GetOrder(ctx context.Context, code string) (purchase.Order, error) {
	var row Order
	if err := store.root.session(ctx).Where("code = ?", code).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return purchase.Order{}, wrapStoreError(errorSubjectOrder, errorCodeGet, ErrOrderNotFound)
		}
		return purchase.Order{}, wrapStoreError(errorSubjectOrder, errorCodeGet, err)
	}
	var itemRows []InventoryItem
	if err := store.root.session(ctx).Where("order_code = ?", code).Order("id ASC").Find(&itemRows).Error; err != nil {
		return purchase.Order{}, wrapStoreError(errorSubjectItem, errorCodeList, err)
	}
	items, err := itemsFromRows(itemRows)
	if err != nil {
		return purchase.Order{}, wrapStoreError(errorSubjectItem, errorCodeInvalid, err)
	}
	order, err := orderFromRow(row)
	if err != nil {
		return purchase.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	order.Items = items
	return order, nil
}

// ListOrders returns the newest orders of a user without item payloads.
func (store *OrderStore) ListOrders(ctx context.Context, userID ledger.UserID, limit int) ([]purchase.Order, error) {
	var rows []Order
	err := store.root.session(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectOrder, errorCodeList, err)
	}
	orders := make([]purchase.Order, 0, len(rows))
	for _, row := range rows {
		order, err := orderFromRow(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func orderFromRow(row Order) (purchase.Order, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return purchase.Order{}, err
	}
	productID, err := inventory.NewProductID(row.ProductID)
	if err != nil {
		return purchase.Order{}, err
	}
	return purchase.Order{
		Code:           row.Code,
		UserID:         userID,
		ProductID:      productID,
		Requested:      row.Requested,
		Delivered:      row.Delivered,
		UnitPrice:      ledger.Amount(row.UnitPrice),
		Total:          ledger.Amount(row.Total),
		Status:         purchase.Status(row.Status),
		CreatedUnixUTC: row.CreatedAt.UTC().Unix(),
	}, nil
}
