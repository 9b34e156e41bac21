package gormstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/inventory"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
)

const (
	itemInsertBatchSize = 500
	promoteChunkSize    = 500
	maxClaimAttempts    = 16
)

// InventoryStore implements inventory.Store.
type InventoryStore struct {
	root *Store
}

var _ inventory.Store = (*InventoryStore)(nil)

// WithTx joins the ambient transaction or opens one.
func (store *InventoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore inventory.Store) error) error {
	return store.root.join(ctx, func(ctx context.Context) error {
		return fn(ctx, store)
	})
}

func (store *InventoryStore) GetProduct(ctx context.Context, productID inventory.ProductID) (inventory.Product, error) {
	return store.loadProduct(ctx, productID, false)
}

func (store *InventoryStore) LockProduct(ctx context.Context, productID inventory.ProductID) (inventory.Product, error) {
	return store.loadProduct(ctx, productID, true)
}

func (store *InventoryStore) loadProduct(ctx context.Context, productID inventory.ProductID, forUpdate bool) (inventory.Product, error) {
	query := store.root.session(ctx).Where("id = ?", productID.String())
	errorCode := errorCodeGet
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		errorCode = errorCodeLock
	}
	var row Product
	if err := query.Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return inventory.Product{}, wrapStoreError(errorSubjectProduct, errorCodeGet, inventory.ErrProductNotFound)
		}
		return inventory.Product{}, wrapStoreError(errorSubjectProduct, errorCode, err)
	}
	product, err := productFromRow(row)
	if err != nil {
		return inventory.Product{}, wrapStoreError(errorSubjectProduct, errorCodeInvalid, err)
	}
	return product, nil
}

func (store *InventoryStore) SaveProduct(ctx context.Context, product inventory.Product) error {
	row := Product{
		ID:                product.ID.String(),
		Name:              product.Name,
		Price:             product.Price.Int64(),
		MinSecondaryStock: product.MinSecondaryStock,
		MaxSecondaryStock: product.MaxSecondaryStock,
		Status:            string(product.Status),
		CreatedAt:         toTime(product.CreatedUnixUTC),
		UpdatedAt:         toTime(product.UpdatedUnixUTC),
	}
	err := store.root.session(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "price", "min_secondary_stock", "max_secondary_stock", "status", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectProduct, errorCodeSave, err)
	}
	return nil
}

func (store *InventoryStore) ListActiveProducts(ctx context.Context) ([]inventory.Product, error) {
	var rows []Product
	err := store.root.session(ctx).
		Where("status = ?", string(inventory.ProductActive)).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectProduct, errorCodeList, err)
	}
	products := make([]inventory.Product, 0, len(rows))
	for _, row := range rows {
		product, err := productFromRow(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectProduct, errorCodeInvalid, err)
		}
		products = append(products, product)
	}
	return products, nil
}

func (store *InventoryStore) InsertItems(ctx context.Context, productID inventory.ProductID, payloads []string, tier inventory.Tier, createdUnixUTC int64) (int, error) {
	if len(payloads) == 0 {
		return 0, nil
	}
	createdAt := toTime(createdUnixUTC)
	rows := make([]InventoryItem, 0, len(payloads))
	for _, payload := range payloads {
		rows = append(rows, InventoryItem{
			ProductID: productID.String(),
			Tier:      string(tier),
			Payload:   payload,
			CreatedAt: createdAt,
		})
	}
	if err := store.root.session(ctx).CreateInBatches(&rows, itemInsertBatchSize).Error; err != nil {
		return 0, wrapStoreError(errorSubjectItem, errorCodeInsert, err)
	}
	return len(rows), nil
}

// ClaimUnsoldItem picks the oldest unsold SECONDARY item and flips it to sold with a
// conditional update. Losing the race to another buyer retries on the next candidate.
// The candidate read is a locking read with SKIP LOCKED: it sees the latest committed
// rows even under MySQL REPEATABLE READ, where a plain SELECT inside the purchase
// transaction would keep returning the snapshot's already-sold item. SQLite drops the
// locking clause and relies on its single writer.
func (store *InventoryStore) ClaimUnsoldItem(ctx context.Context, claim inventory.Claim) (inventory.Item, error) {
	soldAt := toTime(claim.SoldUnixUTC)
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		var candidate InventoryItem
		err := store.root.session(ctx).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("product_id = ? AND tier = ? AND sold = ?", claim.ProductID.String(), string(inventory.TierSecondary), false).
			Order("id ASC").
			Take(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return inventory.Item{}, wrapStoreError(errorSubjectItem, errorCodeGet, fmt.Errorf("%w: %s", inventory.ErrNotEnoughStock, claim.ProductID.String()))
		}
		if err != nil {
			return inventory.Item{}, wrapStoreError(errorSubjectItem, errorCodeGet, err)
		}
		result := store.root.session(ctx).
			Model(&InventoryItem{}).
			Where("id = ? AND sold = ?", candidate.ID, false).
			Updates(map[string]any{
				"sold":       true,
				"buyer_id":   claim.BuyerID.String(),
				"order_code": claim.OrderCode,
				"sold_at":    soldAt,
			})
		if result.Error != nil {
			return inventory.Item{}, wrapStoreError(errorSubjectItem, errorCodeUpdate, result.Error)
		}
		if result.RowsAffected == 1 {
			candidate.Sold = true
			candidate.BuyerID = claim.BuyerID.String()
			candidate.OrderCode = claim.OrderCode
			candidate.SoldAt = &soldAt
			item, err := itemFromRow(candidate)
			if err != nil {
				return inventory.Item{}, wrapStoreError(errorSubjectItem, errorCodeInvalid, err)
			}
			return item, nil
		}
	}
	return inventory.Item{}, wrapStoreError(errorSubjectItem, errorCodeUpdate, inventory.ErrClaimContention)
}

func (store *InventoryStore) CountAvailable(ctx context.Context, productID inventory.ProductID, tier inventory.Tier) (int64, error) {
	var count int64
	err := store.root.session(ctx).
		Model(&InventoryItem{}).
		Where("product_id = ? AND tier = ? AND sold = ?", productID.String(), string(tier), false).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectItem, errorCodeCount, err)
	}
	return count, nil
}

// PromoteItems selects ids first so the update stays portable across dialects that
// reject LIMIT inside UPDATE ... WHERE id IN (subquery).
func (store *InventoryStore) PromoteItems(ctx context.Context, productID inventory.ProductID, limit int64) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	var ids []int64
	err := store.root.session(ctx).
		Model(&InventoryItem{}).
		Where("product_id = ? AND tier = ? AND sold = ?", productID.String(), string(inventory.TierPrimary), false).
		Order("id ASC").
		Limit(int(limit)).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectItem, errorCodeList, err)
	}
	var moved int64
	for start := 0; start < len(ids); start += promoteChunkSize {
		end := start + promoteChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		result := store.root.session(ctx).
			Model(&InventoryItem{}).
			Where("id IN ? AND tier = ? AND sold = ?", ids[start:end], string(inventory.TierPrimary), false).
			Update("tier", string(inventory.TierSecondary))
		if result.Error != nil {
			return 0, wrapStoreError(errorSubjectItem, errorCodeUpdate, result.Error)
		}
		moved += result.RowsAffected
	}
	return moved, nil
}

func (store *InventoryStore) GetItem(ctx context.Context, itemID int64) (inventory.Item, error) {
	var row InventoryItem
	if err := store.root.session(ctx).Where("id = ?", itemID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return inventory.Item{}, wrapStoreError(errorSubjectItem, errorCodeGet, inventory.ErrItemNotFound)
		}
		return inventory.Item{}, wrapStoreError(errorSubjectItem, errorCodeGet, err)
	}
	item, err := itemFromRow(row)
	if err != nil {
		return inventory.Item{}, wrapStoreError(errorSubjectItem, errorCodeInvalid, err)
	}
	return item, nil
}

func (store *InventoryStore) DeleteUnsoldItem(ctx context.Context, itemID int64) error {
	result := store.root.session(ctx).Where("id = ? AND sold = ?", itemID, false).Delete(&InventoryItem{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectItem, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	if _, err := store.GetItem(ctx, itemID); err != nil {
		return err
	}
	return wrapStoreError(errorSubjectItem, errorCodeDelete, inventory.ErrItemSold)
}

func productFromRow(row Product) (inventory.Product, error) {
	productID, err := inventory.NewProductID(row.ID)
	if err != nil {
		return inventory.Product{}, err
	}
	return inventory.Product{
		ID:                productID,
		Name:              row.Name,
		Price:             ledger.Amount(row.Price),
		MinSecondaryStock: row.MinSecondaryStock,
		MaxSecondaryStock: row.MaxSecondaryStock,
		Status:            inventory.ProductStatus(row.Status),
		CreatedUnixUTC:    row.CreatedAt.UTC().Unix(),
		UpdatedUnixUTC:    row.UpdatedAt.UTC().Unix(),
	}, nil
}

func itemFromRow(row InventoryItem) (inventory.Item, error) {
	productID, err := inventory.NewProductID(row.ProductID)
	if err != nil {
		return inventory.Item{}, err
	}
	tier, err := inventory.ParseTier(row.Tier)
	if err != nil {
		return inventory.Item{}, err
	}
	return inventory.Item{
		ID:             row.ID,
		ProductID:      productID,
		Payload:        row.Payload,
		Tier:           tier,
		Sold:           row.Sold,
		BuyerID:        row.BuyerID,
		OrderCode:      row.OrderCode,
		SoldUnixUTC:    fromOptionalTime(row.SoldAt),
		CreatedUnixUTC: row.CreatedAt.UTC().Unix(),
	}, nil
}

func itemsFromRows(rows []InventoryItem) ([]inventory.Item, error) {
	items := make([]inventory.Item, 0, len(rows))
	for _, row := range rows {
		item, err := itemFromRow(row)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
