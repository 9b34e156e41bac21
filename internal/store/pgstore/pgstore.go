// Package pgstore implements the inventory store directly on a pgx pool. Sales claim
// rows with FOR UPDATE SKIP LOCKED so concurrent buyers never queue on the same item.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/inventory"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
)

const (
	pgUniqueViolationCode  = "23505"
	pgLockNotAvailableCode = "55P03"
	pgDeadlockDetectedCode = "40P01"
	pgSerializationFailure = "40001"
	errorOperationStore    = "store"
	errorSubjectProduct    = "product"
	errorSubjectItem       = "item"
	errorSubjectTx         = "transaction"
	errorCodeBegin         = "begin"
	errorCodeCommit        = "commit"
	errorCodeContention    = "lock_contention"
	errorCodeCount         = "count"
	errorCodeDelete        = "delete"
	errorCodeDuplicate     = "duplicate"
	errorCodeGet           = "get"
	errorCodeInsert        = "insert"
	errorCodeInvalid       = "invalid"
	errorCodeList          = "list"
	errorCodeLock          = "lock"
	errorCodeSave          = "save"
	errorCodeUpdate        = "update"

	productColumns = `id, name, price, min_secondary_stock, max_secondary_stock, status,
		extract(epoch from created_at)::bigint, extract(epoch from updated_at)::bigint`

	itemColumns = `id, product_id, payload, tier, sold, buyer_id, order_code,
		coalesce(extract(epoch from sold_at)::bigint, 0), extract(epoch from created_at)::bigint`

	sqlSelectProduct = `select ` + productColumns + ` from products where id = $1`

	sqlLockProduct = sqlSelectProduct + ` for update`

	sqlUpsertProduct = `
		insert into products(id, name, price, min_secondary_stock, max_secondary_stock, status, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, to_timestamp($7), to_timestamp($8))
		on conflict (id) do update set
			name = excluded.name,
			price = excluded.price,
			min_secondary_stock = excluded.min_secondary_stock,
			max_secondary_stock = excluded.max_secondary_stock,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	sqlListActiveProducts = `select ` + productColumns + ` from products where status = $1 order by id`

	sqlClaimUnsold = `
		update inventory_items
		set sold = true, buyer_id = $2, order_code = $3, sold_at = to_timestamp($4)
		where id = (
			select id from inventory_items
			where product_id = $1 and tier = 'secondary' and sold = false
			order by id
			limit 1
			for update skip locked
		)
		returning ` + itemColumns

	sqlCountAvailable = `
		select count(*) from inventory_items
		where product_id = $1 and tier = $2 and sold = false
	`

	sqlPromote = `
		update inventory_items set tier = 'secondary'
		where id in (
			select id from inventory_items
			where product_id = $1 and tier = 'primary' and sold = false
			order by id
			limit $2
			for update skip locked
		)
	`

	sqlSelectItem = `select ` + itemColumns + ` from inventory_items where id = $1`

	sqlDeleteUnsold = `delete from inventory_items where id = $1 and sold = false`
)

var itemCopyColumns = []string{"product_id", "tier", "sold", "payload", "buyer_id", "order_code", "created_at"}

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store implements inventory.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// TxStore implements inventory.Store for an active transaction.
type TxStore struct {
	Store
}

var (
	_ inventory.Store = (*Store)(nil)
	_ inventory.Store = (*TxStore)(nil)
)

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore inventory.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &TxStore{Store: Store{pool: store.pool, db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

// WithTx on a TxStore keeps using the open transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore inventory.Store) error) error {
	return fn(ctx, store)
}

func (store *Store) GetProduct(ctx context.Context, productID inventory.ProductID) (inventory.Product, error) {
	return store.scanProduct(store.db.QueryRow(ctx, sqlSelectProduct, productID.String()), errorCodeGet)
}

func (store *Store) LockProduct(ctx context.Context, productID inventory.ProductID) (inventory.Product, error) {
	return store.scanProduct(store.db.QueryRow(ctx, sqlLockProduct, productID.String()), errorCodeLock)
}

func (store *Store) scanProduct(row pgx.Row, errorCode string) (inventory.Product, error) {
	product, err := scanProductRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.Product{}, wrapStoreError(errorSubjectProduct, errorCodeGet, inventory.ErrProductNotFound)
	}
	if err != nil {
		return inventory.Product{}, wrapStoreError(errorSubjectProduct, errorCode, err)
	}
	return product, nil
}

func (store *Store) SaveProduct(ctx context.Context, product inventory.Product) error {
	_, err := store.db.Exec(ctx, sqlUpsertProduct,
		product.ID.String(),
		product.Name,
		product.Price.Int64(),
		product.MinSecondaryStock,
		product.MaxSecondaryStock,
		string(product.Status),
		orNow(product.CreatedUnixUTC),
		orNow(product.UpdatedUnixUTC),
	)
	if err != nil {
		return wrapStoreError(errorSubjectProduct, errorCodeSave, err)
	}
	return nil
}

func (store *Store) ListActiveProducts(ctx context.Context) ([]inventory.Product, error) {
	rows, err := store.db.Query(ctx, sqlListActiveProducts, string(inventory.ProductActive))
	if err != nil {
		return nil, wrapStoreError(errorSubjectProduct, errorCodeList, err)
	}
	defer rows.Close()
	var products []inventory.Product
	for rows.Next() {
		product, err := scanProductRow(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectProduct, errorCodeInvalid, err)
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectProduct, errorCodeList, err)
	}
	return products, nil
}

func (store *Store) InsertItems(ctx context.Context, productID inventory.ProductID, payloads []string, tier inventory.Tier, createdUnixUTC int64) (int, error) {
	if len(payloads) == 0 {
		return 0, nil
	}
	createdAt := time.Unix(orNow(createdUnixUTC), 0).UTC()
	copied, err := store.db.CopyFrom(ctx, pgx.Identifier{"inventory_items"}, itemCopyColumns,
		pgx.CopyFromSlice(len(payloads), func(index int) ([]any, error) {
			return []any{productID.String(), string(tier), false, payloads[index], "", "", createdAt}, nil
		}))
	if err != nil {
		return 0, wrapStoreError(errorSubjectItem, errorCodeInsert, err)
	}
	return int(copied), nil
}

// ClaimUnsoldItem skips rows other transactions are claiming; an empty result
// means no unlocked unsold SECONDARY item remains.
func (store *Store) ClaimUnsoldItem(ctx context.Context, claim inventory.Claim) (inventory.Item, error) {
	row := store.db.QueryRow(ctx, sqlClaimUnsold,
		claim.ProductID.String(),
		claim.BuyerID.String(),
		claim.OrderCode,
		orNow(claim.SoldUnixUTC),
	)
	item, err := scanItemRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.Item{}, wrapStoreError(errorSubjectItem, errorCodeUpdate, fmt.Errorf("%w: %s", inventory.ErrNotEnoughStock, claim.ProductID.String()))
	}
	if err != nil {
		return inventory.Item{}, wrapStoreError(errorSubjectItem, errorCodeUpdate, err)
	}
	return item, nil
}

func (store *Store) CountAvailable(ctx context.Context, productID inventory.ProductID, tier inventory.Tier) (int64, error) {
	var count int64
	if err := store.db.QueryRow(ctx, sqlCountAvailable, productID.String(), string(tier)).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectItem, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) PromoteItems(ctx context.Context, productID inventory.ProductID, limit int64) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	tag, err := store.db.Exec(ctx, sqlPromote, productID.String(), limit)
	if err != nil {
		return 0, wrapStoreError(errorSubjectItem, errorCodeUpdate, err)
	}
	return tag.RowsAffected(), nil
}

func (store *Store) GetItem(ctx context.Context, itemID int64) (inventory.Item, error) {
	item, err := scanItemRow(store.db.QueryRow(ctx, sqlSelectItem, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.Item{}, wrapStoreError(errorSubjectItem, errorCodeGet, inventory.ErrItemNotFound)
	}
	if err != nil {
		return inventory.Item{}, wrapStoreError(errorSubjectItem, errorCodeGet, err)
	}
	return item, nil
}

func (store *Store) DeleteUnsoldItem(ctx context.Context, itemID int64) error {
	tag, err := store.db.Exec(ctx, sqlDeleteUnsold, itemID)
	if err != nil {
		return wrapStoreError(errorSubjectItem, errorCodeDelete, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := store.GetItem(ctx, itemID); err != nil {
		return err
	}
	return wrapStoreError(errorSubjectItem, errorCodeDelete, inventory.ErrItemSold)
}

func scanProductRow(row pgx.Row) (inventory.Product, error) {
	var (
		id, name, status string
		price            int64
		minimum, maximum int64
		created, updated int64
	)
	if err := row.Scan(&id, &name, &price, &minimum, &maximum, &status, &created, &updated); err != nil {
		return inventory.Product{}, err
	}
	productID, err := inventory.NewProductID(id)
	if err != nil {
		return inventory.Product{}, err
	}
	return inventory.Product{
		ID:                productID,
		Name:              name,
		Price:             ledger.Amount(price),
		MinSecondaryStock: minimum,
		MaxSecondaryStock: maximum,
		Status:            inventory.ProductStatus(status),
		CreatedUnixUTC:    created,
		UpdatedUnixUTC:    updated,
	}, nil
}

func scanItemRow(row pgx.Row) (inventory.Item, error) {
	var (
		item                        inventory.Item
		productValue, tierValue     string
		soldUnixUTC, createdUnixUTC int64
	)
	err := row.Scan(&item.ID, &productValue, &item.Payload, &tierValue, &item.Sold, &item.BuyerID, &item.OrderCode, &soldUnixUTC, &createdUnixUTC)
	if err != nil {
		return inventory.Item{}, err
	}
	productID, err := inventory.NewProductID(productValue)
	if err != nil {
		return inventory.Item{}, err
	}
	tier, err := inventory.ParseTier(tierValue)
	if err != nil {
		return inventory.Item{}, err
	}
	item.ProductID = productID
	item.Tier = tier
	item.SoldUnixUTC = soldUnixUTC
	item.CreatedUnixUTC = createdUnixUTC
	return item, nil
}

func orNow(unixUTC int64) int64 {
	if unixUTC == 0 {
		return time.Now().UTC().Unix()
	}
	return unixUTC
}

func wrapStoreError(subject string, code string, err error) error {
	if isLockContention(err) {
		return ledger.WrapError(errorOperationStore, subject, errorCodeContention, fmt.Errorf("%w: %v", ledger.ErrLockContention, err))
	}
	if isUniqueViolation(err) {
		return ledger.WrapError(errorOperationStore, subject, errorCodeDuplicate, err)
	}
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode
}

func isLockContention(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgLockNotAvailableCode, pgDeadlockDetectedCode, pgSerializationFailure:
		return true
	default:
		return false
	}
}
