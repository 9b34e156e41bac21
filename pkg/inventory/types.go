package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
)

var (
	ErrInvalidServiceConfig = errors.New("invalid inventory service config")
	ErrInvalidProductID     = errors.New("invalid product id")
	ErrInvalidProduct       = errors.New("invalid product")
	ErrInvalidTier          = errors.New("invalid warehouse tier")
	ErrProductNotFound      = errors.New("product not found")
	ErrProductInactive      = errors.New("product inactive")
	ErrItemNotFound         = errors.New("item not found")
	ErrItemSold             = errors.New("item already sold")
	ErrNotEnoughStock       = errors.New("not enough stock")
	ErrClaimContention      = errors.New("claim contention")
	ErrEmptyImport          = errors.New("empty import")
)

// Default secondary-tier thresholds for products that do not set their own.
const (
	DefaultMinSecondaryStock = 500
	DefaultMaxSecondaryStock = 1000
)

// ProductID identifies a product.
type ProductID struct {
	value string
}

// NewProductID validates and normalizes a product id.
func NewProductID(raw string) (ProductID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ProductID{}, fmt.Errorf("%w: empty value", ErrInvalidProductID)
	}
	return ProductID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ProductID) String() string {
	return id.value
}

// Tier is the warehouse partition an item lives in.
type Tier string

const (
	// TierPrimary is bulk storage that is never sold from directly.
	TierPrimary Tier = "primary"
	// TierSecondary is the storefront pool that claims draw from.
	TierSecondary Tier = "secondary"
)

// ParseTier validates a stored tier.
func ParseTier(raw string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierPrimary:
		return TierPrimary, nil
	case TierSecondary:
		return TierSecondary, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, raw)
	}
}

// ProductStatus controls whether a product can be bought.
type ProductStatus string

const (
	ProductActive   ProductStatus = "active"
	ProductInactive ProductStatus = "inactive"
)

// Product is a sellable credential type.
type Product struct {
	ID                ProductID
	Name              string
	Price             ledger.Amount
	MinSecondaryStock int64
	MaxSecondaryStock int64
	Status            ProductStatus
	CreatedUnixUTC    int64
	UpdatedUnixUTC    int64
}

// Thresholds returns the effective secondary-tier bounds.
func (product Product) Thresholds() (int64, int64) {
	minimum := product.MinSecondaryStock
	if minimum <= 0 {
		minimum = DefaultMinSecondaryStock
	}
	maximum := product.MaxSecondaryStock
	if maximum <= 0 {
		maximum = DefaultMaxSecondaryStock
	}
	if maximum < minimum {
		maximum = minimum
	}
	return minimum, maximum
}

// Active reports whether the product can be purchased.
func (product Product) Active() bool {
	return product.Status == ProductActive
}

// Validate checks a product before it is saved.
func (product Product) Validate() error {
	if strings.TrimSpace(product.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidProduct)
	}
	if product.Price <= 0 {
		return fmt.Errorf("%w: price must be greater than zero", ErrInvalidProduct)
	}
	if product.MinSecondaryStock < 0 || product.MaxSecondaryStock < 0 {
		return fmt.Errorf("%w: negative stock threshold", ErrInvalidProduct)
	}
	if product.MaxSecondaryStock > 0 && product.MaxSecondaryStock < product.MinSecondaryStock {
		return fmt.Errorf("%w: max secondary stock below min", ErrInvalidProduct)
	}
	switch product.Status {
	case ProductActive, ProductInactive:
		return nil
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidProduct, product.Status)
	}
}

// Item is one opaque credential payload.
type Item struct {
	ID             int64
	ProductID      ProductID
	Payload        string
	Tier           Tier
	Sold           bool
	BuyerID        string
	OrderCode      string
	SoldUnixUTC    int64
	CreatedUnixUTC int64
}

// Claim is the input of an atomic claim.
type Claim struct {
	ProductID   ProductID
	BuyerID     ledger.UserID
	OrderCode   string
	SoldUnixUTC int64
}

// Store is the persistence contract used by Service and Rebalancer.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetProduct(ctx context.Context, productID ProductID) (Product, error)
	// LockProduct holds an exclusive row lock on the product for the surrounding transaction.
	LockProduct(ctx context.Context, productID ProductID) (Product, error)
	SaveProduct(ctx context.Context, product Product) error
	ListActiveProducts(ctx context.Context) ([]Product, error)
	InsertItems(ctx context.Context, productID ProductID, payloads []string, tier Tier, createdUnixUTC int64) (int, error)
	// ClaimUnsoldItem atomically marks one unsold SECONDARY item as sold; ErrNotEnoughStock when none is left.
	ClaimUnsoldItem(ctx context.Context, claim Claim) (Item, error)
	CountAvailable(ctx context.Context, productID ProductID, tier Tier) (int64, error)
	// PromoteItems moves up to limit unsold PRIMARY items, oldest first, to SECONDARY.
	PromoteItems(ctx context.Context, productID ProductID, limit int64) (int64, error)
	GetItem(ctx context.Context, itemID int64) (Item, error)
	// DeleteUnsoldItem removes the item only while it is unsold.
	DeleteUnsoldItem(ctx context.Context, itemID int64) error
}

// StockSink receives post-commit stock changes.
type StockSink interface {
	StockQuantityChanged(ctx context.Context, productID string, quantity int64)
}

// OperationLogger records inventory operations.
type OperationLogger interface {
	LogInventoryOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing inventory operation.
type OperationLog struct {
	Operation string
	ProductID ProductID
	ItemID    int64
	Quantity  int64
	Status    string
	Error     error
}
