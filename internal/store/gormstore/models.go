package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet mirrors the wallets table.
type Wallet struct {
	ID             string    `gorm:"size:36;primaryKey"`
	UserID         string    `gorm:"size:128;not null;uniqueIndex:uniq_wallets_user"`
	Balance        int64     `gorm:"not null;default:0"`
	TotalDeposited int64     `gorm:"not null;default:0"`
	TotalSpent     int64     `gorm:"not null;default:0"`
	LockState      string    `gorm:"size:16;not null;default:unlocked"`
	LockReason     string    `gorm:"size:255;not null;default:''"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

func (wallet *Wallet) BeforeCreate(tx *gorm.DB) error {
	if wallet.ID == "" {
		wallet.ID = uuid.NewString()
	}
	return nil
}

// Transaction mirrors the wallet_transactions table.
type Transaction struct {
	ID               int64          `gorm:"primaryKey;autoIncrement"`
	Code             string         `gorm:"size:64;not null;uniqueIndex:uniq_transactions_code"`
	UserID           string         `gorm:"size:128;not null;index:idx_transactions_user_created,priority:1"`
	Type             string         `gorm:"size:16;not null"`
	Amount           int64          `gorm:"not null"`
	Bonus            int64          `gorm:"not null;default:0"`
	BalanceBefore    int64          `gorm:"not null;default:0"`
	BalanceAfter     *int64         `gorm:"column:balance_after"`
	Status           string         `gorm:"size:16;not null;index:idx_transactions_status_created,priority:1"`
	PaymentMethod    string         `gorm:"size:32;not null;default:''"`
	PaymentReference *string        `gorm:"size:128;uniqueIndex:uniq_transactions_payment_reference"`
	OrderCode        string         `gorm:"size:64;not null;default:'';index:idx_transactions_order"`
	Description      string         `gorm:"size:255;not null;default:''"`
	ErrorMessage     string         `gorm:"type:text"`
	Metadata         datatypes.JSON `gorm:"not null"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_transactions_user_created,priority:2;index:idx_transactions_status_created,priority:2"`
	CompletedAt      *time.Time
}

func (Transaction) TableName() string { return "wallet_transactions" }

// Rank mirrors the ranks table.
type Rank struct {
	ID           int64           `gorm:"primaryKey;autoIncrement"`
	Name         string          `gorm:"size:64;not null;uniqueIndex:uniq_ranks_name"`
	MinDeposit   int64           `gorm:"not null;default:0"`
	BonusPercent decimal.Decimal `gorm:"type:decimal(6,2);not null;default:0"`
	Color        string          `gorm:"size:32;not null;default:''"`
	Icon         string          `gorm:"size:64;not null;default:''"`
	Status       string          `gorm:"size:16;not null;default:active"`
	SortOrder    int             `gorm:"not null;default:0"`
	CreatedAt    time.Time       `gorm:"not null"`
	UpdatedAt    time.Time       `gorm:"not null"`
}

func (Rank) TableName() string { return "ranks" }

// UserProfile mirrors the user_profiles table.
type UserProfile struct {
	UserID                   string          `gorm:"size:128;primaryKey"`
	IsCollaborator           bool            `gorm:"not null;default:false"`
	CollaboratorBonusPercent decimal.Decimal `gorm:"type:decimal(6,2);not null;default:0"`
	UpdatedAt                time.Time       `gorm:"not null"`
}

func (UserProfile) TableName() string { return "user_profiles" }

// Setting mirrors the settings table.
type Setting struct {
	Key       string    `gorm:"column:setting_key;size:128;primaryKey"`
	Value     string    `gorm:"column:setting_value;type:text;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Setting) TableName() string { return "settings" }

// Product mirrors the products table.
type Product struct {
	ID                string    `gorm:"size:64;primaryKey"`
	Name              string    `gorm:"size:255;not null"`
	Price             int64     `gorm:"not null"`
	MinSecondaryStock int64     `gorm:"not null;default:0"`
	MaxSecondaryStock int64     `gorm:"not null;default:0"`
	Status            string    `gorm:"size:16;not null;default:active"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (Product) TableName() string { return "products" }

// InventoryItem mirrors the inventory_items table. The claim index serves the
// (product, tier, sold) lookup that every sale performs.
type InventoryItem struct {
	ID        int64      `gorm:"primaryKey;autoIncrement"`
	ProductID string     `gorm:"size:64;not null;index:idx_items_claim,priority:1"`
	Tier      string     `gorm:"size:16;not null;index:idx_items_claim,priority:2"`
	Sold      bool       `gorm:"not null;default:false;index:idx_items_claim,priority:3"`
	Payload   string     `gorm:"type:text;not null"`
	BuyerID   string     `gorm:"size:128;not null;default:''"`
	OrderCode string     `gorm:"size:64;not null;default:'';index:idx_items_order"`
	SoldAt    *time.Time `gorm:""`
	CreatedAt time.Time  `gorm:"not null"`
}

func (InventoryItem) TableName() string { return "inventory_items" }

// Order mirrors the orders table.
type Order struct {
	ID        int64          `gorm:"primaryKey;autoIncrement"`
	Code      string         `gorm:"size:64;not null;uniqueIndex:uniq_orders_code"`
	UserID    string         `gorm:"size:128;not null;index:idx_orders_user"`
	ProductID string         `gorm:"size:64;not null"`
	Requested int            `gorm:"not null"`
	Delivered int            `gorm:"not null"`
	UnitPrice int64          `gorm:"not null"`
	Total     int64          `gorm:"not null"`
	Status    string         `gorm:"size:16;not null"`
	ItemIDs   datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null"`
}

func (Order) TableName() string { return "orders" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&Wallet{},
		&Transaction{},
		&Rank{},
		&UserProfile{},
		&Setting{},
		&Product{},
		&InventoryItem{},
		&Order{},
	}
}
