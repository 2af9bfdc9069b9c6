// Package cache is the terminal's local copy of reference data: items,
// prices, and promotions, refreshed by delta pulls. Sales ring against this
// cache; the terminal never needs the server to price a basket.
package cache

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cedarledger/cedarledger/internal/refdata"
)

// Item mirrors one refdata item locally. Prices are stored as strings to
// round-trip decimals exactly through SQLite.
type Item struct {
	ID         string `gorm:"primaryKey;size:36"`
	SKU        string `gorm:"index"`
	Name       string
	Barcode    string `gorm:"index"`
	PriceUSD   string
	PriceLBP   string
	VATRatePct string
	Active     bool
	UpdatedAt  time.Time
}

func (Item) TableName() string { return "cache_items" }

// Promotion mirrors one refdata promotion locally.
type Promotion struct {
	ID         string `gorm:"primaryKey;size:36"`
	Name       string
	ItemID     *string `gorm:"index"`
	PercentOff *string
	AmountUSD  *string
	AmountLBP  *string
	StartsAt   time.Time
	EndsAt     time.Time
	Active     bool
	UpdatedAt  time.Time
}

func (Promotion) TableName() string { return "cache_promotions" }

// PriceList mirrors one refdata price list locally.
type PriceList struct {
	ID        string `gorm:"primaryKey;size:36"`
	Name      string
	Priority  int
	Active    bool
	UpdatedAt time.Time
}

func (PriceList) TableName() string { return "cache_price_lists" }

// Price mirrors one refdata price list entry locally.
type Price struct {
	ID          string `gorm:"primaryKey;size:36"`
	PriceListID string `gorm:"index"`
	ItemID      string `gorm:"index"`
	PriceUSD    string
	PriceLBP    string
	Active      bool
	UpdatedAt   time.Time
}

func (Price) TableName() string { return "cache_item_prices" }

type meta struct {
	Key   string `gorm:"primaryKey;size:32"`
	Value string
}

func (meta) TableName() string { return "cache_meta" }

const cursorKey = "refdata_cursor"

// Store holds the local reference data.
type Store struct {
	db *gorm.DB
}

// Open creates or opens the cache database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	return OpenWithDB(db)
}

// OpenWithDB wraps an existing gorm handle, for tests.
func OpenWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Item{}, &PriceList{}, &Price{}, &Promotion{}, &meta{}); err != nil {
		return nil, fmt.Errorf("cache: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Cursor returns the stored pull cursor, empty on a fresh cache.
func (s *Store) Cursor() (string, error) {
	var m meta
	err := s.db.First(&m, "key = ?", cursorKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return m.Value, nil
}

// ApplyDelta upserts one pull page and advances the cursor in one
// transaction, so a crash mid-apply replays the same page harmlessly.
func (s *Store) ApplyDelta(delta refdata.Delta) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, it := range delta.Items {
			row := Item{
				ID:         it.ID.String(),
				SKU:        it.SKU,
				Name:       it.Name,
				Barcode:    it.Barcode,
				PriceUSD:   it.PriceUSD.String(),
				PriceLBP:   it.PriceLBP.String(),
				VATRatePct: it.VATRatePct.String(),
				Active:     it.Active,
				UpdatedAt:  it.UpdatedAt,
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
				return err
			}
		}
		for _, pl := range delta.PriceLists {
			row := PriceList{
				ID:        pl.ID.String(),
				Name:      pl.Name,
				Priority:  pl.Priority,
				Active:    pl.Active,
				UpdatedAt: pl.UpdatedAt,
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
				return err
			}
		}
		for _, pr := range delta.Prices {
			row := Price{
				ID:          pr.ID.String(),
				PriceListID: pr.PriceListID.String(),
				ItemID:      pr.ItemID.String(),
				PriceUSD:    pr.PriceUSD.String(),
				PriceLBP:    pr.PriceLBP.String(),
				Active:      pr.Active,
				UpdatedAt:   pr.UpdatedAt,
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
				return err
			}
		}
		for _, p := range delta.Promotions {
			row := Promotion{
				ID:        p.ID.String(),
				Name:      p.Name,
				StartsAt:  p.StartsAt,
				EndsAt:    p.EndsAt,
				Active:    p.Active,
				UpdatedAt: p.UpdatedAt,
			}
			if p.ItemID != nil {
				id := p.ItemID.String()
				row.ItemID = &id
			}
			if p.PercentOff != nil {
				v := p.PercentOff.String()
				row.PercentOff = &v
			}
			if p.AmountUSD != nil {
				v := p.AmountUSD.String()
				row.AmountUSD = &v
			}
			if p.AmountLBP != nil {
				v := p.AmountLBP.String()
				row.AmountLBP = &v
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
				return err
			}
		}
		if delta.Cursor == "" {
			return nil
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).
			Create(&meta{Key: cursorKey, Value: delta.Cursor}).Error
	})
}

// LookupBarcode finds an active item by barcode.
func (s *Store) LookupBarcode(barcode string) (Item, bool, error) {
	var it Item
	err := s.db.First(&it, "barcode = ? AND active = ?", barcode, true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}
	return it, true, nil
}

// EffectivePrice resolves an item's selling price: the entry from the
// highest-priority active price list, or the item's base price when no list
// covers it.
func (s *Store) EffectivePrice(itemID string) (priceUSD, priceLBP string, err error) {
	var pr Price
	err = s.db.
		Joins("JOIN cache_price_lists ON cache_price_lists.id = cache_item_prices.price_list_id").
		Where("cache_item_prices.item_id = ? AND cache_item_prices.active = ? AND cache_price_lists.active = ?",
			itemID, true, true).
		Order("cache_price_lists.priority DESC").
		First(&pr).Error
	if err == nil {
		return pr.PriceUSD, pr.PriceLBP, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", err
	}

	var it Item
	if err := s.db.First(&it, "id = ?", itemID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", fmt.Errorf("cache: unknown item %s", itemID)
		}
		return "", "", err
	}
	return it.PriceUSD, it.PriceLBP, nil
}

// ItemCount reports cache size for the status display.
func (s *Store) ItemCount() (int64, error) {
	var n int64
	err := s.db.Model(&Item{}).Count(&n).Error
	return n, err
}
