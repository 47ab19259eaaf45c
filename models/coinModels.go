package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CoinSnapshot is one row of the snapshot table: the latest observation per asset.
type CoinSnapshot struct {
	ID           string          `db:"id" json:"id"`
	Name         string          `db:"name" json:"name"`
	Symbol       string          `db:"symbol" json:"symbol"`
	CurrentPrice decimal.Decimal `db:"current_price" json:"current_price"`
	LastUpdated  time.Time       `db:"last_updated" json:"last_updated"`
	IngestedAt   time.Time       `db:"ingested_at" json:"ingested_at"`
}

// CoinMarketRecord is a single element of the coins/markets response.
// Pointers distinguish missing or null fields from zero values.
type CoinMarketRecord struct {
	ID           *string          `json:"id"`
	Name         *string          `json:"name"`
	Symbol       *string          `json:"symbol"`
	CurrentPrice *decimal.Decimal `json:"current_price"`
	LastUpdated  *string          `json:"last_updated"`
}

// PricePoint is one retained observation from the history table.
type PricePoint struct {
	ID           string          `db:"id" json:"id"`
	LastUpdated  time.Time       `db:"last_updated" json:"last_updated"`
	CurrentPrice decimal.Decimal `db:"current_price" json:"current_price"`
}

// PriceChange is the fractional change between two consecutive observations of one asset.
type PriceChange struct {
	ID         string    `json:"id"`
	ObservedAt time.Time `json:"observed_at"`
	Change     float64   `json:"change"`
}
