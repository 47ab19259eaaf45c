package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/celerfi/coin-price-indexer/models"
	"github.com/shopspring/decimal"
)

const (
	// PriceScale matches NUMERIC(18, 8).
	PriceScale = 8
	// maxTextLen matches the VARCHAR(255) columns, counted in characters.
	maxTextLen = 255

	lastFetchedLayout = "2006-01-02 15:04:05"
)

// prices must stay below 10^10 to fit 10 integer digits
var maxPrice = decimal.New(1, 18-PriceScale)

// RecordError describes why one upstream record was skipped.
type RecordError struct {
	Index  int
	ID     string
	Reason string
}

func (e *RecordError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("record %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("record %d (%s): %s", e.Index, e.ID, e.Reason)
}

// ParseCoinRecord validates one element of the markets payload and normalizes it into a snapshot row.
func ParseCoinRecord(index int, raw json.RawMessage) (models.CoinSnapshot, error) {
	var rec models.CoinMarketRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.CoinSnapshot{}, &RecordError{Index: index, Reason: fmt.Sprintf("malformed record: %v", err)}
	}

	id := strings.ToLower(strings.TrimSpace(deref(rec.ID)))
	fail := func(format string, args ...any) (models.CoinSnapshot, error) {
		return models.CoinSnapshot{}, &RecordError{Index: index, ID: id, Reason: fmt.Sprintf(format, args...)}
	}

	name := strings.TrimSpace(deref(rec.Name))
	symbol := strings.TrimSpace(deref(rec.Symbol))
	switch {
	case id == "":
		return fail("missing id")
	case name == "":
		return fail("missing name")
	case symbol == "":
		return fail("missing symbol")
	case !storableText(id) || !storableText(name) || !storableText(symbol):
		return fail("unstorable text field (over %d characters or contains NUL)", maxTextLen)
	case rec.CurrentPrice == nil:
		return fail("missing current_price")
	case rec.LastUpdated == nil || strings.TrimSpace(*rec.LastUpdated) == "":
		return fail("missing last_updated")
	}

	price, err := NormalizePrice(*rec.CurrentPrice)
	if err != nil {
		return fail("%v", err)
	}
	lastUpdated, err := ParseUpstreamTime(*rec.LastUpdated)
	if err != nil {
		return fail("%v", err)
	}

	return models.CoinSnapshot{
		ID:           id,
		Name:         name,
		Symbol:       symbol,
		CurrentPrice: price,
		LastUpdated:  lastUpdated,
	}, nil
}

// ParseCoinRecords keeps every valid record and reports the rest. A later duplicate id replaces an earlier one.
func ParseCoinRecords(raws []json.RawMessage) ([]models.CoinSnapshot, []*RecordError) {
	valid := make([]models.CoinSnapshot, 0, len(raws))
	position := make(map[string]int, len(raws))
	var rejected []*RecordError

	for i, raw := range raws {
		snap, err := ParseCoinRecord(i, raw)
		if err != nil {
			var rerr *RecordError
			if !errors.As(err, &rerr) {
				rerr = &RecordError{Index: i, Reason: err.Error()}
			}
			rejected = append(rejected, rerr)
			continue
		}
		if at, ok := position[snap.ID]; ok {
			valid[at] = snap
			continue
		}
		position[snap.ID] = len(valid)
		valid = append(valid, snap)
	}
	return valid, rejected
}

// NormalizePrice rounds to the stored scale and rejects values the column cannot hold.
func NormalizePrice(d decimal.Decimal) (decimal.Decimal, error) {
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative current_price %s", d.String())
	}
	rounded := d.Round(PriceScale)
	if rounded.GreaterThanOrEqual(maxPrice) {
		return decimal.Zero, fmt.Errorf("current_price %s out of range", d.String())
	}
	return rounded, nil
}

// ParseUpstreamTime parses an ISO-8601 timestamp and returns it in UTC.
func ParseUpstreamTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid last_updated %q: %w", s, err)
	}
	return t.UTC(), nil
}

func FormatLastFetched(t time.Time) string {
	return "Last fetched: " + t.UTC().Format(lastFetchedLayout)
}

// storableText reports whether s fits a VARCHAR(255) column in a UTF8 database.
func storableText(s string) bool {
	return utf8.ValidString(s) &&
		!strings.ContainsRune(s, 0) &&
		utf8.RuneCountInString(s) <= maxTextLen
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
