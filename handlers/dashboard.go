package handlers

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/celerfi/coin-price-indexer/models"
	"github.com/celerfi/coin-price-indexer/scheduler"
	"github.com/celerfi/coin-price-indexer/utils"
)

const (
	AllCoins     = "all"
	DefaultLimit = 20
	MaxLimit     = 250

	notEnoughHistory = "not enough price history yet: each coin needs at least two observations"
)

// SnapshotReader is the read side of the store, normally a *utils.PriceStore.
type SnapshotReader interface {
	TopByPrice(ctx context.Context, limit int) ([]models.CoinSnapshot, error)
	ByID(ctx context.Context, id string) ([]models.CoinSnapshot, error)
	History(ctx context.Context, ids []string, since time.Time, perAsset int) ([]models.PricePoint, error)
}

// Dashboard turns the current table contents into chart specifications. It holds no
// state between renders.
type Dashboard struct {
	Store         SnapshotReader
	Clock         scheduler.Clock
	Logger        *zap.Logger
	DefaultLimit  int
	HistoryWindow time.Duration
	HistoryPoints int
}

type workingSet struct {
	selection string
	rows      []models.CoinSnapshot
	err       error
}

// NormalizeSelection lowercases and de-duplicates ids; an empty selection means all coins.
func NormalizeSelection(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) == 0 {
		return []string{AllCoins}
	}
	return out
}

func (d *Dashboard) Render(ctx context.Context, selected []string, limit int) models.DashboardView {
	now := d.clock().Now().UTC()
	selection := NormalizeSelection(selected)
	limit = d.clampLimit(limit)

	sets := make([]workingSet, 0, len(selection))
	for _, sel := range selection {
		rows, err := d.query(ctx, sel, limit)
		if err != nil {
			d.logger().Warn("dashboard query failed", zap.String("selection", sel), zap.Error(err))
		}
		sets = append(sets, workingSet{selection: sel, rows: rows, err: err})
	}

	return models.DashboardView{
		Selection: selection,
		Limit:     limit,
		Charts: []models.Chart{
			d.priceChangeChart(ctx, sets, now),
			volumeChart(sets),
			scatterChart(sets),
			barChart(sets),
			pieChart(sets),
		},
		LastFetched: utils.FormatLastFetched(now),
		GeneratedAt: now,
	}
}

func (d *Dashboard) query(ctx context.Context, selection string, limit int) ([]models.CoinSnapshot, error) {
	if selection == AllCoins {
		return d.Store.TopByPrice(ctx, limit)
	}
	return d.Store.ByID(ctx, selection)
}

func (d *Dashboard) priceChangeChart(ctx context.Context, sets []workingSet, now time.Time) models.Chart {
	chart := models.Chart{
		ID: "price-chart",
		Layout: models.ChartLayout{
			Title: "Price Change Over Time",
			XAxis: &models.AxisSpec{Title: "Date"},
			YAxis: &models.AxisSpec{Title: "Price Change"},
		},
		Data: []models.Trace{},
	}
	chart.Error = setErrors(sets)

	var ids []string
	seen := map[string]bool{}
	for _, set := range sets {
		for _, row := range set.rows {
			if !seen[row.ID] {
				seen[row.ID] = true
				ids = append(ids, row.ID)
			}
		}
	}
	if len(ids) == 0 {
		return chart
	}

	window := d.HistoryWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	points := d.HistoryPoints
	if points <= 1 {
		points = 500
	}
	history, err := d.Store.History(ctx, ids, now.Add(-window), points)
	if err != nil {
		d.logger().Warn("price history query failed", zap.Error(err))
		chart.Error = joinErrors(chart.Error, err.Error())
		return chart
	}

	changes := make(map[string][]models.PriceChange)
	for _, c := range PriceChanges(history) {
		changes[c.ID] = append(changes[c.ID], c)
	}

	for _, set := range sets {
		for _, row := range set.rows {
			series := changes[row.ID]
			if len(series) == 0 {
				continue
			}
			name := "Price Change - " + set.selection
			if set.selection != row.ID {
				name += " (" + row.ID + ")"
			}
			trace := models.Trace{Type: "scatter", Mode: "lines", Name: name}
			for _, c := range series {
				trace.X = append(trace.X, c.ObservedAt)
				trace.Y = append(trace.Y, c.Change)
			}
			chart.Data = append(chart.Data, trace)
		}
	}
	if len(chart.Data) == 0 && chart.Error == "" {
		chart.Note = notEnoughHistory
	}
	return chart
}

// PriceChanges computes (p[i] - p[i-1]) / p[i-1] between consecutive observations of the same
// coin in time order. The first observation of each coin, and any change from a zero price,
// has no value and is left out.
func PriceChanges(points []models.PricePoint) []models.PriceChange {
	sorted := make([]models.PricePoint, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(a, b int) bool {
		if sorted[a].ID != sorted[b].ID {
			return sorted[a].ID < sorted[b].ID
		}
		return sorted[a].LastUpdated.Before(sorted[b].LastUpdated)
	})

	var out []models.PriceChange
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.ID != cur.ID || prev.CurrentPrice.IsZero() {
			continue
		}
		change := cur.CurrentPrice.Sub(prev.CurrentPrice).Div(prev.CurrentPrice)
		out = append(out, models.PriceChange{
			ID:         cur.ID,
			ObservedAt: cur.LastUpdated,
			Change:     change.InexactFloat64(),
		})
	}
	return out
}

func volumeChart(sets []workingSet) models.Chart {
	chart := models.Chart{
		ID: "volume-chart",
		Layout: models.ChartLayout{
			Title: "Current Price by Name",
			XAxis: &models.AxisSpec{Title: "Current Price"},
			YAxis: &models.AxisSpec{Title: "Name"},
		},
		Data:  []models.Trace{},
		Error: setErrors(sets),
	}
	for _, set := range sets {
		if set.err != nil {
			continue
		}
		trace := models.Trace{Type: "bar", Orientation: "h", Name: "Volume - " + set.selection}
		for _, row := range set.rows {
			trace.X = append(trace.X, row.CurrentPrice.InexactFloat64())
			trace.Y = append(trace.Y, row.Name)
		}
		chart.Data = append(chart.Data, trace)
	}
	return chart
}

func scatterChart(sets []workingSet) models.Chart {
	chart := models.Chart{
		ID: "scatter-plot",
		Layout: models.ChartLayout{
			Title: "Price vs. Last Updated",
			XAxis: &models.AxisSpec{Title: "Current Price"},
			YAxis: &models.AxisSpec{Title: "Last Updated"},
		},
		Data:  []models.Trace{},
		Error: setErrors(sets),
	}
	for _, set := range sets {
		if set.err != nil {
			continue
		}
		trace := models.Trace{Type: "scatter", Mode: "markers", Name: "Scatter Plot - " + set.selection}
		for _, row := range set.rows {
			trace.X = append(trace.X, row.CurrentPrice.InexactFloat64())
			trace.Y = append(trace.Y, row.LastUpdated)
		}
		chart.Data = append(chart.Data, trace)
	}
	return chart
}

func barChart(sets []workingSet) models.Chart {
	chart := models.Chart{
		ID: "bar-chart",
		Layout: models.ChartLayout{
			Title: "Current Prices",
			XAxis: &models.AxisSpec{Title: "Symbol"},
			YAxis: &models.AxisSpec{Title: "Current Price"},
		},
		Data:  []models.Trace{},
		Error: setErrors(sets),
	}
	for _, set := range sets {
		if set.err != nil {
			continue
		}
		trace := models.Trace{Type: "bar", Name: "Current Prices - " + set.selection}
		for _, row := range set.rows {
			trace.X = append(trace.X, row.Symbol)
			trace.Y = append(trace.Y, row.CurrentPrice.InexactFloat64())
		}
		chart.Data = append(chart.Data, trace)
	}
	return chart
}

// pieChart merges every selection into one trace; overlapping pies would hide each other.
func pieChart(sets []workingSet) models.Chart {
	chart := models.Chart{
		ID:     "pie-chart",
		Layout: models.ChartLayout{Title: "Cryptocurrency Distribution"},
		Data:   []models.Trace{},
		Error:  setErrors(sets),
	}
	var names []string
	trace := models.Trace{Type: "pie"}
	seen := map[string]bool{}
	for _, set := range sets {
		if set.err != nil {
			continue
		}
		names = append(names, set.selection)
		for _, row := range set.rows {
			if seen[row.ID] {
				continue
			}
			seen[row.ID] = true
			trace.Labels = append(trace.Labels, row.Name)
			trace.Values = append(trace.Values, row.CurrentPrice.InexactFloat64())
		}
	}
	if len(names) > 0 {
		trace.Name = "Pie Chart - " + strings.Join(names, ",")
		chart.Data = append(chart.Data, trace)
	}
	return chart
}

func setErrors(sets []workingSet) string {
	var msgs []string
	for _, set := range sets {
		if set.err != nil {
			msgs = append(msgs, set.selection+": "+set.err.Error())
		}
	}
	return joinErrors(msgs...)
}

func joinErrors(msgs ...string) string {
	var out []string
	for _, m := range msgs {
		if m != "" {
			out = append(out, m)
		}
	}
	return strings.Join(out, "; ")
}

func (d *Dashboard) clampLimit(limit int) int {
	if limit <= 0 {
		limit = d.DefaultLimit
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return limit
}

func (d *Dashboard) clock() scheduler.Clock {
	if d.Clock != nil {
		return d.Clock
	}
	return scheduler.RealClock()
}

func (d *Dashboard) logger() *zap.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return zap.NewNop()
}
