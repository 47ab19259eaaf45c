package handlers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/celerfi/coin-price-indexer/models"
	"github.com/celerfi/coin-price-indexer/utils"
)

// memStore mimics PriceStore's upsert and query semantics in memory.
type memStore struct {
	mu        sync.Mutex
	rows      map[string]models.CoinSnapshot
	history   []models.PricePoint
	upsertErr error
	readErr   error
	histErr   error
	pingErr   error
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]models.CoinSnapshot{}}
}

func (m *memStore) UpsertSnapshots(ctx context.Context, rows []models.CoinSnapshot) (utils.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res utils.UpsertResult
	if m.upsertErr != nil {
		return res, m.upsertErr
	}
	for _, row := range rows {
		old, ok := m.rows[row.ID]
		switch {
		case !ok:
			res.Inserted++
			m.rows[row.ID] = row
		case old.Name == row.Name && old.Symbol == row.Symbol &&
			old.CurrentPrice.Equal(row.CurrentPrice) && old.LastUpdated.Equal(row.LastUpdated):
			res.Unchanged++
		default:
			res.Updated++
			m.rows[row.ID] = row
		}

		dup := false
		for _, p := range m.history {
			if p.ID == row.ID && p.LastUpdated.Equal(row.LastUpdated) {
				dup = true
				break
			}
		}
		if !dup {
			m.history = append(m.history, models.PricePoint{ID: row.ID, LastUpdated: row.LastUpdated, CurrentPrice: row.CurrentPrice})
			res.HistoryAppended++
		}
	}
	return res, nil
}

func (m *memStore) TopByPrice(ctx context.Context, limit int) ([]models.CoinSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	out := make([]models.CoinSnapshot, 0, len(m.rows))
	for _, row := range m.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(a, b int) bool {
		if c := out[a].CurrentPrice.Cmp(out[b].CurrentPrice); c != 0 {
			return c > 0
		}
		return out[a].ID < out[b].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ByID(ctx context.Context, id string) ([]models.CoinSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	if row, ok := m.rows[id]; ok {
		return []models.CoinSnapshot{row}, nil
	}
	return nil, nil
}

func (m *memStore) History(ctx context.Context, ids []string, since time.Time, perAsset int) ([]models.PricePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.histErr != nil {
		return nil, m.histErr
	}
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	byID := map[string][]models.PricePoint{}
	for _, p := range m.history {
		if want[p.ID] && !p.LastUpdated.Before(since) {
			byID[p.ID] = append(byID[p.ID], p)
		}
	}
	var out []models.PricePoint
	for _, points := range byID {
		sort.Slice(points, func(a, b int) bool { return points[a].LastUpdated.Before(points[b].LastUpdated) })
		if len(points) > perAsset {
			points = points[len(points)-perAsset:]
		}
		out = append(out, points...)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].ID != out[b].ID {
			return out[a].ID < out[b].ID
		}
		return out[a].LastUpdated.Before(out[b].LastUpdated)
	})
	return out, nil
}

func (m *memStore) KnownIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	ids := make([]string, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memStore) Ping(ctx context.Context) error {
	return m.pingErr
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memStore) get(id string) (models.CoinSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	return row, ok
}
