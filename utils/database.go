package utils

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/celerfi/coin-price-indexer/config"
	"github.com/celerfi/coin-price-indexer/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS coingecko_data (
	id            VARCHAR(255)   PRIMARY KEY,
	name          VARCHAR(255)   NOT NULL,
	symbol        VARCHAR(255)   NOT NULL,
	current_price NUMERIC(18, 8) NOT NULL,
	last_updated  TIMESTAMPTZ    NOT NULL,
	ingested_at   TIMESTAMPTZ    NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS coingecko_data_price_idx ON coingecko_data (current_price DESC);
CREATE TABLE IF NOT EXISTS coingecko_price_history (
	id            VARCHAR(255)   NOT NULL,
	last_updated  TIMESTAMPTZ    NOT NULL,
	current_price NUMERIC(18, 8) NOT NULL,
	PRIMARY KEY (id, last_updated)
);`

// rows are only rewritten when something changed; xmax = 0 marks a fresh insert
const upsertSnapshotSQL = `
INSERT INTO coingecko_data (id, name, symbol, current_price, last_updated, ingested_at)
VALUES ($1, $2, $3, $4::text::numeric, $5, $6)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	symbol = EXCLUDED.symbol,
	current_price = EXCLUDED.current_price,
	last_updated = EXCLUDED.last_updated,
	ingested_at = EXCLUDED.ingested_at
WHERE coingecko_data.name IS DISTINCT FROM EXCLUDED.name
	OR coingecko_data.symbol IS DISTINCT FROM EXCLUDED.symbol
	OR coingecko_data.current_price IS DISTINCT FROM EXCLUDED.current_price
	OR coingecko_data.last_updated IS DISTINCT FROM EXCLUDED.last_updated
RETURNING (xmax = 0) AS inserted`

const insertHistorySQL = `
INSERT INTO coingecko_price_history (id, last_updated, current_price)
VALUES ($1, $2, $3::text::numeric)
ON CONFLICT (id, last_updated) DO NOTHING`

const snapshotColumns = `id, name, symbol, current_price::text, last_updated, ingested_at`

// UpsertResult counts what one ingestion transaction did.
type UpsertResult struct {
	Inserted        int `json:"inserted"`
	Updated         int `json:"updated"`
	Unchanged       int `json:"unchanged"`
	HistoryAppended int `json:"history_appended"`
}

// PriceStore reads and writes the snapshot and history tables through a pgx pool.
type PriceStore struct {
	pool        *pgxpool.Pool
	schemaReady atomic.Bool
	now         func() time.Time
}

func NewPriceStore(pool *pgxpool.Pool) *PriceStore {
	return &PriceStore{pool: pool, now: time.Now}
}

func ConnectToDb(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	dbPool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("unable to reach database %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
	}
	return dbPool, nil
}

func (s *PriceStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates both tables if they are missing. Safe to call repeatedly.
func (s *PriceStore) EnsureSchema(ctx context.Context) error {
	if s.schemaReady.Load() {
		return nil
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	s.schemaReady.Store(true)
	return nil
}

// UpsertSnapshots writes every row and its history observation in one transaction on one
// pooled connection. Either all rows land or none do.
func (s *PriceStore) UpsertSnapshots(ctx context.Context, rows []models.CoinSnapshot) (UpsertResult, error) {
	var res UpsertResult
	if len(rows) == 0 {
		return res, nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return res, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin transaction: %w", err)
	}
	// no-op once committed
	defer func() { _ = tx.Rollback(context.Background()) }()

	schemaCreated := false
	if !s.schemaReady.Load() {
		if _, err := tx.Exec(ctx, schemaSQL); err != nil {
			return res, fmt.Errorf("create schema: %w", err)
		}
		schemaCreated = true
	}

	ingestedAt := s.now().UTC()
	batch := &pgx.Batch{}
	for _, row := range rows {
		price := row.CurrentPrice.StringFixed(PriceScale)
		batch.Queue(upsertSnapshotSQL, row.ID, row.Name, row.Symbol, price, row.LastUpdated.UTC(), ingestedAt)
		batch.Queue(insertHistorySQL, row.ID, row.LastUpdated.UTC(), price)
	}

	br := tx.SendBatch(ctx, batch)
	for _, row := range rows {
		var inserted bool
		err := br.QueryRow().Scan(&inserted)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			res.Unchanged++
		case err != nil:
			_ = br.Close()
			return UpsertResult{}, fmt.Errorf("upsert %s: %w", row.ID, err)
		case inserted:
			res.Inserted++
		default:
			res.Updated++
		}

		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return UpsertResult{}, fmt.Errorf("append history %s: %w", row.ID, err)
		}
		res.HistoryAppended += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return UpsertResult{}, fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, fmt.Errorf("commit: %w", err)
	}
	if schemaCreated {
		s.schemaReady.Store(true)
	}
	return res, nil
}

// TopByPrice returns at most limit rows, most expensive first.
func (s *PriceStore) TopByPrice(ctx context.Context, limit int) ([]models.CoinSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+snapshotColumns+` FROM coingecko_data ORDER BY current_price DESC, id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top coins: %w", err)
	}
	return pgx.CollectRows(rows, scanSnapshot)
}

// ByID returns the matching row, or nothing.
func (s *PriceStore) ByID(ctx context.Context, id string) ([]models.CoinSnapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+snapshotColumns+` FROM coingecko_data WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query coin %s: %w", id, err)
	}
	return pgx.CollectRows(rows, scanSnapshot)
}

func (s *PriceStore) KnownIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM coingecko_data ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query coin ids: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PriceStore) CountSnapshots(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM coingecko_data`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count coins: %w", err)
	}
	return n, nil
}

// History returns up to perAsset of the newest observations since the cutoff for each id,
// ordered by id then time ascending.
func (s *PriceStore) History(ctx context.Context, ids []string, since time.Time, perAsset int) ([]models.PricePoint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, last_updated, current_price::text FROM (
			SELECT id, last_updated, current_price,
				row_number() OVER (PARTITION BY id ORDER BY last_updated DESC) AS rn
			FROM coingecko_price_history
			WHERE id = ANY($1) AND last_updated >= $2
		) h
		WHERE rn <= $3
		ORDER BY id, last_updated`, ids, since.UTC(), perAsset)
	if err != nil {
		return nil, fmt.Errorf("query price history: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.PricePoint, error) {
		var p models.PricePoint
		var price string
		if err := row.Scan(&p.ID, &p.LastUpdated, &price); err != nil {
			return p, err
		}
		d, err := decimal.NewFromString(price)
		if err != nil {
			return p, fmt.Errorf("parse price for %s: %w", p.ID, err)
		}
		p.CurrentPrice = d
		p.LastUpdated = p.LastUpdated.UTC()
		return p, nil
	})
}

func scanSnapshot(row pgx.CollectableRow) (models.CoinSnapshot, error) {
	var s models.CoinSnapshot
	var price string
	if err := row.Scan(&s.ID, &s.Name, &s.Symbol, &price, &s.LastUpdated, &s.IngestedAt); err != nil {
		return s, err
	}
	d, err := decimal.NewFromString(price)
	if err != nil {
		return s, fmt.Errorf("parse price for %s: %w", s.ID, err)
	}
	s.CurrentPrice = d
	s.LastUpdated = s.LastUpdated.UTC()
	s.IngestedAt = s.IngestedAt.UTC()
	return s, nil
}
