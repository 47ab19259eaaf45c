package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/celerfi/coin-price-indexer/models"
	"github.com/celerfi/coin-price-indexer/utils"
)

// MarketSource is the upstream listing, normally a *utils.CoinGeckoClient.
type MarketSource interface {
	FetchMarkets(ctx context.Context) ([]json.RawMessage, error)
}

// SnapshotWriter persists one cycle atomically, normally a *utils.PriceStore.
type SnapshotWriter interface {
	UpsertSnapshots(ctx context.Context, rows []models.CoinSnapshot) (utils.UpsertResult, error)
}

// CycleReport summarizes one fetch, validate and upsert pass.
type CycleReport struct {
	CycleID   string        `json:"cycle_id,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Fetched   int           `json:"fetched"`
	Accepted  int           `json:"accepted"`
	Rejected  int           `json:"rejected"`
	utils.UpsertResult
	Error string `json:"error,omitempty"`
	Err   error  `json:"-"`
}

type Ingestor struct {
	Source       MarketSource
	Store        SnapshotWriter
	Logger       *zap.Logger
	CycleTimeout time.Duration
	Now          func() time.Time

	mu   sync.Mutex
	last CycleReport
}

// RunCycle never panics on upstream or database trouble; the failure is reported and
// the table is left as it was.
func (i *Ingestor) RunCycle(ctx context.Context) (report CycleReport) {
	report = CycleReport{CycleID: uuid.NewString(), StartedAt: i.now()}
	log := i.logger().With(zap.String("cycle_id", report.CycleID))

	if i.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.CycleTimeout)
		defer cancel()
	}

	defer func() {
		report.Duration = i.now().Sub(report.StartedAt)
		if report.Err != nil {
			report.Error = report.Err.Error()
		}
		i.mu.Lock()
		i.last = report
		i.mu.Unlock()
	}()

	raws, err := i.Source.FetchMarkets(ctx)
	if err != nil {
		report.Err = err
		log.Warn("markets fetch failed, skipping cycle", zap.Error(err))
		return report
	}
	report.Fetched = len(raws)

	rows, rejected := utils.ParseCoinRecords(raws)
	report.Accepted = len(rows)
	report.Rejected = len(rejected)
	for _, rerr := range rejected {
		log.Warn("skipping invalid record", zap.Int("index", rerr.Index), zap.String("id", rerr.ID), zap.String("reason", rerr.Reason))
	}
	if len(rows) == 0 {
		log.Warn("no valid records in payload", zap.Int("fetched", report.Fetched))
		return report
	}

	res, err := i.Store.UpsertSnapshots(ctx, rows)
	if err != nil {
		report.Err = err
		log.Error("snapshot upsert failed, will retry next cycle", zap.Error(err))
		return report
	}
	report.UpsertResult = res

	log.Info("ingestion cycle complete",
		zap.Int("fetched", report.Fetched),
		zap.Int("accepted", report.Accepted),
		zap.Int("rejected", report.Rejected),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("history_appended", res.HistoryAppended),
	)
	return report
}

// Job adapts RunCycle to scheduler.Task.
func (i *Ingestor) Job(ctx context.Context) {
	i.RunCycle(ctx)
}

// LastReport returns the most recent cycle, or the zero report before the first one.
func (i *Ingestor) LastReport() CycleReport {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.last
}

func (i *Ingestor) now() time.Time {
	if i.Now != nil {
		return i.Now().UTC()
	}
	return time.Now().UTC()
}

func (i *Ingestor) logger() *zap.Logger {
	if i.Logger != nil {
		return i.Logger
	}
	return zap.NewNop()
}
