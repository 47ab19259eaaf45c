package utils

import (
	"context"
	"fmt"

	"github.com/celerfi/coin-price-indexer/config"
)

// OpenPriceStore connects to Postgres and makes sure both tables exist. Errors here are
// configuration or reachability problems and should stop the process.
func OpenPriceStore(ctx context.Context, cfg config.Config) (*PriceStore, func(), error) {
	switch cfg.DeploymentEnvironment {
	case "development", "testing", "production":
	default:
		return nil, nil, fmt.Errorf("set the deployment environment config: options (development, testing, production), got %q", cfg.DeploymentEnvironment)
	}

	pool, err := ConnectToDb(ctx, cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	store := NewPriceStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}
