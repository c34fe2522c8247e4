// internal/snapshot/loader.go
package snapshot

import (
	"context"
	"time"

	"sensorstate-gateway/internal/chart"
	"sensorstate-gateway/internal/data"
	"sensorstate-gateway/internal/logging"
	"sensorstate-gateway/internal/storage"
)

var log = logging.NewLogger("snapshot")

// Loader fetches the initial state for a chart configuration. Implementations
// perform a single attempt; callers decide whether to reload.
type Loader interface {
	Load(ctx context.Context, cfg *chart.Configuration) ([]data.EntityState, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, cfg *chart.Configuration) ([]data.EntityState, error)

func (f LoaderFunc) Load(ctx context.Context, cfg *chart.Configuration) ([]data.EntityState, error) {
	return f(ctx, cfg)
}

// StoreLoader serves snapshots from an in-process last-state store, used when
// charts are hosted by the same gateway that ingests readings.
type StoreLoader struct {
	store *storage.Store
	now   func() time.Time
}

func NewStoreLoader(store *storage.Store) *StoreLoader {
	return &StoreLoader{store: store, now: time.Now}
}

func (l *StoreLoader) Load(ctx context.Context, cfg *chart.Configuration) ([]data.EntityState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	states := l.store.Select(cfg.EntityKeys())
	loadedAt := l.now()
	for i := range states {
		states[i].ReceivedAt = loadedAt
	}
	return states, nil
}
