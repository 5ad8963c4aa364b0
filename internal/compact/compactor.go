// Package compact rewrites append-only graph logs down to their minimal
// form and prunes the notification event store past its replay horizon.
// The daemon runs one Compactor in the background; `membankd compact`
// drives the same code for a single pass.
package compact

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/tenant"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

const (
	defaultConcurrency = 4
	defaultRetention   = 24 * time.Hour
)

// storeSource yields the stores to compact. *storage.Registry implements it.
type storeSource interface {
	Stores() map[types.Tenant]storage.GraphStore
}

// eventPurger discards old notification events. Both event store
// implementations satisfy it; nil disables event pruning.
type eventPurger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds compaction settings.
type Config struct {
	// Concurrency bounds parallel per-store compactions.
	Concurrency int
	// Interval is the background cadence for Run. Zero or negative
	// disables the periodic loop.
	Interval time.Duration
	// Retention bounds how old a notification event may get before
	// PurgeEvents discards it. This is also the reach of Last-Event-ID
	// replay, so it should not undercut the session TTL.
	Retention time.Duration
}

// Compactor compacts every open graph store and prunes the event store.
type Compactor struct {
	stores storeSource
	events eventPurger
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a compactor over the given stores. events may be nil when
// there is no event store to prune, as in the one-shot CLI path.
func New(stores storeSource, events eventPurger, config Config, logger *slog.Logger) *Compactor {
	if config.Concurrency <= 0 {
		config.Concurrency = defaultConcurrency
	}
	if config.Retention <= 0 {
		config.Retention = defaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		stores: stores,
		events: events,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Result reports one store's compaction.
type Result struct {
	Tenant      types.Tenant
	BeforeBytes int64
	AfterBytes  int64
	EventCount  int
	Err         error
}

// SavedBytes reports how much the log shrank.
func (r Result) SavedBytes() int64 { return r.BeforeBytes - r.AfterBytes }

// CompactAll compacts every open store with bounded concurrency and
// returns one result per store. A store that fails to compact keeps its
// log intact and reports the error in its result; other stores proceed.
func (c *Compactor) CompactAll(ctx context.Context) []Result {
	open := c.stores.Stores()
	results := make([]Result, 0, len(open))
	for tenant := range open {
		results = append(results, Result{Tenant: tenant})
	}

	sem := make(chan struct{}, c.config.Concurrency)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(res *Result) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			// The relational backend scopes every statement to the
			// identity on the context.
			summary, err := open[res.Tenant].Compact(tenant.WithIdentity(ctx, res.Tenant))
			if err != nil {
				res.Err = err
				c.logger.Warn("compaction failed",
					"tenant", res.Tenant.String(), "error", err)
				return
			}
			res.BeforeBytes = summary.BeforeBytes
			res.AfterBytes = summary.AfterBytes
			res.EventCount = summary.EventCount
			c.logger.Debug("store compacted",
				"tenant", res.Tenant.String(),
				"before_bytes", summary.BeforeBytes,
				"after_bytes", summary.AfterBytes,
				"events", summary.EventCount)
		}(&results[i])
	}
	wg.Wait()
	return results
}

// PurgeEvents discards notification events older than the retention
// horizon and reports how many were dropped.
func (c *Compactor) PurgeEvents(ctx context.Context) (int64, error) {
	if c.events == nil {
		return 0, nil
	}
	cutoff := c.now().Add(-c.config.Retention)
	return c.events.PurgeBefore(ctx, cutoff)
}

// Run compacts on the configured interval until the context ends. The
// first pass happens immediately; subsequent passes follow Interval. A
// non-positive interval turns Run into a no-op that waits for cancellation.
func (c *Compactor) Run(ctx context.Context) error {
	if c.config.Interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	c.pass(ctx)
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.pass(ctx)
		}
	}
}

func (c *Compactor) pass(ctx context.Context) {
	results := c.CompactAll(ctx)
	var saved int64
	failures := 0
	for _, res := range results {
		if res.Err != nil {
			failures++
			continue
		}
		saved += res.SavedBytes()
	}

	purged, err := c.PurgeEvents(ctx)
	if err != nil {
		c.logger.Warn("event purge failed", "error", err)
	}

	c.logger.Info("compaction pass complete",
		"stores", len(results),
		"failures", failures,
		"saved_bytes", saved,
		"events_purged", purged)
}
