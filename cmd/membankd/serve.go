package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/auth"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/compact"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/config"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/docstore"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/eventstore"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/ratelimit"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/rpc"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage/file"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage/postgres"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/telemetry"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/tenant"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory bank server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// backendDeps is everything the chosen storage backend contributes to the
// server: graph stores, document stores, credentials, the event store,
// readiness, and any background workers of its own.
type backendDeps struct {
	registry *storage.Registry
	docs     rpc.DocsProvider
	keys     auth.KeyStore
	events   eventstore.Store
	ready    func(context.Context) error
	workers  []func(context.Context) error
	close    func()
}

func runServe(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("listen") {
		config.Set("listen", serveListen)
	}
	settings := config.Current()
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if settings.Telemetry.Enabled && os.Getenv("MEMBANK_OTEL_ENABLED") == "" {
		_ = os.Setenv("MEMBANK_OTEL_ENABLED", "true")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "membankd", Version); err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(flushCtx)
	}()

	backend, err := buildBackend(ctx, settings)
	if err != nil {
		return err
	}
	defer backend.close()

	var limiter *ratelimit.Limiter
	if settings.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     settings.Redis.Addr,
			Password: settings.Redis.Password,
			DB:       settings.Redis.DB,
		})
		defer func() { _ = client.Close() }()
		limiter = ratelimit.New(client, settings.RateLimit.FailClosed, logger)
	} else {
		logger.Warn("no redis address configured, rate limiting disabled")
	}

	gate := auth.NewGate(backend.keys, settings.Auth.CacheTTL.Std(), logger)

	srv, err := rpc.NewServer(rpc.Config{
		Addr:            settings.Listen,
		BasePath:        settings.BasePath,
		AllowedOrigins:  settings.HTTP.AllowedOrigins,
		AllowedHosts:    settings.HTTP.AllowedHosts,
		SessionTTL:      settings.Session.TTL.Std(),
		UserRateLimit:   settings.RateLimit.UserPerWindow,
		IPRateLimit:     settings.RateLimit.IPPerWindow,
		RateLimitWindow: settings.RateLimit.Window.Std(),
		MaxBodyBytes:    settings.HTTP.MaxBodyBytes,
	}, rpc.Dependencies{
		Stores:  backend.registry,
		Docs:    backend.docs,
		Events:  backend.events,
		Gate:    gate,
		Limiter: limiter,
		Ready:   backend.ready,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	compactor := compact.New(backend.registry, backend.events, compact.Config{
		Interval:  settings.Compact.Interval.Std(),
		Retention: settings.Events.Retention.Std(),
	}, logger)

	logger.Info("starting membankd",
		"version", Version,
		"listen", settings.Listen,
		"backend", settings.Store.Backend)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(runCtx) })
	g.Go(func() error {
		srv.Sessions().RunJanitor(runCtx)
		return nil
	})
	g.Go(func() error {
		if err := compactor.Run(runCtx); err != nil && runCtx.Err() == nil {
			return err
		}
		return nil
	})
	for _, worker := range backend.workers {
		run := worker
		g.Go(func() error {
			if err := run(runCtx); err != nil && runCtx.Err() == nil {
				return err
			}
			return nil
		})
	}

	err = g.Wait()
	srv.Sessions().CloseAll()
	if closeErr := backend.registry.CloseAll(); closeErr != nil {
		logger.Error("failed to close stores", "error", closeErr)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("membankd stopped")
	return nil
}

func buildBackend(ctx context.Context, settings config.Settings) (*backendDeps, error) {
	switch settings.Store.Backend {
	case config.BackendPostgres:
		return buildPostgresBackend(ctx, settings)
	default:
		return buildFileBackend(settings)
	}
}

func buildFileBackend(settings config.Settings) (*backendDeps, error) {
	root := settings.Store.Root
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating store root %s: %w", root, err)
	}

	// The watcher reports directories, not tenants, so remember which
	// store serves each directory as they open.
	var open sync.Map
	registry := storage.NewRegistry(func(_ context.Context, id types.Tenant) (storage.GraphStore, error) {
		dir := file.TenantDir(root, id)
		store := file.New(dir, file.StoreName(id), logger)
		open.Store(dir, store)
		return telemetry.WrapGraphStore(store), nil
	})

	docs := rpc.DocsProvider(func(id tenant.Identity) storage.DocumentStore {
		return docstore.NewDir(filepath.Join(file.TenantDir(root, id), "docs"), logger)
	})

	keys, err := auth.NewFileKeyStore(filepath.Join(root, auth.KeysFileName), logger)
	if err != nil {
		return nil, fmt.Errorf("opening key store: %w", err)
	}

	watcher, err := file.NewWatcher(root, logger, func(storeDir string) {
		stored, ok := open.Load(storeDir)
		if !ok {
			return
		}
		if _, err := stored.(*file.Store).Rebuild(context.Background()); err != nil {
			logger.Warn("failed to refold store after external write",
				"dir", storeDir, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("starting store watcher: %w", err)
	}

	return &backendDeps{
		registry: registry,
		docs:     docs,
		keys:     keys,
		events:   eventstore.NewMemoryStore(eventstore.DefaultStreamCapacity),
		ready: func(context.Context) error {
			_, err := os.Stat(root)
			return err
		},
		workers: []func(context.Context) error{watcher.Run},
		close:   func() { _ = watcher.Close() },
	}, nil
}

func buildPostgresBackend(ctx context.Context, settings config.Settings) (*backendDeps, error) {
	pool, err := postgres.Connect(ctx, settings.Database.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if err := postgres.Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	// One store serves every tenant; identity travels in the context and
	// row-level security walls the projects off from each other.
	shared := telemetry.WrapGraphStore(postgres.New(pool, logger))
	registry := storage.NewRegistry(func(context.Context, types.Tenant) (storage.GraphStore, error) {
		return shared, nil
	})

	docStore := postgres.NewDocStore(pool, logger)
	docs := rpc.DocsProvider(func(tenant.Identity) storage.DocumentStore {
		return docStore
	})

	return &backendDeps{
		registry: registry,
		docs:     docs,
		keys:     postgres.NewKeyStore(pool, logger),
		events:   postgres.NewEventStore(pool, logger),
		ready:    readyPing(pool),
		close:    pool.Close,
	}, nil
}

func readyPing(pool *pgxpool.Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	}
}
