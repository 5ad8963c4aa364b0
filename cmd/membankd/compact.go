package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/config"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage/file"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage/postgres"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/tenant"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

var (
	compactUser    string
	compactProject string
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Rewrite event logs down to their live state",
	Long: `Compact rewrites stored event logs so that only the events needed to
reproduce the current graph remain. Superseded upserts, deleted entities
and retracted observations are dropped.

With the file backend, every store under the configured root is
compacted unless --user and --project narrow it to one project. The
postgres backend compacts one project at a time and requires both flags.`,
	RunE: runCompact,
}

func init() {
	compactCmd.Flags().StringVar(&compactUser, "user", "", "Only compact this user's project (requires --project)")
	compactCmd.Flags().StringVar(&compactProject, "project", "", "Only compact this project (requires --user)")
	rootCmd.AddCommand(compactCmd)
}

type compactReport struct {
	Store       string `json:"store"`
	BeforeBytes int64  `json:"beforeBytes"`
	AfterBytes  int64  `json:"afterBytes"`
	EventCount  int    `json:"eventCount"`
}

func runCompact(cmd *cobra.Command, args []string) error {
	settings := config.Current()
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if (compactUser == "") != (compactProject == "") {
		return fmt.Errorf("--user and --project go together")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		reports []compactReport
		err     error
	)
	switch settings.Store.Backend {
	case config.BackendPostgres:
		reports, err = compactPostgres(ctx, settings)
	default:
		reports, err = compactFileStores(ctx, settings)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		outputJSON(map[string]interface{}{"stores": reports})
		return nil
	}

	if len(reports) == 0 {
		fmt.Println("No stores to compact.")
		return nil
	}
	var saved int64
	for _, rep := range reports {
		saved += rep.BeforeBytes - rep.AfterBytes
		fmt.Printf("✓ %s: %d -> %d bytes (%d live events)\n",
			rep.Store, rep.BeforeBytes, rep.AfterBytes, rep.EventCount)
	}
	fmt.Printf("\nCompacted %d store(s), reclaimed %d bytes\n", len(reports), saved)
	return nil
}

func compactFileStores(ctx context.Context, settings config.Settings) ([]compactReport, error) {
	root := settings.Store.Root

	if compactUser != "" {
		id := types.Tenant{UserID: compactUser, ProjectID: compactProject}
		dir := file.TenantDir(root, id)
		if _, err := os.Stat(filepath.Join(dir, file.LogFileName)); err != nil {
			return nil, fmt.Errorf("no store for %s under %s", id, root)
		}
		rep, err := compactDir(ctx, dir)
		if err != nil {
			return nil, err
		}
		return []compactReport{rep}, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading store root %s: %w", root, err)
	}
	var reports []compactReport
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, file.LogFileName)); err != nil {
			continue
		}
		rep, err := compactDir(ctx, dir)
		if err != nil {
			// One corrupt store should not stop the sweep.
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			continue
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

func compactDir(ctx context.Context, dir string) (compactReport, error) {
	store := file.New(dir, filepath.Base(dir), logger)
	if err := store.Initialize(ctx); err != nil {
		return compactReport{}, fmt.Errorf("opening %s: %w", dir, err)
	}
	defer func() { _ = store.Close() }()

	res, err := store.Compact(ctx)
	if err != nil {
		return compactReport{}, fmt.Errorf("compacting %s: %w", dir, err)
	}
	return compactReport{
		Store:       filepath.Base(dir),
		BeforeBytes: res.BeforeBytes,
		AfterBytes:  res.AfterBytes,
		EventCount:  res.EventCount,
	}, nil
}

func compactPostgres(ctx context.Context, settings config.Settings) ([]compactReport, error) {
	if compactUser == "" {
		return nil, fmt.Errorf("the postgres backend compacts one project at a time; pass --user and --project")
	}

	pool, err := postgres.Connect(ctx, settings.Database.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	id := types.Tenant{UserID: compactUser, ProjectID: compactProject}
	store := postgres.New(pool, logger)
	res, err := store.Compact(tenant.WithIdentity(ctx, id))
	if err != nil {
		return nil, fmt.Errorf("compacting %s: %w", id, err)
	}
	return []compactReport{{
		Store:       id.String(),
		BeforeBytes: res.BeforeBytes,
		AfterBytes:  res.AfterBytes,
		EventCount:  res.EventCount,
	}}, nil
}
