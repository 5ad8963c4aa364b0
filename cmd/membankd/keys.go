package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/auth"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/config"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage/postgres"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

// keyAdminStore is the admin surface shared by the file and relational key
// backends.
type keyAdminStore interface {
	auth.KeyStore
	Insert(ctx context.Context, key *types.APIKey) error
	Revoke(ctx context.Context, keyHash string, at time.Time) error
	ListByProject(ctx context.Context, projectID string) ([]types.APIKey, error)
}

var (
	keysUser      string
	keysProject   string
	keysScopes    []string
	keysRateLimit int
	keysExpiresIn time.Duration
	keysTest      bool
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
	Long: `Keys issues, revokes and lists the API keys the server authenticates
against. Credentials are shown once at creation; only their hash is
stored.`,
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a new API key",
	RunE:  runKeysCreate,
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <credential-or-hash>",
	Short: "Revoke an API key",
	Long: `Revoke accepts either the plaintext credential or its stored hash.
A running server may keep the key cached for up to the auth cache TTL
before the revocation bites.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeysRevoke,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a project's API keys",
	RunE:  runKeysList,
}

func init() {
	keysCreateCmd.Flags().StringVar(&keysUser, "user", "", "User the key authenticates as (required)")
	keysCreateCmd.Flags().StringVar(&keysProject, "project", "", "Project the key grants access to (required)")
	keysCreateCmd.Flags().StringSliceVar(&keysScopes, "scope", nil, "Scopes to grant (default: all)")
	keysCreateCmd.Flags().IntVar(&keysRateLimit, "rate-limit", 0, "Requests per window for this key (0 uses the server default)")
	keysCreateCmd.Flags().DurationVar(&keysExpiresIn, "expires-in", 0, "Expire the key after this duration (0 never expires)")
	keysCreateCmd.Flags().BoolVar(&keysTest, "test", false, "Issue a test-environment credential")

	keysListCmd.Flags().StringVar(&keysProject, "project", "", "Project to list keys for (required)")

	keysCmd.AddCommand(keysCreateCmd)
	keysCmd.AddCommand(keysRevokeCmd)
	keysCmd.AddCommand(keysListCmd)
	rootCmd.AddCommand(keysCmd)
}

// openKeyStore picks the key backend the way serve does: the relational
// store when the backend is postgres, a flat file under the store root
// otherwise.
func openKeyStore(ctx context.Context, settings config.Settings) (keyAdminStore, func(), error) {
	if settings.Store.Backend == config.BackendPostgres {
		pool, err := postgres.Connect(ctx, settings.Database.URL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := postgres.Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("applying schema: %w", err)
		}
		return postgres.NewKeyStore(pool, logger), pool.Close, nil
	}

	if err := os.MkdirAll(settings.Store.Root, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating store root: %w", err)
	}
	store, err := auth.NewFileKeyStore(filepath.Join(settings.Store.Root, auth.KeysFileName), logger)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

func runKeysCreate(cmd *cobra.Command, args []string) error {
	settings := config.Current()
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if keysUser == "" || keysProject == "" {
		return fmt.Errorf("--user and --project are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openKeyStore(ctx, settings)
	if err != nil {
		return err
	}
	defer closeStore()

	plaintext, err := auth.NewCredential(!keysTest)
	if err != nil {
		return err
	}
	key := &types.APIKey{
		KeyHash:   auth.HashCredential(plaintext),
		UserID:    keysUser,
		ProjectID: keysProject,
		Scopes:    keysScopes,
		RateLimit: keysRateLimit,
		CreatedAt: time.Now().UTC(),
	}
	if keysExpiresIn > 0 {
		at := key.CreatedAt.Add(keysExpiresIn)
		key.ExpiresAt = &at
	}
	if err := store.Insert(ctx, key); err != nil {
		return fmt.Errorf("storing key: %w", err)
	}

	if jsonOutput {
		outputJSON(map[string]interface{}{
			"credential": plaintext,
			"keyHash":    key.KeyHash,
			"userId":     key.UserID,
			"projectId":  key.ProjectID,
			"expiresAt":  key.ExpiresAt,
		})
		return nil
	}

	fmt.Printf("✓ Created API key for %s/%s\n\n", key.UserID, key.ProjectID)
	fmt.Printf("    %s\n\n", plaintext)
	fmt.Println("Store this credential now; only its hash is kept.")
	return nil
}

func runKeysRevoke(cmd *cobra.Command, args []string) error {
	settings := config.Current()
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	hash := args[0]
	if auth.ValidCredential(hash) {
		hash = auth.HashCredential(hash)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openKeyStore(ctx, settings)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Revoke(ctx, hash, time.Now().UTC()); err != nil {
		return fmt.Errorf("revoking key: %w", err)
	}

	if jsonOutput {
		outputJSON(map[string]interface{}{"revoked": true, "keyHash": hash})
		return nil
	}
	fmt.Printf("✓ Revoked key %s\n", shortHash(hash))
	return nil
}

func runKeysList(cmd *cobra.Command, args []string) error {
	settings := config.Current()
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if keysProject == "" {
		return fmt.Errorf("--project is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openKeyStore(ctx, settings)
	if err != nil {
		return err
	}
	defer closeStore()

	keys, err := store.ListByProject(ctx, keysProject)
	if err != nil {
		return fmt.Errorf("listing keys: %w", err)
	}

	if jsonOutput {
		outputJSON(map[string]interface{}{"project": keysProject, "keys": keys})
		return nil
	}

	if len(keys) == 0 {
		fmt.Printf("No keys for project %s\n", keysProject)
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "HASH\tUSER\tSTATUS\tCREATED\tLAST USED")
	for i := range keys {
		key := &keys[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shortHash(key.KeyHash), key.UserID, keyStatus(key),
			key.CreatedAt.Format("2006-01-02"), formatLastUsed(key.LastUsedAt))
	}
	w.Flush()
	return nil
}

// shortHash keeps enough of the hash to identify a key in output without
// filling the line.
func shortHash(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12] + "…"
}

func keyStatus(key *types.APIKey) string {
	switch {
	case key.Revoked():
		return "revoked"
	case key.Expired(time.Now().UTC()):
		return "expired"
	case len(key.Scopes) > 0:
		return "active (" + strings.Join(key.Scopes, ",") + ")"
	default:
		return "active"
	}
}

func formatLastUsed(at *time.Time) string {
	if at == nil || at.IsZero() {
		return "never"
	}
	return at.UTC().Format("2006-01-02 15:04")
}
