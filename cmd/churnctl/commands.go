package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/churnwatch/internal/api/middleware"
	"github.com/kiranshivaraju/churnwatch/internal/bootstrap"
	"github.com/kiranshivaraju/churnwatch/internal/cache"
	"github.com/kiranshivaraju/churnwatch/internal/config"
	"github.com/kiranshivaraju/churnwatch/internal/dispatch"
	"github.com/kiranshivaraju/churnwatch/internal/queue"
	"github.com/kiranshivaraju/churnwatch/internal/store"
	"github.com/kiranshivaraju/churnwatch/pkg/models"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

const rawKeyPrefix = "cw_"

// adminStore is the slice of the job store churnctl writes to.
type adminStore interface {
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error
}

// openAdminStore is replaced in tests.
var openAdminStore = func(ctx context.Context, cfg *config.Config, closers *bootstrap.Closers) (adminStore, error) {
	st, _, err := bootstrap.OpenStore(ctx, cfg, closers)
	if err != nil {
		return nil, err
	}
	return st, nil
}

var loadConfig = config.Load

func withAdminStore(cmd *cobra.Command, fn func(ctx context.Context, st adminStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var closers bootstrap.Closers
	defer closers.Close()

	st, err := openAdminStore(cmd.Context(), cfg, &closers)
	if err != nil {
		return err
	}
	return fn(cmd.Context(), st)
}

// --- migrate ---

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := store.RunMigrations(cfg.Database.URL, dir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

// --- tenant ---

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants",
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a tenant and print its id",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("--name is required")
		}

		return withAdminStore(cmd, func(ctx context.Context, st adminStore) error {
			tenant := &models.Tenant{Name: name}
			if err := st.CreateTenant(ctx, tenant); err != nil {
				return fmt.Errorf("create tenant: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tenant_id: %s\nname:      %s\n", tenant.ID, tenant.Name)
			return nil
		})
	},
}

// --- key ---

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage tenant API keys",
}

var keyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint an API key for a tenant",
	Long: `Mint an API key for a tenant. The raw key is printed once and cannot be recovered.

Examples:
  churnctl key create --tenant 0b6f... --name ci-uploader --scopes predictions:write,predictions:read
  churnctl key create --tenant 0b6f... --name ops --scopes admin`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantStr, _ := cmd.Flags().GetString("tenant")
		name, _ := cmd.Flags().GetString("name")
		scopesStr, _ := cmd.Flags().GetString("scopes")

		tenantID, err := uuid.Parse(tenantStr)
		if err != nil {
			return fmt.Errorf("--tenant must be a UUID: %w", err)
		}
		scopes, err := parseScopes(scopesStr)
		if err != nil {
			return err
		}

		return withAdminStore(cmd, func(ctx context.Context, st adminStore) error {
			if _, err := st.GetTenant(ctx, tenantID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("tenant %s does not exist", tenantID)
				}
				return fmt.Errorf("get tenant: %w", err)
			}

			key, raw, err := mintAPIKey(tenantID, name, scopes)
			if err != nil {
				return err
			}
			if err := st.CreateAPIKey(ctx, key); err != nil {
				return fmt.Errorf("create api key: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key_id:  %s\n", key.ID)
			fmt.Fprintf(out, "prefix:  %s\n", key.KeyPrefix)
			fmt.Fprintf(out, "scopes:  %s\n", strings.Join(key.Scopes, ","))
			fmt.Fprintf(out, "api_key: %s\n", raw)
			fmt.Fprintln(out, "Store this key now; it will not be shown again.")
			return nil
		})
	},
}

var keyRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke an API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantStr, _ := cmd.Flags().GetString("tenant")
		idStr, _ := cmd.Flags().GetString("id")

		tenantID, err := uuid.Parse(tenantStr)
		if err != nil {
			return fmt.Errorf("--tenant must be a UUID: %w", err)
		}
		keyID, err := uuid.Parse(idStr)
		if err != nil {
			return fmt.Errorf("--id must be a UUID: %w", err)
		}

		return withAdminStore(cmd, func(ctx context.Context, st adminStore) error {
			if err := st.RevokeAPIKey(ctx, keyID, tenantID); err != nil {
				return fmt.Errorf("revoke api key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", keyID)
			return nil
		})
	},
}

// --- sweep ---

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Republish QUEUED predictions whose enqueue never committed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		ctx := cmd.Context()

		var closers bootstrap.Closers
		defer closers.Close()

		pgStore, _, err := bootstrap.OpenStore(ctx, cfg, &closers)
		if err != nil {
			return err
		}
		var redisCache *cache.RedisCache
		if cfg.Queue.Driver == queue.DriverRedis {
			rc, err := bootstrap.OpenCache(ctx, cfg, &closers)
			if err != nil {
				return err
			}
			redisCache = rc
		}
		q, err := bootstrap.OpenQueue(ctx, cfg, redisCache, &closers)
		if err != nil {
			return err
		}

		pub := dispatch.NewPublisher(q, pgStore, slog.Default(), nil)
		opts := []dispatch.SweeperOption{
			dispatch.WithStallAge(cfg.Sweeper.StallAge),
			dispatch.WithMessageRetention(cfg.Worker.MessageMaxAge),
		}
		if redisCache != nil {
			opts = append(opts, dispatch.WithStatusCache(redisCache))
		}
		sweeper := dispatch.NewSweeper(pgStore, pub, cfg.Sweeper.Interval, cfg.Sweeper.MinAge, slog.Default(), nil, opts...)
		n, err := sweeper.SweepOnce(ctx)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "republished %d prediction(s)\n", n)

		expired, err := sweeper.ExpireOnce(ctx)
		if err != nil {
			return fmt.Errorf("expire: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "expired %d stalled prediction(s)\n", expired)
		return nil
	},
}

func init() {
	migrateCmd.Flags().String("dir", "migrations", "Directory holding the SQL migration files")

	tenantCreateCmd.Flags().String("name", "", "Tenant display name (required)")
	tenantCmd.AddCommand(tenantCreateCmd)

	keyCreateCmd.Flags().String("tenant", "", "Owning tenant id (required)")
	keyCreateCmd.Flags().String("name", "", "Label for the key")
	keyCreateCmd.Flags().String("scopes", models.ScopeSubmit+","+models.ScopeRead, "Comma-separated scopes")
	keyRevokeCmd.Flags().String("tenant", "", "Owning tenant id (required)")
	keyRevokeCmd.Flags().String("id", "", "Key id (required)")
	keyCmd.AddCommand(keyCreateCmd, keyRevokeCmd)
}

var knownScopes = map[string]bool{
	models.ScopeSubmit: true,
	models.ScopeRead:   true,
	models.ScopeAdmin:  true,
}

func parseScopes(s string) ([]string, error) {
	var scopes []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		if !knownScopes[part] {
			return nil, fmt.Errorf("unknown scope %q", part)
		}
		seen[part] = true
		scopes = append(scopes, part)
	}
	if len(scopes) == 0 {
		return nil, fmt.Errorf("--scopes must name at least one scope")
	}
	return scopes, nil
}

// mintAPIKey generates a raw key and the record that stores its bcrypt hash
// under an 8-character lookup prefix.
func mintAPIKey(tenantID uuid.UUID, name string, scopes []string) (*models.APIKey, string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	raw := rawKeyPrefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash key: %w", err)
	}

	return &models.APIKey{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:middleware.KeyPrefixLen],
		Scopes:    scopes,
	}, raw, nil
}
