// Command atvctl is the operator tool: schema migrations, audit log
// maintenance, retention sweeps and service provisioning.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"atv.dev/internal/audit"
	"atv.dev/internal/config"
	"atv.dev/internal/cryptox"
	"atv.dev/internal/documents"
	"atv.dev/internal/migrations"
	"atv.dev/internal/services"
	"atv.dev/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type app struct {
	cfg *config.Config
	db  *sql.DB
}

// connect opens the database lazily so commands that fail flag parsing never
// touch it.
func (a *app) connect() error {
	cfg, err := config.Load(nil)
	if err != nil {
		return err
	}
	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.db = db
	return nil
}

func (a *app) close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "atvctl",
		Short:         "Operations tool for the document store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.connect()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	root.AddCommand(
		newMigrateCmd(a),
		newAuditCmd(a),
		newDocumentsCmd(a),
		newServiceCmd(a),
		newAdminCmd(a),
	)
	return root
}

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Manage the database schema"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrations.Up(cmd.Context(), a.db)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrations.Down(cmd.Context(), a.db)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show migration state",
			RunE: func(cmd *cobra.Command, args []string) error {
				lines, err := migrations.Status(cmd.Context(), a.db)
				if err != nil {
					return err
				}
				for _, line := range lines {
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				return nil
			},
		},
	)
	return cmd
}

func (a *app) auditWriter() *audit.Writer {
	var sink audit.Sink
	if a.cfg.AuditSinkURL != "" {
		sink = audit.NewHTTPSink(a.cfg.AuditSinkURL, a.cfg.AuditSinkIndex, a.cfg.AuditSinkAPIKey)
	}
	return audit.NewWriter(audit.NewPGEntryStore(a.db), sink,
		a.cfg.EnableAuditSend, a.cfg.EnableAuditClear, a.cfg.AuditRetention)
}

func newAuditCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Maintain the audit log outbox"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "send",
			Short: "Deliver unsent audit entries to the configured sink",
			RunE: func(cmd *cobra.Command, args []string) error {
				if a.cfg.EnableAuditSend && a.cfg.AuditSinkURL == "" {
					return fmt.Errorf("audit sink is not configured")
				}
				sent, err := a.auditWriter().SendUnsent(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "sent %d entries\n", sent)
				return err
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Purge sent audit entries past the retention window",
			RunE: func(cmd *cobra.Command, args []string) error {
				purged, err := a.auditWriter().ClearSent(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d entries\n", purged)
				return nil
			},
		},
	)
	return cmd
}

func newDocumentsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "documents", Short: "Document maintenance"}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Hard-delete documents whose delete_after date has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			box, err := cryptox.NewBox(a.cfg.FieldEncryptionKey)
			if err != nil {
				return err
			}
			store := documents.NewPGStore(a.db, box)
			n, paths, err := store.SweepExpired(ctx, time.Now())
			if err != nil {
				return err
			}
			blobs, err := newStorage(ctx, a.cfg)
			if err != nil {
				return err
			}
			for _, key := range paths {
				if err := blobs.Delete(ctx, key); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "remove %s: %v\n", key, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d documents, %d files\n", n, len(paths))
			return nil
		},
	})
	return cmd
}

func newServiceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "service", Short: "Provision services and their credentials"}

	var description string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a service with its permission group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := services.NewManager(a.db).CreateService(cmd.Context(), args[0], description)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created service %d (%s)\n", svc.ID, svc.Name)
			return nil
		},
	}
	create.Flags().StringVar(&description, "description", "", "service description")

	var expiresIn time.Duration
	createKey := &cobra.Command{
		Use:   "create-key <service-id>",
		Short: "Issue an API key for a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serviceID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("service id must be an integer: %w", err)
			}
			var expiresAt *time.Time
			if expiresIn > 0 {
				t := time.Now().Add(expiresIn)
				expiresAt = &t
			}
			full, key, err := services.NewManager(a.db).CreateAPIKey(cmd.Context(), serviceID, expiresAt)
			if err != nil {
				return err
			}
			// The full key is shown exactly once; only its hash is stored.
			fmt.Fprintf(cmd.OutOrStdout(), "key id: %s\napi key: %s\n", key.ID, full)
			return nil
		},
	}
	createKey.Flags().DurationVar(&expiresIn, "expires-in", 0, "key lifetime (0 means no expiry)")

	addClientID := &cobra.Command{
		Use:   "add-client-id <service-id> <client-id>",
		Short: "Bind an OIDC client id to a service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			serviceID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("service id must be an integer: %w", err)
			}
			return services.NewManager(a.db).AddClientID(cmd.Context(), serviceID, args[1])
		},
	}

	cmd.AddCommand(create, createKey, addClientID)
	return cmd
}

func newAdminCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "admin", Short: "Manage administrators"}
	cmd.AddCommand(&cobra.Command{
		Use:   "promote <username>",
		Short: "Grant staff and superuser rights to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return services.NewManager(a.db).PromoteAdmin(cmd.Context(), args[0])
		},
	})
	return cmd
}

func newStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	if cfg.S3Bucket == "" {
		return storage.NewLocal(cfg.MediaRoot, cfg.EnableFileDeletion), nil
	}
	return storage.NewS3(ctx, storage.S3Config{
		Bucket:      cfg.S3Bucket,
		Region:      cfg.S3Region,
		Endpoint:    cfg.S3Endpoint,
		AccessKey:   cfg.S3AccessKey,
		SecretKey:   cfg.S3SecretKey,
		AllowDelete: cfg.EnableFileDeletion,
	})
}
