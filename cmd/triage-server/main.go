package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/triage/internal/config"
	"github.com/ehr/triage/internal/domain/intake"
	"github.com/ehr/triage/internal/domain/queue"
	"github.com/ehr/triage/internal/domain/triage"
	"github.com/ehr/triage/internal/platform/db"
	"github.com/ehr/triage/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "triage-server",
		Short:        "Emergency department triage and queue server",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(recoverCmd())
	root.AddCommand(classifyCmd())
	root.AddCommand(migrateCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the triage API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				logger.Error().Err(err).Msg("failed to start")
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				a.close(closeCtx)
			}()

			if err := a.run(ctx, ":"+cfg.Port); err != nil {
				return err
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}
}

// withQueue opens the configured store for a one-shot command.
func withQueue(ctx context.Context, fn func(*queue.Service) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	store, pool, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}
	return fn(queue.NewService(store, queue.WithLogger(logger)))
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue storage status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(svc *queue.Service) error {
				report, err := svc.Status(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Restore the queue from its backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(svc *queue.Service) error {
				st, err := svc.RecoverFromBackup(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d patient(s), last id %s\n", len(st.Patients), queue.FormatID(st.LastID))
				return nil
			})
		},
	}
}

func classifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify [answers.json]",
		Short: "Score a JSON answer set and print the ESI level",
		Long:  "Reads a JSON object of answers keyed by question id from the given file, or stdin when omitted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("policy")
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			result, err := classify(name, in)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().String("policy", triage.PolicyVitals, "Triage policy to score with")
	return cmd
}

func classify(policyName string, r io.Reader) (intake.Result, error) {
	policy, catalog, err := triage.PolicyByName(policyName)
	if err != nil {
		return intake.Result{}, err
	}
	var raw map[string]any
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return intake.Result{}, fmt.Errorf("decode answers: %w", err)
	}
	answers, err := catalog.Bind(raw)
	if err != nil {
		return intake.Result{}, err
	}
	if err := catalog.RequireComplete(answers); err != nil {
		return intake.Result{}, err
	}
	return intake.NewResult(policy.Name(), policy.Classify(answers)), nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for the postgres queue store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(m *db.Migrator) error {
				count, err := m.Up(cmd.Context())
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(m *db.Migrator) error {
				statuses, err := m.Status(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(*db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(db.NewMigrator(pool, migrations.FS))
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}
