// Command percolatorctl is the operator tool: migrations, offline audits of
// the persisted state, projection rebuilds and integrity checks.
package main

import (
	"Percolator/internal/config"
	"Percolator/internal/observability"
	"Percolator/internal/persistence"
	"Percolator/internal/projection"
	"Percolator/internal/query"
	"Percolator/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type app struct {
	configPath string
	cfg        *config.Config
	db         *sql.DB
	logger     zerolog.Logger
	out        io.Writer
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	root := &cobra.Command{
		Use:          "percolatorctl",
		Short:        "Operate a Percolator risk engine deployment",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.db != nil {
				return a.db.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		a.migrateCmd(),
		a.auditCmd(),
		a.haircutCmd(),
		a.integrityCmd(),
		a.rebuildCmd(),
		a.statusCmd(),
	)
	return root
}

func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = observability.NewLoggerTo(os.Stderr, "percolatorctl", observability.ParseLogLevel(cfg.Log.Level))

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("postgres ping: %w", err)
	}
	a.db = db
	return nil
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// migrate
// ============================================================================

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Manage the database schema"}
	migrator := func() *persistence.Migrator {
		return persistence.NewMigrator(a.db, a.cfg.Postgres.MigrationsDir, a.logger)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return migrator().Up(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return migrator().Down(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				applied, err := migrator().Applied(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tFILE\tAPPLIED")
				for _, m := range applied {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Version, m.Filename, m.AppliedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			},
		},
	)
	return cmd
}

// ============================================================================
// audit
// ============================================================================

type auditOutput struct {
	Source      string   `json:"source"`
	Sequence    int64    `json:"sequence,omitempty"`
	Accounts    int      `json:"accounts"`
	CapitalSum  string   `json:"capital_sum"`
	PnLPositive string   `json:"pnl_positive_sum"`
	Haircut     string   `json:"haircut"`
	Violations  []string `json:"violations"`
	OK          bool     `json:"ok"`
}

func newAuditOutput(source string, seq int64, r state.AuditReport) auditOutput {
	violations := r.Violations
	if violations == nil {
		violations = []string{}
	}
	return auditOutput{
		Source:      source,
		Sequence:    seq,
		Accounts:    r.Accounts,
		CapitalSum:  r.CapitalSum.String(),
		PnLPositive: r.PnLPositiveSum.String(),
		Haircut:     r.Haircut.Decimal().String(),
		Violations:  violations,
		OK:          r.OK(),
	}
}

func (a *app) auditCmd() *cobra.Command {
	var fromSnapshot bool
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check the conservation and haircut invariants on persisted state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out auditOutput
			if fromSnapshot {
				snap, err := persistence.NewSnapshotManager(a.db).LoadLatestSnapshot(cmd.Context(), a.cfg.Market.ID)
				if err != nil {
					return err
				}
				if snap == nil {
					return fmt.Errorf("no verified snapshot for %s", a.cfg.Market.ID)
				}
				out = newAuditOutput("snapshot", snap.Sequence, state.Audit(snap.Accounts, snap.Global))
			} else {
				store := persistence.NewPostgresStore(a.db, a.cfg.Market.ID)
				accounts, err := store.ListAccounts(cmd.Context())
				if err != nil {
					return err
				}
				g, err := store.LoadGlobal(cmd.Context())
				if err != nil {
					return err
				}
				out = newAuditOutput("engine_tables", 0, state.Audit(accounts, g))
			}
			if err := a.printJSON(out); err != nil {
				return err
			}
			if !out.OK {
				return fmt.Errorf("audit found %d violations", len(out.Violations))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromSnapshot, "snapshot", false, "audit the latest verified snapshot instead of the engine tables")
	return cmd
}

type haircutOutput struct {
	Market       string `json:"market"`
	VaultBalance string `json:"vault_balance"`
	Senior       string `json:"senior_claims"`
	PnLPositive  string `json:"pnl_positive_total"`
	Num          string `json:"num"`
	Den          string `json:"den"`
	Ratio        string `json:"ratio"`
}

func newHaircutOutput(market string, g state.GlobalState) (haircutOutput, error) {
	senior, err := g.CapitalTotal.Add(g.InsuranceFund)
	if err != nil {
		return haircutOutput{}, err
	}
	h := g.Haircut()
	return haircutOutput{
		Market:       market,
		VaultBalance: g.VaultBalance.String(),
		Senior:       senior.String(),
		PnLPositive:  g.PnLPositiveTotal.String(),
		Num:          h.Num.String(),
		Den:          h.Den.String(),
		Ratio:        h.Decimal().String(),
	}, nil
}

func (a *app) haircutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "haircut",
		Short: "Show the current haircut ratio from the engine tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := persistence.NewPostgresStore(a.db, a.cfg.Market.ID).LoadGlobal(cmd.Context())
			if err != nil {
				return err
			}
			out, err := newHaircutOutput(a.cfg.Market.ID, g)
			if err != nil {
				return err
			}
			return a.printJSON(out)
		},
	}
}

// ============================================================================
// integrity, rebuild, status
// ============================================================================

func (a *app) integrityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "integrity",
		Short: "Verify the hash chain and reconcile journal capital",
		RunE: func(cmd *cobra.Command, _ []string) error {
			qs := query.NewQueryService(a.db, nil, 0, a.cfg.Market.ID, nil, a.logger)
			report, err := qs.VerifyIntegrity(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.printJSON(report); err != nil {
				return err
			}
			if !report.IsHealthy {
				return fmt.Errorf("integrity check failed")
			}
			return nil
		},
	}
}

func (a *app) rebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-projections",
		Short: "Recreate the account and global read models from engine state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := projection.RebuildProjections(cmd.Context(), a.db, a.cfg.Market.ID); err != nil {
				return err
			}
			a.logger.Info().Str("market", a.cfg.Market.ID).Msg("projections rebuilt")
			return nil
		},
	}
}

type statusOutput struct {
	Market           string `json:"market"`
	LatestSequence   int64  `json:"latest_sequence"`
	SnapshotSequence *int64 `json:"snapshot_sequence"`
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the event log head and the latest verified snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr := persistence.NewSnapshotManager(a.db)
			latest, err := mgr.GetLatestSequence(cmd.Context(), a.cfg.Market.ID)
			if err != nil {
				return err
			}
			out := statusOutput{Market: a.cfg.Market.ID, LatestSequence: latest}
			snap, err := mgr.LoadLatestSnapshot(cmd.Context(), a.cfg.Market.ID)
			if err != nil {
				return err
			}
			if snap != nil {
				out.SnapshotSequence = &snap.Sequence
			}
			return a.printJSON(out)
		},
	}
}
