// Rowsync copies rows of a relational database into a Firebase-style REST
// document store, one document per entity, and keeps them in step.
//
// Usage:
//
//	rowsync init                                            # interactive first-run wizard
//	rowsync sync   [--kinds room,professor] [--deadline 5m]  # one pass, report on stdout
//	rowsync serve                                           # HTTP trigger + optional interval
//	rowsync verify [--repair]                               # compare ledger with remote
//	rowsync status                                          # show config and ledger state
//	rowsync version                                         # print version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/rowsync/internal/api"
	"github.com/njoerd114/rowsync/internal/config"
	"github.com/njoerd114/rowsync/internal/ledger"
	"github.com/njoerd114/rowsync/internal/setup"
	syncp "github.com/njoerd114/rowsync/internal/sync"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// defaultEnvFile is loaded when present; a missing file is not an error.
const defaultEnvFile = ".env"

type globalFlags struct {
	configPath string
	envFile    string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	defaultCfg, _ := config.DefaultPath()

	root := &cobra.Command{
		Use:           "rowsync",
		Short:         "Sync relational rows into a REST document store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			setupLogger(g.verbose)
			return loadEnvFile(g.envFile, cmd.Flags().Changed("env-file"))
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", defaultCfg, "path to config.yaml")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", defaultEnvFile, "dotenv file with ROWSYNC_* secrets")
	root.PersistentFlags().BoolVar(&g.verbose, "verbose", false, "enable debug logging")

	root.AddCommand(
		newInitCmd(g),
		newSyncCmd(g),
		newServeCmd(g),
		newVerifyCmd(g),
		newStatusCmd(g),
		newVersionCmd(),
	)
	return root
}

// --- Subcommands -------------------------------------------------------------

func newInitCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			envFile := g.envFile
			if envFile == "" {
				envFile = defaultEnvFile
			}
			wiz := setup.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout(), g.configPath, envFile, slog.Default())
			return wiz.Run(ctx)
		},
	}
}

func newSyncCmd(g *globalFlags) *cobra.Command {
	var (
		kinds    []string
		deadline time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a single sync pass and print its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			a, err := openApp(ctx, g.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.engine.RunOnce(ctx, syncp.RunOptions{Kinds: kinds, Deadline: deadline})
			if report != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(report); encErr != nil {
					return fmt.Errorf("writing report: %w", encErr)
				}
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "kinds to sync (default: all configured)")
	cmd.Flags().DurationVar(&deadline, "deadline", 0, "stop scheduling new writes after this long (default: sync.deadline)")
	return cmd
}

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP trigger and run the interval scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			a, err := openApp(ctx, g.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			grp, gctx := errgroup.WithContext(ctx)
			grp.Go(func() error {
				return api.Serve(gctx, a.cfg.Server.Listen, api.NewRouter(a.engine, a.ledger, a.log), a.log)
			})
			if a.cfg.Sync.Interval > 0 {
				grp.Go(func() error {
					a.log.Info("scheduler starting", "interval", a.cfg.Sync.Interval)
					if err := a.engine.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
						return fmt.Errorf("sync scheduler: %w", err)
					}
					return nil
				})
			}

			err = grp.Wait()
			a.log.Info("shutdown complete")
			return err
		},
	}
}

func newVerifyCmd(g *globalFlags) *cobra.Command {
	var (
		kinds  []string
		repair bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Compare ledger records with the remote documents",
		Long: `Reads back every document the ledger claims was written and reports
missing or drifted ones. With --repair their ledger records are dropped so the
next sync pass rewrites them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			a, err := openApp(ctx, g.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if len(kinds) == 0 {
				kinds = a.cfg.KindNames()
			}
			for _, k := range kinds {
				if _, ok := a.cfg.Kind(k); !ok {
					return fmt.Errorf("%w: %q", syncp.ErrUnknownKind, k)
				}
			}

			res, err := a.verifier.Run(ctx, kinds, repair)
			if err != nil {
				return err
			}
			res.WriteSummary(cmd.OutOrStdout())
			if (res.Missing > 0 || res.Drifted > 0) && !repair {
				return errors.New("remote store has drifted from the ledger (rerun with --repair)")
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "kinds to verify (default: all configured)")
	cmd.Flags().BoolVar(&repair, "repair", false, "forget ledger records of missing or drifted documents")
	return cmd
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and ledger state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printStatus(cmd.Context(), cmd.OutOrStdout(), g.configPath)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "rowsync", version)
		},
	}
}

// --- Helpers -----------------------------------------------------------------

func setupLogger(verbose bool) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// loadEnvFile loads secrets from a dotenv file without overriding variables
// already set. The default file is optional; an explicit one must exist.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil {
		slog.Debug("loaded env file", "path", path)
		return nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading env file %q: %w", path, err)
}

// ledgerState describes the ledger file for status output.
func ledgerState(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "not found"
	}
	return fmt.Sprintf("%s (%s)", path, humanSize(info.Size()))
}

// openExistingLedger opens the ledger only if it already exists, so status
// never creates one.
func openExistingLedger(path string) (*ledger.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return ledger.Open(path)
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
