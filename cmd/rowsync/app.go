package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/njoerd114/rowsync/internal/config"
	"github.com/njoerd114/rowsync/internal/docstore"
	"github.com/njoerd114/rowsync/internal/ledger"
	"github.com/njoerd114/rowsync/internal/mapper"
	"github.com/njoerd114/rowsync/internal/source"
	syncp "github.com/njoerd114/rowsync/internal/sync"
	"github.com/njoerd114/rowsync/internal/telemetry"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	source   *source.Reader
	ledger   *ledger.Store
	remote   *docstore.Client
	engine   *syncp.Engine
	verifier *syncp.Verifier

	closers []func()
}

// openApp loads the config and wires every component. The caller must call
// close, which also flushes telemetry.
func openApp(ctx context.Context, cfgPath string) (*app, error) {
	logger := slog.Default()

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded",
		"source", cfg.Source.Driver,
		"docstore", cfg.DocStore.BaseURL,
		"kinds", len(cfg.Kinds),
	)

	a := &app{cfg: cfg, log: logger}

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		shutdownTel, err := telemetry.Setup(ctx, telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
			SampleRatio:    cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	// --- Ledger --------------------------------------------------------------

	a.ledger, err = ledger.Open(cfg.Ledger.Path)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening ledger at %q: %w", cfg.Ledger.Path, err)
	}
	a.closers = append(a.closers, func() {
		if err := a.ledger.Close(); err != nil {
			logger.Error("closing ledger", "error", err)
		}
	})
	logger.Info("ledger opened", "path", cfg.Ledger.Path)

	// --- Source --------------------------------------------------------------

	a.source, err = source.Open(cfg.Source.Driver, cfg.Source.DSN, queries(cfg), logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := a.source.Close(); err != nil {
			logger.Error("closing source", "error", err)
		}
	})

	// --- Document store ------------------------------------------------------

	a.remote, err = docstore.New(docstore.Options{
		BaseURL:           cfg.DocStore.BaseURL,
		Token:             cfg.DocStore.Token,
		AuthMode:          docstore.AuthMode(cfg.DocStore.AuthMode),
		Timeout:           cfg.DocStore.Timeout,
		MaxAttempts:       cfg.DocStore.MaxAttempts,
		RequestsPerSecond: cfg.DocStore.RequestsPerSecond,
	}, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("initialising document store client: %w", err)
	}

	// --- Sync engine ---------------------------------------------------------

	kindModes := modes(cfg)
	a.engine = syncp.NewEngine(a.source, mapper.New(rules(cfg)...), a.ledger, a.remote, syncp.Options{
		Concurrency:     cfg.Sync.Concurrency,
		KindConcurrency: cfg.Sync.KindConcurrency,
		Modes:           kindModes,
		ReportPath:      cfg.DocStore.ReportPath,
		Interval:        cfg.Sync.Interval,
		Deadline:        cfg.Sync.Deadline,
	}, logger)
	a.verifier = syncp.NewVerifier(a.ledger, a.remote, kindModes, logger)

	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func queries(cfg *config.Config) []source.Query {
	qs := make([]source.Query, 0, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		qs = append(qs, source.Query{
			Kind:        k.Name,
			SQL:         k.Query,
			Args:        k.Args,
			IDColumn:    k.IDColumn,
			KeepIDField: k.KeepIDField,
		})
	}
	return qs
}

func rules(cfg *config.Config) []mapper.Rule {
	rs := make([]mapper.Rule, 0, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		rs = append(rs, mapper.Rule{
			Kind:         k.Name,
			PathTemplate: k.Path,
			Required:     k.Required,
			Exclude:      k.Exclude,
			Lists:        k.Lists,
			Nest:         k.Nest,
		})
	}
	return rs
}

func modes(cfg *config.Config) map[string]syncp.Mode {
	m := make(map[string]syncp.Mode, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		m[k.Name] = syncp.Mode(k.Mode)
	}
	return m
}

// printStatus shows the configuration and ledger state without contacting
// the source or the remote store.
func printStatus(ctx context.Context, w io.Writer, cfgPath string) error {
	fmt.Fprintln(w, "Rowsync Status")
	fmt.Fprintln(w, "──────────────")

	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Fprintf(w, "  Config:    not found (%s)\n", cfgPath)
		return nil
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(w, "  Config:    %s (invalid: %v)\n", cfgPath, err)
		return nil
	}
	fmt.Fprintf(w, "  Config:    %s ✓\n", cfgPath)
	fmt.Fprintf(w, "  Source:    %s\n", cfg.Source.Driver)
	fmt.Fprintf(w, "  Remote:    %s\n", cfg.DocStore.BaseURL)
	if cfg.Sync.Interval > 0 {
		fmt.Fprintf(w, "  Interval:  %s\n", cfg.Sync.Interval)
	} else {
		fmt.Fprintln(w, "  Interval:  manual (HTTP trigger only)")
	}
	fmt.Fprintf(w, "  Listen:    %s\n", cfg.Server.Listen)
	fmt.Fprintf(w, "  Ledger:    %s\n", ledgerState(cfg.Ledger.Path))

	store, err := openExistingLedger(cfg.Ledger.Path)
	if err != nil {
		return nil
	}
	defer store.Close()

	counts, err := store.Counts(ctx)
	if err != nil {
		return fmt.Errorf("reading ledger: %w", err)
	}
	fmt.Fprintln(w, "  Kinds:")
	for _, k := range cfg.Kinds {
		fmt.Fprintf(w, "    %-16s %6d tracked  (%s, %s)\n", k.Name, counts[k.Name], k.Mode, k.Path)
	}
	return nil
}
