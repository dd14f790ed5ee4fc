package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"

	"github.com/njoerd114/rowsync/internal/config"
	"github.com/njoerd114/rowsync/internal/docstore"
)

var drivers = []string{"sqlite3", "postgres"}

// Wizard guides the user through first-run configuration.
type Wizard struct {
	prompt  *Prompter
	logger  *slog.Logger
	w       io.Writer
	cfgPath string
	envPath string
}

// NewWizard creates a Wizard that writes the config to cfgPath and secrets to
// the dotenv file at envPath.
func NewWizard(r io.Reader, w io.Writer, cfgPath, envPath string, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt:  NewPrompter(r, w),
		logger:  logger,
		w:       w,
		cfgPath: cfgPath,
		envPath: envPath,
	}
}

// Run executes the wizard. Secrets (the DSN and the token) go to the dotenv
// file, everything else to the YAML config.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to rowsync!\n")
	fmt.Fprintf(wiz.w, "This wizard maps database tables to document store paths.\n\n")

	if _, statErr := os.Stat(wiz.cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", wiz.cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return nil
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 1: source database.
	fmt.Fprintf(wiz.w, "Step 1/4 — Source Database\n")

	idx, err := wiz.prompt.Select("Driver", drivers)
	if err != nil {
		return fmt.Errorf("selecting driver: %w", err)
	}
	driver := drivers[idx]
	dsn := wiz.prompt.String("DSN", "")

	fmt.Fprintf(wiz.w, "  Connecting to the source...")
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		fmt.Fprintf(wiz.w, " ✗\n")
		return fmt.Errorf("cannot reach the source database: %w", err)
	}
	defer db.Close()
	fmt.Fprintf(wiz.w, " ✓\n\n")

	// Step 2: kinds.
	fmt.Fprintf(wiz.w, "Step 2/4 — Tables to Sync\n")

	kinds, err := wiz.buildKinds(ctx, db, driver)
	if err != nil {
		return err
	}

	// Step 3: document store.
	fmt.Fprintf(wiz.w, "Step 3/4 — Document Store\n")

	baseURL := wiz.prompt.String("Database URL (e.g. https://school-app.firebaseio.com)", "")
	token := wiz.prompt.Optional("Auth token")

	client, err := docstore.New(docstore.Options{BaseURL: baseURL, Token: token, MaxAttempts: 1}, wiz.logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(wiz.w, "  Checking the document store...")
	if err := PingDocStore(ctx, client); err != nil {
		fmt.Fprintf(wiz.w, " ✗\n")
		return fmt.Errorf("cannot reach the document store: %w\n\n  Check the URL and token, then try again", err)
	}
	fmt.Fprintf(wiz.w, " ✓\n\n")

	// Step 4: schedule and save.
	fmt.Fprintf(wiz.w, "Step 4/4 — Schedule & Save\n")

	var interval time.Duration
	if intervalStr := wiz.prompt.String("Sync interval in serve mode (0 = HTTP trigger only)", "5m"); intervalStr != "0" {
		interval, err = time.ParseDuration(intervalStr)
		if err != nil || interval < 10*time.Second {
			interval = 5 * time.Minute
			fmt.Fprintf(wiz.w, "  (invalid interval, using default 5m)\n")
		}
	}

	cfg := &config.Config{
		Source:   config.SourceConfig{Driver: driver},
		DocStore: config.DocStoreConfig{BaseURL: baseURL},
		Sync:     config.SyncConfig{Interval: interval},
		Kinds:    kinds,
	}
	if err := cfg.Write(wiz.cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n", wiz.cfgPath)

	secrets := map[string]string{config.EnvSourceDSN: dsn}
	if token != "" {
		secrets[config.EnvDocStoreToken] = token
	}
	if err := writeEnv(wiz.envPath, secrets); err != nil {
		return err
	}
	fmt.Fprintf(wiz.w, "  ✓ Secrets written to %s (loaded with --env-file)\n\n", wiz.envPath)

	fmt.Fprintf(wiz.w, "Setup complete!\n")
	fmt.Fprintf(wiz.w, "  First pass:  rowsync sync\n")
	fmt.Fprintf(wiz.w, "  Serve:       rowsync serve\n")
	fmt.Fprintf(wiz.w, "  Status:      rowsync status\n\n")
	return nil
}

// buildKinds lists the source tables and turns the selected ones into kinds
// that copy every column.
func (wiz *Wizard) buildKinds(ctx context.Context, db *sqlx.DB, driver string) ([]config.KindConfig, error) {
	tables, err := DiscoverTables(ctx, db, driver)
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("the source database has no tables")
	}
	wiz.logger.Debug("discovered tables", "count", len(tables))

	options := make([]string, len(tables))
	for i, t := range tables {
		options[i] = t.String()
	}
	picked, err := wiz.prompt.MultiSelect("Tables", options)
	if err != nil {
		return nil, fmt.Errorf("selecting tables: %w", err)
	}

	kinds := make([]config.KindConfig, 0, len(picked))
	for _, i := range picked {
		t := tables[i]
		name := wiz.prompt.String(fmt.Sprintf("Kind name for %q", t.Name), KindName(t.Name))
		kinds = append(kinds, config.KindConfig{
			Name:     name,
			Query:    "SELECT * FROM " + QuoteIdent(t.Name),
			IDColumn: t.KeyColumn(),
			Path:     name + "/{id}",
		})
		fmt.Fprintf(wiz.w, "  ✓ %s → %s/{id} (key %s)\n", t.Name, name, t.KeyColumn())
	}
	fmt.Fprintf(wiz.w, "\n")
	return kinds, nil
}

// writeEnv merges secrets into the dotenv file at path, keeping other keys.
func writeEnv(path string, secrets map[string]string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		env = map[string]string{}
	}
	for k, v := range secrets {
		env[k] = v
	}
	if err := godotenv.Write(env, path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("restricting %s: %w", path, err)
	}
	return nil
}
