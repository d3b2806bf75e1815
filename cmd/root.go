// Package cmd defines the hydrator command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-hydrator/internal/app"
	"github.com/JakeFAU/bulk-hydrator/internal/config"
	"github.com/JakeFAU/bulk-hydrator/internal/hydrator"
	"github.com/JakeFAU/bulk-hydrator/internal/logging"
)

// App defines the application interface that commands use, so tests can
// inject a fake.
type App interface {
	Hydrate(ctx context.Context, input string) (hydrator.RunStats, error)
	Provision(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, outputDir string) (App, error) {
	a, err := app.Build(ctx, cfg, outputDir, app.Options{})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hydrator [flags] <input|-> <output_dir>",
		Short: "Hydrate a batch of records through an external extraction worker.",
		Long: `hydrator reads a JSON array of records, each carrying an ID and a URL,
runs the extraction worker once per URL, optionally attaches an archive
snapshot lookup, and writes every enriched record to <output_dir>/<ID>.json.
Use "-" as input to read the batch from standard input.`,
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE:         runHydrate,
	}

	pf := cmd.PersistentFlags()
	pf.String("config", "", "config file (YAML, JSON or TOML)")
	pf.BoolP("verbose", "v", false, "debug logging; also passes -v to the worker")
	pf.BoolP("quiet", "q", false, "errors only; also passes -q to the worker")
	pf.String("worker", "", "path of the extraction worker executable")
	pf.String("worker-source", "", "worker source package built when the executable is missing or stale")
	pf.String("build", "", "worker rebuild policy: missing, changed or always")
	pf.Duration("worker-timeout", 0, "wall-clock limit per worker invocation")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	f := cmd.Flags()
	f.BoolP("skip-existing", "s", false, "skip records whose artifact already exists")
	f.BoolP("halt-on-error", "e", false, "stop starting records after the first worker or write failure")
	f.IntP("concurrency", "c", 0, "records processed in parallel")
	f.String("service-addr", "", "address passed to the worker with -s")
	f.String("archive", "", "archive snapshot lookup: none, command or timemap")
	f.String("status-addr", "", "serve run status and metrics on this address")

	cmd.AddCommand(newProvisionCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func runHydrate(cmd *cobra.Command, args []string) error {
	input, outputDir := args[0], args[1]
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, outputDir)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer closeApp(cmd.Context(), a)

	stats, err := a.Hydrate(cmd.Context(), input)
	if err != nil {
		return fmt.Errorf("hydrate %s: %w (%d of %d records attempted)", input, err, stats.Attempted, stats.Total)
	}
	return nil
}

// loadConfig reads --config, environment and flags, then applies -v/-q.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, fmt.Errorf("read --config: %w", err)
	}
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return config.Config{}, err
	}
	verbose, _ := cmd.Flags().GetBool("verbose") //nolint:errcheck // flag is registered above
	quiet, _ := cmd.Flags().GetBool("quiet")     //nolint:errcheck // flag is registered above
	cfg.Logging.Level = logging.LevelFor(verbose, quiet, cfg.Logging.Level)
	return cfg, nil
}

func closeApp(ctx context.Context, a App) {
	if err := a.Close(context.WithoutCancel(ctx)); err != nil {
		zap.L().Warn("shutdown incomplete", zap.Error(err))
	}
}

// Execute is the main entry point. It exits with status 1 on any failure,
// including a halted run.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
