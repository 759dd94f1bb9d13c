package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/prismcli/prism/pkg/config"
	"github.com/prismcli/prism/pkg/engine"
	"github.com/prismcli/prism/pkg/logging"
	"github.com/prismcli/prism/pkg/plugin"
)

var version = "dev"

// app carries the state shared by every command. Config, logger and engine
// are created on first use so commands that need none of them stay cheap.
type app struct {
	configPath string
	logLevel   string

	cfg *config.Config
	log *zap.Logger
	eng *engine.Engine
}

func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Resolve(a.configPath)
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	return cfg, nil
}

func (a *app) logger() *zap.Logger {
	if a.log != nil {
		return a.log
	}
	level, format := "info", "console"
	if a.cfg != nil {
		level, format = a.cfg.Log.Level, a.cfg.Log.Format
	}
	if a.logLevel != "" {
		level = a.logLevel
	}
	l, err := logging.New(level, format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		l = zap.NewNop()
	}
	zap.ReplaceGlobals(l)
	a.log = l
	return l
}

func (a *app) engine() (*engine.Engine, error) {
	if a.eng != nil {
		return a.eng, nil
	}
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	e, err := engine.Open(cfg, a.logger())
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}
	a.eng = e
	return e, nil
}

func (a *app) close() {
	if a.eng != nil {
		if err := a.eng.Close(); err != nil {
			a.logger().Warn("close engine", zap.Error(err))
		}
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	// Interrupts cancel the command context: batches report what finished
	// and servers shut down gracefully.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	root := newRootCmd(a)
	err := root.ExecuteContext(ctx)
	a.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "prism",
		Short:         "Prism: batch image generation with caching, retries and budgets",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("PRISM_CONFIG"), "path to config file (default ~/.prism/config.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newGenerateCmd(a),
		newBatchCmd(a),
		newVariationsCmd(a),
		newEditCmd(a),
		newEnhanceCmd(a),
		newAnalyzeCmd(a),
		newCacheCmd(a),
		newCostCmd(a),
		newHistoryCmd(a),
		newBudgetCmd(a),
		newAuditCmd(a),
		newConfigCmd(a),
		newKeyCmd(a),
		newPluginsCmd(a),
		newMCPCmd(a),
		newServeCmd(a),
		newVersionCmd(),
	)

	cmds, err := plugin.Builtins().Commands(enabledPlugins(a.configPath), a.runPrompt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v (skipped)\n", err)
	}
	root.AddCommand(cmds...)
	return root
}

// enabledPlugins reads the plugin list before flags are parsed, so it honors
// PRISM_CONFIG and the default location but not --config.
func enabledPlugins(path string) []string {
	cfg, err := config.Resolve(path)
	if err != nil {
		return config.Default().Plugins.Enabled
	}
	return cfg.Plugins.Enabled
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the prism version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "prism", version)
		},
	}
}
