// Package cmd defines the pagefeed command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagefeed/internal/app"
	"github.com/JakeFAU/pagefeed/internal/config"
	"github.com/JakeFAU/pagefeed/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp builds the services. Tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// loadConfig reads configuration. Tests replace it.
var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "pagefeed",
		Short: "Turn web pages and feeds into cached RSS, Atom and JSON feeds.",
		Long: `pagefeed resolves a ref (a URL or source-specific identifier) to a source
adapter, generates the item list at most once per cache window, and renders it
as a feed. Items can be enriched in the background with full article content.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newFeedCmd())
	cmd.AddCommand(newSourcesCmd())
	cmd.AddCommand(newLoginCmd())
	return cmd
}

// closeApp releases the services built for cmd, if any. It runs whether or
// not the command succeeded.
func closeApp(cmd *cobra.Command) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), appInstance.Config.Server.ShutdownTimeout)
	defer cancel()
	closeErr := appInstance.Close(ctx)
	_ = appInstance.Logger.Sync()
	return closeErr
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := execute(newRootCmd(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func execute(root *cobra.Command, args []string) error {
	root.SetArgs(args)
	ran, err := root.ExecuteContextC(context.Background())
	if ran != nil {
		err = errors.Join(err, closeApp(ran))
	}
	return err
}
