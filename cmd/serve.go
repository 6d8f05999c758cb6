// File: cmd/serve.go
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/sandbridge/internal/bridge"
	"github.com/xkilldash9x/sandbridge/internal/channel"
	"github.com/xkilldash9x/sandbridge/internal/layout"
	"github.com/xkilldash9x/sandbridge/internal/locator"
	"github.com/xkilldash9x/sandbridge/internal/observability"
	"github.com/xkilldash9x/sandbridge/internal/router"
	"github.com/xkilldash9x/sandbridge/internal/sandbox"
	"github.com/xkilldash9x/sandbridge/internal/takeover"
	"github.com/xkilldash9x/sandbridge/internal/vision"
)

// newServeCmd creates the `serve` command: the long-running bridge process.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the automation bridge against the configured request root",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("bridge.request_root", cmd.Flags().Lookup("root")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			mailbox, err := channel.NewMailbox(cfg.Bridge.RequestRoot, logger)
			if err != nil {
				return err
			}

			sandboxClient := sandbox.NewClient(cfg.Sandbox, logger)
			frame := layout.FrameSize{Width: cfg.Sandbox.FrameWidth, Height: cfg.Sandbox.FrameHeight}

			var visionClient vision.Locator
			if cfg.Vision.Enabled() {
				visionClient, err = vision.NewGeminiClient(cfg.Vision, logger)
				if err != nil {
					return err
				}
				logger.Info("Vision fallback enabled", zap.String("model", cfg.Vision.Model))
			} else {
				logger.Info("Vision fallback disabled: no API key configured")
			}

			resolver := locator.New(sandboxClient, visionClient, cfg.Vision, frame, logger)
			actionRouter := router.New(sandboxClient, resolver, frame, cfg.Bridge.SettleDelay, cfg.Transfer, logger)
			registry := takeover.NewRegistry(sandboxClient, cfg.Takeover, logger)

			b := bridge.New(mailbox, actionRouter, registry, cfg.Bridge, logger)
			web := bridge.NewServer(registry, cfg.Bridge.ListenAddr, logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return b.Run(gctx) })
			g.Go(func() error { return web.ListenAndServe(gctx) })
			return g.Wait()
		},
	}

	serveCmd.Flags().String("root", "", "shared filesystem root holding per-namespace mailboxes")
	return serveCmd
}
