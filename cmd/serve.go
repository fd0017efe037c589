package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/copilot-relay/internal/api"
	"github.com/xkilldash9x/copilot-relay/internal/observability"
	"github.com/xkilldash9x/copilot-relay/internal/relay"
)

// newServeCmd creates and configures the `serve` command.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the OpenAI-compatible HTTP facade",
		Long: `Launches (or adopts) a debuggable browser, attaches to the chat page,
and serves its conversations as an OpenAI-compatible chat completions API.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("server.host", cmd.Flags().Lookup("host")); err != nil {
				return err
			}
			if err := viper.BindPFlag("server.port", cmd.Flags().Lookup("port")); err != nil {
				return err
			}
			return viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			// Re-resolve so the flag overrides bound in PreRunE land in the
			// effective config.
			if err := reloadConfig(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client := relay.NewClient(appCfg, logger)
			logger.Info("Connecting to chat page...",
				zap.String("page_url", appCfg.Target.PageURL))
			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("failed to establish chat session: %w", err)
			}
			defer func() { _ = client.Close() }()

			server := api.NewServer(appCfg.Server, api.NewChatClient(client), logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(server.ListenAndServe)
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})

			if err := g.Wait(); err != nil {
				return fmt.Errorf("server terminated: %w", err)
			}
			logger.Info("Shutdown complete.")
			return nil
		},
	}

	serveCmd.Flags().String("host", "127.0.0.1", "Interface to bind the HTTP facade to. (Overrides config/env)")
	serveCmd.Flags().Int("port", 8000, "Port for the HTTP facade. (Overrides config/env)")
	serveCmd.Flags().Bool("headless", false, "Run the browser headless. (Overrides config/env)")

	return serveCmd
}
