package cmd

import (
	"context"
	stderrors "errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theapemachine/a2a-relay/pkg/bus"
	"github.com/theapemachine/a2a-relay/pkg/config"
	"github.com/theapemachine/a2a-relay/pkg/proxy"
)

var (
	memoryBusFlag bool

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the relay proxy",
		Long:  longServe,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				log.Error("invalid configuration", "error", err)
				os.Exit(1)
			}

			transport, err := openBus(cfg)
			if err != nil {
				log.Error("bus unreachable", "error", err)
				os.Exit(1)
			}

			srv, err := proxy.NewServer(cfg, transport)
			if err != nil {
				log.Error("failed to build proxy", "error", err)
				os.Exit(1)
			}

			ctx, stop := signal.NotifyContext(
				cmd.Context(), os.Interrupt, syscall.SIGTERM,
			)
			defer stop()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Error("shutdown failed", "error", err)
				}
				_ = transport.Close(shutdownCtx)
			}()

			if err := srv.Start(ctx); err != nil {
				var topoErr *bus.TopologyError
				if stderrors.As(err, &topoErr) {
					log.Error("bus topology refused", "error", err)
					os.Exit(2)
				}
				log.Error("proxy failed", "error", err)
				os.Exit(1)
			}

			return nil
		},
	}
)

func openBus(cfg *config.Config) (bus.Bus, error) {
	if memoryBusFlag {
		return bus.NewMemory(), nil
	}
	return bus.NewAzureBus(cfg.AzureConfig())
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&memoryBusFlag, "memory-bus", false, "Use the in-process bus instead of Service Bus (single proxy only)")
}

var longServe = `
Serve the relay proxy.

The proxy reads its identity, role, bus connection and agent directory from
the config file. A coordinator creates the bus topology at start-up;
followers verify it and refuse to start when it is missing.

Examples:
  # Run as the topology-owning coordinator
  a2a-relay serve

  # Run locally against the in-process bus
  a2a-relay serve --memory-bus
`
