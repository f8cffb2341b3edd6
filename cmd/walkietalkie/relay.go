package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/internal/config"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/internal/relay"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shutdownTimeout = 5 * time.Second

func newRelayCommand() *cobra.Command {
	relayCmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the signalling relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.RelayConfig()
			if err != nil {
				return err
			}

			logger := slog.Default().With("component", "relay")
			server := relay.NewServer(
				relay.NewRelay(relay.NewRegistry(), logger),
				relay.ServerConfig{SendBuffer: cfg.SendBuffer, ICEServers: cfg.ICEServers},
				logger,
			)
			httpServer := &http.Server{
				Addr:              cfg.LocalAddress,
				Handler:           server,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				httpServer.Shutdown(shutdownCtx)
			}()

			logger.Info("starting signalling relay", "listenAddress", cfg.LocalAddress)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("error during listen and serve", "err", err)
				return err
			}
			return nil
		},
	}

	relayCmd.Flags().String("localaddress", ":1066", "address to listen on")
	relayCmd.Flags().Int("sendbuffer", 64, "messages queued per connection before it is dropped")
	viper.BindPFlag("localaddress", relayCmd.Flags().Lookup("localaddress"))
	viper.BindPFlag("sendbuffer", relayCmd.Flags().Lookup("sendbuffer"))
	return relayCmd
}
