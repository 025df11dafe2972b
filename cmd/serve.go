package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpmesh/internal/config"
	"github.com/BioHazard786/warpmesh/internal/logging"
	"github.com/BioHazard786/warpmesh/internal/metrics"
	"github.com/BioHazard786/warpmesh/internal/server"
	"github.com/BioHazard786/warpmesh/internal/signaling"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay",
	Example: `  warpmesh serve
  warpmesh serve --listen-addr :9000 --user-limit 8
  WARPMESH_RELAY_MODE=pair warpmesh serve`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := loadViper(cmd)
		if err != nil {
			return err
		}
		cfg, err := config.LoadServer(v)
		if err != nil {
			return err
		}

		logger := logging.Init(slog.LevelInfo)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runServer(ctx, cfg, logger)
	},
}

func runServer(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	m := metrics.New()
	registry := signaling.NewRegistry(cfg.UserLimit)
	hub := signaling.NewHub(registry, signaling.HubConfig{
		Mode:        signaling.RelayMode(cfg.RelayMode),
		DepartedTTL: cfg.DepartedTTL,
		Logger:      logger,
		Metrics:     m,
	})

	router := server.NewRouter(server.Options{
		Hub:     hub,
		Metrics: m,
		Logger:  logger,
		Client: signaling.ClientOptions{
			SendBuffer:        cfg.SendBuffer,
			MaxMessageSize:    cfg.MaxMessageBytes,
			MessagesPerSecond: cfg.MessagesPerSecond,
		},
	})

	logger.Info("relay configured",
		"mode", cfg.RelayMode,
		"user_limit", registry.Limit(),
		"send_buffer", cfg.SendBuffer,
		"max_message_bytes", cfg.MaxMessageBytes,
	)
	return server.Run(ctx, cfg.ListenAddr, router, logger)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("listen-addr", "l", config.DefaultListenAddr, "Address to listen on")
	serveCmd.Flags().IntP("user-limit", "n", config.DefaultUserLimit, "Maximum members per room")
	serveCmd.Flags().StringP("relay-mode", "m", config.DefaultRelayMode, "Addressing mode: mesh or pair")
	serveCmd.Flags().Int("send-buffer", config.DefaultSendBuffer, "Outbound queue length per connection")
	serveCmd.Flags().Int64("max-message-bytes", config.DefaultMaxMessageBytes, "Largest accepted signaling frame")
	serveCmd.Flags().Float64("messages-per-second", config.DefaultMessagesPerSecond, "Inbound message rate per connection (0 disables)")
	serveCmd.Flags().Duration("departed-ttl", config.DefaultDepartedTTL, "How long departed member ids are remembered")
}
