package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpmesh/internal/config"
	"github.com/BioHazard786/warpmesh/internal/logging"
	"github.com/BioHazard786/warpmesh/internal/media"
	"github.com/BioHazard786/warpmesh/internal/mesh"
	"github.com/BioHazard786/warpmesh/internal/transport"
	"github.com/BioHazard786/warpmesh/internal/ui"
)

var flagPlain bool

var joinCmd = &cobra.Command{
	Use:   "join [room]",
	Short: "Join a room and connect to every member",
	Long: `Join a room on the relay and negotiate a WebRTC peer connection with every
other member. Without a room name the relay picks one.`,
	Example: `  warpmesh join sleepy-otter-dumpling
  warpmesh join --server-url wss://relay.example.com/ws --msgpack standup
  warpmesh join --turn-server turn.example.com --turn-user me --turn-pass secret --force-relay standup`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := loadViper(cmd)
		if err != nil {
			return err
		}
		cfg, err := config.LoadClient(v)
		if err != nil {
			return err
		}

		var room string
		if len(args) == 1 {
			room = args[0]
		}

		logger := logging.Init(slog.LevelError)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runJoin(ctx, cfg, room, logger, cmd.OutOrStdout())
	},
}

func runJoin(ctx context.Context, cfg *config.ClientConfig, room string, logger *slog.Logger, out io.Writer) error {
	sp := ui.NewConnectionSpinner(out, "Connecting to "+cfg.ServerURL)
	sp.Start()
	conn, err := transport.Dial(ctx, transport.Options{
		ServerURL: cfg.ServerURL,
		Msgpack:   cfg.Msgpack,
		Logger:    logger,
	})
	if err != nil {
		sp.Error("Could not reach the relay")
		return err
	}
	defer conn.Close()
	sp.Success(fmt.Sprintf("Connected (%s)", conn.Codec().Name()))

	turnUser, turnPass := cfg.GetTURNCredentials()
	factory, err := media.NewFactory(media.Options{
		STUNServers:  cfg.GetSTUNServers(),
		TURNServers:  cfg.GetTURNServers(),
		TURNUser:     turnUser,
		TURNPass:     turnPass,
		ForceRelay:   cfg.ForceRelay,
		ReceiveAudio: cfg.ReceiveAudio,
		ReceiveVideo: cfg.ReceiveVideo,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	factory.OnTrack(func(t media.TrackInfo) {
		logger.Info("remote track", "peer", t.Peer, "kind", t.Kind, "id", t.ID, "stream", t.StreamID)
	})

	client := mesh.New(mesh.Config{
		Conn:                 conn,
		NewTransport:         factory.New,
		MaxPendingCandidates: cfg.MaxPendingCandidates,
		Logger:               logger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(runCtx) }()

	if err := client.Join(room); err != nil {
		return err
	}

	var viewErr error
	if flagPlain {
		viewErr = printEvents(runCtx, client.Events(), out)
	} else {
		model := ui.NewPeersModel(client.Events())
		if _, err := tea.NewProgram(model, tea.WithContext(runCtx), tea.WithOutput(out)).Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			viewErr = err
		}
		if viewErr == nil {
			viewErr = model.Err()
		}
	}

	// Nobody reads the stream any more; keep it flowing until Run closes it.
	go func() {
		for range client.Events() {
		}
	}()

	if err := client.Leave(); err != nil && !errors.Is(err, transport.ErrClosed) {
		logger.Debug("leave room", "err", err)
	}
	cancel()
	err = <-runErr

	if viewErr != nil {
		return viewErr
	}
	if errors.Is(err, mesh.ErrDisconnected) {
		return errors.New("relay closed the connection")
	}
	return nil
}

// printEvents writes one line per mesh event until the stream ends.
func printEvents(ctx context.Context, events <-chan mesh.Event, out io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case mesh.EventJoined:
				fmt.Fprintln(out, ui.RoomBanner(ev.Room, ev.Self))
			case mesh.EventRoomFull:
				return fmt.Errorf("room %s is full", ev.Room)
			case mesh.EventPeerJoined:
				fmt.Fprintf(out, "%s %s joined\n", ui.IconPeer, ev.Peer)
			case mesh.EventPeerLeft:
				fmt.Fprintf(out, "%s %s left\n", ui.IconLeft, ev.Peer)
			case mesh.EventPeerState:
				fmt.Fprintf(out, "%s %s: %s (%s)\n", ui.IconConnect, ev.Peer, ev.State, ev.Role)
			case mesh.EventPeerFailed:
				fmt.Fprintf(out, "%s %s: %v\n", ui.IconError, ev.Peer, ev.Err)
			case mesh.EventServerError:
				fmt.Fprintf(out, "%s relay: %v\n", ui.IconWarning, ev.Err)
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringP("server-url", "s", config.DefaultServerURL, "Relay websocket URL")
	joinCmd.Flags().Bool("msgpack", false, "Use binary msgpack frames")
	joinCmd.Flags().String("stun-server", config.DefaultSTUN, "STUN server")
	joinCmd.Flags().StringP("turn-server", "t", "", "TURN server")
	joinCmd.Flags().StringP("turn-user", "u", "", "TURN username")
	joinCmd.Flags().StringP("turn-pass", "p", "", "TURN password")
	joinCmd.Flags().BoolP("force-relay", "r", false, "Only use TURN relay candidates")
	joinCmd.Flags().Int("max-pending-candidates", config.DefaultMaxPendingCandidates, "Remote ICE candidates queued per peer before its description arrives")
	joinCmd.Flags().Bool("receive-audio", false, "Offer to receive audio")
	joinCmd.Flags().Bool("receive-video", false, "Offer to receive video")
	joinCmd.Flags().BoolVar(&flagPlain, "plain", false, "Print events as lines instead of the live view")
}
