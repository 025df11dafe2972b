package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpmesh/internal/config"
	"github.com/BioHazard786/warpmesh/internal/transport"
	"github.com/BioHazard786/warpmesh/internal/ui"
)

var roomsCmd = &cobra.Command{
	Use:     "rooms",
	Aliases: []string{"ls"},
	Short:   "List the relay's active rooms",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := loadViper(cmd)
		if err != nil {
			return err
		}
		cfg, err := config.LoadClient(v)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		rooms, err := transport.FetchRooms(ctx, &http.Client{}, cfg.ServerURL)
		if err != nil {
			return fmt.Errorf("list rooms: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.RoomsTable(rooms))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(roomsCmd)

	roomsCmd.Flags().StringP("server-url", "s", config.DefaultServerURL, "Relay websocket URL")
}
