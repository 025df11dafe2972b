package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/BioHazard786/warpmesh/internal/config"
	"github.com/BioHazard786/warpmesh/internal/ui"
	"github.com/BioHazard786/warpmesh/internal/version"
)

var flagConfigFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warpmesh",
	Short: "WebRTC signaling relay and mesh client",
	Long: `warpmesh runs a small WebRTC signaling relay that groups peers into rooms and
forwards their offers, answers and ICE candidates, and a client that joins a room
and negotiates a direct peer connection with every other member.`,
	Version: version.Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.LoadDotEnv()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigFile, "config", "c", "", "Config file (default ./warpmesh.yaml if present)")
}

// loadViper layers the command's flags, the environment and the config file.
func loadViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := config.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	if err := config.ReadFile(v, flagConfigFile); err != nil {
		return nil, err
	}
	if used := v.ConfigFileUsed(); used != "" {
		slog.Debug("loaded config file", "path", used)
	}
	return v, nil
}
