package main

import (
	"log/slog"
	"os"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/internal/config"
	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configFilePath string

func newRootCommand() *cobra.Command {
	var logFilePointer *os.File

	rootCmd := &cobra.Command{
		Use:   "walkietalkie",
		Short: "Push-to-talk voice rooms over WebRTC",
		Long: `walkietalkie relays room membership and WebRTC signalling between participants,
who then talk to each other over direct peer connections while holding the button.

Examples:
  walkietalkie relay --localaddress :1066
  walkietalkie talk --room lobby --name alice --capturefile voice.wav`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadConfig(configFilePath); err != nil {
				return err
			}

			var err error
			logFilePointer, err = utils.ConfigureDefaultLogger(
				viper.GetString("loglevel"),
				viper.GetString("logfile"),
				slog.HandlerOptions{},
			)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logFilePointer != nil {
				logFilePointer.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFilePath, "config", "config.yaml", "path to the config file")
	rootCmd.PersistentFlags().String("loglevel", "info", "log level: none, error, warn, info, debug")
	rootCmd.PersistentFlags().String("logfile", "", "write JSON logs to this file instead of stdout")
	viper.BindPFlag("loglevel", rootCmd.PersistentFlags().Lookup("loglevel"))
	viper.BindPFlag("logfile", rootCmd.PersistentFlags().Lookup("logfile"))

	rootCmd.AddCommand(newRelayCommand(), newTalkCommand())
	return rootCmd
}
