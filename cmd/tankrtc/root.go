package main

import (
	"github.com/spf13/cobra"

	"github.com/soda-magic/tank-rtc-sdk/internal/util"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "tankrtc",
	Short: "Tank RTC session client",
	Long: `tankrtc connects to a tank session server and drives the four session
legs: send-audio, listen-audio, send-video and view-video.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		util.InitLogger(verbose)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("server", "", "Signaling server base URL (overrides config)")

	rootCmd.AddCommand(NewWatchCommand())
}
