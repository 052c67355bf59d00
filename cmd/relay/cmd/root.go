package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "live-feed relay with per-identity trial and block control",
	Long: `Relay forwards events from an upstream live-broadcast feed to local
websocket subscribers, one upstream subscription per subscriber connection.
Access per subscriber identity is gated by a fixed trial window and an
administrator-controlled block list. Configure with environment variables;
see relay serve --help.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
