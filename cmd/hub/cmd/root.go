package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hub",
	Short: "realtime topic hub bridging websocket clients to a message bus",
	Long: `Hub multiplexes websocket clients onto named topics and bridges
those topics to a publish/subscribe bus. Clients join topics with signed,
time-limited credentials issued by the built-in token service.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
