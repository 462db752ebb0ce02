package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "convai-widget",
	Short: "convai-widget — embeddable conversational AI chat widget",
	Long: `convai-widget serves the embeddable chat widget backend and provides a
terminal chat client that talks to the same hosted agent.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (.json or .yaml, default ~/.convai-widget/config.json)")
}
