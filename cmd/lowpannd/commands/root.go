package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// configPath is the YAML configuration file shared by all commands. Empty
// means defaults plus LOWPANND_ environment overrides.
var configPath string

// newRootCmd builds the top-level cobra command for lowpannd.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lowpannd",
		Short: "6LoWPAN Neighbor Discovery reference host",
		Long: "lowpannd runs a 6LoWPAN host (RFC 6775): it discovers routers, " +
			"registers its addresses with each of them and answers echo requests.",
		// Silence cobra's built-in usage/error printing so we control it.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "",
		"path to configuration file (YAML)")

	root.AddCommand(runCmd())
	root.AddCommand(configCmd())
	root.AddCommand(versionCmd())

	return root
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
