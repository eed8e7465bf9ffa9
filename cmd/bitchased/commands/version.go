package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the semantic version of the daemon, set at build time.
var Version = "0.1.0-dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Println(Version)
		},
	}
}
