// trellisd is the workspace tracker daemon. It serves issue operations over
// a unix socket; clients speak newline-delimited JSON.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trellishq/trellis/internal/debug"
	"github.com/trellishq/trellis/internal/rpc"
)

// version is set at build time via -ldflags.
var version = "0.1.0-dev"

var (
	trellisDir  string
	verboseFlag bool
	quietFlag   bool
)

var rootCmd = &cobra.Command{
	Use:   "trellisd",
	Short: "Workspace issue tracker daemon",
	Long: `trellisd serves issue tracking operations over a unix socket:
projects, issues, sub-issues, components, milestones, templates, and bulk
create/update/delete with cascading deletion.

Configuration lives in <dir>/config.yaml; TRELLIS_* environment variables
override file settings.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug.SetVerbose(verboseFlag)
		debug.SetQuiet(quietFlag)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&trellisDir, "dir", "", "trellis directory (default: nearest .trellis walking up from cwd)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "suppress non-essential output")
}

func main() {
	rpc.ServerVersion = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
