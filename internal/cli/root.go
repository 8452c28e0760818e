// Package cli wires the worker daemon's commands.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/moonmind-dev/moonmind/internal/version"
)

// Options carries the persistent flags shared by every command.
type Options struct {
	ConfigFile string
	DevLogs    bool
}

// NewRootCommand builds the moonmind-worker command tree.
func NewRootCommand() *cobra.Command {
	opts := &Options{}
	root := &cobra.Command{
		Use:          "moonmind-worker",
		Short:        "MoonMind remote worker daemon",
		Long:         "Claims coding-agent tasks from a MoonMind control plane and executes them against Git repositories.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "optional YAML settings file; environment variables take precedence")
	root.PersistentFlags().BoolVar(&opts.DevLogs, "dev", false, "human-readable development logs")

	root.AddCommand(newRunCommand(opts))
	root.AddCommand(newSweepCommand(opts))
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the worker version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Version)
		},
	}
}
