// Command scr is a single-process administrative CLI over the durable
// state a collective SCR job leaves in a prefix directory: the dataset
// index and the halt file (spec.md §6). It is not part of the collective
// application API; it is a thin inspection/control tool, the same role
// rclone's own `cmd` binary plays over a remote.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var prefixDir string

var rootCmd = &cobra.Command{
	Use:   "scr",
	Short: "Inspect and control a Scalable Checkpoint/Restart job's durable state",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&prefixDir, "prefix", "", "job prefix directory (required)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "scr:", err)
		os.Exit(1)
	}
}

func requirePrefix() error {
	if prefixDir == "" {
		return fmt.Errorf("--prefix is required")
	}
	return nil
}
