package main

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/scr-project/scr/internal/prefixindex"
	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Inspect or update the durable dataset index",
}

var indexListCmd = &cobra.Command{
	Use:   "list",
	Short: "Dump the durable dataset index",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requirePrefix(); err != nil {
			return err
		}
		idx, err := prefixindex.ReadLocked(indexPath())
		if err != nil {
			return fmt.Errorf("read index: %w", err)
		}
		names := idx.AllNames()
		sort.Strings(names)
		for _, name := range names {
			r, _ := idx.Get(name)
			current := ""
			if name == idx.Current {
				current = " (current)"
			}
			fmt.Printf("%s\tdataset=%d\tcheckpoint=%d\tcomplete=%v\tfailed=%v%s\n",
				name, r.DatasetID, r.CheckpointID, r.Complete, r.Failed, current)
		}
		return nil
	},
}

var indexCurrentCmd = &cobra.Command{
	Use:   "current <name>",
	Short: "Declare a named dataset current (invokes current(name))",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requirePrefix(); err != nil {
			return err
		}
		idx, err := prefixindex.ReadLocked(indexPath())
		if err != nil {
			return fmt.Errorf("read index: %w", err)
		}
		if _, ok := idx.Get(args[0]); !ok {
			return fmt.Errorf("dataset %q not found in index", args[0])
		}
		idx.SetCurrent(args[0], dropLater)
		return idx.WriteLocked(indexPath())
	},
}

var dropLater bool

func init() {
	indexCurrentCmd.Flags().BoolVar(&dropLater, "drop-later", false, "drop every complete checkpoint newer than the named one")
	indexCmd.AddCommand(indexListCmd, indexCurrentCmd)
	rootCmd.AddCommand(indexCmd)
}

func indexPath() string {
	return filepath.Join(prefixDir, ".scr", "index.scrinfo")
}
