package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/scr-project/scr/internal/prefixindex"
	"github.com/spf13/cobra"
)

var haltCmd = &cobra.Command{
	Use:   "halt",
	Short: "Show or set the job's halt state",
}

var haltShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current halt state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requirePrefix(); err != nil {
			return err
		}
		h, err := prefixindex.ReadHaltLocked(haltPath())
		if err != nil {
			return fmt.Errorf("read halt state: %w", err)
		}
		fmt.Printf("exit_reason=%q\n", h.ExitReason)
		if h.ExitBefore != 0 {
			fmt.Printf("exit_before=%s\n", time.Unix(h.ExitBefore, 0))
		}
		if h.ExitAfterSeconds != 0 {
			fmt.Printf("exit_after_seconds=%d\n", h.ExitAfterSeconds)
		}
		if h.HaveCheckpointCnt {
			fmt.Printf("checkpoints_left=%d\n", h.CheckpointsLeft)
		}
		fmt.Printf("should_exit=%v\n", h.ShouldExit(time.Now()))
		return nil
	},
}

var (
	haltSeconds    int64
	haltExitReason string
	haltCheckpoints int
)

var haltSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update the halt state (voluntary job exit request)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requirePrefix(); err != nil {
			return err
		}
		h, err := prefixindex.ReadHaltLocked(haltPath())
		if err != nil {
			return fmt.Errorf("read halt state: %w", err)
		}
		if cmd.Flags().Changed("seconds") {
			h.ExitAfterSeconds = haltSeconds
		}
		if cmd.Flags().Changed("exit-reason") {
			h.ExitReason = haltExitReason
		}
		if cmd.Flags().Changed("checkpoints") {
			h.CheckpointsLeft = haltCheckpoints
			h.HaveCheckpointCnt = true
		}
		return h.WriteHaltLocked(haltPath())
	},
}

func init() {
	haltSetCmd.Flags().Int64Var(&haltSeconds, "seconds", 0, "record exit_after_seconds in the halt file (should_exit does not act on it)")
	haltSetCmd.Flags().StringVar(&haltExitReason, "exit-reason", "", "force should_exit to report true with this reason")
	haltSetCmd.Flags().IntVar(&haltCheckpoints, "checkpoints", 0, "remaining-checkpoints counter before should_exit")
	haltCmd.AddCommand(haltShowCmd, haltSetCmd)
	rootCmd.AddCommand(haltCmd)
}

func haltPath() string {
	return filepath.Join(prefixDir, ".scr", "halt.scr")
}
