package main

import (
	"fmt"

	"github.com/scr-project/scr/scr"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the SCR library version (get_version())",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(scr.Version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
