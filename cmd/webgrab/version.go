package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/e2openplugins/webgrab/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), config.GetProgramVersion())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
