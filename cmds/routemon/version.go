package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/safing/routemon/base/info"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version and related metadata.",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(info.FullVersion())
		return nil
	},
}
