package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

func getVersionCmd() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show application version",
		Long:  `Show the application version and exit.`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("sentinel v" + version)
		},
	}
	return versionCmd
}
