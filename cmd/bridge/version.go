package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/Zereker/bridge/protocol"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "bridge %s (protocol %d, %s)\n", version, protocol.Version, runtime.Version())
			return nil
		},
	}
}
