// Command memoryctl inspects and repairs MemoryRouter state offline.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "memoryctl",
		Short:        "memoryctl - offline tools for MemoryRouter state",
		SilenceUsage: true,
	}
	root.AddCommand(newSnapshotCmd(), newClassifyCmd(), newRebuildCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
