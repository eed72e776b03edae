package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "sonnerie",
		Short: "Inspect and maintain sonnerie database directories",
	}
	root.AddCommand(newGetCommand(), newCompactCommand(), newDumpSegmentsCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
