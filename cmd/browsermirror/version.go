package main

import (
	goruntime "runtime"

	"github.com/spf13/cobra"
)

func getVersionCmd(root *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "show the version",
		Args:  cobra.NoArgs,
		// The version needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(*cobra.Command, []string) {
			root.stdout.Printf("browsermirror %s (%s, %s/%s)\n",
				version, goruntime.Version(), goruntime.GOOS, goruntime.GOARCH)
		},
	}
}
