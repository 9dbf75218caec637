package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/volantsearch/replicate/cmd/call"
	"github.com/volantsearch/replicate/cmd/serve"
)

const Version = "0.1.0"

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "replicate",
		Short: "replicated document store",
		Long: fmt.Sprintf(`replicate (v%s)

A raft-replicated document store: every mutating request is appended to a
shared log and applied identically on every node before it is acknowledged.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("replicate v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(call.CallCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
