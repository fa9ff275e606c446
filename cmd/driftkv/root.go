package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "driftkv",
		Short: "eventually consistent distributed key-value store",
		Long: fmt.Sprintf(`driftkv (v%s)

A clustered key-value store that replicates every key on several nodes,
tracks causality with version vectors and repairs diverged replicas
through background anti-entropy. Clients speak the Redis protocol.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of driftkv",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("driftkv v%s (%s %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
)

func init() {
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute runs the root command. Errors, including invalid configuration, exit with status 1.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
