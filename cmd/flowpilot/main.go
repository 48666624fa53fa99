// Package main is the entry point for the FlowPilot workflow engine.
// The serve command wires all dependencies together and starts the HTTP
// server; the other commands work on templates and runs from the shell.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pitabwire/flowpilot/internal/config"
	"github.com/pitabwire/flowpilot/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	var code int
	root := newRootCmd(&code)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	return code
}

func newRootCmd(code *int) *cobra.Command {
	observability.Version = version
	observability.Commit = commit

	root := &cobra.Command{
		Use:           "flowpilot",
		Short:         "Discover, validate and run investigation workflows",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "config.yaml", "path to configuration file")

	root.AddCommand(
		newServeCmd(code),
		newDiscoverCmd(),
		newValidateCmd(),
		newRunCmd(),
	)
	return root
}

// loadConfig reads --config. A missing file falls back to defaults plus
// FLOWPILOT_* overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.LoadOrDefault(path)
}
