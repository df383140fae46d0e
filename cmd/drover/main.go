// drover orchestrates agentic developer workflows: it plans, builds, tests,
// and reviews tasks by routing phase work to LLM providers, and exposes the
// whole lifecycle over an HTTP API and this CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverAddr string
)

func main() {
	root := &cobra.Command{
		Use:           "drover",
		Short:         "Agentic developer workflow orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (TOML or YAML)")
	root.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "address of a running drover server")

	root.AddCommand(
		newServeCommand(),
		newCreateCommand(),
		newListCommand(),
		newShowCommand(),
		newEventsCommand(),
		newPauseCommand(),
		newResumeCommand(),
		newCancelCommand(),
		newArchiveCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
