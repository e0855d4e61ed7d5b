package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinydbg/udbg/pkg/engine"
)

var runCmd = &cobra.Command{
	Use:   "run <path> [args...]",
	Short: "Launch a new process under the debugger and log its events until it ends",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	host := newHost()
	eng, err := engine.New(host, loggingCallback(host))
	if err != nil {
		return err
	}

	if _, err := eng.Create(args[0], args[1:]); err != nil {
		return fmt.Errorf("run %s: %w", args[0], err)
	}
	return eng.Run()
}
