package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tinydbg/udbg/pkg/engine"
)

var attachCmd = &cobra.Command{
	Use:   "attach <pid>",
	Short: "Attach to a running process and log its debug events until it ends",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttach,
}

func runAttach(cmd *cobra.Command, args []string) error {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid pid %q: %w", args[0], err)
	}

	host := newHost()
	eng, err := engine.New(host, loggingCallback(host))
	if err != nil {
		return err
	}

	if _, err := eng.Attach(int32(pid)); err != nil {
		return fmt.Errorf("attach %d: %w", pid, err)
	}
	return eng.Run()
}
