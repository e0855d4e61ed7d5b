// Command udbg is a minimal command-line front end for the debugger
// engine: attach to a running process or launch a new one, log every
// event the engine reports, and run until the target ends.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tinydbg/udbg/pkg/udbg"
)

var (
	logLevel string
	cfgFile  string
)

var rootCmd = &cobra.Command{
	Use:   "udbg",
	Short: "A ptrace-based user-mode debugger engine",
}

func main() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.udbg.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(attachCmd, runCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".udbg")
	}
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}

// newHost builds the HostServices the engine is constructed with: a
// logrus logger at the configured level, backed by the same viper
// instance that holds "trace_fork" and any other config keys.
func newHost() udbg.HostServices {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(logLevel); err == nil {
		log.SetLevel(lvl)
	}
	return udbg.NewHostServices(log, viper.GetViper())
}

// loggingCallback is the default user callback: it logs every event via
// host and always replies ReplyRun, i.e. "free run, don't stop".
func loggingCallback(host udbg.HostServices) udbg.Callback {
	return func(target *udbg.Target, event udbg.Event, stop *udbg.StopContext) udbg.Reply {
		fields := []udbg.Field{{Key: "pid", Value: target.Pid}, {Key: "tid", Value: event.Tid}}
		switch event.Kind {
		case udbg.EventInitBp:
			host.LogInfo("init-breakpoint", fields...)
		case udbg.EventThreadCreate:
			host.LogInfo("thread-create", fields...)
		case udbg.EventThreadExit:
			host.LogInfo("thread-exit", append(fields, udbg.Field{Key: "exit_code", Value: event.ExitCode})...)
		case udbg.EventProcessExit:
			host.LogInfo("process-exit", append(fields, udbg.Field{Key: "exit_code", Value: event.ExitCode})...)
		case udbg.EventBreakpoint:
			addr := uintptr(0)
			if event.Breakpoint != nil {
				addr = event.Breakpoint.Address
			}
			host.LogInfo("breakpoint-hit", append(fields, udbg.Field{Key: "address", Value: addr})...)
		case udbg.EventException:
			host.LogInfo("exception", append(fields, udbg.Field{Key: "signal", Value: event.Code})...)
			return udbg.Reply{Kind: udbg.ReplyRun, HandledException: false}
		case udbg.EventStep:
			host.LogInfo("step", fields...)
		}
		return udbg.Reply{Kind: udbg.ReplyRun}
	}
}
