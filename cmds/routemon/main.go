package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/safing/routemon/base/info"
	"github.com/safing/routemon/service"
)

var (
	rootCmd = &cobra.Command{
		Use:   "routemon",
		Short: "Call routing dispatcher with throughput telemetry.",
	}

	svcCfg = &service.ServiceConfig{}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&svcCfg.ConfigPath, "config", "c", "", "path to the YAML config file")
	flags.StringVar(&svcCfg.LogLevel, "log", "", "log level: trace, debug, info, warning, error, critical")
	flags.StringVar(&svcCfg.LogDir, "log-dir", "", "directory to write log files to")
	flags.BoolVar(&svcCfg.LogToStdout, "log-stdout", false, "log to stdout, even if a log directory is set")
	flags.StringVar(&svcCfg.APIListen, "api-listen", "", "override the API listen address")

	rootCmd.AddCommand(runCmd, simulateCmd, versionCmd)
}

func main() {
	// Set name and license.
	info.Set("routemon", "", "GPLv3")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
