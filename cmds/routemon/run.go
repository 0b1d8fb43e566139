package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/safing/routemon/base/log"
	"github.com/safing/routemon/service"
)

var (
	printStackOnExit bool

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the dispatcher until interrupted.",
		Args:  cobra.NoArgs,
		RunE:  cmdRun,
	}
)

func init() {
	runCmd.Flags().BoolVar(&printStackOnExit, "print-stack-on-exit", false, "prints the stack before shutting down")
}

func cmdRun(cmd *cobra.Command, args []string) error {
	cfg, err := svcCfg.Init()
	if err != nil {
		return err
	}

	// Start logging.
	// Note: Must be started before the instance is created, so that modules use the right logger.
	if err := service.StartLogging(cfg); err != nil {
		return err
	}
	defer log.Shutdown()

	instance, err := service.New(cfg)
	if err != nil {
		return fmt.Errorf("error creating an instance: %w", err)
	}

	// Subscribe to signals before starting, so none get lost.
	signalCh := make(chan os.Signal, 1)
	signal.Notify(
		signalCh,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	if err := instance.Start(); err != nil {
		if printStackOnExit {
			printStackTo(log.GlobalWriter, "PRINTING STACK ON START FAILURE")
		}
		return fmt.Errorf("instance start failed: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-signalCh
	fmt.Printf(" <SIGNAL: %v>\n", sig) // CLI output.
	slog.Warn("received stop signal, stopping", "signal", sig)

	// Catch signals during shutdown.
	// Force exit after 5 interrupts.
	stopped := make(chan error, 1)
	go func() {
		stopped <- instance.Stop()
	}()
	forceCnt := 5
	timeout := time.After(3 * time.Minute)
	for {
		select {
		case err := <-stopped:
			if printStackOnExit {
				printStackTo(log.GlobalWriter, "PRINTING STACK ON EXIT")
			}
			// Give logs a moment to be written.
			time.Sleep(100 * time.Millisecond)
			return err

		case sig := <-signalCh:
			forceCnt--
			if forceCnt > 0 {
				fmt.Printf(" <SIGNAL: %s> again, but already shutting down - %d more to force\n", sig, forceCnt)
			} else {
				printStackTo(log.GlobalWriter, "PRINTING STACK ON FORCED EXIT")
				os.Exit(1)
			}

		case <-timeout:
			printStackTo(log.GlobalWriter, "PRINTING STACK - TAKING TOO LONG FOR SHUTDOWN")
			os.Exit(1)
		}
	}
}

func printStackTo(writer io.Writer, msg string) {
	_, err := fmt.Fprintf(writer, "===== %s =====\n", msg)
	if err == nil {
		err = pprof.Lookup("goroutine").WriteTo(writer, 1)
	}
	if err != nil {
		slog.Error("failed to write stack trace", "err", err)
	}
}
