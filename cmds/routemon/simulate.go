package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/safing/routemon/base/log"
	"github.com/safing/routemon/service"
	"github.com/safing/routemon/service/dispatch"
	"github.com/safing/routemon/service/mgr"
	"github.com/safing/routemon/service/telemetry"
)

var errSimulatedFailure = errors.New("simulated routing failure")

type simulateOptions struct {
	Units       int
	Producers   int
	FailRatio   float64
	CancelRatio float64
	WorkTime    time.Duration
}

// simulationResult is printed after a simulation.
type simulationResult struct {
	Submitted int                `json:"submitted"`
	Rejected  int                `json:"rejected"`
	Canceled  int                `json:"canceled"`
	Telemetry telemetry.Snapshot `json:"telemetry"`
	Dispatch  dispatch.Stats     `json:"dispatch"`
}

var (
	simOpts simulateOptions

	simulateCmd = &cobra.Command{
		Use:   "simulate",
		Short: "Route synthetic calls through an in-process instance and print the telemetry.",
		Args:  cobra.NoArgs,
		RunE:  cmdSimulate,
	}
)

func init() {
	flags := simulateCmd.Flags()
	flags.IntVar(&simOpts.Units, "units", 10000, "number of units to submit")
	flags.IntVar(&simOpts.Producers, "producers", 4, "number of concurrent producers")
	flags.Float64Var(&simOpts.FailRatio, "fail-ratio", 0, "ratio of units that fail processing")
	flags.Float64Var(&simOpts.CancelRatio, "cancel-ratio", 0, "ratio of units that are canceled after submitting")
	flags.DurationVar(&simOpts.WorkTime, "work-time", 0, "time each unit takes to process")
}

func cmdSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := svcCfg.Init()
	if err != nil {
		return err
	}
	// Only log to stdout and keep the API closed, unless configured.
	cfg.Log.Dir = ""
	if svcCfg.APIListen == "" {
		cfg.API.Disabled = true
	}
	if svcCfg.LogLevel == "" {
		cfg.Log.Level = "warning"
	}
	if err := service.StartLogging(cfg); err != nil {
		return err
	}
	defer log.Shutdown()

	instance, err := service.New(cfg)
	if err != nil {
		return fmt.Errorf("error creating an instance: %w", err)
	}
	if err := instance.Start(); err != nil {
		return fmt.Errorf("instance start failed: %w", err)
	}
	defer func() {
		if err := instance.Stop(); err != nil {
			log.Errorf("simulate: failed to stop instance: %s", err)
		}
	}()

	result, err := runSimulation(cmd.Context(), instance, simOpts)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// runSimulation submits synthetic units, waits for all of them and then for
// the next rotation of the rate window.
func runSimulation(ctx context.Context, instance *service.Instance, opts simulateOptions) (*simulationResult, error) {
	if opts.Units <= 0 || opts.Producers <= 0 {
		return nil, errors.New("units and producers must be positive")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// Subscribe before routing, so that no snapshot is missed.
	sub := instance.Telemetry().Snapshots.Subscribe("simulation", 100)
	defer sub.Cancel()

	var (
		lock    sync.Mutex
		tickets = make([]*dispatch.Ticket, 0, opts.Units)
		result  = &simulationResult{}
	)
	unit := dispatch.Func{
		ProcessFn: func(w *mgr.WorkerCtx) error {
			if opts.WorkTime > 0 {
				select {
				case <-time.After(opts.WorkTime):
				case <-w.Done():
					return w.Ctx().Err()
				}
			}
			if rand.Float64() < opts.FailRatio { //nolint:gosec
				return errSimulatedFailure
			}
			return nil
		},
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for p := range opts.Producers {
		// Spread the remainder over the first producers.
		n := opts.Units / opts.Producers
		if p < opts.Units%opts.Producers {
			n++
		}

		group.Go(func() error {
			for range n {
				if groupCtx.Err() != nil {
					return groupCtx.Err()
				}

				ticket, err := instance.Dispatcher().Submit(unit)
				canceled := err == nil && rand.Float64() < opts.CancelRatio && ticket.Cancel() //nolint:gosec

				lock.Lock()
				result.Submitted++
				switch {
				case err != nil:
					result.Rejected++
				case canceled:
					result.Canceled++
				}
				tickets = append(tickets, ticket)
				lock.Unlock()
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	for _, ticket := range tickets {
		select {
		case <-ticket.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Wait for the next rotation, so that the last units are in the window.
	doneAt := time.Now()
	period := instance.Telemetry().Rotator().Period()
	timeout := time.After(2*period + time.Second)
	for {
		select {
		case snap := <-sub.Events():
			if snap.Time.After(doneAt) {
				result.Telemetry = snap
				result.Dispatch = instance.Dispatcher().Stats()
				return result, nil
			}
		case <-timeout:
			return nil, errors.New("timed out waiting for the rate window to rotate")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
