package main

import (
	"context"
	"log/slog"
	"os"
	"shipflow/internal/components/chrono"
	"shipflow/internal/components/telemetry"
	"shipflow/lib/osutil"
	"sync/atomic"

	"github.com/spf13/cobra"
)

var skipInitial bool

func init() {
	loopCmd.Flags().BoolVar(&skipInitial, "skip-initial", false, "Wait for the first tick instead of running a cycle on start.")
	rootCmd.AddCommand(loopCmd)
}

// cycleRunner runs cycles one at a time, a tick arriving while a cycle is
// still running is dropped.
type cycleRunner struct {
	app     *app
	running atomic.Bool
}

func (r *cycleRunner) tick(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		r.app.tel.ReportWarning("loop.skipped-tick", "previous cycle still running")
		return
	}
	defer r.running.Store(false)

	if ctx.Err() != nil {
		return
	}
	summary := r.app.orch.RunCycle(ctx)
	summary.RenderTable(os.Stdout)
	slog.Info(
		"cycle finished",
		"cycle_id", summary.CycleID,
		"shipped", summary.Shipped(),
		"failed", summary.FailedUnits(),
		"duration", summary.Duration(),
	)
}

var loopCmd = &cobra.Command{
	Use:   "loop [--skip-initial]",
	Short: "Runs a cycle every system.interval minutes until interrupted.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a, err := setup(ctx)
		if err != nil {
			osutil.Fatal("startup failed", err)
		}
		defer a.Close()

		telemetry.InstrumentPerfStats(ctx, a.tel)

		runner := &cycleRunner{app: a}
		cron := chrono.NewStandardCron(telemetry.NewScopedAPI("cron", a.tel), a.clock)
		err = cron.Cron(chrono.Every(a.cfg.System.Interval), func() {
			runner.tick(ctx)
		})
		if err != nil {
			osutil.Fatal("schedule cycles", err)
		}
		slog.Info("looping", "interval_minutes", a.cfg.System.Interval)

		if !skipInitial {
			runner.tick(ctx)
		}

		<-ctx.Done()
		cron.Stop()
	},
}
