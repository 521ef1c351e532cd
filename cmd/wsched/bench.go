package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"wsched/internal/bench"
	"wsched/internal/task/engine"
	"wsched/internal/workload"
	logx "wsched/pkg/logx"
)

func newBenchCmd() *cobra.Command {
	var (
		opts       bench.Options
		kind       string
		stealOrder string
		timeout    time.Duration
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Push a synthetic load through a fresh scheduler and report the spread",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Kind = workload.Kind(strings.ToLower(kind))
			switch opts.Kind {
			case workload.KindSleep, workload.KindSpin, workload.KindFail, workload.KindFanout:
			default:
				return fmt.Errorf("unknown --kind %q", kind)
			}
			opts.StealOrder = engine.StealOrder(stealOrder)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			rep, err := bench.Run(ctx, opts, logx.NewConsole(logLevel))
			if err != nil {
				return err
			}
			printReport(rep)
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.Workers, "workers", "w", 0, "worker count (0 = one per CPU)")
	f.IntVarP(&opts.Tasks, "tasks", "n", 10000, "number of tasks")
	f.StringVarP(&kind, "kind", "k", "spin", "task kind: sleep, spin, fail, fanout")
	f.DurationVarP(&opts.Duration, "duration", "d", 100*time.Microsecond, "per-task duration")
	f.IntVar(&opts.Fanout, "fanout", 4, "children per fanout task")
	f.Float64Var(&opts.FailRatio, "fail-ratio", 0.5, "failure probability for fail tasks")
	f.IntVarP(&opts.Producers, "producers", "p", 4, "concurrent submitters")
	f.BoolVar(&opts.Imbalance, "imbalance", false, "queue every task on worker 0")
	f.StringVar(&stealOrder, "steal-order", string(engine.StealFixed), "victim order: fixed or random")
	f.DurationVar(&timeout, "timeout", 5*time.Minute, "abort after this long")
	f.StringVar(&logLevel, "log-level", "warn", "log level")
	return cmd
}

func printReport(rep bench.Report) {
	title := color.New(color.FgCyan, color.Bold)
	title.Println("wsched bench")
	fmt.Printf("  workers     %d\n", rep.Workers)
	fmt.Printf("  tasks       %d (executed %d)\n", rep.Tasks, rep.Executed)
	fmt.Printf("  succeeded   %s\n", color.GreenString("%d", rep.Succeeded))
	if rep.Failed > 0 {
		fmt.Printf("  failed      %s\n", color.RedString("%d", rep.Failed))
	}
	fmt.Printf("  elapsed     %s\n", rep.Elapsed.Round(time.Microsecond))
	fmt.Printf("  throughput  %.0f tasks/s\n", rep.Throughput())
	fmt.Printf("  steals      %d\n", rep.Steals())
	fmt.Println()

	header := color.New(color.FgCyan)
	header.Printf("%-8s %10s %10s %10s %10s %12s\n", "worker", "executed", "stole", "stolen", "global", "busy")
	fmt.Println(strings.Repeat("-", 65))
	for _, w := range rep.PerWorker {
		fmt.Printf("%-8d %10d %10d %10d %10d %12s\n",
			w.WorkerID, w.TasksExecuted, w.StealsPerformed, w.StealsReceived, w.GlobalTaken, w.CPUTime.Round(time.Microsecond))
	}
}
