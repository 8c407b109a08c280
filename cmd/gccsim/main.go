// Command gccsim runs the GoogCC network controller against a simulated
// bottleneck in virtual time.
//
// Without --scenario it runs a single-phase soak over a fixed link:
//
//	go run ./cmd/gccsim --duration 24h --capacity-kbps 2500
//
// With --scenario it runs the phases of a YAML file and checks their
// expectations:
//
//	go run ./cmd/gccsim --scenario capacity-drop.yaml
//
// --pprof exposes net/http/pprof for live profiling of long runs:
//
//	curl http://localhost:6060/debug/pprof/heap > heap.pprof
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/urfave/cli/v2"

	"github.com/thesyncim/googcc/pkg/bwe/testutil"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:  "scenario",
		Usage: "path to a YAML scenario file",
	},
	&cli.DurationFlag{
		Name:  "duration",
		Usage: "simulated time of the soak run when no scenario is given",
		Value: 10 * time.Minute,
	},
	&cli.Int64Flag{
		Name:  "capacity-kbps",
		Usage: "bottleneck capacity of the soak run",
		Value: 1000,
	},
	&cli.Int64Flag{
		Name:  "delay-ms",
		Usage: "one-way propagation delay of the soak run",
		Value: 50,
	},
	&cli.Float64Flag{
		Name:  "loss",
		Usage: "random loss probability of the soak run",
	},
	&cli.Int64Flag{
		Name:  "start-kbps",
		Usage: "starting bandwidth of the soak run",
		Value: 300,
	},
	&cli.Uint64Flag{
		Name:  "seed",
		Usage: "seed of the loss pattern",
		Value: 1,
	},
	&cli.DurationFlag{
		Name:  "status-interval",
		Usage: "simulated time between progress lines",
		Value: 5 * time.Minute,
	},
	&cli.StringFlag{
		Name:  "pprof",
		Usage: "serve /debug/pprof on `addr`, e.g. :6060",
	},
	&cli.BoolFlag{
		Name:  "debug",
		Usage: "log controller decisions",
	},
}

func main() {
	app := &cli.App{
		Name:   "gccsim",
		Usage:  "run the GoogCC controller against a simulated bottleneck",
		Flags:  flags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	loggerFactory := logging.NewDefaultLoggerFactory()
	if c.Bool("debug") {
		loggerFactory.DefaultLogLevel = logging.LogLevelDebug
	}
	log := loggerFactory.NewLogger("gccsim")

	scenario, err := scenarioFromContext(c)
	if err != nil {
		return err
	}

	if addr := c.String("pprof"); addr != "" {
		go func() {
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Warnf("pprof server: %v", err)
			}
		}()
		log.Infof("pprof on http://%s/debug/pprof/", addr)
	}

	var stop atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received %v, stopping", sig)
		stop.Store(true)
	}()

	var peakHeap uint64
	var mem runtime.MemStats
	statusEvery := c.Duration("status-interval")
	var nextStatus time.Duration
	r := &runner{
		scenario:    scenario,
		log:         log,
		step:        min(statusEvery, time.Minute),
		interrupted: stop.Load,
		status: func(elapsed time.Duration, l *testutil.Link) {
			runtime.ReadMemStats(&mem)
			peakHeap = max(peakHeap, mem.HeapAlloc)
			if elapsed < nextStatus {
				return
			}
			nextStatus = elapsed + statusEvery
			log.Infof("[%s] target=%v in_flight=%v sent=%d lost=%d heap=%.1fMB",
				formatDuration(elapsed), l.Target(), l.Controller().InFlight(),
				l.Stats().PacketsSent, l.Stats().PacketsLost, float64(mem.HeapAlloc)/(1<<20))
		},
	}

	log.Infof("scenario %q: %v simulated", scenario.Name, scenario.Duration())
	wall := time.Now()
	res, err := r.run(loggerFactory)
	if err != nil {
		return err
	}
	if lim := scenario.Limits.MaxHeapMB; lim > 0 && peakHeap > uint64(lim)<<20 {
		res.Failures = append(res.Failures, fmt.Sprintf("peak heap %.1fMB above %dMB", float64(peakHeap)/(1<<20), lim))
	}
	printSummary(res, time.Since(wall), peakHeap)
	if !res.Passed() {
		return cli.Exit("FAIL", 1)
	}
	return nil
}

func scenarioFromContext(c *cli.Context) (*Scenario, error) {
	if path := c.String("scenario"); path != "" {
		return LoadScenario(path)
	}
	s := &Scenario{
		Name:      "soak",
		StartKbps: c.Int64("start-kbps"),
		Seed:      c.Uint64("seed"),
		Link: LinkSpec{
			CapacityKbps: c.Int64("capacity-kbps"),
			DelayMs:      c.Int64("delay-ms"),
			Loss:         c.Float64("loss"),
		},
		Phases: []Phase{{Duration: c.Duration("duration")}},
		Limits: SoakLimit{
			MaxInFlightBytes: 5_000_000,
			MaxHeapMB:        100,
		},
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func printSummary(res *Result, wall time.Duration, peakHeap uint64) {
	fmt.Printf("\n%s\n", res.Name)
	fmt.Printf("Simulated:       %v (wall %v)\n", res.Simulated, wall.Round(time.Millisecond))
	fmt.Printf("Packets sent:    %d\n", res.Stats.PacketsSent)
	fmt.Printf("Packets lost:    %d\n", res.Stats.PacketsLost)
	fmt.Printf("Queue drops:     %d\n", res.Stats.PacketsDropped)
	fmt.Printf("Probe clusters:  %d\n", res.Stats.ProbeClusters)
	fmt.Printf("Max queue delay: %v\n", res.Stats.MaxQueueDelay)
	fmt.Printf("Final target:    %v\n", res.FinalTarget)
	fmt.Printf("Peak in flight:  %v\n", res.PeakInFlight)
	fmt.Printf("Peak heap:       %.1f MB\n", float64(peakHeap)/(1<<20))
	for _, p := range res.Phases {
		fmt.Printf("Phase %d:         mean %v, max queue %v %s\n", p.Index, p.MeanTarget, p.MaxQueue, checkMark(len(p.Failures) == 0))
		for _, f := range p.Failures {
			fmt.Printf("  - %s\n", f)
		}
	}
	for _, f := range res.Failures {
		fmt.Printf("  - %s\n", f)
	}
	fmt.Printf("Status:          %s\n", checkMark(res.Passed()))
}

func formatDuration(d time.Duration) string {
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func checkMark(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}
