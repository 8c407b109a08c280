package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pion/logging"
	"gopkg.in/yaml.v3"

	"github.com/thesyncim/googcc/pkg/bwe"
	"github.com/thesyncim/googcc/pkg/bwe/testutil"
	"github.com/thesyncim/googcc/pkg/units"
)

// Scenario is a simulated call: a link description followed by phases that
// change it. Durations are Go duration strings ("30s", "2m").
//
//	name: capacity-drop
//	start_kbps: 300
//	link:
//	  capacity_kbps: 2000
//	  delay_ms: 50
//	phases:
//	  - duration: 30s
//	  - duration: 30s
//	    capacity_kbps: 500
//	    expect:
//	      max_kbps: 700
//	      max_queue_ms: 500
type Scenario struct {
	Name       string    `yaml:"name"`
	StartKbps  int64     `yaml:"start_kbps"`
	MinKbps    int64     `yaml:"min_kbps"`
	MaxKbps    int64     `yaml:"max_kbps"`
	Seed       uint64    `yaml:"seed"`
	AlrProbing bool      `yaml:"alr_probing"`
	Link       LinkSpec  `yaml:"link"`
	Phases     []Phase   `yaml:"phases"`
	Limits     SoakLimit `yaml:"limits"`
}

// LinkSpec is the initial bottleneck.
type LinkSpec struct {
	CapacityKbps int64   `yaml:"capacity_kbps"`
	DelayMs      int64   `yaml:"delay_ms"`
	Loss         float64 `yaml:"loss"`
	QueueMs      int64   `yaml:"queue_ms"`
	CrossKbps    int64   `yaml:"cross_kbps"`
	MaxMediaKbps int64   `yaml:"max_media_kbps"`
}

// Phase runs the link for Duration after applying the fields that are set.
type Phase struct {
	Duration     time.Duration `yaml:"duration"`
	CapacityKbps *int64        `yaml:"capacity_kbps"`
	DelayMs      *int64        `yaml:"delay_ms"`
	Loss         *float64      `yaml:"loss"`
	CrossKbps    *int64        `yaml:"cross_kbps"`
	MaxMediaKbps *int64        `yaml:"max_media_kbps"`
	Expect       Expectation   `yaml:"expect"`
}

// Expectation is checked over the second half of a phase. Zero fields are
// not checked.
type Expectation struct {
	MinKbps    int64 `yaml:"min_kbps"`
	MaxKbps    int64 `yaml:"max_kbps"`
	MaxQueueMs int64 `yaml:"max_queue_ms"`
}

// SoakLimit bounds the whole run.
type SoakLimit struct {
	MaxInFlightBytes int64 `yaml:"max_in_flight_bytes"`
	MaxHeapMB        int64 `yaml:"max_heap_mb"`
}

// LoadScenario reads a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario %s: %w", path, err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a YAML scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate reports the first inconsistent field.
func (s *Scenario) Validate() error {
	if len(s.Phases) == 0 {
		return errors.New("scenario has no phases")
	}
	if s.MaxKbps > 0 && s.MinKbps > s.MaxKbps {
		return fmt.Errorf("min_kbps %d above max_kbps %d", s.MinKbps, s.MaxKbps)
	}
	if s.Link.Loss < 0 || s.Link.Loss >= 1 {
		return fmt.Errorf("link loss %v not in [0, 1)", s.Link.Loss)
	}
	for i, p := range s.Phases {
		if p.Duration <= 0 {
			return fmt.Errorf("phase %d: duration must be positive", i)
		}
		if p.Loss != nil && (*p.Loss < 0 || *p.Loss >= 1) {
			return fmt.Errorf("phase %d: loss %v not in [0, 1)", i, *p.Loss)
		}
		if p.CapacityKbps != nil && *p.CapacityKbps <= 0 {
			return fmt.Errorf("phase %d: capacity must be positive", i)
		}
	}
	return nil
}

// Duration is the total simulated time.
func (s *Scenario) Duration() time.Duration {
	var d time.Duration
	for _, p := range s.Phases {
		d += p.Duration
	}
	return d
}

// PhaseResult is what one phase produced.
type PhaseResult struct {
	Index      int
	MeanTarget units.DataRate
	MaxQueue   units.TimeDelta
	Failures   []string
}

// Result summarizes a run.
type Result struct {
	Name          string
	Simulated     time.Duration
	Phases        []PhaseResult
	Stats         testutil.LinkStats
	FinalTarget   units.DataRate
	PeakInFlight  units.DataSize
	Failures      []string
	TargetSamples int
}

// Passed reports whether every check held.
func (r *Result) Passed() bool {
	if len(r.Failures) > 0 {
		return false
	}
	for _, p := range r.Phases {
		if len(p.Failures) > 0 {
			return false
		}
	}
	return true
}

func (s *Scenario) linkConfig() testutil.LinkConfig {
	cfg := testutil.DefaultLinkConfig()
	if s.Link.CapacityKbps > 0 {
		cfg.Capacity = units.KilobitsPerSec(s.Link.CapacityKbps)
	}
	if s.Link.DelayMs > 0 {
		cfg.PropagationDelay = units.Millis(s.Link.DelayMs)
	}
	cfg.LossRate = s.Link.Loss
	cfg.MaxQueueDelay = units.Millis(s.Link.QueueMs)
	cfg.CrossTraffic = units.KilobitsPerSec(s.Link.CrossKbps)
	cfg.MaxMediaRate = units.KilobitsPerSec(s.Link.MaxMediaKbps)
	cfg.Seed = s.Seed
	return cfg
}

func (p *Phase) apply(l *testutil.Link) {
	if p.CapacityKbps != nil {
		l.SetCapacity(units.KilobitsPerSec(*p.CapacityKbps))
	}
	if p.DelayMs != nil {
		l.SetPropagationDelay(units.Millis(*p.DelayMs))
	}
	if p.Loss != nil {
		l.SetLossRate(*p.Loss)
	}
	if p.CrossKbps != nil {
		l.SetCrossTraffic(units.KilobitsPerSec(*p.CrossKbps))
	}
	if p.MaxMediaKbps != nil {
		l.SetMaxMediaRate(units.KilobitsPerSec(*p.MaxMediaKbps))
	}
}

// runner executes a scenario in virtual time. step bounds how much time is
// simulated between status checks, so long soaks can report progress and
// be interrupted.
type runner struct {
	scenario *Scenario
	log      logging.LeveledLogger
	step     time.Duration
	// interrupted is polled between steps.
	interrupted func() bool
	// status is called after every step.
	status func(elapsed time.Duration, l *testutil.Link)
}

func (r *runner) run(loggerFactory logging.LoggerFactory) (*Result, error) {
	s := r.scenario
	gcc := bwe.DefaultGoogCCConfig()
	gcc.EnablePeriodicAlrProbing = s.AlrProbing

	start := bwe.NetworkControllerConfig{
		Constraints: bwe.TargetRateConstraints{
			MinDataRate: units.KilobitsPerSec(s.MinKbps),
			MaxDataRate: units.KilobitsPerSec(s.MaxKbps),
		},
		StartingBandwidth: units.KilobitsPerSec(s.StartKbps),
	}
	link, err := testutil.NewLink(s.linkConfig(), start,
		bwe.WithGoogCCConfig(gcc),
		bwe.WithLoggerFactory(loggerFactory),
	)
	if err != nil {
		return nil, err
	}

	step := r.step
	if step <= 0 {
		step = time.Minute
	}
	res := &Result{Name: s.Name}
	var elapsed time.Duration
	for i := range s.Phases {
		p := &s.Phases[i]
		p.apply(link)
		r.log.Infof("phase %d: %v", i, p.Duration)

		phaseStart := link.Now()
		for done := time.Duration(0); done < p.Duration; {
			d := min(step, p.Duration-done)
			link.Run(units.FromDuration(d))
			done += d
			elapsed += d

			inFlight := link.Controller().InFlight()
			if inFlight > res.PeakInFlight {
				res.PeakInFlight = inFlight
			}
			if r.status != nil {
				r.status(elapsed, link)
			}
			if r.interrupted != nil && r.interrupted() {
				res.Failures = append(res.Failures, "interrupted")
				r.finish(res, link, elapsed)
				return res, nil
			}
		}
		res.Phases = append(res.Phases, checkPhase(i, p, link, phaseStart))
	}
	r.finish(res, link, elapsed)
	return res, nil
}

func (r *runner) finish(res *Result, link *testutil.Link, elapsed time.Duration) {
	res.Simulated = elapsed
	res.Stats = link.Stats()
	res.FinalTarget = link.Target()
	res.TargetSamples = len(link.Samples())

	lim := r.scenario.Limits
	if lim.MaxInFlightBytes > 0 && res.PeakInFlight > units.Bytes(lim.MaxInFlightBytes) {
		res.Failures = append(res.Failures, fmt.Sprintf("in flight %v above %d bytes", res.PeakInFlight, lim.MaxInFlightBytes))
	}
	minRate := units.KilobitsPerSec(r.scenario.MinKbps)
	if res.FinalTarget <= 0 || res.FinalTarget < minRate {
		res.Failures = append(res.Failures, fmt.Sprintf("final target %v below floor", res.FinalTarget))
	}
	if r.scenario.MaxKbps > 0 && res.FinalTarget > units.KilobitsPerSec(r.scenario.MaxKbps) {
		res.Failures = append(res.Failures, fmt.Sprintf("final target %v above cap", res.FinalTarget))
	}
}

func checkPhase(i int, p *Phase, link *testutil.Link, start units.Timestamp) PhaseResult {
	end := link.Now()
	half := start.Add(end.Sub(start).Div(2))
	pr := PhaseResult{Index: i, MeanTarget: link.MeanTarget(half, end)}
	for _, s := range link.Samples() {
		if s.At >= half && s.At < end && s.QueueDelay > pr.MaxQueue {
			pr.MaxQueue = s.QueueDelay
		}
	}

	e := p.Expect
	if e.MinKbps > 0 && pr.MeanTarget < units.KilobitsPerSec(e.MinKbps) {
		pr.Failures = append(pr.Failures, fmt.Sprintf("mean target %v below %d kbps", pr.MeanTarget, e.MinKbps))
	}
	if e.MaxKbps > 0 && pr.MeanTarget > units.KilobitsPerSec(e.MaxKbps) {
		pr.Failures = append(pr.Failures, fmt.Sprintf("mean target %v above %d kbps", pr.MeanTarget, e.MaxKbps))
	}
	if e.MaxQueueMs > 0 && pr.MaxQueue > units.Millis(e.MaxQueueMs) {
		pr.Failures = append(pr.Failures, fmt.Sprintf("queue delay %v above %d ms", pr.MaxQueue, e.MaxQueueMs))
	}
	return pr
}
