package testutil

import (
	"github.com/thesyncim/googcc/pkg/bwe"
	"github.com/thesyncim/googcc/pkg/units"
)

// EventKind identifies a controller output.
type EventKind int

const (
	EventTarget EventKind = iota
	EventPacer
	EventProbe
	EventCongestionWindow
)

func (k EventKind) String() string {
	switch k {
	case EventTarget:
		return "target"
	case EventPacer:
		return "pacer"
	case EventProbe:
		return "probe"
	case EventCongestionWindow:
		return "congestion_window"
	default:
		return "unknown"
	}
}

// Event is one recorded controller output. Only the field matching Kind is
// set.
type Event struct {
	Kind   EventKind
	Target bwe.TargetTransferRate
	Pacer  bwe.PacerConfig
	Probe  bwe.ProbeClusterConfig
	Window bwe.CongestionWindow
}

// Recorder is a NetworkControllerObserver that keeps every output in
// order.
type Recorder struct {
	Events []Event
}

var _ bwe.NetworkControllerObserver = (*Recorder)(nil)

func (r *Recorder) OnTargetTransferRate(t bwe.TargetTransferRate) {
	r.Events = append(r.Events, Event{Kind: EventTarget, Target: t})
}

func (r *Recorder) OnPacerConfig(p bwe.PacerConfig) {
	r.Events = append(r.Events, Event{Kind: EventPacer, Pacer: p})
}

func (r *Recorder) OnProbeClusterConfig(p bwe.ProbeClusterConfig) {
	r.Events = append(r.Events, Event{Kind: EventProbe, Probe: p})
}

func (r *Recorder) OnCongestionWindow(w bwe.CongestionWindow) {
	r.Events = append(r.Events, Event{Kind: EventCongestionWindow, Window: w})
}

// Kinds returns the kinds of the recorded events in order.
func (r *Recorder) Kinds() []EventKind {
	out := make([]EventKind, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Kind
	}
	return out
}

// Targets returns the recorded target rates.
func (r *Recorder) Targets() []units.DataRate {
	var out []units.DataRate
	for _, e := range r.Events {
		if e.Kind == EventTarget {
			out = append(out, e.Target.TargetRate)
		}
	}
	return out
}

// LastTarget returns the most recent target, or zero.
func (r *Recorder) LastTarget() units.DataRate {
	for i := len(r.Events) - 1; i >= 0; i-- {
		if r.Events[i].Kind == EventTarget {
			return r.Events[i].Target.TargetRate
		}
	}
	return 0
}

// Pacers returns the recorded pacer configs.
func (r *Recorder) Pacers() []bwe.PacerConfig {
	var out []bwe.PacerConfig
	for _, e := range r.Events {
		if e.Kind == EventPacer {
			out = append(out, e.Pacer)
		}
	}
	return out
}

// Probes returns the recorded probe clusters.
func (r *Recorder) Probes() []bwe.ProbeClusterConfig {
	var out []bwe.ProbeClusterConfig
	for _, e := range r.Events {
		if e.Kind == EventProbe {
			out = append(out, e.Probe)
		}
	}
	return out
}

// Windows returns the recorded congestion windows.
func (r *Recorder) Windows() []bwe.CongestionWindow {
	var out []bwe.CongestionWindow
	for _, e := range r.Events {
		if e.Kind == EventCongestionWindow {
			out = append(out, e.Window)
		}
	}
	return out
}

// Reset forgets the recorded events.
func (r *Recorder) Reset() {
	r.Events = r.Events[:0]
}
