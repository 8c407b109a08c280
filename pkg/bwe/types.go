// Package bwe implements Google Congestion Control (GCC) send-side bandwidth
// estimation, pacing and probing for real-time media.
//
// The entry point is NetworkController. It consumes transport events (sent
// packets, transport-wide feedback, receiver reports, REMB, RTT samples,
// route changes and a periodic tick) and pushes its decisions to a
// NetworkControllerObserver: a target transfer rate, a pacer configuration,
// an optional congestion window and bandwidth probe clusters.
package bwe

// BandwidthUsage represents the current bandwidth usage state as determined
// by the delay-based detector.
type BandwidthUsage int

const (
	// BwNormal indicates bandwidth usage is normal - no congestion detected.
	BwNormal BandwidthUsage = iota
	// BwUnderusing indicates queues are draining.
	BwUnderusing
	// BwOverusing indicates congestion detected - should decrease rate.
	BwOverusing
)

// String returns a string representation of the BandwidthUsage state.
func (b BandwidthUsage) String() string {
	switch b {
	case BwNormal:
		return "Normal"
	case BwUnderusing:
		return "Underusing"
	case BwOverusing:
		return "Overusing"
	default:
		return "Unknown"
	}
}
