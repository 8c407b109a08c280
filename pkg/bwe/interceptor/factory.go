package interceptor

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"

	"github.com/thesyncim/googcc/pkg/bwe"
	"github.com/thesyncim/googcc/pkg/bwe/internal"
	"github.com/thesyncim/googcc/pkg/units"
)

// ErrInvalidProcessInterval is returned for a non-positive process interval.
var ErrInvalidProcessInterval = errors.New("process interval must be positive")

const (
	defaultStartBitrate    = 300_000 // bps
	defaultProcessInterval = 25 * time.Millisecond
)

type config struct {
	startBitrate    units.DataRate
	minBitrate      units.DataRate
	maxBitrate      units.DataRate
	googcc          *bwe.GoogCCConfig
	loggerFactory   logging.LoggerFactory
	processInterval time.Duration
	rateUpdates     bwe.RateUpdateSchedulerConfig
	onNew           func(id string, i *GCCInterceptor)
}

func newConfig(opts []Option) (config, error) {
	cfg := config{
		startBitrate:    units.BitsPerSec(defaultStartBitrate),
		loggerFactory:   logging.NewDefaultLoggerFactory(),
		processInterval: defaultProcessInterval,
		rateUpdates:     bwe.DefaultRateUpdateSchedulerConfig(),
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, err
		}
	}
	if cfg.maxBitrate > 0 && cfg.minBitrate > cfg.maxBitrate {
		return config{}, fmt.Errorf("min bitrate %v above max bitrate %v", cfg.minBitrate, cfg.maxBitrate)
	}
	return cfg, nil
}

// Option configures a GCCInterceptor.
type Option func(*config) error

// WithStartBitrate sets the initial target.
// Default: 300 kbps
func WithStartBitrate(rate units.DataRate) Option {
	return func(c *config) error {
		if rate <= 0 {
			return errors.New("start bitrate must be positive")
		}
		c.startBitrate = rate
		return nil
	}
}

// WithMinBitrate sets the target floor.
// Default: the controller's default minimum
func WithMinBitrate(rate units.DataRate) Option {
	return func(c *config) error {
		c.minBitrate = rate
		return nil
	}
}

// WithMaxBitrate caps the target. Zero means no cap.
// Default: 0
func WithMaxBitrate(rate units.DataRate) Option {
	return func(c *config) error {
		c.maxBitrate = rate
		return nil
	}
}

// WithGoogCCConfig replaces the controller configuration.
// Default: bwe.DefaultGoogCCConfig()
func WithGoogCCConfig(gcc bwe.GoogCCConfig) Option {
	return func(c *config) error {
		if gcc.PacingFactor <= 0 {
			return fmt.Errorf("invalid config: %w", bwe.ErrInvalidPacingFactor)
		}
		c.googcc = &gcc
		return nil
	}
}

// WithLoggerFactory sets the logger factory of the interceptor and its
// controller.
// Default: logging.NewDefaultLoggerFactory()
func WithLoggerFactory(f logging.LoggerFactory) Option {
	return func(c *config) error {
		if f == nil {
			return errors.New("logger factory must not be nil")
		}
		c.loggerFactory = f
		return nil
	}
}

// WithProcessInterval sets how often the controller is ticked.
// Default: 25ms
func WithProcessInterval(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return ErrInvalidProcessInterval
		}
		c.processInterval = d
		return nil
	}
}

// WithRateUpdateInterval sets the minimum spacing of target callbacks for
// increases.
// Default: 1 second
func WithRateUpdateInterval(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return errors.New("rate update interval must be positive")
		}
		c.rateUpdates.Interval = units.FromDuration(d)
		return nil
	}
}

// WithOnNewInterceptor registers a callback invoked for every interceptor
// the factory creates, before it is bound to any stream.
func WithOnNewInterceptor(f func(id string, i *GCCInterceptor)) Option {
	return func(c *config) error {
		c.onNew = f
		return nil
	}
}

// GCCInterceptorFactory creates a GCCInterceptor for each PeerConnection.
type GCCInterceptorFactory struct {
	config config
}

var _ interceptor.Factory = (*GCCInterceptorFactory)(nil)

// NewGCCInterceptorFactory validates opts and returns a factory.
//
// Example:
//
//	factory, err := NewGCCInterceptorFactory(
//	    WithStartBitrate(units.KilobitsPerSec(500)),
//	    WithOnNewInterceptor(func(_ string, i *GCCInterceptor) {
//	        i.OnTargetRate(encoder.SetBitrate)
//	    }),
//	)
//	if err != nil {
//	    return err
//	}
//	registry.Add(factory)
func NewGCCInterceptorFactory(opts ...Option) (*GCCInterceptorFactory, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return &GCCInterceptorFactory{config: cfg}, nil
}

// NewInterceptor creates an interceptor for the PeerConnection id.
func (f *GCCInterceptorFactory) NewInterceptor(id string) (interceptor.Interceptor, error) {
	i, err := newGCCInterceptor(f.config, internal.MonotonicClock{})
	if err != nil {
		return nil, err
	}
	if f.config.onNew != nil {
		f.config.onNew(id, i)
	}
	return i, nil
}
