package comms

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

const defaultWaitTimeout = 10 * time.Second

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	waitTimeout  time.Duration
	clock        Clock
}

// Option to pass to `New`, `NewP2P` or the `Inject*` helpers.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted
// by the communicator.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// communicator.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithWaitTimeout bounds how long WaitAll tolerates zero progress before
// declaring a peer hung and aborting. Defaults to 10 seconds.
func WithWaitTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = defaultWaitTimeout
		}
		c.waitTimeout = timeout
		return nil
	}
}

// WithClock substitutes the wall clock used by the WaitAll timeout.
func WithClock(clk Clock) Option {
	return func(c *config) error {
		if clk == nil {
			clk = realClock{}
		}
		c.clock = clk
		return nil
	}
}
