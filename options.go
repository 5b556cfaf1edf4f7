package commitd

import (
	"pkt.systems/commitd/internal/clock"
	"pkt.systems/pslog"
)

// Option configures cluster construction.
type Option func(*options)

type options struct {
	Logger         pslog.Logger
	Clock          clock.Clock
	DisableMetrics bool
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithMetricsDisabled skips otel instrument registration in the coordinator
// and participants.
func WithMetricsDisabled() Option {
	return func(o *options) {
		o.DisableMetrics = true
	}
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.Logger == nil {
		o.Logger = pslog.NoopLogger()
	}
	o.Clock = clock.Ensure(o.Clock)
	return o
}
