package recorder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtransport/discovery"
)

// Option customizes a Recorder at construction time.
type Option func(*Recorder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock injects a custom xclock clock. The recorder samples its
// wall-minus-monotonic offset from this clock once, at construction.
func WithClock(c xclock.Clock) Option {
	return func(r *Recorder) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithDiscovery injects a discovery client instead of the UDP default.
// The recorder owns the client and closes it on Close.
func WithDiscovery(d Discovery) Option {
	return func(r *Recorder) {
		if d != nil {
			r.disc = d
		}
	}
}

// WithDiscoveryConfig overrides the configuration of the default UDP
// discovery client. Ignored when WithDiscovery is used.
func WithDiscoveryConfig(cfg discovery.Config) Option {
	return func(r *Recorder) {
		r.discCfg = &cfg
	}
}

// WithLogBackend selects the msglog backend used by Start. The default is
// the file backend with no config.
func WithLogBackend(name string, cfg map[string]any) Option {
	return func(r *Recorder) {
		if name != "" {
			r.logBackend = name
			r.logCfg = cfg
		}
	}
}

// WithMetrics registers the recorder's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(r *Recorder) {
		r.metricsReg = reg
	}
}
