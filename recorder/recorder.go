// Package recorder subscribes to topics, by name or by pattern, and appends
// every received message to a durable log with UTC-normalized timestamps.
//
// A Recorder is entered concurrently from the application (Start, Stop,
// AddTopic), from discovery threads (advertisement handling) and from
// subscriber threads (message handling). Two mutexes carry the whole
// discipline: topicMu guards the pattern and subscription sets, logMu guards
// the log handle and every insertion. They are never held together.
package recorder

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtransport"
	"github.com/trickstertwo/xtransport/discovery"
	"github.com/trickstertwo/xtransport/msglog"
	"github.com/trickstertwo/xtransport/topic"
)

// Discovery is the surface the recorder needs from a discovery client.
// *discovery.Discovery satisfies it; tests may inject their own.
type Discovery interface {
	ConnectionsCb(func(discovery.Publisher))
	Start() error
	Close() error
}

// Recorder records topic messages to a log.
type Recorder struct {
	node   xtransport.Node
	disc   Discovery
	logger *xlog.Logger
	clock  xclock.Clock

	metrics    *metrics
	metricsReg prometheus.Registerer

	discCfg    *discovery.Config
	logBackend string
	logCfg     map[string]any

	// epoch is the construction instant. Monotonic readings are measured
	// as clock.Since(epoch), so the wall-minus-monotonic offset is the wall
	// clock at construction. Immutable afterwards.
	epoch         time.Time
	wallMinusMono int64

	logMu sync.Mutex
	log   msglog.Log

	topicMu    sync.Mutex
	patterns   []*regexp.Regexp
	subscribed map[string]struct{}

	rawCb     xtransport.RawCallback
	closed    atomic.Bool
	closeOnce sync.Once
}

// New builds a recorder around a node and starts its discovery client under
// a fresh process UUID. The recorder owns both handles until Close.
func New(node xtransport.Node, opts ...Option) (*Recorder, error) {
	if node == nil {
		return nil, errors.New("recorder: node required")
	}

	r := &Recorder{
		node:       node,
		logger:     xlog.Default(),
		clock:      xclock.Default(),
		metrics:    newMetrics(),
		logBackend: msglog.BackendFile,
		subscribed: make(map[string]struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}

	r.epoch = r.clock.Now()
	r.wallMinusMono = r.epoch.UnixNano()
	r.rawCb = r.onMessageReceived

	if r.metricsReg != nil {
		if err := r.metrics.register(r.metricsReg); err != nil {
			return nil, fmt.Errorf("recorder: register metrics: %w", err)
		}
	}

	if r.disc == nil {
		cfg := discovery.Defaults()
		if r.discCfg != nil {
			cfg = *r.discCfg
		}
		d, err := discovery.New(uuid.NewString(), cfg,
			discovery.WithLogger(r.logger),
			discovery.WithClock(r.clock),
		)
		if err != nil {
			return nil, fmt.Errorf("recorder: build discovery: %w", err)
		}
		r.disc = d
	}

	r.disc.ConnectionsCb(r.onAdvertisement)
	if err := r.disc.Start(); err != nil {
		return nil, fmt.Errorf("recorder: start discovery: %w", err)
	}

	return r, nil
}

// Start opens a log at path and begins recording. Returns AlreadyRecording
// if a log is open, FailedToOpen if the backend refuses the path.
func (r *Recorder) Start(path string) Err {
	r.logMu.Lock()
	defer r.logMu.Unlock()

	if r.log != nil {
		r.logger.Warn().Msg("recorder: recording is already in progress")
		return AlreadyRecording
	}

	lg, err := msglog.New(r.logBackend, r.logCfg)
	if err != nil {
		r.logger.Error().Err(err).Str("backend", r.logBackend).Msg("recorder: failed to build log")
		return FailedToOpen
	}
	if err := lg.Open(path); err != nil {
		r.logger.Error().Err(err).Str("path", path).Msg("recorder: failed to open or create log")
		_ = lg.Close()
		return FailedToOpen
	}

	r.log = lg
	r.logger.Info().Str("path", path).Msg("recorder: started recording")
	return NoErr
}

// Stop closes and drops the log. Idempotent. Subscriptions stay active;
// messages arriving while stopped are discarded.
func (r *Recorder) Stop() {
	r.logMu.Lock()
	defer r.logMu.Unlock()

	if r.log == nil {
		return
	}
	if err := r.log.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("recorder: failed to close log")
	}
	r.log = nil
}

// AddTopic subscribes to a single topic by name.
func (r *Recorder) AddTopic(name string) Err {
	r.topicMu.Lock()
	defer r.topicMu.Unlock()
	return r.addTopicLocked(name)
}

// addTopicLocked subscribes to name unless a subscription already exists.
// At most one SubscribeRaw per topic ever completes over the recorder's
// lifetime. Caller holds topicMu.
func (r *Recorder) addTopicLocked(name string) Err {
	if _, ok := r.subscribed[name]; ok {
		return NoErr
	}

	r.logger.Debug().Str("topic", name).Msg("recorder: recording topic")
	if !r.node.SubscribeRaw(name, r.rawCb) {
		r.logger.Error().Str("topic", name).Msg("recorder: failed to subscribe")
		return FailedToSubscribe
	}

	r.subscribed[name] = struct{}{}
	r.metrics.subscriptions.Inc()
	return NoErr
}

// AddTopicPattern subscribes to every current topic whose full name matches
// pattern, then retains the pattern so future advertisements are evaluated
// against it, even when nothing matches today. It returns the number of new
// subscriptions, or the FailedToSubscribe sentinel as soon as any
// subscription fails.
func (r *Recorder) AddTopicPattern(pattern *regexp.Regexp) int64 {
	anchored := anchor(pattern)

	r.topicMu.Lock()
	defer r.topicMu.Unlock()

	var count int64
	for _, name := range r.node.TopicList() {
		if !anchored.MatchString(name) {
			r.logger.Debug().Str("topic", name).Msg("recorder: not recording")
			continue
		}
		before := len(r.subscribed)
		if r.addTopicLocked(name) == FailedToSubscribe {
			return int64(FailedToSubscribe)
		}
		if len(r.subscribed) > before {
			count++
		}
	}

	r.patterns = append(r.patterns, anchored)
	return count
}

// Close unsubscribes every topic, stops the discovery client and stops
// recording. After Close returns no callback can observe the recorder.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)

		// Discovery goes first: its Close joins the callback goroutines,
		// so no advertisement can arrive mid-teardown.
		if err := r.disc.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("recorder: failed to close discovery")
		}

		r.topicMu.Lock()
		topics := make([]string, 0, len(r.subscribed))
		for t := range r.subscribed {
			topics = append(topics, t)
		}
		r.subscribed = make(map[string]struct{})
		r.topicMu.Unlock()

		for _, t := range topics {
			r.node.Unsubscribe(t)
			r.metrics.subscriptions.Dec()
		}

		r.Stop()
	})
	return nil
}

// onAdvertisement listens for newly advertised topics. It runs on discovery
// threads.
func (r *Recorder) onAdvertisement(pub discovery.Publisher) {
	if r.closed.Load() {
		return
	}
	r.metrics.advertisements.Inc()

	partition, name, ok := topic.Decompose(pub.Topic)
	if !ok {
		r.logger.Debug().Str("topic", pub.Topic).Msg("recorder: ignoring malformed advertisement")
		return
	}

	// The advertised partition always begins with a slash; the node's may
	// not. Align the comparison accordingly.
	nodePartition := r.node.Options().Partition()
	start := 1
	if strings.HasPrefix(nodePartition, "/") {
		start = 0
	}
	if start > len(partition) || nodePartition != partition[start:] {
		return
	}

	r.topicMu.Lock()
	defer r.topicMu.Unlock()

	if _, ok := r.subscribed[name]; ok {
		return
	}
	for _, p := range r.patterns {
		if p.MatchString(name) {
			r.metrics.patternMatches.Inc()
			r.addTopicLocked(name)
			// The first match subscribed; later patterns cannot add more.
			return
		}
	}
}

// onMessageReceived appends one message to the log. It runs on subscriber
// threads; logMu serializes insertions, which preserves per-subscription
// receive order in the log.
func (r *Recorder) onMessageReceived(data []byte, info xtransport.MessageInfo) {
	utcNS := r.wallMinusMono + r.clock.Since(r.epoch).Nanoseconds()

	r.logger.Debug().Str("topic", info.Topic).Str("type", info.Type).Msg("recorder: rx")

	r.logMu.Lock()
	defer r.logMu.Unlock()

	// The log is nil before Start and after Stop; nothing to record then.
	if r.log == nil {
		return
	}
	if err := r.log.InsertMessage(utcNS, info.Topic, info.Type, data); err != nil {
		r.metrics.insertFailures.Inc()
		r.logger.Warn().Err(err).Str("topic", info.Topic).Msg("recorder: failed to insert message into log")
		return
	}
	r.metrics.recorded.Inc()
}

// anchor rewrites pattern so it must match an entire topic name, mirroring
// full-match semantics. Patterns that are already anchored pass through the
// wrapping unchanged in meaning.
func anchor(pattern *regexp.Regexp) *regexp.Regexp {
	a, err := regexp.Compile(`\A(?:` + pattern.String() + `)\z`)
	if err != nil {
		return pattern
	}
	return a
}
