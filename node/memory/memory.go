// Package memory provides an in-process Node implementation. Not a real
// transport, but excellent for local development and for exercising the
// recorder without network infrastructure.
package memory

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtransport"
)

// Config controls the memory node.
type Config struct {
	// Partition is the partition this node operates in. May or may not
	// carry a leading slash.
	Partition string
	// BufferSize is the per-topic delivery queue size (default: 1024).
	BufferSize int
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Partition:  "/",
		BufferSize: 1024,
	}
}

// Node is an in-memory xtransport.Node. Deliveries on one topic are handed
// to subscribers in publish order by a single dispatcher goroutine per topic.
type Node struct {
	cfg    Config
	logger *xlog.Logger

	mu     sync.RWMutex
	topics map[string]*topicState

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup

	published atomic.Uint64
	delivered atomic.Uint64
}

var _ xtransport.Node = (*Node)(nil)

type topicState struct {
	msgType string
	queue   chan task
	subs    []xtransport.RawCallback
}

type task struct {
	data []byte
	info xtransport.MessageInfo
}

// Option customizes a Node.
type Option func(*Node)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

// New creates a memory node.
func New(cfg Config, opts ...Option) *Node {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Partition == "" {
		cfg.Partition = "/"
	}
	n := &Node{
		cfg:    cfg,
		logger: xlog.Default(),
		topics: make(map[string]*topicState),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(n)
		}
	}
	return n
}

type nodeOptions struct{ partition string }

func (o nodeOptions) Partition() string { return o.partition }

// Options returns the node's configuration surface.
func (n *Node) Options() xtransport.NodeOptions {
	return nodeOptions{partition: n.cfg.Partition}
}

// RegisterTopic makes a topic visible in TopicList before any message flows.
func (n *Node) RegisterTopic(topic, msgType string) {
	if n.closed.Load() || topic == "" {
		return
	}
	n.ensureTopic(topic, msgType)
}

// SubscribeRaw binds cb to a topic. It reports whether the subscription was
// established.
func (n *Node) SubscribeRaw(topic string, cb xtransport.RawCallback) bool {
	if n.closed.Load() || topic == "" || cb == nil {
		return false
	}
	ts := n.ensureTopic(topic, "")

	n.mu.Lock()
	ts.subs = append(ts.subs, cb)
	n.mu.Unlock()
	return true
}

// Unsubscribe drops all subscriptions for a topic.
func (n *Node) Unsubscribe(topic string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	ts, ok := n.topics[topic]
	if !ok || len(ts.subs) == 0 {
		return false
	}
	ts.subs = nil
	return true
}

// TopicList returns the topics known to the node, sorted.
func (n *Node) TopicList() []string {
	n.mu.RLock()
	out := make([]string, 0, len(n.topics))
	for t := range n.topics {
		out = append(out, t)
	}
	n.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Publish hands data to every subscriber of topic, in publish order.
func (n *Node) Publish(topic, msgType string, data []byte) error {
	if n.closed.Load() {
		return errors.New("memory node is closed")
	}
	if topic == "" {
		return errors.New("memory node: topic required")
	}

	ts := n.ensureTopic(topic, msgType)

	t := task{data: data, info: xtransport.MessageInfo{Topic: topic, Type: msgType}}
	select {
	case ts.queue <- t:
		n.published.Add(1)
		return nil
	case <-n.done:
		return errors.New("memory node is closed")
	}
}

// Close stops all dispatchers. Idempotent.
func (n *Node) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	close(n.done)
	n.wg.Wait()

	n.mu.Lock()
	n.topics = make(map[string]*topicState)
	n.mu.Unlock()
	return nil
}

// Stats reports node telemetry.
type Stats struct {
	Published uint64
	Delivered uint64
}

// Stats returns current counters.
func (n *Node) Stats() Stats {
	return Stats{
		Published: n.published.Load(),
		Delivered: n.delivered.Load(),
	}
}

func (n *Node) ensureTopic(topic, msgType string) *topicState {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ts, ok := n.topics[topic]; ok {
		if ts.msgType == "" && msgType != "" {
			ts.msgType = msgType
		}
		return ts
	}

	ts := &topicState{
		msgType: msgType,
		queue:   make(chan task, n.cfg.BufferSize),
	}
	n.topics[topic] = ts

	n.wg.Add(1)
	go n.dispatch(ts)
	return ts
}

// dispatch drains one topic queue, preserving per-topic delivery order.
func (n *Node) dispatch(ts *topicState) {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return
		case t := <-ts.queue:
			n.mu.RLock()
			subs := make([]xtransport.RawCallback, len(ts.subs))
			copy(subs, ts.subs)
			n.mu.RUnlock()

			for _, cb := range subs {
				func() {
					defer func() {
						if r := recover(); r != nil {
							n.logger.Warn().Str("topic", t.info.Topic).Msg("memory node: subscriber panic (recovered)")
						}
					}()
					cb(t.data, t.info)
				}()
				n.delivered.Add(1)
			}
		}
	}
}
