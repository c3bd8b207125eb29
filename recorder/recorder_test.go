package recorder

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xtransport"
	"github.com/trickstertwo/xtransport/discovery"
	"github.com/trickstertwo/xtransport/msglog"
	"github.com/trickstertwo/xtransport/node/memory"
)

// captureBackend hands a pre-built log instance to the recorder, so tests
// can observe every insertion.
const captureBackend = "test-capture"

func init() {
	err := msglog.Register(captureBackend, func(cfg map[string]any) (msglog.Log, error) {
		l, _ := cfg["log"].(msglog.Log)
		if l == nil {
			return nil, errors.New("capture backend: missing log instance")
		}
		return l, nil
	})
	if err != nil {
		panic(err)
	}
}

type insert struct {
	ts      int64
	topic   string
	msgType string
	data    []byte
}

type captureLog struct {
	mu         sync.Mutex
	opened     []string
	inserts    []insert
	closes     int
	failOpen   bool
	failInsert bool
}

func (l *captureLog) Open(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failOpen {
		return errors.New("refused")
	}
	l.opened = append(l.opened, path)
	return nil
}

func (l *captureLog) InsertMessage(ts int64, topic, msgType string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failInsert {
		return errors.New("insert refused")
	}
	l.inserts = append(l.inserts, insert{ts: ts, topic: topic, msgType: msgType, data: append([]byte(nil), data...)})
	return nil
}

func (l *captureLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	return nil
}

func (l *captureLog) snapshot() []insert {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]insert(nil), l.inserts...)
}

type stubOptions struct{ partition string }

func (o stubOptions) Partition() string { return o.partition }

type stubNode struct {
	mu             sync.Mutex
	partition      string
	topics         []string
	failSubscribe  bool
	subs           map[string][]xtransport.RawCallback
	subscribeCalls map[string]int
	unsubscribed   []string
}

func newStubNode(partition string, topics ...string) *stubNode {
	return &stubNode{
		partition:      partition,
		topics:         topics,
		subs:           make(map[string][]xtransport.RawCallback),
		subscribeCalls: make(map[string]int),
	}
}

func (n *stubNode) Options() xtransport.NodeOptions { return stubOptions{partition: n.partition} }

func (n *stubNode) SubscribeRaw(topic string, cb xtransport.RawCallback) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribeCalls[topic]++
	if n.failSubscribe {
		return false
	}
	n.subs[topic] = append(n.subs[topic], cb)
	return true
}

func (n *stubNode) Unsubscribe(topic string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unsubscribed = append(n.unsubscribed, topic)
	delete(n.subs, topic)
	return true
}

func (n *stubNode) TopicList() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.topics...)
}

// deliver invokes every subscriber of topic synchronously, like a subscriber
// thread would.
func (n *stubNode) deliver(topic, msgType string, data []byte) {
	n.mu.Lock()
	cbs := append([]xtransport.RawCallback(nil), n.subs[topic]...)
	n.mu.Unlock()
	for _, cb := range cbs {
		cb(data, xtransport.MessageInfo{Topic: topic, Type: msgType})
	}
}

func (n *stubNode) calls(topic string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subscribeCalls[topic]
}

type stubDiscovery struct {
	mu      sync.Mutex
	cb      func(discovery.Publisher)
	started bool
	closed  bool
}

func (d *stubDiscovery) ConnectionsCb(cb func(discovery.Publisher)) {
	d.mu.Lock()
	d.cb = cb
	d.mu.Unlock()
}

func (d *stubDiscovery) Start() error {
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	return nil
}

func (d *stubDiscovery) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *stubDiscovery) advertise(p discovery.Publisher) {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	if cb != nil {
		cb(p)
	}
}

// newTestRecorder wires a recorder to stubs and a capture log.
func newTestRecorder(t *testing.T, node *stubNode) (*Recorder, *stubDiscovery, *captureLog) {
	t.Helper()

	disc := &stubDiscovery{}
	log := &captureLog{}

	r, err := New(node,
		WithDiscovery(disc),
		WithLogBackend(captureBackend, map[string]any{"log": msglog.Log(log)}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	return r, disc, log
}

func TestNew_RequiresNode(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestNew_StartsDiscovery(t *testing.T) {
	_, disc, _ := newTestRecorder(t, newStubNode("/robot"))

	disc.mu.Lock()
	defer disc.mu.Unlock()
	assert.True(t, disc.started)
	assert.NotNil(t, disc.cb)
}

func TestStart_LogLifecycle(t *testing.T) {
	r, _, log := newTestRecorder(t, newStubNode("/robot"))

	require.Equal(t, NoErr, r.Start("a.log"))

	// A second Start must not touch the new path.
	assert.Equal(t, AlreadyRecording, r.Start("b.log"))
	assert.Equal(t, []string{"a.log"}, log.opened)

	r.Stop()
	r.Stop() // idempotent

	require.Equal(t, NoErr, r.Start("b.log"))
	assert.Equal(t, []string{"a.log", "b.log"}, log.opened)
}

func TestStart_FailedToOpenLeavesStateConsistent(t *testing.T) {
	r, _, log := newTestRecorder(t, newStubNode("/robot"))

	log.failOpen = true
	assert.Equal(t, FailedToOpen, r.Start("a.log"))

	log.failOpen = false
	assert.Equal(t, NoErr, r.Start("a.log"))
}

func TestAddTopic(t *testing.T) {
	node := newStubNode("/robot")
	r, _, _ := newTestRecorder(t, node)

	require.Equal(t, NoErr, r.AddTopic("cmd"))
	assert.Equal(t, 1, node.calls("cmd"))

	// At most one SubscribeRaw per topic over the recorder's lifetime.
	require.Equal(t, NoErr, r.AddTopic("cmd"))
	assert.Equal(t, 1, node.calls("cmd"))
}

func TestAddTopic_SubscribeFailure(t *testing.T) {
	node := newStubNode("/robot")
	r, _, _ := newTestRecorder(t, node)

	node.failSubscribe = true
	assert.Equal(t, FailedToSubscribe, r.AddTopic("cmd"))

	// The failure did not poison the subscription set.
	node.failSubscribe = false
	assert.Equal(t, NoErr, r.AddTopic("cmd"))
	assert.Equal(t, 2, node.calls("cmd"))
}

func TestAddTopicPattern_SubscribesMatches(t *testing.T) {
	node := newStubNode("/robot", "sensor/imu", "sensor/gps", "cmd/vel")
	r, _, _ := newTestRecorder(t, node)

	n := r.AddTopicPattern(regexp.MustCompile(`sensor/.*`))
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 1, node.calls("sensor/imu"))
	assert.Equal(t, 1, node.calls("sensor/gps"))
	assert.Equal(t, 0, node.calls("cmd/vel"))

	// Full-match semantics: "sensor" alone does not match "sensor/imu".
	assert.Equal(t, int64(0), r.AddTopicPattern(regexp.MustCompile(`sensor`)))
}

func TestAddTopicPattern_FailureShortCircuits(t *testing.T) {
	node := newStubNode("/robot", "sensor/imu", "sensor/gps")
	r, disc, _ := newTestRecorder(t, node)

	node.failSubscribe = true
	assert.Equal(t, int64(FailedToSubscribe), r.AddTopicPattern(regexp.MustCompile(`sensor/.*`)))

	// The pattern was not retained: a later advertisement does not subscribe.
	node.failSubscribe = false
	disc.advertise(discovery.Publisher{Topic: "@/robot@sensor/mag"})
	assert.Equal(t, 0, node.calls("sensor/mag"))
}

func TestAddTopicPattern_RetainedBeforeAnyMatch(t *testing.T) {
	node := newStubNode("/robot") // empty topic list
	r, disc, _ := newTestRecorder(t, node)

	assert.Equal(t, int64(0), r.AddTopicPattern(regexp.MustCompile(`sensor/.*`)))

	// A later advertisement for a matching topic subscribes exactly once.
	disc.advertise(discovery.Publisher{Topic: "@/robot@sensor/imu"})
	assert.Equal(t, 1, node.calls("sensor/imu"))

	disc.advertise(discovery.Publisher{Topic: "@/robot@sensor/imu"})
	assert.Equal(t, 1, node.calls("sensor/imu"))
}

func TestOnAdvertisement_PartitionWithLeadingSlash(t *testing.T) {
	node := newStubNode("/robot")
	r, disc, _ := newTestRecorder(t, node)
	r.AddTopicPattern(regexp.MustCompile(`.*`))

	disc.advertise(discovery.Publisher{Topic: "@/robot@cmd"})
	assert.Equal(t, 1, node.calls("cmd"))

	disc.advertise(discovery.Publisher{Topic: "@/other@cmd2"})
	assert.Equal(t, 0, node.calls("cmd2"))
}

func TestOnAdvertisement_PartitionWithoutLeadingSlash(t *testing.T) {
	node := newStubNode("robot")
	r, disc, _ := newTestRecorder(t, node)
	r.AddTopicPattern(regexp.MustCompile(`.*`))

	// The advertised partition always begins with a slash; the comparison
	// starts at offset 1 when ours does not.
	disc.advertise(discovery.Publisher{Topic: "@/robot@cmd"})
	assert.Equal(t, 1, node.calls("cmd"))

	disc.advertise(discovery.Publisher{Topic: "@/other@cmd2"})
	assert.Equal(t, 0, node.calls("cmd2"))
}

func TestOnAdvertisement_IgnoresMalformedTopic(t *testing.T) {
	node := newStubNode("/robot")
	r, disc, _ := newTestRecorder(t, node)
	r.AddTopicPattern(regexp.MustCompile(`.*`))

	disc.advertise(discovery.Publisher{Topic: "no-delimiters"})
	node.mu.Lock()
	defer node.mu.Unlock()
	assert.Empty(t, node.subscribeCalls)
}

func TestOnMessageReceived_Timestamps(t *testing.T) {
	node := newStubNode("/robot")
	r, _, log := newTestRecorder(t, node)

	require.Equal(t, NoErr, r.AddTopic("cmd"))
	require.Equal(t, NoErr, r.Start("a.log"))

	before := time.Now().UnixNano()
	node.deliver("cmd", "demo.Cmd", []byte("payload"))
	after := time.Now().UnixNano()

	recs := log.snapshot()
	require.Len(t, recs, 1)
	assert.Equal(t, "cmd", recs[0].topic)
	assert.Equal(t, "demo.Cmd", recs[0].msgType)
	assert.Equal(t, []byte("payload"), recs[0].data)

	// The UTC-normalized timestamp tracks the wall clock.
	assert.GreaterOrEqual(t, recs[0].ts, before-int64(time.Second))
	assert.LessOrEqual(t, recs[0].ts, after+int64(time.Second))

	// Timestamps are non-decreasing for sequential deliveries.
	node.deliver("cmd", "demo.Cmd", []byte("next"))
	recs = log.snapshot()
	require.Len(t, recs, 2)
	assert.LessOrEqual(t, recs[0].ts, recs[1].ts)
}

func TestOnMessageReceived_DropsWhileNotRecording(t *testing.T) {
	node := newStubNode("/robot")
	r, _, log := newTestRecorder(t, node)

	require.Equal(t, NoErr, r.AddTopic("cmd"))

	// Before Start: dropped.
	node.deliver("cmd", "demo.Cmd", []byte("early"))
	assert.Empty(t, log.snapshot())

	require.Equal(t, NoErr, r.Start("a.log"))
	node.deliver("cmd", "demo.Cmd", []byte("recorded"))
	require.Len(t, log.snapshot(), 1)

	// After Stop: dropped again, subscription still active.
	r.Stop()
	node.deliver("cmd", "demo.Cmd", []byte("late"))
	assert.Len(t, log.snapshot(), 1)

	// Recording resumes on the next Start.
	require.Equal(t, NoErr, r.Start("b.log"))
	node.deliver("cmd", "demo.Cmd", []byte("again"))
	assert.Len(t, log.snapshot(), 2)
}

func TestOnMessageReceived_InsertFailureIsSwallowed(t *testing.T) {
	node := newStubNode("/robot")
	r, _, log := newTestRecorder(t, node)

	require.Equal(t, NoErr, r.AddTopic("cmd"))
	require.Equal(t, NoErr, r.Start("a.log"))

	log.failInsert = true
	node.deliver("cmd", "demo.Cmd", []byte("x")) // must not panic

	log.failInsert = false
	node.deliver("cmd", "demo.Cmd", []byte("y"))
	assert.Len(t, log.snapshot(), 1)
}

func TestClose_TearsDownCallbacks(t *testing.T) {
	node := newStubNode("/robot")
	r, disc, log := newTestRecorder(t, node)
	r.AddTopicPattern(regexp.MustCompile(`.*`))

	require.Equal(t, NoErr, r.AddTopic("cmd"))
	require.Equal(t, NoErr, r.Start("a.log"))

	require.NoError(t, r.Close())
	require.NoError(t, r.Close()) // idempotent

	disc.mu.Lock()
	assert.True(t, disc.closed)
	disc.mu.Unlock()

	node.mu.Lock()
	assert.Contains(t, node.unsubscribed, "cmd")
	node.mu.Unlock()

	log.mu.Lock()
	assert.Positive(t, log.closes)
	log.mu.Unlock()

	// Late advertisements are ignored after Close.
	disc.advertise(discovery.Publisher{Topic: "@/robot@late"})
	assert.Equal(t, 0, node.calls("late"))
}

func TestErr_String(t *testing.T) {
	assert.Equal(t, "no error", NoErr.String())
	assert.Equal(t, "already recording", AlreadyRecording.String())
	assert.Equal(t, "failed to open", FailedToOpen.String())
	assert.Equal(t, "failed to subscribe", FailedToSubscribe.String())
	assert.Equal(t, "unknown", Err(7).String())
}

// TestRecordLifecycle_EndToEnd exercises the recorder against the in-memory
// node and the file log backend.
func TestRecordLifecycle_EndToEnd(t *testing.T) {
	node := memory.New(memory.Config{Partition: "/demo"})
	defer node.Close()

	disc := &stubDiscovery{}
	r, err := New(node, WithDiscovery(disc))
	require.NoError(t, err)
	defer r.Close()

	node.RegisterTopic("chat", "demo.Chat")
	require.Equal(t, NoErr, r.AddTopic("chat"))

	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.xtlog")
	pathB := filepath.Join(dir, "b.xtlog")

	// Messages before Start are not recorded.
	require.NoError(t, node.Publish("chat", "demo.Chat", []byte("early")))
	waitDelivered(t, node, 1)

	require.Equal(t, NoErr, r.Start(pathA))
	for i := 0; i < 3; i++ {
		require.NoError(t, node.Publish("chat", "demo.Chat", fmt.Appendf(nil, "msg-%d", i)))
	}
	waitDelivered(t, node, 4)
	r.Stop()

	recs, err := msglog.ReadFile(pathA)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "chat", recs[0].Topic)
	assert.Equal(t, "demo.Chat", recs[0].MsgType)
	assert.Equal(t, []byte("msg-0"), recs[0].Data)

	// Writes resume into a fresh log.
	require.NoError(t, node.Publish("chat", "demo.Chat", []byte("between")))
	waitDelivered(t, node, 5)

	require.Equal(t, NoErr, r.Start(pathB))
	require.NoError(t, node.Publish("chat", "demo.Chat", []byte("resumed")))
	waitDelivered(t, node, 6)
	r.Stop()

	recs, err = msglog.ReadFile(pathB)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("resumed"), recs[0].Data)
}

func waitDelivered(t *testing.T, node *memory.Node, want uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return node.Stats().Delivered >= want
	}, 2*time.Second, 5*time.Millisecond)
}
