package discovery

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var (
	ErrAlreadyStarted = errors.New("discovery: already started")
	ErrNotStarted     = errors.New("discovery: not started")
	ErrClosed         = errors.New("discovery: closed")
)

// Discovery announces local publishers over UDP multicast and tracks remote
// ones. Connection and disconnection callbacks fire from the receive and
// sweep goroutines; a callback registered after Start takes effect for
// subsequent packets.
type Discovery struct {
	cfg       Config
	pUuid     string
	mcastAddr *net.UDPAddr
	logger    *xlog.Logger
	clock     xclock.Clock

	mu              sync.Mutex
	connectionCb    func(Publisher)
	disconnectionCb func(Publisher)
	remotes         map[string]*remoteProcess // keyed by process UUID
	local           []Publisher               // our own advertised publishers

	conn      *net.UDPConn
	started   atomic.Bool
	running   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// remoteProcess tracks the liveness and publishers of one remote process.
type remoteProcess struct {
	lastSeen time.Time
	pubs     map[string]Publisher // keyed by fully-qualified topic
}

// Option customizes a Discovery client.
type Option func(*Discovery)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(d *Discovery) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(d *Discovery) {
		if c != nil {
			d.clock = c
		}
	}
}

// New builds a discovery client for the given process UUID. The client does
// not touch the network until Start.
func New(pUuid string, cfg Config, opts ...Option) (*Discovery, error) {
	if pUuid == "" {
		return nil, errors.New("discovery: process uuid required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	group := net.ParseIP(cfg.MulticastGroup)
	if group == nil || group.To4() == nil {
		return nil, fmt.Errorf("discovery: invalid multicast group %q", cfg.MulticastGroup)
	}

	d := &Discovery{
		cfg:       cfg,
		pUuid:     pUuid,
		mcastAddr: &net.UDPAddr{IP: group, Port: cfg.Port},
		logger:    xlog.Default(),
		clock:     xclock.Default(),
		remotes:   make(map[string]*remoteProcess),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	return d, nil
}

// ConnectionsCb registers the callback fired once per newly discovered
// publisher.
func (d *Discovery) ConnectionsCb(cb func(Publisher)) {
	d.mu.Lock()
	d.connectionCb = cb
	d.mu.Unlock()
}

// DisconnectionsCb registers the callback fired when a publisher is
// withdrawn or its process goes silent.
func (d *Discovery) DisconnectionsCb(cb func(Publisher)) {
	d.mu.Lock()
	d.disconnectionCb = cb
	d.mu.Unlock()
}

// Start opens the multicast socket and launches the receive, heartbeat and
// sweep loops.
func (d *Discovery) Start() error {
	if d.closed.Load() {
		return ErrClosed
	}
	if d.started.Swap(true) {
		return ErrAlreadyStarted
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, d.mcastAddr)
	if err != nil {
		d.started.Store(false)
		return fmt.Errorf("discovery: listen %s: %w", d.mcastAddr, err)
	}
	_ = conn.SetReadBuffer(d.cfg.ReadBufferSize)
	d.conn = conn

	d.wg.Add(3)
	go d.recvLoop()
	go d.heartbeatLoop()
	go d.sweepLoop()
	d.running.Store(true)

	d.logger.Debug().
		Str("puuid", d.pUuid).
		Str("group", d.mcastAddr.String()).
		Msg("discovery: started")
	return nil
}

// Advertise announces a publisher to the network and re-announces it on
// every heartbeat until Unadvertise or Close.
func (d *Discovery) Advertise(pub Publisher) error {
	if !d.running.Load() {
		return ErrNotStarted
	}
	d.mu.Lock()
	replaced := false
	for i := range d.local {
		if d.local[i].Topic == pub.Topic && d.local[i].NUuid == pub.NUuid {
			d.local[i] = pub
			replaced = true
			break
		}
	}
	if !replaced {
		d.local = append(d.local, pub)
	}
	d.mu.Unlock()

	return d.sendPublisher(AdvType, pub)
}

// Unadvertise withdraws a previously advertised publisher.
func (d *Discovery) Unadvertise(pub Publisher) error {
	if !d.running.Load() {
		return ErrNotStarted
	}
	d.mu.Lock()
	for i := range d.local {
		if d.local[i].Topic == pub.Topic && d.local[i].NUuid == pub.NUuid {
			d.local = append(d.local[:i], d.local[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	return d.sendPublisher(UnadvType, pub)
}

// Close sends a bye, stops all loops and releases the socket. Idempotent.
// When Close returns no callback is in flight and none will fire again.
func (d *Discovery) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		if d.running.Load() {
			_ = d.sendHeader(ByeType)
		}
		close(d.done)
		if d.conn != nil {
			_ = d.conn.Close()
		}
		d.wg.Wait()
	})
	return nil
}

func (d *Discovery) recvLoop() {
	defer d.wg.Done()

	buf := make([]byte, d.cfg.ReadBufferSize)
	for {
		n, _, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.done:
				return
			default:
			}
			d.logger.Warn().Err(err).Msg("discovery: read failed")
			continue
		}
		d.handle(buf[:n])
	}
}

// handle parses one datagram and dispatches on the header type. Malformed
// frames are dropped; the codec has already emitted a diagnostic.
func (d *Discovery) handle(b []byte) {
	var h Header
	n := h.Unpack(b)
	if n == 0 {
		return
	}
	if h.PUuid == d.pUuid {
		return // our own traffic
	}

	switch h.Type {
	case AdvType:
		adv := AdvertiseMsg{Header: h}
		if adv.UnpackBody(b[n:]) == 0 {
			return
		}
		d.observeAdvertise(h.PUuid, adv.Publisher)
	case UnadvType:
		unadv := AdvertiseMsg{Header: h}
		if unadv.UnpackBody(b[n:]) == 0 {
			return
		}
		d.observeUnadvertise(h.PUuid, unadv.Publisher)
	case HeartbeatType:
		d.observeActivity(h.PUuid)
	case ByeType:
		d.observeBye(h.PUuid)
	default:
		// SubType and the service-discovery types are handled by the full
		// transport node, not by this client.
	}
}

func (d *Discovery) observeAdvertise(pUuid string, pub Publisher) {
	d.mu.Lock()
	r := d.ensureRemoteLocked(pUuid)
	r.lastSeen = d.clock.Now()
	_, seen := r.pubs[pub.Topic]
	if !seen {
		r.pubs[pub.Topic] = pub
	}
	cb := d.connectionCb
	d.mu.Unlock()

	if !seen && cb != nil {
		cb(pub)
	}
}

func (d *Discovery) observeUnadvertise(pUuid string, pub Publisher) {
	d.mu.Lock()
	r := d.ensureRemoteLocked(pUuid)
	r.lastSeen = d.clock.Now()
	_, seen := r.pubs[pub.Topic]
	delete(r.pubs, pub.Topic)
	cb := d.disconnectionCb
	d.mu.Unlock()

	if seen && cb != nil {
		cb(pub)
	}
}

func (d *Discovery) observeActivity(pUuid string) {
	d.mu.Lock()
	d.ensureRemoteLocked(pUuid).lastSeen = d.clock.Now()
	d.mu.Unlock()
}

func (d *Discovery) observeBye(pUuid string) {
	d.mu.Lock()
	r := d.remotes[pUuid]
	delete(d.remotes, pUuid)
	cb := d.disconnectionCb
	d.mu.Unlock()

	if r == nil || cb == nil {
		return
	}
	for _, pub := range r.pubs {
		cb(pub)
	}
}

func (d *Discovery) ensureRemoteLocked(pUuid string) *remoteProcess {
	r, ok := d.remotes[pUuid]
	if !ok {
		r = &remoteProcess{pubs: make(map[string]Publisher)}
		d.remotes[pUuid] = r
	}
	return r
}

func (d *Discovery) heartbeatLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}

		if err := d.sendHeader(HeartbeatType); err != nil {
			d.logger.Warn().Err(err).Msg("discovery: heartbeat send failed")
		}

		// Re-announce local publishers so late joiners learn about them.
		d.mu.Lock()
		local := make([]Publisher, len(d.local))
		copy(local, d.local)
		d.mu.Unlock()
		for _, pub := range local {
			if err := d.sendPublisher(AdvType, pub); err != nil {
				d.logger.Warn().Err(err).Str("topic", pub.Topic).Msg("discovery: re-advertise failed")
			}
		}
	}
}

func (d *Discovery) sweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}

		var gone []Publisher
		d.mu.Lock()
		for pUuid, r := range d.remotes {
			if d.clock.Since(r.lastSeen) <= d.cfg.SilenceInterval {
				continue
			}
			for _, pub := range r.pubs {
				gone = append(gone, pub)
			}
			delete(d.remotes, pUuid)
		}
		cb := d.disconnectionCb
		d.mu.Unlock()

		if cb == nil {
			continue
		}
		for _, pub := range gone {
			cb(pub)
		}
	}
}

// sendHeader emits a header-only control packet to the multicast group.
func (d *Discovery) sendHeader(t MsgType) error {
	h := NewHeader(WireVersion, d.pUuid, t, 0)
	buf := make([]byte, h.HeaderLength())
	if h.Pack(buf) == 0 {
		return fmt.Errorf("discovery: failed to pack %s header", t)
	}
	_, err := d.conn.WriteToUDP(buf, d.mcastAddr)
	return err
}

// sendPublisher emits an advertise-shaped packet carrying pub.
func (d *Discovery) sendPublisher(t MsgType, pub Publisher) error {
	msg := AdvertiseMsg{
		Header:    NewHeader(WireVersion, d.pUuid, t, 0),
		Publisher: pub,
	}
	buf := make([]byte, msg.MsgLength())
	if msg.Pack(buf) == 0 {
		return fmt.Errorf("discovery: failed to pack %s for topic %q", t, pub.Topic)
	}
	_, err := d.conn.WriteToUDP(buf, d.mcastAddr)
	return err
}
