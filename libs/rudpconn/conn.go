// Package rudpconn ties a UDP socket to channels: it merges outgoing
// sub-messages, takes incoming datagrams apart and routes both directions
// through a chanrouter.Router.
package rudpconn

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/geph-official/chanmux/libs/arena"
	"github.com/geph-official/chanmux/libs/channels"
	"github.com/geph-official/chanmux/libs/chanrouter"
	"github.com/geph-official/chanmux/libs/merger"
	"github.com/geph-official/chanmux/libs/wire"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v1"
)

// ErrClosed is returned by operations on a closed Conn or Socket.
var ErrClosed = errors.New("rudpconn: closed")

// Conn is one remote peer. Write and Input may be called from different
// goroutines; calls that touch the same channel are serialized.
type Conn struct {
	cfg    Config
	wire   net.PacketConn
	remote net.Addr
	log    logrus.FieldLogger

	router *chanrouter.Router
	merger *merger.Merger
	dedup  *dedup

	slots []chanrouter.Channel
	chans []channels.Channel
	locks []sync.Mutex

	events chan chanrouter.Event

	inputLock sync.Mutex
	unpackBuf [][]byte
	closed    bool

	death     tomb.Tomb
	closeOnce sync.Once
	onClose   func()
	warnLimit *rate.Limiter

	stats struct {
		sentDatagrams     uint64
		sentBytes         uint64
		mergedMessages    uint64
		flushedDatagrams  uint64
		mergedHeaderBytes uint64
		recvDatagrams     uint64
		recvBytes         uint64
		duplicates        uint64
		droppedEvents     uint64
		resent            uint64
	}
}

// NewConn creates a Conn talking to remote over wire. The Conn never closes
// wire.
func NewConn(wire net.PacketConn, remote net.Addr, cfg Config) (*Conn, error) {
	if err := cfg.fill(); err != nil {
		return nil, err
	}
	c := &Conn{
		cfg:       cfg,
		wire:      wire,
		remote:    remote,
		log:       cfg.Log.WithField("remote", remote.String()),
		events:    make(chan chanrouter.Event, cfg.EventQueue),
		slots:     make([]chanrouter.Channel, len(cfg.Channels)),
		chans:     make([]channels.Channel, len(cfg.Channels)),
		locks:     make([]sync.Mutex, len(cfg.Channels)),
		warnLimit: rate.NewLimiter(1, 10),
	}
	c.router = chanrouter.New(cfg.Arena,
		chanrouter.WithClock(cfg.Clock),
		chanrouter.WithLogger(c.log))
	if cfg.EnableMerging {
		m, err := merger.New(cfg.MergeMaxSize, cfg.MergeStartSize, cfg.FlushDelay,
			merger.WithArena(cfg.Arena),
			merger.WithClock(cfg.Clock),
			merger.WithLogger(c.log))
		if err != nil {
			return nil, err
		}
		c.merger = m
	}
	if cfg.DedupWindow > 0 {
		d, err := newDedup(cfg.DedupWindow)
		if err != nil {
			return nil, err
		}
		c.dedup = d
	}
	for i, kind := range cfg.Channels {
		if kind == channels.None {
			continue
		}
		ch, err := channels.New(kind, byte(i), channels.Config{
			Arena: cfg.Arena,
			Clock: cfg.Clock,
			SendAck: func(p []byte) {
				c.Send(p, false)
			},
			SendWindow:    cfg.SendWindow,
			ReorderWindow: cfg.ReorderWindow,
		})
		if err != nil {
			c.closeChannels()
			return nil, errors.Wrapf(err, "channel %v", i)
		}
		c.chans[i] = ch
		c.slots[i] = ch
	}
	go c.flushLoop()
	return c, nil
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.remote
}

// Channels implements chanrouter.Connection.
func (c *Conn) Channels() []chanrouter.Channel {
	return c.slots
}

// Publish implements chanrouter.Connection. A full queue drops the event.
func (c *Conn) Publish(ev chanrouter.Event) {
	select {
	case c.events <- ev:
	default:
		ev.Recycle()
		n := atomic.AddUint64(&c.stats.droppedEvents, 1)
		if c.warnLimit.Allow() {
			c.log.WithField("dropped", n).Warn("event queue full, dropping event")
		}
	}
}

// Events returns the received data. Every event must be Recycled.
func (c *Conn) Events() <-chan chanrouter.Event {
	return c.events
}

// Send implements chanrouter.Connection. Sub-messages go into the merger
// unless noMerge is set or they do not fit; then they are written as their own
// datagram.
func (c *Conn) Send(p []byte, noMerge bool) error {
	select {
	case <-c.death.Dying():
		return ErrClosed
	default:
	}
	if c.merger != nil && !noMerge && c.merger.TryWrite(p, c.headerCost(p)) {
		atomic.AddUint64(&c.stats.mergedMessages, 1)
		return nil
	}
	return c.writeWire(p)
}

// headerCost is how much of sub-message p is not user payload once merged.
func (c *Conn) headerCost(p []byte) int {
	if len(p) < 2 {
		return wire.LengthPrefixSize + len(p)
	}
	cost := wire.LengthPrefixSize + 2
	mt, _ := wire.Unpack(p[0])
	switch mt {
	case wire.Ack:
		return wire.LengthPrefixSize + len(p)
	case wire.Data:
		if int(p[1]) < len(c.chans) && c.chans[p[1]] != nil && c.chans[p[1]].Kind() != channels.Unreliable {
			cost += 2
		}
	}
	return cost
}

func (c *Conn) writeWire(p []byte) error {
	n, err := c.wire.WriteTo(p, c.remote)
	if err != nil {
		return errors.Wrap(err, "write datagram")
	}
	atomic.AddUint64(&c.stats.sentDatagrams, 1)
	atomic.AddUint64(&c.stats.sentBytes, uint64(n))
	return nil
}

// Write sends p on a channel. A channel id the Conn does not have is an error,
// and so is a reliable channel with a full send window.
func (c *Conn) Write(channelID byte, p []byte, noMerge bool) error {
	if int(channelID) < len(c.locks) {
		c.locks[channelID].Lock()
		defer c.locks[channelID].Unlock()
	}
	// checked under the channel lock so nothing is queued on a channel
	// Close has already emptied
	select {
	case <-c.death.Dying():
		return ErrClosed
	default:
	}
	if int(channelID) < len(c.chans) {
		if w, ok := c.chans[channelID].(channels.Windowed); ok && w.Full() {
			return errors.Wrapf(channels.ErrWindowFull, "channel %v", channelID)
		}
	}
	return c.router.RouteSend(p, c, channelID, noMerge)
}

// Input processes one datagram received from the peer. The Conn does not keep
// datagram after Input returns.
func (c *Conn) Input(datagram []byte) {
	if len(datagram) == 0 {
		return
	}
	c.inputLock.Lock()
	defer c.inputLock.Unlock()
	if c.closed {
		return
	}
	atomic.AddUint64(&c.stats.recvDatagrams, 1)
	atomic.AddUint64(&c.stats.recvBytes, uint64(len(datagram)))
	if c.dedup != nil && c.dedup.duplicate(datagram) {
		atomic.AddUint64(&c.stats.duplicates, 1)
		return
	}
	if wire.IsMerge(datagram[0]) {
		c.unpackBuf = merger.UnpackDatagram(datagram, c.unpackBuf)
		for _, sub := range c.unpackBuf {
			c.handleSub(sub)
		}
		for i := range c.unpackBuf {
			c.unpackBuf[i] = nil
		}
		return
	}
	c.handleSub(datagram)
}

func (c *Conn) handleSub(sub []byte) {
	mt, _ := wire.Unpack(sub[0])
	body := sub[1:]
	switch mt {
	case wire.Data:
		c.onChannel(body, func() { c.router.RouteMessage(body, c) })
	case wire.Ack:
		c.onChannel(body, func() { c.router.RouteAck(body, c) })
	case wire.Heartbeat:
	case wire.Merge:
		// nested containers are not expanded
	default:
		if c.warnLimit.Allow() {
			c.log.WithField("type", mt).Warn("ignoring unsupported message type")
		}
	}
}

// onChannel runs f holding the lock of the channel body is addressed to, if
// there is such a channel.
func (c *Conn) onChannel(body []byte, f func()) {
	if len(body) > 0 && int(body[0]) < len(c.locks) {
		c.locks[body[0]].Lock()
		defer c.locks[body[0]].Unlock()
	}
	f()
}

// SetMTU lets merged datagrams grow to n bytes. It can only grow.
func (c *Conn) SetMTU(n int) error {
	if c.merger == nil {
		return nil
	}
	return c.merger.ExpandTo(n)
}

func (c *Conn) flushLoop() {
	defer c.death.Done()
	ticker := c.cfg.Clock.Ticker(c.cfg.FlushTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flush()
			c.resend()
		case <-c.death.Dying():
			return
		}
	}
}

func (c *Conn) flush() {
	if c.merger == nil {
		return
	}
	dg, headerBytes := c.merger.TryFlush()
	if dg == nil {
		return
	}
	defer c.cfg.Arena.Release(dg)
	atomic.AddUint64(&c.stats.flushedDatagrams, 1)
	atomic.AddUint64(&c.stats.mergedHeaderBytes, uint64(headerBytes))
	if err := c.writeWire(dg.Bytes()); err != nil && c.warnLimit.Allow() {
		c.log.WithError(err).Warn("flushing merged datagram failed")
	}
}

func (c *Conn) resend() {
	for i, ch := range c.chans {
		r, ok := ch.(channels.Resender)
		if !ok {
			continue
		}
		c.locks[i].Lock()
		n := r.Resend(c.cfg.ResendDelay, func(p []byte) {
			c.Send(p, false)
		})
		c.locks[i].Unlock()
		atomic.AddUint64(&c.stats.resent, uint64(n))
	}
}

func (c *Conn) closeChannels() {
	for i, ch := range c.chans {
		if ch == nil {
			continue
		}
		c.locks[i].Lock()
		ch.Close()
		c.locks[i].Unlock()
	}
}

// Close stops the flush loop, drops unflushed data and releases everything
// the channels and the event queue still hold.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.death.Kill(nil)
		c.death.Wait()
		c.inputLock.Lock()
		c.closed = true
		c.inputLock.Unlock()
		if c.merger != nil {
			c.merger.Clear()
		}
		c.closeChannels()
	drain:
		for {
			select {
			case ev := <-c.events:
				ev.Recycle()
			default:
				break drain
			}
		}
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

// Dead is closed once the Conn is closed.
func (c *Conn) Dead() <-chan struct{} {
	return c.death.Dead()
}

// Stats counts traffic on a Conn.
type Stats struct {
	SentDatagrams     uint64
	SentBytes         uint64
	MergedMessages    uint64
	FlushedDatagrams  uint64
	MergedHeaderBytes uint64
	RecvDatagrams     uint64
	RecvBytes         uint64
	Duplicates        uint64
	DroppedEvents     uint64
	Resent            uint64
	Router            chanrouter.Stats
	Merger            merger.Stats
}

// Stats returns the counters.
func (c *Conn) Stats() Stats {
	st := Stats{
		SentDatagrams:     atomic.LoadUint64(&c.stats.sentDatagrams),
		SentBytes:         atomic.LoadUint64(&c.stats.sentBytes),
		MergedMessages:    atomic.LoadUint64(&c.stats.mergedMessages),
		FlushedDatagrams:  atomic.LoadUint64(&c.stats.flushedDatagrams),
		MergedHeaderBytes: atomic.LoadUint64(&c.stats.mergedHeaderBytes),
		RecvDatagrams:     atomic.LoadUint64(&c.stats.recvDatagrams),
		RecvBytes:         atomic.LoadUint64(&c.stats.recvBytes),
		Duplicates:        atomic.LoadUint64(&c.stats.duplicates),
		DroppedEvents:     atomic.LoadUint64(&c.stats.droppedEvents),
		Resent:            atomic.LoadUint64(&c.stats.resent),
		Router:            c.router.Stats(),
	}
	if c.merger != nil {
		st.Merger = c.merger.Stats()
	}
	return st
}

// Arena returns the arena events are allocated from.
func (c *Conn) Arena() *arena.Arena {
	return c.cfg.Arena
}
