// Package chanrouter routes sub-messages between a connection and its
// channels by the one-byte channel id in front of each of them.
package chanrouter

import (
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/geph-official/chanmux/libs/arena"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrChannelOutOfRange is returned when sending on a channel id the
// connection does not have.
var ErrChannelOutOfRange = errors.New("channel id out of range")

// Router moves bytes between a connection and its channels. It holds no
// per-connection state and may be shared.
type Router struct {
	arena     *arena.Arena
	clock     clock.Clock
	log       logrus.FieldLogger
	warnLimit *rate.Limiter

	droppedAcks     uint64
	droppedMessages uint64
	droppedSends    uint64
	delivered       uint64
	warnings        uint64
}

// Option configures a Router.
type Option func(*Router)

// WithClock sets the clock used for receive timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Router) { r.clock = c }
}

// WithLogger sets the diagnostics sink.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Router) { r.log = l }
}

// WithWarnLimit sets how many warnings per second reach the logger. Warnings
// over the limit are only counted.
func WithWarnLimit(perSec float64, burst int) Option {
	return func(r *Router) { r.warnLimit = rate.NewLimiter(rate.Limit(perSec), burst) }
}

// New creates a Router allocating from a.
func New(a *arena.Arena, opts ...Option) *Router {
	r := &Router{
		arena:     a,
		clock:     clock.New(),
		log:       logrus.StandardLogger(),
		warnLimit: rate.NewLimiter(10, 100),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Router) warn(fields logrus.Fields, msg string) {
	atomic.AddUint64(&r.warnings, 1)
	if r.warnLimit.Allow() {
		r.log.WithFields(fields).Warn(msg)
	}
}

// lookup resolves the channel addressed by payload[0]. what names the
// direction for the log.
func (r *Router) lookup(payload []byte, conn Connection, what string) Channel {
	if len(payload) == 0 {
		r.warn(nil, "got empty "+what)
		return nil
	}
	id := payload[0]
	channels := conn.Channels()
	if int(id) >= len(channels) {
		r.warn(logrus.Fields{"channel": id, "channels": len(channels)}, "got "+what+" on channel out of range")
		return nil
	}
	ch := channels[id]
	if ch == nil {
		r.warn(logrus.Fields{"channel": id}, "receive "+what+" failed because the channel is not assigned")
		return nil
	}
	return ch
}

// RouteAck hands an ack to the channel named by its first byte. Bad channel
// ids are logged and dropped.
func (r *Router) RouteAck(payload []byte, conn Connection) {
	ch := r.lookup(payload, conn, "ack")
	if ch == nil {
		atomic.AddUint64(&r.droppedAcks, 1)
		return
	}
	ch.HandleAck(payload[1:])
}

// RouteMessage hands a message to the channel named by its first byte and
// publishes every buffer the channel returns, in order, as an Event. Bad
// channel ids are logged and dropped.
func (r *Router) RouteMessage(payload []byte, conn Connection) {
	ch := r.lookup(payload, conn, "message")
	if ch == nil {
		atomic.AddUint64(&r.droppedMessages, 1)
		return
	}
	id := payload[0]
	set := ch.HandleIncoming(payload[1:])
	if set == nil {
		return
	}
	now := r.clock.Now()
	for i := 0; i < set.Len(); i++ {
		buf := r.arena.Take(set.Take(i))
		conn.Publish(Event{
			Conn:             conn,
			ChannelID:        id,
			ReceivedAt:       now,
			Buf:              buf,
			Arena:            r.arena,
			AllowUserRecycle: true,
		})
		atomic.AddUint64(&r.delivered, 1)
	}
	r.arena.ReleaseSet(set)
}

// RouteSend encodes payload on the given channel and sends every resulting
// sub-message. An id outside the connection's channels is an error; an
// unassigned slot is logged and dropped. The first send error, if any, is
// returned after every buffer has been dealt with.
func (r *Router) RouteSend(payload []byte, conn Connection, channelID byte, noMerge bool) error {
	channels := conn.Channels()
	if int(channelID) >= len(channels) {
		return errors.Wrapf(ErrChannelOutOfRange, "channel %v, have %v", channelID, len(channels))
	}
	ch := channels[channelID]
	if ch == nil {
		atomic.AddUint64(&r.droppedSends, 1)
		r.warn(logrus.Fields{"channel": channelID}, "sending packet failed because the channel is not assigned")
		return nil
	}
	set, release := ch.CreateOutgoing(payload)
	if set == nil {
		return nil
	}
	var sendErr error
	for i := 0; i < set.Len(); i++ {
		if err := conn.Send(arena.Bytes(set.At(i)), noMerge); err != nil && sendErr == nil {
			sendErr = errors.Wrapf(err, "send on channel %v", channelID)
		}
		if release {
			if o, ok := set.Take(i).(arena.Owned); ok {
				r.arena.Release(o.Buf)
			}
		}
	}
	r.arena.ReleaseSet(set)
	return sendErr
}

// Stats counts what the router has done so far.
type Stats struct {
	DroppedAcks     uint64
	DroppedMessages uint64
	DroppedSends    uint64
	Delivered       uint64
	Warnings        uint64
}

// Stats returns the counters.
func (r *Router) Stats() Stats {
	return Stats{
		DroppedAcks:     atomic.LoadUint64(&r.droppedAcks),
		DroppedMessages: atomic.LoadUint64(&r.droppedMessages),
		DroppedSends:    atomic.LoadUint64(&r.droppedSends),
		Delivered:       atomic.LoadUint64(&r.delivered),
		Warnings:        atomic.LoadUint64(&r.warnings),
	}
}
