package chanrouter

import (
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/geph-official/chanmux/libs/arena"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	ar       *arena.Arena
	acks     [][]byte
	incoming [][]byte
	// deliver decides what HandleIncoming returns.
	deliver func(payload []byte) *arena.RefSet
	release bool
	// retained holds buffers kept when release is false.
	retained []*arena.Buffer
	parts    int
}

func (fc *fakeChannel) HandleAck(payload []byte) {
	fc.acks = append(fc.acks, append([]byte(nil), payload...))
}

func (fc *fakeChannel) HandleIncoming(payload []byte) *arena.RefSet {
	fc.incoming = append(fc.incoming, append([]byte(nil), payload...))
	if fc.deliver == nil {
		return nil
	}
	return fc.deliver(payload)
}

func (fc *fakeChannel) CreateOutgoing(payload []byte) (*arena.RefSet, bool) {
	set := fc.ar.AllocSet()
	parts := fc.parts
	if parts == 0 {
		parts = 1
	}
	for i := 0; i < parts; i++ {
		b := fc.ar.Alloc(len(payload) + 1)
		b.Bytes()[0] = byte(i)
		copy(b.Bytes()[1:], payload)
		set.Append(arena.Owned{Buf: b})
		if !fc.release {
			fc.retained = append(fc.retained, b)
		}
	}
	return set, fc.release
}

type fakeConn struct {
	channels []Channel
	sent     [][]byte
	noMerge  []bool
	events   []Event
	sendErr  error
}

func (c *fakeConn) Channels() []Channel { return c.channels }

func (c *fakeConn) Send(p []byte, noMerge bool) error {
	c.sent = append(c.sent, append([]byte(nil), p...))
	c.noMerge = append(c.noMerge, noMerge)
	return c.sendErr
}

func (c *fakeConn) Publish(ev Event) { c.events = append(c.events, ev) }

type fixture struct {
	ar     *arena.Arena
	mock   *clock.Mock
	hook   *test.Hook
	router *Router
	ch     *fakeChannel
	conn   *fakeConn
}

func newFixture() *fixture {
	ar := arena.New()
	mock := clock.NewMock()
	logger, hook := test.NewNullLogger()
	f := &fixture{
		ar:     ar,
		mock:   mock,
		hook:   hook,
		router: New(ar, WithClock(mock), WithLogger(logger)),
		ch:     &fakeChannel{ar: ar},
	}
	f.conn = &fakeConn{channels: []Channel{f.ch, nil, nil, nil}}
	return f
}

func (f *fixture) assertNoLeaks(t *testing.T) {
	bufs, sets := f.ar.Outstanding()
	assert.Equal(t, 0, bufs, "buffers outstanding")
	assert.Equal(t, 0, sets, "sets outstanding")
}

func TestRouteAck(t *testing.T) {
	f := newFixture()
	f.router.RouteAck([]byte{0, 7, 8}, f.conn)
	require.Len(t, f.ch.acks, 1)
	assert.Equal(t, []byte{7, 8}, f.ch.acks[0])
	assert.Empty(t, f.hook.AllEntries())
}

func TestRouteAckBadChannel(t *testing.T) {
	f := newFixture()
	f.router.RouteAck([]byte{250, 1}, f.conn)
	f.router.RouteAck([]byte{2, 1}, f.conn)
	f.router.RouteAck(nil, f.conn)
	assert.Empty(t, f.ch.acks)
	assert.Len(t, f.hook.AllEntries(), 3)
	for _, e := range f.hook.AllEntries() {
		assert.Equal(t, logrus.WarnLevel, e.Level)
	}
	assert.Equal(t, uint64(3), f.router.Stats().DroppedAcks)
}

func TestRouteMessageOwnedAndBorrowed(t *testing.T) {
	f := newFixture()
	scratch := []byte("borrowed-bytes")
	f.ch.deliver = func(payload []byte) *arena.RefSet {
		set := f.ar.AllocSet()
		set.Append(arena.Borrowed{Data: scratch})
		set.Append(arena.Owned{Buf: f.ar.Copy([]byte("owned"))})
		set.Append(arena.Borrowed{Data: payload})
		return set
	}
	f.router.RouteMessage([]byte{0, 'p', 'q'}, f.conn)
	// the channel's storage is reused after the call returns
	copy(scratch, "XXXXXXXX")

	require.Len(t, f.conn.events, 3)
	want := []string{"borrowed-bytes", "owned", "pq"}
	for i, ev := range f.conn.events {
		assert.Equal(t, want[i], string(ev.Data()))
		assert.Equal(t, byte(0), ev.ChannelID)
		assert.Equal(t, f.mock.Now(), ev.ReceivedAt)
		assert.True(t, ev.AllowUserRecycle)
		assert.True(t, ev.Conn == f.conn)
		ev.Recycle()
	}
	assert.Equal(t, uint64(3), f.router.Stats().Delivered)
	f.assertNoLeaks(t)
}

func TestRouteMessageNothingDeliverable(t *testing.T) {
	f := newFixture()
	f.router.RouteMessage([]byte{0, 1, 2, 3}, f.conn)
	require.Len(t, f.ch.incoming, 1)
	assert.Equal(t, []byte{1, 2, 3}, f.ch.incoming[0])
	assert.Empty(t, f.conn.events)
	f.assertNoLeaks(t)
}

func TestRouteMessageOutOfRange(t *testing.T) {
	f := newFixture()
	f.router.RouteMessage([]byte{250, 1, 2}, f.conn)
	assert.Empty(t, f.conn.events)
	assert.Empty(t, f.ch.incoming)
	require.NotNil(t, f.hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, f.hook.LastEntry().Level)
	assert.Equal(t, byte(250), f.hook.LastEntry().Data["channel"])
	assert.Equal(t, uint64(1), f.router.Stats().DroppedMessages)
}

func TestRouteMessageUnassigned(t *testing.T) {
	f := newFixture()
	f.router.RouteMessage([]byte{3, 1, 2}, f.conn)
	assert.Empty(t, f.conn.events)
	assert.Len(t, f.hook.AllEntries(), 1)
}

func TestRouteSendRelease(t *testing.T) {
	f := newFixture()
	f.ch.release = true
	f.ch.parts = 3
	require.NoError(t, f.router.RouteSend([]byte("abc"), f.conn, 0, true))
	require.Len(t, f.conn.sent, 3)
	for i, p := range f.conn.sent {
		assert.Equal(t, append([]byte{byte(i)}, "abc"...), p)
		assert.True(t, f.conn.noMerge[i])
	}
	f.assertNoLeaks(t)
}

func TestRouteSendRetain(t *testing.T) {
	f := newFixture()
	f.ch.parts = 2
	require.NoError(t, f.router.RouteSend([]byte("abc"), f.conn, 0, false))
	require.Len(t, f.conn.sent, 2)
	assert.False(t, f.conn.noMerge[0])
	bufs, sets := f.ar.Outstanding()
	assert.Equal(t, 2, bufs, "retained by the channel")
	assert.Equal(t, 0, sets)
	for _, b := range f.ch.retained {
		f.ar.Release(b)
	}
	f.assertNoLeaks(t)
}

func TestRouteSendOutOfRange(t *testing.T) {
	f := newFixture()
	err := f.router.RouteSend([]byte("abc"), f.conn, 250, false)
	require.Error(t, err)
	assert.Equal(t, ErrChannelOutOfRange, errors.Cause(err))
	assert.Empty(t, f.conn.sent)
}

func TestRouteSendUnassigned(t *testing.T) {
	f := newFixture()
	assert.NoError(t, f.router.RouteSend([]byte("abc"), f.conn, 1, false))
	assert.Empty(t, f.conn.sent)
	assert.Len(t, f.hook.AllEntries(), 1)
	assert.Equal(t, uint64(1), f.router.Stats().DroppedSends)
}

func TestRouteSendErrorStillReleases(t *testing.T) {
	f := newFixture()
	f.ch.release = true
	f.ch.parts = 2
	f.conn.sendErr = errors.New("wire down")
	err := f.router.RouteSend([]byte("abc"), f.conn, 0, false)
	require.Error(t, err)
	assert.Equal(t, "wire down", errors.Cause(err).Error())
	assert.Len(t, f.conn.sent, 2)
	f.assertNoLeaks(t)
}

func TestEndToEndChannel250(t *testing.T) {
	f := newFixture()
	f.router.RouteMessage([]byte{250, 'x'}, f.conn)
	assert.Empty(t, f.conn.events)
	require.Len(t, f.hook.AllEntries(), 1)
	assert.Equal(t, logrus.WarnLevel, f.hook.LastEntry().Level)

	err := f.router.RouteSend([]byte{'x'}, f.conn, 250, false)
	assert.Equal(t, ErrChannelOutOfRange, errors.Cause(err))
}

func TestWarnLimit(t *testing.T) {
	ar := arena.New()
	logger, hook := test.NewNullLogger()
	r := New(ar, WithLogger(logger), WithWarnLimit(0.001, 2))
	conn := &fakeConn{channels: make([]Channel, 1)}
	for i := 0; i < 10; i++ {
		r.RouteMessage([]byte{9}, conn)
	}
	assert.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, uint64(10), r.Stats().Warnings)
}
