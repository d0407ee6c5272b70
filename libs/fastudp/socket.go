// Package fastudp batches UDP writes and reads through sendmmsg/recvmmsg where
// the platform has them.
package fastudp

import (
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geph-official/chanmux/libs/arena"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v1"
)

const sendQuantum = 16

type outgoing struct {
	msg ipv4.Message
	buf *arena.Buffer
}

// Conn wraps an underlying UDPConn and batches stuff to it.
type Conn struct {
	sock  *net.UDPConn
	pconn *ipv4.PacketConn
	death *tomb.Tomb

	// qlock orders WriteTo's enqueue against the writer's exit, so nothing
	// lands in writeBuf after the final drain
	qlock      sync.RWMutex
	qclosed    bool
	writeBuf   chan outgoing
	writerDone chan struct{}

	readBuf  []ipv4.Message
	readPtr  int

	dropped uint64
}

// NewConn creates a new Conn. Off linux the socket is returned as is.
func NewConn(conn *net.UDPConn) net.PacketConn {
	if err := conn.SetWriteBuffer(262144); err != nil {
		logrus.WithError(err).Warn("fastudp: cannot set write buffer")
	}
	if err := conn.SetReadBuffer(262144); err != nil {
		logrus.WithError(err).Warn("fastudp: cannot set read buffer")
	}
	if runtime.GOOS != "linux" {
		return conn
	}
	c := &Conn{
		sock:     conn,
		pconn:    ipv4.NewPacketConn(conn),
		writeBuf:   make(chan outgoing, sendQuantum*2),
		writerDone: make(chan struct{}),
		death:      new(tomb.Tomb),
		readPtr:    -1,
	}
	for i := 0; i < sendQuantum; i++ {
		c.readBuf = append(c.readBuf, ipv4.Message{
			Buffers: [][]byte{make([]byte, maxDatagram)},
		})
	}
	go c.bkgWrite()
	return c
}

var spamLimiter = rate.NewLimiter(1, 10)

func (conn *Conn) bkgWrite() {
	defer close(conn.writerDone)
	defer conn.pconn.Close()
	defer conn.sock.Close()
	defer func() {
		conn.qlock.Lock()
		conn.qclosed = true
		conn.qlock.Unlock()
		for {
			select {
			case o := <-conn.writeBuf:
				free(o.buf)
			default:
				return
			}
		}
	}()
	var towrite []outgoing
	var msgs []ipv4.Message
	for {
		select {
		case first := <-conn.writeBuf:
			towrite = append(towrite, first)
			for len(towrite) < sendQuantum {
				select {
				case next := <-conn.writeBuf:
					towrite = append(towrite, next)
				default:
					goto out
				}
			}
		out:
			msgs = msgs[:0]
			for _, o := range towrite {
				msgs = append(msgs, o.msg)
			}
			ptr := msgs
			for len(ptr) > 0 {
				n, err := conn.pconn.WriteBatch(ptr, 0)
				if err != nil {
					for _, o := range towrite {
						free(o.buf)
					}
					conn.death.Kill(err)
					return
				}
				ptr = ptr[n:]
			}
			for i := range towrite {
				free(towrite[i].buf)
				towrite[i] = outgoing{}
			}
			towrite = towrite[:0]
		case <-conn.death.Dying():
			return
		}
	}
}

// ReadFrom reads a packet from the connection.
func (conn *Conn) ReadFrom(p []byte) (n int, addr net.Addr, err error) {
	// if OOB, reset
	if conn.readPtr >= len(conn.readBuf) {
		conn.readPtr = -1
	}
	// read more data if needed
	for conn.readPtr < 0 {
		// first, extend readBuf to its full size.
		conn.readBuf = conn.readBuf[:sendQuantum]
		// then, we fill readBuf as much as we can.
		fillCnt, e := conn.pconn.ReadBatch(conn.readBuf, 0)
		if e != nil {
			conn.death.Kill(e)
			err = e
			return
		}
		if fillCnt > 0 {
			// finally, we resize readBuf to its proper size.
			conn.readBuf = conn.readBuf[:fillCnt]
			conn.readPtr = 0
		}
	}
	gogo := conn.readBuf[conn.readPtr]
	conn.readPtr++
	n = copy(p, gogo.Buffers[0][:gogo.N])
	addr = gogo.Addr
	return
}

// WriteTo queues a copy of p for the batch writer. A full queue drops p, as
// the network would.
func (conn *Conn) WriteTo(p []byte, addr net.Addr) (n int, err error) {
	conn.qlock.RLock()
	defer conn.qlock.RUnlock()
	if conn.qclosed {
		return 0, io.ErrClosedPipe
	}
	select {
	case <-conn.death.Dying():
		return 0, io.ErrClosedPipe
	default:
	}
	pCopy := malloc(len(p))
	copy(pCopy.Bytes(), p)
	o := outgoing{
		msg: ipv4.Message{
			Buffers: [][]byte{pCopy.Bytes()},
			Addr:    addr,
		},
		buf: pCopy,
	}
	select {
	case conn.writeBuf <- o:
	default:
		free(pCopy)
		dropped := atomic.AddUint64(&conn.dropped, 1)
		if spamLimiter.Allow() {
			logrus.WithField("dropped", dropped).Warn("fastudp: write queue full")
		}
	}
	return len(p), nil
}

// Dropped returns how many writes were dropped because the queue was full.
func (conn *Conn) Dropped() uint64 {
	return atomic.LoadUint64(&conn.dropped)
}

// Close closes the connection and waits for the writer to give back every
// queued buffer.
func (conn *Conn) Close() error {
	err := conn.sock.Close()
	conn.death.Kill(io.ErrClosedPipe)
	<-conn.writerDone
	return err
}

// SetDeadline sets a deadline.
func (conn *Conn) SetDeadline(t time.Time) error {
	return conn.sock.SetDeadline(t)
}

// SetReadDeadline sets a read deadline.
func (conn *Conn) SetReadDeadline(t time.Time) error {
	return conn.sock.SetReadDeadline(t)
}

// SetWriteDeadline sets a write deadline.
func (conn *Conn) SetWriteDeadline(t time.Time) error {
	return conn.sock.SetWriteDeadline(t)
}

// LocalAddr returns the local address.
func (conn *Conn) LocalAddr() net.Addr {
	return conn.sock.LocalAddr()
}
