package rudpconn

import (
	"net"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/tomb.v1"
)

// Socket demultiplexes one PacketConn into a Conn per remote address. Peers
// that send to a Socket first show up through Accept.
type Socket struct {
	wire  net.PacketConn
	cfg   Config
	log   logrus.FieldLogger
	conns *cache.Cache
	lock  sync.Mutex

	accept  chan *Conn
	death   tomb.Tomb
	loops   sync.WaitGroup
	closers sync.WaitGroup
}

// Listen starts reading from wire. The Socket owns wire from now on.
func Listen(wire net.PacketConn, cfg Config) (*Socket, error) {
	if err := cfg.fill(); err != nil {
		return nil, err
	}
	if cfg.IdleTimeout <= 0 {
		return nil, errors.New("rudpconn: idle timeout must be positive")
	}
	s := &Socket{
		wire:   wire,
		cfg:    cfg,
		log:    cfg.Log.WithField("local", wire.LocalAddr().String()),
		conns:  cache.New(cfg.IdleTimeout, 0),
		accept: make(chan *Conn, 128),
	}
	// evicted Conns are closed off the caller's goroutine, since eviction
	// can happen while s.lock is held
	s.conns.OnEvicted(func(key string, v interface{}) {
		s.closers.Add(1)
		go func() {
			defer s.closers.Done()
			v.(*Conn).Close()
		}()
	})
	s.loops.Add(2)
	go s.readLoop()
	go s.janitor()
	return s, nil
}

// Addr returns the local address.
func (s *Socket) Addr() net.Addr {
	return s.wire.LocalAddr()
}

// Dial returns the Conn for addr, creating it if needed.
func (s *Socket) Dial(addr net.Addr) (*Conn, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	select {
	case <-s.death.Dying():
		return nil, ErrClosed
	default:
	}
	if v, ok := s.conns.Get(addr.String()); ok {
		return v.(*Conn), nil
	}
	return s.newConn(addr)
}

// Accept waits for a Conn from a peer not seen before.
func (s *Socket) Accept() (*Conn, error) {
	select {
	case c := <-s.accept:
		return c, nil
	case <-s.death.Dying():
		return nil, ErrClosed
	}
}

// newConn must be called with s.lock held.
func (s *Socket) newConn(addr net.Addr) (*Conn, error) {
	// an expired Conn under the same key would otherwise be overwritten
	// without being closed
	s.conns.DeleteExpired()
	c, err := NewConn(s.wire, addr, s.cfg)
	if err != nil {
		return nil, err
	}
	key := addr.String()
	c.onClose = func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		if v, ok := s.conns.Get(key); ok && v.(*Conn) == c {
			s.conns.Delete(key)
		}
	}
	s.conns.SetDefault(key, c)
	return c, nil
}

func (s *Socket) readLoop() {
	defer s.loops.Done()
	buf := make([]byte, 65536)
	for {
		n, addr, err := s.wire.ReadFrom(buf)
		if err != nil {
			s.death.Kill(errors.Wrap(err, "read"))
			return
		}
		c, err := s.lookup(addr)
		if err != nil {
			s.log.WithError(err).Warn("cannot create connection")
			continue
		}
		if c != nil {
			c.Input(buf[:n])
		}
	}
}

// lookup finds the Conn for addr, refreshing its idle timer, or creates one
// and offers it to Accept.
func (s *Socket) lookup(addr net.Addr) (*Conn, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	select {
	case <-s.death.Dying():
		return nil, nil
	default:
	}
	key := addr.String()
	if v, ok := s.conns.Get(key); ok {
		s.conns.SetDefault(key, v)
		return v.(*Conn), nil
	}
	c, err := s.newConn(addr)
	if err != nil {
		return nil, err
	}
	select {
	case s.accept <- c:
		s.log.WithField("remote", key).Debug("new connection")
		return c, nil
	default:
		s.log.WithField("remote", key).Warn("accept queue full, dropping connection")
		s.conns.Delete(key)
		return nil, nil
	}
}

// janitor evicts, and thereby closes, Conns idle for longer than IdleTimeout.
// go-cache expires by wall time, so this ticks on wall time too, whatever
// Clock the Conns use.
func (s *Socket) janitor() {
	defer s.loops.Done()
	ticker := time.NewTicker(s.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.conns.DeleteExpired()
		case <-s.death.Dying():
			return
		}
	}
}

// Close closes every Conn and the underlying PacketConn.
func (s *Socket) Close() error {
	s.death.Kill(nil)
	err := s.wire.Close()
	s.loops.Wait()
	for _, item := range s.conns.Items() {
		item.Object.(*Conn).Close()
	}
	s.conns.DeleteExpired()
	s.closers.Wait()
	return err
}

// Conns returns how many Conns are alive.
func (s *Socket) Conns() int {
	return s.conns.ItemCount()
}
