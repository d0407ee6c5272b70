package rudpconn

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/geph-official/chanmux/libs/arena"
	"github.com/geph-official/chanmux/libs/channels"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config configures a Conn, and every Conn a Socket creates.
type Config struct {
	// Channels lists one strategy per channel id. channels.None leaves the
	// slot unassigned.
	Channels []channels.Kind

	// EnableMerging turns the merger on. MergeMaxSize is the most a merged
	// datagram may ever hold and MergeStartSize what it may hold until
	// SetMTU raises it.
	EnableMerging  bool
	MergeMaxSize   int
	MergeStartSize int
	// FlushDelay is the least time between two merged datagrams; FlushTick
	// is how often the flush loop wakes up to check.
	FlushDelay time.Duration
	FlushTick  time.Duration

	// ResendDelay is how long reliable channels wait for an ack.
	ResendDelay time.Duration
	// SendWindow and ReorderWindow bound what a reliable channel holds for
	// unacked sends and early arrivals. Zero means channels.DefaultWindow.
	SendWindow    int
	ReorderWindow int
	// EventQueue is the depth of the event channel. Events beyond it are
	// dropped.
	EventQueue int
	// DedupWindow is how many recent datagrams are remembered to drop exact
	// duplicates. Zero disables it.
	DedupWindow int
	// IdleTimeout is how long a Socket keeps a silent Conn.
	IdleTimeout time.Duration

	Arena *arena.Arena
	Clock clock.Clock
	Log   logrus.FieldLogger
}

// DefaultConfig returns a Config with one channel of each kind.
func DefaultConfig() Config {
	return Config{
		Channels:       []channels.Kind{channels.ReliableOrdered, channels.UnreliableSequenced, channels.Unreliable},
		EnableMerging:  true,
		MergeMaxSize:   1450,
		MergeStartSize: 1024,
		FlushDelay:     10 * time.Millisecond,
		FlushTick:      5 * time.Millisecond,
		ResendDelay:    200 * time.Millisecond,
		EventQueue:     1024,
		IdleTimeout:    time.Minute,
	}
}

func (cfg *Config) fill() error {
	if len(cfg.Channels) == 0 {
		return errors.New("rudpconn: no channels configured")
	}
	if len(cfg.Channels) > 256 {
		return errors.Errorf("rudpconn: %v channels, at most 256 fit a channel id", len(cfg.Channels))
	}
	if cfg.FlushTick <= 0 {
		return errors.New("rudpconn: flush tick must be positive")
	}
	if cfg.EventQueue < 1 {
		cfg.EventQueue = 1
	}
	if cfg.Arena == nil {
		cfg.Arena = arena.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return nil
}
