package main

import (
	"flag"
	"net"
	"os/user"
	"time"

	statsd "github.com/etsy/statsd/examples/go"
	"github.com/geph-official/chanmux/libs/channels"
	"github.com/geph-official/chanmux/libs/fastudp"
	"github.com/geph-official/chanmux/libs/rudpconn"
	"github.com/google/gops/agent"
	log "github.com/sirupsen/logrus"
	"github.com/vharitonsky/iniflags"
)

var listenAddr string
var connectAddr string
var channelSpec string
var channelID int
var flushDelay time.Duration
var mtu int
var statsdAddr string
var count int
var size int
var noMerge bool
var sendRate int

var statClient *statsd.StatsdClient

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: false,
	})
	log.SetLevel(log.DebugLevel)
	if err := agent.Listen(agent.Options{}); err != nil {
		log.WithError(err).Warn("gops agent not started")
	}

	if usr, err := user.Current(); err == nil {
		// use -config=/path/to/cfgfile to override
		iniflags.SetConfigFile(usr.HomeDir + "/.config/chanmux-echo.conf")
		iniflags.SetAllowMissingConfigFile(true)
	}
	flag.StringVar(&listenAddr, "listen", "", "if set, echo everything received on this UDP address")
	flag.StringVar(&connectAddr, "connect", "", "if set, send to an echo server at this UDP address")
	flag.StringVar(&channelSpec, "channels", "reliable,sequenced,unreliable", "channel kinds, comma separated, in channel id order")
	flag.IntVar(&channelID, "channel", 0, "channel id the client sends on")
	flag.DurationVar(&flushDelay, "flushDelay", 10*time.Millisecond, "least time between two merged datagrams")
	flag.IntVar(&mtu, "mtu", 0, "if set, let merged datagrams grow to this size")
	flag.StringVar(&statsdAddr, "statsdAddr", "", "address of StatsD for gathering statistics")
	flag.IntVar(&count, "count", 1000, "messages the client sends")
	flag.IntVar(&size, "size", 64, "bytes per message, at least 8")
	flag.BoolVar(&noMerge, "noMerge", false, "send every message as its own datagram")
	flag.IntVar(&sendRate, "rate", 0, "client send rate in bytes per second, 0 for no limit")
	iniflags.Parse()

	if (listenAddr == "") == (connectAddr == "") {
		log.Fatal("must give exactly one of -listen or -connect")
	}
	if statsdAddr != "" {
		z, err := net.ResolveUDPAddr("udp", statsdAddr)
		if err != nil {
			log.WithError(err).Fatal("bad statsd address")
		}
		statClient = statsd.New(z.IP.String(), z.Port)
	}
	cfg, err := buildConfig()
	if err != nil {
		log.WithError(err).Fatal("bad configuration")
	}
	if listenAddr != "" {
		mainServer(cfg)
		return
	}
	mainClient(cfg)
}

func buildConfig() (rudpconn.Config, error) {
	kinds, err := channels.ParseKinds(channelSpec)
	if err != nil {
		return rudpconn.Config{}, err
	}
	cfg := rudpconn.DefaultConfig()
	cfg.Channels = kinds
	cfg.FlushDelay = flushDelay
	cfg.Log = log.StandardLogger()
	return cfg, nil
}

// listenUDP opens a batched UDP socket and wraps it in a rudpconn.Socket.
func listenUDP(addr string, cfg rudpconn.Config) *rudpconn.Socket {
	udpsock, err := net.ListenPacket("udp4", addr)
	if err != nil {
		log.WithError(err).Fatal("cannot listen")
	}
	udpsock.(*net.UDPConn).SetWriteBuffer(10 * 1024 * 1024)
	udpsock.(*net.UDPConn).SetReadBuffer(10 * 1024 * 1024)
	sock, err := rudpconn.Listen(fastudp.NewConn(udpsock.(*net.UDPConn)), cfg)
	if err != nil {
		log.WithError(err).Fatal("cannot start socket")
	}
	return sock
}

func setMTU(c *rudpconn.Conn) {
	if mtu == 0 {
		return
	}
	if err := c.SetMTU(mtu); err != nil {
		log.WithError(err).Warn("cannot set MTU")
	}
}
