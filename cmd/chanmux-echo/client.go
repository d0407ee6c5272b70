package main

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/geph-official/chanmux/libs/channels"
	"github.com/geph-official/chanmux/libs/cwl"
	"github.com/geph-official/chanmux/libs/rudpconn"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

func mainClient(cfg rudpconn.Config) {
	if size < 8 {
		size = 8
	}
	remote, err := net.ResolveUDPAddr("udp4", connectAddr)
	if err != nil {
		log.WithError(err).Fatal("bad server address")
	}
	sock := listenUDP(":0", cfg)
	defer sock.Close()
	c, err := sock.Dial(remote)
	if err != nil {
		log.WithError(err).Fatal("cannot dial")
	}
	setMTU(c)
	go reportStats(c, "client")

	var limiter *rate.Limiter
	if sendRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(sendRate), size)
	}
	// every message starts with its send time
	go func() {
		msg := make([]byte, size)
		sent := 0
		next := func() []byte {
			if sent == count {
				return nil
			}
			sent++
			binary.LittleEndian.PutUint64(msg, uint64(time.Now().UnixNano()))
			return msg
		}
		write := func(m []byte) error {
			for {
				err := c.Write(byte(channelID), m, noMerge)
				if errors.Cause(err) != channels.ErrWindowFull {
					return err
				}
				// wait for acks to open the window
				time.Sleep(time.Millisecond)
			}
		}
		var onSent func(int)
		if statClient != nil {
			onSent = func(int) { statClient.Increment("chanmux.client.sent") }
		}
		if _, err := cwl.WriteWithLimit(context.Background(), write, next, limiter, onSent); err != nil {
			log.WithError(err).Fatal("cannot send")
		}
	}()

	want := count
	var got int
	var total time.Duration
	var worst time.Duration
	timeout := time.NewTimer(10 * time.Second)
	defer timeout.Stop()
	for got < want {
		select {
		case ev := <-c.Events():
			data := ev.Data()
			if len(data) >= 8 {
				rtt := time.Since(time.Unix(0, int64(binary.LittleEndian.Uint64(data))))
				total += rtt
				if rtt > worst {
					worst = rtt
				}
				if statClient != nil {
					statClient.Timing("chanmux.client.rtt", rtt.Milliseconds())
				}
			}
			ev.Recycle()
			got++
			if !timeout.Stop() {
				<-timeout.C
			}
			timeout.Reset(10 * time.Second)
		case <-timeout.C:
			log.WithField("got", got).Warn("gave up waiting for echoes")
			want = got
		}
	}
	fields := log.Fields{"sent": count, "echoed": got}
	if got > 0 {
		fields["meanRTT"] = total / time.Duration(got)
		fields["worstRTT"] = worst
	}
	log.WithFields(fields).Info("done")
	logStats(c, "client")
}
