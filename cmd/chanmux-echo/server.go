package main

import (
	"github.com/geph-official/chanmux/libs/rudpconn"
	log "github.com/sirupsen/logrus"
)

func mainServer(cfg rudpconn.Config) {
	sock := listenUDP(listenAddr, cfg)
	log.Infoln("echoing on", sock.Addr())
	for {
		c, err := sock.Accept()
		if err != nil {
			log.WithError(err).Fatal("socket died")
		}
		log.WithField("remote", c.RemoteAddr()).Info("new client")
		setMTU(c)
		go handle(c)
	}
}

// handle echoes every event back on the channel it came in on.
func handle(c *rudpconn.Conn) {
	go reportStats(c, "server")
	for {
		select {
		case ev := <-c.Events():
			err := c.Write(ev.ChannelID, ev.Data(), noMerge)
			ev.Recycle()
			if err != nil {
				log.WithError(err).Debug("echo failed")
				continue
			}
			if statClient != nil {
				statClient.Increment("chanmux.server.echoed")
			}
		case <-c.Dead():
			log.WithField("remote", c.RemoteAddr()).Info("client gone")
			return
		}
	}
}
