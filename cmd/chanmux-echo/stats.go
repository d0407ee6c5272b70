package main

import (
	"time"

	"github.com/geph-official/chanmux/libs/rudpconn"
	log "github.com/sirupsen/logrus"
)

// reportStats logs a Conn's counters, and sends them to StatsD, until the
// Conn dies.
func reportStats(c *rudpconn.Conn, role string) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			logStats(c, role)
		case <-c.Dead():
			return
		}
	}
}

func logStats(c *rudpconn.Conn, role string) {
	st := c.Stats()
	log.WithFields(log.Fields{
		"remote":       c.RemoteAddr(),
		"sent":         st.SentDatagrams,
		"recv":         st.RecvDatagrams,
		"merged":       st.MergedMessages,
		"flushed":      st.FlushedDatagrams,
		"headerBytes":  st.MergedHeaderBytes,
		"resent":       st.Resent,
		"droppedEvent": st.DroppedEvents,
		"badChannel":   st.Router.DroppedMessages + st.Router.DroppedAcks,
	}).Info(role + " stats")
	if statClient == nil {
		return
	}
	prefix := "chanmux." + role
	statClient.Timing(prefix+".sentDatagrams", int64(st.SentDatagrams))
	statClient.Timing(prefix+".recvDatagrams", int64(st.RecvDatagrams))
	statClient.Timing(prefix+".mergedMessages", int64(st.MergedMessages))
	statClient.Timing(prefix+".mergedHeaderBytes", int64(st.MergedHeaderBytes))
	statClient.Timing(prefix+".resent", int64(st.Resent))
}
