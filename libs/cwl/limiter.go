// Package cwl paces message writes with a byte rate limit.
package cwl

import (
	"context"

	"golang.org/x/time/rate"
)

// WriteFunc sends one message.
type WriteFunc func(msg []byte) error

// WriteWithLimit calls write once per message produced by next until next
// returns nil, waiting on limiter for the size of every message first. The
// callback, if any, is told how many bytes went out. A nil limiter means no
// limit.
func WriteWithLimit(ctx context.Context, write WriteFunc, next func() []byte, limiter *rate.Limiter, callback func(int)) (n int, err error) {
	for {
		msg := next()
		if msg == nil {
			return
		}
		if limiter != nil {
			// WaitN refuses anything over the burst
			wait := len(msg)
			if b := limiter.Burst(); wait > b {
				wait = b
			}
			if err = limiter.WaitN(ctx, wait); err != nil {
				return
			}
		}
		if err = write(msg); err != nil {
			return
		}
		n += len(msg)
		if callback != nil {
			callback(len(msg))
		}
	}
}
