package api

import (
	"time"
)

// ==========================
// Per-IP ingest rate limiting
// ==========================

// IngestLimiter enforces a minimum gap between accepted sample posts per
// source IP. One goroutine owns the per-IP state and callers talk to it over
// a channel, so no mutex guards the map.
type IngestLimiter struct {
	minGap   time.Duration
	requests chan limiterRequest
	now      func() time.Time
}

type limiterRequest struct {
	ip    string
	reply chan bool
}

// NewIngestLimiter constructs a limiter and immediately starts its
// coordination goroutine so the caller can use it without extra plumbing.
func NewIngestLimiter(minGap time.Duration) *IngestLimiter {
	l := &IngestLimiter{
		minGap:   minGap,
		requests: make(chan limiterRequest),
		now:      time.Now,
	}
	go l.loop()
	return l
}

// Allow reports whether this IP may ingest right now. An accepted call
// advances the IP's clock; a rejected one does not, so a well-behaved client
// that backs off is not penalized further.
func (l *IngestLimiter) Allow(ip string) bool {
	if l == nil {
		return true
	}
	reply := make(chan bool, 1)
	l.requests <- limiterRequest{ip: ip, reply: reply}
	return <-reply
}

func (l *IngestLimiter) loop() {
	lastAccepted := make(map[string]time.Time)

	for req := range l.requests {
		now := l.now()
		last, seen := lastAccepted[req.ip]
		if seen && now.Sub(last) < l.minGap {
			req.reply <- false
			continue
		}
		lastAccepted[req.ip] = now
		req.reply <- true

		// Drop entries old enough to be irrelevant so the map cannot grow
		// without bound under address churn.
		if len(lastAccepted) > 4096 {
			for ip, ts := range lastAccepted {
				if now.Sub(ts) > 10*l.minGap {
					delete(lastAccepted, ip)
				}
			}
		}
	}
}
