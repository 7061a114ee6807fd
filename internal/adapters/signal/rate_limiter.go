package signal

import (
	"golang.org/x/time/rate"
)

// frameLimiter throttles the inbound frames of one connection with a token
// bucket. Heartbeats are never throttled.
type frameLimiter struct {
	bucket  *rate.Limiter
	dropped int
}

func newFrameLimiter(perSecond float64, burst int) *frameLimiter {
	return &frameLimiter{bucket: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *frameLimiter) Allow(frameType string) bool {
	if frameType == "ping" {
		return true
	}
	if l.bucket.Allow() {
		return true
	}
	l.dropped++
	return false
}
