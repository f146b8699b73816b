package observability

import (
	"crypto/md5"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// CaptureRateLimiter limits the rate at which protocol and log-store
// errors are uploaded to Sentry.
//
// A connection that keeps retriggering the same failure (a client
// retrying a malformed PUBLISH in a loop, a channel whose head file
// keeps failing the same integrity check) would otherwise flood Sentry
// with one event per occurrence. The limiter maps a capture key to the
// timestamp it was last allowed through and skips a key seen again
// before minDuration has elapsed.
//
// AllowCapture keys on the message text itself, so identical errors
// from different connections share one budget. AllowCaptureForKey takes
// an explicit key instead, so a caller can scope the budget to one
// connId or channel — so one connection or channel tripping an error
// repeatedly doesn't also suppress the first report of that same error
// text from an unrelated connection.
//
// Memory usage is limited with an LRU cache. If the cache is too small
// and too many distinct keys are seen frequently, repeated captures may
// still get through.
//
// A nil value lets every capture through.
type CaptureRateLimiter struct {
	cache       *lru.Cache
	minDuration time.Duration
}

// NewCaptureRateLimiter returns a new CaptureRateLimiter using a cache
// of the given size and rate limiting each key to once per minDuration.
func NewCaptureRateLimiter(
	size int,
	minDuration time.Duration,
) (*CaptureRateLimiter, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	return &CaptureRateLimiter{cache, minDuration}, nil
}

// AllowCapture returns true if msg should be captured and, if so, updates
// its last-capture time to now. The rate-limit key is msg itself.
func (rl *CaptureRateLimiter) AllowCapture(msg string) bool {
	return rl.AllowCaptureForKey(msg)
}

// AllowCaptureForKey is AllowCapture with an explicit rate-limit key,
// letting a caller scope the budget to something narrower than the raw
// message text — e.g. "connId:"+c.id or "channel:"+name — so a single
// noisy connection or channel doesn't starve the Sentry budget for
// every other connection hitting the same error text.
func (rl *CaptureRateLimiter) AllowCaptureForKey(key string) bool {
	if rl == nil {
		return true
	}

	h := md5.New()
	h.Write([]byte(key))
	hash := string(h.Sum(nil))

	lastSent, inCache := rl.cache.Get(hash)

	now := time.Now()
	if inCache && now.Sub(lastSent.(time.Time)) < rl.minDuration {
		return false
	}

	rl.cache.Add(hash, now)
	return true
}
