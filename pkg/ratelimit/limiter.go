package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/ratelimit"
)

// Limiter is a token-bucket rate limiter.
type Limiter struct {
	bucket *ratelimit.Bucket
}

// New creates a limiter allowing rate tokens per interval, with a burst
// capacity of the same size.
func New(tokens int64, interval time.Duration) *Limiter {
	perSecond := float64(tokens) / interval.Seconds()
	return &Limiter{bucket: ratelimit.NewBucketWithRate(perSecond, tokens)}
}

// Allow reports whether one more request fits in the budget.
func (l *Limiter) Allow() bool {
	return l.bucket.TakeAvailable(1) == 1
}

// PerIP keeps an independent limiter per client address.
type PerIP struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	tokens   int64
	interval time.Duration
}

// NewPerIP creates a per-address limiter set.
func NewPerIP(tokens int64, interval time.Duration) *PerIP {
	return &PerIP{
		limiters: make(map[string]*Limiter),
		tokens:   tokens,
		interval: interval,
	}
}

// Allow reports whether the given address may make one more request.
func (p *PerIP) Allow(addr string) bool {
	// strip the port so each host shares one bucket
	if i := strings.LastIndex(addr, ":"); i > 0 {
		addr = addr[:i]
	}

	p.mu.Lock()
	l, ok := p.limiters[addr]
	if !ok {
		l = New(p.tokens, p.interval)
		p.limiters[addr] = l
	}
	p.mu.Unlock()

	return l.Allow()
}

// ParseRate parses limits of the form "10/s", "600/m" or "1000/h" into a
// token count and interval.
func ParseRate(s string) (int64, time.Duration, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid rate %q, want <n>/<unit>", s)
	}
	n, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || n <= 0 {
		return 0, 0, fmt.Errorf("invalid rate %q: bad count", s)
	}
	switch parts[1] {
	case "s":
		return n, time.Second, nil
	case "m":
		return n, time.Minute, nil
	case "h":
		return n, time.Hour, nil
	default:
		return 0, 0, fmt.Errorf("invalid rate %q: unit must be s, m or h", s)
	}
}
