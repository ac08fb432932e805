package services

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterPool hands out one token bucket per key, created on first use.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   rate.Limit
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = DefaultWriteRate
	}
	if burst <= 0 {
		burst = DefaultWriteBurst
	}
	return &limiterPool{m: make(map[string]*rate.Limiter), rps: rate.Limit(rps), burst: burst}
}

func (p *limiterPool) Allow(key string) bool {
	p.mu.Lock()
	l, ok := p.m[key]
	if !ok {
		l = rate.NewLimiter(p.rps, p.burst)
		p.m[key] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

// forget drops the bucket of a key that will not write again, such as a closed session.
func (p *limiterPool) forget(key string) {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
}

func (p *limiterPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
