package integrations

import (
	"sync"
	"time"

	"admitflow/internal/config"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常
	BreakerOpen                         // 熔断
	BreakerHalfOpen                     // 试探
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker guards one downstream host.
type breaker struct {
	cfg          config.CircuitBreakerConfig
	now          func() time.Time
	mu           sync.Mutex
	state        BreakerState
	failures     int
	lastFailure  time.Time
	halfOpenReqs int
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) > b.cfg.ResetTimeout {
			b.state = BreakerHalfOpen
			b.halfOpenReqs = 1
			return true
		}
		return false
	case BreakerHalfOpen:
		if b.halfOpenReqs < b.cfg.HalfOpenMaxReqs {
			b.halfOpenReqs++
			return true
		}
		return false
	}
	return false
}

func (b *breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		b.state = BreakerClosed
		b.failures = 0
		b.halfOpenReqs = 0
		return
	}
	b.failures++
	b.lastFailure = b.now()
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.cfg.MaxFailures {
			b.state = BreakerOpen
		}
	case BreakerHalfOpen:
		// 试探失败，重新熔断
		b.state = BreakerOpen
		b.halfOpenReqs = 0
	}
}

// Breakers keeps one circuit breaker per host.
type Breakers struct {
	cfg config.CircuitBreakerConfig
	now func() time.Time

	mu    sync.Mutex
	hosts map[string]*breaker
}

func NewBreakers(cfg config.CircuitBreakerConfig, now func() time.Time) *Breakers {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = time.Minute
	}
	if cfg.HalfOpenMaxReqs <= 0 {
		cfg.HalfOpenMaxReqs = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Breakers{cfg: cfg, now: now, hosts: make(map[string]*breaker)}
}

func (bs *Breakers) get(host string) *breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.hosts[host]
	if !ok {
		b = &breaker{cfg: bs.cfg, now: bs.now}
		bs.hosts[host] = b
	}
	return b
}

// Allow reports whether a request to host may proceed.
func (bs *Breakers) Allow(host string) bool { return bs.get(host).allow() }

// Record feeds the outcome of a request back into the host's breaker.
func (bs *Breakers) Record(host string, ok bool) { bs.get(host).record(ok) }

// State returns the current state for host.
func (bs *Breakers) State(host string) BreakerState {
	b := bs.get(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot 各主机熔断状态
func (bs *Breakers) Snapshot() map[string]string {
	bs.mu.Lock()
	hosts := make(map[string]*breaker, len(bs.hosts))
	for h, b := range bs.hosts {
		hosts[h] = b
	}
	bs.mu.Unlock()

	out := make(map[string]string, len(hosts))
	for h, b := range hosts {
		b.mu.Lock()
		out[h] = b.state.String()
		b.mu.Unlock()
	}
	return out
}
