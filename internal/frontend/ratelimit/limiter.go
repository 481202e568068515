// Package ratelimit bounds ingress throughput globally and per namespace.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	GlobalRPS      float64
	GlobalBurst    int
	NamespaceRPS   float64
	NamespaceBurst int
}

func DefaultConfig() Config {
	return Config{
		GlobalRPS:      1000,
		GlobalBurst:    2000,
		NamespaceRPS:   100,
		NamespaceBurst: 200,
	}
}

type namespaceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter applies a global token bucket first, then a per-namespace one.
// Namespace buckets are created on first use and pruned after an hour of
// inactivity so abandoned namespaces do not accumulate.
type Limiter struct {
	mu         sync.Mutex
	global     *rate.Limiter
	namespaces map[string]*namespaceLimiter
	perNS      rate.Limit
	perNSBurst int
	lastPrune  time.Time
}

const pruneAfter = time.Hour

func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		global:     rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst),
		namespaces: make(map[string]*namespaceLimiter),
		perNS:      rate.Limit(cfg.NamespaceRPS),
		perNSBurst: cfg.NamespaceBurst,
		lastPrune:  time.Now(),
	}
}

// Allow reports whether one request for the namespace may proceed now.
func (l *Limiter) Allow(namespace string) bool {
	if !l.global.Allow() {
		return false
	}
	return l.forNamespace(namespace).Allow()
}

func (l *Limiter) forNamespace(namespace string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastPrune) > pruneAfter {
		for ns, entry := range l.namespaces {
			if now.Sub(entry.lastSeen) > pruneAfter {
				delete(l.namespaces, ns)
			}
		}
		l.lastPrune = now
	}

	entry, ok := l.namespaces[namespace]
	if !ok {
		entry = &namespaceLimiter{limiter: rate.NewLimiter(l.perNS, l.perNSBurst)}
		l.namespaces[namespace] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}
