package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Rule is a token bucket: Rate tokens per second up to Burst.
type Rule struct {
	Rate  float64
	Burst int
}

// Limiter holds one token bucket per key, created lazily from the key's
// rule or the default.
type Limiter struct {
	mu       sync.Mutex
	def      Rule
	rules    map[string]Rule
	limiters map[string]*rate.Limiter
}

func New(def Rule, rules map[string]Rule) *Limiter {
	if def.Rate <= 0 {
		def.Rate = 10
	}
	if def.Burst <= 0 {
		def.Burst = 1
	}
	return &Limiter{
		def:      def,
		rules:    rules,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if !ok {
		rule, ok := l.rules[key]
		if !ok {
			rule = l.def
		}
		lim = rate.NewLimiter(rate.Limit(rule.Rate), rule.Burst)
		l.limiters[key] = lim
	}
	return lim
}

// Allow consumes a token for key without waiting.
func (l *Limiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// Wait blocks until a token for key is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	return l.get(key).Wait(ctx)
}
