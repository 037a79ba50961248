package server

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Admission is the outcome of presenting an idempotency key.
type Admission int

const (
	// Admitted means the key was unseen and is now recorded.
	Admitted Admission = iota + 1
	// Duplicate means the key was already recorded.
	Duplicate
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// IdempotencyGuard admits each idempotency key at most once within its TTL.
// Check and record happen in one atomic step, so of N concurrent callers with
// the same key exactly one is admitted.
type IdempotencyGuard interface {
	Admit(ctx context.Context, key string) (Admission, error)
}

// MemoryIdempotencyGuard keeps keys in a process-local map. A zero TTL keeps
// keys forever.
type MemoryIdempotencyGuard struct {
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	keys map[string]time.Time
}

// NewMemoryIdempotencyGuard constructs an in-memory guard.
func NewMemoryIdempotencyGuard(ttl time.Duration, logger *slog.Logger) *MemoryIdempotencyGuard {
	return &MemoryIdempotencyGuard{
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		keys:   make(map[string]time.Time),
	}
}

// Admit records key unless it is already present and unexpired.
func (g *MemoryIdempotencyGuard) Admit(_ context.Context, key string) (Admission, error) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if exp, ok := g.keys[key]; ok && (exp.IsZero() || now.Before(exp)) {
		return Duplicate, nil
	}
	var exp time.Time
	if g.ttl > 0 {
		exp = now.Add(g.ttl)
	}
	g.keys[key] = exp
	return Admitted, nil
}

// Len reports how many keys are currently held, expired ones included.
func (g *MemoryIdempotencyGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.keys)
}

// Sweep drops expired keys and returns how many were removed.
func (g *MemoryIdempotencyGuard) Sweep() int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for k, exp := range g.keys {
		if !exp.IsZero() && !now.Before(exp) {
			delete(g.keys, k)
			removed++
		}
	}
	return removed
}

// StartSweeper launches a background purge of expired keys until stop closes.
func (g *MemoryIdempotencyGuard) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 || g.ttl <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := g.Sweep(); n > 0 {
					g.logger.Debug("idempotency keys swept", "removed", n)
				}
			case <-stop:
				return
			}
		}
	}()
}
