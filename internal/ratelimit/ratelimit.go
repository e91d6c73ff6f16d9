// Package ratelimit implements per-identity admission control for real-time
// send actions: a sliding main window, a short burst window, and a penalty
// cooldown once the main window cap is exceeded.
package ratelimit

import (
	"sync"
	"time"

	"messenger/internal/metrics"
)

// Reason says which rule rejected a check.
type Reason int

const (
	ReasonAllowed Reason = iota
	ReasonPenalty
	ReasonWindow
	ReasonBurst
	ReasonCapacity
)

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     Reason
}

// Entry is the tracked state for one identity.
type Entry struct {
	WindowStart  time.Time
	WindowCount  int
	BurstStart   time.Time
	BurstCount   int
	PenaltyUntil time.Time
}

// Store abstracts the entry map so the admission algorithm stays testable
// independent of storage, and a shared backend can replace the in-memory map
// for multi-instance deployments.
type Store interface {
	Get(id string) (*Entry, bool)
	Put(id string, e *Entry)
	Delete(id string)
	Len() int
	// Sweep removes entries whose window lapsed before cutoff and which are
	// not under penalty at now. Returns the number removed.
	Sweep(now time.Time, window time.Duration) int
}

type memoryStore struct {
	m map[string]*Entry
}

func NewMemoryStore() Store { return &memoryStore{m: make(map[string]*Entry)} }

func (s *memoryStore) Get(id string) (*Entry, bool) { e, ok := s.m[id]; return e, ok }
func (s *memoryStore) Put(id string, e *Entry)      { s.m[id] = e }
func (s *memoryStore) Delete(id string)             { delete(s.m, id) }
func (s *memoryStore) Len() int                     { return len(s.m) }

func (s *memoryStore) Sweep(now time.Time, window time.Duration) int {
	removed := 0
	for id, e := range s.m {
		if now.Sub(e.WindowStart) > window && now.After(e.PenaltyUntil) {
			delete(s.m, id)
			removed++
		}
	}
	return removed
}

type Config struct {
	Window     time.Duration
	WindowCap  int
	BurstWin   time.Duration
	BurstCap   int
	Penalty    time.Duration
	MaxEntries int
	SweepEvery time.Duration
}

type Limiter struct {
	mu    sync.Mutex
	store Store
	cfg   Config
	now   func() time.Time
	stop  chan struct{}
}

// New builds a limiter over store. The clock is injectable for tests.
func New(cfg Config, store Store) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{store: store, cfg: cfg, now: time.Now, stop: make(chan struct{})}
}

// SetClock replaces the limiter's time source. Test use only.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// Check decides whether identity may perform a send action right now and, if
// allowed, consumes one slot from both windows. The whole check-and-increment
// runs under the limiter lock so concurrent checks for one identity cannot
// race.
func (l *Limiter) Check(identityID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.store.Get(identityID)
	if !ok {
		if l.store.Len() >= l.cfg.MaxEntries {
			l.store.Sweep(now, l.cfg.Window)
			if l.store.Len() >= l.cfg.MaxEntries {
				// Fail closed rather than grow unbounded.
				metrics.RateLimitRejections.WithLabelValues("capacity").Inc()
				return Decision{Allowed: false, RetryAfter: l.cfg.Window, Reason: ReasonCapacity}
			}
		}
		l.store.Put(identityID, &Entry{WindowStart: now, WindowCount: 1, BurstStart: now, BurstCount: 1})
		return Decision{Allowed: true}
	}

	if e.PenaltyUntil.After(now) {
		metrics.RateLimitRejections.WithLabelValues("penalty").Inc()
		return Decision{Allowed: false, RetryAfter: e.PenaltyUntil.Sub(now), Reason: ReasonPenalty}
	}

	if now.Sub(e.WindowStart) >= l.cfg.Window {
		e.WindowStart = now
		e.WindowCount = 0
		e.PenaltyUntil = time.Time{}
	}
	if now.Sub(e.BurstStart) >= l.cfg.BurstWin {
		e.BurstStart = now
		e.BurstCount = 0
	}

	if e.WindowCount >= l.cfg.WindowCap {
		e.PenaltyUntil = now.Add(l.cfg.Penalty)
		metrics.RateLimitRejections.WithLabelValues("window").Inc()
		return Decision{Allowed: false, RetryAfter: l.cfg.Penalty, Reason: ReasonWindow}
	}

	if e.BurstCount >= l.cfg.BurstCap {
		// Soft reshape: wait out the burst window, no penalty.
		metrics.RateLimitRejections.WithLabelValues("burst").Inc()
		retry := l.cfg.BurstWin - now.Sub(e.BurstStart)
		return Decision{Allowed: false, RetryAfter: retry, Reason: ReasonBurst}
	}

	e.WindowCount++
	e.BurstCount++
	return Decision{Allowed: true}
}

// Clear drops all tracked state for identity.
func (l *Limiter) Clear(identityID string) {
	l.mu.Lock()
	l.store.Delete(identityID)
	l.mu.Unlock()
}

// Tracked reports the number of identities currently tracked.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Len()
}

// Run starts the periodic sweep of idle entries. Call Stop on shutdown.
func (l *Limiter) Run() {
	go func() {
		ticker := time.NewTicker(l.cfg.SweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				l.mu.Lock()
				l.store.Sweep(l.now(), l.cfg.Window)
				l.mu.Unlock()
			}
		}
	}()
}

func (l *Limiter) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}
