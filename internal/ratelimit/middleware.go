package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/eleven-am/avatar-relay/internal/shared"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// Config limits requests per client IP. A zero RequestsPerSecond disables
// limiting.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	CleanupInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 2,
		Burst:             5,
		CleanupInterval:   5 * time.Minute,
	}
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type Store struct {
	limiters map[string]*entry
	mu       sync.Mutex
	config   Config
	stop     chan struct{}
	stopOnce sync.Once
}

func NewStore(cfg Config) *Store {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	s := &Store{
		limiters: make(map[string]*entry),
		config:   cfg,
		stop:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *Store) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.limiters[key]; ok {
		e.lastSeen = time.Now()
		return e.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(s.config.RequestsPerSecond), s.config.Burst)
	s.limiters[key] = &entry{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// evict drops limiters idle since before cutoff.
func (s *Store) evict(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(s.limiters, key)
		}
	}
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.evict(now.Add(-s.config.CleanupInterval))
		}
	}
}

func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

func Middleware(store *Store) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if store.config.RequestsPerSecond <= 0 {
			return next
		}
		return func(c echo.Context) error {
			if !store.getLimiter(c.RealIP()).Allow() {
				return shared.NewAPIError("rate_limit_exceeded", "too many requests").ToHTTP(http.StatusTooManyRequests)
			}
			return next(c)
		}
	}
}
