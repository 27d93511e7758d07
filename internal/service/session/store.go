package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/koder/backend/internal/model/chat"
)

// Defaults applied when the store is configured with zero values.
const (
	DefaultMaxAge        = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrPathRequired    = errors.New("path is required")
)

// Observer receives store mutations, typically the metrics collector.
type Observer interface {
	SessionCreated(active int)
	SessionsRemovedBy(reason string, n, active int)
}

// Removal reasons reported to the Observer.
const (
	reasonEnded   = "ended"
	reasonExpired = "expired"
)

// Store is the process-wide, in-memory session registry. Sessions are stored
// by value so a reader either sees a complete entry or none.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]chat.Session

	now      func() time.Time
	newID    func() (string, error)
	observer Observer
	logger   *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source, used by tests to drive expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithObserver reports creations and removals.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// WithLogger sets the logger used by the sweeper.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// withIDGenerator swaps the id source; tests use it to force collisions.
func withIDGenerator(gen func() (string, error)) Option {
	return func(s *Store) { s.newID = gen }
}

// NewStore builds an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]chat.Session),
		now:      time.Now,
		newID:    randomID,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// randomID returns a version 4 UUID (122 random bits from crypto/rand).
func randomID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Create provisions a session bound to path.
func (s *Store) Create(path, provider string) (chat.Session, error) {
	if path == "" {
		return chat.Session{}, ErrPathRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	for {
		candidate, err := s.newID()
		if err != nil {
			return chat.Session{}, fmt.Errorf("generate session id: %w", err)
		}
		if _, taken := s.sessions[candidate]; !taken {
			id = candidate
			break
		}
	}

	session := chat.Session{
		ID:        id,
		Path:      path,
		Provider:  provider,
		CreatedAt: s.now().UTC(),
	}
	s.sessions[id] = session

	if s.observer != nil {
		s.observer.SessionCreated(len(s.sessions))
	}
	return session, nil
}

// Lookup returns the session without refreshing its age.
func (s *Store) Lookup(id string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// Remove deletes the session. It returns ErrSessionNotFound when the id is not
// live, so a second call on the same id reports not-found.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)

	if s.observer != nil {
		s.observer.SessionsRemovedBy(reasonEnded, 1, len(s.sessions))
	}
	return nil
}

// Sweep evicts every session older than maxAge at now and returns the number
// evicted. A session exactly maxAge old survives.
func (s *Store) Sweep(now time.Time, maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, session := range s.sessions {
		if session.Age(now) > maxAge {
			delete(s.sessions, id)
			evicted++
		}
	}

	if evicted > 0 && s.observer != nil {
		s.observer.SessionsRemovedBy(reasonExpired, evicted, len(s.sessions))
	}
	return evicted
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stats returns the live session count and the same sessions grouped by
// provider, read under one lock so the two always agree.
func (s *Store) Stats() (int, map[string]int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byProvider := make(map[string]int)
	for _, session := range s.sessions {
		byProvider[session.Provider]++
	}
	return len(s.sessions), byProvider
}

// Run sweeps expired sessions every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval, maxAge time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("session sweeper started",
		zap.Duration("interval", interval),
		zap.Duration("max_age", maxAge),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session sweeper stopped")
			return nil
		case <-ticker.C:
			if n := s.Sweep(s.now(), maxAge); n > 0 {
				s.logger.Info("expired sessions swept",
					zap.Int("evicted", n),
					zap.Int("active", s.Count()),
				)
			}
		}
	}
}
