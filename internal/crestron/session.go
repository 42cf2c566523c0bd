package crestron

import (
	"context"
	"sync"
	"time"
)

// loginFunc exchanges an auth token for a session key.
type loginFunc func(ctx context.Context, token string) (string, error)

// Session caches the auth key obtained for a static auth token.
// At most one login request is in flight per Session.
type Session struct {
	loginMu sync.Mutex

	mu     sync.RWMutex
	token  string
	key    string
	expiry time.Time
	ttl    time.Duration
	now    func() time.Time

	fetch loginFunc
}

func newSession(token string, ttl time.Duration, fetch loginFunc) *Session {
	return &Session{
		token: token,
		ttl:   ttl,
		now:   time.Now,
		fetch: fetch,
	}
}

// Valid reports whether a key is held and has not expired or been invalidated.
func (s *Session) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validLocked()
}

func (s *Session) validLocked() bool {
	if s.key == "" {
		return false
	}
	return s.expiry.IsZero() || s.now().Before(s.expiry)
}

// Key returns the cached key, or "" if none is held.
func (s *Session) Key() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.validLocked() {
		return ""
	}
	return s.key
}

// Login returns a valid session key, performing the login request only when
// no valid key is cached. Concurrent callers wait for the first one and reuse
// its key.
func (s *Session) Login(ctx context.Context) (string, error) {
	if key := s.Key(); key != "" {
		return key, nil
	}

	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	// Another caller may have logged in while we waited.
	s.mu.RLock()
	if s.validLocked() {
		key := s.key
		s.mu.RUnlock()
		return key, nil
	}
	token := s.token
	s.mu.RUnlock()

	key, err := s.fetch(ctx, token)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != token {
		// Token was replaced mid-login; the key belongs to stale credentials.
		return key, nil
	}
	s.key = key
	s.expiry = time.Time{}
	if s.ttl > 0 {
		s.expiry = s.now().Add(s.ttl)
	}
	return key, nil
}

// Invalidate drops the cached key if it is still the one that was rejected.
// Passing "" drops whatever key is cached.
func (s *Session) Invalidate(rejected string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rejected != "" && s.key != rejected {
		return
	}
	s.key = ""
	s.expiry = time.Time{}
}

// SetToken replaces the auth token and drops the cached key.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.key = ""
	s.expiry = time.Time{}
}

// Token returns the configured auth token.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}
