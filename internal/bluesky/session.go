package bluesky

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// refreshMargin is how long before expiry an access token is replaced.
	refreshMargin = 5 * time.Minute
	// fallbackTTL is assumed when an access token carries no readable exp.
	fallbackTTL = time.Hour
)

// cachedSession is the on-disk form of a session.
type cachedSession struct {
	Service   string    `json:"service"`
	Session   Session   `json:"session"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionManager owns the account session. Callers ask it for a session
// before every authenticated call instead of sharing a global agent.
type SessionManager struct {
	client     *Client
	identifier string
	password   string
	path       string
	log        *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	current   *Session
	expiresAt time.Time
	stale     bool
}

// NewSessionManager creates a SessionManager. If path is non-empty the
// session is cached there between runs.
func NewSessionManager(client *Client, identifier, password, path string, log *slog.Logger) *SessionManager {
	return &SessionManager{
		client:     client,
		identifier: identifier,
		password:   password,
		path:       path,
		log:        log,
		now:        time.Now,
	}
}

// Start establishes the initial session, reusing a cached one when its
// refresh token is still accepted.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, err := m.load(); err != nil {
		m.log.Warn("read cached session", "path", m.path, "error", err)
	} else if cached != nil {
		s, err := m.client.RefreshSession(ctx, cached.RefreshJwt)
		if err == nil {
			m.set(s)
			m.log.Info("resumed cached session", "handle", s.Handle)
			return nil
		}
		m.log.Info("cached session rejected, logging in", "error", err)
	}

	s, err := m.client.CreateSession(ctx, m.identifier, m.password)
	if err != nil {
		return authError(fmt.Errorf("login: %w", err))
	}
	m.set(s)
	m.log.Info("logged in", "handle", s.Handle, "did", s.DID)
	return nil
}

// Session returns a usable session, refreshing or re-creating it when the
// access token is about to expire or was rejected. Failures are reported as
// KindAuth errors.
func (m *SessionManager) Session(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && !m.stale && m.now().Add(refreshMargin).Before(m.expiresAt) {
		return *m.current, nil
	}

	if m.current != nil {
		s, err := m.client.RefreshSession(ctx, m.current.RefreshJwt)
		if err == nil {
			m.set(s)
			m.log.Debug("refreshed session", "handle", s.Handle)
			return *s, nil
		}
		m.log.Warn("refresh session failed, logging in again", "error", err)
	}

	s, err := m.client.CreateSession(ctx, m.identifier, m.password)
	if err != nil {
		return Session{}, authError(fmt.Errorf("login: %w", err))
	}
	m.set(s)
	return *s, nil
}

// Invalidate marks the current access token as unusable so that the next
// Session call refreshes it.
func (m *SessionManager) Invalidate() {
	m.mu.Lock()
	m.stale = true
	m.mu.Unlock()
}

func (m *SessionManager) set(s *Session) {
	m.current = s
	m.stale = false
	m.expiresAt = m.now().Add(fallbackTTL)
	if exp, ok := tokenExpiry(s.AccessJwt); ok {
		m.expiresAt = exp
	}
	if err := m.save(); err != nil {
		m.log.Warn("cache session", "path", m.path, "error", err)
	}
}

func (m *SessionManager) load() (*Session, error) {
	if m.path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var cached cachedSession
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if cached.Service != m.client.service || cached.Session.RefreshJwt == "" {
		return nil, nil
	}
	return &cached.Session, nil
}

func (m *SessionManager) save() error {
	if m.path == "" {
		return nil
	}
	data, err := json.Marshal(cachedSession{
		Service:   m.client.service,
		Session:   *m.current,
		ExpiresAt: m.expiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".session-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod session: %w", err)
	}
	return os.Rename(tmp.Name(), m.path)
}

// tokenExpiry reads the exp claim of a JWT without verifying it. Tokens signed
// with algorithms the jwt package does not know still have their claims
// decoded.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func authError(err error) error {
	if KindOf(err) == KindAuth {
		return err
	}
	return &Error{Kind: KindAuth, Method: "session", Err: err}
}
