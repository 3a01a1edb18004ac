package deyecloud

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Token is a bearer credential and the instant after which it must not be used.
// Expiry already has the safety margin subtracted.
type Token struct {
	AccessToken string
	Expiry      time.Time
}

// Valid reports whether the token may be used at now.
func (t Token) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.Expiry)
}

type loginFunc func(ctx context.Context) (accessToken string, ttl time.Duration, err error)

// TokenManager owns the cached token. It is the only writer; concurrent callers
// that find no valid token share a single login call.
type TokenManager struct {
	login  loginFunc
	margin time.Duration
	now    func() time.Time

	mu     sync.RWMutex
	token  Token
	flight singleflight.Group
}

func newTokenManager(login loginFunc, margin time.Duration, now func() time.Time) *TokenManager {
	if now == nil {
		now = time.Now
	}
	return &TokenManager{login: login, margin: margin, now: now}
}

// Current returns the cached token, valid or not.
func (m *TokenManager) Current() Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// EnsureValid returns the cached token if it is still valid, logging in otherwise.
func (m *TokenManager) EnsureValid(ctx context.Context) (Token, error) {
	if t := m.Current(); t.Valid(m.now()) {
		return t, nil
	}

	ch := m.flight.DoChan("login", func() (any, error) {
		if t := m.Current(); t.Valid(m.now()) {
			return t, nil
		}
		issued := m.now()
		// The login outlives a cancelled first caller; the executor's timeout bounds it.
		access, ttl, err := m.login(context.WithoutCancel(ctx))
		if err != nil {
			return Token{}, err
		}
		t := Token{AccessToken: access, Expiry: issued.Add(ttl - m.marginFor(ttl))}
		m.mu.Lock()
		m.token = t
		m.mu.Unlock()
		return t, nil
	})

	select {
	case <-ctx.Done():
		return Token{}, transportError(tokenPath, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

// Invalidate drops the cached token if it is still the one the caller saw rejected.
func (m *TokenManager) Invalidate(accessToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token.AccessToken == accessToken {
		m.token = Token{}
	}
}

// marginFor shrinks the margin when the server hands out tokens too short for it.
func (m *TokenManager) marginFor(ttl time.Duration) time.Duration {
	if ttl <= 2*m.margin {
		return ttl / 10
	}
	return m.margin
}
