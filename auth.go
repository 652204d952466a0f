package cortex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ============================================================================
// TokenStore
// ============================================================================

// TokenStore holds the current token pair. Pure state, no I/O; mutated only
// by the AuthGateway after a successful refresh or an explicit login.
type TokenStore struct {
	mu    sync.RWMutex
	token Token
}

// NewTokenStore creates an empty token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

// Get returns a snapshot of the current token.
func (s *TokenStore) Get() Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Set replaces the stored token.
func (s *TokenStore) Set(t Token) {
	s.mu.Lock()
	s.token = t
	s.mu.Unlock()
}

// Clear wipes the stored token.
func (s *TokenStore) Clear() {
	s.mu.Lock()
	s.token = Token{}
	s.mu.Unlock()
}

// ============================================================================
// AuthGateway
// ============================================================================

// RefreshFunc exchanges a refresh token for a new token pair.
// Implemented as a function type so the gateway stays independent of the
// HTTP client that owns the auth endpoints.
type RefreshFunc func(ctx context.Context, refreshToken string) (Token, error)

const (
	defaultExpiryMargin       = 10 * time.Second
	defaultRefreshCooldown    = 30 * time.Second
	defaultMaxRefreshAttempts = 2
)

// AuthGateway decides, per outgoing request, whether the held token is
// usable, refreshes it at most once under contention, and breaks
// refresh-retry loops.
//
// Invariants:
//   - at most one refresh call in flight system-wide (singleflight)
//   - a failed refresh starts a cooldown window; calls inside it fail fast
//   - after maxAttempts consecutive failures the gateway enters a terminal
//     loop-detected state: tokens cleared, every call fails fast until
//     SetSession is called with fresh credentials
type AuthGateway struct {
	store   *TokenStore
	refresh RefreshFunc

	margin      time.Duration
	cooldown    time.Duration
	maxAttempts int

	onSessionExpired func()
	now              func() time.Time

	group singleflight.Group

	mu           sync.Mutex
	failures     int
	lastFailure  time.Time
	loopDetected bool
}

// GatewayOption configures an AuthGateway.
type GatewayOption func(*AuthGateway)

// WithExpiryMargin sets how long before actual expiry a token is treated
// as stale.
func WithExpiryMargin(d time.Duration) GatewayOption {
	return func(g *AuthGateway) { g.margin = d }
}

// WithRefreshCooldown sets the fail-fast window after a failed refresh.
func WithRefreshCooldown(d time.Duration) GatewayOption {
	return func(g *AuthGateway) { g.cooldown = d }
}

// WithMaxRefreshAttempts sets the consecutive-failure bound that trips the
// loop breaker.
func WithMaxRefreshAttempts(n int) GatewayOption {
	return func(g *AuthGateway) { g.maxAttempts = n }
}

// WithSessionExpired registers a callback fired once when the gateway
// enters the terminal state. The UI typically redirects to login here.
func WithSessionExpired(fn func()) GatewayOption {
	return func(g *AuthGateway) { g.onSessionExpired = fn }
}

func withClock(now func() time.Time) GatewayOption {
	return func(g *AuthGateway) { g.now = now }
}

// NewAuthGateway creates a gateway over the given store and refresh call.
func NewAuthGateway(store *TokenStore, refresh RefreshFunc, opts ...GatewayOption) *AuthGateway {
	g := &AuthGateway{
		store:       store,
		refresh:     refresh,
		margin:      defaultExpiryMargin,
		cooldown:    defaultRefreshCooldown,
		maxAttempts: defaultMaxRefreshAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetSession installs a fresh token pair from an explicit login and resets
// all failure tracking. This is the only way out of the terminal state.
func (g *AuthGateway) SetSession(t Token) {
	g.store.Set(t)
	g.mu.Lock()
	g.failures = 0
	g.lastFailure = time.Time{}
	g.loopDetected = false
	g.mu.Unlock()
}

// ClearSession drops the stored token pair (logout).
func (g *AuthGateway) ClearSession() {
	g.store.Clear()
	g.mu.Lock()
	g.failures = 0
	g.lastFailure = time.Time{}
	g.loopDetected = false
	g.mu.Unlock()
}

// LoopDetected reports whether the gateway is in its terminal state.
func (g *AuthGateway) LoopDetected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loopDetected
}

// Token returns a usable token, refreshing at most once if the stored one
// is stale. The fast path never blocks on I/O.
func (g *AuthGateway) Token(ctx context.Context) (Token, error) {
	tok := g.store.Get()
	if tok.Valid(g.now(), g.margin) {
		return tok, nil
	}
	return g.Refresh(ctx)
}

// Refresh refreshes the stored token when it is stale, sharing the
// result with every concurrent caller.
func (g *AuthGateway) Refresh(ctx context.Context) (Token, error) {
	return g.refreshToken(ctx, Token{})
}

// ForceRefresh refreshes even when the stored token still looks fresh
// locally. The 401 retry path uses it: the server has rejected a token
// that has not expired client-side (revocation), so local freshness
// proves nothing. Only a stored token different from the rejected one
// short-circuits, meaning another caller already replaced it.
func (g *AuthGateway) ForceRefresh(ctx context.Context, rejected Token) (Token, error) {
	return g.refreshToken(ctx, rejected)
}

func (g *AuthGateway) refreshToken(ctx context.Context, rejected Token) (Token, error) {
	if err := g.precheck(); err != nil {
		return Token{}, err
	}

	v, err, _ := g.group.Do("refresh", func() (interface{}, error) {
		// Another caller may have completed the refresh while this one
		// waited on the lock inside singleflight. A token matching the
		// one the server just rejected never counts as fresh.
		if tok := g.store.Get(); tok.Valid(g.now(), g.margin) && tok.AccessToken != rejected.AccessToken {
			return tok, nil
		}
		if err := g.precheck(); err != nil {
			return Token{}, err
		}

		current := g.store.Get()
		if current.RefreshToken == "" {
			return Token{}, fmt.Errorf("%w: no refresh token", ErrAuthRequired)
		}

		fresh, err := g.refresh(ctx, current.RefreshToken)
		if err != nil {
			g.recordFailure()
			return Token{}, fmt.Errorf("%w: refresh failed: %v", ErrAuthRequired, err)
		}

		g.store.Set(fresh)
		g.mu.Lock()
		g.failures = 0
		g.lastFailure = time.Time{}
		g.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

// precheck fails fast without network when the gateway is terminal or
// inside the post-failure cooldown window.
func (g *AuthGateway) precheck() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loopDetected {
		return fmt.Errorf("%w: %w", ErrAuthRequired, ErrLoopDetected)
	}
	if !g.lastFailure.IsZero() && g.now().Sub(g.lastFailure) < g.cooldown {
		return fmt.Errorf("%w: refresh cooldown active", ErrAuthRequired)
	}
	return nil
}

func (g *AuthGateway) recordFailure() {
	g.mu.Lock()
	g.failures++
	g.lastFailure = g.now()
	tripped := g.failures >= g.maxAttempts && !g.loopDetected
	if tripped {
		g.loopDetected = true
	}
	fn := g.onSessionExpired
	g.mu.Unlock()

	if tripped {
		g.store.Clear()
		if fn != nil {
			go fn()
		}
	}
}
