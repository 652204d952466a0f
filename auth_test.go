package cortex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validToken(now time.Time) Token {
	return Token{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    now.Add(time.Hour),
	}
}

func staleToken(now time.Time) Token {
	return Token{
		AccessToken:  "access-0",
		RefreshToken: "refresh-0",
		ExpiresAt:    now.Add(5 * time.Second), // inside the 10s margin
	}
}

func TestTokenValid(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name  string
		token Token
		want  bool
	}{
		{"fresh", Token{AccessToken: "a", ExpiresAt: now.Add(time.Hour)}, true},
		{"inside margin", Token{AccessToken: "a", ExpiresAt: now.Add(5 * time.Second)}, false},
		{"expired", Token{AccessToken: "a", ExpiresAt: now.Add(-time.Minute)}, false},
		{"empty", Token{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.token.Valid(now, defaultExpiryMargin))
		})
	}
}

func TestGatewayFastPathSkipsRefresh(t *testing.T) {
	now := time.Now()
	store := NewTokenStore()
	store.Set(validToken(now))

	var calls atomic.Int32
	g := NewAuthGateway(store, func(ctx context.Context, rt string) (Token, error) {
		calls.Add(1)
		return validToken(now), nil
	})

	tok, err := g.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, int32(0), calls.Load())
}

func TestGatewayRefreshesStaleToken(t *testing.T) {
	now := time.Now()
	store := NewTokenStore()
	store.Set(staleToken(now))

	g := NewAuthGateway(store, func(ctx context.Context, rt string) (Token, error) {
		assert.Equal(t, "refresh-0", rt)
		return validToken(now), nil
	})

	tok, err := g.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, "access-1", store.Get().AccessToken)
}

func TestGatewayForceRefreshBypassesFreshToken(t *testing.T) {
	now := time.Now()
	store := NewTokenStore()
	revoked := validToken(now) // unexpired client-side, rejected server-side
	store.Set(revoked)

	var calls atomic.Int32
	g := NewAuthGateway(store, func(ctx context.Context, rt string) (Token, error) {
		calls.Add(1)
		return Token{
			AccessToken:  "access-2",
			RefreshToken: "refresh-2",
			ExpiresAt:    now.Add(time.Hour),
		}, nil
	})

	tok, err := g.ForceRefresh(context.Background(), revoked)
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok.AccessToken)
	assert.Equal(t, int32(1), calls.Load(), "local freshness must not veto a forced refresh")

	// Forcing with the already-replaced token short-circuits: the store
	// holds a different, fresh one.
	tok, err = g.ForceRefresh(context.Background(), revoked)
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok.AccessToken)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGatewaySingleFlight(t *testing.T) {
	now := time.Now()
	store := NewTokenStore()
	store.Set(staleToken(now))

	var calls atomic.Int32
	release := make(chan struct{})
	g := NewAuthGateway(store, func(ctx context.Context, rt string) (Token, error) {
		calls.Add(1)
		<-release
		return validToken(now), nil
	})

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.Token(context.Background())
		}(i)
	}

	// Let the goroutines pile onto the in-flight refresh.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent callers must share one refresh")
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestGatewayNoRefreshToken(t *testing.T) {
	store := NewTokenStore()
	g := NewAuthGateway(store, func(ctx context.Context, rt string) (Token, error) {
		t.Fatal("refresh must not be called without a refresh token")
		return Token{}, nil
	})

	_, err := g.Token(context.Background())
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestGatewayCooldownFailsFast(t *testing.T) {
	now := time.Now()
	clock := now
	store := NewTokenStore()
	store.Set(staleToken(now))

	var calls atomic.Int32
	g := NewAuthGateway(store,
		func(ctx context.Context, rt string) (Token, error) {
			calls.Add(1)
			return Token{}, errors.New("server says no")
		},
		WithMaxRefreshAttempts(5),
		withClock(func() time.Time { return clock }),
	)

	_, err := g.Refresh(context.Background())
	require.ErrorIs(t, err, ErrAuthRequired)
	require.Equal(t, int32(1), calls.Load())

	// Inside the cooldown window: fail fast, no network.
	clock = clock.Add(10 * time.Second)
	_, err = g.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.Equal(t, int32(1), calls.Load())

	// Past the cooldown the refresh is attempted again.
	clock = clock.Add(defaultRefreshCooldown)
	_, err = g.Refresh(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGatewayLoopBreaker(t *testing.T) {
	now := time.Now()
	clock := now
	store := NewTokenStore()
	store.Set(staleToken(now))

	expired := make(chan struct{})
	var calls atomic.Int32
	g := NewAuthGateway(store,
		func(ctx context.Context, rt string) (Token, error) {
			calls.Add(1)
			return Token{}, errors.New("invalid refresh token")
		},
		WithSessionExpired(func() { close(expired) }),
		withClock(func() time.Time { return clock }),
	)

	for i := 0; i < defaultMaxRefreshAttempts; i++ {
		_, err := g.Refresh(context.Background())
		require.Error(t, err)
		clock = clock.Add(defaultRefreshCooldown + time.Second)
	}

	require.True(t, g.LoopDetected())
	assert.Equal(t, Token{}, store.Get(), "terminal state clears the token store")

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("SessionExpired callback not fired")
	}

	// Terminal: every further call fails fast regardless of cooldown.
	clock = clock.Add(time.Hour)
	_, err := g.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrLoopDetected)
	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.Equal(t, int32(defaultMaxRefreshAttempts), calls.Load())
}

func TestGatewaySetSessionExitsTerminalState(t *testing.T) {
	now := time.Now()
	clock := now
	store := NewTokenStore()
	store.Set(staleToken(now))

	refreshOK := false
	g := NewAuthGateway(store,
		func(ctx context.Context, rt string) (Token, error) {
			if refreshOK {
				return validToken(clock), nil
			}
			return Token{}, errors.New("nope")
		},
		withClock(func() time.Time { return clock }),
	)

	for i := 0; i < defaultMaxRefreshAttempts; i++ {
		g.Refresh(context.Background())
		clock = clock.Add(defaultRefreshCooldown + time.Second)
	}
	require.True(t, g.LoopDetected())

	refreshOK = true
	g.SetSession(staleToken(clock))
	require.False(t, g.LoopDetected())

	tok, err := g.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
}

func TestGatewaySuccessResetsFailureCount(t *testing.T) {
	now := time.Now()
	clock := now
	store := NewTokenStore()
	store.Set(staleToken(now))

	fail := true
	g := NewAuthGateway(store,
		func(ctx context.Context, rt string) (Token, error) {
			if fail {
				return Token{}, errors.New("transient")
			}
			return validToken(clock), nil
		},
		withClock(func() time.Time { return clock }),
	)

	// One failure, then a success, then the token goes stale again and a
	// failure follows. The breaker must not trip: the streak was broken.
	_, err := g.Refresh(context.Background())
	require.Error(t, err)
	clock = clock.Add(defaultRefreshCooldown + time.Second)

	fail = false
	_, err = g.Refresh(context.Background())
	require.NoError(t, err)

	clock = clock.Add(2 * time.Hour)
	fail = true
	_, err = g.Refresh(context.Background())
	require.Error(t, err)
	assert.False(t, g.LoopDetected())
}
