package tokens

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"careconnect-backend/models"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// spyRenderer records what it was asked to render.
type spyRenderer struct {
	mu   sync.Mutex
	seen []string
}

func (s *spyRenderer) Render(tokenID string) (string, error) {
	s.mu.Lock()
	s.seen = append(s.seen, tokenID)
	s.mu.Unlock()
	return TokenURI(tokenID), nil
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *MemoryStore, *fakeClock) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	clock := &fakeClock{now: time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	opts = append([]Option{WithLogger(logger), WithClock(clock.Now), WithRenderer(URIRenderer{})}, opts...)
	return NewRegistry(store, opts...), store, clock
}

func TestIssueEnforcesTTLBounds(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Issue(ctx, "p1", models.Scope{"vitals"}, 30*time.Second)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = r.Issue(ctx, "p1", models.Scope{"vitals"}, 700*time.Second)
	require.ErrorIs(t, err, ErrInvalidRequest)

	issued, err := r.Issue(ctx, "p1", models.Scope{"vitals"}, 300*time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Token)

	for _, ttl := range []time.Duration{60 * time.Second, 600 * time.Second} {
		_, err := r.Issue(ctx, "p1", models.Scope{"vitals"}, ttl)
		require.NoError(t, err, ttl)
	}
}

func TestIssueRejectsEmptyScopeAndResource(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Issue(ctx, "p1", models.Scope{}, DefaultTTL)
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = r.Issue(ctx, "p1", models.Scope{"  "}, DefaultTTL)
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = r.Issue(ctx, "", models.Scope{"vitals"}, DefaultTTL)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestIssueSetsExpiry(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	issued, err := r.Issue(context.Background(), "p1", models.Scope{"vitals"}, 300*time.Second)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(300*time.Second), issued.ExpiresAt)
}

func TestPayloadCarriesOnlyTokenID(t *testing.T) {
	spy := &spyRenderer{}
	r, _, _ := newTestRegistry(t, WithRenderer(spy))

	issued, err := r.Issue(context.Background(), "patient-secret-42", models.Scope{"medications", "vitals"}, DefaultTTL)
	require.NoError(t, err)

	require.Equal(t, []string{issued.Token}, spy.seen)
	assert.Equal(t, URIPrefix+issued.Token, issued.Payload)
	assert.NotContains(t, issued.Payload, "patient-secret-42")
	assert.NotContains(t, issued.Payload, "medications")
	assert.NotContains(t, issued.Payload, "vitals")
}

func TestQRRendererProducesPNG(t *testing.T) {
	payload, err := NewQRRenderer().Render("3f1c6f1e-1d0b-4a53-9d6c-2b7f3c1f0a11")
	require.NoError(t, err)

	png, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\n"), png[:8])
}

func TestEndToEndConsume(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	issued, err := r.Issue(ctx, "p1", models.Scope{"vitals"}, 300*time.Second)
	require.NoError(t, err)

	binding, err := r.Consume(ctx, issued.Token, "clinician-9")
	require.NoError(t, err)
	assert.NotEmpty(t, binding.SessionID)
	assert.NotEqual(t, issued.Token, binding.SessionID)
	assert.Equal(t, "p1", binding.ResourceID)
	assert.Equal(t, models.Scope{"vitals"}, binding.Scope)

	_, err = r.Consume(ctx, issued.Token, "clinician-9")
	require.ErrorIs(t, err, ErrAlreadyConsumed)
}

func TestConsumeUnknownToken(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.Consume(context.Background(), "nope", "c")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = r.Consume(context.Background(), "", "c")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeExpiredLooksLikeNotFound(t *testing.T) {
	r, store, clock := newTestRegistry(t)
	ctx := context.Background()

	issued, err := r.Issue(ctx, "p1", models.Scope{"vitals"}, 60*time.Second)
	require.NoError(t, err)
	clock.Advance(61 * time.Second)

	_, err = r.Consume(ctx, issued.Token, "c")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, store.Len())
}

func TestConsumedThenExpiredIsNotFound(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	ctx := context.Background()

	issued, err := r.Issue(ctx, "p1", models.Scope{"vitals"}, 60*time.Second)
	require.NoError(t, err)
	_, err = r.Consume(ctx, issued.Token, "c")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = r.Consume(ctx, issued.Token, "c")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentConsumeExactlyOnce(t *testing.T) {
	for _, n := range []int{2, 8, 64} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			r, _, _ := newTestRegistry(t)
			ctx := context.Background()
			issued, err := r.Issue(ctx, "p1", models.Scope{"vitals"}, DefaultTTL)
			require.NoError(t, err)

			start := make(chan struct{})
			errs := make([]error, n)
			bindings := make([]*Binding, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					bindings[i], errs[i] = r.Consume(ctx, issued.Token, fmt.Sprintf("clinician-%d", i))
				}(i)
			}
			close(start)
			wg.Wait()

			wins := 0
			for i := 0; i < n; i++ {
				if errs[i] == nil {
					wins++
					assert.Equal(t, "p1", bindings[i].ResourceID)
					continue
				}
				assert.ErrorIs(t, errs[i], ErrAlreadyConsumed)
			}
			assert.Equal(t, 1, wins)
		})
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	ctx := context.Background()
	issued, err := r.Issue(ctx, "p1", models.Scope{"vitals"}, 60*time.Second)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		tok, err := r.Peek(ctx, issued.Token)
		require.NoError(t, err)
		assert.Equal(t, models.TokenPending, tok.State)
	}

	_, err = r.Consume(ctx, issued.Token, "c")
	require.NoError(t, err)
	tok, err := r.Peek(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, models.TokenConsumed, tok.State)
	assert.Equal(t, "c", tok.ConsumedBy)

	clock.Advance(time.Minute)
	tok, err = r.Peek(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, models.TokenExpired, tok.State)

	_, err = r.Peek(ctx, "unknown")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSweepPurgesExpiredTokens(t *testing.T) {
	r, store, clock := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Issue(ctx, "p1", models.Scope{"vitals"}, 60*time.Second)
	require.NoError(t, err)
	live, err := r.Issue(ctx, "p1", models.Scope{"vitals"}, 600*time.Second)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Len())

	_, err = r.Peek(ctx, live.Token)
	require.NoError(t, err)
}

func TestCustomPolicy(t *testing.T) {
	r, _, _ := newTestRegistry(t, WithPolicy(Policy{MinTTL: 10 * time.Second, MaxTTL: 20 * time.Second}))
	assert.Equal(t, 20*time.Second, r.Policy().MaxTTL)
	_, err := r.Issue(context.Background(), "p1", models.Scope{"vitals"}, 15*time.Second)
	require.NoError(t, err)
	_, err = r.Issue(context.Background(), "p1", models.Scope{"vitals"}, 30*time.Second)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "outside"))
}

func TestSharedStoreConsumesOnceAcrossRegistries(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	shared := NewMemoryStore()
	replicas := []*Registry{
		NewRegistry(shared, WithLogger(logger), WithRenderer(URIRenderer{})),
		NewRegistry(shared, WithLogger(logger), WithRenderer(URIRenderer{})),
	}
	issued, err := replicas[0].Issue(ctx, "p1", models.Scope{"vitals"}, DefaultTTL)
	require.NoError(t, err)

	const callers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		consumed int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := replicas[i%2].Consume(ctx, issued.Token, fmt.Sprintf("clinician-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case assert.ErrorIs(t, err, ErrAlreadyConsumed):
				consumed++
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	assert.Equal(t, callers-1, consumed)
}

func TestCompareAndSwapRefusesStaleState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tok := &models.OneTimeToken{ID: "t1", State: models.TokenPending, ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, store.Upsert(ctx, tok))

	next := tok.Clone()
	next.State = models.TokenConsumed
	ok, err := store.CompareAndSwap(ctx, next, models.TokenPending)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CompareAndSwap(ctx, next, models.TokenPending)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.CompareAndSwap(ctx, &models.OneTimeToken{ID: "missing"}, models.TokenPending)
	require.ErrorIs(t, err, ErrNotFound)
}
