package auth_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/auth"
)

const secret = "test_secret_key_12345"

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func signed(t *testing.T, nonce string) map[string]any {
	t.Helper()
	fields := map[string]any{
		"command":     "DEACTIVATE",
		"identity_id": "EMP001",
		"nonce":       nonce,
	}
	sig, err := auth.Sign(secret, fields)
	require.NoError(t, err)
	fields["hmac"] = sig
	return fields
}

func newAuthenticator() (*auth.Authenticator, *auth.MemoryNonceStore) {
	ns := auth.NewMemoryNonceStore(auth.DefaultWindow, 16)
	return auth.NewAuthenticator(secret, auth.DefaultWindow, ns), ns
}

func TestVerify_Valid(t *testing.T) {
	a, ns := newAuthenticator()
	err := a.Verify(context.Background(), signed(t, auth.NewNonce(now, "abc")), now)
	require.NoError(t, err)
	assert.Equal(t, 1, ns.Len())
}

func TestVerify_BadSignature(t *testing.T) {
	a, ns := newAuthenticator()
	fields := signed(t, auth.NewNonce(now, "abc"))
	fields["identity_id"] = "EMP002"

	err := a.Verify(context.Background(), fields, now)
	assert.ErrorIs(t, err, auth.ErrBadSignature)
	assert.Equal(t, 0, ns.Len(), "rejected command must not consume the nonce")
}

func TestVerify_MissingOrGarbageSignature(t *testing.T) {
	a, _ := newAuthenticator()
	for i, sig := range []any{nil, "", "invalid_signature_here", 42} {
		fields := signed(t, auth.NewNonce(now, fmt.Sprintf("t%d", i)))
		if sig == nil {
			delete(fields, "hmac")
		} else {
			fields["hmac"] = sig
		}
		assert.ErrorIs(t, a.Verify(context.Background(), fields, now), auth.ErrBadSignature, "sig=%v", sig)
	}
}

func TestVerify_ReplayRejectedRegardlessOfSignature(t *testing.T) {
	a, _ := newAuthenticator()
	nonce := auth.NewNonce(now, "abc")
	require.NoError(t, a.Verify(context.Background(), signed(t, nonce), now))

	// Same nonce, valid signature.
	assert.ErrorIs(t, a.Verify(context.Background(), signed(t, nonce), now.Add(time.Second)), auth.ErrReplayedNonce)

	// Same nonce, garbage signature.
	bad := signed(t, nonce)
	bad["hmac"] = "00"
	assert.ErrorIs(t, a.Verify(context.Background(), bad, now.Add(time.Second)), auth.ErrReplayedNonce)
}

func TestVerify_StaleNonceRejectedEvenWhenSigned(t *testing.T) {
	a, _ := newAuthenticator()

	old := auth.NewNonce(now.Add(-auth.DefaultWindow-time.Second), "abc")
	assert.ErrorIs(t, a.Verify(context.Background(), signed(t, old), now), auth.ErrStaleNonce)

	future := auth.NewNonce(now.Add(auth.DefaultWindow+time.Second), "def")
	assert.ErrorIs(t, a.Verify(context.Background(), signed(t, future), now), auth.ErrStaleNonce)

	edge := auth.NewNonce(now.Add(-auth.DefaultWindow), "ghi")
	assert.NoError(t, a.Verify(context.Background(), signed(t, edge), now))
}

func TestVerify_MalformedNonce(t *testing.T) {
	a, _ := newAuthenticator()
	for _, nonce := range []string{"", "abc", "123_", "notanumber_abc"} {
		assert.ErrorIs(t, a.Verify(context.Background(), signed(t, nonce), now), auth.ErrStaleNonce, "nonce=%q", nonce)
	}
}

func TestVerify_NoSecret(t *testing.T) {
	a := auth.NewAuthenticator("", 0, auth.NewMemoryNonceStore(0, 0))
	assert.ErrorIs(t, a.Verify(context.Background(), signed(t, auth.NewNonce(now, "x")), now), auth.ErrNoSecret)
}

func TestVerify_ConcurrentSameNonceAcceptedOnce(t *testing.T) {
	a, _ := newAuthenticator()
	fields := signed(t, auth.NewNonce(now, "race"))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, dupe int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := a.Verify(context.Background(), fields, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, auth.ErrReplayedNonce):
				dupe++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, dupe)
}

func TestMemoryNonceStore_EvictsByExpiryAndFailsClosed(t *testing.T) {
	ctx := context.Background()
	ns := auth.NewMemoryNonceStore(time.Minute, 2)

	added, err := ns.Add(ctx, "a", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, added)
	_, _ = ns.Add(ctx, "b", now.Add(30*time.Second), now.Add(90*time.Second))

	_, err = ns.Add(ctx, "c", now.Add(40*time.Second), now.Add(100*time.Second))
	assert.ErrorIs(t, err, auth.ErrNonceStoreFull)

	// "a" expires, making room.
	later := now.Add(61 * time.Second)
	added, err = ns.Add(ctx, "c", later, later.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, added)

	seen, _ := ns.Seen(ctx, "a", later)
	assert.False(t, seen)

	assert.Equal(t, 2, ns.Sweep(now.Add(5*time.Minute)))
	assert.Equal(t, 0, ns.Len())
}

// A nonce stamped ahead of the gate clock stays fresh for a full window past
// its own stamp, so it must be retained that long too.
func TestVerify_FutureDatedNonceNotReplayableAfterWindow(t *testing.T) {
	a, ns := newAuthenticator()
	fields := signed(t, auth.NewNonce(now.Add(4*time.Minute), "ahead"))

	require.NoError(t, a.Verify(context.Background(), fields, now))

	// Six minutes on the nonce is still inside the skew window (2m old).
	later := now.Add(6 * time.Minute)
	ns.Sweep(later)
	assert.ErrorIs(t, a.Verify(context.Background(), fields, later), auth.ErrReplayedNonce)

	// Once it is stale by its own stamp it may be forgotten.
	gone := now.Add(9*time.Minute + time.Second)
	assert.Equal(t, 1, ns.Sweep(gone))
	assert.ErrorIs(t, a.Verify(context.Background(), fields, gone), auth.ErrStaleNonce)
}
