package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrBadSignature   = errors.New("bad signature")
	ErrStaleNonce     = errors.New("stale nonce")
	ErrReplayedNonce  = errors.New("replayed nonce")
	ErrNonceStoreFull = errors.New("nonce store full")
	ErrNoSecret       = errors.New("shared secret not configured")
)

// NonceField carries the "{unix_timestamp}_{random_token}" nonce.
const NonceField = "nonce"

// DefaultWindow is both the clock-skew tolerance and the replay window.
const DefaultWindow = 5 * time.Minute

// NonceStore remembers accepted nonces until they can no longer pass the
// freshness check.
type NonceStore interface {
	// Seen reports whether nonce was accepted and is still retained.
	Seen(ctx context.Context, nonce string, now time.Time) (bool, error)
	// Add records nonce if absent and keeps it until expires.  added is
	// false when another caller got there first.
	Add(ctx context.Context, nonce string, now, expires time.Time) (added bool, err error)
}

// Authenticator verifies HMAC-signed administrative commands.
type Authenticator struct {
	secret []byte
	window time.Duration
	nonces NonceStore
}

func NewAuthenticator(secret string, window time.Duration, nonces NonceStore) *Authenticator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Authenticator{secret: []byte(secret), window: window, nonces: nonces}
}

// Sign returns the hex HMAC-SHA256 of the canonical encoding of fields.
func Sign(secret string, fields map[string]any) (string, error) {
	msg, err := Canonicalize(fields)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a decoded command.  fields must hold every field of the
// command including nonce and hmac.  The nonce is recorded only when all
// checks pass.
//
// Replay is checked before the signature so a reused nonce is reported as
// ErrReplayedNonce whatever the signature says.
func (a *Authenticator) Verify(ctx context.Context, fields map[string]any, now time.Time) error {
	if len(a.secret) == 0 {
		return ErrNoSecret
	}

	nonce, _ := fields[NonceField].(string)
	ts, err := ParseNonce(nonce)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStaleNonce, err)
	}

	seen, err := a.nonces.Seen(ctx, nonce, now)
	if err != nil {
		return fmt.Errorf("nonce lookup: %w", err)
	}
	if seen {
		return ErrReplayedNonce
	}

	if skew := now.Sub(ts); skew > a.window || skew < -a.window {
		return ErrStaleNonce
	}

	claimed, _ := fields[SignatureField].(string)
	if !a.signatureValid(fields, claimed) {
		return ErrBadSignature
	}

	added, err := a.nonces.Add(ctx, nonce, now, a.retainUntil(ts, now))
	if err != nil {
		return fmt.Errorf("nonce record: %w", err)
	}
	if !added {
		return ErrReplayedNonce
	}
	return nil
}

// retainUntil is the instant after which a nonce stamped ts is stale by
// itself.  A future-dated nonce stays fresh for window past its own stamp,
// not past the moment it was first seen.
func (a *Authenticator) retainUntil(ts, now time.Time) time.Time {
	if ts.After(now) {
		return ts.Add(a.window)
	}
	return now.Add(a.window)
}

func (a *Authenticator) signatureValid(fields map[string]any, claimed string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(claimed))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	msg, err := Canonicalize(fields)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(msg)
	return hmac.Equal(got, mac.Sum(nil))
}

// ParseNonce extracts the timestamp of a "{unix}_{token}" nonce.
func ParseNonce(nonce string) (time.Time, error) {
	tsPart, token, ok := strings.Cut(nonce, "_")
	if !ok || token == "" {
		return time.Time{}, fmt.Errorf("malformed nonce %q", nonce)
	}
	secs, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed nonce timestamp %q", tsPart)
	}
	return time.Unix(secs, 0).UTC(), nil
}

// NewNonce builds a nonce for now with the given random token.
func NewNonce(now time.Time, token string) string {
	return strconv.FormatInt(now.Unix(), 10) + "_" + token
}
