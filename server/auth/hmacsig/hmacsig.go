package hmacsig

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/wsmux/wsmux/server/auth"
)

const (
	// DefaultMaxDrift is how far a handshake timestamp may sit from server
	// time in either direction.
	DefaultMaxDrift = 30 * time.Second
	// DefaultSecretTTL is how long looked-up secrets are cached per client.
	DefaultSecretTTL = 5 * time.Minute
)

var (
	ErrMissingAuthParam = errors.New("missing authentication parameter")
	ErrStaleTimestamp   = errors.New("timestamp outside allowed clock drift")
	ErrBadSignature     = errors.New("signature mismatch")
	ErrNoSecret         = errors.New("no secret available for client")
)

// SecretFunc resolves the signing secret for a client id. Returning an empty
// secret with a nil error means "not found" and falls back to the static
// secret; an error fails the handshake outright.
type SecretFunc func(ctx context.Context, clientID string) ([]byte, error)

// Config assembles a Verifier.
type Config struct {
	// Secret is the static fallback secret, used when no Lookup is set or
	// when the lookup finds nothing for a client.
	Secret []byte
	// Lookup resolves per-client secrets. Optional.
	Lookup SecretFunc
	// MaxDrift overrides DefaultMaxDrift.
	MaxDrift time.Duration
	// SecretTTL overrides DefaultSecretTTL for the lookup cache.
	SecretTTL time.Duration
}

// Verifier is the default handshake authorizer: HMAC-SHA256 over the
// newline-joined tuple {auth version, app version, connection id, client id}
// with a timestamp freshness window. Secrets come from a pluggable lookup
// with a static fallback; lookups are cached.
type Verifier struct {
	secret   []byte
	lookup   SecretFunc
	maxDrift time.Duration
	cache    *cache.Cache
}

var _ auth.Authorizer = (*Verifier)(nil)

func New(conf Config) *Verifier {
	if conf.MaxDrift <= 0 {
		conf.MaxDrift = DefaultMaxDrift
	}
	if conf.SecretTTL <= 0 {
		conf.SecretTTL = DefaultSecretTTL
	}
	v := &Verifier{
		secret:   conf.Secret,
		lookup:   conf.Lookup,
		maxDrift: conf.MaxDrift,
	}
	if conf.Lookup != nil {
		// No cleanup interval: secrets expire lazily on access, which keeps
		// the verifier free of background goroutines.
		v.cache = cache.New(conf.SecretTTL, 0)
	}
	return v
}

// Authorize implements auth.Authorizer.
func (v *Verifier) Authorize(ctx context.Context, h *auth.Handshake) (map[string]string, error) {
	if h.Timestamp == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingAuthParam, auth.ParamTimestamp)
	}
	if h.Signature == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingAuthParam, auth.ParamSignature)
	}

	ts, err := strconv.ParseInt(h.Timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	drift := time.Since(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.maxDrift {
		return nil, fmt.Errorf("%w: %s off by %s", ErrStaleTimestamp, h.Timestamp, drift.Truncate(time.Millisecond))
	}

	secret, err := v.secretFor(ctx, h.ClientID)
	if err != nil {
		return nil, err
	}

	expected := auth.Sign(secret, h.AuthVersion, h.Version, h.ConnID, h.ClientID)
	// Length gate first; the constant-time compare only runs on
	// equal-length signatures.
	if len(h.Signature) != len(expected) {
		return nil, ErrBadSignature
	}
	if !hmac.Equal([]byte(h.Signature), []byte(expected)) {
		return nil, ErrBadSignature
	}
	return nil, nil
}

func (v *Verifier) secretFor(ctx context.Context, clientID string) ([]byte, error) {
	if v.lookup == nil {
		if len(v.secret) == 0 {
			return nil, ErrNoSecret
		}
		return v.secret, nil
	}
	if cached, ok := v.cache.Get(clientID); ok {
		return cached.([]byte), nil
	}
	secret, err := v.lookup(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("secret lookup: %w", err)
	}
	if len(secret) == 0 {
		if len(v.secret) == 0 {
			return nil, ErrNoSecret
		}
		return v.secret, nil
	}
	v.cache.Set(clientID, secret, cache.DefaultExpiration)
	return secret, nil
}
