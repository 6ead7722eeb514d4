package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Query parameter names on the upgrade URL. Shared with the client, which
// builds its connect URL from the same set.
const (
	ParamConnID      = "connectionId"
	ParamClientID    = "clientId"
	ParamVersion     = "version"
	ParamAuthVersion = "authVersion"
	ParamTimestamp   = "timestamp"
	ParamSignature   = "signature"
)

// MetaPrefix marks query parameters that become initial stream metadata,
// e.g. m--region=eu turns into metadata key "region".
const MetaPrefix = "m--"

var ErrMissingParam = errors.New("missing required handshake parameter")

// Handshake carries everything a connecting client presented on the upgrade
// URL. Timestamp and Signature stay raw strings; judging them is the
// authorizer's job, not the parser's.
type Handshake struct {
	ConnID      string
	ClientID    string
	Version     string
	AuthVersion string
	Timestamp   string
	Signature   string
	// Metadata holds the parsed m-- parameters.
	Metadata map[string]string
	// Query is the full upgrade query for custom authorizers.
	Query url.Values
}

// ParseUpgrade extracts the handshake from an upgrade request. The three
// identity parameters are required; a missing one fails with
// ErrMissingParam before any authorizer runs.
func ParseUpgrade(r *http.Request) (*Handshake, error) {
	q := r.URL.Query()
	h := &Handshake{
		ConnID:      q.Get(ParamConnID),
		ClientID:    q.Get(ParamClientID),
		Version:     q.Get(ParamVersion),
		AuthVersion: q.Get(ParamAuthVersion),
		Timestamp:   q.Get(ParamTimestamp),
		Signature:   q.Get(ParamSignature),
		Metadata:    make(map[string]string),
		Query:       q,
	}
	for _, p := range []struct {
		name, value string
	}{
		{ParamConnID, h.ConnID},
		{ParamClientID, h.ClientID},
		{ParamVersion, h.Version},
	} {
		if p.value == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingParam, p.name)
		}
	}
	for key, values := range q {
		if strings.HasPrefix(key, MetaPrefix) && len(values) > 0 {
			h.Metadata[strings.TrimPrefix(key, MetaPrefix)] = values[0]
		}
	}
	return h, nil
}

// Authorizer judges a parsed handshake. Returned metadata is merged over the
// client-supplied m-- parameters, so an authorizer can stamp or override
// keys. Implementations decide their own policy; the hmacsig package is the
// default one.
type Authorizer interface {
	Authorize(ctx context.Context, h *Handshake) (meta map[string]string, err error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, h *Handshake) (map[string]string, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, h *Handshake) (map[string]string, error) {
	return f(ctx, h)
}

// SignaturePayload is the byte string the handshake signature covers: the
// newline-joined tuple of auth version, application version, connection id
// and client id.
func SignaturePayload(authVersion, appVersion, connID, clientID string) []byte {
	return []byte(strings.Join([]string{authVersion, appVersion, connID, clientID}, "\n"))
}

// Sign computes the hex HMAC-SHA256 signature of the handshake tuple.
func Sign(secret []byte, authVersion, appVersion, connID, clientID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(SignaturePayload(authVersion, appVersion, connID, clientID))
	return hex.EncodeToString(mac.Sum(nil))
}
