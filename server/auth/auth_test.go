package auth

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUpgrade(t *testing.T) {
	r := httptest.NewRequest("GET",
		"/connect?connectionId=conn-1&clientId=client-1&version=1.0"+
			"&authVersion=1&timestamp=1700000000&signature=abc"+
			"&m--region=eu&m--shard=7&unrelated=x", nil)

	h, err := ParseUpgrade(r)
	require.NoError(t, err)
	assert.Equal(t, "conn-1", h.ConnID)
	assert.Equal(t, "client-1", h.ClientID)
	assert.Equal(t, "1.0", h.Version)
	assert.Equal(t, "1", h.AuthVersion)
	assert.Equal(t, "1700000000", h.Timestamp)
	assert.Equal(t, "abc", h.Signature)
	assert.Equal(t, map[string]string{"region": "eu", "shard": "7"}, h.Metadata)
	assert.Equal(t, "x", h.Query.Get("unrelated"))
}

func TestParseUpgrade_MissingParams(t *testing.T) {
	cases := []struct {
		name string
		url  string
	}{
		{"connectionId", "/connect?clientId=c&version=1"},
		{"clientId", "/connect?connectionId=x&version=1"},
		{"version", "/connect?connectionId=x&clientId=c"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseUpgrade(httptest.NewRequest("GET", tc.url, nil))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMissingParam))
			assert.Contains(t, err.Error(), tc.name)
		})
	}
}

func TestParseUpgrade_AuthParamsOptional(t *testing.T) {
	// Custom authorizers may not need signatures, so parsing succeeds
	// without them.
	r := httptest.NewRequest("GET", "/connect?connectionId=x&clientId=c&version=1", nil)
	h, err := ParseUpgrade(r)
	require.NoError(t, err)
	assert.Empty(t, h.Signature)
	assert.Empty(t, h.Timestamp)
}

func TestSignaturePayload(t *testing.T) {
	payload := SignaturePayload("1", "2.0", "conn", "client")
	assert.Equal(t, "1\n2.0\nconn\nclient", string(payload))
}

func TestSign(t *testing.T) {
	secret := []byte("s3cret")
	sig := Sign(secret, "1", "1.0", "conn-1", "client-1")
	assert.Len(t, sig, 64) // hex SHA256

	assert.Equal(t, sig, Sign(secret, "1", "1.0", "conn-1", "client-1"))
	assert.NotEqual(t, sig, Sign(secret, "1", "1.0", "conn-2", "client-1"))
	assert.NotEqual(t, sig, Sign([]byte("other"), "1", "1.0", "conn-1", "client-1"))
}
