package trustedproxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func req(remoteAddr, xff string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/auth", nil)
	r.RemoteAddr = remoteAddr
	if xff != "" {
		r.Header.Set("X-Forwarded-For", xff)
	}
	return r
}

func TestNoProxiesConfiguredUsesPeer(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)
	got := l.ClientIP(req("10.0.0.5:1234", "203.0.113.9"))
	assert.Equal(t, "10.0.0.5", got)
}

func TestTrimsTrustedProxyChain(t *testing.T) {
	l, err := New([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	got := l.ClientIP(req("10.0.0.1:1234", "203.0.113.9, 10.0.0.2, 10.0.0.3"))
	assert.Equal(t, "203.0.113.9", got)
}

func TestStopsAtFirstNonMatchingEntry(t *testing.T) {
	l, err := New([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	got := l.ClientIP(req("10.0.0.1:1234", "203.0.113.9, 198.51.100.1, 10.0.0.3"))
	assert.Equal(t, "198.51.100.1", got)
}

func TestSingleEntryRemainsEvenIfTrusted(t *testing.T) {
	l, err := New([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	got := l.ClientIP(req("10.0.0.1:1234", "10.0.0.9"))
	assert.Equal(t, "10.0.0.9", got)
}
