package server

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/authgw/authgw/cookie"
	"github.com/authgw/authgw/gwlog"
	"github.com/authgw/authgw/store/kv"
	sqlstore "github.com/authgw/authgw/store/sql"
	"github.com/authgw/authgw/tokensvc"
	"github.com/authgw/authgw/trustedproxy"
)

// newTestServer builds a Server over an in-memory SQL store and a miniredis
// key-value store, mirroring tokensvc's own newTestService test harness.
func newTestServer(t *testing.T, now func() time.Time) *Server {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	kvStore := kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	tokens := tokensvc.New(kvStore, sqlstore.NewMemoryStore(), gwlog.NewDefault(logrus.ErrorLevel), tokensvc.Options{
		SessionTokenLifetime: time.Hour,
	}, now)

	codec, err := cookie.NewCodec(make([]byte, 32))
	require.NoError(t, err)

	proxies, err := trustedproxy.New(nil)
	require.NoError(t, err)

	return New(Config{
		Realm:           "test",
		SessionLifetime: time.Hour,
		Tokens:          tokens,
		Cookies:         codec,
		Proxies:         proxies,
		Log:             gwlog.NewDefault(logrus.ErrorLevel),
		Now:             now,
	})
}

func TestHandlerMountsAuthRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()
	require.NotNil(t, h)
}
