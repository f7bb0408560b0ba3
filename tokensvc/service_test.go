package tokensvc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgw/authgw/gwlog"
	"github.com/authgw/authgw/store/kv"
	sqlstore "github.com/authgw/authgw/store/sql"
	"github.com/authgw/authgw/token"
)

func newTestService(t *testing.T, now func() time.Time) (*Service, kv.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvStore := kv.NewFromClient(client)
	sqlStore := sqlstore.NewMemoryStore()
	svc := New(kvStore, sqlStore, gwlog.NewDefault(logrus.ErrorLevel), Options{}, now)
	return svc, kvStore
}

func TestCreateSessionTokenRoundTrips(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	tok, err := svc.CreateSessionToken(ctx, UserInfo{Username: "alice", UID: 1000}, []string{"read:all"}, "10.0.0.1")
	require.NoError(t, err)

	data, err := svc.GetData(ctx, tok)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, "alice", data.Username)
	assert.Equal(t, token.TypeSession, data.TokenType)
	assert.True(t, data.HasScope("read:all"))
}

func TestGetDataRejectsWrongSecret(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	tok, err := svc.CreateSessionToken(ctx, UserInfo{Username: "alice"}, nil, "")
	require.NoError(t, err)

	tampered := tok
	tampered.Secret = "wrong-secret-wrong-secret"
	data, err := svc.GetData(ctx, tampered)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestGetDataRejectsExpiredToken(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	clock := func() time.Time { return current }

	svc, _ := newTestService(t, clock)
	svc.opts.SessionTokenLifetime = time.Minute
	ctx := context.Background()

	tok, err := svc.CreateSessionToken(ctx, UserInfo{Username: "alice"}, nil, "")
	require.NoError(t, err)

	current = base.Add(2 * time.Minute)
	data, err := svc.GetData(ctx, tok)
	require.NoError(t, err)
	assert.Nil(t, data, "expired token must not verify, even though its key-value entry has not yet been evicted")
}

func TestNotebookTokenChildExpiryNeverExceedsParent(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return base }

	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	parentExpires := base.Add(10 * time.Minute)
	parent := &token.Data{Key: "parentkey", Username: "alice", Scopes: []string{"exec:notebook"}, Expires: &parentExpires}

	childTok, err := svc.GetNotebookToken(ctx, parent, "10.0.0.1", 0)
	require.NoError(t, err)

	child, err := svc.GetData(ctx, childTok)
	require.NoError(t, err)
	require.NotNil(t, child)
	assert.True(t, child.Expires.Equal(parentExpires) || child.Expires.Before(parentExpires))
}

func TestInternalTokenDropsScopesParentDoesNotCarry(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	parentExpires := time.Now().Add(time.Hour)
	parent := &token.Data{Key: "parentkey", Username: "alice", Scopes: []string{"read:all"}, Expires: &parentExpires}

	childTok, err := svc.GetInternalToken(ctx, parent, "downstream", []string{"read:all", "write:all"}, "", 0)
	require.NoError(t, err, "requesting a scope the parent lacks is not an error, it is intersected away")

	child, err := svc.GetData(ctx, childTok)
	require.NoError(t, err)
	assert.Equal(t, []string{"read:all"}, child.Scopes)
}

func TestInternalTokenScopesAreSubsetOfParentOnSuccess(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	parentExpires := time.Now().Add(time.Hour)
	parent := &token.Data{Key: "parentkey", Username: "alice", Scopes: []string{"read:all", "write:all"}, Expires: &parentExpires}

	childTok, err := svc.GetInternalToken(ctx, parent, "downstream", []string{"read:all"}, "", 0)
	require.NoError(t, err)

	child, err := svc.GetData(ctx, childTok)
	require.NoError(t, err)
	for _, scope := range child.Scopes {
		assert.True(t, parent.HasScope(scope))
	}
}

func TestNotebookTokenIsReusedNotReminted(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	parentExpires := time.Now().Add(time.Hour)
	parent := &token.Data{Key: "parentkey", Username: "alice", Scopes: []string{"exec:notebook"}, Expires: &parentExpires}

	first, err := svc.GetNotebookToken(ctx, parent, "", 0)
	require.NoError(t, err)
	second, err := svc.GetNotebookToken(ctx, parent, "", 0)
	require.NoError(t, err)

	assert.Equal(t, first, second, "repeated calls for the same parent must return the same derived token")
}

func TestConcurrentNotebookTokenRequestsYieldOneWinner(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	parentExpires := time.Now().Add(time.Hour)
	parent := &token.Data{Key: "parentkey", Username: "alice", Scopes: []string{"exec:notebook"}, Expires: &parentExpires}

	const n = 50
	results := make([]token.Token, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := svc.GetNotebookToken(ctx, parent, "", 0)
			require.NoError(t, err)
			results[i] = tok
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, results[0], results[i], "every concurrent caller must observe the same derived token")
	}

	children, err := svc.sql.ListChildren(ctx, parent.Key)
	require.NoError(t, err)
	assert.Len(t, children, 1, "exactly one notebook token row must have been created")
}

func TestMinimumLifetimeFloorRejectsTooShortParent(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	parentExpires := time.Now().Add(time.Minute)
	parent := &token.Data{Key: "parentkey", Username: "alice", Scopes: []string{"exec:notebook"}, Expires: &parentExpires}

	_, err := svc.GetNotebookToken(ctx, parent, "", 30*time.Minute)
	require.Error(t, err)
}

func TestDeleteRemovesChildren(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	parentTok, err := svc.CreateSessionToken(ctx, UserInfo{Username: "alice"}, []string{"exec:notebook"}, "")
	require.NoError(t, err)
	parent, err := svc.GetData(ctx, parentTok)
	require.NoError(t, err)

	childTok, err := svc.GetNotebookToken(ctx, parent, "", 0)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, parentTok.Key, "alice", ""))

	gotParent, err := svc.GetData(ctx, parentTok)
	require.NoError(t, err)
	assert.Nil(t, gotParent)

	gotChild, err := svc.GetData(ctx, childTok)
	require.NoError(t, err)
	assert.Nil(t, gotChild)
}

func TestAuditFindsOrphanedRelationalRow(t *testing.T) {
	svc, kvStore := newTestService(t, nil)
	ctx := context.Background()

	tok, err := svc.CreateSessionToken(ctx, UserInfo{Username: "alice"}, nil, "")
	require.NoError(t, err)

	require.NoError(t, kvStore.Delete(ctx, kvKey(tok.Key)))

	report, err := svc.Audit(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphanedRows)
	assert.Equal(t, 0, report.Fixed)

	report, err = svc.Audit(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fixed)

	_, err = svc.sql.GetTokenInfo(ctx, tok.Key)
	assert.ErrorIs(t, err, sqlstore.ErrNotFound)
}

func TestExpireTokensRemovesExpiredRows(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	clock := func() time.Time { return current }

	svc, _ := newTestService(t, clock)
	svc.opts.SessionTokenLifetime = time.Minute
	ctx := context.Background()

	_, err := svc.CreateSessionToken(ctx, UserInfo{Username: "alice"}, nil, "")
	require.NoError(t, err)

	current = base.Add(2 * time.Minute)
	n, err := svc.ExpireTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestModifyUpdatesScopesInCache(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	tok, err := svc.CreateSessionToken(ctx, UserInfo{Username: "alice"}, []string{"read:all"}, "")
	require.NoError(t, err)

	err = svc.Modify(ctx, tok.Key, Modification{Scopes: []string{"read:all", "exec:notebook"}}, "admin", "")
	require.NoError(t, err)

	data, err := svc.GetData(ctx, tok)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.True(t, data.HasScope("exec:notebook"))
}

func TestConcurrentGetDataIsSafe(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	tok, err := svc.CreateSessionToken(ctx, UserInfo{Username: "alice"}, nil, "")
	require.NoError(t, err)

	var hits int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := svc.GetData(ctx, tok)
			require.NoError(t, err)
			if data != nil {
				atomic.AddInt64(&hits, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 20, hits)
}
