package sql

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDerivedIfAbsentDedups(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	identity := "parent1/notebook"
	info := TokenInfo{TokenKey: "k1", Username: "alice", TokenType: "notebook", Created: time.Now(), IdentityKey: &identity}

	created, row, err := store.CreateDerivedIfAbsent(ctx, info)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "k1", row.TokenKey)

	info2 := info
	info2.TokenKey = "k2"
	created2, row2, err := store.CreateDerivedIfAbsent(ctx, info2)
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, "k1", row2.TokenKey, "second caller observes the first caller's token")
}

func TestCreateDerivedIfAbsentConcurrentRaceYieldsOneWinner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	identity := "parent2/internal/svcA/scopeX"

	var wg sync.WaitGroup
	results := make([]TokenInfo, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info := TokenInfo{
				TokenKey:    keyFor(i),
				Username:    "bob",
				TokenType:   "internal",
				Created:     time.Now(),
				IdentityKey: &identity,
			}
			_, row, err := store.CreateDerivedIfAbsent(ctx, info)
			require.NoError(t, err)
			results[i] = row
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0].TokenKey, r.TokenKey)
	}
}

func keyFor(i int) string {
	return string(rune('a' + i))
}

func TestDeleteTokenInfoRemovesIdentityIndex(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	identity := "p/notebook"
	info := TokenInfo{TokenKey: "k1", Username: "alice", IdentityKey: &identity, Created: time.Now()}

	_, _, err := store.CreateDerivedIfAbsent(ctx, info)
	require.NoError(t, err)

	require.NoError(t, store.DeleteTokenInfo(ctx, "k1"))

	_, err = store.FindByIdentity(ctx, identity)
	assert.ErrorIs(t, err, ErrNotFound)

	created, row, err := store.CreateDerivedIfAbsent(ctx, info)
	require.NoError(t, err)
	assert.True(t, created, "identity should be free to reuse once the row is deleted")
	assert.Equal(t, "k1", row.TokenKey)
}

func TestExpireTokensRemovesOnlyExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	require.NoError(t, store.CreateTokenInfo(ctx, TokenInfo{TokenKey: "expired", Expires: &past, Created: now}))
	require.NoError(t, store.CreateTokenInfo(ctx, TokenInfo{TokenKey: "live", Expires: &future, Created: now}))

	removed, err := store.ExpireTokens(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	_, err = store.GetTokenInfo(ctx, "expired")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetTokenInfo(ctx, "live")
	assert.NoError(t, err)
}

func TestBootstrapAdminsOnlyOnFirstRun(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.BootstrapAdmins(ctx, []string{"alice", "bob"}))
	require.NoError(t, store.BootstrapAdmins(ctx, []string{"carol"}))

	admins, err := store.ListAdmins(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, admins)
}
