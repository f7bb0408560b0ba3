package alert

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlackWebhookPostsMessage(t *testing.T) {
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := NewSlackWebhook(server.URL)
	err := s.Alert("uid exhaustion", "namespace users is out of uids")
	require.NoError(t, err)
	assert.Contains(t, gotBody, "uid exhaustion")
	assert.Contains(t, gotBody, "namespace users is out of uids")
}

func TestSlackWebhookErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	s := NewSlackWebhook(server.URL)
	err := s.Alert("title", "body")
	assert.Error(t, err)
}

type countingAlerter struct {
	mu    sync.Mutex
	calls int
}

func (c *countingAlerter) Alert(title, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func TestOnceAlerterFiresOncePerKey(t *testing.T) {
	inner := &countingAlerter{}
	once := NewOnceAlerter(inner)

	require.NoError(t, once.AlertOnce("uid:users", "t", "b"))
	require.NoError(t, once.AlertOnce("uid:users", "t", "b"))
	require.NoError(t, once.AlertOnce("uid:groups", "t", "b"))

	inner.mu.Lock()
	defer inner.mu.Unlock()
	assert.Equal(t, 2, inner.calls)
}

func TestOnceAlerterConcurrentSameKeyFiresOnce(t *testing.T) {
	inner := &countingAlerter{}
	once := NewOnceAlerter(inner)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = once.AlertOnce("uid:users", "t", "b")
		}()
	}
	wg.Wait()

	inner.mu.Lock()
	defer inner.mu.Unlock()
	assert.Equal(t, 1, inner.calls)
}
