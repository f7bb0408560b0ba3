package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgw/authgw/cookie"
)

func TestHandleLoginWithNoUpstreamConfiguredIsInternalError(t *testing.T) {
	s := newTestServer(t, nil)
	r := httptest.NewRequest(http.MethodGet, "/login", nil)
	w := httptest.NewRecorder()

	s.handleLogin(w, r)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleLoginRedirectsToGitHubAndSetsStateCookie(t *testing.T) {
	s := newTestServer(t, nil)
	s.upstreamGitHub = NewGitHubRP(GitHubConfig{
		ClientID:    "client-id",
		RedirectURI: "https://gateway.example.com/login/callback",
	})

	r := httptest.NewRequest(http.MethodGet, "/login?rd=/destination", nil)
	w := httptest.NewRecorder()

	s.handleLogin(w, r)

	require.Equal(t, http.StatusFound, w.Code)
	location := w.Header().Get("Location")
	assert.Contains(t, location, "github.com")

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, CookieName, cookies[0].Name)

	state, err := s.cookies.Decode(cookies[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "/destination", state.ReturnURL)
	assert.NotEmpty(t, state.GitHubState)
}

func TestHandleLoginCallbackRejectsMissingStateCookie(t *testing.T) {
	s := newTestServer(t, nil)
	r := httptest.NewRequest(http.MethodGet, "/login/callback", nil)
	w := httptest.NewRecorder()

	s.handleLoginCallback(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleLoginCallbackRejectsUpstreamError(t *testing.T) {
	s := newTestServer(t, nil)
	s.upstreamGitHub = NewGitHubRP(GitHubConfig{ClientID: "x", RedirectURI: "https://example.com/cb"})

	value, err := s.cookies.Encode(&cookie.State{CSRF: "csrf", GitHubState: "ghstate"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/login/callback?error=access_denied", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: value})
	w := httptest.NewRecorder()

	s.handleLoginCallback(w, r)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHandleLoginCallbackRejectsMismatchedGitHubState(t *testing.T) {
	s := newTestServer(t, nil)
	s.upstreamGitHub = NewGitHubRP(GitHubConfig{ClientID: "x", RedirectURI: "https://example.com/cb"})

	value, err := s.cookies.Encode(&cookie.State{CSRF: "csrf", GitHubState: "expected"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/login/callback?state=wrong&code=abc", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: value})
	w := httptest.NewRecorder()

	s.handleLoginCallback(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleLogoutClearsCookieAndRedirects(t *testing.T) {
	s := newTestServer(t, nil)
	s.afterLogoutURL = "https://example.com/bye"

	r := httptest.NewRequest(http.MethodGet, "/logout", nil)
	w := httptest.NewRecorder()

	s.handleLogout(w, r)

	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://example.com/bye", w.Header().Get("Location"))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
}

func TestHandleLogoutRevokesSessionToken(t *testing.T) {
	s := newTestServer(t, nil)
	raw := mintTestToken(t, s, "alice", nil)
	value, err := s.cookies.Encode(&cookie.State{CSRF: "csrf", Token: raw})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/logout", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: value})
	w := httptest.NewRecorder()

	s.handleLogout(w, r)

	require.Equal(t, http.StatusFound, w.Code)

	check := httptest.NewRequest(http.MethodGet, "/auth", nil)
	check.Header.Set("Authorization", "Bearer "+raw)
	data, err := s.resolveSession(check)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestScopesForGroupsUnionsAcrossGroups(t *testing.T) {
	inverted := map[string]map[string]struct{}{
		"team-a": {"read:all": {}},
		"team-b": {"write:all": {}, "read:all": {}},
	}
	scopes := scopesForGroups(inverted, []string{"team-a", "team-b"})
	assert.Equal(t, []string{"read:all", "write:all"}, scopes)
}

func TestScopesForGroupsEmptyWhenNoMatchingGroup(t *testing.T) {
	inverted := map[string]map[string]struct{}{"team-a": {"read:all": {}}}
	scopes := scopesForGroups(inverted, []string{"team-z"})
	assert.Empty(t, scopes)
}
