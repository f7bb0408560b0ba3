package server

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"sort"

	"github.com/authgw/authgw/cookie"
	"github.com/authgw/authgw/token"
	"github.com/authgw/authgw/tokensvc"
	"github.com/authgw/authgw/userinfo"
)

const returnURLParam = "rd"

// handleLogin starts the upstream login round trip, spec.md §4.5/§6: mint
// a CSRF value, stash it plus the caller's return URL in the state cookie,
// and redirect to whichever upstream is configured.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	csrf, err := randomState()
	if err != nil {
		s.log.Errorf("login: failed to generate CSRF state: %v", err)
		http.Error(w, errMsgInternal, http.StatusInternalServerError)
		return
	}

	returnURL := r.URL.Query().Get(returnURLParam)
	if returnURL == "" {
		returnURL = r.Header.Get("X-Auth-Request-Redirect")
	}

	state := &cookie.State{CSRF: csrf, ReturnURL: returnURL, LoginStart: s.now().Unix()}

	var loginURL string
	switch {
	case s.upstreamGitHub != nil:
		githubState, err := randomState()
		if err != nil {
			s.log.Errorf("login: failed to generate GitHub state: %v", err)
			http.Error(w, errMsgInternal, http.StatusInternalServerError)
			return
		}
		state.GitHubState = githubState
		loginURL = s.upstreamGitHub.LoginURL(githubState)
	case s.upstreamRP != nil:
		loginURL = s.upstreamRP.LoginURL(csrf)
	default:
		s.log.Errorf("login: no upstream provider configured")
		http.Error(w, errMsgInternal, http.StatusInternalServerError)
		return
	}

	s.setStateCookie(w, state)
	http.Redirect(w, r, loginURL, http.StatusFound)
}

// handleLoginCallback redeems the upstream code, resolves the caller's
// identity, mints a session token, and redirects back to the original
// return URL with the session cookie set, spec.md §4.4/§4.5.
func (s *Server) handleLoginCallback(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		http.Error(w, errMsgLoginFailure, http.StatusBadRequest)
		return
	}
	state, err := s.cookies.Decode(c.Value)
	if err != nil {
		http.Error(w, errMsgLoginFailure, http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	if errType := q.Get("error"); errType != "" {
		s.log.WithField("upstream_error", errType).Warnf("login: upstream reported an error: %s", q.Get("error_description"))
		http.Error(w, errMsgLoginFailure, http.StatusBadGateway)
		return
	}

	var claims userinfo.Claims
	switch {
	case s.upstreamGitHub != nil:
		if q.Get("state") != state.GitHubState {
			http.Error(w, errMsgLoginFailure, http.StatusBadRequest)
			return
		}
		claims, err = s.upstreamGitHub.HandleCallback(r.Context(), q.Get("code"))
	case s.upstreamRP != nil:
		if q.Get("state") != state.CSRF {
			http.Error(w, errMsgLoginFailure, http.StatusBadRequest)
			return
		}
		result, cerr := s.upstreamRP.HandleCallback(r.Context(), q.Get("code"))
		err = cerr
		if err == nil {
			claims = result.Claims
		}
	default:
		http.Error(w, errMsgInternal, http.StatusInternalServerError)
		return
	}
	if err != nil {
		s.log.Errorf("login: upstream callback failed: %v", err)
		http.Error(w, errMsgLoginFailure, http.StatusBadGateway)
		return
	}

	info, err := s.userinfo.Resolve(r.Context(), claims)
	if err != nil {
		s.log.Errorf("login: failed to resolve identity: %v", err)
		noCacheAuthHeaders(w)
		http.Error(w, errMsgLDAPOutage, http.StatusInternalServerError)
		return
	}

	tok, err := s.tokens.CreateSessionToken(r.Context(), tokensvc.UserInfo{
		Username: info.Username,
		Name:     info.Name,
		Email:    info.Email,
		UID:      info.UID,
		GID:      info.GID,
		Groups:   info.Groups,
	}, scopesForGroups(s.groupScopes, info.Groups), s.clientIP(r))
	if err != nil {
		s.log.Errorf("login: failed to mint session token: %v", err)
		http.Error(w, errMsgInternal, http.StatusInternalServerError)
		return
	}

	returnURL := state.ReturnURL
	if returnURL == "" {
		returnURL = "/"
	}
	s.setStateCookie(w, &cookie.State{CSRF: state.CSRF, Token: tok.String(), LoginStart: state.LoginStart})
	http.Redirect(w, r, returnURL, http.StatusFound)
}

// handleLogout clears the session cookie and revokes the underlying
// session token, spec.md §6.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(CookieName); err == nil {
		if state, err := s.cookies.Decode(c.Value); err == nil && state.Token != "" {
			if tok, perr := token.Parse(state.Token); perr == nil {
				if derr := s.tokens.Delete(r.Context(), tok.Key, "self", s.clientIP(r)); derr != nil {
					s.log.Errorf("logout: failed to revoke session token: %v", derr)
				}
			}
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	target := s.afterLogoutURL
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleOIDCLogin resolves the caller's session before delegating to the
// gateway's own OIDC Provider.Login, which takes an explicit session
// rather than resolving cookies itself.
func (s *Server) handleOIDCLogin(w http.ResponseWriter, r *http.Request) {
	data, err := s.resolveSession(r)
	if err != nil {
		data = nil
	}
	s.oidc.Login(w, r, data)
}

func (s *Server) setStateCookie(w http.ResponseWriter, state *cookie.State) {
	value, err := s.cookies.Encode(state)
	if err != nil {
		s.log.Errorf("login: failed to encode state cookie: %v", err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func randomState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// scopesForGroups unions the scopes spec.md §6's group_mapping grants for
// every group the user belongs to.
func scopesForGroups(inverted map[string]map[string]struct{}, groups []string) []string {
	set := make(map[string]struct{})
	for _, g := range groups {
		for scope := range inverted[g] {
			set[scope] = struct{}{}
		}
	}
	scopes := make([]string, 0, len(set))
	for scope := range set {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes
}
