package server

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/authgw/authgw/gwerrors"
	"github.com/authgw/authgw/token"
	"github.com/authgw/authgw/tokensvc"
)

// satisfy is the authorization combinator, spec.md §4.2.
type satisfy string

const (
	satisfyAll satisfy = "all"
	satisfyAny satisfy = "any"
)

type authRequest struct {
	scopes           []string
	satisfy          satisfy
	authType         authType
	notebook         bool
	delegateTo       string
	delegateScope    []string
	minimumLifetime  int
	useAuthorization bool
	service          string
	username         string
}

func parseAuthRequest(r *http.Request) (*authRequest, error) {
	q := r.URL.Query()

	var req authRequest
	req.scopes = q["scope"]

	switch strings.ToLower(q.Get("satisfy")) {
	case "", "all":
		req.satisfy = satisfyAll
	case "any":
		req.satisfy = satisfyAny
	default:
		return nil, gwerrors.New(gwerrors.KindInvalidRequest, "satisfy parameter must be any or all")
	}

	at, ok := parseAuthType(q.Get("auth_type"))
	if !ok {
		return nil, gwerrors.New(gwerrors.KindInvalidRequest, "auth_type parameter must be basic or bearer")
	}
	req.authType = at

	req.notebook, _ = strconv.ParseBool(q.Get("notebook"))
	req.delegateTo = q.Get("delegate_to")
	if ds := q.Get("delegate_scope"); ds != "" {
		req.delegateScope = strings.Split(ds, ",")
	}
	req.useAuthorization, _ = strconv.ParseBool(q.Get("use_authorization"))
	req.service = q.Get("service")
	req.username = q.Get("username")

	if ml := q.Get("minimum_lifetime"); ml != "" {
		n, err := strconv.Atoi(ml)
		if err != nil || n < 0 {
			return nil, gwerrors.New(gwerrors.KindInvalidRequest, "minimum_lifetime must be a non-negative integer")
		}
		req.minimumLifetime = n
	}

	return &req, nil
}

// handleAuth is the ingress authorization decision, spec.md §4.2.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	req, err := parseAuthRequest(r)
	if err != nil {
		s.writeEvaluatorError(w, r, req, err)
		return
	}
	if len(req.scopes) == 0 {
		s.writeEvaluatorError(w, r, req, gwerrors.New(gwerrors.KindInvalidRequest, "scope parameter not set in the request"))
		return
	}

	if req.notebook && req.delegateTo != "" {
		s.writeEvaluatorError(w, r, req, gwerrors.New(gwerrors.KindInvalidDelegateTo, "notebook and delegate_to are mutually exclusive"))
		return
	}
	if req.service != "" && req.delegateTo != "" && req.service != req.delegateTo {
		s.writeEvaluatorError(w, r, req, gwerrors.New(gwerrors.KindInvalidService, "service must equal delegate_to when both are set"))
		return
	}
	maxMinLifetime := int(s.sessionLifetime.Seconds()) - int(tokensvc.MinimumLifetimeFloor.Seconds())
	if req.minimumLifetime > maxMinLifetime {
		s.writeEvaluatorError(w, r, req, gwerrors.New(gwerrors.KindInvalidMinimumLifetime, "requested minimum_lifetime exceeds the configured token lifetime"))
		return
	}

	data, err := s.resolveSession(r)
	if err != nil {
		if _, ok := err.(*invalidAuthorizationError); ok {
			writeChallenge(w, r, s.realm, req.authType, gwerrors.KindInvalidRequest, err.Error(), nil)
			return
		}
		s.log.WithField("auth_uri", originalURI(r)).Errorf("auth: failed to resolve session: %v", err)
		noCacheAuthHeaders(w)
		http.Error(w, errMsgInternal, http.StatusInternalServerError)
		return
	}
	if data == nil {
		writeChallenge(w, r, s.realm, req.authType, gwerrors.KindInvalidToken, "Unable to find token", nil)
		return
	}

	if req.minimumLifetime > 0 {
		remaining, ok := data.RemainingLifetime(s.now())
		if !ok || remaining.Seconds() < float64(req.minimumLifetime) {
			writeChallenge(w, r, s.realm, req.authType, gwerrors.KindInvalidToken, "Remaining token lifetime too short", nil)
			return
		}
	}

	required := append([]string(nil), req.scopes...)
	required = append(required, req.delegateScope...)
	if !scopesSatisfied(required, data.Scopes, req.satisfy) {
		writeChallenge(w, r, s.realm, req.authType, gwerrors.KindInsufficientScope, "Token missing required scope", required)
		return
	}

	if req.username != "" && req.username != data.Username {
		writeChallenge(w, r, s.realm, req.authType, gwerrors.KindInsufficientScope, "Token does not belong to the required user", required)
		return
	}

	var delegated *token.Token
	if req.notebook {
		t, err := s.tokens.GetNotebookToken(r.Context(), data, s.clientIP(r), 0)
		if err != nil {
			s.writeEvaluatorError(w, r, req, err)
			return
		}
		delegated = &t
	} else if req.delegateTo != "" {
		t, err := s.tokens.GetInternalToken(r.Context(), data, req.delegateTo, req.delegateScope, s.clientIP(r), 0)
		if err != nil {
			s.writeEvaluatorError(w, r, req, err)
			return
		}
		delegated = &t
	}

	s.writeAuthSuccess(w, r, data, delegated, req)
}

func originalURI(r *http.Request) string {
	if v := r.Header.Get("X-Original-URI"); v != "" {
		return v
	}
	if v := r.Header.Get("X-Original-URL"); v != "" {
		return v
	}
	return "NONE"
}

func scopesSatisfied(required, have []string, s satisfy) bool {
	haveSet := make(map[string]struct{}, len(have))
	for _, h := range have {
		haveSet[h] = struct{}{}
	}
	if s == satisfyAny {
		for _, r := range required {
			if _, ok := haveSet[r]; ok {
				return true
			}
		}
		return len(required) == 0
	}
	for _, r := range required {
		if _, ok := haveSet[r]; !ok {
			return false
		}
	}
	return true
}

func (s *Server) writeAuthSuccess(w http.ResponseWriter, r *http.Request, data *token.Data, delegated *token.Token, req *authRequest) {
	w.Header().Set("X-Auth-Request-User", data.Username)
	if data.Email != "" {
		w.Header().Set("X-Auth-Request-Email", data.Email)
	}
	if data.UID != 0 {
		w.Header().Set("X-Auth-Request-Uid", strconv.FormatInt(data.UID, 10))
	}
	if len(data.Scopes) > 0 {
		scopes := append([]string(nil), data.Scopes...)
		sort.Strings(scopes)
		w.Header().Set("X-Auth-Request-Token-Scopes", strings.Join(scopes, " "))
	}
	if len(data.Groups) > 0 {
		w.Header().Set("X-Auth-Request-Groups", strings.Join(data.Groups, ","))
	}

	if delegated != nil {
		w.Header().Set("X-Auth-Request-Token", delegated.String())
		if req.useAuthorization {
			r.Header.Set("Authorization", "Bearer "+delegated.String())
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// writeEvaluatorError maps a gwerrors.Error raised during §4.2's flow onto
// the right response shape: challenge-bearing for auth/token errors,
// plain JSON for the 422 preconditions per spec.md §7's taxonomy.
func (s *Server) writeEvaluatorError(w http.ResponseWriter, r *http.Request, req *authRequest, err error) {
	gerr, ok := err.(*gwerrors.Error)
	if !ok {
		s.log.Errorf("auth: unexpected error: %v", err)
		noCacheAuthHeaders(w)
		http.Error(w, errMsgInternal, http.StatusInternalServerError)
		return
	}
	at := authTypeBearer
	if req != nil {
		at = req.authType
	}
	switch gerr.Kind {
	case gwerrors.KindInvalidRequest, gwerrors.KindInvalidToken, gwerrors.KindInsufficientScope:
		writeChallenge(w, r, s.realm, at, gerr.Kind, gerr.Description, nil)
	case gwerrors.KindExternalUserInfo, gwerrors.KindLDAPError, gwerrors.KindFirestoreExhausted:
		if gerr.Kind.ShouldAlert() {
			s.alertOnce(string(gerr.Kind), "login-time failure", gerr.Description)
		}
		noCacheAuthHeaders(w)
		writeJSONErrorBody(w, http.StatusInternalServerError, string(gerr.Kind), gerr.Description)
	default:
		writeJSONErrorBody(w, gerr.Kind.Status(), string(gerr.Kind), gerr.Description)
	}
}

// handleAuthAnonymous strips the gateway's own cookies and tokens from the
// request and reflects back sanitized headers, spec.md §6: a downstream
// resource that wants to see the caller's original headers without any
// gateway credential leaking through.
func (s *Server) handleAuthAnonymous(w http.ResponseWriter, r *http.Request) {
	for k := range r.Header {
		if strings.EqualFold(k, "Authorization") || strings.EqualFold(k, "Cookie") {
			continue
		}
		w.Header()[k] = r.Header[k]
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
