package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/authgw/authgw/gwerrors"
	"github.com/authgw/authgw/tokensvc"
)

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// registerTokenRoutes mounts the /auth/tokens/* management surface, spec.md
// §6. Grounded on dex's server/client_resource.go JSON CRUD idiom
// (method-switch ServeHTTP, encoding/json decode/encode, writeAPIError-style
// helpers), adapted onto gorilla/mux path variables instead of a bare
// http.ServeMux.
func (s *Server) registerTokenRoutes(r *mux.Router) {
	instrumented := func(name string, h http.HandlerFunc) http.HandlerFunc { return s.instrument(name, h) }

	r.HandleFunc("/auth/tokens", instrumented("tokens_list", s.handleTokensList)).Methods(http.MethodGet)
	r.HandleFunc("/auth/tokens", instrumented("tokens_mint", s.handleTokenMint)).Methods(http.MethodPost)
	r.HandleFunc("/auth/tokens/{key}", instrumented("tokens_get", s.handleTokenGet)).Methods(http.MethodGet)
	r.HandleFunc("/auth/tokens/{key}", instrumented("tokens_modify", s.handleTokenModify)).Methods(http.MethodPatch)
	r.HandleFunc("/auth/tokens/{key}", instrumented("tokens_delete", s.handleTokenDelete)).Methods(http.MethodDelete)
}

// authenticatedCaller resolves the session token required to use the
// token-management surface, writing the appropriate response and
// returning ok=false if none is present or usable.
func (s *Server) authenticatedCaller(w http.ResponseWriter, r *http.Request) (username string, admin bool, ok bool) {
	data, err := s.resolveSession(r)
	if err != nil || data == nil {
		writeJSONErrorBody(w, http.StatusUnauthorized, string(gwerrors.KindInvalidToken), "authentication required")
		return "", false, false
	}
	isAdmin, err := s.tokens.IsAdmin(r.Context(), data.Username)
	if err != nil {
		s.log.Errorf("tokens: failed to check admin status: %v", err)
		writeJSONErrorBody(w, http.StatusInternalServerError, string(gwerrors.KindServerError), errMsgInternal)
		return "", false, false
	}
	return data.Username, isAdmin, true
}

// ownsOrAdmin reports whether the caller may act on a row belonging to
// owner: either the caller is owner, or the caller is an administrator.
func ownsOrAdmin(caller string, admin bool, owner string) bool {
	return admin || caller == owner
}

func (s *Server) handleTokensList(w http.ResponseWriter, r *http.Request) {
	caller, admin, ok := s.authenticatedCaller(w, r)
	if !ok {
		return
	}
	username := caller
	if admin {
		if q := r.URL.Query().Get("username"); q != "" {
			username = q
		}
	}
	rows, err := s.tokens.List(r.Context(), username)
	if err != nil {
		s.log.Errorf("tokens: failed to list tokens: %v", err)
		writeJSONErrorBody(w, http.StatusInternalServerError, string(gwerrors.KindServerError), errMsgInternal)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleTokenGet(w http.ResponseWriter, r *http.Request) {
	caller, admin, ok := s.authenticatedCaller(w, r)
	if !ok {
		return
	}
	key := mux.Vars(r)["key"]
	info, err := s.tokens.GetInfo(r.Context(), key)
	if err != nil {
		s.log.Errorf("tokens: failed to look up token: %v", err)
		writeJSONErrorBody(w, http.StatusInternalServerError, string(gwerrors.KindServerError), errMsgInternal)
		return
	}
	if info == nil || !ownsOrAdmin(caller, admin, info.Username) {
		writeJSONErrorBody(w, http.StatusNotFound, string(gwerrors.KindInvalidRequest), "token not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type tokenModifyRequest struct {
	Name    *string   `json:"token_name"`
	Scopes  *[]string `json:"scopes"`
	Expires *string   `json:"expires"`
}

func (s *Server) handleTokenModify(w http.ResponseWriter, r *http.Request) {
	caller, admin, ok := s.authenticatedCaller(w, r)
	if !ok {
		return
	}
	key := mux.Vars(r)["key"]
	info, err := s.tokens.GetInfo(r.Context(), key)
	if err != nil {
		s.log.Errorf("tokens: failed to look up token: %v", err)
		writeJSONErrorBody(w, http.StatusInternalServerError, string(gwerrors.KindServerError), errMsgInternal)
		return
	}
	if info == nil || !ownsOrAdmin(caller, admin, info.Username) {
		writeJSONErrorBody(w, http.StatusNotFound, string(gwerrors.KindInvalidRequest), "token not found")
		return
	}

	var req tokenModifyRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONErrorBody(w, http.StatusBadRequest, string(gwerrors.KindInvalidRequest), "malformed request body")
			return
		}
	}

	mod := tokensvc.Modification{}
	if req.Name != nil {
		mod.Name = req.Name
	}
	if req.Scopes != nil {
		mod.Scopes = *req.Scopes
	}
	if req.Expires != nil {
		mod.ExpiresSet = true
		if *req.Expires != "" {
			t, perr := parseRFC3339(*req.Expires)
			if perr != nil {
				writeJSONErrorBody(w, http.StatusBadRequest, string(gwerrors.KindInvalidRequest), "expires must be RFC3339")
				return
			}
			mod.Expires = &t
		}
	}

	if err := s.tokens.Modify(r.Context(), key, mod, caller, s.clientIP(r)); err != nil {
		s.log.Errorf("tokens: failed to modify token: %v", err)
		writeJSONErrorBody(w, http.StatusInternalServerError, string(gwerrors.KindServerError), errMsgInternal)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTokenDelete(w http.ResponseWriter, r *http.Request) {
	caller, admin, ok := s.authenticatedCaller(w, r)
	if !ok {
		return
	}
	key := mux.Vars(r)["key"]
	info, err := s.tokens.GetInfo(r.Context(), key)
	if err != nil {
		s.log.Errorf("tokens: failed to look up token: %v", err)
		writeJSONErrorBody(w, http.StatusInternalServerError, string(gwerrors.KindServerError), errMsgInternal)
		return
	}
	if info == nil || !ownsOrAdmin(caller, admin, info.Username) {
		writeJSONErrorBody(w, http.StatusNotFound, string(gwerrors.KindInvalidRequest), "token not found")
		return
	}
	if err := s.tokens.Delete(r.Context(), key, caller, s.clientIP(r)); err != nil {
		s.log.Errorf("tokens: failed to delete token: %v", err)
		writeJSONErrorBody(w, http.StatusInternalServerError, string(gwerrors.KindServerError), errMsgInternal)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type tokenMintRequest struct {
	Username string   `json:"username"`
	Service  string   `json:"service"`
	Scopes   []string `json:"scopes"`
	Expires  *string  `json:"expires"`
}

// handleTokenMint mints a standalone service token, spec.md §9's CRD
// controller surface exposed here for admin-driven minting as well.
// Admin-only: anyone else gets 403.
func (s *Server) handleTokenMint(w http.ResponseWriter, r *http.Request) {
	_, admin, ok := s.authenticatedCaller(w, r)
	if !ok {
		return
	}
	if !admin {
		writeJSONErrorBody(w, http.StatusForbidden, string(gwerrors.KindInsufficientScope), "administrator privileges required")
		return
	}

	var req tokenMintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONErrorBody(w, http.StatusBadRequest, string(gwerrors.KindInvalidRequest), "malformed request body")
		return
	}
	if req.Username == "" {
		writeJSONErrorBody(w, http.StatusBadRequest, string(gwerrors.KindInvalidRequest), "username is required")
		return
	}

	mintReq := tokensvc.MintTokenRequest{Username: req.Username, Service: req.Service, Scopes: req.Scopes}
	if req.Expires != nil && *req.Expires != "" {
		t, perr := parseRFC3339(*req.Expires)
		if perr != nil {
			writeJSONErrorBody(w, http.StatusBadRequest, string(gwerrors.KindInvalidRequest), "expires must be RFC3339")
			return
		}
		mintReq.Expires = &t
	}

	tok, err := s.tokens.MintToken(r.Context(), mintReq)
	if err != nil {
		s.log.Errorf("tokens: failed to mint token: %v", err)
		writeJSONErrorBody(w, http.StatusInternalServerError, string(gwerrors.KindServerError), errMsgInternal)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": tok.String()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
