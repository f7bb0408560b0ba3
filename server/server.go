// Package server assembles the gateway's HTTP surface, spec.md §6: the
// /auth authorization evaluator, the login/logout RP flow, the gateway's
// own OIDC Provider, and token management routes. It is grounded on dex's
// server.go/http.go: a gorilla/mux router wrapped in Prometheus
// instrumentation per handler name, matching dex's own
// promhttp.InstrumentHandler* wiring.
package server

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/authgw/authgw/alert"
	"github.com/authgw/authgw/cookie"
	"github.com/authgw/authgw/gwlog"
	"github.com/authgw/authgw/oidcprovider"
	"github.com/authgw/authgw/rp"
	"github.com/authgw/authgw/tokensvc"
	"github.com/authgw/authgw/trustedproxy"
	"github.com/authgw/authgw/userinfo"
)

// Config configures a Server.
type Config struct {
	Realm           string
	AfterLogoutURL  string
	SessionLifetime time.Duration

	Tokens   *tokensvc.Service
	UserInfo *userinfo.Service
	OIDC     *oidcprovider.Provider

	// UpstreamRP is the OIDC relying party used for login when the
	// gateway is configured with an `oidc` upstream. Exactly one of
	// UpstreamRP/UpstreamGitHub is set.
	UpstreamRP     *rp.Provider
	UpstreamGitHub *githubRP

	Cookies *cookie.Codec
	Proxies *trustedproxy.List

	// GroupScopes is config.Config.InvertedGroupMapping's output, spec.md
	// §6: the group→scope grants applied to newly minted session tokens.
	GroupScopes map[string]map[string]struct{}

	Log     gwlog.Logger
	Alerter alert.Alerter

	Registry *prometheus.Registry
	Now      func() time.Time
}

// Server holds the gateway's wired dependencies and builds the routed
// http.Handler.
type Server struct {
	realm           string
	afterLogoutURL  string
	sessionLifetime time.Duration

	tokens   *tokensvc.Service
	userinfo *userinfo.Service
	oidc     *oidcprovider.Provider

	upstreamRP     *rp.Provider
	upstreamGitHub *githubRP

	cookies *cookie.Codec
	proxies *trustedproxy.List

	groupScopes map[string]map[string]struct{}

	log   gwlog.Logger
	alert *alert.OnceAlerter

	now func() time.Time

	instrument func(handlerName string, h http.HandlerFunc) http.HandlerFunc
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	var alerter alert.Alerter = cfg.Alerter
	if alerter == nil {
		alerter = noopAlerter{}
	}

	s := &Server{
		realm:           cfg.Realm,
		afterLogoutURL:  cfg.AfterLogoutURL,
		sessionLifetime: cfg.SessionLifetime,
		tokens:          cfg.Tokens,
		userinfo:        cfg.UserInfo,
		oidc:            cfg.OIDC,
		upstreamRP:      cfg.UpstreamRP,
		upstreamGitHub:  cfg.UpstreamGitHub,
		cookies:         cfg.Cookies,
		proxies:         cfg.Proxies,
		groupScopes:     cfg.GroupScopes,
		log:             cfg.Log,
		alert:           alert.NewOnceAlerter(alerter),
		now:             now,
	}
	s.instrument = s.buildInstrumentation(cfg.Registry)
	return s
}

type noopAlerter struct{}

func (noopAlerter) Alert(title, body string) error { return nil }

func (s *Server) alertOnce(key, title, body string) {
	if err := s.alert.AlertOnce(key, title, body); err != nil {
		s.log.Errorf("alert: failed to notify %q: %v", key, err)
	}
}

func (s *Server) clientIP(r *http.Request) string {
	if s.proxies == nil {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
	return s.proxies.ClientIP(r)
}

// Handler builds the routed http.Handler, spec.md §6's HTTP surface table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter().SkipClean(true)

	handle := func(path, method, name string, h http.HandlerFunc) {
		r.HandleFunc(path, s.instrument(name, h)).Methods(method)
	}

	handle("/auth", http.MethodGet, "auth", s.handleAuth)
	handle("/auth/anonymous", http.MethodGet, "auth_anonymous", s.handleAuthAnonymous)

	handle("/login", http.MethodGet, "login", s.handleLogin)
	handle("/login/callback", http.MethodGet, "login_callback", s.handleLoginCallback)
	handle("/logout", http.MethodGet, "logout", s.handleLogout)

	if s.oidc != nil {
		handle("/auth/openid/login", http.MethodGet, "oidc_login", s.handleOIDCLogin)
		handle("/auth/openid/token", http.MethodPost, "oidc_token", s.oidc.Token)
		handle("/auth/openid/userinfo", http.MethodGet, "oidc_userinfo", s.oidc.UserInfo)
		handle("/.well-known/openid-configuration", http.MethodGet, "oidc_discovery", s.oidc.Discovery)
		handle("/.well-known/jwks.json", http.MethodGet, "oidc_jwks", s.oidc.JWKS)
	}

	s.registerTokenRoutes(r)

	return r
}

// buildInstrumentation wraps each handler with per-handler Prometheus
// counters/histograms, grounded on dex server.go's PrometheusRegistry
// wiring (promhttp.InstrumentHandlerDuration/Counter/ResponseSize). A nil
// registry (tests) skips instrumentation entirely.
func (s *Server) buildInstrumentation(reg *prometheus.Registry) func(string, http.HandlerFunc) http.HandlerFunc {
	if reg == nil {
		return func(_ string, h http.HandlerFunc) http.HandlerFunc { return h }
	}

	requestCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authgw_http_requests_total",
		Help: "Count of all HTTP requests.",
	}, []string{"code", "method", "handler"})
	durationHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "authgw_request_duration_seconds",
		Help:    "A histogram of latencies for requests.",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"code", "method", "handler"})
	sizeHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "authgw_response_size_bytes",
		Help:    "A histogram of response sizes for requests.",
		Buckets: []float64{200, 500, 900, 1500, 5000},
	}, []string{"code", "method", "handler"})
	reg.MustRegister(requestCounter, durationHist, sizeHist)

	return func(handlerName string, h http.HandlerFunc) http.HandlerFunc {
		var handler http.Handler = h
		handler = promhttp.InstrumentHandlerResponseSize(sizeHist.MustCurryWith(prometheus.Labels{"handler": handlerName}), handler)
		handler = promhttp.InstrumentHandlerCounter(requestCounter.MustCurryWith(prometheus.Labels{"handler": handlerName}), handler)
		handler = promhttp.InstrumentHandlerDuration(durationHist.MustCurryWith(prometheus.Labels{"handler": handlerName}), handler)
		return handler.ServeHTTP
	}
}
