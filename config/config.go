// Package config loads and validates the gateway's YAML configuration
// file, spec.md §6. It is grounded on dex's cmd/dex/config.go: YAML is
// translated to JSON and unmarshaled with ghodss/yaml (dex's own choice,
// avoiding gopkg.in/yaml.v2's map[interface{}]interface{} surprises), and
// validation errors are collected into a slice rather than failing fast,
// the same style as dex Config.Validate's {bad, errMsg} check table.
package config

import (
	"fmt"
	"net"
	"os"

	"github.com/ghodss/yaml"
)

// Issuer configures the gateway's own OIDC Provider identity and signing.
type Issuer struct {
	Iss     string `json:"iss"`
	KeyID   string `json:"key_id"`
	KeyFile string `json:"key_file"`
	Aud     struct {
		Default  string `json:"default"`
		Internal string `json:"internal"`
	} `json:"aud"`
	ExpMinutes        int    `json:"exp_minutes"`
	InfluxDBSecretFile string `json:"influxdb_secret_file,omitempty"`
	InfluxDBUsername   string `json:"influxdb_username,omitempty"`
}

// GitHubProvider configures login via GitHub OAuth, mutually exclusive
// with OIDCProvider.
type GitHubProvider struct {
	ClientID         string   `json:"client_id"`
	ClientSecretFile string   `json:"client_secret_file"`
	RedirectURI      string   `json:"redirect_uri"`
	Organization     string   `json:"organization"`
	Teams            []string `json:"teams,omitempty"`
}

// OIDCProvider configures login via an upstream OIDC provider, mutually
// exclusive with GitHubProvider (spec.md §4.5/§6).
type OIDCProvider struct {
	Issuer           string   `json:"issuer"`
	ClientID         string   `json:"client_id"`
	ClientSecretFile string   `json:"client_secret_file"`
	RedirectURI      string   `json:"redirect_uri"`
	ExtraScopes      []string `json:"extra_scopes,omitempty"`
}

// LDAPGroupSearch configures the LDAP adapter's group membership lookup,
// spec.md §4.4/§2's LDAP adapter.
type LDAPGroupSearch struct {
	BaseDN    string `json:"base_dn"`
	Filter    string `json:"filter"`
	UserAttr  string `json:"user_attr"`
	GroupAttr string `json:"group_attr"`
	NameAttr  string `json:"name_attr"`
}

// LDAPUserSearch configures the LDAP adapter's username lookup.
type LDAPUserSearch struct {
	BaseDN   string `json:"base_dn"`
	Filter   string `json:"filter"`
	Username string `json:"username"`
}

// LDAPConfig configures the optional LDAP adapter backing the user-info
// service, spec.md §2/§4.4. A nil LDAPConfig means LDAP is not consulted
// and name/email/groups/uid come entirely from token claims and the
// document store.
type LDAPConfig struct {
	Host          string `json:"host"`
	InsecureNoSSL bool   `json:"insecure_no_ssl,omitempty"`

	BindDNFile string `json:"bind_dn_file,omitempty"`
	BindPWFile string `json:"bind_pw_file,omitempty"`

	UserSearch        LDAPUserSearch  `json:"user_search"`
	GroupSearch       LDAPGroupSearch `json:"group_search"`
	SubToUsernameAttr string          `json:"sub_to_username_attr,omitempty"`

	PoolSize          int `json:"pool_size,omitempty"`
	RequestTimeoutSec int `json:"request_timeout_seconds,omitempty"`
}

// DocumentStoreConfig configures the optional transactional document store
// backing uid/gid allocation, spec.md §4.4.
type DocumentStoreConfig struct {
	DSN string `json:"dsn"`
}

// Config is the gateway's top-level YAML configuration, spec.md §6.
type Config struct {
	Realm    string `json:"realm"`
	LogLevel string `json:"loglevel"`

	SessionSecretFile string   `json:"session_secret_file"`
	RedisURL          string   `json:"redis_url"`
	RedisPasswordFile string   `json:"redis_password_file,omitempty"`
	Proxies           []string `json:"proxies,omitempty"`

	AfterLogoutURL string `json:"after_logout_url"`
	UsernameClaim  string `json:"username_claim"`
	UIDClaim       string `json:"uid_claim"`

	Issuer Issuer `json:"issuer"`

	DatabaseURL string `json:"database_url"`

	InitialAdmins []string `json:"initial_admins"`

	GitHub *GitHubProvider `json:"github,omitempty"`
	OIDC   *OIDCProvider   `json:"oidc,omitempty"`

	OIDCServerSecretsFile string `json:"oidc_server_secrets_file,omitempty"`

	KnownScopes map[string]string   `json:"known_scopes,omitempty"`
	GroupMapping map[string][]string `json:"group_mapping,omitempty"`

	// SessionTokenLifetimeSeconds bounds newly minted session tokens,
	// spec.md §3/§4.2's minimum_lifetime precondition. Defaults to 7 days.
	SessionTokenLifetimeSeconds int `json:"session_token_lifetime_seconds,omitempty"`

	LDAP          *LDAPConfig          `json:"ldap,omitempty"`
	DocumentStore *DocumentStoreConfig `json:"document_store,omitempty"`

	// AlertWebhookURLFile points at a file holding the Slack incoming
	// webhook URL used for login-time exhaustion/LDAP alerts, spec.md
	// §9's Alerter. Empty means alerts are logged but never delivered.
	AlertWebhookURLFile string `json:"alert_webhook_url_file,omitempty"`
}

// ValidationError is one configuration defect, collected rather than
// failing at the first problem found (spec.md §6: "failure cases
// explicitly tested: both providers set, neither set, ...").
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a non-empty slice of ValidationError, itself an
// error so callers can `if err := c.Validate(); err != nil`.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	if len(errs) == 1 {
		return errs[0].Error()
	}
	msg := fmt.Sprintf("%d configuration errors:", len(errs))
	for _, e := range errs {
		msg += "\n  - " + e.Error()
	}
	return msg
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

// Load reads and parses the YAML file at path. It does not validate;
// callers should call Validate separately, matching dex serve.go's
// load-then-validate split.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return &c, nil
}

// Validate checks c against spec.md §6's explicitly named failure cases,
// plus the structural preconditions the rest of the gateway assumes.
// Returns nil if c is valid.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.GitHub != nil && c.OIDC != nil {
		errs = append(errs, ValidationError{"github/oidc", "exactly one of github or oidc must be configured, both are set"})
	}
	if c.GitHub == nil && c.OIDC == nil {
		errs = append(errs, ValidationError{"github/oidc", "exactly one of github or oidc must be configured, neither is set"})
	}

	if len(c.InitialAdmins) == 0 {
		errs = append(errs, ValidationError{"initial_admins", "must not be empty"})
	}

	if c.LogLevel != "" && !validLogLevels[c.LogLevel] {
		errs = append(errs, ValidationError{"loglevel", fmt.Sprintf("unknown loglevel %q", c.LogLevel)})
	}

	for _, cidr := range c.Proxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			errs = append(errs, ValidationError{"proxies", fmt.Sprintf("invalid CIDR %q", cidr)})
		}
	}

	for scope, groups := range c.GroupMapping {
		if _, ok := c.KnownScopes[scope]; !ok && !isBuiltinScope(scope) {
			errs = append(errs, ValidationError{"group_mapping", fmt.Sprintf("scope %q is not a known scope", scope)})
		}
		if len(groups) == 0 {
			errs = append(errs, ValidationError{"group_mapping", fmt.Sprintf("scope %q maps to no groups", scope)})
		}
	}

	if c.Issuer.Iss == "" {
		errs = append(errs, ValidationError{"issuer.iss", "must not be empty"})
	}
	if c.Issuer.KeyFile == "" {
		errs = append(errs, ValidationError{"issuer.key_file", "must not be empty"})
	}

	if c.DatabaseURL == "" {
		errs = append(errs, ValidationError{"database_url", "must not be empty"})
	}
	if c.RedisURL == "" {
		errs = append(errs, ValidationError{"redis_url", "must not be empty"})
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func isBuiltinScope(scope string) bool {
	switch scope {
	case "openid", "profile", "email":
		return true
	default:
		return false
	}
}

// InvertedGroupMapping returns GroupMapping inverted to group → set<scope>,
// spec.md §6's "internally inverted to group → set<scope>" for the
// authorization evaluator's scope-from-group-membership lookups.
func (c *Config) InvertedGroupMapping() map[string]map[string]struct{} {
	inverted := make(map[string]map[string]struct{})
	for scope, groups := range c.GroupMapping {
		for _, group := range groups {
			if inverted[group] == nil {
				inverted[group] = make(map[string]struct{})
			}
			inverted[group][scope] = struct{}{}
		}
	}
	return inverted
}
