package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const baseValidConfig = `
realm: example
loglevel: info
session_secret_file: /etc/authgw/session-secret
redis_url: redis://localhost:6379/0
after_logout_url: https://example.com/
username_claim: username
uid_claim: uid
database_url: postgres://localhost/authgw
initial_admins:
  - alice
issuer:
  iss: https://gw.example.com
  key_id: test
  key_file: /etc/authgw/signing.pem
  aud:
    default: https://gw.example.com
    internal: https://gw.example.com/internal
github:
  client_id: abc
  client_secret_file: /etc/authgw/github-secret
  organization: example-org
`

func TestLoadAndValidateValidConfig(t *testing.T) {
	path := writeConfig(t, baseValidConfig)
	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, "example", c.Realm)
	assert.Equal(t, []string{"alice"}, c.InitialAdmins)
}

func TestValidateBothProvidersSet(t *testing.T) {
	path := writeConfig(t, baseValidConfig+"\noidc:\n  issuer: https://upstream.example.com\n  client_id: x\n  client_secret_file: /etc/authgw/oidc-secret\n  redirect_uri: https://gw.example.com/callback\n")
	c, err := Load(path)
	require.NoError(t, err)
	err = c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both are set")
}

func TestValidateNeitherProviderSet(t *testing.T) {
	body := `
realm: example
session_secret_file: /etc/authgw/session-secret
redis_url: redis://localhost:6379/0
database_url: postgres://localhost/authgw
initial_admins:
  - alice
issuer:
  iss: https://gw.example.com
  key_file: /etc/authgw/signing.pem
`
	path := writeConfig(t, body)
	c, err := Load(path)
	require.NoError(t, err)
	err = c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither is set")
}

func TestValidateEmptyInitialAdmins(t *testing.T) {
	body := `
realm: example
session_secret_file: /etc/authgw/session-secret
redis_url: redis://localhost:6379/0
database_url: postgres://localhost/authgw
issuer:
  iss: https://gw.example.com
  key_file: /etc/authgw/signing.pem
github:
  client_id: abc
  client_secret_file: /etc/authgw/github-secret
  organization: example-org
`
	path := writeConfig(t, body)
	c, err := Load(path)
	require.NoError(t, err)
	err = c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial_admins")
}

func TestValidateUnknownLogLevel(t *testing.T) {
	path := writeConfig(t, baseValidConfig+"\nloglevel: verbose\n")
	c, err := Load(path)
	require.NoError(t, err)
	err = c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown loglevel "verbose"`)
}

func TestValidateUnknownScopeInGroupMapping(t *testing.T) {
	body := baseValidConfig + `
known_scopes:
  exec:notebook: run notebooks
group_mapping:
  exec:notebook:
    - notebook-users
  exec:admin:
    - admins
`
	path := writeConfig(t, body)
	c, err := Load(path)
	require.NoError(t, err)
	err = c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"exec:admin" is not a known scope`)
}

func TestValidateGroupMappingBuiltinScopeAllowed(t *testing.T) {
	body := baseValidConfig + `
group_mapping:
  openid:
    - everyone
`
	path := writeConfig(t, body)
	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())
}

func TestValidateInvalidProxyCIDR(t *testing.T) {
	path := writeConfig(t, baseValidConfig+"\nproxies:\n  - not-a-cidr\n")
	c, err := Load(path)
	require.NoError(t, err)
	err = c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid CIDR")
}

func TestLoadParsesOptionalLDAPAndDocumentStoreBlocks(t *testing.T) {
	body := baseValidConfig + `
session_token_lifetime_seconds: 3600
alert_webhook_url_file: /etc/authgw/slack-webhook
ldap:
  host: ldap.example.com:636
  bind_dn_file: /etc/authgw/ldap-bind-dn
  bind_pw_file: /etc/authgw/ldap-bind-pw
  user_search:
    base_dn: ou=people,dc=example,dc=com
    filter: "(uid=%s)"
    username: uid
  group_search:
    base_dn: ou=groups,dc=example,dc=com
    filter: "(member=%s)"
    user_attr: DN
    group_attr: member
    name_attr: cn
  pool_size: 8
document_store:
  dsn: postgres://localhost/authgw_docstore
`
	path := writeConfig(t, body)
	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, 3600, c.SessionTokenLifetimeSeconds)
	assert.Equal(t, "/etc/authgw/slack-webhook", c.AlertWebhookURLFile)
	require.NotNil(t, c.LDAP)
	assert.Equal(t, "ldap.example.com:636", c.LDAP.Host)
	assert.Equal(t, 8, c.LDAP.PoolSize)
	require.NotNil(t, c.DocumentStore)
	assert.Equal(t, "postgres://localhost/authgw_docstore", c.DocumentStore.DSN)
}

func TestLoadParsesGitHubRedirectURI(t *testing.T) {
	path := writeConfig(t, baseValidConfig+"\n")
	c, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, c.GitHub)

	body := `
realm: example
session_secret_file: /etc/authgw/session-secret
redis_url: redis://localhost:6379/0
database_url: postgres://localhost/authgw
initial_admins:
  - alice
issuer:
  iss: https://gw.example.com
  key_file: /etc/authgw/signing.pem
github:
  client_id: abc
  client_secret_file: /etc/authgw/github-secret
  redirect_uri: https://gw.example.com/login/callback
  organization: example-org
`
	path = writeConfig(t, body)
	c, err = Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, "https://gw.example.com/login/callback", c.GitHub.RedirectURI)
}

func TestConfigWithoutOptionalStoresLeavesThemNil(t *testing.T) {
	path := writeConfig(t, baseValidConfig)
	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Nil(t, c.LDAP)
	assert.Nil(t, c.DocumentStore)
	assert.Zero(t, c.SessionTokenLifetimeSeconds)
	assert.Empty(t, c.AlertWebhookURLFile)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestInvertedGroupMapping(t *testing.T) {
	c := &Config{
		GroupMapping: map[string][]string{
			"exec:notebook": {"notebook-users", "admins"},
			"exec:admin":    {"admins"},
		},
	}
	inv := c.InvertedGroupMapping()
	_, hasNotebook := inv["admins"]["exec:notebook"]
	_, hasAdmin := inv["admins"]["exec:admin"]
	assert.True(t, hasNotebook)
	assert.True(t, hasAdmin)
	_, hasNotebookForNotebookUsers := inv["notebook-users"]["exec:notebook"]
	assert.True(t, hasNotebookForNotebookUsers)
	_, hasAdminForNotebookUsers := inv["notebook-users"]["exec:admin"]
	assert.False(t, hasAdminForNotebookUsers)
}
