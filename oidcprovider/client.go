package oidcprovider

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"golang.org/x/crypto/bcrypt"
)

// Client is a registered OIDC relying party, spec.md §3's OIDCClient. It is
// loaded once at startup from the secret file named by the gateway's
// `oidc_server_secrets_file` config option and never mutated, the same
// immutable-after-startup idiom dex uses for its connector configs.
type Client struct {
	ClientID         string `json:"id"`
	ClientSecretHash []byte `json:"-"`
	ReturnURI        string `json:"return_uri"`
}

type clientFile struct {
	ID        string `json:"id"`
	Secret    string `json:"secret"`
	ReturnURI string `json:"return_uri"`
}

// LoadClients reads the JSON array of `{id, secret, return_uri}` objects
// named by path and returns the registered clients, bcrypt-hashing each
// plaintext secret for later constant-time verification in
// Provider.Token.
func LoadClients(path string) (map[string]Client, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("oidcprovider: failed to read client secrets file: %w", err)
	}
	var entries []clientFile
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("oidcprovider: failed to parse client secrets file: %w", err)
	}

	clients := make(map[string]Client, len(entries))
	for _, e := range entries {
		if e.ID == "" || e.Secret == "" || e.ReturnURI == "" {
			return nil, fmt.Errorf("oidcprovider: client entry missing id, secret, or return_uri")
		}
		if _, err := url.Parse(e.ReturnURI); err != nil {
			return nil, fmt.Errorf("oidcprovider: client %q has an invalid return_uri: %w", e.ID, err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(e.Secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("oidcprovider: failed to hash secret for client %q: %w", e.ID, err)
		}
		clients[e.ID] = Client{ClientID: e.ID, ClientSecretHash: hash, ReturnURI: e.ReturnURI}
	}
	return clients, nil
}

// VerifySecret reports whether secret matches the client's registered
// secret, in the same bcrypt-compare sense dex's own password connectors
// use for stored credential hashes.
func (c Client) VerifySecret(secret string) bool {
	return bcrypt.CompareHashAndPassword(c.ClientSecretHash, []byte(secret)) == nil
}

// sameOrigin reports whether redirectURI has the same scheme, host, and
// port as the client's configured return_uri, spec.md §4.3's redirect_uri
// validation rule.
func (c Client) sameOrigin(redirectURI string) bool {
	want, err := url.Parse(c.ReturnURI)
	if err != nil {
		return false
	}
	got, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	return want.Scheme == got.Scheme && want.Host == got.Host
}
