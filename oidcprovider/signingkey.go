package oidcprovider

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
)

// SigningKey is the gateway's RSA keypair and stable key ID, spec.md §3's
// signing keypair. One key is active for the life of the process; rotation
// is out of scope (spec.md Non-goals).
type SigningKey struct {
	private *rsa.PrivateKey
	keyID   string
}

// LoadSigningKey reads a PKCS#1 or PKCS#8 PEM-encoded RSA private key from
// path and pairs it with keyID, the configured `issuer.key_id`.
func LoadSigningKey(path, keyID string) (*SigningKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("oidcprovider: failed to read signing key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("oidcprovider: signing key file is not PEM-encoded")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		parsed, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("oidcprovider: failed to parse signing key: %w", err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("oidcprovider: signing key is not an RSA key")
		}
		key = rsaKey
	}
	return &SigningKey{private: key, keyID: keyID}, nil
}

// GenerateSigningKey creates an ephemeral keypair. Tests use it; runServe
// falls back to it only when issuer.key_file is empty, which
// config.Validate already rejects.
func GenerateSigningKey(keyID string) (*SigningKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return &SigningKey{private: key, keyID: keyID}, nil
}

func (k *SigningKey) jwk() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       &k.private.PublicKey,
		KeyID:     k.keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
}

// JWKS renders the public half of the keypair as the single-key set
// spec.md §4.3 requires, with padding-free base64url n/e falling out of
// go-jose's own marshaling.
func (k *SigningKey) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{k.jwk()}}
}

// sign compact-serializes payload as an RS256 JWS under this key, the same
// signPayload idiom dex's server/oauth2.go uses for ID tokens.
func (k *SigningKey) sign(payload []byte) (string, error) {
	signingJWK := k.jwk()
	signingJWK.Key = k.private
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.RS256,
		Key:       &signingJWK,
	}, &jose.SignerOptions{})
	if err != nil {
		return "", fmt.Errorf("oidcprovider: failed to build signer: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("oidcprovider: failed to sign payload: %w", err)
	}
	return sig.CompactSerialize()
}
