// Package cookie implements the gateway's encrypted state cookie: a
// versioned, authenticated-encryption envelope carrying CSRF state, the
// post-login return URL, and (during the OIDC RP flow) a delegated token.
//
// dex has no Fernet equivalent to reach for (its own session cookies are
// opaque handles backed by server-side storage), so this follows spec.md
// §9's fallback recipe directly: AES-256-CBC encrypt-then-MAC with
// HMAC-SHA256, a random 16-byte IV, and a versioned "v1.iv.ct.mac" URL-safe
// base64 payload.
package cookie

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const version = "v1"

var (
	// ErrInvalidCookie covers any structural, MAC, or decryption failure.
	// A single error is exported deliberately: distinguishing "bad MAC"
	// from "bad padding" to a caller would be an oracle.
	ErrInvalidCookie = errors.New("cookie: invalid or tampered state cookie")
	ErrUnsupportedVersion = errors.New("cookie: unsupported cookie version")
)

// Codec encrypts and decrypts the gateway's state cookie using a single
// 32-byte master key, split via HKDF into independent encryption and MAC
// subkeys (encrypt-then-MAC with derived, not reused, keys).
type Codec struct {
	encKey []byte
	macKey []byte
}

// NewCodec derives a Codec from the 32-byte session secret, i.e. the
// decoded bytes of the URL-safe base64 key in session_secret_file.
func NewCodec(masterKey []byte) (*Codec, error) {
	if len(masterKey) != 32 {
		return nil, errors.New("cookie: master key must be 32 bytes")
	}
	kdf := hkdf.New(sha256.New, masterKey, nil, []byte("authgw-cookie-v1"))
	keys := make([]byte, 64)
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return nil, err
	}
	return &Codec{encKey: keys[:32], macKey: keys[32:]}, nil
}

// State is the decoded contents of the cookie, exactly spec.md §6.
type State struct {
	CSRF         string `json:"csrf"`
	ReturnURL    string `json:"return_url,omitempty"`
	Token        string `json:"token,omitempty"`
	GitHubState  string `json:"github_state,omitempty"`
	LoginStart   int64  `json:"login_start,omitempty"`
}

// Encode encrypts and MACs s, returning the cookie value.
func (c *Codec) Encode(s *State) (string, error) {
	plaintext, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(c.encKey)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := c.computeMAC(iv, ciphertext)

	return strings.Join([]string{
		version,
		base64.RawURLEncoding.EncodeToString(iv),
		base64.RawURLEncoding.EncodeToString(ciphertext),
		base64.RawURLEncoding.EncodeToString(mac),
	}, "."), nil
}

// Decode verifies and decrypts a cookie value produced by Encode.
func (c *Codec) Decode(value string) (*State, error) {
	parts := strings.Split(value, ".")
	if len(parts) != 4 {
		return nil, ErrInvalidCookie
	}
	if parts[0] != version {
		return nil, ErrUnsupportedVersion
	}
	iv, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil || len(iv) != aes.BlockSize {
		return nil, ErrInvalidCookie
	}
	ciphertext, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalidCookie
	}
	mac, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, ErrInvalidCookie
	}

	expectedMAC := c.computeMAC(iv, ciphertext)
	if !hmac.Equal(mac, expectedMAC) {
		return nil, ErrInvalidCookie
	}

	block, err := aes.NewCipher(c.encKey)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	plaintext, err = pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return nil, ErrInvalidCookie
	}

	var s State
	if err := json.Unmarshal(plaintext, &s); err != nil {
		return nil, ErrInvalidCookie
	}
	return &s, nil
}

func (c *Codec) computeMAC(iv, ciphertext []byte) []byte {
	h := hmac.New(sha256.New, c.macKey)
	h.Write([]byte(version))
	h.Write(iv)
	h.Write(ciphertext)
	return h.Sum(nil)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(data, padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("cookie: invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.New("cookie: invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("cookie: invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}
