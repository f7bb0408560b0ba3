package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndParseRoundTrip(t *testing.T) {
	tok, err := New()
	require.NoError(t, err)
	assert.Len(t, tok.Key, 22)
	assert.Len(t, tok.Secret, 22)

	s := tok.String()
	assert.Regexp(t, `^gt-[A-Za-z0-9_-]{22}\.[A-Za-z0-9_-]{22}$`, s)

	parsed, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, tok, parsed)
	assert.True(t, tok.Equal(parsed))
}

func TestParseMalformed(t *testing.T) {
	cases := []string{
		"",
		"gt-",
		"nope",
		"gt-onlykey",
		"gt-.secret",
		"gt-key.",
	}
	for _, c := range cases {
		_, err := Parse(c)
		assert.ErrorIs(t, err, ErrMalformed, "input %q", c)
	}
}

func TestEqualRequiresMatchingKey(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)
	assert.False(t, a.Equal(b))
}

func TestVerifySecret(t *testing.T) {
	assert.True(t, VerifySecret("s3cr3t", "s3cr3t"))
	assert.False(t, VerifySecret("wrong", "s3cr3t"))
}

func TestDataRemainingLifetime(t *testing.T) {
	d := &Data{}
	_, ok := d.RemainingLifetime(time.Now())
	assert.False(t, ok, "token with no expiry has no bounded remaining lifetime")
}
