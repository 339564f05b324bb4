// AngelaMos | 2026
// security_test.go

package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct-horse-battery")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))

	valid, err := VerifyPassword("correct-horse-battery", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = VerifyPassword("wrong-password", hash)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestHashesAreSalted(t *testing.T) {
	first, err := HashPassword("same-password")
	require.NoError(t, err)

	second, err := HashPassword("same-password")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	_, err := VerifyPassword("anything", "not-an-encoded-hash")
	assert.Error(t, err)

	_, err = VerifyPassword("anything", "$bcrypt$v=19$m=65536,t=1,p=4$c$d")
	assert.Error(t, err)
}

func TestVerifyPasswordTimingSafeMissingAccount(t *testing.T) {
	valid, newHash, err := VerifyPasswordTimingSafe("any-password", nil)
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Empty(t, newHash)

	empty := ""
	valid, _, err = VerifyPasswordTimingSafe("any-password", &empty)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVerifyPasswordWithRehashUpgradesOldParams(t *testing.T) {
	// A hash produced with weaker parameters verifies but is flagged for
	// upgrade.
	old := "$argon2id$v=19$m=32768,t=1,p=2$c29tZXNhbHRzb21lc2E$" +
		"kOuJQXfBbhHqhhxpFZZxcpj68rLPuPQiQ1sDOIUduWc"

	_, newHash, err := VerifyPasswordWithRehash("irrelevant", old)
	require.NoError(t, err)
	// Wrong password for that salt, so no upgrade is offered either way.
	assert.Empty(t, newHash)

	fresh, err := HashPassword("correct-horse-battery")
	require.NoError(t, err)

	valid, newHash, err := VerifyPasswordWithRehash("correct-horse-battery", fresh)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Empty(t, newHash, "current parameters need no rehash")
}

func TestTokenHashCompare(t *testing.T) {
	const raw = "opaque.refresh.token.value"

	digest := HashToken(raw)
	assert.Len(t, digest, 64)
	assert.NotEqual(t, raw, digest)

	assert.True(t, CompareTokenHash(raw, digest))
	assert.False(t, CompareTokenHash("different-token", digest))
	assert.False(t, CompareTokenHash(raw, HashToken("different-token")))
}
