// AngelaMos | 2026
// codec_test.go

package token

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carterperez-dev/session-service/internal/config"
	"github.com/carterperez-dev/session-service/internal/core"
)

func newCodec(t *testing.T) *Codec {
	t.Helper()

	dir := t.TempDir()
	privatePath := filepath.Join(dir, "private.pem")
	publicPath := filepath.Join(dir, "public.pem")

	require.NoError(t, GenerateKeyPair(privatePath, publicPath))

	codec, err := NewCodec(config.JWTConfig{
		PrivateKeyPath:     privatePath,
		PublicKeyPath:      publicPath,
		AccessTokenExpire:  15 * time.Minute,
		RefreshTokenExpire: 168 * time.Hour,
		Issuer:             "session-service-test",
		Audience:           "session-service-api",
	})
	require.NoError(t, err)

	return codec
}

func frozenClock(at time.Time) jwt.Clock {
	return jwt.ClockFunc(func() time.Time { return at })
}

func TestAccessTokenRoundTrip(t *testing.T) {
	codec := newCodec(t)

	raw, err := codec.SignAccess("user-1")
	require.NoError(t, err)

	claims, err := codec.VerifyAccess(raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.NotEmpty(t, claims.TokenID)
}

func TestRefreshTokenRoundTrip(t *testing.T) {
	codec := newCodec(t)

	raw, expiresAt, err := codec.SignRefresh("user-1", "token-1", "family-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(168*time.Hour), expiresAt, time.Minute)

	claims, err := codec.VerifyRefresh(raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "token-1", claims.TokenID)
	assert.Equal(t, "family-1", claims.FamilyID)
	assert.Equal(t, expiresAt.Unix(), claims.ExpiresAt.Unix())
}

func TestKindsAreNotInterchangeable(t *testing.T) {
	codec := newCodec(t)

	access, err := codec.SignAccess("user-1")
	require.NoError(t, err)

	refresh, _, err := codec.SignRefresh("user-1", "token-1", "family-1")
	require.NoError(t, err)

	_, err = codec.VerifyRefresh(access)
	assert.ErrorIs(t, err, core.ErrTokenInvalid)

	_, err = codec.VerifyAccess(refresh)
	assert.ErrorIs(t, err, core.ErrTokenInvalid)
}

func TestExpiredAccessToken(t *testing.T) {
	codec := newCodec(t)

	raw, err := codec.SignAccess("user-1")
	require.NoError(t, err)

	codec.SetClock(frozenClock(time.Now().Add(16 * time.Minute)))

	_, err = codec.VerifyAccess(raw)
	assert.ErrorIs(t, err, core.ErrTokenExpired)
}

func TestExpiredRefreshTokenStillParsesLeniently(t *testing.T) {
	codec := newCodec(t)

	raw, _, err := codec.SignRefresh("user-1", "token-1", "family-1")
	require.NoError(t, err)

	codec.SetClock(frozenClock(time.Now().Add(169 * time.Hour)))

	_, err = codec.VerifyRefresh(raw)
	require.ErrorIs(t, err, core.ErrTokenExpired)

	claims, err := codec.ParseRefreshLenient(raw)
	require.NoError(t, err)
	assert.Equal(t, "token-1", claims.TokenID)
	assert.Equal(t, "family-1", claims.FamilyID)
}

func TestTamperedTokenRejected(t *testing.T) {
	codec := newCodec(t)

	raw, err := codec.SignAccess("user-1")
	require.NoError(t, err)

	tampered := raw[:len(raw)-4] + "AAAA"

	_, err = codec.VerifyAccess(tampered)
	assert.ErrorIs(t, err, core.ErrTokenInvalid)
}

func TestForeignKeyRejected(t *testing.T) {
	codec := newCodec(t)
	other := newCodec(t)

	raw, err := other.SignAccess("user-1")
	require.NoError(t, err)

	_, err = codec.VerifyAccess(raw)
	assert.ErrorIs(t, err, core.ErrTokenInvalid)

	// Lenient parsing still verifies the signature; only time checks are
	// skipped.
	refresh, _, err := other.SignRefresh("user-1", "token-1", "family-1")
	require.NoError(t, err)

	_, err = codec.ParseRefreshLenient(refresh)
	assert.ErrorIs(t, err, core.ErrTokenInvalid)
}

func TestJWKSHandlerServesPublicKey(t *testing.T) {
	codec := newCodec(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/.well-known/jwks.json", nil)
	codec.JWKSHandler()(rec, req)

	require.Equal(t, 200, rec.Code)

	var body struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Keys, 1)
	assert.Equal(t, "EC", body.Keys[0]["kty"])
	assert.NotContains(t, body.Keys[0], "d", "private material must not leak")
}
