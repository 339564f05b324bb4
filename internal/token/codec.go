// AngelaMos | 2026
// codec.go

// Package token signs and verifies the two credential kinds: short-lived
// access tokens and store-tracked refresh tokens. The codec is a pure
// function of the signing key and performs no I/O at request time.
package token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/carterperez-dev/session-service/internal/config"
	"github.com/carterperez-dev/session-service/internal/core"
)

const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

type AccessClaims struct {
	UserID  string
	TokenID string
}

type RefreshClaims struct {
	UserID    string
	TokenID   string
	FamilyID  string
	ExpiresAt time.Time
}

type Codec struct {
	privateKey jwk.Key
	publicKey  jwk.Key
	publicJWKS jwk.Set
	config     config.JWTConfig
	clock      jwt.Clock
}

func NewCodec(cfg config.JWTConfig) (*Codec, error) {
	privateKeyPEM, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	privateKey, err := jwk.ParseKey(privateKeyPEM, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	if setErr := privateKey.Set(jwk.AlgorithmKey, jwa.ES256()); setErr != nil {
		return nil, fmt.Errorf("set algorithm: %w", setErr)
	}

	keyID := uuid.New().String()[:8]
	if setErr := privateKey.Set(jwk.KeyIDKey, keyID); setErr != nil {
		return nil, fmt.Errorf("set key id: %w", setErr)
	}

	publicKey, err := privateKey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	if setErr := publicKey.Set(jwk.KeyUsageKey, "sig"); setErr != nil {
		return nil, fmt.Errorf("set key usage: %w", setErr)
	}

	publicJWKS := jwk.NewSet()
	if addErr := publicJWKS.AddKey(publicKey); addErr != nil {
		return nil, fmt.Errorf("add key to set: %w", addErr)
	}

	return &Codec{
		privateKey: privateKey,
		publicKey:  publicKey,
		publicJWKS: publicJWKS,
		config:     cfg,
		clock:      jwt.ClockFunc(time.Now),
	}, nil
}

// SetClock replaces the codec's time source. Used by tests to exercise
// expiry without wall-clock sleeps.
func (c *Codec) SetClock(clock jwt.Clock) {
	c.clock = clock
}

func (c *Codec) now() time.Time {
	return c.clock.Now()
}

func GenerateKeyPair(privateKeyPath, publicKeyPath string) error {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	jwkPrivate, err := jwk.Import(privateKey)
	if err != nil {
		return fmt.Errorf("import private key: %w", err)
	}

	keyID := uuid.New().String()[:8]
	if setErr := jwkPrivate.Set(jwk.KeyIDKey, keyID); setErr != nil {
		return fmt.Errorf("set key id: %w", setErr)
	}
	if setErr := jwkPrivate.Set(jwk.AlgorithmKey, jwa.ES256()); setErr != nil {
		return fmt.Errorf("set algorithm: %w", setErr)
	}

	privatePEM, err := jwk.Pem(jwkPrivate)
	if err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}

	if writeErr := os.WriteFile(privateKeyPath, privatePEM, 0o600); writeErr != nil {
		return fmt.Errorf("write private key: %w", writeErr)
	}

	jwkPublic, err := jwkPrivate.PublicKey()
	if err != nil {
		return fmt.Errorf("derive public key: %w", err)
	}

	publicPEM, err := jwk.Pem(jwkPublic)
	if err != nil {
		return fmt.Errorf("encode public key: %w", err)
	}

	//nolint:gosec // G306: public key is intentionally world-readable
	if writeErr := os.WriteFile(publicKeyPath, publicPEM, 0o644); writeErr != nil {
		return fmt.Errorf("write public key: %w", writeErr)
	}

	return nil
}

func (c *Codec) SignAccess(userID string) (string, error) {
	now := c.now()

	token, err := jwt.NewBuilder().
		JwtID(uuid.New().String()).
		Issuer(c.config.Issuer).
		Audience([]string{c.config.Audience}).
		Subject(userID).
		IssuedAt(now).
		Expiration(now.Add(c.config.AccessTokenExpire)).
		NotBefore(now).
		Claim("type", KindAccess).
		Build()
	if err != nil {
		return "", fmt.Errorf("build access token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.ES256(), c.privateKey))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}

	return string(signed), nil
}

// SignRefresh binds the token to a stored record: tokenID is the record's
// primary key and familyID its rotation family.
func (c *Codec) SignRefresh(
	userID, tokenID, familyID string,
) (string, time.Time, error) {
	now := c.now()
	expiresAt := now.Add(c.config.RefreshTokenExpire)

	token, err := jwt.NewBuilder().
		JwtID(tokenID).
		Issuer(c.config.Issuer).
		Audience([]string{c.config.Audience}).
		Subject(userID).
		IssuedAt(now).
		Expiration(expiresAt).
		NotBefore(now).
		Claim("type", KindRefresh).
		Claim("family_id", familyID).
		Build()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build refresh token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.ES256(), c.privateKey))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign refresh token: %w", err)
	}

	return string(signed), expiresAt, nil
}

func (c *Codec) VerifyAccess(raw string) (*AccessClaims, error) {
	token, err := c.parse(raw, true)
	if err != nil {
		return nil, err
	}

	if err := requireKind(token, KindAccess); err != nil {
		return nil, err
	}

	subject, ok := token.Subject()
	if !ok || subject == "" {
		return nil, fmt.Errorf(
			"verify access token: missing subject: %w",
			core.ErrTokenInvalid,
		)
	}

	jti, ok := token.JwtID()
	if !ok || jti == "" {
		return nil, fmt.Errorf(
			"verify access token: missing jti: %w",
			core.ErrTokenInvalid,
		)
	}

	return &AccessClaims{UserID: subject, TokenID: jti}, nil
}

func (c *Codec) VerifyRefresh(raw string) (*RefreshClaims, error) {
	token, err := c.parse(raw, true)
	if err != nil {
		return nil, err
	}

	return refreshClaims(token)
}

// ParseRefreshLenient verifies the signature but skips time-based
// validation. Logout must still succeed for a token past its expiry.
func (c *Codec) ParseRefreshLenient(raw string) (*RefreshClaims, error) {
	token, err := c.parse(raw, false)
	if err != nil {
		return nil, err
	}

	return refreshClaims(token)
}

func (c *Codec) parse(raw string, validate bool) (jwt.Token, error) {
	opts := []jwt.ParseOption{
		jwt.WithKey(jwa.ES256(), c.publicKey),
		jwt.WithValidate(validate),
	}
	if validate {
		opts = append(opts,
			jwt.WithIssuer(c.config.Issuer),
			jwt.WithAudience(c.config.Audience),
			jwt.WithClock(c.clock),
		)
	}

	token, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		if isTokenExpiredError(err) {
			return nil, fmt.Errorf("verify token: %w", core.ErrTokenExpired)
		}
		return nil, fmt.Errorf("verify token: %w", core.ErrTokenInvalid)
	}

	return token, nil
}

func refreshClaims(token jwt.Token) (*RefreshClaims, error) {
	if err := requireKind(token, KindRefresh); err != nil {
		return nil, err
	}

	subject, ok := token.Subject()
	if !ok || subject == "" {
		return nil, fmt.Errorf(
			"verify refresh token: missing subject: %w",
			core.ErrTokenInvalid,
		)
	}

	jti, ok := token.JwtID()
	if !ok || jti == "" {
		return nil, fmt.Errorf(
			"verify refresh token: missing jti: %w",
			core.ErrTokenInvalid,
		)
	}

	var familyID string
	if err := token.Get("family_id", &familyID); err != nil || familyID == "" {
		return nil, fmt.Errorf(
			"verify refresh token: missing family_id: %w",
			core.ErrTokenInvalid,
		)
	}

	var expiresAt time.Time
	if exp, ok := token.Expiration(); ok {
		expiresAt = exp
	}

	return &RefreshClaims{
		UserID:    subject,
		TokenID:   jti,
		FamilyID:  familyID,
		ExpiresAt: expiresAt,
	}, nil
}

// A refresh token can never be accepted where an access token is expected,
// and vice versa.
func requireKind(token jwt.Token, want string) error {
	var kind string
	if err := token.Get("type", &kind); err != nil || kind != want {
		return fmt.Errorf(
			"verify token: wrong token type: %w",
			core.ErrTokenInvalid,
		)
	}
	return nil
}

func isTokenExpiredError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "exp") &&
		strings.Contains(errStr, "not satisfied")
}

func (c *Codec) JWKSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")

		if err := json.NewEncoder(w).Encode(c.publicJWKS); err != nil {
			http.Error(
				w,
				"Internal Server Error",
				http.StatusInternalServerError,
			)
			return
		}
	}
}

func (c *Codec) AccessTTL() time.Duration {
	return c.config.AccessTokenExpire
}

func (c *Codec) RefreshTTL() time.Duration {
	return c.config.RefreshTokenExpire
}

func (c *Codec) PublicKey() jwk.Key {
	return c.publicKey
}

func (c *Codec) KeyID() string {
	var kid string
	//nolint:errcheck // key ID always set during NewCodec init
	_ = c.privateKey.Get(jwk.KeyIDKey, &kid)
	return kid
}
