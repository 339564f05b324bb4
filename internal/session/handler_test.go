// AngelaMos | 2026
// handler_test.go

package session

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carterperez-dev/session-service/internal/middleware"
)

const testCookieName = "refresh_token"

type errEnvelope struct {
	Success bool `json:"success"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newTestRouter(t *testing.T) (*fixture, http.Handler) {
	t.Helper()

	f := newFixture(t)
	h := NewHandler(f.svc, CookieConfig{
		Name:   testCookieName,
		Path:   "/v1/auth",
		MaxAge: 3600,
	})

	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		h.RegisterRoutes(r, middleware.Authenticator(f.codec))
	})

	return f, r
}

func doJSON(
	t *testing.T,
	router http.Handler,
	method, path string,
	body any,
	mutate func(*http.Request),
) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(req)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func registerViaHTTP(
	t *testing.T,
	router http.Handler,
	email string,
) (AuthResponse, *http.Cookie) {
	t.Helper()

	rec := doJSON(t, router, http.MethodPost, "/v1/auth/register", RegisterRequest{
		Email:    email,
		Password: "correct-horse-battery",
		Name:     "Test User",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp AuthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

	cookie := findCookie(t, rec, testCookieName)
	require.NotNil(t, cookie)

	return resp, cookie
}

func findCookie(
	t *testing.T,
	rec *httptest.ResponseRecorder,
	name string,
) *http.Cookie {
	t.Helper()

	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errEnvelope {
	t.Helper()

	var env errEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env
}

func TestRegisterEndpointSetsRefreshCookie(t *testing.T) {
	_, router := newTestRouter(t)

	resp, cookie := registerViaHTTP(t, router, "alice@example.com")

	assert.Equal(t, "alice@example.com", resp.User.Email)
	assert.NotEmpty(t, resp.Tokens.AccessToken)
	assert.NotEmpty(t, resp.Tokens.RefreshToken)

	assert.Equal(t, resp.Tokens.RefreshToken, cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, "/v1/auth", cookie.Path)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
}

func TestRegisterEndpointValidation(t *testing.T) {
	_, router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/auth/register", RegisterRequest{
		Email:    "not-an-email",
		Password: "short",
		Name:     "",
	}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginEndpoint(t *testing.T) {
	_, router := newTestRouter(t)
	registerViaHTTP(t, router, "alice@example.com")

	rec := doJSON(t, router, http.MethodPost, "/v1/auth/login", LoginRequest{
		Email:    "alice@example.com",
		Password: "correct-horse-battery",
	}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, findCookie(t, rec, testCookieName))

	rec = doJSON(t, router, http.MethodPost, "/v1/auth/login", LoginRequest{
		Email:    "alice@example.com",
		Password: "definitely-wrong-password",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeError(t, rec).Error.Code)
}

func TestRefreshRotationAndReuseDetection(t *testing.T) {
	_, router := newTestRouter(t)
	_, firstCookie := registerViaHTTP(t, router, "alice@example.com")

	// Legitimate rotation is acknowledged with 202 and a new cookie.
	rec := doJSON(t, router, http.MethodPost, "/v1/auth/refresh", nil,
		func(r *http.Request) { r.AddCookie(firstCookie) })
	require.Equal(t, http.StatusAccepted, rec.Code)

	secondCookie := findCookie(t, rec, testCookieName)
	require.NotNil(t, secondCookie)
	assert.NotEqual(t, firstCookie.Value, secondCookie.Value)

	// Replaying the consumed token is flagged with its own error code and
	// the cookie is cleared.
	rec = doJSON(t, router, http.MethodPost, "/v1/auth/refresh", nil,
		func(r *http.Request) { r.AddCookie(firstCookie) })
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "TOKEN_REUSE_DETECTED", decodeError(t, rec).Error.Code)

	cleared := findCookie(t, rec, testCookieName)
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)
	assert.Negative(t, cleared.MaxAge)

	// The successor from the legitimate rotation was revoked along with
	// the rest of the family.
	rec = doJSON(t, router, http.MethodPost, "/v1/auth/refresh", nil,
		func(r *http.Request) { r.AddCookie(secondCookie) })
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "TOKEN_REVOKED", decodeError(t, rec).Error.Code)
}

func TestRefreshBodyFallback(t *testing.T) {
	_, router := newTestRouter(t)
	resp, _ := registerViaHTTP(t, router, "alice@example.com")

	rec := doJSON(t, router, http.MethodPost, "/v1/auth/refresh",
		RefreshRequest{RefreshToken: resp.Tokens.RefreshToken}, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRefreshWithoutToken(t *testing.T) {
	_, router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/auth/refresh", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "TOKEN_INVALID", decodeError(t, rec).Error.Code)
}

func TestLogoutEndpoint(t *testing.T) {
	_, router := newTestRouter(t)
	_, cookie := registerViaHTTP(t, router, "alice@example.com")

	rec := doJSON(t, router, http.MethodPost, "/v1/auth/logout", nil,
		func(r *http.Request) { r.AddCookie(cookie) })
	require.Equal(t, http.StatusNoContent, rec.Code)

	cleared := findCookie(t, rec, testCookieName)
	require.NotNil(t, cleared)
	assert.Negative(t, cleared.MaxAge)

	// The revoked family cannot rotate afterwards.
	rec = doJSON(t, router, http.MethodPost, "/v1/auth/refresh", nil,
		func(r *http.Request) { r.AddCookie(cookie) })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutWithoutTokenIsNoop(t *testing.T) {
	_, router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/auth/logout", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMeRequiresAccessToken(t *testing.T) {
	_, router := newTestRouter(t)
	resp, _ := registerViaHTTP(t, router, "alice@example.com")

	rec := doJSON(t, router, http.MethodGet, "/v1/auth/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/v1/auth/me", nil,
		func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+resp.Tokens.AccessToken)
		})
	require.Equal(t, http.StatusOK, rec.Code)

	var user UserResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&user))
	assert.Equal(t, resp.User.ID, user.ID)
}

func TestRefreshCookieRejectedAsAccessToken(t *testing.T) {
	_, router := newTestRouter(t)
	resp, _ := registerViaHTTP(t, router, "alice@example.com")

	rec := doJSON(t, router, http.MethodGet, "/v1/auth/me", nil,
		func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+resp.Tokens.RefreshToken)
		})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionsEndpoint(t *testing.T) {
	_, router := newTestRouter(t)
	resp, _ := registerViaHTTP(t, router, "alice@example.com")

	auth := func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+resp.Tokens.AccessToken)
	}

	rec := doJSON(t, router, http.MethodGet, "/v1/auth/sessions", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)

	var sessions SessionsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sessions))
	require.Len(t, sessions.Sessions, 1)

	rec = doJSON(t, router, http.MethodDelete,
		"/v1/auth/sessions/"+sessions.Sessions[0].ID, nil, auth)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/v1/auth/sessions", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sessions))
	assert.Empty(t, sessions.Sessions)
}
