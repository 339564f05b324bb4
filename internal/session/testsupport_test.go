// AngelaMos | 2026
// testsupport_test.go

package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carterperez-dev/session-service/internal/config"
	"github.com/carterperez-dev/session-service/internal/core"
	"github.com/carterperez-dev/session-service/internal/token"
)

// memStore is an in-memory Store with the same verdict semantics as the
// Postgres implementation. FindByID returns snapshot copies, mirroring how a
// database read never aliases later writes.
type memStore struct {
	mu     sync.Mutex
	tokens map[string]*RefreshToken
}

func newMemStore() *memStore {
	return &memStore{tokens: make(map[string]*RefreshToken)}
}

func (m *memStore) Create(_ context.Context, t *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tokens[t.ID]; exists {
		return fmt.Errorf("create refresh token: %w", core.ErrConflict)
	}

	t.IssuedAt = time.Now()
	cp := *t
	m.tokens[t.ID] = &cp
	return nil
}

func (m *memStore) FindByID(_ context.Context, id string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[id]
	if !ok {
		return nil, fmt.Errorf("find refresh token: %w", core.ErrNotFound)
	}

	cp := *t
	return &cp, nil
}

func (m *memStore) TryConsume(
	_ context.Context,
	id, replacedByID string,
) (ConsumeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[id]
	if !ok {
		return ConsumeNotFound, nil
	}

	switch {
	case t.RevokedAt != nil:
		return ConsumeRevoked, nil
	case t.UsedAt != nil:
		return ConsumeAlreadyUsed, nil
	}

	now := time.Now()
	t.UsedAt = &now
	t.ReplacedByID = &replacedByID
	return ConsumeOK, nil
}

func (m *memStore) RevokeByFamilyID(_ context.Context, familyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, t := range m.tokens {
		if t.FamilyID == familyID && t.RevokedAt == nil {
			revokedAt := now
			t.RevokedAt = &revokedAt
		}
	}
	return nil
}

func (m *memStore) RevokeAllForUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, t := range m.tokens {
		if t.UserID == userID && t.RevokedAt == nil {
			revokedAt := now
			t.RevokedAt = &revokedAt
		}
	}
	return nil
}

func (m *memStore) ActiveForUser(
	_ context.Context,
	userID string,
) ([]RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var out []RefreshToken
	for _, t := range m.tokens {
		if t.UserID == userID && !t.IsUsed() && !t.IsRevoked() &&
			!t.IsExpired(now) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memStore) DeleteExpired(
	_ context.Context,
	retention time.Duration,
) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	var deleted int64
	for id, t := range m.tokens {
		if t.ExpiresAt.Before(cutoff) {
			delete(m.tokens, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memStore) get(id string) *RefreshToken {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[id]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

func (m *memStore) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, id)
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

// memUsers is an in-memory SubjectProvider.
type memUsers struct {
	mu      sync.Mutex
	byID    map[string]*UserInfo
	byEmail map[string]*UserInfo
	nextID  int
}

func newMemUsers() *memUsers {
	return &memUsers{
		byID:    make(map[string]*UserInfo),
		byEmail: make(map[string]*UserInfo),
	}
}

func (m *memUsers) GetByEmail(
	_ context.Context,
	email string,
) (*UserInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.byEmail[email]
	if !ok {
		return nil, fmt.Errorf("get user by email: %w", core.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) GetByID(_ context.Context, id string) (*UserInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("get user: %w", core.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) Create(
	_ context.Context,
	email, passwordHash, name string,
) (*UserInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byEmail[email]; exists {
		return nil, fmt.Errorf("create user: %w", core.ErrDuplicateKey)
	}

	m.nextID++
	u := &UserInfo{
		ID:           fmt.Sprintf("user-%d", m.nextID),
		Email:        email,
		Name:         name,
		PasswordHash: passwordHash,
	}
	m.byID[u.ID] = u
	m.byEmail[u.Email] = u

	cp := *u
	return &cp, nil
}

func (m *memUsers) UpdatePassword(
	_ context.Context,
	userID, passwordHash string,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.byID[userID]
	if !ok {
		return fmt.Errorf("update password: %w", core.ErrNotFound)
	}
	u.PasswordHash = passwordHash
	return nil
}

// memTxRunner runs the unit of work without transactional isolation, which
// is sufficient for the single-goroutine registration tests.
type memTxRunner struct {
	store Store
	users SubjectProvider
}

func (r *memTxRunner) RunInTx(
	_ context.Context,
	fn func(store Store, users SubjectProvider) error,
) error {
	return fn(r.store, r.users)
}

func newTestCodec(t *testing.T) *token.Codec {
	t.Helper()

	dir := t.TempDir()
	privatePath := filepath.Join(dir, "private.pem")
	publicPath := filepath.Join(dir, "public.pem")

	require.NoError(t, token.GenerateKeyPair(privatePath, publicPath))

	codec, err := token.NewCodec(config.JWTConfig{
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

type fixture struct {
	svc   *Service
	store *memStore
	users *memUsers
	codec *token.Codec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := newMemStore()
	users := newMemUsers()
	codec := newTestCodec(t)

	svc := NewService(store, users, codec, nil, &memTxRunner{
		store: store,
		users: users,
	})

	return &fixture{svc: svc, store: store, users: users, codec: codec}
}

func (f *fixture) register(t *testing.T, email string) *AuthResponse {
	t.Helper()

	resp, err := f.svc.Register(context.Background(), RegisterRequest{
		Email:    email,
		Password: "correct-horse-battery",
		Name:     "Test User",
	}, ClientMeta{UserAgent: "go-test", IPAddress: "127.0.0.1"})
	require.NoError(t, err)
	require.NotNil(t, resp)

	return resp
}
