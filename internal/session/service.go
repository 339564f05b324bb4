// AngelaMos | 2026
// service.go

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/carterperez-dev/session-service/internal/core"
	"github.com/carterperez-dev/session-service/internal/token"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenReuse         = errors.New("token reuse detected")
	ErrEmailExists        = errors.New("email already exists")
)

type UserInfo struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
}

// SubjectProvider is the only dependency this core has on the rest of the
// application's data model.
type SubjectProvider interface {
	GetByEmail(ctx context.Context, email string) (*UserInfo, error)
	GetByID(ctx context.Context, id string) (*UserInfo, error)
	Create(
		ctx context.Context,
		email, passwordHash, name string,
	) (*UserInfo, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
}

// Service owns the credential lifecycle: issuing pairs, rotating refresh
// tokens, detecting reuse, and revoking families.
type Service struct {
	store Store
	users SubjectProvider
	codec *token.Codec
	audit *AuditRecorder
	tx    TxRunner
}

func NewService(
	store Store,
	users SubjectProvider,
	codec *token.Codec,
	audit *AuditRecorder,
	tx TxRunner,
) *Service {
	return &Service{
		store: store,
		users: users,
		codec: codec,
		audit: audit,
		tx:    tx,
	}
}

func (s *Service) Login(
	ctx context.Context,
	req LoginRequest,
	meta ClientMeta,
) (*AuthResponse, error) {
	user, err := s.users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			//nolint:errcheck // timing attack prevention - always verify to prevent enumeration
			_, _, _ = core.VerifyPasswordTimingSafe(req.Password, nil)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	valid, newHash, err := core.VerifyPasswordTimingSafe(
		req.Password,
		&user.PasswordHash,
	)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}

	if !valid {
		return nil, ErrInvalidCredentials
	}

	if newHash != "" {
		//nolint:errcheck // best-effort rehash upgrade
		_ = s.users.UpdatePassword(ctx, user.ID, newHash)
	}

	return s.issuePair(ctx, s.store, user, meta, "", "")
}

// Register creates the subject and its first token pair in one transaction:
// either both commit or neither is observable.
func (s *Service) Register(
	ctx context.Context,
	req RegisterRequest,
	meta ClientMeta,
) (*AuthResponse, error) {
	passwordHash, err := core.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	var resp *AuthResponse
	err = s.tx.RunInTx(ctx, func(store Store, users SubjectProvider) error {
		user, createErr := users.Create(
			ctx,
			req.Email,
			passwordHash,
			req.Name,
		)
		if createErr != nil {
			if errors.Is(createErr, core.ErrDuplicateKey) {
				return ErrEmailExists
			}
			return fmt.Errorf("create user: %w", createErr)
		}

		resp, createErr = s.issuePair(ctx, store, user, meta, "", "")
		return createErr
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// Rotate exchanges a still-valid refresh token for a new pair, irreversibly
// consuming the old one. The store's TryConsume decides who the legitimate
// rotator is; nothing is re-read between deciding and acting. Strict
// zero-grace policy: a losing concurrent call is treated as reuse.
func (s *Service) Rotate(
	ctx context.Context,
	rawRefresh string,
	meta ClientMeta,
) (*AuthResponse, error) {
	claims, err := s.codec.VerifyRefresh(rawRefresh)
	if err != nil {
		if errors.Is(err, core.ErrTokenExpired) {
			return nil, fmt.Errorf("rotate: %w", core.ErrTokenExpired)
		}
		return nil, fmt.Errorf("rotate: %w", core.ErrTokenInvalid)
	}

	stored, err := s.store.FindByID(ctx, claims.TokenID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			// Collapsed with other verification failures so callers get no
			// oracle distinguishing unknown from invalid.
			return nil, fmt.Errorf("rotate: %w", core.ErrTokenInvalid)
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}

	if !core.CompareTokenHash(rawRefresh, stored.TokenHash) {
		return nil, fmt.Errorf("rotate: %w", core.ErrTokenInvalid)
	}

	if stored.UserID != claims.UserID {
		return nil, fmt.Errorf("rotate: %w", core.ErrTokenInvalid)
	}

	if stored.IsRevoked() {
		// Re-assert the family revocation; RevokeByFamilyID is idempotent.
		//nolint:errcheck // security revocation continues regardless
		_ = s.store.RevokeByFamilyID(ctx, stored.FamilyID)
		s.audit.Emit(AuditEvent{
			Type:       EventRevokedPresented,
			UserID:     stored.UserID,
			FamilyID:   stored.FamilyID,
			TokenID:    stored.ID,
			UserAgent:  meta.UserAgent,
			IPAddress:  meta.IPAddress,
			DetectedAt: time.Now(),
		})
		return nil, fmt.Errorf("rotate: %w", core.ErrTokenRevoked)
	}

	user, err := s.users.GetByID(ctx, stored.UserID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	successorID := uuid.New().String()

	// Consume and successor insert commit together. Any transaction that
	// can observe used_at set therefore also sees the successor row, so a
	// concurrent family revocation can never miss the new record.
	var (
		resp    *AuthResponse
		verdict ConsumeResult
	)
	err = s.tx.RunInTx(ctx, func(store Store, _ SubjectProvider) error {
		result, consumeErr := store.TryConsume(ctx, stored.ID, successorID)
		if consumeErr != nil {
			return fmt.Errorf("consume refresh token: %w", consumeErr)
		}

		verdict = result
		if result != ConsumeOK {
			return nil
		}

		var issueErr error
		resp, issueErr = s.issuePair(
			ctx,
			store,
			user,
			meta,
			stored.FamilyID,
			successorID,
		)
		return issueErr
	})
	if err != nil {
		return nil, err
	}

	switch verdict {
	case ConsumeOK:
		return resp, nil
	case ConsumeAlreadyUsed:
		s.detectReuse(ctx, stored, meta)
		return nil, ErrTokenReuse
	case ConsumeRevoked:
		return nil, fmt.Errorf("rotate: %w", core.ErrTokenRevoked)
	default:
		return nil, fmt.Errorf("rotate: %w", core.ErrTokenInvalid)
	}
}

// detectReuse handles the replay signal: a consumed token was presented
// again, so the whole family is burned. The audit emission is
// fire-and-forget and never delays the security response.
func (s *Service) detectReuse(
	ctx context.Context,
	stored *RefreshToken,
	meta ClientMeta,
) {
	//nolint:errcheck // security revocation continues regardless
	_ = s.store.RevokeByFamilyID(ctx, stored.FamilyID)

	core.AddSpanEvent(ctx, "token_reuse_detected",
		attribute.String("family_id", stored.FamilyID),
	)

	s.audit.Emit(AuditEvent{
		Type:       EventTokenReuse,
		UserID:     stored.UserID,
		FamilyID:   stored.FamilyID,
		TokenID:    stored.ID,
		UserAgent:  meta.UserAgent,
		IPAddress:  meta.IPAddress,
		DetectedAt: time.Now(),
	})
}

// Logout revokes the presented token's whole family, not just the one
// record, so nothing issued in the session can rotate afterwards. Expired
// signatures are accepted: logging out of a stale session must work.
func (s *Service) Logout(ctx context.Context, rawRefresh string) error {
	claims, err := s.codec.ParseRefreshLenient(rawRefresh)
	if err != nil {
		return fmt.Errorf("logout: %w", core.ErrTokenInvalid)
	}

	stored, err := s.store.FindByID(ctx, claims.TokenID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("find refresh token: %w", err)
	}

	if !core.CompareTokenHash(rawRefresh, stored.TokenHash) {
		return fmt.Errorf("logout: %w", core.ErrTokenInvalid)
	}

	if err := s.store.RevokeByFamilyID(ctx, stored.FamilyID); err != nil {
		return fmt.Errorf("revoke token family: %w", err)
	}

	s.audit.Emit(AuditEvent{
		Type:       EventFamilyRevoked,
		UserID:     stored.UserID,
		FamilyID:   stored.FamilyID,
		TokenID:    stored.ID,
		DetectedAt: time.Now(),
	})

	return nil
}

// LogoutAll revokes every family belonging to the subject: "log out
// everywhere", password change, suspected compromise.
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	if err := s.store.RevokeAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("revoke all tokens: %w", err)
	}

	return nil
}

func (s *Service) ChangePassword(
	ctx context.Context,
	userID, currentPassword, newPassword string,
) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}

	valid, _, err := core.VerifyPasswordWithRehash(
		currentPassword,
		user.PasswordHash,
	)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}

	if !valid {
		return ErrInvalidCredentials
	}

	newHash, err := core.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.users.UpdatePassword(ctx, userID, newHash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	if err := s.LogoutAll(ctx, userID); err != nil {
		return fmt.Errorf("logout all: %w", err)
	}

	return nil
}

func (s *Service) ActiveSessions(
	ctx context.Context,
	userID string,
) ([]SessionInfo, error) {
	tokens, err := s.store.ActiveForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}

	sessions := make([]SessionInfo, 0, len(tokens))
	for _, t := range tokens {
		sessions = append(sessions, SessionInfo{
			ID:        t.ID,
			UserAgent: t.UserAgent,
			IPAddress: t.IPAddress,
			IssuedAt:  t.IssuedAt,
			ExpiresAt: t.ExpiresAt,
		})
	}

	return sessions, nil
}

// RevokeSession revokes one listed session, which means its whole family.
func (s *Service) RevokeSession(
	ctx context.Context,
	userID, sessionID string,
) error {
	stored, err := s.store.FindByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("find session: %w", err)
	}

	if stored.UserID != userID {
		return fmt.Errorf("revoke session: %w", core.ErrForbidden)
	}

	if err := s.store.RevokeByFamilyID(ctx, stored.FamilyID); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}

	return nil
}

func (s *Service) CurrentUser(
	ctx context.Context,
	userID string,
) (*UserResponse, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &UserResponse{
		ID:    user.ID,
		Email: user.Email,
		Name:  user.Name,
	}, nil
}

// PurgeExpired is called by the janitor in cmd/api.
func (s *Service) PurgeExpired(
	ctx context.Context,
	retention time.Duration,
) (int64, error) {
	return s.store.DeleteExpired(ctx, retention)
}

// issuePair mints an access/refresh pair and persists the refresh record.
// An empty familyID starts a new family (fresh login); tokenID pins the
// record's id so a rotation's replaced_by_id pointer stays consistent.
func (s *Service) issuePair(
	ctx context.Context,
	store Store,
	user *UserInfo,
	meta ClientMeta,
	familyID, tokenID string,
) (*AuthResponse, error) {
	if familyID == "" {
		familyID = uuid.New().String()
	}
	if tokenID == "" {
		tokenID = uuid.New().String()
	}

	accessToken, err := s.codec.SignAccess(user.ID)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refreshToken, expiresAt, err := s.codec.SignRefresh(
		user.ID,
		tokenID,
		familyID,
	)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	record := &RefreshToken{
		ID:        tokenID,
		UserID:    user.ID,
		FamilyID:  familyID,
		TokenHash: core.HashToken(refreshToken),
		ExpiresAt: expiresAt,
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
	}

	if err := store.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return &AuthResponse{
		User: UserResponse{
			ID:    user.ID,
			Email: user.Email,
			Name:  user.Name,
		},
		Tokens: TokenResponse{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			TokenType:    "Bearer",
			ExpiresIn:    int(s.codec.AccessTTL() / time.Second),
			RefreshTTL:   int(s.codec.RefreshTTL() / time.Second),
		},
	}, nil
}
