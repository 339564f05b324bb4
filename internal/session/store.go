// AngelaMos | 2026
// store.go

package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/carterperez-dev/session-service/internal/core"
)

// ConsumeResult is the store's verdict on a TryConsume call. The verdict is
// decided by the conditional UPDATE itself, never by a prior read.
type ConsumeResult int

const (
	ConsumeOK ConsumeResult = iota
	ConsumeAlreadyUsed
	ConsumeRevoked
	ConsumeNotFound
)

// Store is the single source of truth for refresh tokens. All mutating
// operations are atomic and conditional; callers never do read-then-write.
type Store interface {
	Create(ctx context.Context, token *RefreshToken) error
	FindByID(ctx context.Context, id string) (*RefreshToken, error)
	TryConsume(
		ctx context.Context,
		id, replacedByID string,
	) (ConsumeResult, error)
	RevokeByFamilyID(ctx context.Context, familyID string) error
	RevokeAllForUser(ctx context.Context, userID string) error
	ActiveForUser(ctx context.Context, userID string) ([]RefreshToken, error)
	DeleteExpired(
		ctx context.Context,
		retention time.Duration,
	) (int64, error)
}

type store struct {
	db core.DBTX
}

func NewStore(db core.DBTX) Store {
	return &store{db: db}
}

func (s *store) Create(ctx context.Context, token *RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (
			id, user_id, family_id, token_hash, expires_at,
			user_agent, ip_address
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		RETURNING issued_at`

	err := s.db.GetContext(ctx, &token.IssuedAt, query,
		token.ID,
		token.UserID,
		token.FamilyID,
		token.TokenHash,
		token.ExpiresAt,
		token.UserAgent,
		token.IPAddress,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create refresh token: %w", core.ErrConflict)
		}
		return fmt.Errorf("create refresh token: %w", err)
	}

	return nil
}

func (s *store) FindByID(
	ctx context.Context,
	id string,
) (*RefreshToken, error) {
	query := `
		SELECT
			id, user_id, family_id, token_hash, issued_at, expires_at,
			used_at, replaced_by_id, revoked_at, user_agent, ip_address
		FROM refresh_tokens
		WHERE id = $1`

	var token RefreshToken
	err := s.db.GetContext(ctx, &token, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find refresh token: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find refresh token: %w", err)
	}

	return &token, nil
}

// TryConsume is the synchronization primitive for rotation. The UPDATE's
// WHERE clause decides the winner in one round trip; under concurrent calls
// the database re-checks the predicate against the committed row, so exactly
// one caller ever sees ConsumeOK for a given id. The follow-up SELECT only
// labels a losing outcome. used_at and revoked_at are one-way, so the label
// cannot change between the UPDATE and the read.
func (s *store) TryConsume(
	ctx context.Context,
	id, replacedByID string,
) (ConsumeResult, error) {
	query := `
		UPDATE refresh_tokens
		SET used_at = NOW(), replaced_by_id = $2
		WHERE id = $1 AND used_at IS NULL AND revoked_at IS NULL`

	result, err := s.db.ExecContext(ctx, query, id, replacedByID)
	if err != nil {
		return ConsumeNotFound, fmt.Errorf("consume refresh token: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return ConsumeNotFound, fmt.Errorf("consume refresh token: %w", err)
	}

	if rows == 1 {
		return ConsumeOK, nil
	}

	var state struct {
		Used    bool `db:"used"`
		Revoked bool `db:"revoked"`
	}
	classify := `
		SELECT used_at IS NOT NULL AS used, revoked_at IS NOT NULL AS revoked
		FROM refresh_tokens
		WHERE id = $1`

	err = s.db.GetContext(ctx, &state, classify, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ConsumeNotFound, nil
	}
	if err != nil {
		return ConsumeNotFound, fmt.Errorf("consume refresh token: %w", err)
	}

	switch {
	case state.Revoked:
		return ConsumeRevoked, nil
	case state.Used:
		return ConsumeAlreadyUsed, nil
	default:
		return ConsumeNotFound, fmt.Errorf(
			"consume refresh token: inconsistent state for %s", id,
		)
	}
}

// RevokeByFamilyID stamps every record of the family, consumed ones
// included, so any later presentation of any member sees a revoked record.
// Idempotent.
func (s *store) RevokeByFamilyID(
	ctx context.Context,
	familyID string,
) error {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = NOW()
		WHERE family_id = $1 AND revoked_at IS NULL`

	_, err := s.db.ExecContext(ctx, query, familyID)
	if err != nil {
		return fmt.Errorf("revoke token family: %w", err)
	}

	return nil
}

func (s *store) RevokeAllForUser(
	ctx context.Context,
	userID string,
) error {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = NOW()
		WHERE user_id = $1 AND revoked_at IS NULL`

	_, err := s.db.ExecContext(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("revoke all user tokens: %w", err)
	}

	return nil
}

func (s *store) ActiveForUser(
	ctx context.Context,
	userID string,
) ([]RefreshToken, error) {
	query := `
		SELECT
			id, user_id, family_id, token_hash, issued_at, expires_at,
			used_at, replaced_by_id, revoked_at, user_agent, ip_address
		FROM refresh_tokens
		WHERE user_id = $1
			AND used_at IS NULL
			AND revoked_at IS NULL
			AND expires_at > NOW()
		ORDER BY issued_at DESC`

	var tokens []RefreshToken
	err := s.db.SelectContext(ctx, &tokens, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}

	return tokens, nil
}

// DeleteExpired garbage-collects rows past expiry plus the retention
// window. Expired rows are kept around for that window so a replayed stale
// token still classifies as used/revoked rather than unknown.
func (s *store) DeleteExpired(
	ctx context.Context,
	retention time.Duration,
) (int64, error) {
	query := `
		DELETE FROM refresh_tokens
		WHERE expires_at < $1`

	cutoff := time.Now().Add(-retention)

	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}

	return rows, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// TxRunner executes a unit of work against transaction-scoped store and
// subject-provider instances. Registration uses it so the new subject and
// its first refresh token commit or roll back together.
type TxRunner interface {
	RunInTx(
		ctx context.Context,
		fn func(store Store, users SubjectProvider) error,
	) error
}

// TxBinder constructs tx-scoped collaborators; wired in cmd/api so this
// package stays free of the concrete subject repository.
type TxBinder func(tx core.DBTX) (Store, SubjectProvider)

type sqlTxRunner struct {
	db   *sqlx.DB
	bind TxBinder
}

func NewTxRunner(db *sqlx.DB, bind TxBinder) TxRunner {
	return &sqlTxRunner{db: db, bind: bind}
}

func (r *sqlTxRunner) RunInTx(
	ctx context.Context,
	fn func(store Store, users SubjectProvider) error,
) error {
	return core.InTx(ctx, r.db, func(tx *sqlx.Tx) error {
		store, users := r.bind(tx)
		return fn(store, users)
	})
}
