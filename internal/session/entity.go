// AngelaMos | 2026
// entity.go

package session

import (
	"time"
)

// RefreshToken is one row per issued refresh credential. Rows are mutated
// only through the store's conditional consume and revoke operations;
// used_at and revoked_at are one-way transitions.
type RefreshToken struct {
	ID           string     `db:"id"`
	UserID       string     `db:"user_id"`
	FamilyID     string     `db:"family_id"`
	TokenHash    string     `db:"token_hash"`
	IssuedAt     time.Time  `db:"issued_at"`
	ExpiresAt    time.Time  `db:"expires_at"`
	UsedAt       *time.Time `db:"used_at"`
	ReplacedByID *string    `db:"replaced_by_id"`
	RevokedAt    *time.Time `db:"revoked_at"`
	UserAgent    string     `db:"user_agent"`
	IPAddress    string     `db:"ip_address"`
}

func (t *RefreshToken) IsUsed() bool {
	return t.UsedAt != nil
}

func (t *RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

func (t *RefreshToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// ClientMeta is the request context recorded with every issued token and
// every security audit event.
type ClientMeta struct {
	UserAgent string
	IPAddress string
}
