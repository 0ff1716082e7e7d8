package scanapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/seoscan/pkg/planenforce"
	"github.com/wisbric/seoscan/pkg/planregistry"
)

// UserLookup resolves a caller-supplied user id to their subscription
// record. Kept as a narrow interface so handler tests can fake it without a
// live database.
type UserLookup interface {
	LookupUser(ctx context.Context, userID string) (*planenforce.User, error)
}

// PostgresUserLookup reads the users table directly: this is the one place
// in the HTTP layer that talks to Postgres outside of scan.Repository,
// since user lookup belongs to identity resolution, not scan persistence
// (spec.md §4.D; there is no auth/session layer in this system — see
// spec.md §1 Non-goals — so a request either names a known user id or is
// treated as anonymous).
type PostgresUserLookup struct {
	pool *pgxpool.Pool
}

// NewPostgresUserLookup returns a PostgresUserLookup backed by pool.
func NewPostgresUserLookup(pool *pgxpool.Pool) *PostgresUserLookup {
	return &PostgresUserLookup{pool: pool}
}

// ErrUserNotFound is what LookupUser returns for a missing row; a nil, nil
// result is never returned, so callers can distinguish "unknown id" from a
// transient lookup failure.
var ErrUserNotFound = errors.New("scanapi: user not found")

func (l *PostgresUserLookup) LookupUser(ctx context.Context, userID string) (*planenforce.User, error) {
	var u planenforce.User
	var plan string
	var expiresAt *time.Time

	err := l.pool.QueryRow(ctx, `
		SELECT id, plan, subscription_active, subscription_expires_at
		FROM users WHERE id = $1`, userID,
	).Scan(&u.ID, &plan, &u.SubscriptionActive, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user %s: %w", userID, err)
	}

	u.Plan = planregistry.Tier(plan)
	u.SubscriptionExpiresAt = expiresAt
	return &u, nil
}
