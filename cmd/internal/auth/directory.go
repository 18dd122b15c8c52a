package auth

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// User is the account state the handshake cares about.
type User struct {
	ID     string
	Active bool
	Banned bool
}

// UserDirectory looks up accounts. Lookup returns ErrUserNotFound for unknown ids.
type UserDirectory interface {
	Lookup(ctx context.Context, userID string) (User, error)
}

// InMemoryDirectory is a dev/test UserDirectory.
type InMemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewInMemoryDirectory constructs a directory seeded with users.
func NewInMemoryDirectory(users ...User) *InMemoryDirectory {
	d := &InMemoryDirectory{users: make(map[string]User, len(users))}
	for _, u := range users {
		d.Put(u)
	}
	return d
}

// Put inserts or replaces a user.
func (d *InMemoryDirectory) Put(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

// Lookup implements UserDirectory.
func (d *InMemoryDirectory) Lookup(_ context.Context, userID string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

// PostgresUserDirectory reads account flags from the users table.
//
// It does NOT own the pool.
type PostgresUserDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

var schemaRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewPostgresUserDirectory constructs a directory over schema.users.
func NewPostgresUserDirectory(pool *pgxpool.Pool, schema string) (*PostgresUserDirectory, error) {
	if pool == nil {
		return nil, errors.New("auth: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "connectglobal"
	}
	if !schemaRE.MatchString(schema) {
		return nil, ErrConfig
	}
	return &PostgresUserDirectory{pool: pool, schema: schema}, nil
}

// Lookup implements UserDirectory.
func (d *PostgresUserDirectory) Lookup(ctx context.Context, userID string) (User, error) {
	users := pgx.Identifier{d.schema, "users"}.Sanitize()

	u := User{ID: userID}
	err := d.pool.QueryRow(ctx,
		`SELECT is_active, is_banned FROM `+users+` WHERE id = $1`,
		userID,
	).Scan(&u.Active, &u.Banned)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}
