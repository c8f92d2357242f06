package storage

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a KV backed by a single table:
//
//	<schema>.client_state(key text primary key, value text not null, updated_at timestamptz not null)
//
// Ownership model:
// - Postgres does NOT own the pgx pool unless it was built by OpenPostgres.
type Postgres struct {
	pool    *pgxpool.Pool
	schema  string
	ownPool bool
}

// PostgresOption configures Postgres behavior.
type PostgresOption func(*Postgres) error

// WithSchema sets the DB schema used by this store (default: "topicchat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *Postgres) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("storage: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("storage: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgres constructs a Postgres-backed KV on an existing pool.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) (*Postgres, error) {
	st := &Postgres{pool: pool, schema: "topicchat"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("storage: nil pool")
	}
	return st, nil
}

// OpenPostgres dials databaseURL, creates the schema/table if missing and returns a store
// that owns (and closes) its pool.
func OpenPostgres(ctx context.Context, databaseURL string, opts ...PostgresOption) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	st, err := NewPostgres(pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	st.ownPool = true

	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

// Migrate creates the schema and table if they do not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table()+` (
		key        text PRIMARY KEY,
		value      text NOT NULL,
		updated_at timestamptz NOT NULL DEFAULT now()
	)`)
	return err
}

// Get returns the value for key.
func (s *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM `+s.table()+` WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set upserts value under key.
func (s *Postgres) Set(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	return err
}

// Delete removes keys.
func (s *Postgres) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE key = ANY($1)`, keys)
	return err
}

// Close closes the pool when the store owns it.
func (s *Postgres) Close() error {
	if s.ownPool {
		s.pool.Close()
	}
	return nil
}

func (s *Postgres) table() string {
	return pgx.Identifier{s.schema, "client_state"}.Sanitize()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}
