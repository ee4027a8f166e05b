// Package postgres persists API responses in PostgreSQL so a response
// cache can outlive the process.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/derivkit/derivws/core/schema"
	"github.com/derivkit/derivws/storage/postgres/migrations"
)

const (
	upsertSQL = `
INSERT INTO api_responses (cache_key, msg_type, response, updated_at)
VALUES ($1, $2, $3::jsonb, NOW())
ON CONFLICT (cache_key) DO UPDATE SET
    msg_type = EXCLUDED.msg_type,
    response = EXCLUDED.response,
    updated_at = NOW();
`
	selectSQL       = `SELECT response FROM api_responses WHERE cache_key = $1;`
	selectByTypeSQL = `
SELECT response FROM api_responses
WHERE msg_type = $1
ORDER BY updated_at DESC
LIMIT 1;
`
)

// Store is a cache.Backend on top of a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open migrates the schema and connects a fresh pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if err := Migrate(ctx, dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect response store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping response store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate applies the embedded migrations to the database at dsn.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	src, err := iofs.New(migrations.Files, ".")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, request schema.Message) (schema.Message, bool, error) {
	key, err := schema.Fingerprint(request)
	if err != nil {
		return nil, false, err
	}
	var raw []byte
	err = s.pool.QueryRow(ctx, selectSQL, string(key)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load cached response: %w", err)
	}
	msg, err := schema.Decode(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode cached response: %w", err)
	}
	return msg, true, nil
}

func (s *Store) Set(ctx context.Context, request, response schema.Message) error {
	key, err := schema.Fingerprint(request)
	if err != nil {
		return err
	}
	raw, err := response.Encode()
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if _, err := s.pool.Exec(ctx, upsertSQL, string(key), response.MsgType(), raw); err != nil {
		return fmt.Errorf("store response: %w", err)
	}
	return nil
}

func (s *Store) GetByMsgType(ctx context.Context, msgType string) (schema.Message, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, selectByTypeSQL, msgType).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load cached response: %w", err)
	}
	msg, err := schema.Decode(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode cached response: %w", err)
	}
	return msg, true, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
