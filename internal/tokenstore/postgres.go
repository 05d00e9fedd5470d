package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"copilot-gateway/internal/auth"
)

const schema = `
CREATE TABLE IF NOT EXISTS copilot_tokens (
	id             TEXT PRIMARY KEY,
	access_token   TEXT NOT NULL,
	expires_at     TIMESTAMPTZ NOT NULL,
	refresh_handle TEXT NOT NULL DEFAULT '',
	tier           TEXT NOT NULL DEFAULT '',
	refresh_in_ms  BIGINT NOT NULL DEFAULT 0,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres keeps the record in the copilot_tokens table, one row per key.
type Postgres struct {
	pool *pgxpool.Pool
	key  string
}

// NewPool opens and pings a pgx pool.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// NewPostgres ensures the table exists and returns a store for key.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, key string) (*Postgres, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("create copilot_tokens table: %w", err)
	}
	return &Postgres{pool: pool, key: key}, nil
}

func (p *Postgres) Get(ctx context.Context) (*auth.Token, error) {
	var (
		tok       auth.Token
		refreshMS int64
	)
	err := p.pool.QueryRow(ctx, `
		SELECT access_token, expires_at, refresh_handle, tier, refresh_in_ms
		FROM copilot_tokens WHERE id = $1`, p.key,
	).Scan(&tok.AccessToken, &tok.ExpiresAt, &tok.RefreshHandle, &tok.Tier, &refreshMS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select token %q: %w", p.key, err)
	}
	tok.RefreshIn = time.Duration(refreshMS) * time.Millisecond
	return &tok, nil
}

func (p *Postgres) Set(ctx context.Context, tok auth.Token) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO copilot_tokens (id, access_token, expires_at, refresh_handle, tier, refresh_in_ms, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			expires_at = EXCLUDED.expires_at,
			refresh_handle = EXCLUDED.refresh_handle,
			tier = EXCLUDED.tier,
			refresh_in_ms = EXCLUDED.refresh_in_ms,
			updated_at = now()`,
		p.key, tok.AccessToken, tok.ExpiresAt, tok.RefreshHandle, tok.Tier, tok.RefreshIn.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("upsert token %q: %w", p.key, err)
	}
	return nil
}
