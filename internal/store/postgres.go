package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS gantry_audit (
	id        BIGSERIAL PRIMARY KEY,
	ts        TIMESTAMPTZ NOT NULL,
	kind      TEXT NOT NULL,
	subject   TEXT NOT NULL,
	detail    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS gantry_audit_ts_idx ON gantry_audit (ts DESC);
`

type pgStore struct {
	pool *pgxpool.Pool
}

func openPGStore(ctx context.Context, cfg Config) (*pgStore, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("schema bootstrap: %w", err)
	}

	return &pgStore{pool: pool}, nil
}

func (s *pgStore) Record(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gantry_audit (ts, kind, subject, detail)
		VALUES ($1,$2,$3,$4)
	`, rec.Timestamp, string(rec.Kind), rec.Subject, rec.Detail)
	return err
}

func (s *pgStore) Recent(ctx context.Context, count int) ([]Record, error) {
	if count <= 0 {
		count = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ts, kind, subject, detail
		FROM gantry_audit
		ORDER BY ts DESC
		LIMIT $1
	`, count)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var kind string
		if err := rows.Scan(&rec.Timestamp, &kind, &rec.Subject, &rec.Detail); err != nil {
			return nil, err
		}
		rec.Kind = RecordKind(kind)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}
