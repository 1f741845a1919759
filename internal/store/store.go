package store

import (
	"context"
	"fmt"
	"time"
)

// RecordKind classifies audit records.
type RecordKind string

const (
	KindAction   RecordKind = "action"   // merge/label/comment effects
	KindRunner   RecordKind = "runner"   // lifecycle transitions
	KindDispatch RecordKind = "dispatch" // matrix run outcomes
)

// Record is one audit entry: an applied effect, a runner lifecycle
// transition, or a dispatch outcome.
type Record struct {
	Timestamp time.Time  `json:"timestamp"`
	Kind      RecordKind `json:"kind"`
	Subject   string     `json:"subject"`
	Detail    string     `json:"detail"`
}

// Store persists audit records. Implementations: file-backed JSON and
// PostgreSQL.
type Store interface {
	Record(ctx context.Context, rec Record) error
	Recent(ctx context.Context, count int) ([]Record, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Enabled    bool
	Type       string // "file" or "postgres"
	Path       string
	DSN        string
	MaxRecords int
}

// Open creates the configured store. A disabled store is a no-op sink so
// callers never need a nil check.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if !cfg.Enabled {
		return noopStore{}, nil
	}
	switch cfg.Type {
	case "file":
		return newFileStore(cfg)
	case "postgres":
		return openPGStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

type noopStore struct{}

func (noopStore) Record(context.Context, Record) error { return nil }

func (noopStore) Recent(context.Context, int) ([]Record, error) { return nil, nil }

func (noopStore) Close() error { return nil }
