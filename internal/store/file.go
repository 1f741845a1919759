package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

type fileStore struct {
	cfg     Config
	mu      sync.RWMutex
	records []Record
}

func newFileStore(cfg Config) (*fileStore, error) {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 1000
	}
	s := &fileStore{
		cfg:     cfg,
		records: make([]Record, 0),
	}

	if cfg.Path != "" {
		if err := s.load(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load store: %w", err)
		}
	}
	return s, nil
}

func (s *fileStore) Record(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	s.records = append(s.records, rec)

	if len(s.records) > s.cfg.MaxRecords {
		s.records = s.records[len(s.records)-s.cfg.MaxRecords:]
	}

	return s.persist()
}

func (s *fileStore) Recent(_ context.Context, count int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if count > len(s.records) || count <= 0 {
		count = len(s.records)
	}

	out := make([]Record, count)
	copy(out, s.records[len(s.records)-count:])
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}

func (s *fileStore) load() error {
	data, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &s.records)
}

func (s *fileStore) persist() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}
	return os.WriteFile(s.cfg.Path, data, 0644)
}
