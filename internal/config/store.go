package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// StoreError wraps filesystem failures so callers can tell a persistence
// problem apart from a validation one.
type StoreError struct {
	Path string
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("config store: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Store persists the configuration as a single JSON file. Writes go through
// a temp file and rename so a crash never leaves a torn document.
type Store struct {
	path   string
	logger *zap.Logger

	mu sync.Mutex
}

// NewStore creates a store backed by the file at path.
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads the configuration. A missing file yields the default, which is
// written back immediately so the user has something to edit. A corrupt file
// is set aside under a .corrupt suffix and likewise replaced by the default.
func (s *Store) Load() (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no config file, writing default", zap.String("path", s.path))
		cfg := Default()
		if err := s.write(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, &StoreError{Path: s.path, Op: "read", Err: err}
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		backup := s.path + ".corrupt"
		s.logger.Warn("config file corrupt, falling back to default",
			zap.String("path", s.path),
			zap.String("backup", backup),
			zap.Error(err),
		)
		if renameErr := os.Rename(s.path, backup); renameErr != nil {
			s.logger.Warn("could not set corrupt file aside", zap.Error(renameErr))
		}
		fresh := Default()
		if err := s.write(fresh); err != nil {
			return nil, err
		}
		return fresh, nil
	}

	if cfg.Results == nil {
		cfg.Results = make(map[string]GroupResult)
	}
	return &cfg, nil
}

// Save atomically persists cfg.
func (s *Store) Save(cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(cfg)
}

func (s *Store) write(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return &StoreError{Path: s.path, Op: "encode", Err: err}
	}
	data = append(data, '\n')

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &StoreError{Path: s.path, Op: "mkdir", Err: err}
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return &StoreError{Path: s.path, Op: "create", Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &StoreError{Path: s.path, Op: "write", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StoreError{Path: s.path, Op: "close", Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return &StoreError{Path: s.path, Op: "rename", Err: err}
	}
	return nil
}
