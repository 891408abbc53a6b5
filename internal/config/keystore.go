package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

// FileKeyStore writes the search key back into the config file. Only the
// file's own contents are round-tripped; defaults and environment overrides
// never reach disk.
type FileKeyStore struct {
	path string
	mu   sync.Mutex
}

// NewFileKeyStore returns a key store for the config file at path.
func NewFileKeyStore(path string) (*FileKeyStore, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	return &FileKeyStore{path: path}, nil
}

// SaveSearchKey sets search.search_key in the file.
func (s *FileKeyStore) SaveSearchKey(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return errors.New("search key is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read %s: %w", s.path, err)
	}
	v.Set("search.search_key", key)
	if err := v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}
