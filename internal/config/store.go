package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	yaml "gopkg.in/yaml.v3"
)

// Store owns the on-disk configuration file and serializes mutations to it.
// Reads are lock-free snapshots; the only supported mutation is the broker
// token rotation, which must update memory and disk together so that a
// single-use refresh grant is never lost.
type Store struct {
	path string

	mu  sync.RWMutex // guards cfg pointer swaps
	cfg *Config

	// One mutex per broker id so rotation on one account never blocks
	// another, while two rotations on the same account are serialized.
	brokerMu sync.Map // string -> *sync.Mutex
}

// NewStore loads the configuration from path and wraps it in a Store.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cfg: cfg}, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Get returns the current configuration snapshot.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Reload re-reads the file, replacing the in-memory snapshot.
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

func (s *Store) lockFor(brokerID string) *sync.Mutex {
	m, _ := s.brokerMu.LoadOrStore(brokerID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// UpdateBrokerTokens rewrites the access/refresh token pair of one broker
// entry, atomically in memory and on disk. The refresh grant is single-use
// upstream, so on any persistence failure the in-memory tokens are reverted
// and the error returned; the caller must then keep using the old pair.
func (s *Store) UpdateBrokerTokens(brokerID, accessToken, refreshToken string) error {
	mu := s.lockFor(brokerID)
	mu.Lock()
	defer mu.Unlock()

	s.mu.Lock()
	b, ok := s.cfg.Brokers[brokerID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("broker %q not found in config", brokerID)
	}
	oldAccess, oldRefresh := b.AccessToken, b.RefreshToken
	b.AccessToken = accessToken
	b.RefreshToken = refreshToken
	snapshot := s.cfg
	s.mu.Unlock()

	if err := s.writeFile(snapshot); err != nil {
		s.mu.Lock()
		b.AccessToken = oldAccess
		b.RefreshToken = oldRefresh
		s.mu.Unlock()
		return fmt.Errorf("persisting rotated tokens: %w", err)
	}
	return nil
}

// writeFile serializes cfg and replaces the config file atomically:
// write-temp + fsync + rename, with an advisory file lock held so a
// concurrent process sees either the old or the new file, never a torn one.
func (s *Store) writeFile(cfg *Config) error {
	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquiring config lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}
