// Package config holds the local settings store: the diagnostic log location
// and a catalog of named SSH public keys.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

// DirName is the per-user directory holding configuration and logs.
const DirName = ".lsetup"

var (
	// ErrKeyNotFound is returned when a named key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrDuplicateName is returned when a key name is already taken by a different key.
	ErrDuplicateName = errors.New("key name already exists")
)

// Key is a public key entry as stored in authorized_keys form.
type Key struct {
	Type string `yaml:"type"`
	Key  string `yaml:"key"`
}

// String returns the "<type> <base64>" authorized_keys form.
func (k Key) String() string {
	return k.Type + " " + k.Key
}

// Log holds diagnostic log settings.
type Log struct {
	// Path is the directory the log file is written to.
	Path string `yaml:"path"`
}

// Config is the on-disk document.
type Config struct {
	Log     Log            `yaml:"log"`
	SSHKeys map[string]Key `yaml:"ssh_keys,omitempty"`
}

// Store loads and saves a Config at a fixed path.
type Store struct {
	path string
	cfg  *Config
}

// DefaultPath returns ~/.lsetup/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, DirName, "config.yaml"), nil
}

// NewStore returns a store for path. Nothing is read until Load.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.path
}

// defaults returns a Config with the log directory next to the config file.
func (s *Store) defaults() *Config {
	return &Config{
		Log: Log{Path: filepath.Join(filepath.Dir(s.path), "log")},
	}
}

// Load reads the file. A missing file is created with defaults.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.cfg = s.defaults()
		return s.Save()
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	cfg := s.defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", s.path, err)
	}
	s.cfg = cfg
	return nil
}

// Save writes the current configuration.
func (s *Store) Save() error {
	if s.cfg == nil {
		s.cfg = s.defaults()
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(s.cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Config returns the loaded configuration.
func (s *Store) Config() *Config {
	if s.cfg == nil {
		s.cfg = s.defaults()
	}
	return s.cfg
}

// LogPath returns the configured log directory.
func (s *Store) LogPath() string {
	return s.Config().Log.Path
}

// AddKey parses an authorized_keys line and stores it under name. When name
// is empty the key comment is used. If the same key is already stored, its
// existing name is returned and added is false.
func (s *Store) AddKey(line, name string) (stored string, added bool, err error) {
	pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return "", false, fmt.Errorf("invalid public key: %w", err)
	}
	key := Key{
		Type: pub.Type(),
		Key:  base64.StdEncoding.EncodeToString(pub.Marshal()),
	}

	cfg := s.Config()
	for existing, k := range cfg.SSHKeys {
		if k.Key == key.Key {
			return existing, false, nil
		}
	}

	if name == "" {
		name = strings.TrimSpace(comment)
	}
	if name == "" {
		return "", false, errors.New("key name cannot be empty")
	}
	if _, exists := cfg.SSHKeys[name]; exists {
		return "", false, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}

	if cfg.SSHKeys == nil {
		cfg.SSHKeys = make(map[string]Key)
	}
	cfg.SSHKeys[name] = key
	return name, true, nil
}

// Key looks up a key by name.
func (s *Store) Key(name string) (Key, error) {
	k, ok := s.Config().SSHKeys[name]
	if !ok {
		return Key{}, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	return k, nil
}

// KeyNames returns the stored key names in sorted order.
func (s *Store) KeyNames() []string {
	names := make([]string, 0, len(s.Config().SSHKeys))
	for name := range s.Config().SSHKeys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RemoveKey deletes a key by name.
func (s *Store) RemoveKey(name string) error {
	if _, ok := s.Config().SSHKeys[name]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	delete(s.cfg.SSHKeys, name)
	return nil
}
