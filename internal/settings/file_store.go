package settings

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bryanchriswhite/switchr/internal/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// FileStore persists settings in a YAML file through a dedicated viper instance
type FileStore struct {
	path string
	v    *viper.Viper
	mu   sync.RWMutex
}

// DefaultPath returns $HOME/.config/switchr/<name>
func DefaultPath(name string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(homeDir, ".config", "switchr", name), nil
}

// NewFileStore opens (or prepares) the settings file at path
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		p, err := DefaultPath("settings.yaml")
		if err != nil {
			return nil, err
		}
		path = p
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create settings directory")
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrap(err, "failed to read settings")
		}
		logger.WithComponent("settings").Debug().
			Str("path", path).
			Msg("Settings file not found, starting empty")
	}

	return &FileStore{path: path, v: v}, nil
}

// Path returns the backing file path
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(key string) (string, bool) {
	key = normalizeKey(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.v.IsSet(key) {
		return "", false
	}
	return s.v.GetString(key), true
}

func (s *FileStore) Set(key, value string) error {
	key = normalizeKey(key)
	if key == "" {
		return errors.New("empty settings key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.v.Set(key, value)
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return errors.Wrap(err, "failed to write settings")
	}
	return nil
}

func (s *FileStore) List(prefix string) map[string]string {
	prefix = normalizeKey(prefix)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string)
	for _, key := range s.v.AllKeys() {
		if strings.HasPrefix(key, prefix) {
			out[key] = s.v.GetString(key)
		}
	}
	return out
}

// Watch re-reads the file whenever it changes on disk and calls onChange
func (s *FileStore) Watch(onChange func()) {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		logger.WithComponent("settings").Info().
			Str("path", e.Name).
			Str("op", e.Op.String()).
			Msg("Settings file changed")
		if onChange != nil {
			onChange()
		}
	})
	s.v.WatchConfig()
}
