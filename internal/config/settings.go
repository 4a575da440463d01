package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
	"github.com/kimhsiao/medportal/core/internal/logging"
	"github.com/kimhsiao/medportal/core/internal/models"
)

// Settings are the user-adjustable sync and cache options.
type Settings struct {
	SyncIntervalMinutes int                   `yaml:"syncIntervalMinutes" json:"syncIntervalMinutes" validate:"gte=1,lte=1440"`
	WifiOnly            bool                  `yaml:"wifiOnly" json:"wifiOnly"`
	MaxCacheBytes       int64                 `yaml:"maxCacheBytes" json:"maxCacheBytes" validate:"gte=1048576"`
	MaxCacheAgeDays     int                   `yaml:"maxCacheAgeDays" json:"maxCacheAgeDays" validate:"gte=1,lte=365"`
	ConflictPolicy      models.ConflictPolicy `yaml:"conflictPolicy" json:"conflictPolicy" validate:"oneof=SERVER_WINS CLIENT_WINS MERGE"`
	LowDataMode         bool                  `yaml:"lowDataMode" json:"lowDataMode"`
}

// DefaultSettings returns the settings used on first run.
func DefaultSettings() Settings {
	return Settings{
		SyncIntervalMinutes: 15,
		MaxCacheBytes:       500 * 1024 * 1024,
		MaxCacheAgeDays:     7,
		ConflictPolicy:      models.PolicyServerWins,
	}
}

// Validate checks the settings against their bounds.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid settings", err)
	}
	return nil
}

// SyncInterval returns the interval as a duration.
func (s Settings) SyncInterval() time.Duration {
	return time.Duration(s.SyncIntervalMinutes) * time.Minute
}

// MaxCacheAge returns the cache age limit as a duration.
func (s Settings) MaxCacheAge() time.Duration {
	return time.Duration(s.MaxCacheAgeDays) * 24 * time.Hour
}

// SettingsStore keeps the current Settings in memory, persists them as YAML
// and notifies subscribers of every change.
type SettingsStore struct {
	path string

	mu      sync.RWMutex
	current Settings
	subs    map[int]func(Settings)
	nextID  int
}

// OpenSettings loads settings from path, writing defaults when the file does
// not exist yet. Missing fields in an existing file keep their defaults.
func OpenSettings(path string, defaults Settings) (*SettingsStore, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	s := &SettingsStore{path: path, current: defaults, subs: make(map[int]func(Settings))}

	loaded, err := readSettings(path, defaults)
	switch {
	case os.IsNotExist(err):
		if err := s.persist(defaults); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		s.current = loaded
	}
	return s, nil
}

func readSettings(path string, base Settings) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	out := base
	if err := yaml.Unmarshal(data, &out); err != nil {
		return Settings{}, apperrors.Wrap(apperrors.ErrValidation, "failed to parse settings file", err)
	}
	if err := out.Validate(); err != nil {
		return Settings{}, err
	}
	return out, nil
}

func (s *SettingsStore) persist(v Settings) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode settings", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to create settings directory", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to write settings", err)
	}
	return nil
}

// Path returns the settings file location.
func (s *SettingsStore) Path() string { return s.path }

// Get returns the current settings.
func (s *SettingsStore) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies fn to a copy of the current settings, validates and
// persists the result, then notifies subscribers. Nothing changes when
// validation or the write fails.
func (s *SettingsStore) Update(fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	next := s.current
	fn(&next)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return s.Get(), err
	}
	if next == s.current {
		s.mu.Unlock()
		return next, nil
	}
	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		return s.Get(), err
	}
	s.current = next
	s.mu.Unlock()

	s.notify(next)
	return next, nil
}

// Subscribe registers fn for settings changes and returns an unsubscribe
// function.
func (s *SettingsStore) Subscribe(fn func(Settings)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *SettingsStore) notify(v Settings) {
	s.mu.RLock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Settings), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Reload re-reads the file and reports whether the settings changed. An
// invalid file leaves the current settings in place.
func (s *SettingsStore) Reload() (bool, error) {
	loaded, err := readSettings(s.path, DefaultSettings())
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	if loaded == s.current {
		s.mu.Unlock()
		return false, nil
	}
	s.current = loaded
	s.mu.Unlock()

	logging.Info("Settings reloaded", map[string]interface{}{"path": s.path})
	s.notify(loaded)
	return true, nil
}

// Watch reloads the settings whenever the file is edited externally, until
// ctx is done. The parent directory is watched because atomic writes replace
// the file rather than modifying it.
func (s *SettingsStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to create settings watcher", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to watch settings directory", err)
	}
	name := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if _, err := s.Reload(); err != nil && !os.IsNotExist(err) {
				logging.Warn("Ignoring invalid settings file", map[string]interface{}{
					"path": s.path, "error": err.Error(),
				})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("Settings watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}
