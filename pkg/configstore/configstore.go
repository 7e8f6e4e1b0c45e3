// Package configstore persists reusable journey configurations as JSON
// files and keeps an in-memory view current via filesystem notifications.
package configstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/caravanhq/caravan/pkg/log"
	"github.com/caravanhq/caravan/pkg/types"
)

const filePrefix = "config-"

// ErrNotFound means no stored configuration has the requested id.
var ErrNotFound = errors.New("configstore: configuration not found")

// JourneyConfig is one stored journey template.
type JourneyConfig struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	CompanyName  string           `json:"companyName"`
	Domain       string           `json:"domain,omitempty"`
	IndustryType string           `json:"industryType,omitempty"`
	JourneyType  string           `json:"journeyType,omitempty"`
	Steps        []types.StepSpec `json:"steps"`
	Timestamp    time.Time        `json:"timestamp"`
	Version      int              `json:"version"`
}

// Spec expands the template into a journey ready for simulation.
func (c JourneyConfig) Spec() types.JourneySpec {
	return types.JourneySpec{
		JourneyID:    c.ID,
		CompanyName:  c.CompanyName,
		Domain:       c.Domain,
		IndustryType: c.IndustryType,
		JourneyType:  c.JourneyType,
		Steps:        c.Steps,
	}
}

// Store reads and writes config-<id>.json files under one directory. A
// watcher picks up files edited or dropped in out of band, so operators can
// manage templates with a text editor while the engine runs.
type Store struct {
	dir string

	mu      sync.RWMutex
	configs map[string]JourneyConfig

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore loads every stored configuration from dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating config dir: %w", err)
	}
	s := &Store{
		dir:     dir,
		configs: make(map[string]JourneyConfig),
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// Watch starts reacting to filesystem changes until Close is called.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return fmt.Errorf("watching config dir: %w", err)
	}
	s.watcher = w
	s.done = make(chan struct{})
	go s.watch()
	return nil
}

// Close stops the watcher if one is running.
func (s *Store) Close() {
	if s.watcher != nil {
		s.watcher.Close()
		<-s.done
	}
}

func (s *Store) watch() {
	defer close(s.done)
	logger := log.WithComponent("configstore")
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			id, match := idFromPath(ev.Name)
			if !match {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
				s.mu.Lock()
				delete(s.configs, id)
				s.mu.Unlock()
				logger.Info().Str("config_id", id).Msg("Journey configuration removed")
			case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
				if err := s.loadOne(ev.Name); err != nil {
					logger.Warn().Err(err).Str("file", ev.Name).Msg("Ignoring unreadable journey configuration")
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

// Save stores the configuration, assigning an id on first save and
// bumping the version on updates.
func (s *Store) Save(cfg JourneyConfig) (JourneyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if prev, ok := s.configs[cfg.ID]; ok {
		cfg.Version = prev.Version + 1
	} else if cfg.Version == 0 {
		cfg.Version = 1
	}
	cfg.Timestamp = time.Now().UTC()

	if err := s.write(cfg); err != nil {
		return JourneyConfig{}, err
	}
	s.configs[cfg.ID] = cfg
	return cfg, nil
}

// Get returns the stored configuration with the given id.
func (s *Store) Get(id string) (JourneyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[id]
	if !ok {
		return JourneyConfig{}, ErrNotFound
	}
	return cfg, nil
}

// List returns all stored configurations, newest first.
func (s *Store) List() []JourneyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JourneyConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Delete removes the configuration and its file. Deleting an unknown id
// returns ErrNotFound.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[id]; !ok {
		return ErrNotFound
	}
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing config file: %w", err)
	}
	delete(s.configs, id)
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, filePrefix+id+".json")
}

func idFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, filePrefix) || !strings.HasSuffix(base, ".json") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(base, filePrefix), ".json")
	return id, id != ""
}

func (s *Store) write(cfg JourneyConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	path := s.path(cfg.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing config file: %w", err)
	}
	return nil
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("reading config dir: %w", err)
	}
	logger := log.WithComponent("configstore")
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := idFromPath(entry.Name()); !ok {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := s.loadOne(path); err != nil {
			logger.Warn().Err(err).Str("file", path).Msg("Skipping unreadable journey configuration")
		}
	}
	return nil
}

func (s *Store) loadOne(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cfg JourneyConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	id, _ := idFromPath(path)
	if cfg.ID == "" {
		cfg.ID = id
	}
	if cfg.ID != id {
		return fmt.Errorf("config id %q does not match file name %s", cfg.ID, filepath.Base(path))
	}
	s.mu.Lock()
	s.configs[cfg.ID] = cfg
	s.mu.Unlock()
	return nil
}
