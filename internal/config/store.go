package config

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/shellgate/shellgate/internal/policy"
	"github.com/shellgate/shellgate/internal/sshpool"
)

// Runtime is one immutable, fully derived view of the configuration.
// Requests read a Runtime and never see a partially reloaded policy.
type Runtime struct {
	Config      *Config
	Policy      *policy.Snapshot
	SSHProfiles map[string]sshpool.Profile
}

// Store publishes the current Runtime and swaps it atomically on reload.
type Store struct {
	path    string
	current atomic.Pointer[Runtime]
}

// NewStore loads path and returns a store ready to serve requests.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Runtime returns the current immutable snapshot bundle.
func (s *Store) Runtime() *Runtime {
	return s.current.Load()
}

// Reload re-reads the file and swaps the whole runtime in one step. On
// error the previous runtime stays in effect.
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(&Runtime{
		Config:      cfg,
		Policy:      cfg.Snapshot(),
		SSHProfiles: cfg.SSHProfiles(),
	})
	return nil
}

// Watch reloads the store when the config file changes, until ctx ends.
// Editors replace files rather than rewrite them, so the parent directory
// is watched and events are debounced.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var pending *time.Timer
		reload := func() {
			if err := s.Reload(); err != nil {
				log.Error().Err(err).Str("config_file", s.path).Msg("Config reload failed, keeping previous policy")
				return
			}
			log.Info().Str("config_file", s.path).Msg("Configuration reloaded")
		}

		for {
			select {
			case <-ctx.Done():
				if pending != nil {
					pending.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(250*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()

	log.Info().Str("config_file", s.path).Msg("Watching configuration for changes")
	return nil
}
