package templates

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

//go:embed defaults/*
var defaultsFS embed.FS

// Names of the built-in documents.
const (
	LinuxVM     = "linux-vm"
	WindowsVM   = "windows-vm"
	LinuxInit   = "linux-init.sh"
	reloadDelay = 500 * time.Millisecond
)

// Store holds deployment templates and init scripts. Built-in documents are
// embedded; files in an override directory replace them by name.
//
// Templates are keyed by file name without extension and may be written in
// JSON or YAML. Scripts are keyed by their full file name.
type Store struct {
	logger zerolog.Logger
	dir    string

	mu        sync.RWMutex
	templates map[string]map[string]interface{}
	scripts   map[string]string

	watcher *fsnotify.Watcher
}

// NewStore loads the built-in documents and then the overrides in dir.
// An empty dir uses the built-in documents only.
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		logger: logger.With().Str("component", "template-store").Logger(),
		dir:    dir,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload rebuilds the store from the built-in documents and the override
// directory. On error the previous contents are kept.
func (s *Store) Reload() error {
	templates := make(map[string]map[string]interface{})
	scripts := make(map[string]string)

	sub, err := fs.Sub(defaultsFS, "defaults")
	if err != nil {
		return fmt.Errorf("failed to open built-in templates: %w", err)
	}
	if err := loadDir(sub, templates, scripts); err != nil {
		return fmt.Errorf("failed to load built-in templates: %w", err)
	}

	overrides := 0
	if s.dir != "" {
		before := len(templates) + len(scripts)
		if err := loadDir(os.DirFS(s.dir), templates, scripts); err != nil {
			return fmt.Errorf("failed to load templates from %s: %w", s.dir, err)
		}
		overrides = len(templates) + len(scripts) - before
	}

	s.mu.Lock()
	s.templates = templates
	s.scripts = scripts
	s.mu.Unlock()

	s.logger.Debug().
		Int("templates", len(templates)).
		Int("scripts", len(scripts)).
		Int("new_documents", overrides).
		Str("dir", s.dir).
		Msg("Templates loaded")

	return nil
}

func loadDir(fsys fs.FS, templates map[string]map[string]interface{}, scripts map[string]string) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}

		switch ext := filepath.Ext(name); ext {
		case ".json", ".yaml", ".yml":
			doc, err := parseTemplate(data)
			if err != nil {
				return fmt.Errorf("failed to parse %s: %w", name, err)
			}
			templates[strings.TrimSuffix(name, ext)] = doc
		case ".sh", ".ps1":
			scripts[name] = string(data)
		}
	}
	return nil
}

// parseTemplate decodes a JSON or YAML document. JSON is valid YAML.
func parseTemplate(data []byte) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("document is empty")
	}
	if _, ok := doc["resources"]; !ok {
		return nil, fmt.Errorf("document has no resources section")
	}
	return doc, nil
}

// Template returns a copy of the named deployment template.
func (s *Store) Template(name string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.templates[name]
	if !ok {
		return nil, fmt.Errorf("template %q not found", name)
	}
	copied, _ := deepCopy(doc).(map[string]interface{})
	return copied, nil
}

// Script returns the named init script.
func (s *Store) Script(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	script, ok := s.scripts[name]
	if !ok {
		return "", fmt.Errorf("script %q not found", name)
	}
	return script, nil
}

// Names lists every template and script name.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.templates)+len(s.scripts))
	for name := range s.templates {
		names = append(names, name)
	}
	for name := range s.scripts {
		names = append(names, name)
	}
	return names
}

// Watch reloads the store when files in the override directory change.
// It returns immediately; watching stops when ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	if s.dir == "" {
		return fmt.Errorf("no template directory to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}
	s.watcher = watcher

	go s.processEvents(ctx)

	s.logger.Info().Str("dir", s.dir).Msg("Started watching templates")
	return nil
}

func (s *Store) processEvents(ctx context.Context) {
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = s.watcher.Close()
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			s.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Template file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := s.Reload(); err != nil {
					s.logger.Error().Err(err).Msg("Failed to reload templates")
				}
			})

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func deepCopy(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return val
	}
}
