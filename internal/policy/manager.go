package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Manager owns the live policy snapshot. Reads are a single atomic
// pointer load; mutations build a validated replacement off to the
// side, persist it, and publish it with one pointer swap, so a reader
// never observes a half-updated document.
type Manager struct {
	path string
	log  zerolog.Logger

	mu  sync.Mutex // serializes reload and all mutators
	cur atomic.Pointer[Document]

	reloadErr atomic.Pointer[reloadState]
	onReload  func(error)
}

type reloadState struct{ err error }

// NewManager wraps an already-validated document.
func NewManager(doc *Document, path string, log zerolog.Logger) *Manager {
	m := &Manager{path: path, log: log}
	m.cur.Store(doc)
	return m
}

// FromFile loads and validates the policy file. Construction fails on
// a malformed or invalid file: the process must not start unprotected.
func FromFile(path string, log zerolog.Logger) (*Manager, error) {
	doc, err := LoadDocument(path)
	if err != nil {
		return nil, err
	}
	return NewManager(doc, path, log), nil
}

// LoadDocument reads, parses and validates a policy file.
func LoadDocument(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	doc.applyDefaults()
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// SaveDocument writes the document atomically: temp file in the same
// directory, then rename, so a crash mid-write never leaves a torn
// file for the next load.
func SaveDocument(doc *Document, path string) error {
	b, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode policy file: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create policy dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".policy-*.yaml")
	if err != nil {
		return fmt.Errorf("write policy file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write policy file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write policy file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write policy file: %w", err)
	}
	return nil
}

// Current returns the live snapshot for the hot path. The returned
// document is shared and must be treated as read-only.
func (m *Manager) Current() *Document {
	return m.cur.Load()
}

// Get returns a deep copy callers may freely mutate or serialize.
func (m *Manager) Get() Document {
	return *m.Current().Clone()
}

// Path returns the backing file location.
func (m *Manager) Path() string { return m.path }

// Reload re-reads the backing file and, only if it parses and
// validates, swaps it in. On any failure the previous snapshot stays
// live and the failure is recorded for Degraded and the admin status.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := LoadDocument(m.path)
	if err != nil {
		m.reloadErr.Store(&reloadState{err: err})
		if m.onReload != nil {
			m.onReload(err)
		}
		return err
	}
	m.cur.Store(doc)
	m.reloadErr.Store(&reloadState{})
	if m.onReload != nil {
		m.onReload(nil)
	}
	m.log.Info().Str("path", m.path).Msg("policy reloaded")
	return nil
}

// OnReload registers an observer for every reload attempt (nil error
// on success). Set once during startup, before background reloads run.
func (m *Manager) OnReload(fn func(error)) {
	m.onReload = fn
}

// Degraded reports whether the most recent reload attempt failed.
func (m *Manager) Degraded() bool {
	s := m.reloadErr.Load()
	return s != nil && s.err != nil
}

// LastReloadError returns the most recent reload failure, if any.
func (m *Manager) LastReloadError() error {
	if s := m.reloadErr.Load(); s != nil {
		return s.err
	}
	return nil
}

// ErrNotFound is returned by removal mutators when nothing matched.
var ErrNotFound = errors.New("not found")

// update is the single mutation path: clone, apply, validate, persist,
// publish. A failure at any step leaves the live snapshot untouched.
func (m *Manager) update(mutate func(*Document) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.cur.Load().Clone()
	if err := mutate(next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	if err := SaveDocument(next, m.path); err != nil {
		return err
	}
	m.cur.Store(next)
	m.log.Info().Str("path", m.path).Msg("policy updated and saved")
	return nil
}

// SetEnabled toggles admission control globally.
func (m *Manager) SetEnabled(enabled bool) error {
	return m.update(func(d *Document) error {
		d.Enabled = enabled
		return nil
	})
}

// SetDefaultRule replaces the fallback quota.
func (m *Manager) SetDefaultRule(rule Rule) error {
	return m.update(func(d *Document) error {
		d.Default = rule
		return nil
	})
}

// AddEndpointRule registers an endpoint override.
func (m *Manager) AddEndpointRule(rule EndpointRule) error {
	return m.update(func(d *Document) error {
		d.Endpoints = append(d.Endpoints, rule)
		return nil
	})
}

// RemoveEndpointRule drops every override registered for path.
func (m *Manager) RemoveEndpointRule(path string) error {
	return m.update(func(d *Document) error {
		kept := d.Endpoints[:0]
		for _, ep := range d.Endpoints {
			if ep.Path != path {
				kept = append(kept, ep)
			}
		}
		if len(kept) == len(d.Endpoints) {
			return fmt.Errorf("endpoint rule %q: %w", path, ErrNotFound)
		}
		d.Endpoints = kept
		return nil
	})
}

// AddExemptPath marks a path as bypassing admission. Adding an already
// exempt path is a no-op that still succeeds.
func (m *Manager) AddExemptPath(path string) error {
	return m.update(func(d *Document) error {
		for _, p := range d.ExemptPaths {
			if p == path {
				return nil
			}
		}
		d.ExemptPaths = append(d.ExemptPaths, path)
		return nil
	})
}

// RemoveExemptPath removes a path from the exempt set.
func (m *Manager) RemoveExemptPath(path string) error {
	return m.update(func(d *Document) error {
		kept := d.ExemptPaths[:0]
		for _, p := range d.ExemptPaths {
			if p != path {
				kept = append(kept, p)
			}
		}
		if len(kept) == len(d.ExemptPaths) {
			return fmt.Errorf("exempt path %q: %w", path, ErrNotFound)
		}
		d.ExemptPaths = kept
		return nil
	})
}
