package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Context is what `changegate context set` remembers between invocations:
// the default target device and the identity recorded as requester or
// approver.
type Context struct {
	DeviceID   string    `yaml:"device,omitempty" json:"device_id,omitempty"`
	DeviceName string    `yaml:"device_name,omitempty" json:"device_name,omitempty"`
	Actor      string    `yaml:"actor,omitempty" json:"actor,omitempty"`
	UpdatedAt  time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

func (c *Context) IsEmpty() bool   { return !c.HasDevice() && !c.HasActor() }
func (c *Context) HasDevice() bool { return c.DeviceID != "" }
func (c *Context) HasActor() bool  { return c.Actor != "" }

// SetDevice records the default device. The name is kept for display only;
// commands resolve the device by ID.
func (c *Context) SetDevice(id, name string) {
	c.DeviceID, c.DeviceName = id, name
	c.UpdatedAt = time.Now().UTC()
}

// SetActor records the acting identity, trimmed.
func (c *Context) SetActor(actor string) {
	c.Actor = strings.TrimSpace(actor)
	c.UpdatedAt = time.Now().UTC()
}

func (c *Context) String() string {
	if c.IsEmpty() {
		return "(no context set)"
	}
	var parts []string
	if c.HasDevice() {
		name := c.DeviceName
		if name == "" {
			name = c.DeviceID
			if len(name) > 8 {
				name = name[:8]
			}
		}
		parts = append(parts, "device:"+name)
	}
	if c.HasActor() {
		parts = append(parts, "actor:"+c.Actor)
	}
	return strings.Join(parts, " ")
}

// ContextStore persists a Context as YAML in the config directory.
type ContextStore struct {
	path string
	mu   sync.Mutex
}

// NewContextStore returns a store backed by path.
func NewContextStore(path string) *ContextStore {
	return &ContextStore{path: path}
}

func (s *ContextStore) Path() string {
	return s.path
}

// Load returns the saved context, or an empty one when nothing is saved.
func (s *ContextStore) Load() (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Save replaces the saved context.
func (s *ContextStore) Save(c *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(c)
}

// Update loads the saved context, applies fn and saves the result. Nothing
// is written when fn fails.
func (s *ContextStore) Update(fn func(*Context) error) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.load()
	if err != nil {
		return nil, err
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	if err := s.save(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Clear deletes the saved context. Clearing twice is not an error.
func (s *ContextStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove context %s: %w", s.path, err)
	}
	return nil
}

func (s *ContextStore) load() (*Context, error) {
	c := &Context{}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read context %s: %w", s.path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse context %s: %w", s.path, err)
	}
	return c, nil
}

// save writes through a temp file and rename so a concurrent reader never
// sees a truncated context.
func (s *ContextStore) save(c *Context) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".context-*.yaml")
	if err != nil {
		return fmt.Errorf("write context: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write context: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write context: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("write context: %w", err)
	}
	return nil
}
