package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tOgg1/changegate/internal/events"
	"github.com/tOgg1/changegate/internal/logging"
	"github.com/tOgg1/changegate/internal/models"
)

// Store supplies the approval policies to evaluate.
type Store interface {
	ListActive(ctx context.Context) ([]*models.ApprovalPolicy, error)
}

// StaticStore serves a fixed policy list.
type StaticStore struct {
	Policies []*models.ApprovalPolicy
}

// ListActive implements Store.
func (s StaticStore) ListActive(context.Context) ([]*models.ApprovalPolicy, error) {
	return Order(s.Policies), nil
}

// File is the on-disk policy document.
type File struct {
	Policies []*models.ApprovalPolicy `yaml:"policies"`
}

// LoadFile reads a YAML policy file. A missing file yields no policies.
func LoadFile(path string) ([]*models.ApprovalPolicy, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	for i, p := range file.Policies {
		if p == nil {
			return nil, fmt.Errorf("parse policy file %s: entry %d is empty", path, i)
		}
		if p.ID == "" {
			p.ID = p.Name
		}
	}
	return file.Policies, nil
}

// FileStore serves policies from a YAML file and reloads them when the file
// changes. A reload that fails to parse keeps the previous policies.
type FileStore struct {
	path      string
	logger    zerolog.Logger
	publisher events.Publisher

	mu       sync.RWMutex
	policies []*models.ApprovalPolicy
	loadErr  error

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithStoreLogger overrides the component logger.
func WithStoreLogger(logger zerolog.Logger) FileStoreOption {
	return func(s *FileStore) {
		s.logger = logger
	}
}

// WithStorePublisher publishes policy.reloaded events.
func WithStorePublisher(publisher events.Publisher) FileStoreOption {
	return func(s *FileStore) {
		s.publisher = publisher
	}
}

// NewFileStore loads path once. Call Watch to follow changes.
func NewFileStore(path string, opts ...FileStoreOption) (*FileStore, error) {
	s := &FileStore{
		path:      path,
		logger:    logging.Component("policy"),
		publisher: events.NopPublisher{},
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// ListActive implements Store. It returns the last error if the file has
// never loaded successfully.
func (s *FileStore) ListActive(context.Context) ([]*models.ApprovalPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.policies == nil && s.loadErr != nil {
		return nil, s.loadErr
	}
	return Order(s.policies), nil
}

// All returns every policy in the file, including inactive ones.
func (s *FileStore) All() []*models.ApprovalPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*models.ApprovalPolicy(nil), s.policies...)
}

// Reload re-reads the policy file.
func (s *FileStore) Reload() error {
	policies, err := LoadFile(s.path)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.loadErr = err
		return err
	}
	if policies == nil {
		policies = []*models.ApprovalPolicy{}
	}
	s.policies = policies
	s.loadErr = nil
	return nil
}

// Watch starts following the policy file's directory. Editors often replace
// files by rename, so the directory is watched rather than the file.
func (s *FileStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating policy watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(s.path), err)
	}
	s.watcher = watcher

	s.wg.Add(1)
	go s.watchLoop()
	return nil
}

func (s *FileStore) watchLoop() {
	defer s.wg.Done()
	target := filepath.Clean(s.path)

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			s.handleChange()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("policy watcher error")
		}
	}
}

func (s *FileStore) handleChange() {
	if err := s.Reload(); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("policy reload failed; keeping previous policies")
		return
	}
	count := len(s.All())
	s.logger.Info().Str("path", s.path).Int("policies", count).Msg("policies reloaded")
	s.publisher.Publish(context.Background(), events.NewEvent(
		models.EventTypePolicyReloaded,
		models.EntityTypePolicy,
		s.path,
		map[string]int{"policies": count},
		nil,
	))
}

// Close stops watching.
func (s *FileStore) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	var err error
	if s.watcher != nil {
		err = s.watcher.Close()
	}
	s.wg.Wait()
	return err
}
