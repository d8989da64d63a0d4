package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/csvsage/sage/conversation"
	"github.com/ZanzyTHEbar/csvsage/sage/dataset"
	"github.com/ZanzyTHEbar/csvsage/sage/harness"
	ports "github.com/ZanzyTHEbar/csvsage/sage/harness/ports"
	"github.com/ZanzyTHEbar/csvsage/sage/metrics"
	"github.com/ZanzyTHEbar/csvsage/sage/tools"
)

// Options configures a Manager.
type Options struct {
	IdleTTL         time.Duration // sessions untouched this long are dropped, 0 keeps them
	CleanupInterval time.Duration
	UploadDir       string // temporary files for uploads, os.TempDir() when empty
	SystemMessage   string
	Store           ports.ConversationStore // optional transcript persistence
	Logger          zerolog.Logger
}

// Manager holds independent sessions.
type Manager struct {
	sessions     *cache.Cache
	idleTTL      time.Duration
	loader       *dataset.Loader
	registry     *tools.Registry
	orchestrator *harness.HarnessOrchestrator
	policy       *harness.Policy
	opts         Options
	logger       zerolog.Logger
}

// NewManager creates a session manager. Every session shares the loader, registry and
// orchestrator but owns its dataset and log.
func NewManager(loader *dataset.Loader, registry *tools.Registry, orchestrator *harness.HarnessOrchestrator, policy *harness.Policy, opts Options) *Manager {
	ttl := opts.IdleTTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	cleanup := opts.CleanupInterval
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}

	m := &Manager{
		sessions:     cache.New(ttl, cleanup),
		idleTTL:      ttl,
		loader:       loader,
		registry:     registry,
		orchestrator: orchestrator,
		policy:       policy,
		opts:         opts,
		logger:       opts.Logger,
	}
	m.sessions.OnEvicted(func(id string, _ interface{}) {
		metrics.ActiveSessions.Dec()
		m.logger.Debug().Str("session_id", id).Msg("session dropped")
	})
	return m
}

// Create stores the upload in a temporary file, loads it and opens a session on it. Load
// failures are returned as *dataset.LoadError.
func (m *Manager) Create(ctx context.Context, filename string, content io.Reader) (*Session, error) {
	ds, err := m.load(ctx, filename, content)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logOpts := []conversation.Option{conversation.WithLogger(m.logger)}
	if m.opts.Store != nil {
		logOpts = append(logOpts, conversation.WithStore(m.opts.Store))
	}
	return m.open(id, filename, ds, conversation.New(id, logOpts...)), nil
}

// Resume reopens a dropped session from its persisted conversation over a fresh upload of
// its dataset. It needs a Store and fails with ErrNotFound when nothing was saved under id.
func (m *Manager) Resume(ctx context.Context, id, filename string, content io.Reader) (*Session, error) {
	if m.opts.Store == nil {
		return nil, ErrNoStore
	}
	if _, ok := m.sessions.Get(id); ok {
		return nil, fmt.Errorf("%w: %s", ErrActive, id)
	}

	log, err := conversation.Restore(ctx, id, m.opts.Store, conversation.WithLogger(m.logger))
	if err != nil {
		return nil, err
	}
	if log.Len() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ds, err := m.load(ctx, filename, content)
	if err != nil {
		return nil, err
	}
	return m.open(id, filename, ds, log), nil
}

func (m *Manager) load(ctx context.Context, filename string, content io.Reader) (*dataset.Dataset, error) {
	path, err := m.spool(content)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)

	ds, err := m.loader.Load(ctx, dataset.FromFile(path))
	if err != nil {
		m.logger.Warn().Err(err).Str("filename", filename).Msg("upload rejected")
		return nil, err
	}
	return ds, nil
}

func (m *Manager) open(id, filename string, ds *dataset.Dataset, log *conversation.Log) *Session {
	s := newSession(id, filename, ds, log, m.registry, time.Now())
	m.sessions.SetDefault(id, s)
	metrics.ActiveSessions.Inc()
	m.logger.Info().
		Str("session_id", id).
		Str("filename", filename).
		Int("rows", ds.Rows()).
		Int("columns", ds.NumColumns()).
		Int("turns", log.Len()).
		Msg("session opened")
	return s
}

func (m *Manager) spool(content io.Reader) (string, error) {
	dir := m.opts.UploadDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("upload dir: %w", err)
	}

	path := filepath.Join(dir, "upload-"+uuid.NewString()+".csv")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write upload file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close upload file: %w", err)
	}
	return path, nil
}

// Get returns the session and restarts its idle timer.
func (m *Manager) Get(id string) (*Session, error) {
	v, ok := m.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s := v.(*Session)
	// Replace keeps the entry without firing the eviction callback.
	_ = m.sessions.Replace(id, s, m.idleTTL)
	return s, nil
}

// Ask runs a query in the session.
func (m *Manager) Ask(ctx context.Context, id, query string) (*harness.Response, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Ask(ctx, m.orchestrator, m.policy, m.opts.SystemMessage, query)
}

// Invoke calls a tool directly in the session.
func (m *Manager) Invoke(ctx context.Context, id, tool string, args []byte) (any, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Invoke(ctx, tool, args), nil
}

// Close drops a session.
func (m *Manager) Close(id string) error {
	if _, ok := m.sessions.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.sessions.Delete(id)
	return nil
}

// Len is the number of live sessions.
func (m *Manager) Len() int { return m.sessions.ItemCount() }

// Registry is the tool registry sessions dispatch into.
func (m *Manager) Registry() *tools.Registry { return m.registry }
