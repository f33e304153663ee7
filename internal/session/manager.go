package session

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager keeps at most one open session per process. Starting a new
// session fully closes the previous one first; after any close an idle
// session takes over so concurrent Log calls are never dropped.
type Manager struct {
	mu      sync.Mutex
	dataDir string
	logger  *zap.Logger
	now     func() time.Time
	current *Session
}

// NewManager starts with an idle session.
func NewManager(dataDir string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		dataDir: dataDir,
		logger:  logger.Named("sessions"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	m.current = New(Idle, dataDir, Options{Now: m.now})
	return m
}

// WithNow overrides the manager clock. Test hook; applies to sessions
// started afterwards.
func (m *Manager) WithNow(now func() time.Time) *Manager {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

// Current returns the open session, or nil after Shutdown.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Start closes the current session (flushing its archive) and opens a new
// one of the given type.
func (m *Manager) Start(typ Type, opts Options) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCurrentLocked()
	if opts.Now == nil {
		opts.Now = m.now
	}
	m.current = New(typ, m.dataDir, opts)
	m.logger.Info("session started",
		zap.String("session_id", m.current.ID()), zap.String("type", string(typ)))
	return m.current
}

// End closes the current session and replaces it with an idle one,
// returning the archive path (empty when there was nothing to flush).
func (m *Manager) End() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := m.closeCurrentLocked()
	m.current = New(Idle, m.dataDir, Options{Now: m.now})
	return path
}

// Shutdown closes the current session and leaves the manager sessionless.
// Subsequent calls are no-ops returning "".
func (m *Manager) Shutdown() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := m.closeCurrentLocked()
	m.current = nil
	return path
}

func (m *Manager) closeCurrentLocked() string {
	if m.current == nil || m.current.IsClosed() {
		m.current = nil
		return ""
	}
	path, err := m.current.Close()
	if err != nil {
		m.logger.Error("session close failed",
			zap.String("session_id", m.current.ID()), zap.Error(err))
		m.current = nil
		return ""
	}
	m.logger.Info("session closed",
		zap.String("session_id", m.current.ID()), zap.String("path", path))
	m.current = nil
	return path
}
