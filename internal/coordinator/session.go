package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/mobius/internal/observability"
	"github.com/AltairaLabs/mobius/internal/protocol"
	"github.com/AltairaLabs/mobius/internal/sandbox"
)

// ErrSessionNotFound is returned for ids the manager does not hold
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExists is returned when a client names a session id already in use
var ErrSessionExists = errors.New("session already exists")

// Session is the host's handle on one session sandbox, whether it runs in
// this process or in a worker
type Session interface {
	ID() string
	ProcessEvents(ctx context.Context, events protocol.Stream, noScript bool) error
	SynchronizeChannels(ctx context.Context) error
	ScheduleSynchronize(ctx context.Context) error
	ArchiveEvents(ctx context.Context, includeTrailer bool) error
	UnarchiveEvents(ctx context.Context) error
	Render(ctx context.Context, opts sandbox.RenderOptions) (string, error)
	Bootstrap(ctx context.Context, clientID int) (protocol.BootstrapData, error)
	ValueForFormField(ctx context.Context, name string) (string, bool, error)
	HasLocalChannels(ctx context.Context) (bool, error)
	UpdateOpenServerChannelStatus(ctx context.Context, open bool) error
	BecameActive(ctx context.Context) error
	Destroy(ctx context.Context) error
	DestroyIfExhausted(ctx context.Context) (bool, error)
}

// HostSession pairs a session with the clients attached to it
type HostSession struct {
	Session
	Clients   *InProcessClients
	CreatedAt time.Time
	// Worker is the index of the hosting worker, or -1 in-process
	Worker int

	mu          sync.Mutex
	lastMessage time.Time
	ended       bool
}

// Touch records client activity
func (hs *HostSession) Touch() {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.lastMessage = time.Now()
}

// LastMessage returns when a client was last heard from
func (hs *HostSession) LastMessage() time.Time {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.lastMessage
}

// Ended reports whether the sandbox has been destroyed
func (hs *HostSession) Ended() bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.ended
}

func (hs *HostSession) markEnded() {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.ended = true
	hs.lastMessage = time.Now()
}

// SessionManager owns every session this host serves
type SessionManager struct {
	sessions     map[string]*HostSession
	mu           sync.RWMutex
	creating     sync.Mutex
	orchestrator Orchestrator
	audit        *AuditLogger
	logger       *slog.Logger

	allowMultipleClients bool
}

// NewSessionManager creates a session manager placing sessions through orchestrator
func NewSessionManager(orchestrator Orchestrator, audit *AuditLogger, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		sessions:     make(map[string]*HostSession),
		orchestrator: orchestrator,
		audit:        audit,
		logger:       logger,
	}
}

// SetAllowMultipleClients lets every session accept extra clients without
// the program asking to share
func (sm *SessionManager) SetAllowMultipleClients(allow bool) {
	sm.allowMultipleClients = allow
}

// CreateSession starts a new session whose generated urls are based on baseURL
func (sm *SessionManager) CreateSession(ctx context.Context, baseURL string) (*HostSession, error) {
	return sm.createSession(ctx, uuid.NewString(), baseURL)
}

// CreateSessionWithID starts a session under an id a client generated for
// itself before it ever talked to the host
func (sm *SessionManager) CreateSessionWithID(ctx context.Context, id, baseURL string) (*HostSession, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid session id %q: %w", id, err)
	}
	sm.creating.Lock()
	defer sm.creating.Unlock()
	if _, ok := sm.GetSession(id); ok {
		return nil, ErrSessionExists
	}
	return sm.createSession(ctx, id, baseURL)
}

func (sm *SessionManager) createSession(ctx context.Context, id, baseURL string) (*HostSession, error) {
	clients := NewInProcessClients(id, baseURL, sm.logger)
	if sm.allowMultipleClients {
		clients.sharing = true
	}
	hs := &HostSession{
		Clients:     clients,
		CreatedAt:   time.Now(),
		Worker:      -1,
		lastMessage: time.Now(),
	}
	clients.onDestroyed = func() {
		hs.markEnded()
		sm.audit.LogSessionDestroyed(context.Background(), id)
		observability.RecordSessionEvent("destroyed")
	}

	session, worker, err := sm.orchestrator.NewSession(ctx, id, clients)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	hs.Session = session
	hs.Worker = worker

	sm.mu.Lock()
	sm.sessions[id] = hs
	sm.mu.Unlock()

	sm.audit.LogSessionCreated(ctx, id, worker)
	observability.RecordSessionEvent("created")
	return hs, nil
}

// GetSession retrieves a session by id
func (sm *SessionManager) GetSession(sessionID string) (*HostSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	hs, ok := sm.sessions[sessionID]
	return hs, ok
}

// DestroySession ends a session and forgets it
func (sm *SessionManager) DestroySession(ctx context.Context, sessionID string) error {
	hs, ok := sm.GetSession(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if !hs.Ended() {
		if err := hs.Destroy(ctx); err != nil {
			return err
		}
	}
	sm.forget(sessionID)
	return nil
}

func (sm *SessionManager) forget(sessionID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, sessionID)
}

// ListSessions returns every session, oldest first
func (sm *SessionManager) ListSessions() []*HostSession {
	sm.mu.RLock()
	out := make([]*HostSession, 0, len(sm.sessions))
	for _, hs := range sm.sessions {
		out = append(out, hs)
	}
	sm.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SessionCount returns the number of sessions held
func (sm *SessionManager) SessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CleanupStale reaps sessions nobody has talked to within maxAge. Idle
// clients are detached first; a session left without clients is destroyed
// once it has nothing open, and archived otherwise. Ended sessions are
// forgotten. Returns the number of sessions removed.
func (sm *SessionManager) CleanupStale(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, hs := range sm.ListSessions() {
		if hs.LastMessage().After(cutoff) {
			continue
		}
		id := hs.ID()
		if hs.Ended() {
			sm.forget(id)
			removed++
			continue
		}
		hs.Clients.DetachIdle(cutoff)
		destroyed, err := hs.DestroyIfExhausted(ctx)
		if err != nil {
			sm.logger.Warn("failed to reap session", "session_id", id, "error", err)
			continue
		}
		if destroyed {
			sm.forget(id)
			removed++
			continue
		}
		if hs.Clients.Count() > 0 {
			continue
		}
		if err := hs.ArchiveEvents(ctx, true); err != nil {
			if !errors.Is(err, sandbox.ErrNoArchive) {
				sm.logger.Warn("failed to archive idle session", "session_id", id, "error", err)
			}
			continue
		}
		sm.audit.LogSessionArchived(ctx, id)
		observability.RecordSessionEvent("archived")
	}
	return removed
}
