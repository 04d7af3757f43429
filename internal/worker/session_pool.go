package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AltairaLabs/mobius/internal/bridge"
	"github.com/AltairaLabs/mobius/internal/observability"
	"github.com/AltairaLabs/mobius/internal/protocol"
	"github.com/AltairaLabs/mobius/internal/sandbox"
)

// ErrSessionNotFound is returned for commands naming a session this worker
// does not hold
var ErrSessionNotFound = errors.New("session not found")

// SessionPool holds the sandboxes placed on this worker
type SessionPool struct {
	mu          sync.RWMutex
	sessions    map[string]*WorkerSession
	maxSessions int
	opts        sandbox.Options
	logger      *slog.Logger
}

// WorkerSession is one sandbox and its bookkeeping
type WorkerSession struct {
	SessionID string
	Sandbox   *sandbox.Sandbox
	CreatedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
}

// NewSessionPool creates a pool whose sandboxes are built from opts.
// maxSessions of 0 means no limit.
func NewSessionPool(opts sandbox.Options, maxSessions int, logger *slog.Logger) *SessionPool {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logger
	}
	return &SessionPool{
		sessions:    make(map[string]*WorkerSession),
		maxSessions: maxSessions,
		opts:        opts,
		logger:      logger,
	}
}

// CreateSessionWithID starts a sandbox under the id the host assigned
func (sp *SessionPool) CreateSessionWithID(ctx context.Context, sessionID string, host sandbox.Host) error {
	sp.mu.Lock()
	if sp.maxSessions > 0 && len(sp.sessions) >= sp.maxSessions {
		sp.mu.Unlock()
		return fmt.Errorf("session pool at capacity: %d/%d", len(sp.sessions), sp.maxSessions)
	}
	if _, exists := sp.sessions[sessionID]; exists {
		sp.mu.Unlock()
		return fmt.Errorf("session already exists: %s", sessionID)
	}
	// reserve the id while the program runs
	session := &WorkerSession{SessionID: sessionID, CreatedAt: time.Now(), lastActivity: time.Now()}
	sp.sessions[sessionID] = session
	sp.mu.Unlock()

	sb, err := sandbox.New(ctx, sessionID, host, sp.opts)
	if err != nil {
		sp.remove(sessionID)
		return fmt.Errorf("failed to initialize session: %w", err)
	}
	session.mu.Lock()
	session.Sandbox = sb
	session.mu.Unlock()

	observability.RecordSessionEvent("created")
	sp.logger.Info("Session created", "session_id", sessionID)
	return nil
}

// GetSession retrieves a running session by ID
func (sp *SessionPool) GetSession(sessionID string) (*WorkerSession, error) {
	sp.mu.RLock()
	session, exists := sp.sessions[sessionID]
	sp.mu.RUnlock()
	if !exists || session.sandbox() == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session, nil
}

// remove forgets a session. The sandbox has already been destroyed.
func (sp *SessionPool) remove(sessionID string) {
	sp.mu.Lock()
	_, exists := sp.sessions[sessionID]
	delete(sp.sessions, sessionID)
	sp.mu.Unlock()
	if exists {
		observability.RecordSessionEvent("destroyed")
	}
}

// Count returns how many sessions the pool holds
func (sp *SessionPool) Count() int {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return len(sp.sessions)
}

// DestroyAll destroys every session, used when the worker shuts down
func (sp *SessionPool) DestroyAll(ctx context.Context) {
	sp.mu.RLock()
	sessions := make([]*WorkerSession, 0, len(sp.sessions))
	for _, s := range sp.sessions {
		sessions = append(sessions, s)
	}
	sp.mu.RUnlock()

	for _, s := range sessions {
		if sb := s.sandbox(); sb != nil {
			if err := sb.Destroy(ctx); err != nil {
				sp.logger.Warn("Failed to destroy session", "session_id", s.SessionID, "error", err)
			}
		}
		sp.remove(s.SessionID)
	}
}

// Dispatch runs a host command against the session it names
func (sp *SessionPool) Dispatch(ctx context.Context, cmd bridge.Command) (any, error) {
	session, err := sp.GetSession(cmd.SessionID)
	if err != nil {
		return nil, err
	}
	session.touch()
	sb := session.sandbox()

	switch cmd.Method {
	case bridge.MethodProcessEvents:
		events, err := cmd.StreamArg(0)
		if err != nil {
			return nil, err
		}
		return nil, sb.ProcessEvents(ctx, events, cmd.BoolArg(1))
	case bridge.MethodSynchronizeChannels:
		return nil, sb.SynchronizeChannels(ctx)
	case bridge.MethodScheduleSynchronize:
		return nil, sb.ScheduleSynchronize(ctx)
	case bridge.MethodArchiveEvents:
		return nil, sb.ArchiveEvents(ctx, cmd.BoolArg(0))
	case bridge.MethodUnarchiveEvents:
		return nil, sb.UnarchiveEvents(ctx)
	case bridge.MethodRender:
		var opts sandbox.RenderOptions
		if err := bridge.DecodeInto(cmd.Arg(0), &opts); err != nil {
			return nil, fmt.Errorf("invalid render options: %w", err)
		}
		return sb.Render(ctx, opts)
	case bridge.MethodBootstrap:
		clientID, _ := protocol.AsInt(cmd.Arg(0))
		return sb.Bootstrap(ctx, clientID)
	case bridge.MethodValueForFormField:
		value, found, err := sb.ValueForFormField(ctx, cmd.StringArg(0))
		if err != nil {
			return nil, err
		}
		return []any{value, found}, nil
	case bridge.MethodHasLocalChannels:
		return sb.HasLocalChannels(ctx)
	case bridge.MethodUpdateOpenServerChannelStatus:
		return nil, sb.UpdateOpenServerChannelStatus(ctx, cmd.BoolArg(0))
	case bridge.MethodBecameActive:
		return nil, sb.BecameActive(ctx)
	case bridge.MethodDestroy:
		return nil, sb.Destroy(ctx)
	case bridge.MethodDestroyIfExhausted:
		return sb.DestroyIfExhausted(ctx)
	default:
		return nil, fmt.Errorf("unknown method %q", cmd.Method)
	}
}

func (s *WorkerSession) sandbox() *sandbox.Sandbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Sandbox
}

func (s *WorkerSession) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns when the host last invoked the session
func (s *WorkerSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}
