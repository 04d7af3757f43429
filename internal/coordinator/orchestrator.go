package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AltairaLabs/mobius/internal/bridge"
	"github.com/AltairaLabs/mobius/internal/broadcast"
	"github.com/AltairaLabs/mobius/internal/protocol"
	"github.com/AltairaLabs/mobius/internal/sandbox"
)

// Orchestrator places new sessions
type Orchestrator interface {
	// NewSession starts a session serving host and reports the index of the
	// worker running it, or -1 when it runs in this process
	NewSession(ctx context.Context, id string, host sandbox.Host) (Session, int, error)
}

// InProcessOrchestrator runs every session sandbox in the host process
type InProcessOrchestrator struct {
	opts sandbox.Options
}

// NewInProcessOrchestrator creates sandboxes with opts
func NewInProcessOrchestrator(opts sandbox.Options) *InProcessOrchestrator {
	return &InProcessOrchestrator{opts: opts}
}

// NewSession starts a sandbox in this process
func (o *InProcessOrchestrator) NewSession(ctx context.Context, id string, host sandbox.Host) (Session, int, error) {
	sb, err := sandbox.New(ctx, id, host, o.opts)
	if err != nil {
		return nil, -1, err
	}
	return sb, -1, nil
}

// WorkerOrchestrator places sessions on worker processes round-robin and
// routes the commands they exchange with the host. A session stays on its
// worker for life.
type WorkerOrchestrator struct {
	registry *WorkerRegistry
	bus      *broadcast.Bus
	logger   *slog.Logger

	mu       sync.RWMutex
	hosts    map[string]sandbox.Host
	external broadcast.Relay
}

// NewWorkerOrchestrator creates an orchestrator over registry. Broadcasts
// from workers are delivered to bus.
func NewWorkerOrchestrator(registry *WorkerRegistry, bus *broadcast.Bus, logger *slog.Logger) *WorkerOrchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerOrchestrator{
		registry: registry,
		bus:      bus,
		logger:   logger,
		hosts:    make(map[string]sandbox.Host),
	}
}

// SetExternalRelay forwards broadcasts from workers to other hosts
func (o *WorkerOrchestrator) SetExternalRelay(relay broadcast.Relay) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.external = relay
}

// NewSession places a session on the next worker and starts it there
func (o *WorkerOrchestrator) NewSession(ctx context.Context, id string, host sandbox.Host) (Session, int, error) {
	worker, err := o.registry.Next()
	if err != nil {
		return nil, -1, err
	}
	o.mu.Lock()
	o.hosts[id] = host
	o.mu.Unlock()

	rs := &RemoteSession{id: id, worker: worker}
	if _, err := rs.call(ctx, bridge.MethodCreateSession); err != nil {
		o.forgetHost(id)
		return nil, -1, fmt.Errorf("worker %d: %w", worker.Index, err)
	}
	worker.addSession(1)
	o.logger.Info("Session placed on worker", "session_id", id, "worker_index", worker.Index)
	return rs, worker.Index, nil
}

func (o *WorkerOrchestrator) host(sessionID string) (sandbox.Host, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.hosts[sessionID]
	return h, ok
}

func (o *WorkerOrchestrator) forgetHost(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.hosts, sessionID)
}

// Publish sends a broadcast to every worker
func (o *WorkerOrchestrator) Publish(ctx context.Context, topic string, payload any) error {
	o.broadcastToWorkers(-1, topic, payload)
	return nil
}

// Deliver hands a broadcast from another host to local subscribers and
// every worker
func (o *WorkerOrchestrator) Deliver(topic string, payload any) {
	o.bus.Deliver(topic, payload)
	o.broadcastToWorkers(-1, topic, payload)
}

func (o *WorkerOrchestrator) broadcastToWorkers(except int, topic string, payload any) {
	frame, err := bridge.EncodeBroadcast(topic, payload)
	if err != nil {
		o.logger.Warn("failed to encode broadcast", "topic", topic, "error", err)
		return
	}
	for _, w := range o.registry.ListWorkers() {
		if w.Index == except {
			continue
		}
		if err := w.send(frame); err != nil {
			o.logger.Warn("failed to forward broadcast", "worker_index", w.Index, "error", err)
		}
	}
}

// RemoteSession is a session running in a worker process. Every operation
// is a correlated command; if the worker has died the call only returns
// when ctx ends.
type RemoteSession struct {
	id     string
	worker *RegisteredWorker
}

// ID returns the session id
func (rs *RemoteSession) ID() string {
	return rs.id
}

// Worker returns the index of the worker hosting the session
func (rs *RemoteSession) Worker() int {
	return rs.worker.Index
}

func (rs *RemoteSession) call(ctx context.Context, method string, args ...any) (any, error) {
	return rs.worker.Call(ctx, bridge.Command{SessionID: rs.id, Method: method, Args: args})
}

func (rs *RemoteSession) callErr(ctx context.Context, method string, args ...any) error {
	_, err := rs.call(ctx, method, args...)
	return err
}

func (rs *RemoteSession) callBool(ctx context.Context, method string, args ...any) (bool, error) {
	v, err := rs.call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	b, _ := v.(bool)
	return b, nil
}

// ProcessEvents forwards client events to the session
func (rs *RemoteSession) ProcessEvents(ctx context.Context, events protocol.Stream, noScript bool) error {
	return rs.callErr(ctx, bridge.MethodProcessEvents, []any(events), noScript)
}

// SynchronizeChannels asks the session to deliver queued events now
func (rs *RemoteSession) SynchronizeChannels(ctx context.Context) error {
	return rs.callErr(ctx, bridge.MethodSynchronizeChannels)
}

// ScheduleSynchronize asks the session to deliver queued events soon
func (rs *RemoteSession) ScheduleSynchronize(ctx context.Context) error {
	return rs.callErr(ctx, bridge.MethodScheduleSynchronize)
}

// ArchiveEvents archives the session on its worker
func (rs *RemoteSession) ArchiveEvents(ctx context.Context, includeTrailer bool) error {
	return rs.callErr(ctx, bridge.MethodArchiveEvents, includeTrailer)
}

// UnarchiveEvents restores the session on its worker
func (rs *RemoteSession) UnarchiveEvents(ctx context.Context) error {
	return rs.callErr(ctx, bridge.MethodUnarchiveEvents)
}

// Render renders the session's page on its worker
func (rs *RemoteSession) Render(ctx context.Context, opts sandbox.RenderOptions) (string, error) {
	v, err := rs.call(ctx, bridge.MethodRender, opts)
	if err != nil {
		return "", err
	}
	page, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("render returned %T", v)
	}
	return page, nil
}

// Bootstrap returns the replay state for a client
func (rs *RemoteSession) Bootstrap(ctx context.Context, clientID int) (protocol.BootstrapData, error) {
	var b protocol.BootstrapData
	v, err := rs.call(ctx, bridge.MethodBootstrap, clientID)
	if err != nil {
		return b, err
	}
	if err := bridge.DecodeInto(v, &b); err != nil {
		return b, fmt.Errorf("invalid bootstrap: %w", err)
	}
	return b, nil
}

// ValueForFormField returns a rendered field's value
func (rs *RemoteSession) ValueForFormField(ctx context.Context, name string) (string, bool, error) {
	v, err := rs.call(ctx, bridge.MethodValueForFormField, name)
	if err != nil {
		return "", false, err
	}
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return "", false, fmt.Errorf("valueForFormField returned %v", v)
	}
	value, _ := pair[0].(string)
	found, _ := pair[1].(bool)
	return value, found, nil
}

// HasLocalChannels reports whether the session still has server channels open
func (rs *RemoteSession) HasLocalChannels(ctx context.Context) (bool, error) {
	return rs.callBool(ctx, bridge.MethodHasLocalChannels)
}

// UpdateOpenServerChannelStatus queues an open-channel marker
func (rs *RemoteSession) UpdateOpenServerChannelStatus(ctx context.Context, open bool) error {
	return rs.callErr(ctx, bridge.MethodUpdateOpenServerChannelStatus, open)
}

// BecameActive tells the session a client showed up
func (rs *RemoteSession) BecameActive(ctx context.Context) error {
	return rs.callErr(ctx, bridge.MethodBecameActive)
}

// Destroy ends the session on its worker
func (rs *RemoteSession) Destroy(ctx context.Context) error {
	return rs.callErr(ctx, bridge.MethodDestroy)
}

// DestroyIfExhausted destroys the session if nothing is open
func (rs *RemoteSession) DestroyIfExhausted(ctx context.Context) (bool, error) {
	return rs.callBool(ctx, bridge.MethodDestroyIfExhausted)
}
