package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AltairaLabs/mobius/internal/bridge"
	"github.com/AltairaLabs/mobius/internal/observability"
)

// ErrWorkerUnavailable is returned when no worker can take a session
var ErrWorkerUnavailable = errors.New("no worker available")

// WorkerRegistry tracks the worker processes attached to the host
type WorkerRegistry struct {
	mu      sync.RWMutex
	workers map[int]*RegisteredWorker
	next    int
	logger  *slog.Logger
}

// RegisteredWorker is one worker process and its bridge stream
type RegisteredWorker struct {
	Index int

	pending *bridge.Pending
	logger  *slog.Logger

	mu         sync.Mutex
	stream     bridge.AttachServer
	attachedAt time.Time
	exited     bool
	exitErr    error
	sessions   int
}

// NewWorkerRegistry creates a new worker registry
func NewWorkerRegistry(logger *slog.Logger) *WorkerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerRegistry{
		workers: make(map[int]*RegisteredWorker),
		logger:  logger,
	}
}

// RegisterWorker records that worker index attached on stream. A worker
// that reconnects keeps its pending calls.
func (wr *WorkerRegistry) RegisterWorker(index int, stream bridge.AttachServer) *RegisteredWorker {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	worker, exists := wr.workers[index]
	if !exists {
		worker = &RegisteredWorker{
			Index:   index,
			pending: bridge.NewPending(),
			logger:  wr.logger.With("worker_index", index),
		}
		wr.workers[index] = worker
	}
	worker.mu.Lock()
	worker.stream = stream
	worker.attachedAt = time.Now()
	worker.exited = false
	worker.exitErr = nil
	worker.mu.Unlock()
	return worker
}

// GetWorker retrieves a worker by index
func (wr *WorkerRegistry) GetWorker(index int) *RegisteredWorker {
	wr.mu.RLock()
	defer wr.mu.RUnlock()
	return wr.workers[index]
}

// DetachWorker forgets stream if it is still the worker's stream
func (wr *WorkerRegistry) DetachWorker(index int, stream bridge.AttachServer) {
	worker := wr.GetWorker(index)
	if worker == nil {
		return
	}
	worker.mu.Lock()
	defer worker.mu.Unlock()
	if worker.stream == stream {
		worker.stream = nil
	}
}

// MarkExited records that a worker process ended. Its sessions are not
// moved; calls to them wait until their callers give up.
func (wr *WorkerRegistry) MarkExited(index int, err error) {
	wr.mu.Lock()
	worker, exists := wr.workers[index]
	if !exists {
		worker = &RegisteredWorker{
			Index:   index,
			pending: bridge.NewPending(),
			logger:  wr.logger.With("worker_index", index),
		}
		wr.workers[index] = worker
	}
	wr.mu.Unlock()

	worker.mu.Lock()
	worker.exited = true
	worker.exitErr = err
	worker.stream = nil
	sessions := worker.sessions
	worker.mu.Unlock()
	wr.logger.Error("Worker exited", "worker_index", index, "error", err, "stranded_sessions", sessions)
}

// ListWorkers returns every known worker ordered by index
func (wr *WorkerRegistry) ListWorkers() []*RegisteredWorker {
	wr.mu.RLock()
	out := make([]*RegisteredWorker, 0, len(wr.workers))
	for _, w := range wr.workers {
		out = append(out, w)
	}
	wr.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// AttachedCount returns how many workers currently have a stream
func (wr *WorkerRegistry) AttachedCount() int {
	count := 0
	for _, w := range wr.ListWorkers() {
		if w.Attached() {
			count++
		}
	}
	return count
}

// Next picks the worker for a new session, round-robin over attached workers
func (wr *WorkerRegistry) Next() (*RegisteredWorker, error) {
	var candidates []*RegisteredWorker
	for _, w := range wr.ListWorkers() {
		if w.Attached() {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrWorkerUnavailable
	}
	wr.mu.Lock()
	defer wr.mu.Unlock()
	worker := candidates[wr.next%len(candidates)]
	wr.next++
	return worker, nil
}

// WaitForWorkers blocks until n workers are attached
func (wr *WorkerRegistry) WaitForWorkers(ctx context.Context, n int) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		attached := wr.AttachedCount()
		if attached >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("only %d of %d workers attached: %w", attached, n, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Attached reports whether the worker has a live stream
func (w *RegisteredWorker) Attached() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stream != nil && !w.exited
}

// Exited reports whether the worker process ended
func (w *RegisteredWorker) Exited() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exited
}

// AttachedAt returns when the worker last attached
func (w *RegisteredWorker) AttachedAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attachedAt
}

// SessionCount returns how many live sessions were placed on the worker
func (w *RegisteredWorker) SessionCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessions
}

// PendingCalls returns the number of commands awaiting a response
func (w *RegisteredWorker) PendingCalls() int {
	return w.pending.Len()
}

func (w *RegisteredWorker) addSession(delta int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sessions += delta
}

// send writes a frame to the worker. Frames for a worker without a stream
// are dropped, leaving their calls pending.
func (w *RegisteredWorker) send(frame *structpb.ListValue) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stream == nil {
		w.logger.Warn("worker unavailable, dropping frame")
		return nil
	}
	return w.stream.Send(frame)
}

// Call sends a command and waits for its response
func (w *RegisteredWorker) Call(ctx context.Context, cmd bridge.Command) (any, error) {
	observability.RecordWorkerCommand(w.Index, cmd.Method, "out")
	return w.pending.Call(ctx, w.send, cmd)
}
