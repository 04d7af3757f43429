package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AltairaLabs/mobius/internal/bridge"
	"github.com/AltairaLabs/mobius/internal/broadcast"
	"github.com/AltairaLabs/mobius/internal/observability"
	"github.com/AltairaLabs/mobius/internal/retry"
)

// RegistrationClient attaches a worker to its host and serves the host's
// session commands over the bridge stream
type RegistrationClient struct {
	index      int
	hostAddr   string
	pool       *SessionPool
	bus        *broadcast.Bus
	dialPolicy retry.Policy
	dialOpts   []grpc.DialOption
	logger     *slog.Logger

	// gRPC connection and stream
	conn    *grpc.ClientConn
	stream  bridge.AttachClient
	cancel  context.CancelFunc
	sendMu  sync.Mutex
	pending *bridge.Pending

	// in-flight host commands
	handlers sync.WaitGroup

	stopOnce sync.Once
	doneChan chan struct{}
	errMu    sync.Mutex
	err      error
}

// RegistrationConfig holds configuration for the registration client
type RegistrationConfig struct {
	Index    int
	HostAddr string
	Pool     *SessionPool
	// Bus receives broadcasts from the host; publishes on it are relayed
	// to the host
	Bus        *broadcast.Bus
	DialPolicy retry.Policy
	// DialOptions replace the default insecure transport
	DialOptions []grpc.DialOption
	Logger      *slog.Logger
}

// NewRegistrationClient creates a new registration client
func NewRegistrationClient(cfg *RegistrationConfig) *RegistrationClient {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	dialOpts := cfg.DialOptions
	if len(dialOpts) == 0 {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &RegistrationClient{
		index:      cfg.Index,
		hostAddr:   cfg.HostAddr,
		pool:       cfg.Pool,
		bus:        cfg.Bus,
		dialPolicy: cfg.DialPolicy,
		dialOpts:   dialOpts,
		logger:     cfg.Logger.With("worker_index", cfg.Index),
		pending:    bridge.NewPending(),
		doneChan:   make(chan struct{}),
	}
}

// Start attaches to the host, retrying while it comes up, and begins
// serving commands
func (rc *RegistrationClient) Start(ctx context.Context) error {
	rc.logger.Info("Starting registration client", "host", rc.hostAddr)

	if err := rc.dialPolicy.Do(ctx, func() error { return rc.connect(ctx) }); err != nil {
		return fmt.Errorf("failed to attach to host: %w", err)
	}
	if rc.bus != nil {
		rc.bus.SetRelay(rc)
	}
	go rc.receiveLoop()

	rc.logger.Info("Attached to host")
	return nil
}

// connect dials the host and opens the bridge stream. The stream outlives
// ctx; it ends when the client stops or the host goes away.
func (rc *RegistrationClient) connect(ctx context.Context) error {
	conn, err := grpc.NewClient(rc.hostAddr, rc.dialOpts...)
	if err != nil {
		return fmt.Errorf("failed to create gRPC client: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, bridge.WorkerIndexKey, strconv.Itoa(rc.index))
	stream, err := bridge.Attach(streamCtx, conn, grpc.WaitForReady(false))
	if err != nil {
		cancel()
		_ = conn.Close()
		return fmt.Errorf("%w: failed to open bridge stream: %v", retry.ErrRetriable, err)
	}
	rc.conn = conn
	rc.stream = stream
	rc.cancel = cancel
	return nil
}

// Done is closed when the bridge stream has ended
func (rc *RegistrationClient) Done() <-chan struct{} {
	return rc.doneChan
}

// Err returns why the stream ended; nil when the host closed it cleanly
func (rc *RegistrationClient) Err() error {
	rc.errMu.Lock()
	defer rc.errMu.Unlock()
	return rc.err
}

// Stop closes the stream and waits for in-flight commands to finish
func (rc *RegistrationClient) Stop(ctx context.Context) error {
	rc.stopOnce.Do(func() {
		rc.logger.Info("Stopping registration client")
		if rc.stream != nil {
			rc.sendMu.Lock()
			_ = rc.stream.CloseSend()
			rc.sendMu.Unlock()
		}
		if rc.cancel != nil {
			rc.cancel()
		}
	})

	finished := make(chan struct{})
	go func() {
		rc.handlers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		rc.logger.Warn("Stopped with commands still running", "error", ctx.Err())
	}

	if rc.conn != nil {
		if err := rc.conn.Close(); err != nil {
			rc.logger.Warn("Failed to close gRPC connection", "error", err)
		}
	}
	rc.logger.Info("Registration client stopped")
	return nil
}

// receiveLoop reads frames until the stream ends. Each host command runs in
// its own goroutine; the session's own operation lock orders them.
func (rc *RegistrationClient) receiveLoop() {
	defer close(rc.doneChan)

	for {
		msg, err := rc.stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				rc.errMu.Lock()
				rc.err = err
				rc.errMu.Unlock()
				rc.logger.Error("Error receiving from bridge stream", "error", err)
			} else {
				rc.logger.Info("Bridge stream closed by host")
			}
			return
		}

		frame, err := bridge.Decode(msg)
		if err != nil {
			rc.logger.Warn("Malformed frame from host", "error", err)
			continue
		}
		switch frame.Kind {
		case bridge.KindCommand:
			rc.handlers.Add(1)
			go func(cmd bridge.Command) {
				defer rc.handlers.Done()
				rc.handleCommand(cmd)
			}(frame.Command)
		case bridge.KindResponse:
			if !rc.pending.Resolve(frame.Response) {
				rc.logger.Debug("Late response from host", "correlation_id", frame.Response.ChannelID())
			}
		case bridge.KindBroadcast:
			if rc.bus != nil {
				rc.bus.Deliver(frame.Broadcast.Topic, frame.Broadcast.Payload)
			}
		}
	}
}

// handleCommand runs one host command and answers it
func (rc *RegistrationClient) handleCommand(cmd bridge.Command) {
	observability.RecordWorkerCommand(rc.index, cmd.Method, "in")
	ctx := context.Background()

	var (
		value any
		err   error
	)
	if cmd.Method == bridge.MethodCreateSession {
		err = rc.handleSessionCreate(ctx, cmd.SessionID)
	} else {
		value, err = rc.pool.Dispatch(ctx, cmd)
	}
	if err != nil {
		rc.logger.Debug("Command failed", "session_id", cmd.SessionID, "method", cmd.Method, "error", err)
	}
	if cmd.CorrelationID == 0 {
		return
	}

	resp, encErr := bridge.EncodeResponse(cmd.CorrelationID, value, err)
	if encErr != nil {
		rc.logger.Error("Failed to encode response", "method", cmd.Method, "error", encErr)
		resp, _ = bridge.EncodeResponse(cmd.CorrelationID, nil, encErr)
	}
	if err := rc.send(resp); err != nil {
		rc.logger.Error("Failed to send response", "session_id", cmd.SessionID, "error", err)
	}
}

// handleSessionCreate starts a session under the host-assigned id
func (rc *RegistrationClient) handleSessionCreate(ctx context.Context, sessionID string) error {
	rc.logger.Info("Received session creation request", "session_id", sessionID)
	host := newRemoteHost(sessionID, rc, func() { rc.pool.remove(sessionID) })
	if err := rc.pool.CreateSessionWithID(ctx, sessionID, host); err != nil {
		rc.logger.Error("Failed to create session", "session_id", sessionID, "error", err)
		return err
	}
	return nil
}

func (rc *RegistrationClient) send(frame *structpb.ListValue) error {
	rc.sendMu.Lock()
	defer rc.sendMu.Unlock()
	if rc.stream == nil {
		return fmt.Errorf("not attached to host")
	}
	return rc.stream.Send(frame)
}

// call sends a command to the host and waits for the response
func (rc *RegistrationClient) call(ctx context.Context, cmd bridge.Command) (any, error) {
	observability.RecordWorkerCommand(rc.index, cmd.Method, "out")
	return rc.pending.Call(ctx, rc.send, cmd)
}

// notify sends a command the host does not answer
func (rc *RegistrationClient) notify(cmd bridge.Command) error {
	observability.RecordWorkerCommand(rc.index, cmd.Method, "out")
	cmd.CorrelationID = 0
	frame, err := bridge.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	return rc.send(frame)
}

// Publish relays a broadcast published on this worker to the host, which
// fans it out to the other workers
func (rc *RegistrationClient) Publish(ctx context.Context, topic string, payload any) error {
	frame, err := bridge.EncodeBroadcast(topic, payload)
	if err != nil {
		return err
	}
	return rc.send(frame)
}
