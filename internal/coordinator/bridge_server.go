package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AltairaLabs/mobius/internal/bridge"
	"github.com/AltairaLabs/mobius/internal/observability"
	"github.com/AltairaLabs/mobius/internal/protocol"
	"github.com/AltairaLabs/mobius/internal/sandbox"
)

// workerIndex reads the index a worker identified itself with
func workerIndex(ctx context.Context) (int, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return 0, status.Error(codes.InvalidArgument, "missing metadata")
	}
	values := md.Get(bridge.WorkerIndexKey)
	if len(values) == 0 {
		return 0, status.Errorf(codes.InvalidArgument, "missing %s", bridge.WorkerIndexKey)
	}
	index, err := strconv.Atoi(values[0])
	if err != nil || index < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "invalid worker index %q", values[0])
	}
	return index, nil
}

// Attach handles the bidirectional stream a worker keeps open for its
// whole life. Notifications from one worker are handled in arrival order;
// calls that expect an answer run in their own goroutine so a slow host
// never stalls the stream.
func (o *WorkerOrchestrator) Attach(stream bridge.AttachServer) error {
	ctx := stream.Context()
	index, err := workerIndex(ctx)
	if err != nil {
		return err
	}
	worker := o.registry.RegisterWorker(index, stream)
	observability.RecordWorkerAttached(1)
	o.logger.Info("Worker attached", "worker_index", index)

	var handlers sync.WaitGroup
	defer func() {
		handlers.Wait()
		o.registry.DetachWorker(index, stream)
		observability.RecordWorkerAttached(-1)
	}()

	msgChan := make(chan *structpb.ListValue, 10)
	errChan := make(chan error, 1)

	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				errChan <- err
				return
			}
			msgChan <- msg
		}
	}()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Worker stream context canceled", "worker_index", index)
			return ctx.Err()

		case err := <-errChan:
			if errors.Is(err, io.EOF) {
				o.logger.Info("Worker stream closed", "worker_index", index)
				return nil
			}
			o.logger.Error("Error receiving from worker stream", "error", err, "worker_index", index)
			return err

		case msg := <-msgChan:
			o.handleFrame(ctx, worker, msg, &handlers)
		}
	}
}

func (o *WorkerOrchestrator) handleFrame(ctx context.Context, worker *RegisteredWorker, msg *structpb.ListValue, handlers *sync.WaitGroup) {
	frame, err := bridge.Decode(msg)
	if err != nil {
		o.logger.Warn("Malformed frame from worker", "worker_index", worker.Index, "error", err)
		return
	}
	switch frame.Kind {
	case bridge.KindResponse:
		if !worker.pending.Resolve(frame.Response) {
			o.logger.Debug("Late response from worker", "worker_index", worker.Index,
				"correlation_id", frame.Response.ChannelID())
		}
	case bridge.KindCommand:
		if frame.Command.CorrelationID == 0 {
			o.handleCommand(ctx, worker, frame.Command)
			return
		}
		handlers.Add(1)
		go func(cmd bridge.Command) {
			defer handlers.Done()
			o.handleCommand(ctx, worker, cmd)
		}(frame.Command)
	case bridge.KindBroadcast:
		o.relayFromWorker(ctx, worker.Index, frame.Broadcast)
	}
}

// handleCommand runs a call a worker session made on its clients. Calls for
// sessions the host no longer knows are answered with an empty response.
func (o *WorkerOrchestrator) handleCommand(ctx context.Context, worker *RegisteredWorker, cmd bridge.Command) {
	observability.RecordWorkerCommand(worker.Index, cmd.Method, "in")
	var (
		value any
		err   error
	)
	if host, ok := o.host(cmd.SessionID); ok {
		value, err = o.invokeHost(ctx, host, cmd)
		if cmd.Method == bridge.MethodSessionWasDestroyed {
			o.forgetHost(cmd.SessionID)
			worker.addSession(-1)
		}
	} else {
		o.logger.Debug("Command for unknown session", "session_id", cmd.SessionID, "method", cmd.Method)
	}
	if cmd.CorrelationID == 0 {
		if err != nil {
			o.logger.Warn("Notification failed", "session_id", cmd.SessionID, "method", cmd.Method, "error", err)
		}
		return
	}
	resp, encErr := bridge.EncodeResponse(cmd.CorrelationID, value, err)
	if encErr != nil {
		o.logger.Error("Failed to encode response", "error", encErr)
		return
	}
	if err := worker.send(resp); err != nil {
		o.logger.Warn("Failed to answer worker", "worker_index", worker.Index, "error", err)
	}
}

func (o *WorkerOrchestrator) invokeHost(ctx context.Context, host sandbox.Host, cmd bridge.Command) (any, error) {
	switch cmd.Method {
	case bridge.MethodSynchronizeChannels:
		return nil, host.SynchronizeChannels(ctx)
	case bridge.MethodScheduleSynchronize:
		return nil, host.ScheduleSynchronize(ctx)
	case bridge.MethodSessionWasDestroyed:
		return nil, host.SessionWasDestroyed(ctx)
	case bridge.MethodSendEvent:
		item, err := eventItem(cmd.Arg(0))
		if err != nil {
			return nil, err
		}
		return nil, host.SendEvent(ctx, item)
	case bridge.MethodSetCookie:
		return nil, host.SetCookie(ctx, cmd.StringArg(0), cmd.StringArg(1))
	case bridge.MethodGetBaseURL:
		return host.GetBaseURL(ctx)
	case bridge.MethodEnableSharing:
		return nil, host.EnableSharing(ctx)
	case bridge.MethodClientCount:
		return host.ClientCount(ctx)
	default:
		return nil, fmt.Errorf("unknown method %q", cmd.Method)
	}
}

// eventItem turns a decoded argument back into an event or marker
func eventItem(arg any) (any, error) {
	if b, ok := arg.(bool); ok {
		return b, nil
	}
	stream, err := protocol.NormalizeStream([]any{arg})
	if err != nil {
		return nil, err
	}
	return stream[0], nil
}

func (o *WorkerOrchestrator) relayFromWorker(ctx context.Context, origin int, b bridge.Broadcast) {
	observability.RecordBroadcast("worker")
	o.bus.Deliver(b.Topic, b.Payload)
	o.broadcastToWorkers(origin, b.Topic, b.Payload)

	o.mu.RLock()
	external := o.external
	o.mu.RUnlock()
	if external != nil {
		if err := external.Publish(ctx, b.Topic, b.Payload); err != nil {
			o.logger.Warn("Failed to relay broadcast", "topic", b.Topic, "error", err)
		}
	}
}
