package coordinator

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AltairaLabs/mobius/internal/bridge"
	"github.com/AltairaLabs/mobius/internal/broadcast"
	"github.com/AltairaLabs/mobius/internal/protocol"
	"github.com/AltairaLabs/mobius/internal/sandbox"
)

// fakeStream is the host end of a worker stream backed by channels
type fakeStream struct {
	grpc.ServerStream
	ctx  context.Context
	in   chan *structpb.ListValue
	out  chan *structpb.ListValue
	once sync.Once
}

func newFakeStream(index int) *fakeStream {
	md := metadata.Pairs(bridge.WorkerIndexKey, strconv.Itoa(index))
	return &fakeStream{
		ctx: metadata.NewIncomingContext(context.Background(), md),
		in:  make(chan *structpb.ListValue, 16),
		out: make(chan *structpb.ListValue, 16),
	}
}

func (s *fakeStream) Context() context.Context { return s.ctx }

func (s *fakeStream) Send(m *structpb.ListValue) error {
	s.out <- m
	return nil
}

func (s *fakeStream) Recv() (*structpb.ListValue, error) {
	m, ok := <-s.in
	if !ok {
		return nil, io.EOF
	}
	return m, nil
}

func (s *fakeStream) close() {
	s.once.Do(func() { close(s.in) })
}

// push sends a frame from the worker side
func (s *fakeStream) push(t *testing.T, items ...any) {
	t.Helper()
	lv, err := structpb.NewList(items)
	if err != nil {
		t.Fatalf("Failed to build frame: %v", err)
	}
	s.in <- lv
}

// next returns the next frame the host sent
func (s *fakeStream) next(t *testing.T) bridge.Frame {
	t.Helper()
	select {
	case lv := <-s.out:
		frame, err := bridge.Decode(lv)
		if err != nil {
			t.Fatalf("Failed to decode frame: %v", err)
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a frame")
	}
	return bridge.Frame{}
}

// answer replies to the next command with value
func (s *fakeStream) answer(t *testing.T, value any) bridge.Command {
	t.Helper()
	frame := s.next(t)
	if frame.Kind != bridge.KindCommand {
		t.Fatalf("Expected a command, got kind %d", frame.Kind)
	}
	resp, err := bridge.EncodeResponse(frame.Command.CorrelationID, value, nil)
	if err != nil {
		t.Fatalf("Failed to encode response: %v", err)
	}
	s.in <- resp
	return frame.Command
}

type workerFixture struct {
	registry *WorkerRegistry
	bus      *broadcast.Bus
	orch     *WorkerOrchestrator
	streams  []*fakeStream
}

func newWorkerFixture(t *testing.T, workers int) *workerFixture {
	t.Helper()
	f := &workerFixture{
		registry: NewWorkerRegistry(testLogger()),
		bus:      broadcast.NewBus(testLogger()),
	}
	f.orch = NewWorkerOrchestrator(f.registry, f.bus, testLogger())
	for i := 0; i < workers; i++ {
		stream := newFakeStream(i)
		f.streams = append(f.streams, stream)
		go func() { _ = f.orch.Attach(stream) }()
	}
	t.Cleanup(func() {
		for _, s := range f.streams {
			s.close()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.registry.WaitForWorkers(ctx, workers); err != nil {
		t.Fatalf("Workers did not attach: %v", err)
	}
	return f
}

// place creates a session and answers its createSession on the right worker
func (f *workerFixture) place(t *testing.T, id string, host sandbox.Host) (Session, int) {
	t.Helper()
	type placed struct {
		s      Session
		worker int
		err    error
	}
	done := make(chan placed, 1)
	go func() {
		s, w, err := f.orch.NewSession(context.Background(), id, host)
		done <- placed{s, w, err}
	}()

	var cmd bridge.Command
	select {
	case lv := <-f.anyOut(t):
		frame, _ := bridge.Decode(lv.frame)
		cmd = frame.Command
		resp, _ := bridge.EncodeResponse(cmd.CorrelationID, nil, nil)
		f.streams[lv.index].in <- resp
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for createSession")
	}
	if cmd.Method != bridge.MethodCreateSession || cmd.SessionID != id {
		t.Fatalf("Expected createSession for %s, got %s for %s", id, cmd.Method, cmd.SessionID)
	}
	p := <-done
	if p.err != nil {
		t.Fatalf("NewSession failed: %v", p.err)
	}
	return p.s, p.worker
}

type indexedFrame struct {
	index int
	frame *structpb.ListValue
}

// anyOut merges the next frame sent to any worker
func (f *workerFixture) anyOut(t *testing.T) <-chan indexedFrame {
	t.Helper()
	merged := make(chan indexedFrame, 1)
	stop := make(chan struct{})
	var once sync.Once
	for i, s := range f.streams {
		go func(i int, s *fakeStream) {
			select {
			case lv := <-s.out:
				once.Do(func() {
					merged <- indexedFrame{index: i, frame: lv}
					close(stop)
				})
			case <-stop:
			case <-time.After(2 * time.Second):
			}
		}(i, s)
	}
	return merged
}

func TestWorkerOrchestratorRoundRobin(t *testing.T) {
	f := newWorkerFixture(t, 2)

	var got []int
	for i := 0; i < 3; i++ {
		_, worker := f.place(t, "s"+strconv.Itoa(i), NewInProcessClients("s", "", testLogger()))
		got = append(got, worker)
	}
	want := []int{0, 1, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected session %d on worker %d, got %d", i, want[i], got[i])
		}
	}
	if n := f.registry.GetWorker(0).SessionCount(); n != 2 {
		t.Errorf("Expected 2 sessions on worker 0, got %d", n)
	}
}

func TestRemoteSessionCalls(t *testing.T) {
	f := newWorkerFixture(t, 1)
	s, _ := f.place(t, "s1", NewInProcessClients("s1", "", testLogger()))
	stream := f.streams[0]
	ctx := context.Background()

	t.Run("render", func(t *testing.T) {
		done := make(chan string, 1)
		go func() {
			page, _ := s.Render(ctx, sandbox.RenderOptions{Mode: sandbox.RenderIncludeForm})
			done <- page
		}()
		cmd := stream.answer(t, "<html></html>")
		if cmd.Method != bridge.MethodRender {
			t.Errorf("Expected render, got %s", cmd.Method)
		}
		if page := <-done; page != "<html></html>" {
			t.Errorf("Expected page, got %q", page)
		}
	})

	t.Run("bootstrap", func(t *testing.T) {
		done := make(chan protocol.BootstrapData, 1)
		go func() {
			b, _ := s.Bootstrap(ctx, 3)
			done <- b
		}()
		cmd := stream.answer(t, map[string]any{"sessionID": "s1", "clientID": 3, "events": []any{true}, "channels": []any{}})
		if id, _ := protocol.AsInt(cmd.Arg(0)); id != 3 {
			t.Errorf("Expected client id argument 3, got %v", cmd.Arg(0))
		}
		b := <-done
		if b.SessionID != "s1" || b.ClientID != 3 || len(b.Events) != 1 {
			t.Errorf("Unexpected bootstrap %+v", b)
		}
	})

	t.Run("form field", func(t *testing.T) {
		type pair struct {
			value string
			found bool
		}
		done := make(chan pair, 1)
		go func() {
			v, ok, _ := s.ValueForFormField(ctx, "channelID2")
			done <- pair{v, ok}
		}()
		stream.answer(t, []any{"ada", true})
		if p := <-done; p.value != "ada" || !p.found {
			t.Errorf("Expected ada/true, got %+v", p)
		}
	})

	t.Run("remote error", func(t *testing.T) {
		done := make(chan error, 1)
		go func() { done <- s.BecameActive(ctx) }()
		frame := stream.next(t)
		resp, _ := bridge.EncodeResponse(frame.Command.CorrelationID, nil, errors.New("session destroyed"))
		stream.in <- resp
		if err := <-done; err == nil || err.Error() != "session destroyed" {
			t.Errorf("Expected remote error, got %v", err)
		}
	})
}

func TestWorkerCommandForUnknownSession(t *testing.T) {
	f := newWorkerFixture(t, 1)
	stream := f.streams[0]

	stream.push(t, "missing", bridge.MethodSendEvent, 7, []any{1.0})
	frame := stream.next(t)
	if frame.Kind != bridge.KindResponse {
		t.Fatalf("Expected a response, got kind %d", frame.Kind)
	}
	if len(frame.Response) != 1 || frame.Response.ChannelID() != 7 {
		t.Errorf("Expected bare [7], got %v", frame.Response)
	}
}

func TestWorkerEventsReachHostClients(t *testing.T) {
	f := newWorkerFixture(t, 1)
	clients := NewInProcessClients("s1", "http://example.test/app", testLogger())
	client, _ := clients.NewClient()
	f.place(t, "s1", clients)
	stream := f.streams[0]

	stream.push(t, "s1", bridge.MethodSendEvent, 0, []any{-1.0})
	stream.push(t, "s1", bridge.MethodGetBaseURL, 8)
	frame := stream.next(t)
	if frame.Response.ChannelID() != 8 {
		t.Fatalf("Expected response to 8, got %v", frame.Response)
	}
	if len(frame.Response) != 2 || frame.Response[1] != "http://example.test/app" {
		t.Errorf("Expected base url, got %v", frame.Response)
	}

	msg := client.Produce()
	if !hasEvent(msg.Events, -1) {
		t.Errorf("Expected the worker's event to reach the client, got %v", msg.Events)
	}

	stream.push(t, "s1", bridge.MethodSessionWasDestroyed, 9)
	stream.next(t)
	if !client.Produce().Close {
		t.Error("Expected client to be closed")
	}
	if n := f.registry.GetWorker(0).SessionCount(); n != 0 {
		t.Errorf("Expected worker session count 0, got %d", n)
	}
	stream.push(t, "s1", bridge.MethodGetBaseURL, 10)
	if resp := stream.next(t).Response; len(resp) != 1 {
		t.Errorf("Expected forgotten session to get an empty response, got %v", resp)
	}
}

// slowCookieHost holds SetCookie until release is closed
type slowCookieHost struct {
	*InProcessClients
	release chan struct{}
}

func (h *slowCookieHost) SetCookie(ctx context.Context, key, value string) error {
	select {
	case <-h.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return h.InProcessClients.SetCookie(ctx, key, value)
}

func TestSlowWorkerCallDoesNotStallStream(t *testing.T) {
	f := newWorkerFixture(t, 1)
	host := &slowCookieHost{
		InProcessClients: NewInProcessClients("s1", "http://example.test/app", testLogger()),
		release:          make(chan struct{}),
	}
	f.place(t, "s1", host)
	stream := f.streams[0]

	stream.push(t, "s1", bridge.MethodSetCookie, 11, "k", "v")
	stream.push(t, "s1", bridge.MethodGetBaseURL, 12)

	frame := stream.next(t)
	if frame.Kind != bridge.KindResponse || frame.Response.ChannelID() != 12 {
		t.Fatalf("Expected response to 12 while 11 is running, got %+v", frame)
	}

	close(host.release)
	frame = stream.next(t)
	if frame.Kind != bridge.KindResponse || frame.Response.ChannelID() != 11 {
		t.Errorf("Expected response to 11 after release, got %+v", frame)
	}
}

func TestWorkerBroadcastIsRelayed(t *testing.T) {
	f := newWorkerFixture(t, 2)
	received := make(chan any, 1)
	f.bus.Subscribe("chat", func(_ string, payload any) { received <- payload })

	f.streams[0].push(t, false, "chat", "hello")

	select {
	case payload := <-received:
		if payload != "hello" {
			t.Errorf("Expected hello, got %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected broadcast to reach the host bus")
	}
	frame := f.streams[1].next(t)
	if frame.Kind != bridge.KindBroadcast || frame.Broadcast.Topic != "chat" {
		t.Errorf("Expected broadcast forwarded to worker 1, got %+v", frame)
	}
	select {
	case lv := <-f.streams[0].out:
		t.Errorf("Expected no echo to the origin worker, got %v", lv)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCallToExitedWorkerWaitsForContext(t *testing.T) {
	f := newWorkerFixture(t, 1)
	s, _ := f.place(t, "s1", NewInProcessClients("s1", "", testLogger()))

	f.registry.MarkExited(0, errors.New("exit status 1"))
	if f.registry.GetWorker(0).Attached() {
		t.Fatal("Expected exited worker to be detached")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.ProcessEvents(ctx, protocol.Stream{protocol.NewEvent(1)}, false)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
	if _, err := f.registry.Next(); !errors.Is(err, ErrWorkerUnavailable) {
		t.Errorf("Expected ErrWorkerUnavailable, got %v", err)
	}
}

func TestAttachRequiresWorkerIndex(t *testing.T) {
	orch := NewWorkerOrchestrator(NewWorkerRegistry(testLogger()), broadcast.NewBus(testLogger()), testLogger())
	stream := newFakeStream(0)
	stream.ctx = context.Background()

	err := orch.Attach(stream)
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("Expected InvalidArgument, got %v", err)
	}
}
