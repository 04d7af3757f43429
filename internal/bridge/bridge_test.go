package bridge

import (
	"context"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AltairaLabs/mobius/internal/codec"
	"github.com/AltairaLabs/mobius/internal/protocol"
)

func TestCommandFrameRoundTrip(t *testing.T) {
	lv, err := EncodeCommand(Command{
		SessionID:     "abc",
		Method:        MethodProcessEvents,
		CorrelationID: 7,
		Args:          []any{protocol.Stream{true, protocol.NewEvent(1, "x")}, false},
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	frame, err := Decode(lv)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if frame.Kind != KindCommand {
		t.Fatalf("Expected command, got %v", frame.Kind)
	}
	cmd := frame.Command
	if cmd.SessionID != "abc" || cmd.Method != MethodProcessEvents || cmd.CorrelationID != 7 {
		t.Errorf("Unexpected command header %+v", cmd)
	}
	events, err := cmd.StreamArg(0)
	if err != nil {
		t.Fatalf("StreamArg failed: %v", err)
	}
	if len(events) != 2 || events[0] != true {
		t.Fatalf("Expected marker and event, got %v", events)
	}
	if ev := events[1].(protocol.Event); ev.ChannelID() != 1 || ev[1] != "x" {
		t.Errorf("Expected [1 x], got %v", ev)
	}
	if cmd.BoolArg(1) {
		t.Error("Expected second argument false")
	}
	if cmd.Arg(5) != nil {
		t.Error("Expected missing argument to be nil")
	}
}

func TestResponseAndBroadcastFrames(t *testing.T) {
	lv, _ := EncodeResponse(3, map[string]any{"ok": true}, nil)
	frame, err := Decode(lv)
	if err != nil || frame.Kind != KindResponse {
		t.Fatalf("Expected response, got %v (%v)", frame.Kind, err)
	}
	v, err := codec.DecodeEvent(frame.Response)
	if err != nil || !reflect.DeepEqual(v, map[string]any{"ok": true}) {
		t.Errorf("Expected ok map, got %v (%v)", v, err)
	}

	lv, _ = EncodeResponse(4, nil, errors.New("boom"))
	frame, _ = Decode(lv)
	var remote *codec.RemoteError
	if _, err := codec.DecodeEvent(frame.Response); !errors.As(err, &remote) || remote.Message != "boom" {
		t.Errorf("Expected remote boom, got %v", err)
	}

	lv, _ = EncodeBroadcast("chat", "hi")
	frame, err = Decode(lv)
	if err != nil || frame.Kind != KindBroadcast || frame.Broadcast.Topic != "chat" || frame.Broadcast.Payload != "hi" {
		t.Errorf("Expected chat broadcast, got %+v (%v)", frame, err)
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		items []any
	}{
		{"empty", []any{}},
		{"short command", []any{"abc", "m"}},
		{"bad method", []any{"abc", 1.0, 1.0}},
		{"true head", []any{true, "t"}},
		{"fractional id", []any{1.5}},
		{"map head", []any{map[string]any{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lv, err := structpb.NewList(tt.items)
			if err != nil {
				t.Fatalf("Failed to build list: %v", err)
			}
			if _, err := Decode(lv); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestPendingCall(t *testing.T) {
	p := NewPending()
	var sent *structpb.ListValue
	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := p.Call(context.Background(), func(lv *structpb.ListValue) error {
			sent = lv
			go func() {
				frame, _ := Decode(lv)
				resp, _ := EncodeResponse(frame.Command.CorrelationID, "pong", nil)
				respFrame, _ := Decode(resp)
				p.Resolve(respFrame.Response)
			}()
			return nil
		}, Command{SessionID: "s", Method: "ping"})
		if err != nil || v != "pong" {
			t.Errorf("Expected pong, got %v (%v)", v, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for call")
	}
	if sent == nil {
		t.Fatal("Expected a frame to be sent")
	}
	if p.Len() != 0 {
		t.Errorf("Expected no pending calls, got %d", p.Len())
	}
	if p.Resolve(protocol.Event{99.0}) {
		t.Error("Expected unknown correlation id to be ignored")
	}
}

func TestPendingCallNeverAnsweredHonorsContext(t *testing.T) {
	p := NewPending()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Call(ctx, func(*structpb.ListValue) error { return nil }, Command{SessionID: "abc", Method: MethodRender})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if p.Len() != 0 {
		t.Errorf("Expected abandoned call to be forgotten, got %d", p.Len())
	}
}

type echoServer struct {
	worker chan string
}

func (s *echoServer) Attach(stream AttachServer) error {
	if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
		if v := md.Get(WorkerIndexKey); len(v) > 0 {
			s.worker <- v[0]
		}
	}
	for {
		lv, err := stream.Recv()
		if err != nil {
			return nil
		}
		frame, err := Decode(lv)
		if err != nil || frame.Kind != KindCommand {
			continue
		}
		resp, _ := EncodeResponse(frame.Command.CorrelationID, frame.Command.Method, nil)
		if err := stream.Send(resp); err != nil {
			return err
		}
	}
}

func TestAttachOverBufconn(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	echo := &echoServer{worker: make(chan string, 1)}
	RegisterBridgeServer(srv, echo)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, WorkerIndexKey, "2")
	stream, err := Attach(ctx, conn)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	p := NewPending()
	go func() {
		for {
			lv, err := stream.Recv()
			if err != nil {
				return
			}
			if frame, err := Decode(lv); err == nil && frame.Kind == KindResponse {
				p.Resolve(frame.Response)
			}
		}
	}()

	v, err := p.Call(ctx, stream.Send, Command{SessionID: "abc", Method: MethodHasLocalChannels})
	if err != nil || v != MethodHasLocalChannels {
		t.Errorf("Expected method echoed, got %v (%v)", v, err)
	}
	select {
	case idx := <-echo.worker:
		if idx != "2" {
			t.Errorf("Expected worker index 2, got %s", idx)
		}
	case <-time.After(time.Second):
		t.Error("Expected worker index metadata")
	}
}
