package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/AltairaLabs/mobius/internal/bridge"
	"github.com/AltairaLabs/mobius/internal/protocol"
	"github.com/AltairaLabs/mobius/internal/sandbox"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// nameProgram offers one field and echoes channel 1
func nameProgram(rt *sandbox.Runtime) error {
	rt.Document().SetTitle("Names")
	if _, err := rt.ClientChannel(func(args []any) {}, nil, nil, "", false); err != nil {
		return err
	}
	_, err := rt.Input("Name", "ada", nil)
	return err
}

// recordingHost is a sandbox.Host that keeps what it was sent
type recordingHost struct {
	mu        sync.Mutex
	events    []any
	destroyed int
}

func (h *recordingHost) SynchronizeChannels(ctx context.Context) error { return nil }
func (h *recordingHost) ScheduleSynchronize(ctx context.Context) error { return nil }
func (h *recordingHost) SessionWasDestroyed(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed++
	return nil
}
func (h *recordingHost) SendEvent(ctx context.Context, item any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, item)
	return nil
}
func (h *recordingHost) SetCookie(ctx context.Context, key, value string) error { return nil }
func (h *recordingHost) GetBaseURL(ctx context.Context) (string, error)         { return "", nil }
func (h *recordingHost) EnableSharing(ctx context.Context) error                { return nil }
func (h *recordingHost) ClientCount(ctx context.Context) (int, error)           { return 0, nil }

func newTestPool(t *testing.T, max int) *SessionPool {
	t.Helper()
	renderer, err := sandbox.NewTemplateRenderer("")
	if err != nil {
		t.Fatalf("Failed to create renderer: %v", err)
	}
	return NewSessionPool(sandbox.Options{Program: nameProgram, Renderer: renderer}, max, testLogger())
}

func TestSessionPool_CreateSessionWithID(t *testing.T) {
	pool := newTestPool(t, 1)
	ctx := context.Background()

	if err := pool.CreateSessionWithID(ctx, "s1", &recordingHost{}); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	session, err := pool.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session.SessionID != "s1" || session.Sandbox == nil {
		t.Errorf("Unexpected session %+v", session)
	}

	if err := pool.CreateSessionWithID(ctx, "s2", &recordingHost{}); err == nil || !strings.Contains(err.Error(), "capacity") {
		t.Errorf("Expected capacity error, got %v", err)
	}
	if pool.Count() != 1 {
		t.Errorf("Expected 1 session, got %d", pool.Count())
	}
}

func TestSessionPool_DuplicateSession(t *testing.T) {
	pool := newTestPool(t, 0)
	ctx := context.Background()
	_ = pool.CreateSessionWithID(ctx, "s1", &recordingHost{})

	if err := pool.CreateSessionWithID(ctx, "s1", &recordingHost{}); err == nil {
		t.Error("Expected duplicate session to be rejected")
	}
}

func TestSessionPool_CreateFailsWithoutProgram(t *testing.T) {
	pool := NewSessionPool(sandbox.Options{}, 0, testLogger())
	err := pool.CreateSessionWithID(context.Background(), "s1", &recordingHost{})
	if !errors.Is(err, sandbox.ErrProgramNotFound) {
		t.Errorf("Expected ErrProgramNotFound, got %v", err)
	}
	if pool.Count() != 0 {
		t.Errorf("Expected the reservation to be released, got %d sessions", pool.Count())
	}
}

func TestSessionPool_Dispatch(t *testing.T) {
	pool := newTestPool(t, 0)
	ctx := context.Background()
	host := &recordingHost{}
	_ = pool.CreateSessionWithID(ctx, "s1", host)

	tests := []struct {
		name    string
		cmd     bridge.Command
		check   func(t *testing.T, v any)
		wantErr bool
	}{
		{
			name: "process events",
			cmd:  bridge.Command{SessionID: "s1", Method: bridge.MethodProcessEvents, Args: []any{[]any{[]any{1.0, "hi"}}, false}},
			check: func(t *testing.T, v any) {
				host.mu.Lock()
				defer host.mu.Unlock()
				found := false
				for _, item := range host.events {
					if ev, ok := item.(protocol.Event); ok && ev.ChannelID() == -1 {
						found = true
					}
				}
				if !found {
					t.Errorf("Expected echo to reach the host, got %v", host.events)
				}
			},
		},
		{
			name: "form field",
			cmd:  bridge.Command{SessionID: "s1", Method: bridge.MethodValueForFormField, Args: []any{"channelID2"}},
			check: func(t *testing.T, v any) {
				pair, ok := v.([]any)
				if !ok || len(pair) != 2 || pair[0] != "ada" || pair[1] != true {
					t.Errorf("Expected [ada true], got %v", v)
				}
			},
		},
		{
			name: "render",
			cmd: bridge.Command{SessionID: "s1", Method: bridge.MethodRender, Args: []any{map[string]any{
				"mode":   float64(sandbox.RenderBare),
				"client": map[string]any{"clientID": 0.0, "incomingMessageID": 1.0},
			}}},
			check: func(t *testing.T, v any) {
				page, _ := v.(string)
				if !strings.Contains(page, "<title>Names</title>") {
					t.Errorf("Expected rendered page, got %q", page)
				}
			},
		},
		{
			name: "bootstrap",
			cmd:  bridge.Command{SessionID: "s1", Method: bridge.MethodBootstrap, Args: []any{4.0}},
			check: func(t *testing.T, v any) {
				b, ok := v.(protocol.BootstrapData)
				if !ok || b.ClientID != 4 || b.SessionID != "s1" {
					t.Errorf("Unexpected bootstrap %+v", v)
				}
			},
		},
		{
			name:    "unknown method",
			cmd:     bridge.Command{SessionID: "s1", Method: "explode"},
			wantErr: true,
		},
		{
			name:    "unknown session",
			cmd:     bridge.Command{SessionID: "missing", Method: bridge.MethodBecameActive},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := pool.Dispatch(ctx, tt.cmd)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if tt.check != nil {
				tt.check(t, v)
			}
		})
	}
}

func TestSessionPool_DestroyAll(t *testing.T) {
	pool := newTestPool(t, 0)
	ctx := context.Background()
	hosts := []*recordingHost{{}, {}}
	_ = pool.CreateSessionWithID(ctx, "s1", hosts[0])
	_ = pool.CreateSessionWithID(ctx, "s2", hosts[1])

	pool.DestroyAll(ctx)
	if pool.Count() != 0 {
		t.Errorf("Expected no sessions, got %d", pool.Count())
	}
	for i, h := range hosts {
		if h.destroyed != 1 {
			t.Errorf("Expected host %d to be told once, got %d", i, h.destroyed)
		}
	}
	if _, err := pool.GetSession("s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}
