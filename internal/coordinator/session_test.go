package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestManager() (*SessionManager, *fakeOrchestrator) {
	orch := &fakeOrchestrator{}
	return NewSessionManager(orch, NewAuditLogger(testLogger()), testLogger()), orch
}

func TestCreateAndGetSession(t *testing.T) {
	sm, _ := newTestManager()
	ctx := context.Background()

	hs, err := sm.CreateSession(ctx, "http://example.test/app")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if hs.ID() == "" {
		t.Fatal("Expected a session id")
	}
	if hs.Worker != -1 {
		t.Errorf("Expected in-process worker -1, got %d", hs.Worker)
	}

	got, ok := sm.GetSession(hs.ID())
	if !ok || got != hs {
		t.Error("Expected to find the created session")
	}
	base, _ := hs.Clients.GetBaseURL(ctx)
	if base != "http://example.test/app" {
		t.Errorf("Expected base url to be kept, got %q", base)
	}

	other, _ := sm.CreateSession(ctx, "")
	if other.ID() == hs.ID() {
		t.Error("Expected unique session ids")
	}
	if sm.SessionCount() != 2 {
		t.Errorf("Expected 2 sessions, got %d", sm.SessionCount())
	}
	list := sm.ListSessions()
	if len(list) != 2 || list[0] != hs {
		t.Error("Expected sessions listed oldest first")
	}
}

func TestDestroySession(t *testing.T) {
	sm, orch := newTestManager()
	ctx := context.Background()
	hs, _ := sm.CreateSession(ctx, "")

	if err := sm.DestroySession(ctx, hs.ID()); err != nil {
		t.Fatalf("DestroySession failed: %v", err)
	}
	if orch.last().destroyCount() != 1 {
		t.Error("Expected the sandbox to be destroyed")
	}
	if !hs.Ended() {
		t.Error("Expected the session to be marked ended")
	}
	if _, ok := sm.GetSession(hs.ID()); ok {
		t.Error("Expected the session to be forgotten")
	}
	if err := sm.DestroySession(ctx, hs.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestCleanupStale(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name         string
		exhausted    bool
		attach       bool
		wantRemoved  int
		wantArchived int
	}{
		{name: "exhausted session is destroyed", exhausted: true, wantRemoved: 1},
		{name: "session with open channels is archived", exhausted: false, wantArchived: 1},
		{name: "idle client is detached first", exhausted: true, attach: true, wantRemoved: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm, orch := newTestManager()
			hs, _ := sm.CreateSession(ctx, "")
			fake := orch.last()
			fake.exhausted = tt.exhausted
			if tt.attach {
				_, _ = hs.Clients.NewClient()
			}
			time.Sleep(5 * time.Millisecond)

			removed := sm.CleanupStale(ctx, time.Millisecond)
			if removed != tt.wantRemoved {
				t.Errorf("Expected %d removed, got %d", tt.wantRemoved, removed)
			}
			if fake.archived != tt.wantArchived {
				t.Errorf("Expected %d archives, got %d", tt.wantArchived, fake.archived)
			}
		})
	}
}

func TestCleanupStaleKeepsActiveSessions(t *testing.T) {
	sm, orch := newTestManager()
	ctx := context.Background()
	hs, _ := sm.CreateSession(ctx, "")
	orch.last().exhausted = true
	hs.Touch()

	if removed := sm.CleanupStale(ctx, time.Hour); removed != 0 {
		t.Errorf("Expected active session to stay, removed %d", removed)
	}
	if sm.SessionCount() != 1 {
		t.Errorf("Expected 1 session, got %d", sm.SessionCount())
	}
}

func TestCleanupStaleForgetsEndedSessions(t *testing.T) {
	sm, _ := newTestManager()
	ctx := context.Background()
	hs, _ := sm.CreateSession(ctx, "")
	_ = hs.Destroy(ctx)
	time.Sleep(5 * time.Millisecond)

	if removed := sm.CleanupStale(ctx, time.Millisecond); removed != 1 {
		t.Errorf("Expected ended session to be forgotten, removed %d", removed)
	}
}
