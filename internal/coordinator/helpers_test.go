package coordinator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/AltairaLabs/mobius/internal/protocol"
	"github.com/AltairaLabs/mobius/internal/sandbox"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSession records the calls the host makes on a session
type fakeSession struct {
	id   string
	host sandbox.Host

	mu        sync.Mutex
	processed []protocol.Stream
	noScript  []bool
	destroyed int
	archived  int
	exhausted bool
	hasLocal  bool
	fields    map[string]string
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) ProcessEvents(ctx context.Context, events protocol.Stream, noScript bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, events)
	f.noScript = append(f.noScript, noScript)
	return nil
}

func (f *fakeSession) SynchronizeChannels(ctx context.Context) error { return nil }

func (f *fakeSession) ScheduleSynchronize(ctx context.Context) error { return nil }

func (f *fakeSession) ArchiveEvents(ctx context.Context, includeTrailer bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived++
	return nil
}

func (f *fakeSession) UnarchiveEvents(ctx context.Context) error { return nil }

func (f *fakeSession) Render(ctx context.Context, opts sandbox.RenderOptions) (string, error) {
	return "<html>" + f.id + "</html>", nil
}

func (f *fakeSession) Bootstrap(ctx context.Context, clientID int) (protocol.BootstrapData, error) {
	return protocol.BootstrapData{SessionID: f.id, ClientID: clientID, Events: protocol.Stream{false}, Channels: []int{}}, nil
}

func (f *fakeSession) ValueForFormField(ctx context.Context, name string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.fields[name]
	return v, ok, nil
}

func (f *fakeSession) HasLocalChannels(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasLocal, nil
}

func (f *fakeSession) UpdateOpenServerChannelStatus(ctx context.Context, open bool) error { return nil }

func (f *fakeSession) BecameActive(ctx context.Context) error { return nil }

func (f *fakeSession) Destroy(ctx context.Context) error {
	f.mu.Lock()
	f.destroyed++
	host := f.host
	f.mu.Unlock()
	if host != nil {
		return host.SessionWasDestroyed(ctx)
	}
	return nil
}

func (f *fakeSession) DestroyIfExhausted(ctx context.Context) (bool, error) {
	f.mu.Lock()
	exhausted := f.exhausted
	host := f.host
	f.mu.Unlock()
	if host != nil {
		n, err := host.ClientCount(ctx)
		if err != nil || n > 0 {
			return false, err
		}
	}
	if !exhausted {
		return false, nil
	}
	return true, f.Destroy(ctx)
}

func (f *fakeSession) destroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

func (f *fakeSession) processedStreams() []protocol.Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Stream(nil), f.processed...)
}

// fakeOrchestrator hands out fake sessions
type fakeOrchestrator struct {
	mu       sync.Mutex
	sessions []*fakeSession
}

func (o *fakeOrchestrator) NewSession(ctx context.Context, id string, host sandbox.Host) (Session, int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := &fakeSession{id: id, host: host, fields: make(map[string]string)}
	o.sessions = append(o.sessions, s)
	return s, -1, nil
}

func (o *fakeOrchestrator) last() *fakeSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[len(o.sessions)-1]
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
