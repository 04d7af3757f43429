package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AltairaLabs/mobius/internal/protocol"
)

func TestNewClientRejectsSecondClientWithoutSharing(t *testing.T) {
	ic := NewInProcessClients("s1", "http://example.test/app", testLogger())

	first, err := ic.NewClient()
	if err != nil {
		t.Fatalf("Expected first client to attach, got %v", err)
	}
	if first.ID() != 0 {
		t.Errorf("Expected first client id 0, got %d", first.ID())
	}

	_, err = ic.NewClient()
	if !errors.Is(err, ErrMultipleClients) {
		t.Fatalf("Expected ErrMultipleClients, got %v", err)
	}
	if err.Error() != "multiple clients not supported" {
		t.Errorf("Expected error text %q, got %q", "multiple clients not supported", err.Error())
	}

	if err := ic.EnableSharing(context.Background()); err != nil {
		t.Fatalf("EnableSharing failed: %v", err)
	}
	third, err := ic.NewClient()
	if err != nil {
		t.Fatalf("Expected client to join after sharing, got %v", err)
	}
	if third.ID() != 2 {
		t.Errorf("Expected refused join to consume id 1, got id %d", third.ID())
	}
	if ic.Count() != 2 {
		t.Errorf("Expected 2 attached clients, got %d", ic.Count())
	}
}

func TestNewClientAfterDestroy(t *testing.T) {
	ic := NewInProcessClients("s1", "", testLogger())
	if err := ic.SessionWasDestroyed(context.Background()); err != nil {
		t.Fatalf("SessionWasDestroyed failed: %v", err)
	}
	if _, err := ic.NewClient(); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	if n, _ := ic.ClientCount(context.Background()); n != 0 {
		t.Errorf("Expected no clients, got %d", n)
	}
}

func TestClientCountersStartAtZeroUntilRendered(t *testing.T) {
	ic := NewInProcessClients("s1", "", testLogger())
	fresh, _ := ic.NewClient()
	if fresh.IncomingMessageID() != 0 {
		t.Errorf("Expected fresh client to expect message 0, got %d", fresh.IncomingMessageID())
	}
	if msg := fresh.Produce(); msg.MessageID != 0 {
		t.Errorf("Expected first reply id 0, got %d", msg.MessageID)
	}

	_ = ic.EnableSharing(context.Background())
	rendered, _ := ic.NewClient()
	rendered.Rendered()
	rendered.Rendered()
	if rendered.IncomingMessageID() != 1 {
		t.Errorf("Expected rendered client to expect message 1, got %d", rendered.IncomingMessageID())
	}
	if msg := rendered.Produce(); msg.MessageID != 1 {
		t.Errorf("Expected first reply id 1, got %d", msg.MessageID)
	}
}

func TestClientProduceNumbersMessages(t *testing.T) {
	ctx := context.Background()
	ic := NewInProcessClients("s1", "", testLogger())
	client, _ := ic.NewClient()
	client.Rendered()

	if err := ic.SendEvent(ctx, true); err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}
	if err := ic.SendEvent(ctx, protocol.Event{-1}); err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}
	if !client.Pending() {
		t.Fatal("Expected queued events to be pending")
	}

	msg := client.Produce()
	if msg.MessageID != 1 {
		t.Errorf("Expected first message id 1 after the page, got %d", msg.MessageID)
	}
	if len(msg.Events) != 2 || msg.Events[0] != true {
		t.Errorf("Expected marker then echo, got %v", msg.Events)
	}

	next := client.Produce()
	if next.MessageID != 2 || len(next.Events) != 0 {
		t.Errorf("Expected empty message 2, got %+v", next)
	}
	if next.Events == nil {
		t.Error("Expected an empty, non-nil event list")
	}
}

func TestSendEventRejectsUnknownItems(t *testing.T) {
	ic := NewInProcessClients("s1", "", testLogger())
	if err := ic.SendEvent(context.Background(), "nope"); err == nil {
		t.Error("Expected an error for a non-event item")
	}
}

func TestSessionWasDestroyedClosesClients(t *testing.T) {
	ctx := context.Background()
	ic := NewInProcessClients("s1", "", testLogger())
	client, _ := ic.NewClient()
	calls := 0
	ic.onDestroyed = func() { calls++ }

	if err := ic.SessionWasDestroyed(ctx); err != nil {
		t.Fatalf("SessionWasDestroyed failed: %v", err)
	}
	if err := ic.SessionWasDestroyed(ctx); err != nil {
		t.Fatalf("SessionWasDestroyed failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected destroy hook to run once, ran %d times", calls)
	}

	for i := 0; i < 2; i++ {
		msg := client.Produce()
		if !msg.Close {
			t.Errorf("Expected message %d to carry close", msg.MessageID)
		}
	}
	if err := ic.SendEvent(ctx, protocol.Event{1}); err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}
	if msg := client.Produce(); len(msg.Events) != 0 {
		t.Errorf("Expected no events after close, got %v", msg.Events)
	}
}

func TestClientReceiveAppliesMessagesInOrder(t *testing.T) {
	ctx := context.Background()
	session := &fakeSession{id: "s1"}
	client := newClient(0, testLogger())
	client.Rendered()

	if err := client.Receive(ctx, session, protocol.Message{MessageID: 2, Events: protocol.Stream{protocol.Event{2}}}, false); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if got := len(session.processedStreams()); got != 0 {
		t.Fatalf("Expected message 2 to wait for message 1, got %d processed", got)
	}

	if err := client.Receive(ctx, session, protocol.Message{MessageID: 1, Events: protocol.Stream{protocol.Event{1}}}, false); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	processed := session.processedStreams()
	if len(processed) != 2 {
		t.Fatalf("Expected 2 processed messages, got %d", len(processed))
	}
	for i, want := range []int{1, 2} {
		if id := processed[i][0].(protocol.Event).ChannelID(); id != want {
			t.Errorf("Expected message %d to carry channel %d, got %d", i, want, id)
		}
	}
	if client.IncomingMessageID() != 3 {
		t.Errorf("Expected next incoming id 3, got %d", client.IncomingMessageID())
	}

	if err := client.Receive(ctx, session, protocol.Message{MessageID: 1}, false); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if got := len(session.processedStreams()); got != 2 {
		t.Errorf("Expected duplicate to be dropped, got %d processed", got)
	}
}

func TestClientReceiveDestroy(t *testing.T) {
	ctx := context.Background()
	session := &fakeSession{id: "s1"}
	client := newClient(0, testLogger())
	client.Rendered()

	if err := client.Receive(ctx, session, protocol.Message{MessageID: 1, Destroy: true}, false); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if session.destroyCount() != 1 {
		t.Errorf("Expected session to be destroyed, got %d destroys", session.destroyCount())
	}
}

func TestClientWaitWakesOnSynchronize(t *testing.T) {
	ctx := context.Background()
	ic := NewInProcessClients("s1", "", testLogger())
	client, _ := ic.NewClient()

	done := make(chan struct{})
	go func() {
		client.Wait(ctx, 5*time.Second)
		close(done)
	}()

	_ = ic.SendEvent(ctx, protocol.Event{-1})
	_ = ic.SynchronizeChannels(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Wait to return after synchronize")
	}
}

func TestClientWaitTimesOut(t *testing.T) {
	client := newClient(0, testLogger())
	start := time.Now()
	client.Wait(context.Background(), 20*time.Millisecond)
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Expected Wait to last until the timeout")
	}
}

func TestDetachIdle(t *testing.T) {
	ic := NewInProcessClients("s1", "", testLogger())
	_, _ = ic.NewClient()

	if n := ic.DetachIdle(time.Now().Add(-time.Hour)); n != 0 {
		t.Errorf("Expected fresh client to stay, detached %d", n)
	}
	if n := ic.DetachIdle(time.Now().Add(time.Second)); n != 1 {
		t.Errorf("Expected idle client to be detached, detached %d", n)
	}
	if ic.Count() != 0 {
		t.Errorf("Expected no clients, got %d", ic.Count())
	}
}
