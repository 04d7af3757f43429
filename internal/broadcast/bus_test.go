package broadcast

import (
	"context"
	"errors"
	"testing"
)

type recordingRelay struct {
	topics []string
	err    error
}

func (r *recordingRelay) Publish(ctx context.Context, topic string, payload any) error {
	r.topics = append(r.topics, topic)
	return r.err
}

func TestPublishDeliversLocallyAndRelays(t *testing.T) {
	bus := NewBus(nil)
	relay := &recordingRelay{}
	bus.SetRelay(relay)

	var got []any
	unsubscribe := bus.Subscribe("chat", func(topic string, payload any) {
		got = append(got, payload)
	})
	bus.Subscribe("other", func(string, any) {
		t.Error("Expected other topic not to receive chat messages")
	})

	if err := bus.Publish(context.Background(), "chat", map[string]int{"n": 1}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 delivery, got %d", len(got))
	}
	m, ok := got[0].(map[string]any)
	if !ok || m["n"] != float64(1) {
		t.Errorf("Expected normalized payload, got %#v", got[0])
	}
	if len(relay.topics) != 1 || relay.topics[0] != "chat" {
		t.Errorf("Expected relay to see chat, got %v", relay.topics)
	}

	unsubscribe()
	unsubscribe()
	if bus.Subscribers("chat") != 0 {
		t.Errorf("Expected no subscribers, got %d", bus.Subscribers("chat"))
	}
	_ = bus.Publish(context.Background(), "chat", "again")
	if len(got) != 1 {
		t.Errorf("Expected no delivery after unsubscribe, got %d", len(got))
	}
}

func TestDeliverSkipsRelay(t *testing.T) {
	bus := NewBus(nil)
	relay := &recordingRelay{}
	bus.SetRelay(relay)
	count := 0
	bus.Subscribe("t", func(string, any) { count++ })

	bus.Deliver("t", "x")
	if count != 1 {
		t.Errorf("Expected 1 delivery, got %d", count)
	}
	if len(relay.topics) != 0 {
		t.Errorf("Expected relay untouched, got %v", relay.topics)
	}
}

func TestFanoutReturnsFirstError(t *testing.T) {
	wantErr := errors.New("down")
	a := &recordingRelay{err: wantErr}
	b := &recordingRelay{}
	err := Fanout{a, b}.Publish(context.Background(), "t", nil)
	if !errors.Is(err, wantErr) {
		t.Errorf("Expected %v, got %v", wantErr, err)
	}
	if len(b.topics) != 1 {
		t.Error("Expected every relay to be tried")
	}
}

func TestRedisRelayIgnoresOwnOriginViaBus(t *testing.T) {
	bus := NewBus(nil)
	relay := NewRedisRelay(nil, "c", bus.Deliver, nil)
	count := 0
	bus.Subscribe("t", func(string, any) { count++ })

	relay.handle(`{"origin":"` + relay.origin + `","topic":"t","payload":1}`)
	relay.handle(`{"origin":"elsewhere","topic":"t","payload":1}`)
	relay.handle(`not json`)
	if count != 1 {
		t.Errorf("Expected 1 delivery, got %d", count)
	}
}
