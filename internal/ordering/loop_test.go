package ordering

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AltairaLabs/mobius/internal/protocol"
)

func TestLoopRunsTasksInOrder(t *testing.T) {
	loop := NewLoop(nil)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		loop.Post(func() {
			order = append(order, i)
			if i == 0 {
				loop.Post(func() { order = append(order, 99) })
			}
		})
	}

	if ran := loop.RunPending(); ran != 6 {
		t.Errorf("Expected 6 tasks, got %d", ran)
	}
	want := []int{0, 1, 2, 3, 4, 99}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, order)
		}
	}
}

func TestLoopRecoversPanics(t *testing.T) {
	loop := NewLoop(nil)
	var recovered any
	loop.OnPanic = func(r any) { recovered = r }
	ran := false
	loop.Post(func() { panic("boom") })
	loop.Post(func() { ran = true })
	loop.RunPending()

	if recovered != "boom" {
		t.Errorf("Expected boom to be recovered, got %v", recovered)
	}
	if !ran {
		t.Error("Expected the loop to keep running after a panic")
	}
}

func TestLoopCall(t *testing.T) {
	loop := NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	v, err := loop.Call(ctx, func() (any, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Errorf("Expected 7, got %v (%v)", v, err)
	}

	wantErr := errors.New("failed")
	if _, err := loop.Call(ctx, func() (any, error) { return nil, wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("Expected %v, got %v", wantErr, err)
	}

	cancel()
	select {
	case <-loop.Done():
	case <-time.After(time.Second):
		t.Fatal("Expected loop to stop after cancel")
	}
}

func TestAwaitNeverResolvedHonorsContext(t *testing.T) {
	loop := NewLoop(nil)
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go loop.Run(runCtx)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := loop.Await(ctx, func(Resolver) {})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestSequencerBuffersUntilGapCloses(t *testing.T) {
	seq := NewSequencer(0)

	if ready := seq.Accept(protocol.Message{MessageID: 1}); len(ready) != 0 {
		t.Errorf("Expected message 1 to be held, got %d ready", len(ready))
	}
	if seq.Buffered() != 1 {
		t.Errorf("Expected 1 buffered, got %d", seq.Buffered())
	}

	ready := seq.Accept(protocol.Message{MessageID: 0})
	if len(ready) != 2 || ready[0].MessageID != 0 || ready[1].MessageID != 1 {
		t.Fatalf("Expected messages 0 and 1 in order, got %+v", ready)
	}
	if seq.Next() != 2 {
		t.Errorf("Expected next id 2, got %d", seq.Next())
	}

	if ready := seq.Accept(protocol.Message{MessageID: 0}); len(ready) != 0 {
		t.Error("Expected duplicate message to be dropped")
	}
}

func TestLoopAwaitFailsOnceStopped(t *testing.T) {
	t.Run("pending call", func(t *testing.T) {
		loop := NewLoop(nil)
		done := make(chan error, 1)
		go func() {
			_, err := loop.Await(context.Background(), func(resolve Resolver) {})
			done <- err
		}()

		for loop.Pending() == 0 {
			time.Sleep(time.Millisecond)
		}
		loop.Stop()

		select {
		case err := <-done:
			if !errors.Is(err, ErrLoopStopped) {
				t.Errorf("Expected ErrLoopStopped, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Expected Await to return after Stop")
		}
	})

	t.Run("call after stop", func(t *testing.T) {
		loop := NewLoop(nil)
		loop.Stop()
		if _, err := loop.Call(context.Background(), func() (any, error) { return 1, nil }); !errors.Is(err, ErrLoopStopped) {
			t.Errorf("Expected ErrLoopStopped, got %v", err)
		}
	})
}
