package programs

import (
	"testing"

	"github.com/AltairaLabs/mobius/internal/sandbox"
)

func TestRegister(t *testing.T) {
	r := sandbox.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	want := []string{"chat", "clock", "counter", "greeter"}
	got := r.Names()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %s at %d, got %s", want[i], i, got[i])
		}
	}
	if err := Register(r); err == nil {
		t.Error("Expected registering twice to fail")
	}
}
