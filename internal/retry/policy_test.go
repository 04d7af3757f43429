package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDefaultPolicy(t *testing.T) {
	policy := DefaultPolicy()

	if policy.MaxRetries != 3 {
		t.Errorf("Expected MaxRetries=3, got %d", policy.MaxRetries)
	}
	if policy.InitialDelay != 500*time.Millisecond {
		t.Errorf("Expected InitialDelay=500ms, got %v", policy.InitialDelay)
	}
	if err := policy.Validate(); err != nil {
		t.Errorf("Expected default policy to be valid, got %v", err)
	}
}

func TestRetriableStatus(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{200, false},
		{400, false},
		{404, false},
		{429, true},
		{500, true},
		{503, true},
	}

	for _, tt := range tests {
		if got := RetriableStatus(tt.status); got != tt.want {
			t.Errorf("status=%d: Expected %v, got %v", tt.status, tt.want, got)
		}
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"valid", DefaultPolicy(), false},
		{"negative retries", Policy{MaxRetries: -1, InitialDelay: time.Second, MaxDelay: time.Second, BackoffMultiplier: 2}, true},
		{"zero initial", Policy{InitialDelay: 0, MaxDelay: time.Second, BackoffMultiplier: 2}, true},
		{"initial above max", Policy{InitialDelay: 2 * time.Second, MaxDelay: time.Second, BackoffMultiplier: 2}, true},
		{"zero multiplier", Policy{InitialDelay: time.Second, MaxDelay: time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.policy.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestIsRetriableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("bad request"), false},
		{context.Canceled, false},
		{errors.Join(ErrRetriable, errors.New("status 503")), true},
	}

	for _, tt := range tests {
		if got := IsRetriableError(tt.err); got != tt.want {
			t.Errorf("IsRetriableError(%v): Expected %v, got %v", tt.err, tt.want, got)
		}
	}
}

func TestDoRetriesRetriableErrors(t *testing.T) {
	policy := Policy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffMultiplier: 1.5}
	attempts := 0
	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	policy := Policy{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1}
	attempts := 0
	err := policy.Do(context.Background(), func() error {
		attempts++
		return errors.New("bad request")
	})
	if err == nil || err.Error() != "bad request" {
		t.Errorf("Expected bad request, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected a single attempt, got %d", attempts)
	}
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	policy := Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1}
	attempts := 0
	err := policy.Do(context.Background(), func() error {
		attempts++
		return errors.New("timeout")
	})
	if err == nil {
		t.Fatal("Expected failure after retries")
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}
