package llm

import (
	"context"
	"testing"
	"time"

	"smartquery/internal/types"
)

func TestRetryingClient_SucceedsFirstTry(t *testing.T) {
	mock := NewMockClient(`{"ok":true}`)
	client := NewRetryingClient(mock, time.Second, 1)

	out, err := client.Complete(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != `{"ok":true}` {
		t.Errorf("unexpected output %q", out)
	}
	if mock.Calls != 1 {
		t.Errorf("expected 1 call, got %d", mock.Calls)
	}
}

func TestRetryingClient_RetriesTimeoutOnce(t *testing.T) {
	mock := &MockClient{
		Responses: []string{"", "recovered"},
		Errs:      []error{types.E(types.KindTimeout, "deadline"), nil},
	}
	client := NewRetryingClient(mock, time.Second, 1)
	client.Backoff = time.Millisecond

	out, err := client.Complete(context.Background(), "q")
	if err != nil {
		t.Fatalf("expected recovery after retry: %v", err)
	}
	if out != "recovered" {
		t.Errorf("unexpected output %q", out)
	}
	if mock.Calls != 2 {
		t.Errorf("expected 2 calls, got %d", mock.Calls)
	}
}

func TestRetryingClient_DoesNotRetryRateLimit(t *testing.T) {
	mock := &MockClient{
		Responses: []string{"", "should not reach"},
		Errs:      []error{types.E(types.KindRateLimited, "429"), nil},
	}
	client := NewRetryingClient(mock, time.Second, 1)
	client.Backoff = time.Millisecond

	_, err := client.Complete(context.Background(), "q")
	if !types.IsKind(err, types.KindRateLimited) {
		t.Fatalf("expected RATE_LIMITED surfaced, got %v", err)
	}
	if mock.Calls != 1 {
		t.Errorf("expected 1 call, got %d", mock.Calls)
	}
}

func TestRetryingClient_ExhaustsRetries(t *testing.T) {
	mock := &MockClient{
		Responses: []string{"", ""},
		Errs: []error{
			types.E(types.KindUnavailable, "down"),
			types.E(types.KindUnavailable, "still down"),
		},
	}
	client := NewRetryingClient(mock, time.Second, 1)
	client.Backoff = time.Millisecond

	_, err := client.Complete(context.Background(), "q")
	if !types.IsKind(err, types.KindUnavailable) {
		t.Fatalf("expected UNAVAILABLE, got %v", err)
	}
	if mock.Calls != 2 {
		t.Errorf("expected 2 calls, got %d", mock.Calls)
	}
}

func TestRetryingClient_CancellationStopsAwait(t *testing.T) {
	mock := &MockClient{
		Responses: []string{""},
		Errs:      []error{types.E(types.KindTimeout, "deadline")},
	}
	client := NewRetryingClient(mock, time.Second, 1)
	client.Backoff = time.Minute // would stall without cancellation

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := client.Complete(ctx, "q")
	if !types.IsKind(err, types.KindCancelled) {
		t.Fatalf("expected CANCELLED, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not interrupt backoff wait")
	}
}
