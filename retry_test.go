package polos

import (
	"context"
	"errors"
	"testing"
	"time"
)

// flakyProvider fails a set number of times before succeeding.
type flakyProvider struct {
	failures int
	err      error
	calls    int
	events   []string
}

func (p *flakyProvider) Name() string { return "flaky" }

func (p *flakyProvider) Generate(context.Context, GenerateRequest) (GenerateResponse, error) {
	p.calls++
	if p.calls <= p.failures {
		return GenerateResponse{}, p.err
	}
	return GenerateResponse{Content: "recovered"}, nil
}

func (p *flakyProvider) Stream(ctx context.Context, req GenerateRequest, ch chan<- ProviderEvent) (GenerateResponse, error) {
	p.calls++
	for _, ev := range p.events {
		ch <- ProviderEvent{Type: ProviderEventTextDelta, Content: ev}
	}
	close(ch)
	if p.calls <= p.failures {
		return GenerateResponse{}, p.err
	}
	return GenerateResponse{Content: "recovered"}, nil
}

func TestWithRetryRecoversTransient(t *testing.T) {
	inner := &flakyProvider{failures: 2, err: &TransientError{Status: 503}}
	p := WithRetry(inner, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	resp, err := p.Generate(context.Background(), GenerateRequest{Model: "m"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "recovered" || inner.calls != 3 {
		t.Fatalf("content=%q calls=%d", resp.Content, inner.calls)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	inner := &flakyProvider{failures: 10, err: &TransientError{Status: 429}}
	p := WithRetry(inner, RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond))

	_, err := p.Generate(context.Background(), GenerateRequest{})
	if !IsTransient(err) {
		t.Fatalf("want transient error, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("calls = %d, want 2", inner.calls)
	}
}

func TestWithRetrySkipsPermanentErrors(t *testing.T) {
	inner := &flakyProvider{failures: 10, err: &PermanentError{Status: 401, Body: "bad key"}}
	p := WithRetry(inner, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	_, err := p.Generate(context.Background(), GenerateRequest{})
	var perm *PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("want permanent error, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("permanent errors must not retry, calls = %d", inner.calls)
	}
}

func TestWithRetryHonorsRetryAfterFloor(t *testing.T) {
	inner := &flakyProvider{failures: 1, err: &TransientError{Status: 429, RetryAfter: 30 * time.Millisecond}}
	p := WithRetry(inner, RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond))

	start := time.Now()
	if _, err := p.Generate(context.Background(), GenerateRequest{}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("retry fired after %v, before the Retry-After floor", elapsed)
	}
}

func TestWithRetryStreamRetriesBeforeFirstEvent(t *testing.T) {
	inner := &flakyProvider{failures: 1, err: &TransientError{Status: 502}}
	p := WithRetry(inner, RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond))

	ch := make(chan ProviderEvent, 8)
	resp, err := p.Stream(context.Background(), GenerateRequest{}, ch)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if resp.Content != "recovered" || inner.calls != 2 {
		t.Fatalf("content=%q calls=%d", resp.Content, inner.calls)
	}
	if _, open := <-ch; open {
		// Drain: the channel must be closed after return.
		for range ch {
		}
	}
}

func TestWithRetryStreamDoesNotRetryMidStream(t *testing.T) {
	inner := &flakyProvider{failures: 10, err: &TransientError{Status: 502}, events: []string{"partial"}}
	p := WithRetry(inner, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	ch := make(chan ProviderEvent, 8)
	_, err := p.Stream(context.Background(), GenerateRequest{}, ch)
	if !IsTransient(err) {
		t.Fatalf("want transient error, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("mid-stream failure must not retry, calls = %d", inner.calls)
	}
}

func TestWithRetryCancelledContext(t *testing.T) {
	inner := &flakyProvider{failures: 10, err: &TransientError{Status: 503}}
	p := WithRetry(inner, RetryMaxAttempts(5), RetryBaseDelay(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Generate(ctx, GenerateRequest{})
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("retry loop ignored cancellation")
	}
}
