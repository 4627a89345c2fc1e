package upload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tiroq/attendrec/internal/segment"
)

// scriptedSubmitter returns the queued errors in order, then successes.
type scriptedSubmitter struct {
	mu      sync.Mutex
	errs    []error
	submits int
	retries int
}

func (s *scriptedSubmitter) next(seg *segment.Segment) <-chan Result {
	out := make(chan Result, 1)
	var err error
	if len(s.errs) > 0 {
		err, s.errs = s.errs[0], s.errs[1:]
	}
	code := 200
	var rejected *ServerRejectedError
	if errors.As(err, &rejected) {
		code = rejected.Code
	}
	out <- Result{Segment: seg, StatusCode: code, Err: err, Attempt: s.submits + s.retries}
	return out
}

func (s *scriptedSubmitter) Submit(_ context.Context, seg *segment.Segment) <-chan Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits++
	return s.next(seg)
}

func (s *scriptedSubmitter) Retry(_ context.Context, seg *segment.Segment) <-chan Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
	return s.next(seg)
}

func newTestRetrier(next Submitter, attempts int) (*Retrier, *[]time.Duration) {
	r := NewRetrier(next, RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Second, MaxDelay: 5 * time.Second})
	var mu sync.Mutex
	delays := &[]time.Duration{}
	r.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		return nil
	}
	return r, delays
}

func TestRetrierRetriesUntilSuccess(t *testing.T) {
	sub := &scriptedSubmitter{errs: []error{
		&TransportError{Err: errors.New("reset")},
		&ServerRejectedError{Code: 503},
	}}
	r, delays := newTestRetrier(sub, 5)
	seg := segment.New("/d/a.mp4", time.Now(), "mic", "s")

	res := await(t, r.Submit(context.Background(), seg))
	if !res.OK() {
		t.Fatalf("want success, got %v", res.Err)
	}
	if sub.submits != 1 || sub.retries != 2 {
		t.Errorf("submits=%d retries=%d, want 1 and 2", sub.submits, sub.retries)
	}
	if len(*delays) != 2 {
		t.Fatalf("delays = %v, want 2", *delays)
	}
	if (*delays)[1] < (*delays)[0] {
		t.Errorf("backoff should grow: %v", *delays)
	}
}

func TestRetrierStopsAtMaxAttempts(t *testing.T) {
	sub := &scriptedSubmitter{errs: []error{
		&ServerRejectedError{Code: 500},
		&ServerRejectedError{Code: 500},
		&ServerRejectedError{Code: 500},
		&ServerRejectedError{Code: 500},
	}}
	r, _ := newTestRetrier(sub, 3)

	res := await(t, r.Submit(context.Background(), segment.New("/d/a.mp4", time.Now(), "mic", "s")))
	var rejected *ServerRejectedError
	if !errors.As(res.Err, &rejected) || res.StatusCode != 500 {
		t.Fatalf("want final ServerRejected(500), got %+v", res)
	}
	if total := sub.submits + sub.retries; total != 3 {
		t.Errorf("attempts = %d, want 3", total)
	}
}

func TestRetrierSingleAttemptByDefault(t *testing.T) {
	sub := &scriptedSubmitter{errs: []error{&TransportError{Err: errors.New("down")}}}
	r, delays := newTestRetrier(sub, 0)

	res := await(t, r.Submit(context.Background(), segment.New("/d/a.mp4", time.Now(), "mic", "s")))
	if res.OK() {
		t.Fatal("want failure")
	}
	if sub.retries != 0 || len(*delays) != 0 {
		t.Errorf("no retry expected, got retries=%d delays=%v", sub.retries, *delays)
	}
}

func TestRetrierNeverRetriesNotConfigured(t *testing.T) {
	sub := &scriptedSubmitter{errs: []error{ErrNotConfigured}}
	r, _ := newTestRetrier(sub, 5)

	res := await(t, r.Submit(context.Background(), segment.New("/d/a.mp4", time.Now(), "mic", "s")))
	if !errors.Is(res.Err, ErrNotConfigured) {
		t.Fatalf("want ErrNotConfigured, got %v", res.Err)
	}
	if sub.retries != 0 {
		t.Errorf("retries = %d, want 0", sub.retries)
	}
}

func TestRetrierStopsWhenContextCancelled(t *testing.T) {
	sub := &scriptedSubmitter{errs: []error{&TransportError{Err: errors.New("down")}}}
	r := NewRetrier(sub, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	ch := r.Submit(ctx, segment.New("/d/a.mp4", time.Now(), "mic", "s"))
	cancel()

	res := await(t, ch)
	if res.OK() {
		t.Fatal("want failure result after cancel")
	}
	r.Wait()
	if sub.retries != 0 {
		t.Errorf("retries = %d, want 0", sub.retries)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	r := NewRetrier(&scriptedSubmitter{}, RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 4 * time.Second})
	for n := 1; n <= 8; n++ {
		d := r.backoff(n)
		if d > 4*time.Second {
			t.Errorf("backoff(%d) = %s exceeds cap", n, d)
		}
		if d < time.Second {
			t.Errorf("backoff(%d) = %s below base", n, d)
		}
	}
	if d := r.backoff(1); d > 1250*time.Millisecond {
		t.Errorf("backoff(1) = %s, want within 25%% jitter of base", d)
	}
}
