package upload

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/tiroq/attendrec/internal/diaglog"
	"github.com/tiroq/attendrec/internal/segment"
)

// Submitter is the single-attempt upload contract implemented by Uploader.
type Submitter interface {
	Submit(ctx context.Context, seg *segment.Segment) <-chan Result
	Retry(ctx context.Context, seg *segment.Segment) <-chan Result
}

// RetryPolicy bounds automatic re-sends. MaxAttempts <= 1 means a single
// attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Retrier re-submits failed uploads with exponential backoff plus 0-25%
// jitter. NotConfigured failures are returned immediately.
type Retrier struct {
	next   Submitter
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error

	logger *diaglog.Logger
	wg     sync.WaitGroup
}

func NewRetrier(next Submitter, policy RetryPolicy) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 2 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 2 * time.Minute
	}
	return &Retrier{next: next, policy: policy, sleep: sleepCtx}
}

// SetLogger injects a diaglog.Logger.
func (r *Retrier) SetLogger(l *diaglog.Logger) { r.logger = l }

// Submit sends seg, retrying transport failures and server rejections up to
// the policy's attempt count. The channel receives the final Result.
func (r *Retrier) Submit(ctx context.Context, seg *segment.Segment) <-chan Result {
	return r.drive(ctx, seg, r.next.Submit)
}

// Retry is Submit for a segment whose earlier upload failed.
func (r *Retrier) Retry(ctx context.Context, seg *segment.Segment) <-chan Result {
	return r.drive(ctx, seg, r.next.Retry)
}

// Wait blocks until every driven upload has produced its final result.
func (r *Retrier) Wait() {
	r.wg.Wait()
}

func (r *Retrier) drive(ctx context.Context, seg *segment.Segment, first func(context.Context, *segment.Segment) <-chan Result) <-chan Result {
	out := make(chan Result, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res := <-first(ctx, seg)
		for attempt := 2; attempt <= r.policy.MaxAttempts && shouldRetry(res.Err); attempt++ {
			delay := r.backoff(attempt - 1)
			r.logger.Log(diaglog.LogEntry{
				Component: diaglog.ComponentUploader,
				Event:     diaglog.EventUploadRetry,
				SessionID: seg.SessionID,
				Payload:   map[string]interface{}{"path": seg.Path, "attempt": attempt, "backoff_ms": delay.Milliseconds()},
			})
			if err := r.sleep(ctx, delay); err != nil {
				break
			}
			res = <-r.next.Retry(ctx, seg)
		}
		out <- res
	}()
	return out
}

func shouldRetry(err error) bool {
	return err != nil && !errors.Is(err, ErrNotConfigured) && !errors.Is(err, context.Canceled)
}

// backoff returns BaseDelay * 2^(n-1) plus 0-25% jitter, capped at MaxDelay.
func (r *Retrier) backoff(n int) time.Duration {
	delay := r.policy.BaseDelay
	for i := 1; i < n && delay < r.policy.MaxDelay; i++ {
		delay *= 2
	}
	if delay > r.policy.MaxDelay {
		delay = r.policy.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	if delay+jitter > r.policy.MaxDelay {
		return r.policy.MaxDelay
	}
	return delay + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
