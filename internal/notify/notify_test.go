package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []Notification
	err  error
	// errs возвращаются по очереди перед err.
	errs []error
}

func (s *recordingSender) Send(ctx context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	return s.err
}

func TestDispatch_SkipsEmptyContact(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(sender, zap.NewNop())

	d.Dispatch(context.Background(), []Notification{
		New(TypeCashbackCredited, "", 10, nil),
		New(TypeCashbackCredited, "buyer@example.com", 10, nil),
	})
	d.Wait()

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(sender.sent))
	}
}

func TestDispatch_SwallowsErrors(t *testing.T) {
	sender := &recordingSender{err: errors.New("boom")}
	d := NewDispatcher(sender, zap.NewNop())

	d.Dispatch(context.Background(), []Notification{
		New(TypeTeamBonusCredited, "a", 1, nil),
		New(TypeTeamBonusCredited, "b", 2, nil),
	})
	d.Wait()

	if len(sender.sent) != 2 {
		t.Fatalf("sent %d notifications, want 2", len(sender.sent))
	}
}

func TestDispatch_SurvivesCancelledContext(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(sender, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d.Dispatch(ctx, []Notification{New(TypeTier2Unlocked, "a", 0, nil)})
	d.Wait()

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(sender.sent))
	}
}

func TestDispatch_RetriesAfterRateLimit(t *testing.T) {
	sender := &recordingSender{errs: []error{&RateLimitedError{RetryAfter: time.Hour}}}
	d := NewDispatcher(sender, zap.NewNop())
	d.maxRetryAfter = 10 * time.Millisecond

	start := time.Now()
	d.Dispatch(context.Background(), []Notification{New(TypeCashbackCredited, "a", 770, nil)})
	d.Wait()

	if len(sender.sent) != 2 {
		t.Fatalf("sent %d times, want 2", len(sender.sent))
	}
	if sender.sent[0].ID != sender.sent[1].ID {
		t.Fatalf("retry must resend the same notification")
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond || elapsed > time.Minute {
		t.Fatalf("unexpected backoff %s", elapsed)
	}
}

func TestDispatch_GivesUpAfterSecondRateLimit(t *testing.T) {
	sender := &recordingSender{err: &RateLimitedError{}}
	d := NewDispatcher(sender, zap.NewNop())

	d.Dispatch(context.Background(), []Notification{New(TypeCashbackCredited, "a", 1, nil)})
	d.Wait()

	if len(sender.sent) != 2 {
		t.Fatalf("sent %d times, want 2", len(sender.sent))
	}
}

func TestNilDispatcherIsSafe(t *testing.T) {
	var d *Dispatcher
	d.Dispatch(context.Background(), []Notification{New(TypeTier2Unlocked, "a", 0, nil)})
	d.Wait()
}
