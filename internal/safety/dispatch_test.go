package safety_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/safeguard/internal/safety"
)

func TestDispatch_Accounting(t *testing.T) {
	t.Parallel()

	n := &mockNotifier{errs: map[string]error{"r3": errors.New("device not registered")}}
	d := safety.NewDispatcher(n, log.Nop(), safety.DispatcherOptions{})

	recipients := []safety.Recipient{
		{ID: "r1", PushToken: "ExponentPushToken[1]"},
		{ID: "r2", Email: "r2@example.com"},
		{ID: "r3", PushToken: "ExponentPushToken[3]"},
		{ID: "r4"},
		{ID: "r5"},
	}
	s := d.Dispatch(context.Background(), recipients, "title", "body", nil)

	if s.Sent != 2 || s.Failed != 1 || s.Skipped != 2 {
		t.Fatalf("sent=%d failed=%d skipped=%d, want 2/1/2", s.Sent, s.Failed, s.Skipped)
	}
	if len(s.Outcomes) != len(recipients) {
		t.Fatalf("outcomes = %d, want %d", len(s.Outcomes), len(recipients))
	}
	for i, o := range s.Outcomes {
		if o.RecipientID != recipients[i].ID {
			t.Errorf("outcome[%d] = %q, want %q", i, o.RecipientID, recipients[i].ID)
		}
	}
	if s.Outcomes[2].Err == nil {
		t.Error("failed outcome should carry its error")
	}
}

func TestDispatch_NilNotifierSkipsAll(t *testing.T) {
	t.Parallel()

	d := safety.NewDispatcher(nil, log.Nop(), safety.DispatcherOptions{})
	s := d.Dispatch(context.Background(), []safety.Recipient{{ID: "a", PushToken: "t"}, {ID: "b"}}, "t", "b", nil)
	if s.Skipped != 2 || s.Sent != 0 || s.Failed != 0 {
		t.Errorf("summary = %+v", s)
	}
}

func TestDispatch_Empty(t *testing.T) {
	t.Parallel()

	d := safety.NewDispatcher(&mockNotifier{}, log.Nop(), safety.DispatcherOptions{})
	s := d.Dispatch(context.Background(), nil, "t", "b", nil)
	if s.Sent+s.Failed+s.Skipped != 0 {
		t.Errorf("summary = %+v", s)
	}
}

func TestDispatch_RecipientTimeout(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	n := &mockNotifier{block: block}
	d := safety.NewDispatcher(n, log.Nop(), safety.DispatcherOptions{RecipientTimeout: 20 * time.Millisecond})

	start := time.Now()
	s := d.Dispatch(context.Background(), []safety.Recipient{{ID: "slow", PushToken: "t"}}, "t", "b", nil)
	if time.Since(start) > 2*time.Second {
		t.Fatalf("dispatch took %v, the recipient timeout was not applied", time.Since(start))
	}
	if s.Failed != 1 {
		t.Fatalf("failed = %d, want 1", s.Failed)
	}
	if !errors.Is(s.Outcomes[0].Err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", s.Outcomes[0].Err)
	}
}

func TestDispatch_Ceiling(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	n := &mockNotifier{block: block}
	d := safety.NewDispatcher(n, log.Nop(), safety.DispatcherOptions{
		Workers:          1,
		RecipientTimeout: 10 * time.Second,
		Ceiling:          50 * time.Millisecond,
	})

	recipients := []safety.Recipient{
		{ID: "a", PushToken: "t"},
		{ID: "b", PushToken: "t"},
		{ID: "c", PushToken: "t"},
	}
	start := time.Now()
	s := d.Dispatch(context.Background(), recipients, "t", "b", nil)
	if time.Since(start) > 2*time.Second {
		t.Fatalf("dispatch took %v, the ceiling was not applied", time.Since(start))
	}
	if s.Failed != 3 {
		t.Fatalf("failed = %d, want 3", s.Failed)
	}
	for _, o := range s.Outcomes {
		if !errors.Is(o.Err, safety.ErrDispatchCeiling) {
			t.Errorf("%s err = %v, want ErrDispatchCeiling", o.RecipientID, o.Err)
		}
	}
}

// concurrencyNotifier tracks the peak number of concurrent sends.
type concurrencyNotifier struct {
	cur, peak atomic.Int32
	sent      atomic.Int32
}

func (c *concurrencyNotifier) Send(context.Context, safety.Recipient, *safety.Alert) error {
	n := c.cur.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	c.cur.Add(-1)
	c.sent.Add(1)
	return nil
}

func TestDispatch_BoundedConcurrency(t *testing.T) {
	t.Parallel()

	n := &concurrencyNotifier{}
	d := safety.NewDispatcher(n, log.Nop(), safety.DispatcherOptions{Workers: 3})

	recipients := make([]safety.Recipient, 20)
	for i := range recipients {
		recipients[i] = safety.Recipient{ID: fmt.Sprintf("r-%d", i), PushToken: "t"}
	}
	s := d.Dispatch(context.Background(), recipients, "t", "b", nil)

	if s.Sent != 20 {
		t.Errorf("sent = %d, want 20", s.Sent)
	}
	if p := n.peak.Load(); p > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", p)
	}
}

func TestDispatch_ConcurrentCalls(t *testing.T) {
	t.Parallel()

	n := &mockNotifier{}
	d := safety.NewDispatcher(n, log.Nop(), safety.DispatcherOptions{Workers: 2})

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(context.Background(), []safety.Recipient{{ID: fmt.Sprintf("r-%d", i), PushToken: "t"}}, "t", "b", nil)
		}()
	}
	wg.Wait()

	if got := len(n.Sent()); got != 10 {
		t.Errorf("sent = %d, want 10", got)
	}
}
