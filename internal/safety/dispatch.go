package safety

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
)

// Dispatcher defaults.
const (
	DefaultDispatchWorkers  = 8
	DefaultRecipientTimeout = 5 * time.Second
	DefaultDispatchCeiling  = 30 * time.Second
)

// ErrDispatchCeiling marks attempts cut off by the overall dispatch ceiling.
var ErrDispatchCeiling = errors.New("dispatch ceiling exceeded")

// Recipient is a delivery target. A recipient with no address is skipped.
type Recipient struct {
	ID        string `json:"id"`
	PushToken string `json:"push_token,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Addressable reports whether there is anywhere to deliver to.
func (r Recipient) Addressable() bool {
	return r.PushToken != "" || r.Email != ""
}

// Alert is the notification payload.
type Alert struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Notifier delivers one alert to one recipient. Implementations do not retry.
type Notifier interface {
	Send(ctx context.Context, r Recipient, a *Alert) error
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	RecipientID string `json:"recipient_id"`
	Delivered   bool   `json:"delivered"`
	Skipped     bool   `json:"skipped,omitempty"`
	Err         error  `json:"-"`
}

// DispatchSummary counts outcomes. Sent+Failed+Skipped equals the number of
// recipients.
type DispatchSummary struct {
	Sent     int
	Failed   int
	Skipped  int
	Outcomes []Outcome
	Duration time.Duration
}

// DispatcherOptions tunes the fan-out.
type DispatcherOptions struct {
	Workers          int
	RecipientTimeout time.Duration
	Ceiling          time.Duration
}

// Dispatcher fans an alert out to recipients on a bounded worker pool.
type Dispatcher struct {
	notifier Notifier
	opts     DispatcherOptions
	logger   log.Logger
}

// NewDispatcher creates a dispatcher. Zero options take the defaults.
func NewDispatcher(notifier Notifier, logger log.Logger, opts DispatcherOptions) *Dispatcher {
	if logger == nil {
		logger = log.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultDispatchWorkers
	}
	if opts.RecipientTimeout <= 0 {
		opts.RecipientTimeout = DefaultRecipientTimeout
	}
	if opts.Ceiling <= 0 {
		opts.Ceiling = DefaultDispatchCeiling
	}
	return &Dispatcher{notifier: notifier, opts: opts, logger: logger}
}

// Dispatch sends title/body/metadata to every recipient and returns the
// accounting. It never returns an error; failures are counted.
func (d *Dispatcher) Dispatch(ctx context.Context, recipients []Recipient, title, body string, metadata map[string]string) *DispatchSummary {
	start := time.Now()
	alert := &Alert{Title: title, Body: body, Metadata: metadata}

	ctx, cancel := context.WithTimeout(ctx, d.opts.Ceiling)
	defer cancel()

	outcomes := make([]Outcome, len(recipients))
	var g errgroup.Group
	g.SetLimit(d.opts.Workers)

	for i, r := range recipients {
		if !r.Addressable() || d.notifier == nil {
			outcomes[i] = Outcome{RecipientID: r.ID, Skipped: true}
			continue
		}
		g.Go(func() error {
			outcomes[i] = d.deliver(ctx, r, alert)
			return nil
		})
	}
	_ = g.Wait()

	s := &DispatchSummary{Outcomes: outcomes, Duration: time.Since(start)}
	for _, o := range outcomes {
		switch {
		case o.Skipped:
			s.Skipped++
		case o.Delivered:
			s.Sent++
		default:
			s.Failed++
		}
	}
	return s
}

func (d *Dispatcher) deliver(ctx context.Context, r Recipient, a *Alert) Outcome {
	if ctx.Err() != nil {
		return Outcome{RecipientID: r.ID, Err: ErrDispatchCeiling}
	}

	rctx, cancel := context.WithTimeout(ctx, d.opts.RecipientTimeout)
	defer cancel()

	// a notifier that ignores its context must not hold the worker
	done := make(chan error, 1)
	go func() { done <- d.notifier.Send(rctx, r, a) }()

	var err error
	select {
	case err = <-done:
	case <-rctx.Done():
		err = rctx.Err()
		if ctx.Err() != nil {
			err = ErrDispatchCeiling
		}
	}

	if err != nil {
		d.logger.Warn(ctx, "alert delivery failed", "recipient", r.ID, "error", err)
		return Outcome{RecipientID: r.ID, Err: fmt.Errorf("deliver to %s: %w", r.ID, err)}
	}
	return Outcome{RecipientID: r.ID, Delivered: true}
}
