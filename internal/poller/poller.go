// Package poller drives the client side of mobile-money verification: it asks
// the server for a payment's status on a fixed interval until the payment is
// terminal or the attempts run out.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/metinatakli/premium-billing/api"
)

type Outcome string

const (
	Completed Outcome = "completed"
	Failed    Outcome = "failed"
	// VerificationTimeout means the payment was still pending after the last
	// attempt. It says nothing about the payment itself.
	VerificationTimeout Outcome = "verification_timeout"
)

const (
	DefaultInterval    = 3 * time.Second
	DefaultMaxAttempts = 20
)

// ErrPermanent marks fetch errors that retrying cannot fix.
var ErrPermanent = errors.New("permanent status error")

type FetchFunc func(ctx context.Context) (*api.Payment, error)

type Options struct {
	Interval    time.Duration
	MaxAttempts int

	// OnAttempt is called after every fetch, with the payment when it succeeded.
	OnAttempt func(attempt int, payment *api.Payment, err error)
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}

	return o
}

// Poll calls fetch until it reports a terminal payment, fails permanently or
// MaxAttempts is reached. Cancelling ctx abandons the loop and returns the
// context's error; the payment is left as it is.
func Poll(ctx context.Context, fetch FetchFunc, opts Options) (Outcome, *api.Payment, error) {
	opts = opts.withDefaults()

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var last *api.Payment

	for attempt := 1; ; attempt++ {
		payment, err := fetch(ctx)
		if opts.OnAttempt != nil {
			opts.OnAttempt(attempt, payment, err)
		}

		switch {
		case ctx.Err() != nil:
			return "", last, ctx.Err()
		case err != nil && errors.Is(err, ErrPermanent):
			return "", last, err
		case err == nil:
			last = payment

			switch payment.Status {
			case api.Completed:
				return Completed, payment, nil
			case api.Failed:
				return Failed, payment, nil
			}
		}

		if attempt >= opts.MaxAttempts {
			return VerificationTimeout, last, nil
		}

		select {
		case <-ctx.Done():
			return "", last, ctx.Err()
		case <-ticker.C:
		}
	}
}
