// Command paywatch follows a mobile-money payment until the billing API
// reports it as completed or failed.
//
//	paywatch -api http://localhost:3000 -session <session_id cookie> -tx <transactionId>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/metinatakli/premium-billing/api"
	"github.com/metinatakli/premium-billing/internal/poller"
	"github.com/metinatakli/premium-billing/internal/vcs"
)

// Exit codes let scripts tell the outcomes apart.
const (
	exitCompleted = 0
	exitError     = 1
	exitFailed    = 2
	exitTimeout   = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("paywatch", flag.ContinueOnError)

	baseURL := fs.String("api", envOr("PAYWATCH_API", "http://localhost:3000"), "Billing API base URL")
	session := fs.String("session", os.Getenv("PAYWATCH_SESSION"), "Value of the session_id cookie")
	transactionID := fs.String("tx", "", "Transaction id returned when the payment was initiated (required)")
	interval := fs.Duration("interval", poller.DefaultInterval, "Time between status checks")
	attempts := fs.Int("attempts", poller.DefaultMaxAttempts, "Status checks before giving up")
	timeout := fs.Duration("request-timeout", 10*time.Second, "Timeout of a single status request")
	displayVersion := fs.Bool("version", false, "Display version and exit")

	if err := fs.Parse(args); err != nil {
		return exitError
	}

	if *displayVersion {
		fmt.Printf("Version:\t%s\n", vcs.Version())
		return exitCompleted
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *transactionID == "" {
		logger.Error("the -tx flag is required")
		return exitError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := poller.NewStatusClient(*baseURL, *session, *timeout)

	outcome, payment, err := poller.Poll(ctx, client.Fetcher(*transactionID), poller.Options{
		Interval:    *interval,
		MaxAttempts: *attempts,
		OnAttempt: func(attempt int, payment *api.Payment, err error) {
			if err != nil {
				logger.Warn("status check failed", "attempt", attempt, "error", err)
				return
			}
			logger.Info("status checked", "attempt", attempt, "status", payment.Status)
		},
	})

	switch {
	case errors.Is(err, context.Canceled):
		logger.Info("stopped watching; the payment is unchanged")
		return exitError
	case err != nil:
		logger.Error("cannot watch payment", "transaction_id", *transactionID, "error", err)
		return exitError
	}

	switch outcome {
	case poller.Completed:
		fmt.Printf("payment %s completed: %s %s\n", payment.Id, payment.Amount, payment.Currency)
		return exitCompleted
	case poller.Failed:
		reason := "unknown"
		if payment.FailureReason != nil {
			reason = *payment.FailureReason
		}
		fmt.Printf("payment %s failed: %s\n", payment.Id, reason)
		return exitFailed
	default:
		fmt.Printf("payment for %s is still pending after %d checks; verify later\n", *transactionID, *attempts)
		return exitTimeout
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}
