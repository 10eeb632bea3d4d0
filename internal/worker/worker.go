// Package worker consumes the trade and settlement queues. Each handler
// returns a classified error and the Process wrappers translate it into
// the queue verdict: retry, drop or dead-letter.
package worker

import (
	"context"
	"errors"
	"log"

	"github.com/vt888Vip/stock-version-2-sub000/internal/queue"
)

var (
	// ErrBusy means a lock or resource is temporarily held elsewhere.
	// The message is retried with backoff.
	ErrBusy = errors.New("resource busy")

	// ErrWindowClosed means the trade arrived outside its session's
	// trading window. Not retryable; retrying cannot reopen the window.
	ErrWindowClosed = errors.New("trade window closed")

	// ErrInsufficientBalance means the user cannot cover the stake.
	// Not retryable for the same message.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrMalformed means the message can never be processed and goes
	// straight to the dead-letter list.
	ErrMalformed = errors.New("malformed message")
)

// conclude maps a handler error onto the delivery verdict. Invariant
// violations are acknowledged with a log line: redelivery cannot fix
// them and must not wedge the queue.
func conclude(ctx context.Context, d *queue.Delivery, name string, err error) {
	switch {
	case err == nil:
		if ackErr := d.Ack(ctx); ackErr != nil {
			log.Printf("[%s] ack failed: %v", name, ackErr)
		}
	case errors.Is(err, ErrMalformed):
		log.Printf("[%s] dead-lettering: %v", name, err)
		if rejErr := d.Reject(ctx); rejErr != nil {
			log.Printf("[%s] reject failed: %v", name, rejErr)
		}
	case errors.Is(err, ErrWindowClosed), errors.Is(err, ErrInsufficientBalance):
		log.Printf("[%s] dropping: %v", name, err)
		if ackErr := d.Ack(ctx); ackErr != nil {
			log.Printf("[%s] ack failed: %v", name, ackErr)
		}
	default:
		// ErrBusy and infrastructure failures: requeue with backoff.
		log.Printf("[%s] retrying: %v", name, err)
		if nackErr := d.Nack(ctx); nackErr != nil {
			log.Printf("[%s] nack failed: %v", name, nackErr)
		}
	}
}
