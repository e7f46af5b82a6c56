package blobs

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

// retriable reports whether an error belongs to the transient set the retry
// loop re-dispatches. Anything else is fatal to the retry frame.
func retriable(err error) bool {
	var transfer *RetriableTransferError
	if errors.As(err, &transfer) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// withRetry runs fn until it succeeds or fails with a non-transient error.
// The wait between attempts starts at base and grows by step up to max, so
// a flapping server is given progressively more room to recover.
func withRetry(ctx context.Context, base, step, max time.Duration, fn func() error) error {
	wait := base
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if !retriable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait += step
		if wait > max {
			wait = max
		}
	}
}
