package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrAskTimeout is returned when a confirmation did not arrive within the
// adapter's fallback timeout.
var ErrAskTimeout = errors.New("timed out waiting for delivery confirmation")

// Ask submits one message through an outstanding RequestNext and blocks until
// the confirmation reply arrives, the timeout fires, or ctx is done. The
// timeout is a cleanup safety net (default 20 s via config), not a delivery
// deadline: the message may still be delivered after Ask returns an error.
func Ask(ctx context.Context, next RequestNext, payload []byte, timeout time.Duration) (uint64, error) {
	return askWithClock(ctx, clock.New(), next, payload, timeout)
}

func askWithClock(ctx context.Context, clk clock.Clock, next RequestNext, payload []byte, timeout time.Duration) (uint64, error) {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	replyCh := make(chan uint64, 1)
	next.AskNextTo(payload, replyCh)
	t := clk.Timer(timeout)
	defer t.Stop()
	select {
	case seq := <-replyCh:
		return seq, nil
	case <-t.C:
		return 0, ErrAskTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
