package bootloader

import (
	"context"
	"fmt"
	"time"

	"openenterprise/stm32flash/uart"
)

// doneFunc completes an exchange with a parsed value or an error. Only the
// first invocation counts.
type doneFunc func(value []byte, err error)

// dataFunc consumes one inbound chunk. A parser is handed every chunk in
// arrival order and calls done once it has seen a complete reply (or a
// protocol violation). Chunk boundaries are arbitrary; parsers accumulate.
type dataFunc func(chunk []byte, done doneFunc)

// exchange runs one framed request/response round: it attaches a listener
// to the transport, runs begin to emit the request, then feeds inbound
// chunks to onData until the parser completes or the deadline expires.
//
// The listener is detached on every exit path, and the parser's done
// continuation is honoured at most once: the first of parser success,
// parser error, begin error, cancellation or deadline wins.
func exchange(ctx context.Context, conn uart.Conn, timeout time.Duration, begin func() error, onData dataFunc) ([]byte, error) {
	ch := conn.Subscribe()
	defer conn.Unsubscribe()

	var (
		finished bool
		value    []byte
		perr     error
	)
	done := func(v []byte, err error) {
		if finished {
			return
		}
		finished = true
		value, perr = v, err
	}

	// The listener is already attached, so a reply to begin's write cannot
	// slip past us no matter how fast the target answers.
	if err := begin(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialWrite, err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for !finished {
		select {
		case chunk := <-ch:
			onData(chunk, done)
		case <-deadline.C:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
	}
	return value, perr
}
