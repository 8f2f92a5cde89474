package websocket

import (
	"context"
	"sync"
	"time"
)

// endpoint is the outbound queue of one connection. Writes to the socket
// happen only in webSocketSender, which drains tx in FIFO order.
type endpoint struct {
	tx   chan []byte
	done chan struct{}
	once *sync.Once
}

func newEndpoint(ctx context.Context) *endpoint {
	ep := &endpoint{
		tx:   make(chan []byte, defaultOutboundQueueSize),
		done: make(chan struct{}),
		once: &sync.Once{},
	}
	context.AfterFunc(ctx, ep.close)
	return ep
}

func (ep *endpoint) close() {
	ep.once.Do(func() { close(ep.done) })
}

// Send enqueues data, waiting up to defaultFwdTimeout for room in the queue.
func (ep *endpoint) Send(ctx context.Context, data []byte) error {
	select {
	case <-ep.done:
		return ErrEndpointClosed
	default:
	}
	select {
	case ep.tx <- data:
		return nil
	default:
	}

	t := time.NewTimer(defaultFwdTimeout)
	defer t.Stop()
	select {
	case ep.tx <- data:
		return nil
	case <-ep.done:
		return ErrEndpointClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return ErrDeadEndpoint
	}
}
