package process

import (
	"context"
	"sync"

	"github.com/Paranoid-AF/evalvana"
)

// mailbox is an unbounded FIFO of responses for one call. The reader
// goroutine never blocks on a slow consumer.
type mailbox struct {
	mu     sync.Mutex
	items  []evalvana.Response
	closed bool
	err    error
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (b *mailbox) push(r evalvana.Response) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.items = append(b.items, r)
	b.mu.Unlock()
	b.wake()
}

// close ends the stream; readers get err once the queue is drained.
func (b *mailbox) close(err error) {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.err = err
	}
	b.mu.Unlock()
	b.wake()
}

// abort drops anything queued and ends the stream with err.
func (b *mailbox) abort(err error) {
	b.mu.Lock()
	b.items = nil
	b.closed = true
	b.err = err
	b.mu.Unlock()
	b.wake()
}

func (b *mailbox) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *mailbox) next(ctx context.Context) (evalvana.Response, error) {
	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			r := b.items[0]
			b.items[0] = evalvana.Response{}
			b.items = b.items[1:]
			more := len(b.items) > 0 || b.closed
			b.mu.Unlock()
			if more {
				b.wake()
			}
			return r, nil
		}
		if b.closed {
			err := b.err
			b.mu.Unlock()
			return evalvana.Response{}, err
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-ctx.Done():
			return evalvana.Response{}, ctx.Err()
		}
	}
}
