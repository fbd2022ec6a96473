package coordinator

import (
	"context"
	"errors"
	"sync"
)

// ErrChannelClosed is returned by RegisterChannel once Close has been called.
var ErrChannelClosed = errors.New("register channel closed")

// RegisterChannel is the stream of idle worker addresses. Writers never
// block; Read blocks until an address is queued. Addresses come out in the
// order they went in.
type RegisterChannel struct {
	mu     sync.Mutex
	queue  []string
	ready  chan struct{} // holds one token while queue may be non-empty
	closed chan struct{}
	once   sync.Once
}

func NewRegisterChannel() *RegisterChannel {
	return &RegisterChannel{
		ready:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (c *RegisterChannel) signal() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// Write queues an idle worker.
func (c *RegisterChannel) Write(addr string) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	c.mu.Lock()
	c.queue = append(c.queue, addr)
	c.mu.Unlock()
	c.signal()
	return nil
}

// Read removes and returns the oldest queued worker, waiting for one if the
// queue is empty.
func (c *RegisterChannel) Read(ctx context.Context) (string, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			addr := c.queue[0]
			c.queue[0] = ""
			c.queue = c.queue[1:]
			more := len(c.queue) > 0
			c.mu.Unlock()
			if more {
				c.signal()
			}
			return addr, nil
		}
		c.mu.Unlock()

		select {
		case <-c.ready:
		case <-c.closed:
			return "", ErrChannelClosed
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Remove drops every queued copy of addr and reports how many were dropped.
func (c *RegisterChannel) Remove(addr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.queue[:0]
	removed := 0
	for _, a := range c.queue {
		if a == addr {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	c.queue = kept
	return removed
}

// Len returns the number of queued workers.
func (c *RegisterChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close releases every blocked reader. Queued addresses are discarded.
func (c *RegisterChannel) Close() {
	c.once.Do(func() {
		close(c.closed)
		c.mu.Lock()
		c.queue = nil
		c.mu.Unlock()
	})
}
