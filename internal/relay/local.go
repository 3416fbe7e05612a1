package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/Tyrowin/roomrelay/internal/protocol"
)

// ErrClosed is returned by a LocalRelay after Close.
var ErrClosed = errors.New("relay closed")

type localSubscriber struct {
	in   chan Event
	done chan struct{}
}

// LocalRelay is an in-process bus for single-instance deployments and tests.
// Every Publish reaches every current subscriber of this relay, in order.
type LocalRelay struct {
	mu     sync.RWMutex
	subs   map[*localSubscriber]struct{}
	closed chan struct{}
	once   sync.Once
}

// NewLocalRelay returns an empty LocalRelay.
func NewLocalRelay() *LocalRelay {
	return &LocalRelay{
		subs:   make(map[*localSubscriber]struct{}),
		closed: make(chan struct{}),
	}
}

// Publish implements Relay.
func (r *LocalRelay) Publish(ctx context.Context, roomID string, env protocol.Envelope) error {
	select {
	case <-r.closed:
		return unavailable("publish to "+roomID, ErrClosed)
	default:
	}

	ev := Event{RoomID: roomID, Envelope: env}

	r.mu.RLock()
	subs := make([]*localSubscriber, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.in <- ev:
		case <-sub.done:
		case <-ctx.Done():
			return unavailable("publish to "+roomID, ctx.Err())
		}
	}
	return nil
}

// Subscribe implements Relay.
func (r *LocalRelay) Subscribe(ctx context.Context) (<-chan Event, error) {
	select {
	case <-r.closed:
		return nil, unavailable("subscribe", ErrClosed)
	default:
	}

	sub := &localSubscriber{
		in:   make(chan Event, eventBuffer),
		done: make(chan struct{}),
	}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	out := make(chan Event, eventBuffer)
	go func() {
		defer close(out)
		defer func() {
			r.mu.Lock()
			delete(r.subs, sub)
			r.mu.Unlock()
			close(sub.done)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.closed:
				return
			case ev := <-sub.in:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-r.closed:
					return
				}
			}
		}
	}()

	return out, nil
}

// Close ends every subscription.
func (r *LocalRelay) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}
