// Package relay fans room envelopes out to every relay instance.
//
// Each room has its own bus channel. An instance subscribes once to a
// pattern covering all room channels and receives every envelope it
// publishes itself, so local delivery always runs off the bus. Delivery is
// best-effort: ordering is FIFO per publisher within one room, nothing is
// replayed after a reconnect, and publishers get no acknowledgement.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Tyrowin/roomrelay/internal/protocol"
	"go.uber.org/zap"
)

// ErrUnavailable wraps publish and subscribe failures of the bus.
var ErrUnavailable = errors.New("relay bus unavailable")

// eventBuffer is the capacity of subscription channels.
const eventBuffer = 256

// Event is one envelope received for a room.
type Event struct {
	RoomID   string
	Envelope protocol.Envelope
}

// Relay is a room-scoped publish/subscribe bus.
type Relay interface {
	// Publish sends env to every subscriber of roomID's channel.
	Publish(ctx context.Context, roomID string, env protocol.Envelope) error

	// Subscribe starts the all-rooms subscription. The returned channel is
	// closed when ctx is cancelled or the relay is closed.
	Subscribe(ctx context.Context) (<-chan Event, error)

	// Close releases the relay's resources.
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// decodeEvent turns a raw bus payload into an Event. Undecodable payloads are
// logged and reported as not ok.
func decodeEvent(logger *zap.Logger, roomID string, payload []byte) (Event, bool) {
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logger.Warn("Dropping undecodable bus payload",
			zap.String("room", roomID),
			zap.Error(err))
		return Event{}, false
	}
	if env.Type == "" {
		logger.Warn("Dropping bus payload without type", zap.String("room", roomID))
		return Event{}, false
	}
	return Event{RoomID: roomID, Envelope: env}, true
}

// forward pushes ev onto out unless ctx ends first.
func forward(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
