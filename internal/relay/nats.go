package relay

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/Tyrowin/roomrelay/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	natsSubjectPrefix = "room."
	natsWildcard      = natsSubjectPrefix + "*"
)

// NATSRelay uses core NATS subjects room.<id> with a room.* subscription.
// Room ids are escaped so that each one is a single subject token.
type NATSRelay struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// DialNATS connects to url with unlimited reconnects, so a bus outage is
// invisible to subscribers apart from the events lost during it.
func DialNATS(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	logger = logger.Named("relay.nats")
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, unavailable("connect "+url, err)
	}
	return conn, nil
}

// NewNATSRelay returns a relay over conn.
func NewNATSRelay(conn *nats.Conn, logger *zap.Logger) *NATSRelay {
	return &NATSRelay{conn: conn, logger: logger.Named("relay.nats")}
}

// Publish implements Relay.
func (r *NATSRelay) Publish(_ context.Context, roomID string, env protocol.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := r.conn.Publish(natsSubjectPrefix+escapeSubjectToken(roomID), payload); err != nil {
		return unavailable("publish to "+roomID, err)
	}
	return nil
}

// Subscribe implements Relay.
func (r *NATSRelay) Subscribe(ctx context.Context) (<-chan Event, error) {
	msgs := make(chan *nats.Msg, eventBuffer)
	sub, err := r.conn.ChanSubscribe(natsWildcard, msgs)
	if err != nil {
		return nil, unavailable("subscribe "+natsWildcard, err)
	}
	if err := r.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, unavailable("flush subscription", err)
	}
	r.logger.Info("Subscribed to room subjects", zap.String("subject", natsWildcard))

	out := make(chan Event, eventBuffer)
	go func() {
		defer close(out)
		defer func() {
			if err := sub.Unsubscribe(); err != nil && r.conn.IsConnected() {
				r.logger.Debug("Error unsubscribing", zap.Error(err))
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				token := strings.TrimPrefix(msg.Subject, natsSubjectPrefix)
				roomID, err := unescapeSubjectToken(token)
				if err != nil {
					r.logger.Warn("Dropping message with invalid subject", zap.String("subject", msg.Subject))
					continue
				}
				ev, ok := decodeEvent(r.logger, roomID, msg.Data)
				if !ok {
					continue
				}
				if !forward(ctx, out, ev) {
					return
				}
			}
		}
	}()

	return out, nil
}

// Close drains and closes the connection.
func (r *NATSRelay) Close() error {
	if err := r.conn.Drain(); err != nil {
		r.conn.Close()
		return err
	}
	return nil
}

// escapeSubjectToken percent-encodes the characters NATS reserves in subject
// tokens.
func escapeSubjectToken(roomID string) string {
	var b strings.Builder
	for i := 0; i < len(roomID); i++ {
		c := roomID[i]
		switch c {
		case '.', '*', '>', '%', ' ', '\t', '\r', '\n':
			b.WriteByte('%')
			b.WriteByte("0123456789ABCDEF"[c>>4])
			b.WriteByte("0123456789ABCDEF"[c&0x0F])
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unescapeSubjectToken(token string) (string, error) {
	return url.PathUnescape(token)
}
