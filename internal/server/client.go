// Package server manages individual WebSocket clients, handling read/write
// pumps, command queuing, rate limiting, and lifecycle control for each
// connection.
package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/Tyrowin/roomrelay/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	sendBufferSize    = 256
	commandBufferSize = 32
	pongWait          = 60 * time.Second
	pingPeriod        = 54 * time.Second
	writeWait         = 10 * time.Second
)

// Client represents one WebSocket connection and the user attached to it.
// It implements registry.Socket so the coordinator can address it.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	commands       chan protocol.Command
	hub            *Hub
	addr           string
	userID         string
	mu             sync.RWMutex
	closed         bool
	maxMessageSize int64
	rateLimiter    *rate.Limiter
	rateLimit      RateLimitConfig
	logger         *zap.Logger
}

// NewClient creates a new Client for conn with a fresh user id. The client's
// send channel is buffered to handle message queuing.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := hub.config
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	userID := uuid.NewString()

	return &Client{
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		commands:       make(chan protocol.Command, commandBufferSize),
		hub:            hub,
		addr:           addr,
		userID:         userID,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		logger:         hub.logger.With(zap.String("addr", addr), zap.String("user", userID)),
	}
}

// UserID returns the id assigned to this connection.
func (c *Client) UserID() string {
	return c.userID
}

// GetSendChan returns the client's send channel for reading outgoing messages.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// Send queues payload for the write pump. A client whose buffer is full is
// dropped, as a slow reader would otherwise hold up room fanout.
func (c *Client) Send(payload []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- payload:
		return true
	default:
		c.logger.Warn("Send buffer full; dropping client")
		c.hub.dropClient(c)
		return false
	}
}

// IsOpen reports whether the client still accepts messages.
func (c *Client) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// markClosed stops further sends and closes the send channel. It reports
// whether this call closed the client.
func (c *Client) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

// sendEnvelope encodes env and queues it.
func (c *Client) sendEnvelope(env protocol.Envelope) {
	payload, err := env.ClientJSON()
	if err != nil {
		c.logger.Error("Error encoding envelope", zap.Error(err))
		return
	}
	c.Send(payload)
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("Error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Debug("Error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs appropriate error messages based on the error type
// and returns true if the read loop should break
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		c.logger.Warn("Message exceeded maximum size", zap.Int64("limit", c.maxMessageSize))
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.logger.Info("Client disconnected", zap.Error(err))
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.logger.Info("Client connection closed", zap.Error(err))
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		c.logger.Warn("Unexpected WebSocket error", zap.Error(err))
		return true
	}

	c.logger.Warn("WebSocket read error", zap.Error(err))
	return true
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.Allow() {
		c.logger.Warn("Rate limit exceeded; discarding message",
			zap.Int("burst", c.rateLimit.Burst),
			zap.Duration("interval", c.rateLimit.RefillInterval))
		c.sendEnvelope(protocol.Error("Rate limit exceeded"))
		return false
	}
	return true
}

// processMessage decodes a raw frame and queues the command. Frames that
// fail validation are answered with an error and never reach the
// coordinator.
func (c *Client) processMessage(rawMessage []byte) bool {
	cmd, err := protocol.DecodeCommand(rawMessage)
	if err != nil {
		c.logger.Info("Rejected frame", zap.Error(err))
		c.sendEnvelope(protocol.Error(protocol.ClientReason(err)))
		return false
	}

	select {
	case c.commands <- cmd:
		return true
	default:
		c.logger.Warn("Command queue full; discarding command", zap.String("command", protocol.CommandName(cmd)))
		c.sendEnvelope(protocol.Error("Too many pending commands"))
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		close(c.commands)
		c.hub.unregisterClient(c)
		if err := c.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				c.logger.Debug("Error closing connection in readPump", zap.Error(err))
			}
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				break
			}
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processMessage(rawMessage)
	}
}

// commandLoop runs queued commands one at a time so a connection's commands
// keep their order, while the read pump stays free to notice a disconnect.
func (c *Client) commandLoop() {
	for cmd := range c.commands {
		if !c.IsOpen() {
			continue
		}
		c.hub.dispatch(c, cmd)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug("Error closing connection in writePump", zap.Error(err))
		}
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("Error setting write deadline", zap.Error(err))
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug("Error writing close message", zap.Error(err))
		}
	}
	return false
}

// writeTextMessage writes one envelope per WebSocket frame so clients can
// parse each frame as a single JSON document.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		c.logger.Debug("Error writing message", zap.Error(err))
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("Error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("Error writing ping message", zap.Error(err))
		return false
	}
	return true
}

// isExpectedCloseError reports whether err is the normal result of using a
// connection that has already been closed by either side.
func isExpectedCloseError(err error) bool {
	return err == nil ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, syscall.EPIPE)
}
