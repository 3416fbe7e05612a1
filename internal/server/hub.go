// Package server tracks the WebSocket clients attached to this process via
// the Hub type and hands their commands and disconnects to the room
// coordinator.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/Tyrowin/roomrelay/internal/coordinator"
	"github.com/Tyrowin/roomrelay/internal/protocol"
	"go.uber.org/zap"
)

// Hub manages the WebSocket client connections of this process. It owns the
// connection lifecycle; room membership and fanout belong to the
// coordinator.
type Hub struct {
	clients     map[*Client]bool
	register    chan *Client
	unregister  chan *Client
	coordinator *coordinator.Coordinator
	config      Config
	origins     *originPolicy
	logger      *zap.Logger
	mutex       sync.RWMutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewHub creates a Hub that routes commands to coord. The returned Hub is
// ready to manage WebSocket connections once Run is started.
func NewHub(coord *coordinator.Coordinator, cfg Config, logger *zap.Logger) *Hub {
	cfg = sanitizeConfig(cfg)
	logger = logger.Named("hub")
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:     make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		coordinator: coord,
		config:      cfg,
		origins:     newOriginPolicy(cfg.AllowedOrigins, logger),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// GetRegisterChan returns the channel used for registering new clients to the hub.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Coordinator returns the coordinator commands are routed to.
func (h *Hub) Coordinator() *coordinator.Coordinator {
	return h.coordinator
}

// Run starts the hub's main event loop, handling client registration and
// unregistration. It should be called in a separate goroutine and returns
// after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Debug("Received nil client registration; skipping")
				continue
			}
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mutex.Lock()
	h.clients[client] = true
	clientCount := len(h.clients)
	h.mutex.Unlock()
	client.logger.Info("Client registered", zap.Int("clients", clientCount))

	// Queued ahead of any command reply.
	client.sendEnvelope(protocol.Connected(client.userID))

	h.wg.Add(3)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
	go func() {
		defer h.wg.Done()
		client.commandLoop()
	}()
}

// removeClient closes the client and starts disconnect cleanup. Calling it
// more than once for the same client is harmless.
func (h *Hub) removeClient(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// The client is marked closed before cleanup runs, so a join still in
	// flight for it will roll itself back.
	client.markClosed()
	client.logger.Info("Client unregistered", zap.Int("clients", clientCount))

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.config.CommandTimeout)
		defer cancel()
		h.coordinator.HandleDisconnection(ctx, client)
	}()
}

// unregisterClient hands client to the event loop, or cleans it up directly
// once the loop has stopped.
func (h *Hub) unregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		h.removeClient(client)
	}
}

// dropClient unregisters client without blocking the caller.
func (h *Hub) dropClient(client *Client) {
	go h.unregisterClient(client)
}

// dispatch runs cmd for client with the configured command timeout.
func (h *Hub) dispatch(client *Client, cmd protocol.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.CommandTimeout)
	defer cancel()
	h.coordinator.Dispatch(ctx, client.userID, client, cmd)
}

// shutdownClients closes every client connection. Each read pump then
// unregisters its client, which removes the user from its room.
func (h *Hub) shutdownClients() {
	h.logger.Info("Shutting down all client connections...")

	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					client.logger.Debug("Error closing client connection", zap.Error(err))
				}
			}
		}
	}

	h.logger.Info("Closed client connections", zap.Int("count", len(clients)))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and their users have
// left their rooms, or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
