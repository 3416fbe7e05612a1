// Package coordinator implements room membership and fanout across relay
// instances.
//
// A Coordinator composes three pieces: the process-local registry of
// attached users, the shared store holding cross-process membership, and
// the pub/sub relay. It never delivers a broadcast to local sockets
// directly. Every broadcast is published to the room's channel, and because
// this process is subscribed to that channel too, local delivery runs from
// the looped-back copy exactly as it does on every other instance. Users
// who were already answered directly are skipped through the envelope's
// exclusion hint.
//
// There is no lock around room state. Cross-process consistency relies on
// the store's atomic set operations; the coordinator's own mutex only guards
// per-user phase transitions and is never held across a store or bus call.
package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/roomrelay/internal/protocol"
	"github.com/Tyrowin/roomrelay/internal/registry"
	"github.com/Tyrowin/roomrelay/internal/relay"
	"github.com/Tyrowin/roomrelay/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyJoined is returned when a user joins while already in a
	// room or while a join or leave for it is in flight.
	ErrAlreadyJoined = errors.New("already in a room")

	// ErrDisconnected is returned when the user's socket closed while the
	// join was in flight. The membership has been rolled back.
	ErrDisconnected = errors.New("connection closed during join")
)

// Phase is the per-user membership state.
type Phase int

// Membership phases. A user without a session is Disconnected.
const (
	PhaseDisconnected Phase = iota
	PhaseJoining
	PhaseJoined
	PhaseLeaving
)

func (p Phase) String() string {
	switch p {
	case PhaseJoining:
		return "joining"
	case PhaseJoined:
		return "joined"
	case PhaseLeaving:
		return "leaving"
	default:
		return "disconnected"
	}
}

type session struct {
	phase     Phase
	socket    registry.Socket
	abandoned bool
}

// LeaveResult describes a completed leave.
type LeaveResult struct {
	RoomID      string
	Username    string
	MemberCount int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithMeterProvider sets the provider for the coordinator's metrics. The
// global provider is used by default.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Coordinator) {
		c.meterProvider = mp
	}
}

// WithResubscribeInterval sets how long to wait between attempts to restore
// a relay subscription that ended unexpectedly.
func WithResubscribeInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.resubscribeInterval = d
		}
	}
}

// Coordinator runs join, leave, and broadcast for one process.
type Coordinator struct {
	store    store.Store
	relay    relay.Relay
	registry *registry.Registry
	logger   *zap.Logger
	metrics  *metrics

	now                 func() time.Time
	meterProvider       metric.MeterProvider
	resubscribeInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*session

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Coordinator. Call Start before accepting connections.
func New(st store.Store, rl relay.Relay, reg *registry.Registry, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:               st,
		relay:               rl,
		registry:            reg,
		logger:              logger.Named("coordinator"),
		now:                 time.Now,
		meterProvider:       otel.GetMeterProvider(),
		resubscribeInterval: time.Second,
		sessions:            make(map[string]*session),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = newMetrics(c.meterProvider, reg)
	return c
}

// Registry returns the local registry the coordinator maintains.
func (c *Coordinator) Registry() *registry.Registry {
	return c.registry
}

// Start subscribes to all room channels and begins local delivery in a
// dedicated goroutine.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	events, err := c.relay.Subscribe(ctx)
	if err != nil {
		cancel()
		return err
	}

	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, events)

	c.logger.Info("Coordinator started")
	return nil
}

// Stop ends local delivery and waits for the delivery goroutine to exit.
func (c *Coordinator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.logger.Info("Coordinator stopped")
}

func (c *Coordinator) run(ctx context.Context, events <-chan relay.Event) {
	defer close(c.done)

	for {
		for ev := range events {
			c.deliverLocal(ev)
		}
		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("Relay stream ended; resubscribing")
		events = c.resubscribe(ctx)
		if events == nil {
			return
		}
	}
}

func (c *Coordinator) resubscribe(ctx context.Context) <-chan relay.Event {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.resubscribeInterval):
		}

		events, err := c.relay.Subscribe(ctx)
		if err == nil {
			c.logger.Info("Relay subscription restored")
			return events
		}
		c.logger.Warn("Resubscribe failed", zap.Error(err))
	}
}

// Join adds userID to roomID, creating the room on first join, and registers
// the user locally. It returns the room's member count across all
// instances. The caller acknowledges the joiner and broadcasts userJoined
// with the joiner excluded.
func (c *Coordinator) Join(ctx context.Context, userID, roomID, username string, socket registry.Socket, roomName string) (int64, error) {
	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(username) == "" {
		return 0, protocol.Malformed("roomId & username required")
	}
	if err := c.beginJoin(userID, socket); err != nil {
		return 0, err
	}

	if roomName == "" {
		roomName = roomID
	}

	count, err := c.addToStore(ctx, roomID, userID, username, roomName)
	if err != nil {
		c.forget(userID)
		c.metrics.recordJoin(ctx, false)
		c.undoAdd(ctx, roomID, userID)
		return 0, err
	}

	if !c.completeJoin(userID, socket, username, roomID) {
		c.logger.Info("Socket closed during join; rolling back",
			zap.String("user", userID),
			zap.String("room", roomID))
		if _, err := c.store.RemoveMember(context.WithoutCancel(ctx), roomID, userID); err != nil {
			c.logger.Error("Rollback of abandoned join failed",
				zap.String("user", userID),
				zap.String("room", roomID),
				zap.Error(err))
		}
		return 0, ErrDisconnected
	}

	c.metrics.recordJoin(ctx, true)
	c.logger.Info("User joined room",
		zap.String("user", userID),
		zap.String("username", username),
		zap.String("room", roomID),
		zap.Int64("members", count))
	return count, nil
}

func (c *Coordinator) addToStore(ctx context.Context, roomID, userID, username, roomName string) (int64, error) {
	if err := c.store.CreateRoomIfAbsent(ctx, roomID, roomName); err != nil {
		return 0, err
	}
	return c.store.AddMember(ctx, roomID, userID, username)
}

// undoAdd removes userID after a failed join. The add may have been applied
// before the error surfaced, and a room created for this join must not
// outlive it.
func (c *Coordinator) undoAdd(ctx context.Context, roomID, userID string) {
	if _, err := c.store.RemoveMember(context.WithoutCancel(ctx), roomID, userID); err != nil {
		c.logger.Warn("Cleanup after failed join did not complete",
			zap.String("user", userID),
			zap.String("room", roomID),
			zap.Error(err))
	}
}

func (c *Coordinator) beginJoin(userID string, socket registry.Socket) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[userID]; ok && s.phase != PhaseDisconnected {
		return ErrAlreadyJoined
	}
	c.sessions[userID] = &session{phase: PhaseJoining, socket: socket}
	return nil
}

// completeJoin registers the user unless the socket closed meanwhile.
// Connection handlers mark a socket closed before requesting cleanup, so
// either this sees the closed socket or the cleanup sees the registration.
func (c *Coordinator) completeJoin(userID string, socket registry.Socket, username, roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[userID]
	if !ok || s.abandoned || !socket.IsOpen() {
		delete(c.sessions, userID)
		return false
	}
	s.phase = PhaseJoined
	c.registry.Register(userID, socket, username, roomID)
	return true
}

func (c *Coordinator) forget(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.sessions, userID)
	c.registry.Remove(userID)
}

// abandonPendingJoins flags in-flight joins and leaves made through socket.
// A flagged leave that fails drops the user instead of restoring it.
func (c *Coordinator) abandonPendingJoins(socket registry.Socket) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.sessions {
		if s.socket == socket && (s.phase == PhaseJoining || s.phase == PhaseLeaving) {
			s.abandoned = true
		}
	}
}

// Phase reports userID's current membership phase.
func (c *Coordinator) Phase(userID string) Phase {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[userID]; ok {
		return s.phase
	}
	return PhaseDisconnected
}

// Leave removes userID from its room. It returns nil with no store mutation
// when the user is not in a room. The caller decides what to broadcast.
func (c *Coordinator) Leave(ctx context.Context, userID string) (*LeaveResult, error) {
	return c.leave(ctx, userID, false)
}

// leave performs the store removal. With dropOnError the local entry is
// removed even if the store call fails, so a dead socket never lingers.
func (c *Coordinator) leave(ctx context.Context, userID string, dropOnError bool) (*LeaveResult, error) {
	c.mu.Lock()
	s, ok := c.sessions[userID]
	if !ok || s.phase != PhaseJoined {
		c.mu.Unlock()
		return nil, nil
	}
	entry, ok := c.registry.Lookup(userID)
	if !ok {
		delete(c.sessions, userID)
		c.mu.Unlock()
		return nil, nil
	}
	s.phase = PhaseLeaving
	c.mu.Unlock()

	count, err := c.store.RemoveMember(ctx, entry.RoomID, userID)
	if err != nil {
		c.mu.Lock()
		drop := dropOnError || s.abandoned || !entry.Socket.IsOpen()
		if !drop {
			s.phase = PhaseJoined
		}
		c.mu.Unlock()

		if drop {
			c.forget(userID)
			c.logger.Warn("Dropped local entry after failed leave",
				zap.String("user", userID),
				zap.String("room", entry.RoomID),
				zap.Error(err))
		}
		return nil, err
	}

	c.forget(userID)
	c.metrics.recordLeave(ctx)
	c.logger.Info("User left room",
		zap.String("user", userID),
		zap.String("username", entry.Username),
		zap.String("room", entry.RoomID),
		zap.Int64("members", count))

	return &LeaveResult{RoomID: entry.RoomID, Username: entry.Username, MemberCount: count}, nil
}

// HandleDisconnection cleans up after a socket closed. If its user was in a
// room, the user leaves and userLeft is broadcast with no exclusion.
func (c *Coordinator) HandleDisconnection(ctx context.Context, socket registry.Socket) {
	c.abandonPendingJoins(socket)

	userID, ok := c.registry.LookupBySocket(socket)
	if !ok {
		return
	}

	res, err := c.leave(ctx, userID, true)
	if err != nil {
		c.logger.Error("Leave on disconnect failed", zap.String("user", userID), zap.Error(err))
		return
	}
	if res == nil {
		return
	}

	c.Broadcast(ctx, res.RoomID, protocol.UserLeft(res.Username, userID, res.MemberCount), "")
}

// Broadcast publishes env on roomID's channel. Local members receive it
// when the relay loops it back; excludeUserID, if set, is skipped by every
// instance. Publish failures are logged and dropped.
func (c *Coordinator) Broadcast(ctx context.Context, roomID string, env protocol.Envelope, excludeUserID string) {
	env.ExcludeUserID = excludeUserID
	if err := c.relay.Publish(ctx, roomID, env); err != nil {
		c.metrics.recordPublishFailure(ctx)
		c.logger.Warn("Publish failed",
			zap.String("room", roomID),
			zap.String("type", string(env.Type)),
			zap.Error(err))
	}
}

// deliverLocal sends a relayed envelope to this process's members of the
// room, skipping the excluded user and sockets that are no longer open.
func (c *Coordinator) deliverLocal(ev relay.Event) {
	members := c.registry.ListByRoom(ev.RoomID)
	if len(members) == 0 {
		return
	}

	payload, err := ev.Envelope.ClientJSON()
	if err != nil {
		c.logger.Error("Cannot encode envelope", zap.String("room", ev.RoomID), zap.Error(err))
		return
	}

	delivered := 0
	for _, m := range members {
		if ev.Envelope.ExcludeUserID != "" && m.UserID == ev.Envelope.ExcludeUserID {
			continue
		}
		if !m.Entry.Socket.IsOpen() {
			continue
		}
		if m.Entry.Socket.Send(payload) {
			delivered++
		} else {
			c.logger.Debug("Local delivery rejected", zap.String("user", m.UserID), zap.String("room", ev.RoomID))
		}
	}

	c.metrics.recordDeliveries(delivered)
}

// LocalUser returns the registry entry of userID.
func (c *Coordinator) LocalUser(userID string) (registry.Entry, bool) {
	return c.registry.Lookup(userID)
}

// RoomList returns the room directory, oldest room first.
func (c *Coordinator) RoomList(ctx context.Context) ([]protocol.RoomSummary, error) {
	rooms, err := c.store.ListRooms(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]protocol.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		summaries = append(summaries, protocol.RoomSummary{
			RoomID:      room.ID,
			Name:        room.Name,
			MemberCount: room.MemberCount,
			CreatedAt:   protocol.FormatTime(room.CreatedAt),
		})
	}
	return summaries, nil
}
