package coordinator

import (
	"context"
	"errors"

	"github.com/Tyrowin/roomrelay/internal/protocol"
	"github.com/Tyrowin/roomrelay/internal/registry"
	"go.uber.org/zap"
)

// Dispatch runs one decoded client command for userID, replying on socket
// and broadcasting as the command requires:
//
//	join         reply roomJoined, broadcast userJoined excluding the joiner
//	message      echo to the sender, broadcast excluding the sender
//	leaveRoom    no reply, broadcast userLeft
//	getRoomList  reply roomList
func (c *Coordinator) Dispatch(ctx context.Context, userID string, socket registry.Socket, cmd protocol.Command) {
	switch cmd := cmd.(type) {
	case protocol.JoinCommand:
		c.handleJoin(ctx, userID, socket, cmd)
	case protocol.MessageCommand:
		c.handleMessage(ctx, userID, socket, cmd)
	case protocol.LeaveRoomCommand:
		c.handleLeave(ctx, userID, socket)
	case protocol.GetRoomListCommand:
		c.handleRoomList(ctx, socket)
	default:
		c.reply(socket, protocol.Error("Unknown message type"))
	}
}

func (c *Coordinator) handleJoin(ctx context.Context, userID string, socket registry.Socket, cmd protocol.JoinCommand) {
	count, err := c.Join(ctx, userID, cmd.RoomID, cmd.Username, socket, cmd.RoomName)
	switch {
	case err == nil:
	case errors.Is(err, ErrDisconnected):
		return
	case errors.Is(err, protocol.ErrMalformedInput):
		c.reply(socket, protocol.Error(protocol.ClientReason(err)))
		return
	case errors.Is(err, ErrAlreadyJoined):
		c.reply(socket, protocol.Error("Already in a room; leave it first"))
		return
	default:
		c.logger.Error("Join failed",
			zap.String("user", userID),
			zap.String("room", cmd.RoomID),
			zap.Error(err))
		c.reply(socket, protocol.Error("Join failed"))
		return
	}

	c.reply(socket, protocol.RoomJoined(cmd.RoomID, count))
	c.Broadcast(ctx, cmd.RoomID, protocol.UserJoined(cmd.Username, userID, count), userID)
}

func (c *Coordinator) handleMessage(ctx context.Context, userID string, socket registry.Socket, cmd protocol.MessageCommand) {
	entry, ok := c.registry.Lookup(userID)
	if !ok {
		c.reply(socket, protocol.Error("Join a room first"))
		return
	}

	env := protocol.ChatMessage(cmd.Content, entry.Username, userID, c.now())
	c.reply(socket, env)
	c.Broadcast(ctx, entry.RoomID, env, userID)
}

func (c *Coordinator) handleLeave(ctx context.Context, userID string, socket registry.Socket) {
	res, err := c.Leave(ctx, userID)
	if err != nil {
		c.logger.Error("Leave failed", zap.String("user", userID), zap.Error(err))
		c.reply(socket, protocol.Error("Leave failed"))
		return
	}
	if res == nil {
		return
	}

	c.Broadcast(ctx, res.RoomID, protocol.UserLeft(res.Username, userID, res.MemberCount), "")
}

func (c *Coordinator) handleRoomList(ctx context.Context, socket registry.Socket) {
	rooms, err := c.RoomList(ctx)
	if err != nil {
		c.logger.Error("Room list failed", zap.Error(err))
		c.reply(socket, protocol.Error("Could not list rooms"))
		return
	}
	c.reply(socket, protocol.RoomList(rooms))
}

// reply sends env straight to socket, bypassing the relay.
func (c *Coordinator) reply(socket registry.Socket, env protocol.Envelope) {
	payload, err := env.ClientJSON()
	if err != nil {
		c.logger.Error("Cannot encode reply", zap.Error(err))
		return
	}
	if !socket.IsOpen() || !socket.Send(payload) {
		c.logger.Debug("Reply dropped", zap.String("type", string(env.Type)))
	}
}
