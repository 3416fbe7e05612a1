package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrMalformedInput is returned when a frame is not valid JSON or a
	// command is missing required fields.
	ErrMalformedInput = errors.New("malformed input")

	// ErrUnknownCommand is returned for a well-formed frame whose type is not
	// a known command.
	ErrUnknownCommand = errors.New("unknown command")
)

// InputError is a decode failure carrying the text reported to the client.
type InputError struct {
	Err    error
	Reason string
}

func (e *InputError) Error() string {
	return e.Err.Error() + ": " + e.Reason
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// Malformed returns an InputError wrapping ErrMalformedInput.
func Malformed(reason string) error {
	return &InputError{Err: ErrMalformedInput, Reason: reason}
}

// ClientReason returns the message that should be shown to a client for err.
func ClientReason(err error) string {
	var inputErr *InputError
	if errors.As(err, &inputErr) {
		return inputErr.Reason
	}
	return err.Error()
}

// Command is the closed set of requests a client can send. The unexported
// method keeps implementations inside this package.
type Command interface {
	commandName() string
}

// JoinCommand asks to join (and possibly create) a room.
type JoinCommand struct {
	RoomID   string
	Username string
	RoomName string
}

// MessageCommand posts a chat line to the sender's current room.
type MessageCommand struct {
	Content string
}

// LeaveRoomCommand leaves the current room.
type LeaveRoomCommand struct{}

// GetRoomListCommand requests the room directory.
type GetRoomListCommand struct{}

func (JoinCommand) commandName() string        { return "join" }
func (MessageCommand) commandName() string     { return "message" }
func (LeaveRoomCommand) commandName() string   { return "leaveRoom" }
func (GetRoomListCommand) commandName() string { return "getRoomList" }

// CommandName returns the wire tag of cmd.
func CommandName(cmd Command) string {
	return cmd.commandName()
}

type inboundFrame struct {
	Type     string  `json:"type"`
	RoomID   string  `json:"roomId"`
	Username string  `json:"username"`
	RoomName string  `json:"roomName"`
	Content  *string `json:"content"`
}

// DecodeCommand validates a raw client frame and returns the typed command.
// Failures wrap ErrMalformedInput or ErrUnknownCommand.
func DecodeCommand(raw []byte) (Command, error) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, Malformed("Invalid JSON format")
	}

	switch frame.Type {
	case "join":
		roomID := strings.TrimSpace(frame.RoomID)
		username := strings.TrimSpace(frame.Username)
		if roomID == "" || username == "" {
			return nil, Malformed("roomId & username required")
		}
		return JoinCommand{
			RoomID:   roomID,
			Username: username,
			RoomName: strings.TrimSpace(frame.RoomName),
		}, nil

	case "message":
		if frame.Content == nil || strings.TrimSpace(*frame.Content) == "" {
			return nil, Malformed("content required")
		}
		return MessageCommand{Content: *frame.Content}, nil

	case "leaveRoom":
		return LeaveRoomCommand{}, nil

	case "getRoomList":
		return GetRoomListCommand{}, nil

	case "":
		return nil, Malformed("type required")

	default:
		return nil, &InputError{Err: ErrUnknownCommand, Reason: "Unknown message type"}
	}
}
