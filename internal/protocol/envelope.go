// Package protocol defines the JSON messages exchanged with WebSocket clients
// and carried over the pub/sub bus between relay instances.
//
// Inbound traffic is decoded into the closed Command union (see command.go);
// everything the server sends, whether directly to one socket or fanned out
// through the bus, is an Envelope.
package protocol

import (
	"encoding/json"
	"time"
)

// Type identifies the variant of an outbound Envelope.
type Type string

// Outbound envelope variants.
const (
	TypeConnected  Type = "connected"
	TypeRoomJoined Type = "roomJoined"
	TypeUserJoined Type = "userJoined"
	TypeMessage    Type = "message"
	TypeUserLeft   Type = "userLeft"
	TypeRoomList   Type = "roomList"
	TypeError      Type = "error"
)

// TimestampLayout is the layout used for message timestamps and room
// creation times on the wire (UTC, millisecond precision).
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// RoomSummary is a single entry of a roomList envelope.
type RoomSummary struct {
	RoomID      string `json:"roomId"`
	Name        string `json:"name"`
	MemberCount int64  `json:"memberCount"`
	CreatedAt   string `json:"createdAt"`
}

// Envelope is a tagged outbound message. Only the fields relevant to Type are
// serialized. ExcludeUserID travels over the bus so every instance can skip a
// user that was already answered directly; it is never sent to a socket.
type Envelope struct {
	Type          Type
	Message       string
	RoomID        string
	Content       string
	Username      string
	UserID        string
	MemberCount   int64
	Timestamp     string
	Rooms         []RoomSummary
	ExcludeUserID string
}

type wireEnvelope struct {
	Type          Type           `json:"type"`
	Message       string         `json:"message,omitempty"`
	RoomID        string         `json:"roomId,omitempty"`
	Content       string         `json:"content,omitempty"`
	Username      string         `json:"username,omitempty"`
	UserID        string         `json:"userId,omitempty"`
	MemberCount   *int64         `json:"memberCount,omitempty"`
	Timestamp     string         `json:"timestamp,omitempty"`
	Rooms         *[]RoomSummary `json:"rooms,omitempty"`
	ExcludeUserID string         `json:"excludeUserId,omitempty"`
}

// MarshalJSON encodes the envelope including the exclusion hint. Use
// ClientJSON for socket delivery.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		Type:          e.Type,
		Message:       e.Message,
		RoomID:        e.RoomID,
		Content:       e.Content,
		Username:      e.Username,
		UserID:        e.UserID,
		Timestamp:     e.Timestamp,
		ExcludeUserID: e.ExcludeUserID,
	}

	switch e.Type {
	case TypeRoomJoined, TypeUserJoined, TypeUserLeft:
		count := e.MemberCount
		w.MemberCount = &count
	case TypeRoomList:
		rooms := e.Rooms
		if rooms == nil {
			rooms = []RoomSummary{}
		}
		w.Rooms = &rooms
	}

	return json.Marshal(w)
}

// UnmarshalJSON decodes an envelope received from the bus.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*e = Envelope{
		Type:          w.Type,
		Message:       w.Message,
		RoomID:        w.RoomID,
		Content:       w.Content,
		Username:      w.Username,
		UserID:        w.UserID,
		Timestamp:     w.Timestamp,
		ExcludeUserID: w.ExcludeUserID,
	}
	if w.MemberCount != nil {
		e.MemberCount = *w.MemberCount
	}
	if w.Rooms != nil {
		e.Rooms = *w.Rooms
	}
	return nil
}

// ClientJSON encodes the envelope for a socket, with the exclusion hint
// stripped.
func (e Envelope) ClientJSON() ([]byte, error) {
	e.ExcludeUserID = ""
	return json.Marshal(e)
}

// FormatTime renders t in the wire timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Connected greets a freshly accepted socket with its assigned user id.
func Connected(userID string) Envelope {
	return Envelope{Type: TypeConnected, Message: "Connected", UserID: userID}
}

// RoomJoined acknowledges a join to the joining socket.
func RoomJoined(roomID string, memberCount int64) Envelope {
	return Envelope{
		Type:        TypeRoomJoined,
		RoomID:      roomID,
		MemberCount: memberCount,
		Message:     "Joined room " + roomID,
	}
}

// UserJoined announces a new member to the rest of the room.
func UserJoined(username, userID string, memberCount int64) Envelope {
	return Envelope{Type: TypeUserJoined, Username: username, UserID: userID, MemberCount: memberCount}
}

// UserLeft announces a departed member to the rest of the room.
func UserLeft(username, userID string, memberCount int64) Envelope {
	return Envelope{Type: TypeUserLeft, Username: username, UserID: userID, MemberCount: memberCount}
}

// ChatMessage is a chat line as delivered to room members.
func ChatMessage(content, username, userID string, at time.Time) Envelope {
	return Envelope{
		Type:      TypeMessage,
		Content:   content,
		Username:  username,
		UserID:    userID,
		Timestamp: FormatTime(at),
	}
}

// RoomList carries the room directory.
func RoomList(rooms []RoomSummary) Envelope {
	return Envelope{Type: TypeRoomList, Rooms: rooms}
}

// Error reports a failure to the originating socket.
func Error(message string) Envelope {
	return Envelope{Type: TypeError, Message: message}
}
