package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Message kinds carried in the "type" field of every JSON frame.
const (
	KindJoinRoom = "join_room"
	KindStream   = "stream"
	KindPlay     = "play"
	KindPause    = "pause"
	KindSeek     = "seek"
	KindTimeSync = "time_sync"
	KindChat     = "chat"
	KindSync     = "sync"
)

// RoomID accepts both JSON strings and numbers, since clients send either.
type RoomID string

func (r *RoomID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*r = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = RoomID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("roomId must be a string or number: %w", err)
	}
	*r = RoomID(n.String())
	return nil
}

func (r RoomID) String() string { return string(r) }

// JoinPayload is the nested payload of a join_room frame.
type JoinPayload struct {
	UserID string `json:"userId"`
	RoomID RoomID `json:"roomId"`
}

// Inbound is the superset envelope of every client frame. Which fields are
// meaningful depends on Type; the protocol handler validates per kind.
type Inbound struct {
	Type        string       `json:"type"`
	Payload     *JoinPayload `json:"payload,omitempty"`
	Video       string       `json:"video,omitempty"`
	RoomID      RoomID       `json:"roomId,omitempty"`
	CurrentTime float64      `json:"currentTime,omitempty"`
	Chat        string       `json:"chat,omitempty"`
}

// SyncMessage is pushed to a single joining connection when its room
// already has playback state.
type SyncMessage struct {
	Type        string  `json:"type"`
	RoomID      string  `json:"roomId"`
	Video       string  `json:"video"`
	VideoID     string  `json:"videoId"`
	CurrentTime float64 `json:"currentTime"`
	IsPlaying   bool    `json:"isPlaying"`
}

// StreamMessage announces a video change to every member of a room,
// sender included.
type StreamMessage struct {
	Type        string  `json:"type"`
	Video       string  `json:"video"`
	VideoID     string  `json:"videoId"`
	RoomID      string  `json:"roomId"`
	CurrentTime float64 `json:"currentTime"`
	IsPlaying   bool    `json:"isPlaying"`
}

// PlaybackMessage covers play, pause, seek and time_sync broadcasts.
type PlaybackMessage struct {
	Type        string  `json:"type"`
	RoomID      string  `json:"roomId"`
	CurrentTime float64 `json:"currentTime"`
}

// ChatMessage is relayed to room members with the sender's identity.
type ChatMessage struct {
	Type     string `json:"type"`
	Chat     string `json:"chat"`
	SenderID string `json:"senderId"`
}

// RoomState is the last known playback state of a room. It exists only
// after the room's first stream event.
type RoomState struct {
	Video       string
	CurrentTime float64
	IsPlaying   bool
}

// Connection is one live transport session. Implementations must be safe
// for concurrent Send calls.
type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// Directory tracks live connections, their user identity and the rooms
// they have joined.
type Directory interface {
	Register(conn Connection, userID string)
	JoinRoom(conn Connection, roomID string)
	UserID(conn Connection) (string, bool)
	MembersOf(roomID string) []Connection
	// Remove drops the connection entirely and reports which of its rooms
	// are now empty.
	Remove(conn Connection) (emptied []string)
	Stats() (rooms, clients int)
}

// Registry holds per-room playback state.
type Registry interface {
	Get(roomID string) (RoomState, bool)
	ApplyStream(roomID, video string, currentTime float64) RoomState
	ApplyPlay(roomID string, currentTime float64) bool
	ApplyPause(roomID string, currentTime float64) bool
	ApplySeek(roomID string, currentTime float64) bool
	// ApplyTimeSync reports false when the update was dropped as stale.
	ApplyTimeSync(roomID string, currentTime float64) bool
	Evict(roomID string)
}

// HistorySink records stream changes to durable storage. Failures must be
// absorbed by the implementation; the sync path never waits on it.
type HistorySink interface {
	Record(ctx context.Context, video, videoID, roomID, userID string) error
}

// MessageHandler processes inbound frames and connection teardown.
type MessageHandler interface {
	Handle(conn Connection, data []byte)
	HandleDisconnect(conn Connection)
}
