package protocol

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ParasRana123/musor/domain"
	"github.com/ParasRana123/musor/videoid"
)

// Broadcaster is the fan-out surface the handler needs from the hub.
type Broadcaster interface {
	Broadcast(roomID string, data []byte)
	BroadcastExcept(roomID string, sender domain.Connection, data []byte)
}

// Handler is the event router: it receives inbound frames, mutates the
// room registry, and fans resulting messages out to room members.
type Handler struct {
	directory domain.Directory
	caster    Broadcaster
	registry  domain.Registry
	sink      domain.HistorySink
}

func NewHandler(directory domain.Directory, caster Broadcaster, registry domain.Registry, sink domain.HistorySink) *Handler {
	return &Handler{
		directory: directory,
		caster:    caster,
		registry:  registry,
		sink:      sink,
	}
}

// Handle processes one inbound frame. Malformed frames are logged and
// dropped; they never terminate the connection.
func (h *Handler) Handle(conn domain.Connection, data []byte) {
	var msg domain.Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("invalid message", "clientId", conn.ID(), "error", err)
		return
	}

	switch msg.Type {
	case domain.KindJoinRoom:
		h.handleJoin(conn, msg)
	case domain.KindStream:
		h.handleStream(conn, msg)
	case domain.KindPlay:
		h.handlePlay(conn, msg)
	case domain.KindPause:
		h.handlePause(conn, msg)
	case domain.KindSeek:
		h.handleSeek(conn, msg)
	case domain.KindTimeSync:
		h.handleTimeSync(conn, msg)
	case domain.KindChat:
		h.handleChat(conn, msg)
	default:
		slog.Warn("unhandled message type", "clientId", conn.ID(), "type", msg.Type)
	}
}

// HandleDisconnect removes the connection from the directory and evicts
// state for any rooms it leaves empty.
func (h *Handler) HandleDisconnect(conn domain.Connection) {
	for _, roomID := range h.directory.Remove(conn) {
		h.registry.Evict(roomID)
	}
}

func (h *Handler) handleJoin(conn domain.Connection, msg domain.Inbound) {
	if msg.Payload == nil || msg.Payload.RoomID == "" {
		slog.Warn("join_room missing payload", "clientId", conn.ID())
		return
	}
	roomID := msg.Payload.RoomID.String()

	h.directory.Register(conn, msg.Payload.UserID)
	h.directory.JoinRoom(conn, roomID)

	state, exists := h.registry.Get(roomID)
	if !exists {
		// Nothing playing yet; the client treats silence as "no session".
		return
	}

	h.send(conn, domain.SyncMessage{
		Type:        domain.KindSync,
		RoomID:      roomID,
		Video:       state.Video,
		VideoID:     videoid.Extract(state.Video),
		CurrentTime: state.CurrentTime,
		IsPlaying:   state.IsPlaying,
	})
}

func (h *Handler) handleStream(conn domain.Connection, msg domain.Inbound) {
	if msg.Video == "" || msg.RoomID == "" {
		slog.Warn("stream missing fields", "clientId", conn.ID())
		return
	}
	userID, ok := h.directory.UserID(conn)
	if !ok {
		slog.Warn("stream from connection with no identity", "clientId", conn.ID())
		return
	}
	roomID := msg.RoomID.String()

	state := h.registry.ApplyStream(roomID, msg.Video, msg.CurrentTime)
	id := videoid.Extract(msg.Video)

	h.persist(msg.Video, id, roomID, userID)

	data, err := json.Marshal(domain.StreamMessage{
		Type:        domain.KindStream,
		Video:       msg.Video,
		VideoID:     id,
		RoomID:      roomID,
		CurrentTime: state.CurrentTime,
		IsPlaying:   state.IsPlaying,
	})
	if err != nil {
		slog.Error("marshal error", "clientId", conn.ID(), "error", err)
		return
	}
	// The sender gets the broadcast too: it must reload against the
	// canonical embed parameters like everyone else.
	h.caster.Broadcast(roomID, data)

	slog.Info("stream", "room", roomID, "userId", userID, "videoId", id)
}

func (h *Handler) handlePlay(conn domain.Connection, msg domain.Inbound) {
	if msg.RoomID == "" {
		slog.Warn("play missing roomId", "clientId", conn.ID())
		return
	}
	roomID := msg.RoomID.String()
	if !h.registry.ApplyPlay(roomID, msg.CurrentTime) {
		slog.Debug("play for room with no state", "room", roomID)
	}
	h.fanOutExcept(conn, domain.KindPlay, roomID, msg.CurrentTime)
}

func (h *Handler) handlePause(conn domain.Connection, msg domain.Inbound) {
	if msg.RoomID == "" {
		slog.Warn("pause missing roomId", "clientId", conn.ID())
		return
	}
	roomID := msg.RoomID.String()
	if !h.registry.ApplyPause(roomID, msg.CurrentTime) {
		slog.Debug("pause for room with no state", "room", roomID)
	}
	h.fanOutExcept(conn, domain.KindPause, roomID, msg.CurrentTime)
}

func (h *Handler) handleSeek(conn domain.Connection, msg domain.Inbound) {
	if msg.RoomID == "" {
		slog.Warn("seek missing roomId", "clientId", conn.ID())
		return
	}
	roomID := msg.RoomID.String()
	h.registry.ApplySeek(roomID, msg.CurrentTime)

	// Seek goes to the sender as well; clients guard re-entrant seeks.
	data, err := json.Marshal(domain.PlaybackMessage{
		Type:        domain.KindSeek,
		RoomID:      roomID,
		CurrentTime: msg.CurrentTime,
	})
	if err != nil {
		slog.Error("marshal error", "clientId", conn.ID(), "error", err)
		return
	}
	h.caster.Broadcast(roomID, data)
}

func (h *Handler) handleTimeSync(conn domain.Connection, msg domain.Inbound) {
	if msg.RoomID == "" {
		return
	}
	roomID := msg.RoomID.String()
	if !h.registry.ApplyTimeSync(roomID, msg.CurrentTime) {
		// Stale packet from a lagging client; rebroadcasting it would
		// yank everyone backwards.
		return
	}
	h.fanOutExcept(conn, domain.KindTimeSync, roomID, msg.CurrentTime)
}

func (h *Handler) handleChat(conn domain.Connection, msg domain.Inbound) {
	if msg.Chat == "" || msg.RoomID == "" {
		slog.Warn("chat missing fields", "clientId", conn.ID())
		return
	}
	senderID, _ := h.directory.UserID(conn)

	data, err := json.Marshal(domain.ChatMessage{
		Type:     domain.KindChat,
		Chat:     msg.Chat,
		SenderID: senderID,
	})
	if err != nil {
		slog.Error("marshal error", "clientId", conn.ID(), "error", err)
		return
	}
	// Sender included: clients render their own message from the echo.
	h.caster.Broadcast(msg.RoomID.String(), data)
}

func (h *Handler) fanOutExcept(sender domain.Connection, kind, roomID string, currentTime float64) {
	data, err := json.Marshal(domain.PlaybackMessage{
		Type:        kind,
		RoomID:      roomID,
		CurrentTime: currentTime,
	})
	if err != nil {
		slog.Error("marshal error", "clientId", sender.ID(), "error", err)
		return
	}
	h.caster.BroadcastExcept(roomID, sender, data)
}

// persist detaches the history write from the request path. The broadcast
// never waits on it and its errors surface only in the log.
func (h *Handler) persist(video, videoID, roomID, userID string) {
	go func() {
		if err := h.sink.Record(context.Background(), video, videoID, roomID, userID); err != nil {
			slog.Error("history record failed", "room", roomID, "error", err)
		}
	}()
}

func (h *Handler) send(conn domain.Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal error", "clientId", conn.ID(), "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		slog.Error("send failed", "clientId", conn.ID(), "error", err)
	}
}
