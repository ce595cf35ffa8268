package hub

import (
	"log/slog"
	"sync"

	"github.com/ParasRana123/musor/domain"
)

type entry struct {
	conn   domain.Connection
	userID string
	rooms  map[string]struct{}
}

// Hub is the connection directory: it maps each live connection to its
// user identity and joined rooms, and indexes rooms for fan-out.
type Hub struct {
	mu      sync.RWMutex
	entries map[string]*entry
	// rooms indexes member connection ids by room so MembersOf does not
	// scan the whole directory.
	rooms map[string]map[string]struct{}
}

func New() *Hub {
	return &Hub{
		entries: make(map[string]*entry),
		rooms:   make(map[string]map[string]struct{}),
	}
}

// Register creates a directory entry for the connection. Re-registering an
// existing connection folds the new userID into the entry; room
// memberships are kept.
func (h *Hub) Register(conn domain.Connection, userID string) {
	h.mu.Lock()
	e, exists := h.entries[conn.ID()]
	if !exists {
		e = &entry{conn: conn, rooms: make(map[string]struct{})}
		h.entries[conn.ID()] = e
	}
	if userID != "" {
		e.userID = userID
	}
	count := len(h.entries)
	h.mu.Unlock()

	if !exists {
		slog.Info("client registered", "clientId", conn.ID(), "userId", userID, "clients", count)
	}
}

// JoinRoom adds the room to the connection's membership set. Joining a
// room the connection is already in is a no-op. Unknown connections are
// ignored.
func (h *Hub) JoinRoom(conn domain.Connection, roomID string) {
	h.mu.Lock()
	e, exists := h.entries[conn.ID()]
	if !exists {
		h.mu.Unlock()
		return
	}
	if _, member := e.rooms[roomID]; member {
		h.mu.Unlock()
		return
	}
	e.rooms[roomID] = struct{}{}
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[roomID] = members
	}
	members[conn.ID()] = struct{}{}
	count := len(members)
	h.mu.Unlock()

	slog.Info("client joined room", "room", roomID, "clientId", conn.ID(), "members", count)
}

// UserID returns the identity supplied at registration, if any.
func (h *Hub) UserID(conn domain.Connection) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	e, exists := h.entries[conn.ID()]
	if !exists || e.userID == "" {
		return "", false
	}
	return e.userID, true
}

// MembersOf returns every connection whose room set contains roomID.
func (h *Hub) MembersOf(roomID string) []domain.Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids, exists := h.rooms[roomID]
	if !exists {
		return nil
	}
	members := make([]domain.Connection, 0, len(ids))
	for id := range ids {
		if e, ok := h.entries[id]; ok {
			members = append(members, e.conn)
		}
	}
	return members
}

// Remove deletes the connection's entry and its room memberships,
// returning the rooms left with no members.
func (h *Hub) Remove(conn domain.Connection) []string {
	h.mu.Lock()
	e, exists := h.entries[conn.ID()]
	if !exists {
		h.mu.Unlock()
		return nil
	}
	delete(h.entries, conn.ID())

	var emptied []string
	for roomID := range e.rooms {
		members := h.rooms[roomID]
		delete(members, conn.ID())
		if len(members) == 0 {
			delete(h.rooms, roomID)
			emptied = append(emptied, roomID)
		}
	}
	count := len(h.entries)
	h.mu.Unlock()

	slog.Info("client disconnected", "clientId", conn.ID(), "userId", e.userID, "clients", count)
	for _, roomID := range emptied {
		slog.Info("room emptied", "room", roomID)
	}
	return emptied
}

// Stats reports the number of occupied rooms and live connections.
func (h *Hub) Stats() (rooms, clients int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms), len(h.entries)
}

// Broadcast sends data to every member of the room. Send errors are
// logged per recipient so one dead connection cannot abort the fan-out.
func (h *Hub) Broadcast(roomID string, data []byte) {
	for _, conn := range h.MembersOf(roomID) {
		if err := conn.Send(data); err != nil {
			slog.Error("send failed", "room", roomID, "clientId", conn.ID(), "error", err)
		}
	}
}

// BroadcastExcept sends data to every member of the room except sender.
func (h *Hub) BroadcastExcept(roomID string, sender domain.Connection, data []byte) {
	for _, conn := range h.MembersOf(roomID) {
		if conn.ID() == sender.ID() {
			continue
		}
		if err := conn.Send(data); err != nil {
			slog.Error("send failed", "room", roomID, "clientId", conn.ID(), "error", err)
		}
	}
}
