package registry

import (
	"log/slog"
	"sync"

	"github.com/ParasRana123/musor/domain"
)

// staleRewindTolerance is how far backwards a time_sync may move a playing
// room's clock before it is treated as a stale, delayed packet and dropped.
// Intentional rewinds arrive as seek events and are never dropped.
const staleRewindTolerance = 2.0

// Registry is the room registry: the last known playback state per room.
// A room gains state on its first stream event and loses it on eviction.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]domain.RoomState
}

func New() *Registry {
	return &Registry{rooms: make(map[string]domain.RoomState)}
}

func (r *Registry) Get(roomID string) (domain.RoomState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, exists := r.rooms[roomID]
	return state, exists
}

// ApplyStream replaces the room's state wholesale: new video, new offset,
// playing. Nothing from any previous state survives.
func (r *Registry) ApplyStream(roomID, video string, currentTime float64) domain.RoomState {
	state := domain.RoomState{
		Video:       video,
		CurrentTime: currentTime,
		IsPlaying:   true,
	}

	r.mu.Lock()
	r.rooms[roomID] = state
	r.mu.Unlock()

	return state
}

// ApplyPlay marks the room playing at the given offset. Rooms with no
// prior stream are left untouched.
func (r *Registry) ApplyPlay(roomID string, currentTime float64) bool {
	return r.update(roomID, func(s *domain.RoomState) {
		s.IsPlaying = true
		s.CurrentTime = currentTime
	})
}

// ApplyPause marks the room paused at the given offset.
func (r *Registry) ApplyPause(roomID string, currentTime float64) bool {
	return r.update(roomID, func(s *domain.RoomState) {
		s.IsPlaying = false
		s.CurrentTime = currentTime
	})
}

// ApplySeek moves the playback offset without touching the play state.
func (r *Registry) ApplySeek(roomID string, currentTime float64) bool {
	return r.update(roomID, func(s *domain.RoomState) {
		s.CurrentTime = currentTime
	})
}

// ApplyTimeSync moves the playback offset without touching the play
// state. A sync that would rewind a playing room past the tolerance is a
// delayed packet from a lagging client; it is dropped and false returned.
func (r *Registry) ApplyTimeSync(roomID string, currentTime float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.rooms[roomID]
	if !exists {
		// No state to update, but the caller may still fan out.
		return true
	}
	if state.IsPlaying && currentTime < state.CurrentTime-staleRewindTolerance {
		slog.Debug("stale time_sync dropped",
			"room", roomID, "current", state.CurrentTime, "received", currentTime)
		return false
	}
	state.CurrentTime = currentTime
	r.rooms[roomID] = state
	return true
}

// Evict drops the room's state. Called when the last member disconnects.
func (r *Registry) Evict(roomID string) {
	r.mu.Lock()
	_, existed := r.rooms[roomID]
	delete(r.rooms, roomID)
	r.mu.Unlock()

	if existed {
		slog.Info("room state evicted", "room", roomID)
	}
}

func (r *Registry) update(roomID string, mutate func(*domain.RoomState)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.rooms[roomID]
	if !exists {
		return false
	}
	mutate(&state)
	r.rooms[roomID] = state
	return true
}
