// Package syncclient implements the client half of the room synchronizer:
// applying inbound state to a local player without echoing those changes
// back, and nudging the player when it drifts from the room clock.
package syncclient

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ParasRana123/musor/domain"
	"github.com/ParasRana123/musor/videoid"
)

// Player is the local playback surface the reconciler drives. CurrentTime
// and Playing reflect the independently running player clock.
type Player interface {
	Load(videoID string, startSeconds float64)
	Play()
	Pause()
	SeekTo(seconds float64)
	CurrentTime() float64
	Playing() bool
	Ready() bool
}

// Sender delivers a frame to the server.
type Sender interface {
	Send(data []byte) error
}

// Config tunes the reconciliation timings. The delays bound how long the
// remote-update guard stays up after each kind of programmatic player
// mutation: long enough for the player's own state-change events to fire
// and be swallowed, short enough not to mask genuine user actions.
type Config struct {
	// DriftThreshold is the position gap, in seconds, below which a
	// time_sync is ignored rather than causing a visible seek.
	DriftThreshold float64
	// SyncInterval is how often the local position is reported while
	// playing.
	SyncInterval time.Duration
	// ReadyPollInterval is how often a buffered sync is retried while the
	// player is not ready yet.
	ReadyPollInterval time.Duration

	LoadGuard      time.Duration
	PlayPauseGuard time.Duration
	SeekGuard      time.Duration
	DriftGuard     time.Duration
}

func DefaultConfig() Config {
	return Config{
		DriftThreshold:    0.5,
		SyncInterval:      2 * time.Second,
		ReadyPollInterval: 300 * time.Millisecond,
		LoadGuard:         1500 * time.Millisecond,
		PlayPauseGuard:    800 * time.Millisecond,
		SeekGuard:         500 * time.Millisecond,
		DriftGuard:        300 * time.Millisecond,
	}
}

type pendingSync struct {
	videoID     string
	currentTime float64
	isPlaying   bool
}

// serverFrame is the superset of every outbound server envelope.
type serverFrame struct {
	Type        string  `json:"type"`
	RoomID      string  `json:"roomId"`
	Video       string  `json:"video"`
	VideoID     string  `json:"videoId"`
	CurrentTime float64 `json:"currentTime"`
	IsPlaying   bool    `json:"isPlaying"`
	Chat        string  `json:"chat"`
	SenderID    string  `json:"senderId"`
}

// Frames this client sends to the server.

type joinFrame struct {
	Type    string             `json:"type"`
	Payload domain.JoinPayload `json:"payload"`
}

type streamFrame struct {
	Type        string  `json:"type"`
	Video       string  `json:"video"`
	RoomID      string  `json:"roomId"`
	CurrentTime float64 `json:"currentTime"`
}

type playbackFrame struct {
	Type        string  `json:"type"`
	RoomID      string  `json:"roomId"`
	CurrentTime float64 `json:"currentTime"`
}

type chatFrame struct {
	Type   string `json:"type"`
	Chat   string `json:"chat"`
	RoomID string `json:"roomId"`
}

// Reconciler keeps one local player converged with its room. Inbound
// server messages go through HandleMessage; user-initiated player events
// go through the OnLocal methods, which suppress echoes of remote
// updates.
type Reconciler struct {
	player Player
	sender Sender
	roomID string
	userID string
	cfg    Config

	// ChatFunc, when set, receives relayed chat messages.
	ChatFunc func(senderID, text string)

	// after schedules a callback; replaced in tests.
	after func(time.Duration, func())

	mu       sync.Mutex
	applying bool
	guardSeq int
	pending  *pendingSync

	stopSync chan struct{}
	syncOnce sync.Once
}

func New(player Player, sender Sender, userID, roomID string, cfg Config) *Reconciler {
	return &Reconciler{
		player:   player,
		sender:   sender,
		roomID:   roomID,
		userID:   userID,
		cfg:      cfg,
		after:    func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		stopSync: make(chan struct{}),
	}
}

// Join announces this client to the room.
func (r *Reconciler) Join() error {
	return r.sendJSON(joinFrame{
		Type: domain.KindJoinRoom,
		Payload: domain.JoinPayload{
			UserID: r.userID,
			RoomID: domain.RoomID(r.roomID),
		},
	})
}

// StreamVideo switches the room to a new video, anchored at zero. The
// canonical embed link is sent so every member, this client included,
// reloads against the same parameters.
func (r *Reconciler) StreamVideo(ref string) error {
	return r.sendJSON(streamFrame{
		Type:        domain.KindStream,
		Video:       videoid.EmbedLink(ref, 0),
		RoomID:      r.roomID,
		CurrentTime: 0,
	})
}

// SendChat relays a text message to the room.
func (r *Reconciler) SendChat(text string) error {
	return r.sendJSON(chatFrame{
		Type:   domain.KindChat,
		Chat:   text,
		RoomID: r.roomID,
	})
}

// HandleMessage applies one inbound server frame to the player. The
// literal greeting frame and unknown kinds are ignored.
func (r *Reconciler) HandleMessage(data []byte) {
	if len(data) == 0 || data[0] != '{' {
		return
	}

	var msg serverFrame
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("unparseable server frame", "error", err)
		return
	}

	switch msg.Type {
	case domain.KindStream, domain.KindSync:
		r.applyVideoState(msg)
	case domain.KindPlay:
		r.applyPlay(msg.CurrentTime)
	case domain.KindPause:
		r.applyPause(msg.CurrentTime)
	case domain.KindSeek:
		r.applySeek(msg.CurrentTime)
	case domain.KindTimeSync:
		r.applyTimeSync(msg.CurrentTime)
	case domain.KindChat:
		if r.ChatFunc != nil {
			r.ChatFunc(msg.SenderID, msg.Chat)
		}
	}
}

// OnLocalPlay reports a user-initiated play. Echoes of remote updates are
// dropped here: while the guard is up, the player's state changes were
// caused by us, not the user.
func (r *Reconciler) OnLocalPlay(currentTime float64) {
	if r.guarded() {
		return
	}
	r.sendPlayback(domain.KindPlay, currentTime)
}

// OnLocalPause reports a user-initiated pause.
func (r *Reconciler) OnLocalPause(currentTime float64) {
	if r.guarded() {
		return
	}
	r.sendPlayback(domain.KindPause, currentTime)
}

// OnLocalSeek reports a user-initiated seek.
func (r *Reconciler) OnLocalSeek(currentTime float64) {
	if r.guarded() {
		return
	}
	r.sendPlayback(domain.KindSeek, currentTime)
}

// StartPeriodicSync reports the local position every SyncInterval while
// the player is actually playing. This feed is what lets other clients
// correct their drift.
func (r *Reconciler) StartPeriodicSync() {
	go func() {
		ticker := time.NewTicker(r.cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopSync:
				return
			case <-ticker.C:
				r.reportPosition()
			}
		}
	}()
}

// Stop ends periodic sync reporting.
func (r *Reconciler) Stop() {
	r.syncOnce.Do(func() { close(r.stopSync) })
}

func (r *Reconciler) reportPosition() {
	if r.guarded() || !r.player.Ready() || !r.player.Playing() {
		return
	}
	r.sendPlayback(domain.KindTimeSync, r.player.CurrentTime())
}

func (r *Reconciler) applyVideoState(msg serverFrame) {
	id := msg.VideoID
	if id == "" {
		id = videoid.Extract(msg.Video)
	}
	if id == "" {
		slog.Warn("sync with no video reference", "room", msg.RoomID)
		return
	}

	r.mu.Lock()
	r.pending = &pendingSync{
		videoID:     id,
		currentTime: msg.CurrentTime,
		isPlaying:   msg.IsPlaying,
	}
	r.mu.Unlock()

	r.flushPending()
}

// flushPending loads the buffered video state once the player is ready,
// polling until it is. A newer sync replaces the buffer; only the latest
// state is ever applied.
func (r *Reconciler) flushPending() {
	r.mu.Lock()
	p := r.pending
	r.mu.Unlock()
	if p == nil {
		return
	}

	if !r.player.Ready() {
		r.after(r.cfg.ReadyPollInterval, r.flushPending)
		return
	}

	r.beginGuard(r.cfg.LoadGuard)
	r.player.Load(p.videoID, p.currentTime)
	if p.isPlaying {
		r.player.Play()
	} else {
		r.player.Pause()
	}

	r.mu.Lock()
	if r.pending == p {
		r.pending = nil
	}
	r.mu.Unlock()
}

func (r *Reconciler) applyPlay(currentTime float64) {
	if !r.player.Ready() {
		return
	}
	r.beginGuard(r.cfg.PlayPauseGuard)
	r.player.SeekTo(currentTime)
	r.player.Play()
}

func (r *Reconciler) applyPause(currentTime float64) {
	if !r.player.Ready() {
		return
	}
	r.beginGuard(r.cfg.PlayPauseGuard)
	r.player.SeekTo(currentTime)
	r.player.Pause()
}

func (r *Reconciler) applySeek(currentTime float64) {
	// A seek arriving while we are already applying a remote update is
	// our own broadcast coming back; applying it again would oscillate.
	if r.guarded() || !r.player.Ready() {
		return
	}
	r.beginGuard(r.cfg.SeekGuard)
	r.player.SeekTo(currentTime)
}

func (r *Reconciler) applyTimeSync(currentTime float64) {
	if r.guarded() || !r.player.Ready() {
		return
	}
	drift := r.player.CurrentTime() - currentTime
	if drift < 0 {
		drift = -drift
	}
	if drift <= r.cfg.DriftThreshold {
		// Small drift is invisible; a forced seek is not.
		return
	}
	slog.Debug("correcting drift", "drift", drift, "target", currentTime)
	r.beginGuard(r.cfg.DriftGuard)
	r.player.SeekTo(currentTime)
}

// beginGuard raises the applying-remote-update flag and schedules its
// release. Overlapping guards extend rather than truncate: only the
// release matching the latest guard lowers the flag.
func (r *Reconciler) beginGuard(d time.Duration) {
	r.mu.Lock()
	r.applying = true
	r.guardSeq++
	seq := r.guardSeq
	r.mu.Unlock()

	r.after(d, func() {
		r.mu.Lock()
		if r.guardSeq == seq {
			r.applying = false
		}
		r.mu.Unlock()
	})
}

func (r *Reconciler) guarded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applying
}

func (r *Reconciler) sendPlayback(kind string, currentTime float64) {
	if err := r.sendJSON(playbackFrame{
		Type:        kind,
		RoomID:      r.roomID,
		CurrentTime: currentTime,
	}); err != nil {
		slog.Error("send failed", "type", kind, "error", err)
	}
}

func (r *Reconciler) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.sender.Send(data)
}
