package syncclient

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loadCall struct {
	videoID string
	start   float64
}

type mockPlayer struct {
	mu      sync.Mutex
	ready   bool
	playing bool
	current float64

	loads  []loadCall
	plays  int
	pauses int
	seeks  []float64
}

func (m *mockPlayer) Load(videoID string, start float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads = append(m.loads, loadCall{videoID, start})
	m.current = start
}

func (m *mockPlayer) Play() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plays++
	m.playing = true
}

func (m *mockPlayer) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauses++
	m.playing = false
}

func (m *mockPlayer) SeekTo(seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seeks = append(m.seeks, seconds)
	m.current = seconds
}

func (m *mockPlayer) CurrentTime() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *mockPlayer) Playing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing
}

func (m *mockPlayer) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

type mockSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (m *mockSender) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, data)
	return nil
}

func (m *mockSender) frames(t *testing.T) []map[string]any {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]map[string]any, 0, len(m.sent))
	for _, raw := range m.sent {
		var frame map[string]any
		require.NoError(t, json.Unmarshal(raw, &frame))
		out = append(out, frame)
	}
	return out
}

// manualClock collects scheduled callbacks so tests fire them explicitly.
type manualClock struct {
	mu        sync.Mutex
	callbacks []func()
}

func (c *manualClock) after(d time.Duration, f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, f)
}

func (c *manualClock) fireAll() {
	c.mu.Lock()
	pending := c.callbacks
	c.callbacks = nil
	c.mu.Unlock()
	for _, f := range pending {
		f()
	}
}

// take pops the most recently scheduled callback.
func (c *manualClock) take() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.callbacks[len(c.callbacks)-1]
	c.callbacks = c.callbacks[:len(c.callbacks)-1]
	return f
}

func newTestReconciler(ready bool) (*Reconciler, *mockPlayer, *mockSender, *manualClock) {
	player := &mockPlayer{ready: ready}
	sender := &mockSender{}
	clock := &manualClock{}
	r := New(player, sender, "user-1", "abc", DefaultConfig())
	r.after = clock.after
	return r, player, sender, clock
}

func TestReconciler_Join(t *testing.T) {
	r, _, sender, _ := newTestReconciler(true)

	require.NoError(t, r.Join())

	frames := sender.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "join_room", frames[0]["type"])
	payload := frames[0]["payload"].(map[string]any)
	assert.Equal(t, "user-1", payload["userId"])
	assert.Equal(t, "abc", payload["roomId"])
}

func TestReconciler_StreamVideoSendsEmbedLink(t *testing.T) {
	r, _, sender, _ := newTestReconciler(true)

	require.NoError(t, r.StreamVideo("https://youtube.com/watch?v=XYZ123"))

	frames := sender.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "stream", frames[0]["type"])
	assert.Equal(t, "https://www.youtube.com/embed/XYZ123?enablejsapi=1&start=0&autoplay=1", frames[0]["video"])
	assert.Equal(t, "abc", frames[0]["roomId"])
	assert.Equal(t, 0.0, frames[0]["currentTime"])
}

func TestReconciler_GreetingIgnored(t *testing.T) {
	r, player, _, _ := newTestReconciler(true)

	r.HandleMessage([]byte("connected"))
	r.HandleMessage(nil)

	assert.Empty(t, player.loads)
}

func TestReconciler_SyncAppliedWhenReady(t *testing.T) {
	r, player, sender, clock := newTestReconciler(true)

	r.HandleMessage([]byte(`{"type":"sync","roomId":"abc","video":"v","videoId":"XYZ","currentTime":12.5,"isPlaying":true}`))

	require.Equal(t, []loadCall{{"XYZ", 12.5}}, player.loads)
	assert.Equal(t, 1, player.plays)

	// The load raised the guard: the player's own events must not echo.
	r.OnLocalPlay(12.5)
	assert.Empty(t, sender.frames(t))

	// After the guard releases, genuine user actions flow again.
	clock.fireAll()
	r.OnLocalPause(13)
	frames := sender.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "pause", frames[0]["type"])
}

func TestReconciler_SyncPaused(t *testing.T) {
	r, player, _, _ := newTestReconciler(true)

	r.HandleMessage([]byte(`{"type":"sync","roomId":"abc","video":"v","videoId":"XYZ","currentTime":40,"isPlaying":false}`))

	require.Equal(t, []loadCall{{"XYZ", 40}}, player.loads)
	assert.Equal(t, 1, player.pauses)
	assert.Zero(t, player.plays)
}

func TestReconciler_SyncBufferedUntilPlayerReady(t *testing.T) {
	r, player, _, clock := newTestReconciler(false)

	r.HandleMessage([]byte(`{"type":"stream","roomId":"abc","videoId":"XYZ","currentTime":5,"isPlaying":true}`))
	assert.Empty(t, player.loads, "player not ready yet")

	// Still not ready on the first poll.
	clock.fireAll()
	assert.Empty(t, player.loads)

	player.mu.Lock()
	player.ready = true
	player.mu.Unlock()
	clock.fireAll()

	require.Equal(t, []loadCall{{"XYZ", 5}}, player.loads)
	assert.Equal(t, 1, player.plays)
}

func TestReconciler_NewerSyncReplacesBuffered(t *testing.T) {
	r, player, _, clock := newTestReconciler(false)

	r.HandleMessage([]byte(`{"type":"stream","roomId":"abc","videoId":"OLD","currentTime":5,"isPlaying":true}`))
	r.HandleMessage(
		[]byte(`{"type":"stream","roomId":"abc","video":"https://youtu.be/NEW","currentTime":9,"isPlaying":true}`))

	player.mu.Lock()
	player.ready = true
	player.mu.Unlock()
	clock.fireAll()
	clock.fireAll()

	// Only the latest buffered state is applied; videoId falls back to
	// extraction when the frame carries only the reference.
	require.NotEmpty(t, player.loads)
	last := player.loads[len(player.loads)-1]
	assert.Equal(t, loadCall{"NEW", 9}, last)
	for _, l := range player.loads {
		assert.NotEqual(t, "OLD", l.videoID)
	}
}

func TestReconciler_RemotePlayPause(t *testing.T) {
	r, player, sender, _ := newTestReconciler(true)

	r.HandleMessage([]byte(`{"type":"play","roomId":"abc","currentTime":30}`))
	assert.Equal(t, []float64{30}, player.seeks)
	assert.Equal(t, 1, player.plays)

	// Guard is up, so the pause fired by our own seek is swallowed.
	r.OnLocalPause(30)
	assert.Empty(t, sender.frames(t))
}

func TestReconciler_RemoteSeek(t *testing.T) {
	r, player, _, clock := newTestReconciler(true)

	r.HandleMessage([]byte(`{"type":"seek","roomId":"abc","currentTime":75}`))
	assert.Equal(t, []float64{75}, player.seeks)

	// A second seek arriving while the guard is up is our own echo.
	r.HandleMessage([]byte(`{"type":"seek","roomId":"abc","currentTime":75}`))
	assert.Len(t, player.seeks, 1)

	clock.fireAll()
	r.HandleMessage([]byte(`{"type":"seek","roomId":"abc","currentTime":80}`))
	assert.Equal(t, []float64{75, 80}, player.seeks)
}

func TestReconciler_TimeSyncDriftCorrection(t *testing.T) {
	tests := []struct {
		name      string
		local     float64
		server    float64
		wantSeeks int
	}{
		{"no drift", 100, 100, 0},
		{"drift under threshold", 100, 100.4, 0},
		{"drift over threshold", 100, 101.2, 1},
		{"local ahead of server", 103, 100, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, player, _, _ := newTestReconciler(true)
			player.current = tt.local

			r.HandleMessage([]byte(fmt.Sprintf(
				`{"type":"time_sync","roomId":"abc","currentTime":%v}`, tt.server)))

			assert.Len(t, player.seeks, tt.wantSeeks)
			if tt.wantSeeks > 0 {
				assert.Equal(t, tt.server, player.seeks[0])
			}
		})
	}
}

func TestReconciler_TimeSyncIgnoredWhileGuarded(t *testing.T) {
	r, player, _, _ := newTestReconciler(true)
	player.current = 0

	r.HandleMessage([]byte(`{"type":"play","roomId":"abc","currentTime":0}`))
	seeksAfterPlay := len(player.seeks)

	r.HandleMessage([]byte(`{"type":"time_sync","roomId":"abc","currentTime":50}`))
	assert.Len(t, player.seeks, seeksAfterPlay, "no correction while applying a remote update")
}

func TestReconciler_ReportPosition(t *testing.T) {
	r, player, sender, _ := newTestReconciler(true)
	player.playing = true
	player.current = 33.3

	r.reportPosition()

	frames := sender.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "time_sync", frames[0]["type"])
	assert.Equal(t, "abc", frames[0]["roomId"])
	assert.Equal(t, 33.3, frames[0]["currentTime"])
}

func TestReconciler_ReportPositionSkippedWhenIdle(t *testing.T) {
	r, player, sender, _ := newTestReconciler(true)

	// Paused: nothing to report.
	r.reportPosition()
	assert.Empty(t, sender.frames(t))

	// Playing but mid-apply: reporting would feed our own correction back.
	player.playing = true
	r.HandleMessage([]byte(`{"type":"play","roomId":"abc","currentTime":1}`))
	r.reportPosition()
	assert.Empty(t, sender.frames(t))
}

func TestReconciler_GuardOverlapExtends(t *testing.T) {
	r, _, sender, clock := newTestReconciler(true)

	r.HandleMessage([]byte(`{"type":"play","roomId":"abc","currentTime":1}`))
	firstRelease := clock.take()

	r.HandleMessage([]byte(`{"type":"pause","roomId":"abc","currentTime":1}`))
	secondRelease := clock.take()

	// Releasing the first guard must not lower the flag the second holds.
	firstRelease()
	r.OnLocalPlay(1)
	assert.Empty(t, sender.frames(t))

	secondRelease()
	r.OnLocalPlay(1)
	assert.Len(t, sender.frames(t), 1)
}

func TestReconciler_ChatCallback(t *testing.T) {
	r, _, _, _ := newTestReconciler(true)

	var gotSender, gotText string
	r.ChatFunc = func(senderID, text string) {
		gotSender, gotText = senderID, text
	}

	r.HandleMessage([]byte(`{"type":"chat","chat":"hello","senderId":"user-2"}`))

	assert.Equal(t, "user-2", gotSender)
	assert.Equal(t, "hello", gotText)
}

func TestReconciler_NotReadyIgnoresPlayback(t *testing.T) {
	r, player, _, _ := newTestReconciler(false)

	r.HandleMessage([]byte(`{"type":"play","roomId":"abc","currentTime":1}`))
	r.HandleMessage([]byte(`{"type":"seek","roomId":"abc","currentTime":2}`))
	r.HandleMessage([]byte(`{"type":"time_sync","roomId":"abc","currentTime":3}`))

	assert.Empty(t, player.seeks)
	assert.Zero(t, player.plays)
}
