package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"presencerelay/internal/core/domain"
	apperrors "presencerelay/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeTransport struct {
	mu       sync.Mutex
	addr     string
	received []map[string]interface{}
	sendErr  error
	closed   bool
}

func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	var m map[string]interface{}
	if err := json.Unmarshal(frame, &m); err != nil {
		return err
	}
	f.received = append(f.received, m)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return f.addr }

func (f *fakeTransport) frames() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]interface{}(nil), f.received...)
}

func (f *fakeTransport) framesOfType(t string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, m := range f.frames() {
		if m["type"] == t {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) last() map[string]interface{} {
	frames := f.frames()
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = nil
}

// MockPublisher records presence events.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishJoined(identity domain.Identity) { m.Called(identity.ParticipantID) }
func (m *MockPublisher) PublishLeft(identity domain.Identity)   { m.Called(identity.ParticipantID) }
func (m *MockPublisher) PublishTakeover(identity domain.Identity, previous domain.ConnectionID) {
	m.Called(identity.ParticipantID, previous)
}
func (m *MockPublisher) PublishTick(snapshot domain.PresenceSnapshot) { m.Called(snapshot.Count) }

var fixedNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestRelay(opts ...RelayOption) *PresenceRelay {
	opts = append([]RelayOption{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewPresenceRelay(DefaultRelayConfig(), opts...)
}

type client struct {
	id domain.ConnectionID
	t  *fakeTransport
}

func connect(t *testing.T, r *PresenceRelay, addr string) client {
	t.Helper()
	tr := &fakeTransport{addr: addr}
	id := r.OnConnect(context.Background(), tr)
	require.NotEmpty(t, id)
	return client{id: id, t: tr}
}

func send(t *testing.T, r *PresenceRelay, c client, frame string) error {
	t.Helper()
	return r.OnMessage(context.Background(), c.id, []byte(frame))
}

func announce(t *testing.T, r *PresenceRelay, c client, pid string) {
	t.Helper()
	require.NoError(t, send(t, r, c, `{"type":"presence:announce","participantId":"`+pid+`","displayName":"`+pid+`-name","kind":"agent"}`))
}

func TestPresenceRelay_OnConnectSendsWelcome(t *testing.T) {
	r := newTestRelay()
	c := connect(t, r, "10.0.0.1:5000")

	frames := c.t.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "welcome", frames[0]["type"])
	assert.Equal(t, string(c.id), frames[0]["connectionId"])
	assert.Equal(t, "presence-relay-v1", frames[0]["protocol"])
	assert.Equal(t, 1, r.ConnectionCount())

	conns := r.View().Connections
	require.Len(t, conns, 1)
	assert.Equal(t, domain.StateConnected, conns[0].State)
	assert.Equal(t, "10.0.0.1:5000", conns[0].RemoteAddr)
}

func TestPresenceRelay_ConnectionIDsAreUnique(t *testing.T) {
	r := newTestRelay()
	a := connect(t, r, "a")
	b := connect(t, r, "b")
	assert.NotEqual(t, a.id, b.id)
}

// The announcer gets no joined frame of its own; everyone else does.
func TestPresenceRelay_AnnounceBroadcastsJoinedToOthers(t *testing.T) {
	r := newTestRelay()
	alice := connect(t, r, "a")
	announce(t, r, alice, "alice")

	assert.Len(t, alice.t.frames(), 1, "only welcome, no self joined")

	bob := connect(t, r, "b")
	announce(t, r, bob, "bob")

	joined := alice.t.framesOfType("joined")
	require.Len(t, joined, 1)
	assert.Equal(t, "bob", joined[0]["participantId"])
	assert.Equal(t, "bob-name", joined[0]["displayName"])
	assert.Equal(t, "agent", joined[0]["kind"])
	assert.Empty(t, bob.t.framesOfType("joined"))

	pid, ok := r.IdentityOf(bob.id)
	assert.True(t, ok)
	assert.Equal(t, domain.ParticipantID("bob"), pid)
}

func TestPresenceRelay_JoinedSkipsUnannouncedConnections(t *testing.T) {
	r := newTestRelay()
	lurker := connect(t, r, "l")
	alice := connect(t, r, "a")
	announce(t, r, alice, "alice")

	assert.Empty(t, lurker.t.framesOfType("joined"))
}

// Directed frames carry a server-assigned from and timestamp.
func TestPresenceRelay_DirectedMessage(t *testing.T) {
	r := newTestRelay()
	alice := connect(t, r, "a")
	bob := connect(t, r, "b")
	carl := connect(t, r, "c")
	announce(t, r, alice, "alice")
	announce(t, r, bob, "bob")
	announce(t, r, carl, "carl")
	alice.t.reset()
	bob.t.reset()
	carl.t.reset()

	require.NoError(t, send(t, r, alice, `{"type":"msg:send","to":"bob","payload":"hi","from":"mallory","timestamp":"x"}`))

	msgs := bob.t.framesOfType("msg:send")
	require.Len(t, msgs, 1)
	assert.Equal(t, "bob", msgs[0]["to"])
	assert.Equal(t, "alice", msgs[0]["from"])
	assert.Equal(t, "hi", msgs[0]["payload"])
	assert.Equal(t, "2024-05-01T10:00:00.000Z", msgs[0]["timestamp"])

	assert.Empty(t, alice.t.frames())
	assert.Empty(t, carl.t.frames())
}

func TestPresenceRelay_DirectedUnknownTarget(t *testing.T) {
	r := newTestRelay()
	alice := connect(t, r, "a")
	bob := connect(t, r, "b")
	announce(t, r, alice, "alice")
	announce(t, r, bob, "bob")
	bob.t.reset()

	err := send(t, r, alice, `{"type":"msg:send","to":"carol","payload":"hi"}`)
	assert.Equal(t, apperrors.ErrCodeUnknownTarget, apperrors.CodeOf(err))

	last := alice.t.last()
	assert.Equal(t, "error", last["type"])
	assert.Equal(t, "unknown target: carol", last["message"])
	assert.Equal(t, "UNKNOWN_TARGET", last["code"])
	assert.Empty(t, bob.t.frames())
}

func TestPresenceRelay_DirectedToSelfIsRejected(t *testing.T) {
	r := newTestRelay()
	alice := connect(t, r, "a")
	announce(t, r, alice, "alice")
	alice.t.reset()

	err := send(t, r, alice, `{"type":"msg:send","to":"alice","payload":"hi"}`)
	require.Error(t, err)
	assert.Empty(t, alice.t.framesOfType("msg:send"))
	assert.Equal(t, "error", alice.t.last()["type"])
}

// Broadcasts reach every other announced connection, never the sender.
func TestPresenceRelay_BroadcastNoSelfEcho(t *testing.T) {
	for _, frame := range []string{
		`{"type":"msg:send","payload":"hello"}`,
		`{"type":"msg:send","to":"all","payload":"hello"}`,
		`{"type":"message","payload":"hello"}`,
	} {
		t.Run(frame, func(t *testing.T) {
			r := newTestRelay()
			alice := connect(t, r, "a")
			bob := connect(t, r, "b")
			carl := connect(t, r, "c")
			lurker := connect(t, r, "l")
			announce(t, r, alice, "alice")
			announce(t, r, bob, "bob")
			announce(t, r, carl, "carl")
			for _, c := range []client{alice, bob, carl, lurker} {
				c.t.reset()
			}

			require.NoError(t, send(t, r, alice, frame))

			assert.Empty(t, alice.t.frames())
			assert.Empty(t, lurker.t.frames())
			for _, c := range []client{bob, carl} {
				got := c.t.frames()
				require.Len(t, got, 1)
				assert.Equal(t, "alice", got[0]["from"])
				assert.Equal(t, "hello", got[0]["payload"])
				assert.NotEmpty(t, got[0]["timestamp"])
			}
		})
	}
}

func TestPresenceRelay_UnknownTypeIsBroadcastVerbatim(t *testing.T) {
	r := newTestRelay()
	alice := connect(t, r, "a")
	bob := connect(t, r, "b")
	announce(t, r, alice, "alice")
	announce(t, r, bob, "bob")
	bob.t.reset()

	require.NoError(t, send(t, r, alice, `{"type":"consciousness:pulse","level":7,"nested":{"k":"v"}}`))

	got := bob.t.frames()
	require.Len(t, got, 1)
	assert.Equal(t, "consciousness:pulse", got[0]["type"])
	assert.Equal(t, float64(7), got[0]["level"])
	assert.Equal(t, map[string]interface{}{"k": "v"}, got[0]["nested"])
	assert.Equal(t, "alice", got[0]["from"])
}

func TestPresenceRelay_RelayRequiresAnnounce(t *testing.T) {
	r := newTestRelay()
	alice := connect(t, r, "a")
	stranger := connect(t, r, "s")
	announce(t, r, alice, "alice")
	alice.t.reset()

	err := send(t, r, stranger, `{"type":"msg:send","payload":"hi"}`)
	assert.Equal(t, apperrors.ErrCodeNotAnnounced, apperrors.CodeOf(err))
	assert.Empty(t, alice.t.frames())
	assert.Equal(t, "NOT_ANNOUNCED", stranger.t.last()["code"])
}

// Malformed frames get an error reply to the sender only.
func TestPresenceRelay_MalformedFrameIsolation(t *testing.T) {
	r := newTestRelay()
	alice := connect(t, r, "a")
	bob := connect(t, r, "b")
	announce(t, r, alice, "alice")
	announce(t, r, bob, "bob")
	alice.t.reset()
	bob.t.reset()

	for _, raw := range []string{`{not json`, `{"payload":1}`, `[]`} {
		err := send(t, r, alice, raw)
		assert.Equal(t, apperrors.ErrCodeMalformedFrame, apperrors.CodeOf(err), raw)
	}

	errs := alice.t.framesOfType("error")
	assert.Len(t, errs, 3)
	assert.Empty(t, bob.t.frames())
	assert.Equal(t, 2, r.ConnectionCount())
	assert.Equal(t, 2, r.View().Snapshot.Count)
}

func TestPresenceRelay_AnnounceWithoutParticipantID(t *testing.T) {
	r := newTestRelay()
	alice := connect(t, r, "a")

	err := send(t, r, alice, `{"type":"presence:announce","displayName":"Alice"}`)
	assert.Equal(t, apperrors.ErrCodeMissingField, apperrors.CodeOf(err))
	assert.Equal(t, "error", alice.t.last()["type"])
	assert.Equal(t, 0, r.View().Snapshot.Count)
}

// Open question: same-connection re-announce is a metadata update only.
func TestPresenceRelay_ReannounceSameConnectionUpdatesMetadata(t *testing.T) {
	r := newTestRelay()
	alice := connect(t, r, "a")
	bob := connect(t, r, "b")
	announce(t, r, alice, "alice")
	announce(t, r, bob, "bob")
	bob.t.reset()

	require.NoError(t, send(t, r, alice, `{"type":"presence:announce","participantId":"alice","displayName":"Alice II","capabilities":["dream"]}`))

	assert.Empty(t, bob.t.frames(), "no joined re-broadcast")
	var alicesIdentity domain.Identity
	for _, id := range r.Participants() {
		if id.ParticipantID == "alice" {
			alicesIdentity = id
		}
	}
	assert.Equal(t, "Alice II", alicesIdentity.DisplayName)
	assert.Equal(t, "agent", alicesIdentity.Kind)
	assert.Equal(t, []string{"dream"}, alicesIdentity.Capabilities)
}

func TestPresenceRelay_ReannounceDifferentIDIsConflict(t *testing.T) {
	r := newTestRelay()
	alice := connect(t, r, "a")
	announce(t, r, alice, "alice")

	err := send(t, r, alice, `{"type":"presence:announce","participantId":"eve"}`)
	assert.Equal(t, apperrors.ErrCodeIdentityConflict, apperrors.CodeOf(err))

	pid, _ := r.IdentityOf(alice.id)
	assert.Equal(t, domain.ParticipantID("alice"), pid)
	assert.Equal(t, []domain.ParticipantID{"alice"}, r.View().Snapshot.Participants)
}

// Last announce wins, and directed delivery follows the new binding.
func TestPresenceRelay_TakeoverEvictsPreviousBinding(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("PublishJoined", mock.Anything).Return()
	pub.On("PublishTakeover", domain.ParticipantID("x"), mock.Anything).Return()

	r := newTestRelay(WithPublisher(pub))
	c1 := connect(t, r, "c1")
	c2 := connect(t, r, "c2")
	sender := connect(t, r, "s")
	announce(t, r, c1, "x")
	announce(t, r, sender, "sender")
	announce(t, r, c2, "x")

	_, c1Bound := r.IdentityOf(c1.id)
	assert.False(t, c1Bound, "old connection loses its identity")
	pid, c2Bound := r.IdentityOf(c2.id)
	assert.True(t, c2Bound)
	assert.Equal(t, domain.ParticipantID("x"), pid)
	assert.False(t, c1.t.closed, "transport stays open on takeover")
	assert.Equal(t, []domain.ParticipantID{"sender", "x"}, r.View().Snapshot.Participants)

	c1.t.reset()
	c2.t.reset()
	require.NoError(t, send(t, r, sender, `{"type":"msg:send","to":"x","payload":"ping"}`))

	assert.Empty(t, c1.t.frames())
	require.Len(t, c2.t.framesOfType("msg:send"), 1)

	pub.AssertCalled(t, "PublishTakeover", domain.ParticipantID("x"), c1.id)
}

func TestPresenceRelay_EvictedConnectionCanAnnounceAgain(t *testing.T) {
	r := newTestRelay()
	c1 := connect(t, r, "c1")
	c2 := connect(t, r, "c2")
	announce(t, r, c1, "x")
	announce(t, r, c2, "x")

	announce(t, r, c1, "y")
	assert.Equal(t, []domain.ParticipantID{"x", "y"}, r.View().Snapshot.Participants)
}

func TestPresenceRelay_DisconnectBroadcastsLeft(t *testing.T) {
	r := newTestRelay()
	alice := connect(t, r, "a")
	bob := connect(t, r, "b")
	announce(t, r, alice, "alice")
	announce(t, r, bob, "bob")
	alice.t.reset()

	r.OnDisconnect(context.Background(), bob.id)

	left := alice.t.framesOfType("left")
	require.Len(t, left, 1)
	assert.Equal(t, "bob", left[0]["participantId"])
	assert.Equal(t, "bob-name", left[0]["displayName"])
	assert.Equal(t, 1, r.ConnectionCount())
	assert.Equal(t, []domain.ParticipantID{"alice"}, r.View().Snapshot.Participants)

	alice.t.reset()
	require.NoError(t, send(t, r, alice, `{"type":"msg:send","payload":"anyone?"}`))
	assert.Empty(t, bob.t.framesOfType("msg:send"))

	err := send(t, r, bob, `{"type":"msg:send","payload":"ghost"}`)
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestPresenceRelay_DisconnectIsIdempotent(t *testing.T) {
	r := newTestRelay()
	alice := connect(t, r, "a")
	bob := connect(t, r, "b")
	announce(t, r, alice, "alice")
	announce(t, r, bob, "bob")
	alice.t.reset()

	r.OnDisconnect(context.Background(), bob.id)
	r.OnDisconnect(context.Background(), bob.id)

	assert.Len(t, alice.t.framesOfType("left"), 1)
}

func TestPresenceRelay_DisconnectLogsStateTransition(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := newTestRelay(WithLogger(zap.New(core).Sugar()))
	alice := connect(t, r, "a")
	lurker := connect(t, r, "l")
	announce(t, r, alice, "alice")

	r.OnDisconnect(context.Background(), alice.id)
	r.OnDisconnect(context.Background(), lurker.id)

	closed := logs.FilterMessage("connection closed").AllUntimed()
	require.Len(t, closed, 2)
	assert.Equal(t, string(domain.StateAnnounced), closed[0].ContextMap()["from"])
	assert.Equal(t, string(domain.StateConnected), closed[1].ContextMap()["from"])
	for _, entry := range closed {
		assert.Equal(t, string(domain.StateDisconnected), entry.ContextMap()["to"])
	}
}

func TestPresenceRelay_DisconnectOfEvictedConnectionKeepsNewBinding(t *testing.T) {
	r := newTestRelay()
	c1 := connect(t, r, "c1")
	c2 := connect(t, r, "c2")
	watcher := connect(t, r, "w")
	announce(t, r, watcher, "watcher")
	announce(t, r, c1, "x")
	announce(t, r, c2, "x")
	watcher.t.reset()

	r.OnDisconnect(context.Background(), c1.id)

	assert.Empty(t, watcher.t.framesOfType("left"))
	pid, ok := r.IdentityOf(c2.id)
	assert.True(t, ok)
	assert.Equal(t, domain.ParticipantID("x"), pid)
}

func TestPresenceRelay_UnannouncedDisconnectSendsNothing(t *testing.T) {
	r := newTestRelay()
	alice := connect(t, r, "a")
	lurker := connect(t, r, "l")
	announce(t, r, alice, "alice")
	alice.t.reset()

	r.OnDisconnect(context.Background(), lurker.id)
	assert.Empty(t, alice.t.frames())
}

// Transport send failures are swallowed per recipient.
func TestPresenceRelay_SendFailureDoesNotAbortFanOut(t *testing.T) {
	r := newTestRelay()
	alice := connect(t, r, "a")
	broken := connect(t, r, "b")
	carl := connect(t, r, "c")
	announce(t, r, alice, "alice")
	announce(t, r, broken, "broken")
	announce(t, r, carl, "carl")
	carl.t.reset()

	broken.t.mu.Lock()
	broken.t.sendErr = domain.ErrTransportClosed
	broken.t.mu.Unlock()

	require.NoError(t, send(t, r, alice, `{"type":"msg:send","payload":"hi"}`))
	assert.Len(t, carl.t.framesOfType("msg:send"), 1)

	require.NoError(t, send(t, r, alice, `{"type":"msg:send","to":"broken","payload":"hi"}`))
	assert.Empty(t, alice.t.framesOfType("error"), "sender is not told about dropped sends")
}

func TestPresenceRelay_TickSendsSnapshot(t *testing.T) {
	r := newTestRelay()
	alice := connect(t, r, "a")
	lurker := connect(t, r, "l")
	announce(t, r, alice, "alice")
	alice.t.reset()

	snap := r.Tick(context.Background())
	assert.Equal(t, 1, snap.Count)
	assert.Equal(t, domain.PhaseAt(fixedNow, DefaultRelayConfig().TickInterval), snap.Phase)

	ticks := alice.t.framesOfType("presence:tick")
	require.Len(t, ticks, 1)
	assert.Equal(t, []interface{}{"alice"}, ticks[0]["participants"])
	assert.Equal(t, float64(1), ticks[0]["count"])
	assert.Contains(t, []interface{}{"a", "b"}, ticks[0]["phase"])
	assert.Empty(t, lurker.t.framesOfType("presence:tick"))
}

func TestPresenceRelay_TickIncludesLateJoiners(t *testing.T) {
	r := newTestRelay()
	alice := connect(t, r, "a")
	announce(t, r, alice, "alice")
	r.Tick(context.Background())

	bob := connect(t, r, "b")
	announce(t, r, bob, "bob")
	r.Tick(context.Background())

	ticks := bob.t.framesOfType("presence:tick")
	require.Len(t, ticks, 1)
	assert.Equal(t, []interface{}{"alice", "bob"}, ticks[0]["participants"])
}

// Nothing is sent, but the snapshot still goes to the publisher.
func TestPresenceRelay_TickOnEmptyRegistry(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("PublishTick", 0).Return()

	r := newTestRelay(WithPublisher(pub))
	lurker := connect(t, r, "l")

	var snap domain.PresenceSnapshot
	assert.NotPanics(t, func() { snap = r.Tick(context.Background()) })
	assert.Equal(t, 0, snap.Count)
	assert.Empty(t, snap.Participants)
	assert.NotNil(t, snap.Participants)
	assert.Len(t, lurker.t.frames(), 1, "welcome only")
	pub.AssertExpectations(t)
}

func TestPresenceRelay_TickPhaseAlternates(t *testing.T) {
	now := time.UnixMilli(0)
	r := NewPresenceRelay(DefaultRelayConfig(), WithClock(func() time.Time { return now }))

	assert.Equal(t, domain.PhaseA, r.Tick(context.Background()).Phase)
	now = now.Add(5 * time.Second)
	assert.Equal(t, domain.PhaseB, r.Tick(context.Background()).Phase)
	now = now.Add(5 * time.Second)
	assert.Equal(t, domain.PhaseA, r.Tick(context.Background()).Phase)
}

func TestPresenceRelay_RunStopsOnCancel(t *testing.T) {
	cfg := DefaultRelayConfig()
	cfg.TickInterval = 5 * time.Millisecond
	r := NewPresenceRelay(cfg)
	alice := connect(t, r, "a")
	announce(t, r, alice, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return len(alice.t.framesOfType("presence:tick")) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPresenceRelay_PublisherEvents(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("PublishJoined", domain.ParticipantID("alice")).Return().Once()
	pub.On("PublishLeft", domain.ParticipantID("alice")).Return().Once()

	r := newTestRelay(WithPublisher(pub))
	alice := connect(t, r, "a")
	announce(t, r, alice, "alice")
	r.OnDisconnect(context.Background(), alice.id)

	pub.AssertExpectations(t)
}

func TestPresenceRelay_ReplyError(t *testing.T) {
	r := newTestRelay()
	alice := connect(t, r, "a")

	r.ReplyError(alice.id, apperrors.NewRateLimitError())
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", alice.t.last()["code"])

	assert.NotPanics(t, func() { r.ReplyError("missing", errors.New("x")) })
}

func TestPresenceRelay_CloseAll(t *testing.T) {
	r := newTestRelay()
	a := connect(t, r, "a")
	b := connect(t, r, "b")

	assert.Equal(t, 2, r.CloseAll())
	assert.True(t, a.t.closed)
	assert.True(t, b.t.closed)
}

// Concurrent announces of the same id never leave two bound connections.
func TestPresenceRelay_ConcurrentTakeovers(t *testing.T) {
	r := newTestRelay()
	clients := make([]client, 20)
	for i := range clients {
		clients[i] = connect(t, r, "c")
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c client) {
			defer wg.Done()
			_ = r.OnMessage(context.Background(), c.id, []byte(`{"type":"announce","participantId":"x"}`))
		}(c)
	}
	wg.Wait()

	bound := 0
	for _, c := range clients {
		if _, ok := r.IdentityOf(c.id); ok {
			bound++
		}
	}
	assert.Equal(t, 1, bound)
	assert.Equal(t, 1, r.View().Snapshot.Count)
}

func TestPresenceRelay_ViewIsConsistentUnderChurn(t *testing.T) {
	r := newTestRelay()
	stop := make(chan struct{})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				id := r.OnConnect(context.Background(), &fakeTransport{})
				frame := fmt.Sprintf(`{"type":"announce","participantId":"p%d-%d"}`, w, i%3)
				_ = r.OnMessage(context.Background(), id, []byte(frame))
				r.OnDisconnect(context.Background(), id)
			}
		}(w)
	}

	for i := 0; i < 500; i++ {
		view := r.View()
		announced := 0
		for _, c := range view.Connections {
			if c.State == domain.StateAnnounced {
				announced++
			}
		}
		assert.Equal(t, view.Snapshot.Count, len(view.Participants))
		assert.Equal(t, len(view.Participants), announced)
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, 0, r.View().Snapshot.Count)
}
