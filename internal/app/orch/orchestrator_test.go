package orch

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Lobby/internal/app"
	"github.com/dkeye/Lobby/internal/app/interaction"
	"github.com/dkeye/Lobby/internal/app/persist"
	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/storage/sqlite"
)

const waitFor = 2 * time.Second

// fakeConn records every frame it is handed.
type fakeConn struct {
	mu     sync.Mutex
	frames []core.Envelope
	closed bool
	full   bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	if c.full {
		return core.ErrBackpressure
	}
	var env core.Envelope
	if err := json.Unmarshal(f, &env); err != nil {
		return err
	}
	c.frames = append(c.frames, env)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) setFull(full bool) {
	c.mu.Lock()
	c.full = full
	c.mu.Unlock()
}

func (c *fakeConn) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if f.Event == event {
			n++
		}
	}
	return n
}

func (c *fakeConn) last(event string, out any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Event == event {
			if out != nil {
				_ = json.Unmarshal(c.frames[i].Data, out)
			}
			return true
		}
	}
	return false
}

type tokenAuth map[string]domain.Identity

func (a tokenAuth) Verify(_ context.Context, token string) (domain.Identity, error) {
	if id, ok := a[token]; ok {
		return id, nil
	}
	return nil, core.ErrAuthFailure
}

// typeClassifier reads the "type" field the way browsers serialize
// RTCSessionDescription.
type typeClassifier struct{}

func (typeClassifier) Classify(raw json.RawMessage) core.SignalKind {
	var v struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(raw, &v)
	if v.Type == "offer" {
		return core.SignalOffer
	}
	return core.SignalUnknown
}

type harness struct {
	t     *testing.T
	clk   *clock.Mock
	loop  *Loop
	store *sqlite.Store
	pos   *persist.Writer
	o     *Orchestrator
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "lobby.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clk := clock.NewMock()
	loop := NewLoop(clk, 0)
	pos := persist.NewWriter(store, clk, time.Hour)
	o := New(cfg, Deps{
		Loop:  loop,
		Store: store,
		Auth: tokenAuth{
			"t-ann": domain.Authenticated{SubjectID: "ann", Name: "Ann"},
			"t-bob": domain.Authenticated{SubjectID: "bob", Name: "Bob"},
		},
		Classifier: typeClassifier{},
		Positions:  pos,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{t: t, clk: clk, loop: loop, store: store, pos: pos, o: o}
}

// sync waits until every closure posted so far has run.
func (h *harness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.loop.Call(context.Background(), func() {}))
}

func (h *harness) connect(id domain.ConnID, token string) *fakeConn {
	h.t.Helper()
	c := &fakeConn{}
	h.o.Connect(id, c, token)
	h.await(c, core.EvCurrentPlayers)
	return c
}

func (h *harness) await(c *fakeConn, event string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return c.count(event) > 0 }, waitFor, 5*time.Millisecond, "waiting for %s", event)
}

func (h *harness) send(id domain.ConnID, event string, data any) {
	h.t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	require.NoError(h.t, err)
	h.o.Dispatch(id, raw)
	h.sync()
}

func (h *harness) player(id domain.ConnID) (p domain.Player, ok bool) {
	h.t.Helper()
	require.NoError(h.t, h.loop.Call(context.Background(), func() {
		var pp *domain.Player
		if pp, ok = h.o.Registry.Player(id); ok {
			p = *pp
		}
	}))
	return p, ok
}

func TestAdmissionSendsInitialState(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.connect("a", "")

	var pose domain.Pose
	require.True(t, a.last(core.EvInitialPosition, &pose))
	assert.Equal(t, domain.SpawnPose, pose)
	var others []domain.PlayerDTO
	require.True(t, a.last(core.EvCurrentPlayers, &others))
	assert.Empty(t, others)

	b := h.connect("b", "bad-token")
	require.True(t, b.last(core.EvCurrentPlayers, &others))
	require.Len(t, others, 1)
	assert.Equal(t, domain.ConnID("a"), others[0].ID)

	h.await(a, core.EvNewPlayer)
	var joined domain.PlayerDTO
	require.True(t, a.last(core.EvNewPlayer, &joined))
	assert.Equal(t, domain.ConnID("b"), joined.ID)
	assert.True(t, strings.HasPrefix(joined.Name, "Player_"), joined.Name)
	assert.Empty(t, joined.UID, "bad token degrades to guest")
}

func TestAuthenticatedAdmissionRestoresPositionAndFriends(t *testing.T) {
	h := newHarness(t, Config{})
	saved := domain.Pose{Coords: domain.Vec3{X: 9, Y: 1, Z: -3}, Quaternion: domain.Quat{W: 1}}
	require.NoError(t, h.store.PutPosition(context.Background(), "ann", saved))

	a := h.connect("a", "t-ann")
	var pose domain.Pose
	require.True(t, a.last(core.EvInitialPosition, &pose))
	assert.Equal(t, saved, pose)

	h.await(a, core.EvFriendsList)
	h.await(a, core.EvFriendRequestsList)
	p, ok := h.player("a")
	require.True(t, ok)
	assert.Equal(t, "Ann", p.Name)
}

func TestDedupDisplacesOlderSession(t *testing.T) {
	h := newHarness(t, Config{})
	watcher := h.connect("w", "")
	first := h.connect("a1", "t-ann")

	moved := map[string]any{
		"coords":     domain.Vec3{X: 5, Y: 1, Z: 2},
		"quaternion": domain.Quat{W: 1},
	}
	h.send("a1", core.EvPlayerUpdate, moved)

	second := h.connect("a2", "t-ann")
	assert.True(t, first.isClosed())

	var pose domain.Pose
	require.True(t, second.last(core.EvInitialPosition, &pose))
	assert.Equal(t, 5.0, pose.Coords.X, "position handed off from the old session")

	var gone core.PlayerDisconnected
	h.await(watcher, core.EvPlayerDisconnected)
	require.True(t, watcher.last(core.EvPlayerDisconnected, &gone))
	assert.Equal(t, domain.ConnID("a1"), gone.ConnectionID)

	// The old transport's own disconnect arrives late and changes nothing.
	h.o.Disconnect("a1")
	h.sync()
	_, ok := h.player("a1")
	assert.False(t, ok)
	p, ok := h.player("a2")
	require.True(t, ok)
	assert.Equal(t, "Ann", p.Name)

	var holders int
	require.NoError(t, h.loop.Call(context.Background(), func() {
		h.o.Registry.Each("", func(e *app.Entry) {
			if s, ok := e.Player.Subject(); ok && s == "ann" {
				holders++
			}
		})
	}))
	assert.Equal(t, 1, holders)
}

func TestServerFull(t *testing.T) {
	h := newHarness(t, Config{MaxConnections: 1})
	h.connect("a", "")

	c := &fakeConn{}
	h.o.Connect("b", c, "")
	h.sync()

	var notice core.ServerFull
	require.True(t, c.last(core.EvServerFull, &notice))
	assert.Contains(t, notice.Message, "Max 1")
	assert.True(t, c.isClosed())
	_, ok := h.player("b")
	assert.False(t, ok)
}

func TestDisconnectDuringAdmissionFreesSlot(t *testing.T) {
	h := newHarness(t, Config{MaxConnections: 1})
	c := &fakeConn{}
	h.o.Connect("a", c, "")
	h.o.Disconnect("a")
	h.sync()
	// The admission continuation may land after the disconnect; either way
	// nothing stays behind.
	require.Eventually(t, func() bool {
		var n int
		_ = h.loop.Call(context.Background(), func() { n = h.o.Registry.Len() })
		return n == 0
	}, waitFor, 5*time.Millisecond)

	h.connect("b", "")
}

func activate(h *harness, a, b domain.ConnID, kind domain.SessionKind) {
	h.t.Helper()
	h.send(a, core.EvRequestInteraction, core.RequestInteractionPayload{TargetID: b, Kind: kind})
	h.send(b, core.EvRespondToRequest, core.RespondToRequestPayload{RequesterID: a, Accepted: true})
}

func TestBusyIsSymmetricAfterAccept(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.connect("a", "")
	b := h.connect("b", "")
	activate(h, "a", "b", domain.KindChat)

	pa, _ := h.player("a")
	pb, _ := h.player("b")
	assert.Equal(t, domain.StatusBusy, pa.Status)
	assert.Equal(t, domain.StatusBusy, pb.Status)
	assert.Equal(t, domain.ConnID("b"), pa.Partner)
	assert.Equal(t, domain.ConnID("a"), pb.Partner)

	var started core.InteractionStarted
	require.True(t, a.last(core.EvInteractionStarted, &started))
	assert.True(t, started.Initiator)
	require.True(t, b.last(core.EvInteractionStarted, &started))
	assert.False(t, started.Initiator)
}

func TestMutualSimultaneousRequest(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.connect("a", "")
	b := h.connect("b", "")

	h.send("a", core.EvRequestInteraction, core.RequestInteractionPayload{TargetID: "b", Kind: domain.KindChat})
	h.send("b", core.EvRequestInteraction, core.RequestInteractionPayload{TargetID: "a", Kind: domain.KindCall})

	for _, c := range []*fakeConn{a, b} {
		var started core.InteractionStarted
		require.True(t, c.last(core.EvInteractionStarted, &started))
		assert.Equal(t, domain.KindCall, started.Kind)
	}
	var pending int
	require.NoError(t, h.loop.Call(context.Background(), func() { pending = h.o.Interactions.PendingCount() }))
	assert.Zero(t, pending)
}

func TestDisconnectWhileActive(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect("a", "")
	b := h.connect("b", "")
	w := h.connect("w", "")
	activate(h, "a", "b", domain.KindChat)

	h.o.Disconnect("a")
	h.sync()

	assert.Equal(t, 1, b.count(core.EvInteractionEnded))
	pb, ok := h.player("b")
	require.True(t, ok)
	assert.Equal(t, domain.StatusAvailable, pb.Status)
	assert.Empty(t, pb.Partner)

	var gone core.PlayerDisconnected
	require.True(t, w.last(core.EvPlayerDisconnected, &gone))
	assert.Equal(t, domain.ConnID("a"), gone.ConnectionID)
}

func TestExpiredRequestCannotBeAccepted(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.connect("a", "")
	h.connect("b", "")

	h.send("a", core.EvRequestInteraction, core.RequestInteractionPayload{TargetID: "b", Kind: domain.KindChat})
	h.clk.Add(interaction.DefaultRequestTTL)
	require.Eventually(t, func() bool {
		var n int
		_ = h.loop.Call(context.Background(), func() { n = h.o.Interactions.PendingCount() })
		return n == 0
	}, waitFor, 5*time.Millisecond)

	h.send("b", core.EvRespondToRequest, core.RespondToRequestPayload{RequesterID: "a", Accepted: true})
	assert.Zero(t, a.count(core.EvInteractionStarted))
	pa, _ := h.player("a")
	assert.Equal(t, domain.StatusAvailable, pa.Status)
}

func TestSendMessageRateLimit(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.connect("a", "")
	b := h.connect("b", "")

	for range 6 {
		h.send("a", core.EvSendMessage, core.SendMessagePayload{TargetID: "b", Text: "hi", SenderName: "A"})
	}
	assert.Equal(t, 5, b.count(core.EvReceiveMessage))

	var notice core.RateLimitExceeded
	require.True(t, a.last(core.EvRateLimitExceeded, &notice))
	assert.Equal(t, core.EvSendMessage, notice.Event)
	assert.NotEmpty(t, notice.Message)

	h.clk.Add(time.Second)
	h.send("a", core.EvSendMessage, core.SendMessagePayload{TargetID: "b", Text: "again"})
	assert.Equal(t, 6, b.count(core.EvReceiveMessage))

	var msg core.ReceiveMessage
	require.True(t, b.last(core.EvReceiveMessage, &msg))
	assert.Equal(t, domain.ConnID("a"), msg.SenderID)
	assert.Equal(t, "again", msg.Text)
}

func TestSignalRelayAndWatchdog(t *testing.T) {
	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

	t.Run("offer disarms", func(t *testing.T) {
		h := newHarness(t, Config{})
		a := h.connect("a", "")
		b := h.connect("b", "")
		activate(h, "a", "b", domain.KindCall)

		h.send("a", core.EvSignal, core.SignalPayload{TargetID: "b", Signal: offer})
		var relayed core.RelayedSignal
		require.True(t, b.last(core.EvSignal, &relayed))
		assert.Equal(t, domain.ConnID("a"), relayed.SenderID)
		assert.JSONEq(t, string(offer), string(relayed.Signal))

		h.clk.Add(interaction.DefaultNegotiationTimeout)
		h.sync()
		assert.Zero(t, a.count(core.EvInteractionEnded))
	})

	t.Run("silence ends the call", func(t *testing.T) {
		h := newHarness(t, Config{})
		a := h.connect("a", "")
		b := h.connect("b", "")
		activate(h, "a", "b", domain.KindCall)

		h.clk.Add(interaction.DefaultNegotiationTimeout)
		h.await(a, core.EvInteractionEnded)
		h.await(b, core.EvInteractionEnded)
		var ended core.InteractionEnded
		require.True(t, b.last(core.EvInteractionEnded, &ended))
		assert.Equal(t, interaction.ReasonNegotiationTimeout, ended.Reason)
	})

	t.Run("unknown target dropped", func(t *testing.T) {
		h := newHarness(t, Config{})
		a := h.connect("a", "")
		h.send("a", core.EvSignal, core.SignalPayload{TargetID: "ghost", Signal: offer})
		assert.Zero(t, a.count(core.EvSignal))
	})
}

func TestBackpressurePolicy(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect("a", "")
	slow := h.connect("s", "")
	slow.setFull(true)

	h.send("a", core.EvPlayerUpdate, core.PlayerUpdatePayload{Coords: domain.Vec3{X: 1}})
	assert.False(t, slow.isClosed(), "movement frames are dropped")

	h.send("a", core.EvSendMessage, core.SendMessagePayload{TargetID: "s", Text: "hi"})
	assert.True(t, slow.isClosed(), "anything else kicks")
}

func TestPlayerUpdatePersistsAuthenticatedPose(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect("a", "t-ann")
	h.send("a", core.EvPlayerUpdate, core.PlayerUpdatePayload{
		Coords:     domain.Vec3{X: 3, Y: 1, Z: 4},
		Quaternion: domain.Quat{W: 1},
	})

	h.pos.Flush(context.Background())
	got, err := h.store.GetPosition(context.Background(), "ann")
	require.NoError(t, err)
	assert.Equal(t, 3.0, got.Coords.X)
}

func TestPlayerUpdateWithoutPayload(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect("a", "")
	w := h.connect("w", "")
	h.send("a", core.EvPlayerUpdate, core.PlayerUpdatePayload{Coords: domain.Vec3{X: 7, Y: 1}, Quaternion: domain.Quat{W: 1}})
	require.Equal(t, 1, w.count(core.EvPlayerMoved))

	h.send("a", core.EvPlayerUpdate, nil)
	h.o.Dispatch("a", []byte(`{"event":"playerUpdate"}`))
	h.sync()

	assert.Equal(t, 1, w.count(core.EvPlayerMoved))
	p, ok := h.player("a")
	require.True(t, ok)
	assert.Equal(t, 7.0, p.Pose.Coords.X)
}

func TestFriendFlowOverEvents(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.connect("a", "t-ann")
	b := h.connect("b", "t-bob")

	h.send("a", core.EvSendFriendRequest, core.SendFriendRequestPayload{TargetUID: "bob"})
	h.await(b, core.EvFriendRequestReceived)

	h.send("b", core.EvRespondToFriendRequest, core.RespondToFriendRequestPayload{RequesterUID: "ann", Accepted: true})
	h.await(a, core.EvFriendRequestAccepted)

	h.send("a", core.EvSendFriendMessage, core.SendFriendMessagePayload{FriendUID: "bob", Message: "hi bob"})
	h.await(b, core.EvFriendMessageReceived)

	var msg domain.ChatMessage
	require.True(t, b.last(core.EvFriendMessageReceived, &msg))
	assert.Equal(t, "ann", msg.Sender)
	assert.Equal(t, "hi bob", msg.Message)
}

func TestGuestFriendRequestFails(t *testing.T) {
	h := newHarness(t, Config{})
	g := h.connect("g", "")
	h.send("g", core.EvSendFriendRequest, core.SendFriendRequestPayload{TargetUID: "bob"})

	var failed core.RequestFailed
	require.True(t, g.last(core.EvRequestFailed, &failed))
	assert.Equal(t, core.EvSendFriendRequest, failed.Event)
}

func TestPingAndUnknownEvents(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.connect("a", "")

	h.send("a", core.EvPing, nil)
	assert.Equal(t, 1, a.count(core.EvPong))

	h.o.Dispatch("a", []byte(`not json`))
	h.send("a", "teleport", map[string]int{"x": 1})
	_, ok := h.player("a")
	assert.True(t, ok, "bad input never drops the connection")
}

func TestPlayersSnapshot(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect("a", "")
	h.connect("b", "t-bob")

	players, err := h.o.Players(context.Background())
	require.NoError(t, err)
	assert.Len(t, players, 2)
}

func TestRateWindowSweep(t *testing.T) {
	h := newHarness(t, Config{RateRetention: time.Minute, SweepInterval: time.Minute})
	h.connect("a", "")
	h.send("a", core.EvPing, nil)
	require.NoError(t, h.loop.Call(context.Background(), h.o.Start))

	require.Equal(t, 1, h.o.Limiter.Len())
	require.Eventually(t, func() bool {
		h.clk.Add(time.Minute)
		return h.o.Limiter.Len() == 0
	}, waitFor, 5*time.Millisecond)
}
