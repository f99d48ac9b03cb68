package room

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/callroom/internal/media"
	"github.com/mikeyg42/callroom/internal/render"
	"github.com/mikeyg42/callroom/internal/sdpex"
)

// fakeTransport records every control call so tests can assert on the exact
// sequence the manager drives.
type fakeTransport struct {
	mu    sync.Mutex
	id    string
	scope media.Scope
	cfg   media.TransportConfig
	ev    media.Events

	localAudio  bool
	localVideo  bool
	remoteAudio bool
	remoteVideo bool
	volume      int
	remoteSDP   string
	closed      bool
}

func (t *fakeTransport) ID() string         { return t.id }
func (t *fakeTransport) Scope() media.Scope { return t.scope }

func (t *fakeTransport) EnableLocalAudio(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localAudio = enabled
}

func (t *fakeTransport) EnableLocalVideo(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localVideo = enabled
}

func (t *fakeTransport) EnableRemoteAudio(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteAudio = enabled
}

func (t *fakeTransport) EnableRemoteVideo(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteVideo = enabled
}

func (t *fakeTransport) SetRemoteVolume(volume int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.volume = volume
}

func (t *fakeTransport) SetRemoteDescription(sdp string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteSDP = sdp
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) answer() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteSDP
}

func (t *fakeTransport) snapshot() (localAudio, localVideo, remoteAudio, remoteVideo bool, volume int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localAudio, t.localVideo, t.remoteAudio, t.remoteVideo, t.volume
}

// fakeEngine hands out fakeTransports and can be told to fail creation.
type fakeEngine struct {
	mu      sync.Mutex
	seq     int
	fail    bool
	created []*fakeTransport
}

func (e *fakeEngine) Create(cfg media.TransportConfig, ev media.Events) (media.Transport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail {
		return nil, errors.New("engine unavailable")
	}
	e.seq++
	t := &fakeTransport{
		id:          fmt.Sprintf("t-%d", e.seq),
		scope:       cfg.Scope,
		cfg:         cfg,
		ev:          ev,
		localAudio:  cfg.SendAudio,
		localVideo:  cfg.SendVideo,
		remoteAudio: cfg.RecvAudio,
		remoteVideo: cfg.RecvVideo,
	}
	e.created = append(e.created, t)
	return t, nil
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.created)
}

func (e *fakeEngine) transport(i int) *fakeTransport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.created[i]
}

type fakeRoomListener struct {
	mu             sync.Mutex
	publishClosed  int
	publishFatal   []error
	subscribeFatal []string
}

func (l *fakeRoomListener) OnPublishClosed() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publishClosed++
}

func (l *fakeRoomListener) OnPublishFatal(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publishFatal = append(l.publishFatal, err)
}

func (l *fakeRoomListener) OnSubscribeFatal(peerID string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribeFatal = append(l.subscribeFatal, peerID)
}

func (l *fakeRoomListener) closedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.publishClosed
}

func (l *fakeRoomListener) fatalPeers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.subscribeFatal...)
}

type fixture struct {
	t        *testing.T
	m        *Manager
	engine   *fakeEngine
	listener *fakeRoomListener
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	engine := &fakeEngine{}
	listener := &fakeRoomListener{}
	m := NewManager(cfg, engine, sdpex.NewClient(time.Second, nil), listener, nil)
	m.Start()
	t.Cleanup(m.Stop)
	return &fixture{t: t, m: m, engine: engine, listener: listener}
}

// sync flushes the owner loop so every previously posted op has run.
func (fx *fixture) sync() {
	fx.m.barrier()
}

// fire delivers an engine callback and waits for the loop to process it.
func (fx *fixture) fire(cb func()) {
	cb()
	fx.sync()
}

func (fx *fixture) peerCount() int {
	var n int
	done := make(chan struct{})
	fx.m.post(func() { n = fx.m.registry.PeerCount(); close(done) })
	<-done
	return n
}

func (fx *fixture) hasPublishSlot() bool {
	var ok bool
	done := make(chan struct{})
	fx.m.post(func() { ok = fx.m.registry.publish != nil; close(done) })
	<-done
	return ok
}

func TestStartPublishIsIdempotent(t *testing.T) {
	fx := newFixture(t, Config{})

	fx.m.StartPublish("http://srs/publish")
	fx.m.StartPublish("http://srs/publish")
	fx.sync()

	assert.Equal(t, 1, fx.engine.count())
	tr := fx.engine.transport(0)
	assert.Equal(t, media.ScopePublish, tr.scope.Kind)
	la, lv, _, _, _ := tr.snapshot()
	assert.True(t, la)
	assert.True(t, lv)
}

func TestStopPublishClearsSlotAfterClose(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.m.StartPublish("http://srs/publish")
	fx.sync()
	tr := fx.engine.transport(0)

	fx.m.StopPublish()
	fx.sync()
	require.True(t, tr.isClosed())
	la, lv, _, _, _ := tr.snapshot()
	assert.False(t, la)
	assert.False(t, lv)
	// The slot lingers until the engine confirms the close.
	assert.True(t, fx.hasPublishSlot())

	fx.fire(func() { tr.ev.OnClosed(tr) })
	assert.False(t, fx.hasPublishSlot())
	assert.Equal(t, 1, fx.listener.closedCount())
}

func TestStartWhileClosingDefersRestart(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.m.StartPublish("http://srs/publish")
	fx.sync()
	first := fx.engine.transport(0)

	fx.m.StopPublish()
	fx.m.StartPublish("http://srs/publish-2")
	fx.sync()
	// Still only the closing transport; the restart waits for the close.
	require.Equal(t, 1, fx.engine.count())

	fx.fire(func() { first.ev.OnClosed(first) })
	require.Equal(t, 2, fx.engine.count())
	// A deferred restart is not a user-visible stop.
	assert.Zero(t, fx.listener.closedCount())
	assert.True(t, fx.hasPublishSlot())
}

func TestStopSupersedesDeferredRestart(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.m.StartPublish("http://srs/publish")
	fx.sync()
	first := fx.engine.transport(0)

	fx.m.StopPublish()
	fx.m.StartPublish("http://srs/publish")
	fx.m.StopPublish()
	fx.sync()

	fx.fire(func() { first.ev.OnClosed(first) })
	assert.Equal(t, 1, fx.engine.count())
	assert.False(t, fx.hasPublishSlot())
	assert.Equal(t, 1, fx.listener.closedCount())
}

func TestLocalEnablementIsBuffered(t *testing.T) {
	fx := newFixture(t, Config{})

	fx.m.SetLocalAudioEnabled(false)
	fx.m.StartPublish("http://srs/publish")
	fx.sync()
	tr := fx.engine.transport(0)
	assert.False(t, tr.cfg.SendAudio)
	assert.True(t, tr.cfg.SendVideo)

	// Toggling while live goes straight to the transport.
	fx.m.SetLocalAudioEnabled(true)
	fx.sync()
	la, _, _, _, _ := tr.snapshot()
	assert.True(t, la)
}

func TestSubscribeAppliesBufferedPeerState(t *testing.T) {
	fx := newFixture(t, Config{})

	// State set before any transport exists must shape the transport.
	fx.m.SetAudioMuted("bob", true)
	fx.m.SetAudioVolume("bob", 40)
	fx.m.Subscribe("bob", "http://srs/pull/bob")
	fx.sync()

	require.Equal(t, 1, fx.engine.count())
	tr := fx.engine.transport(0)
	assert.Equal(t, media.SubscribeScope("bob"), tr.scope)
	assert.False(t, tr.cfg.RecvAudio)
	assert.True(t, tr.cfg.RecvVideo)
	_, _, _, _, vol := tr.snapshot()
	assert.Equal(t, 40, vol)
}

func TestResubscribeReplacesTransportInPlace(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.m.Subscribe("bob", "http://srs/pull/bob")
	fx.sync()
	old := fx.engine.transport(0)

	fx.m.SetAudioVolume("bob", 30)
	fx.m.Subscribe("bob", "http://srs/pull/bob-2")
	fx.sync()

	require.Equal(t, 2, fx.engine.count())
	assert.True(t, old.isClosed())
	_, _, _, _, vol := fx.engine.transport(1).snapshot()
	assert.Equal(t, 30, vol)

	// The stale transport's close callback must not discard the slot that
	// now belongs to its replacement.
	fx.fire(func() { old.ev.OnClosed(old) })
	assert.Equal(t, 1, fx.peerCount())
}

func TestResubscribeClearsReconnectIntentFromOldTransport(t *testing.T) {
	fx := newFixture(t, Config{ReconnectInterval: 10 * time.Millisecond})
	fx.m.Subscribe("bob", "http://srs/pull/bob")
	fx.sync()
	old := fx.engine.transport(0)

	// The error marks the slot for reconnect, but a manual re-subscribe
	// lands before the old transport's close does.
	fx.fire(func() { old.ev.OnTransportError(old, errors.New("ice failed")) })
	fx.m.Subscribe("bob", "http://srs/pull/bob-2")
	fx.sync()
	require.Equal(t, 2, fx.engine.count())
	fx.fire(func() { old.ev.OnClosed(old) })

	// A clean close of the replacement must discard the slot instead of
	// acting on the stale reconnect intent.
	next := fx.engine.transport(1)
	fx.fire(func() { next.ev.OnDisconnected(next) })
	fx.fire(func() { next.ev.OnClosed(next) })
	assert.Zero(t, fx.peerCount())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, fx.engine.count(), "no reconnect after a clean close")
}

func TestUnsubscribeRetainsSlotState(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.m.Subscribe("bob", "http://srs/pull/bob")
	fx.m.SetAudioVolume("bob", 25)
	fx.sync()
	tr := fx.engine.transport(0)

	fx.m.Unsubscribe("bob")
	fx.sync()
	_, _, _, rv, _ := tr.snapshot()
	assert.False(t, rv)
	assert.Equal(t, 1, fx.peerCount())

	// Re-subscribing reuses the buffered volume.
	fx.m.Subscribe("bob", "http://srs/pull/bob")
	fx.sync()
	require.Equal(t, 2, fx.engine.count())
	_, _, _, _, vol := fx.engine.transport(1).snapshot()
	assert.Equal(t, 25, vol)
}

func TestUnsubscribeCancelsPendingReconnect(t *testing.T) {
	fx := newFixture(t, Config{ReconnectInterval: 20 * time.Millisecond})
	fx.m.Subscribe("bob", "http://srs/pull/bob")
	fx.sync()
	tr := fx.engine.transport(0)

	fx.fire(func() { tr.ev.OnTransportError(tr, errors.New("ice failed")) })
	fx.fire(func() { tr.ev.OnClosed(tr) })

	// Unsubscribing before the reconnect timer fires must cancel it; the
	// slot itself is retained for a later re-subscribe.
	fx.m.Unsubscribe("bob")
	fx.sync()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, fx.engine.count(), "no transport after unsubscribe")
	assert.Equal(t, 1, fx.peerCount())
}

func TestRemovePeerDiscardsSlot(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.m.Subscribe("bob", "http://srs/pull/bob")
	fx.sync()
	tr := fx.engine.transport(0)

	fx.m.RemovePeer("bob")
	fx.sync()
	require.True(t, tr.isClosed())

	fx.fire(func() { tr.ev.OnClosed(tr) })
	assert.Zero(t, fx.peerCount())
}

func TestAllPeersUpdatesDefaultsAndLiveSlots(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.m.Subscribe("bob", "http://srs/pull/bob")
	fx.sync()
	bob := fx.engine.transport(0)

	fx.m.SetVideoMuted(AllPeers, true)
	fx.sync()
	_, _, _, rv, _ := bob.snapshot()
	assert.False(t, rv)

	// Peers arriving after the room-wide mute inherit it.
	fx.m.Subscribe("carol", "http://srs/pull/carol")
	fx.sync()
	carol := fx.engine.transport(1)
	assert.False(t, carol.cfg.RecvVideo)
}

func TestTransportErrorReconnectsSameSlot(t *testing.T) {
	fx := newFixture(t, Config{ReconnectInterval: 10 * time.Millisecond})
	fx.m.Subscribe("bob", "http://srs/pull/bob")
	fx.m.SetAudioVolume("bob", 55)
	fx.sync()
	tr := fx.engine.transport(0)

	fx.fire(func() { tr.ev.OnTransportError(tr, errors.New("ice failed")) })
	require.True(t, tr.isClosed())
	fx.fire(func() { tr.ev.OnClosed(tr) })

	// The slot survives the close and a new transport appears after the
	// reconnect delay, carrying the buffered state.
	assert.Equal(t, 1, fx.peerCount())
	require.Eventually(t, func() bool { return fx.engine.count() == 2 },
		time.Second, 5*time.Millisecond)
	fx.sync()
	next := fx.engine.transport(1)
	assert.Equal(t, media.SubscribeScope("bob"), next.scope)
	_, _, _, _, vol := next.snapshot()
	assert.Equal(t, 55, vol)
}

func TestDisconnectWithoutErrorDiscardsSubscribe(t *testing.T) {
	fx := newFixture(t, Config{ReconnectInterval: 10 * time.Millisecond})
	fx.m.Subscribe("bob", "http://srs/pull/bob")
	fx.sync()
	tr := fx.engine.transport(0)

	fx.fire(func() { tr.ev.OnDisconnected(tr) })
	require.True(t, tr.isClosed())
	fx.fire(func() { tr.ev.OnClosed(tr) })

	assert.Zero(t, fx.peerCount())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, fx.engine.count(), "no reconnect without an error cause")
}

func TestReconnectBudgetExhaustionIsFatal(t *testing.T) {
	fx := newFixture(t, Config{
		ReconnectInterval:    5 * time.Millisecond,
		MaxReconnectAttempts: 1,
	})
	fx.engine.fail = true

	fx.m.Subscribe("bob", "http://srs/pull/bob")
	fx.sync()

	require.Eventually(t, func() bool {
		peers := fx.listener.fatalPeers()
		return len(peers) == 1 && peers[0] == "bob"
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, fx.peerCount())
}

func TestConnectedResetsReconnectBudget(t *testing.T) {
	fx := newFixture(t, Config{
		ReconnectInterval:    5 * time.Millisecond,
		MaxReconnectAttempts: 1,
	})
	fx.m.Subscribe("bob", "http://srs/pull/bob")
	fx.sync()

	// First drop consumes the whole budget of one.
	tr := fx.engine.transport(0)
	fx.fire(func() { tr.ev.OnTransportError(tr, errors.New("ice failed")) })
	fx.fire(func() { tr.ev.OnClosed(tr) })
	require.Eventually(t, func() bool { return fx.engine.count() == 2 },
		time.Second, 5*time.Millisecond)
	fx.sync()

	// Connecting refills it, so the next drop schedules again instead of
	// going fatal.
	next := fx.engine.transport(1)
	fx.fire(func() { next.ev.OnConnected(next) })
	fx.fire(func() { next.ev.OnTransportError(next, errors.New("ice failed")) })
	fx.fire(func() { next.ev.OnClosed(next) })

	require.Eventually(t, func() bool { return fx.engine.count() == 3 },
		time.Second, 5*time.Millisecond)
	assert.Empty(t, fx.listener.fatalPeers())
}

func TestSnapshotWithoutBoundTargetFails(t *testing.T) {
	fx := newFixture(t, Config{})

	errCh := make(chan error, 1)
	fx.m.Snapshot("bob", func(_ render.Frame, err error) { errCh <- err })
	assert.ErrorIs(t, <-errCh, ErrNoSink)
}

func TestSnapshotReturnsLatestFrame(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.m.Subscribe("bob", "http://srs/pull/bob")
	fx.m.BindRenderTarget("bob", &nullTarget{})
	fx.sync()
	tr := fx.engine.transport(0)

	frame := render.Frame{Data: []byte{9, 9}, Width: 2, Height: 1, Timestamp: time.Now()}
	tr.cfg.Sink.DeliverFrame(frame)

	got := make(chan render.Frame, 1)
	errCh := make(chan error, 1)
	fx.m.Snapshot("bob", func(f render.Frame, err error) {
		got <- f
		errCh <- err
	})
	require.NoError(t, <-errCh)
	assert.Equal(t, frame.Data, (<-got).Data)
}

func TestLocalPreviewSurvivesPublishRestart(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.m.BindRenderTarget(LocalPeer, &nullTarget{})
	fx.m.StartPublish("http://srs/publish")
	fx.sync()
	first := fx.engine.transport(0)

	frame := render.Frame{Data: []byte{1}, Width: 1, Height: 1, Timestamp: time.Now()}
	first.cfg.Sink.DeliverFrame(frame)

	fx.m.StopPublish()
	fx.m.StartPublish("http://srs/publish")
	fx.sync()
	fx.fire(func() { first.ev.OnClosed(first) })
	require.Equal(t, 2, fx.engine.count())

	// The restarted publish reuses the same preview router, so the cached
	// frame is still there.
	errCh := make(chan error, 1)
	fx.m.Snapshot(LocalPeer, func(_ render.Frame, err error) { errCh <- err })
	assert.NoError(t, <-errCh)
}

func TestTeardownAllClearsEverything(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.m.StartPublish("http://srs/publish")
	fx.m.Subscribe("bob", "http://srs/pull/bob")
	fx.m.Subscribe("carol", "http://srs/pull/carol")
	fx.sync()

	fx.m.TeardownAll()
	fx.sync()
	for i := 0; i < fx.engine.count(); i++ {
		assert.True(t, fx.engine.transport(i).isClosed())
	}
}

type nullTarget struct{}

func (nullTarget) Init(*render.Context) error { return nil }
func (nullTarget) Render(render.Frame)        {}
func (nullTarget) Release()                   {}

// ---- negotiation over the wire ----

type exchangeServer struct {
	mu           sync.Mutex
	posts        map[string]int
	bodies       map[string]string
	deletes      map[string]int
	status       int
	deleteStatus int
	answer       string
}

func newExchangeServer(status int, answer string) (*exchangeServer, *httptest.Server) {
	es := &exchangeServer{
		posts:        make(map[string]int),
		bodies:       make(map[string]string),
		deletes:      make(map[string]int),
		status:       status,
		deleteStatus: http.StatusOK,
		answer:       answer,
	}
	return es, httptest.NewServer(es)
}

func (es *exchangeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	es.mu.Lock()
	switch r.Method {
	case http.MethodPost:
		es.posts[r.URL.Path]++
		es.bodies[r.URL.Path] = string(body)
	case http.MethodDelete:
		es.deletes[r.URL.Path]++
		status := es.deleteStatus
		es.mu.Unlock()
		w.WriteHeader(status)
		return
	}
	status, answer := es.status, es.answer
	es.mu.Unlock()

	w.WriteHeader(status)
	if answer != "" {
		fmt.Fprint(w, answer)
	}
}

func (es *exchangeServer) setDeleteStatus(status int) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.deleteStatus = status
}

func (es *exchangeServer) postCount(path string) int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.posts[path]
}

func (es *exchangeServer) lastBody(path string) string {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.bodies[path]
}

func (es *exchangeServer) deleteCount(path string) int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.deletes[path]
}

func newWireFixture(t *testing.T, cfg Config, status int, answer string) (*fixture, *exchangeServer, string) {
	t.Helper()
	es, srv := newExchangeServer(status, answer)
	t.Cleanup(srv.Close)

	engine := &fakeEngine{}
	listener := &fakeRoomListener{}
	m := NewManager(cfg, engine, sdpex.NewClient(time.Second, nil), listener, nil)
	m.Start()
	t.Cleanup(m.Stop)
	return &fixture{t: t, m: m, engine: engine, listener: listener}, es, srv.URL
}

func TestNegotiationSuccessAppliesAnswer(t *testing.T) {
	fx, _, base := newWireFixture(t, Config{}, http.StatusOK, "v=0 answer")
	fx.m.StartPublish(base + "/publish")
	fx.sync()
	tr := fx.engine.transport(0)

	fx.fire(func() { tr.ev.OnICEGatheringComplete(tr, "v=0 offer") })
	require.Eventually(t, func() bool { return tr.answer() == "v=0 answer" },
		time.Second, 5*time.Millisecond)
}

func TestPublishGoneDeletesStaleSession(t *testing.T) {
	fx, es, base := newWireFixture(t, Config{
		NegotiationRetryInterval: 20 * time.Millisecond,
	}, http.StatusBadGateway, "")

	fx.m.StartPublish(base + "/publish")
	fx.m.SetUnpublishURL(base + "/unpublish")
	fx.sync()
	tr := fx.engine.transport(0)

	fx.fire(func() { tr.ev.OnLocalOfferReady(tr, "v=0 pregathering") })
	fx.fire(func() { tr.ev.OnICEGatheringComplete(tr, "v=0 offer") })

	// The gone response triggers the unpublish DELETE, and the offer POST
	// keeps retrying on the fixed interval.
	require.Eventually(t, func() bool { return es.deleteCount("/unpublish") >= 1 },
		time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return es.postCount("/publish") >= 2 },
		time.Second, 5*time.Millisecond)
	// Retries carry the candidate-bearing SDP, not the pre-gathering offer.
	assert.Equal(t, "v=0 offer", es.lastBody("/publish"))
}

func TestUnpublishRetryOutlivesPublishSlot(t *testing.T) {
	fx, es, base := newWireFixture(t, Config{
		UnpublishRetryInterval: 10 * time.Millisecond,
	}, http.StatusOK, "v=0 answer")
	es.setDeleteStatus(http.StatusInternalServerError)

	fx.m.StartPublish(base + "/publish")
	fx.m.SetUnpublishURL(base + "/unpublish")
	fx.sync()
	tr := fx.engine.transport(0)

	fx.m.StopPublish()
	fx.sync()
	fx.fire(func() { tr.ev.OnClosed(tr) })
	require.False(t, fx.hasPublishSlot())

	// The DELETE keeps retrying even though the publish slot is gone.
	require.Eventually(t, func() bool { return es.deleteCount("/unpublish") >= 2 },
		time.Second, 5*time.Millisecond)

	// Once the server acknowledges, the chain stops.
	es.setDeleteStatus(http.StatusOK)
	time.Sleep(50 * time.Millisecond)
	settled := es.deleteCount("/unpublish")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, es.deleteCount("/unpublish"))
}

func TestSubscribeNegotiationFailureNeverDeletes(t *testing.T) {
	fx, es, base := newWireFixture(t, Config{
		NegotiationRetryInterval: 20 * time.Millisecond,
	}, http.StatusBadGateway, "")

	fx.m.Subscribe("bob", base+"/pull/bob")
	fx.sync()
	tr := fx.engine.transport(0)

	fx.fire(func() { tr.ev.OnICEGatheringComplete(tr, "v=0 offer") })

	require.Eventually(t, func() bool { return es.postCount("/pull/bob") >= 2 },
		time.Second, 5*time.Millisecond)
	assert.Zero(t, es.deleteCount("/pull/bob"))
	assert.Zero(t, es.deleteCount("/unpublish"))
}

func TestNegotiationRetryStopsWhenSuperseded(t *testing.T) {
	fx, es, base := newWireFixture(t, Config{
		NegotiationRetryInterval: 20 * time.Millisecond,
	}, http.StatusBadGateway, "")

	fx.m.Subscribe("bob", base+"/pull/bob")
	fx.sync()
	tr := fx.engine.transport(0)

	fx.fire(func() { tr.ev.OnICEGatheringComplete(tr, "v=0 offer") })
	require.Eventually(t, func() bool { return es.postCount("/pull/bob") >= 1 },
		time.Second, 5*time.Millisecond)

	// Removing the peer invalidates the retry at fire time.
	fx.m.RemovePeer("bob")
	fx.sync()
	fx.fire(func() { tr.ev.OnClosed(tr) })

	// Let any round trip already in flight land before sampling.
	time.Sleep(30 * time.Millisecond)
	settled := es.postCount("/pull/bob")
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, settled, es.postCount("/pull/bob"))
}
