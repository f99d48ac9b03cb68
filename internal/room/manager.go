// Package room contains the orchestrator proper: the connection manager that
// owns the peer registry, the SDP exchange client, the reconnect supervisor
// and the video sink routers, and that reacts to media engine callbacks and
// room membership events.
//
// All mutable state is owned by a single event loop (the "owner loop").
// Public operations and engine callbacks post messages onto it; nothing
// mutates a slot from any other goroutine.
package room

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/callroom/internal/media"
	"github.com/mikeyg42/callroom/internal/render"
	"github.com/mikeyg42/callroom/internal/sdpex"
)

// Pseudo peer ids accepted by the mute/volume/bind/snapshot operations.
const (
	// AllPeers applies an update to every known slot and to the room-wide
	// default for slots created afterwards.
	AllPeers = "*"
	// LocalPeer addresses the local preview (the publish side).
	LocalPeer = "local"
)

// ErrNoSink reports a snapshot request against a peer with no bound render
// target.
var ErrNoSink = errors.New("room: no render target bound")

// Listener observes the externally visible outcomes of the manager: it is
// the only error surface; no operation propagates failures past the API
// boundary.
type Listener interface {
	// OnPublishClosed fires after a stopped publish transport has fully
	// closed and its slot is cleared.
	OnPublishClosed()
	// OnPublishFatal fires when the publish side gave up reconnecting.
	OnPublishFatal(err error)
	// OnSubscribeFatal fires when a peer's subscribe side gave up
	// reconnecting.
	OnSubscribeFatal(peerID string, err error)
}

type Config struct {
	// NegotiationRetryInterval is the fixed delay before a failed SDP POST
	// is retried while intent remains active.
	NegotiationRetryInterval time.Duration
	// UnpublishRetryInterval is the fixed delay between unpublish DELETE
	// attempts until one succeeds or is superseded.
	UnpublishRetryInterval time.Duration
	// ReconnectInterval and MaxReconnectAttempts parameterize the
	// reconnect supervisor.
	ReconnectInterval    time.Duration
	MaxReconnectAttempts uint64
}

func (c *Config) withDefaults() {
	if c.NegotiationRetryInterval <= 0 {
		c.NegotiationRetryInterval = 2 * time.Second
	}
	if c.UnpublishRetryInterval <= 0 {
		c.UnpublishRetryInterval = time.Second
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 3 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
}

// Manager is the room connection manager. Create it with NewManager, call
// Start, and stop it with Stop; every public method is safe to call from any
// goroutine.
type Manager struct {
	cfg        Config
	engine     media.Engine
	exchange   *sdpex.Client
	supervisor *Supervisor
	listener   Listener
	logger     *zap.Logger

	ops      chan func()
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Everything below is owned by the event loop.
	registry          *Registry
	localAudioEnabled bool
	localVideoEnabled bool
	localSink         *render.Router // local preview, survives publish restarts

	// Best-effort unpublish DELETE in flight. The chain lives here rather
	// than on the publish slot so it keeps retrying after the slot is
	// cleared; only a different target URL supersedes it.
	unpublishTarget string
	unpublishTimer  *time.Timer
}

func NewManager(cfg Config, engine media.Engine, exchange *sdpex.Client, listener Listener, logger *zap.Logger) *Manager {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("room-manager")
	return &Manager{
		cfg:               cfg,
		engine:            engine,
		exchange:          exchange,
		supervisor:        NewSupervisor(cfg.ReconnectInterval, cfg.MaxReconnectAttempts, logger),
		listener:          listener,
		logger:            logger,
		ops:               make(chan func(), 128),
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
		registry:          NewRegistry(),
		localAudioEnabled: true,
		localVideoEnabled: true,
	}
}

// Start runs the owner loop.
func (m *Manager) Start() {
	go m.run()
}

// Stop tears down all slots and stops the owner loop.
func (m *Manager) Stop() {
	m.post(func() { m.teardownAll() })
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.ops:
			fn()
		case <-m.stop:
			// Drain whatever was already posted so teardown completes.
			for {
				select {
				case fn := <-m.ops:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post marshals fn onto the owner loop.
func (m *Manager) post(fn func()) {
	select {
	case m.ops <- fn:
	case <-m.stop:
	}
}

// barrier flushes the owner loop; used by tests.
func (m *Manager) barrier() {
	ch := make(chan struct{})
	m.post(func() { close(ch) })
	select {
	case <-ch:
	case <-m.done:
	}
}

// ---- public operations ----

// StartPublish creates the single publish transport and starts negotiation.
// If a publish transport already exists this is an idempotent no-op; if the
// previous one is still closing, the restart is deferred until the close
// finalizes.
func (m *Manager) StartPublish(url string) {
	m.post(func() { m.startPublish(url) })
}

// StopPublish issues a best-effort unpublish, disables local tracks, closes
// the transport, and clears the slot once the close callback confirms.
func (m *Manager) StopPublish() {
	m.post(func() { m.stopPublish() })
}

// Subscribe creates or replaces peerID's subscribe transport. Buffered mute,
// volume and video-enabled state and the existing sink router are preserved
// across replacement.
func (m *Manager) Subscribe(peerID, url string) {
	m.post(func() { m.subscribe(peerID, url) })
}

// Unsubscribe stops receiving video from peerID and releases the sink's
// render target, but keeps the slot so mute/volume state survives a later
// re-subscribe.
func (m *Manager) Unsubscribe(peerID string) {
	m.post(func() { m.unsubscribe(peerID) })
}

// RemovePeer discards peerID entirely: transport closed, sink released, slot
// removed. Used when the remote participant leaves the room.
func (m *Manager) RemovePeer(peerID string) {
	m.post(func() { m.removePeer(peerID) })
}

// SetUnpublishURL records the unpublish endpoint learned from signaling
// after joining the room.
func (m *Manager) SetUnpublishURL(url string) {
	m.post(func() {
		if ps := m.registry.publish; ps != nil {
			ps.unpublishURL = url
		}
	})
}

// SetVideoMuted updates peerID's buffered video mute flag (AllPeers updates
// every slot and the room default) and applies it to a live transport.
func (m *Manager) SetVideoMuted(peerID string, muted bool) {
	m.post(func() {
		if peerID == AllPeers {
			m.registry.defaults.videoMuted = muted
			m.registry.EachPeer(func(s *peerSlot) { m.applyVideoMute(s, muted) })
			return
		}
		m.applyVideoMute(m.registry.EnsurePeer(peerID), muted)
	})
}

// SetAudioMuted is the audio counterpart of SetVideoMuted.
func (m *Manager) SetAudioMuted(peerID string, muted bool) {
	m.post(func() {
		if peerID == AllPeers {
			m.registry.defaults.audioMuted = muted
			m.registry.EachPeer(func(s *peerSlot) { m.applyAudioMute(s, muted) })
			return
		}
		m.applyAudioMute(m.registry.EnsurePeer(peerID), muted)
	})
}

// SetAudioVolume updates peerID's buffered remote volume (AllPeers updates
// every slot and the room default).
func (m *Manager) SetAudioVolume(peerID string, volume int) {
	m.post(func() {
		if peerID == AllPeers {
			m.registry.defaults.audioVolume = volume
			m.registry.EachPeer(func(s *peerSlot) { m.applyVolume(s, volume) })
			return
		}
		m.applyVolume(m.registry.EnsurePeer(peerID), volume)
	})
}

// SetLocalAudioEnabled toggles the desired local audio capture state; it is
// buffered and applied whenever a publish transport is live.
func (m *Manager) SetLocalAudioEnabled(enabled bool) {
	m.post(func() {
		m.localAudioEnabled = enabled
		if ps := m.registry.publish; ps != nil && ps.transport != nil {
			ps.transport.EnableLocalAudio(enabled)
		}
	})
}

// SetLocalVideoEnabled is the video counterpart of SetLocalAudioEnabled.
func (m *Manager) SetLocalVideoEnabled(enabled bool) {
	m.post(func() {
		m.localVideoEnabled = enabled
		if ps := m.registry.publish; ps != nil && ps.transport != nil {
			ps.transport.EnableLocalVideo(enabled)
		}
	})
}

// BindRenderTarget retargets peerID's sink router (LocalPeer binds the local
// preview). Referencing a peer before any subscribe creates its slot.
func (m *Manager) BindRenderTarget(peerID string, target render.Target) {
	m.post(func() {
		if peerID == LocalPeer {
			m.localRouter().Retarget(target)
			return
		}
		slot := m.registry.EnsurePeer(peerID)
		m.sinkFor(slot).Retarget(target)
	})
}

// Snapshot requests one decoded frame from peerID's bound render target and
// returns it through fn. fn receives ErrNoSink when nothing is bound.
func (m *Manager) Snapshot(peerID string, fn func(render.Frame, error)) {
	m.post(func() {
		var router *render.Router
		if peerID == LocalPeer {
			router = m.localSink
		} else if slot, ok := m.registry.Peer(peerID); ok {
			router = slot.sink
		}
		if router == nil || !router.Bound() {
			fn(render.Frame{}, ErrNoSink)
			return
		}
		if !router.RequestFrame(func(f render.Frame) { fn(f, nil) }) {
			fn(render.Frame{}, ErrNoSink)
		}
	})
}

// TeardownAll stops publishing and discards every peer slot; called on room
// exit.
func (m *Manager) TeardownAll() {
	m.post(func() { m.teardownAll() })
}

// ---- owner-loop implementations ----

func (m *Manager) startPublish(url string) {
	if ps := m.registry.publish; ps != nil {
		switch {
		case ps.state == slotClosing:
			ps.pendingRestart = true
			ps.publishURL = url
			m.logger.Info("publish restart deferred until close completes")
		case ps.transport == nil:
			// Slot is waiting out a reconnect delay; a manual start
			// supersedes the timer.
			ps.retry.cancel()
			ps.publishURL = url
			m.createPublishTransport(ps)
		default:
			m.logger.Warn("publish already active, ignoring start")
		}
		return
	}

	ps := &publishSlot{
		publishURL: url,
		retry:      m.supervisor.newState(),
	}
	m.registry.publish = ps
	m.createPublishTransport(ps)
}

func (m *Manager) createPublishTransport(ps *publishSlot) {
	ps.state = slotNegotiating
	t, err := m.engine.Create(media.TransportConfig{
		Scope:     media.PublishScope(),
		SendAudio: m.localAudioEnabled,
		SendVideo: m.localVideoEnabled,
		Sink:      m.localRouter(),
	}, m.engineEvents())
	if err != nil {
		m.logger.Error("publish transport create failed", zap.Error(err))
		ps.state = slotClosed
		m.schedulePublishReconnect(ps)
		return
	}
	ps.transport = t
	m.logger.Info("publish transport created",
		zap.String("url", ps.publishURL), zap.String("transport", t.ID()))
}

func (m *Manager) stopPublish() {
	ps := m.registry.publish
	if ps == nil {
		m.logger.Warn("stop publish with no publish slot")
		return
	}
	if ps.state == slotClosing {
		// A stop supersedes any deferred restart.
		ps.pendingRestart = false
		return
	}

	ps.cancelSDPRetry()
	ps.retry.cancel()
	if ps.unpublishURL != "" {
		m.attemptUnpublish(ps.unpublishURL)
	}

	if ps.transport == nil {
		m.registry.publish = nil
		if m.listener != nil {
			m.listener.OnPublishClosed()
		}
		return
	}

	ps.transport.EnableLocalAudio(false)
	ps.transport.EnableLocalVideo(false)
	ps.needsReconnect = false
	ps.state = slotClosing
	if err := ps.transport.Close(); err != nil {
		m.logger.Warn("publish transport close failed", zap.Error(err))
	}
}

func (m *Manager) subscribe(peerID, url string) {
	slot := m.registry.EnsurePeer(peerID)
	slot.pullURL = url
	slot.videoEnabled = true

	// A manual subscribe supersedes any pending reconnect or negotiation
	// retry for this peer, including reconnect intent left behind by an
	// errored transport whose close has not landed yet.
	slot.retry = m.ensureRetry(slot.retry)
	slot.retry.cancel()
	slot.cancelSDPRetry()
	slot.needsReconnect = false

	if slot.transport != nil {
		// Replace in place: the old transport's remaining callbacks no
		// longer match the slot's current transport id and are ignored.
		old := slot.transport
		slot.transport = nil
		if err := old.Close(); err != nil {
			m.logger.Warn("old subscribe transport close failed",
				zap.String("peer", peerID), zap.Error(err))
		}
	}

	m.createSubscribeTransport(slot)
}

func (m *Manager) unsubscribe(peerID string) {
	slot, ok := m.registry.Peer(peerID)
	if !ok {
		return
	}
	slot.videoEnabled = false
	if slot.retry != nil {
		slot.retry.cancel()
	}
	slot.cancelSDPRetry()
	if slot.transport != nil {
		slot.transport.EnableRemoteVideo(false)
	}
	if slot.sink != nil {
		slot.sink.Retarget(nil)
	}
}

func (m *Manager) removePeer(peerID string) {
	slot, ok := m.registry.Peer(peerID)
	if !ok {
		return
	}
	if slot.retry != nil {
		slot.retry.cancel()
	}
	slot.cancelSDPRetry()

	if slot.transport != nil {
		slot.needsReconnect = false
		slot.state = slotClosing
		if err := slot.transport.Close(); err != nil {
			m.logger.Warn("subscribe transport close failed",
				zap.String("peer", peerID), zap.Error(err))
		}
		// Finalized and removed in handleClosed.
		return
	}
	if slot.sink != nil {
		slot.sink.Release()
	}
	m.registry.RemovePeer(peerID)
}

func (m *Manager) teardownAll() {
	if m.registry.publish != nil {
		m.stopPublish()
	}
	var ids []string
	m.registry.EachPeer(func(s *peerSlot) { ids = append(ids, s.peerID) })
	for _, id := range ids {
		m.removePeer(id)
	}
	if m.localSink != nil {
		m.localSink.Retarget(nil)
	}
}

func (m *Manager) createSubscribeTransport(slot *peerSlot) {
	slot.state = slotNegotiating
	t, err := m.engine.Create(media.TransportConfig{
		Scope:     media.SubscribeScope(slot.peerID),
		RecvAudio: !slot.audioMuted,
		RecvVideo: slot.videoEnabled && !slot.videoMuted,
		Sink:      m.sinkFor(slot),
	}, m.engineEvents())
	if err != nil {
		m.logger.Error("subscribe transport create failed",
			zap.String("peer", slot.peerID), zap.Error(err))
		slot.state = slotClosed
		m.scheduleSubscribeReconnect(slot)
		return
	}
	slot.transport = t
	t.SetRemoteVolume(slot.audioVolume)
	m.logger.Info("subscribe transport created",
		zap.String("peer", slot.peerID), zap.String("transport", t.ID()))
}

func (m *Manager) applyVideoMute(slot *peerSlot, muted bool) {
	slot.videoMuted = muted
	if slot.transport != nil {
		slot.transport.EnableRemoteVideo(slot.videoEnabled && !muted)
	}
}

func (m *Manager) applyAudioMute(slot *peerSlot, muted bool) {
	slot.audioMuted = muted
	if slot.transport != nil {
		slot.transport.EnableRemoteAudio(!muted)
	}
}

func (m *Manager) applyVolume(slot *peerSlot, volume int) {
	slot.audioVolume = volume
	if slot.transport != nil {
		slot.transport.SetRemoteVolume(volume)
	}
}

func (m *Manager) localRouter() *render.Router {
	if m.localSink == nil {
		m.localSink = render.NewRouter(m.logger)
	}
	return m.localSink
}

func (m *Manager) sinkFor(slot *peerSlot) *render.Router {
	if slot.sink == nil {
		slot.sink = render.NewRouter(m.logger)
	}
	return slot.sink
}

func (m *Manager) ensureRetry(rs *retryState) *retryState {
	if rs == nil {
		return m.supervisor.newState()
	}
	return rs
}
