package room

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/callroom/internal/media"
	"github.com/mikeyg42/callroom/internal/sdpex"
)

// engineEvents bridges transport callbacks into the owner loop: each
// callback becomes exactly one posted message.
func (m *Manager) engineEvents() media.Events {
	return media.Events{
		OnLocalOfferReady: func(t media.Transport, offer string) {
			m.post(func() { m.handleLocalOffer(t, offer) })
		},
		OnICEGatheringComplete: func(t media.Transport, sdp string) {
			m.post(func() { m.handleGatherComplete(t, sdp) })
		},
		OnConnected: func(t media.Transport) {
			m.post(func() { m.handleConnected(t) })
		},
		OnDisconnected: func(t media.Transport) {
			m.post(func() { m.handleTransportDown(t, nil) })
		},
		OnTransportError: func(t media.Transport, err error) {
			m.post(func() { m.handleTransportDown(t, err) })
		},
		OnClosed: func(t media.Transport) {
			m.post(func() { m.handleClosed(t) })
		},
	}
}

// currentPublish returns the publish slot iff t is its live transport.
func (m *Manager) currentPublish(t media.Transport) *publishSlot {
	ps := m.registry.publish
	if ps == nil || ps.transport == nil || ps.transport.ID() != t.ID() {
		return nil
	}
	return ps
}

// currentPeer returns the peer slot iff t is its live transport.
func (m *Manager) currentPeer(t media.Transport) *peerSlot {
	slot, ok := m.registry.Peer(t.Scope().PeerID)
	if !ok || slot.transport == nil || slot.transport.ID() != t.ID() {
		return nil
	}
	return slot
}

// handleLocalOffer fires before ICE gathering finishes; only the gathered SDP
// from handleGatherComplete is ever sent, so the pre-gathering offer itself is
// not retained.
func (m *Manager) handleLocalOffer(t media.Transport, _ string) {
	if t.Scope().Kind != media.ScopePublish {
		return
	}
	if m.currentPublish(t) == nil {
		return
	}
	// Resolve the current local enablement before gathering proceeds so the
	// offer reflects the desired capture state.
	t.EnableLocalAudio(m.localAudioEnabled)
	t.EnableLocalVideo(m.localVideoEnabled)
}

func (m *Manager) handleGatherComplete(t media.Transport, sdp string) {
	switch t.Scope().Kind {
	case media.ScopePublish:
		ps := m.currentPublish(t)
		if ps == nil || ps.state != slotNegotiating {
			// Publish intent no longer active for this transport.
			return
		}
		ps.localSDP = sdp
		m.startExchange(t, ps.publishURL, sdp)

	case media.ScopeSubscribe:
		slot := m.currentPeer(t)
		if slot == nil || slot.state != slotNegotiating {
			return
		}
		slot.localSDP = sdp
		m.startExchange(t, slot.pullURL, sdp)
	}
}

// startExchange runs the HTTP round trip off the owner loop; the completion
// re-enters it carrying the transport handle so staleness can be checked at
// completion time.
func (m *Manager) startExchange(t media.Transport, url, sdp string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		answer, err := m.exchange.Exchange(ctx, url, sdp)
		m.post(func() { m.handleExchangeResult(t, answer, err) })
	}()
}

func (m *Manager) handleExchangeResult(t media.Transport, answer string, err error) {
	switch t.Scope().Kind {
	case media.ScopePublish:
		ps := m.currentPublish(t)
		if ps == nil || ps.state != slotNegotiating {
			// Superseded by a stop or a replacement transport.
			return
		}
		if err == nil {
			ps.cancelSDPRetry()
			m.applyAnswer(t, answer)
			return
		}
		m.logger.Warn("publish negotiation failed", zap.Error(err))
		if errors.Is(err, sdpex.ErrGone) && ps.unpublishURL != "" {
			// The server no longer knows this session; delete the stale
			// publish before the offer is retried.
			m.attemptUnpublish(ps.unpublishURL)
		}
		m.schedulePublishNegotiationRetry(ps, t)

	case media.ScopeSubscribe:
		slot := m.currentPeer(t)
		if slot == nil || slot.state != slotNegotiating {
			return
		}
		if err == nil {
			slot.cancelSDPRetry()
			m.applyAnswer(t, answer)
			return
		}
		// The gone-triggered DELETE applies only to the publish scope;
		// subscribe failures just retry the POST.
		m.logger.Warn("subscribe negotiation failed",
			zap.String("peer", slot.peerID), zap.Error(err))
		m.scheduleSubscribeNegotiationRetry(slot, t)
	}
}

func (m *Manager) applyAnswer(t media.Transport, answer string) {
	if err := t.SetRemoteDescription(answer); err != nil {
		m.logger.Error("apply remote answer failed",
			zap.Stringer("scope", t.Scope()), zap.Error(err))
		m.handleTransportDown(t, err)
	}
}

// schedulePublishNegotiationRetry arms the publish scope's single pending
// retry timer. Whether publish intent is still active is re-checked at fire
// time, not at schedule time.
func (m *Manager) schedulePublishNegotiationRetry(ps *publishSlot, t media.Transport) {
	ps.cancelSDPRetry()
	id := t.ID()
	ps.sdpRetry = time.AfterFunc(m.cfg.NegotiationRetryInterval, func() {
		m.post(func() {
			cur := m.currentPublish(t)
			if cur == nil || cur.state != slotNegotiating || cur.transport.ID() != id {
				return
			}
			m.startExchange(t, cur.publishURL, cur.localSDP)
		})
	})
}

func (m *Manager) scheduleSubscribeNegotiationRetry(slot *peerSlot, t media.Transport) {
	slot.cancelSDPRetry()
	id := t.ID()
	slot.sdpRetry = time.AfterFunc(m.cfg.NegotiationRetryInterval, func() {
		m.post(func() {
			cur := m.currentPeer(t)
			if cur == nil || cur.state != slotNegotiating || cur.transport.ID() != id {
				return
			}
			m.startExchange(t, cur.pullURL, cur.localSDP)
		})
	})
}

// attemptUnpublish issues the idempotent DELETE against the unpublish URL,
// retrying on a fixed interval until it succeeds or a different target
// supersedes it. The chain deliberately outlives the publish slot: teardown
// finishing first must not abandon the server-side cleanup.
func (m *Manager) attemptUnpublish(url string) {
	m.cancelUnpublishRetry()
	m.unpublishTarget = url
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := m.exchange.Unpublish(ctx, url)
		m.post(func() {
			if m.unpublishTarget != url {
				return // superseded
			}
			if err == nil {
				m.logger.Info("unpublish acknowledged", zap.String("url", url))
				m.unpublishTarget = ""
				return
			}
			m.logger.Warn("unpublish failed, will retry", zap.String("url", url), zap.Error(err))
			m.unpublishTimer = time.AfterFunc(m.cfg.UnpublishRetryInterval, func() {
				m.post(func() {
					if m.unpublishTarget != url {
						return
					}
					m.attemptUnpublish(url)
				})
			})
		})
	}()
}

func (m *Manager) cancelUnpublishRetry() {
	if m.unpublishTimer != nil {
		m.unpublishTimer.Stop()
		m.unpublishTimer = nil
	}
}

func (m *Manager) handleConnected(t media.Transport) {
	switch t.Scope().Kind {
	case media.ScopePublish:
		ps := m.currentPublish(t)
		if ps == nil {
			return
		}
		ps.state = slotConnected
		m.supervisor.Reset(ps.retry)
		// Apply the buffered local audio enablement now that media flows.
		t.EnableLocalAudio(m.localAudioEnabled)
		m.logger.Info("publish connected")

	case media.ScopeSubscribe:
		slot := m.currentPeer(t)
		if slot == nil {
			return
		}
		slot.state = slotConnected
		slot.retry = m.ensureRetry(slot.retry)
		m.supervisor.Reset(slot.retry)
		m.logger.Info("subscribe connected", zap.String("peer", slot.peerID))
	}
}

// handleTransportDown covers both the disconnect and error callbacks; only
// an engine-reported error marks the slot for reconnect.
func (m *Manager) handleTransportDown(t media.Transport, cause error) {
	switch t.Scope().Kind {
	case media.ScopePublish:
		ps := m.currentPublish(t)
		if ps == nil || ps.state == slotClosing {
			return
		}
		if cause != nil {
			ps.needsReconnect = true
			m.logger.Warn("publish transport error", zap.Error(cause))
		} else {
			m.logger.Warn("publish transport disconnected")
		}
		// Tear the transport down so the next attempt starts clean; the
		// stop-visible listener semantics are deliberately skipped, and so
		// is the unpublish DELETE since the intent is to come back.
		ps.cancelSDPRetry()
		t.EnableLocalAudio(false)
		t.EnableLocalVideo(false)
		ps.state = slotClosing
		if err := t.Close(); err != nil {
			m.logger.Warn("publish transport close failed", zap.Error(err))
		}

	case media.ScopeSubscribe:
		slot := m.currentPeer(t)
		if slot == nil || slot.state == slotClosing {
			return
		}
		if cause != nil {
			slot.needsReconnect = true
			m.logger.Warn("subscribe transport error",
				zap.String("peer", slot.peerID), zap.Error(cause))
		} else {
			m.logger.Warn("subscribe transport disconnected", zap.String("peer", slot.peerID))
		}
		slot.cancelSDPRetry()
		slot.state = slotClosing
		if err := t.Close(); err != nil {
			m.logger.Warn("subscribe transport close failed",
				zap.String("peer", slot.peerID), zap.Error(err))
		}
	}
}

func (m *Manager) handleClosed(t media.Transport) {
	switch t.Scope().Kind {
	case media.ScopePublish:
		ps := m.currentPublish(t)
		if ps == nil {
			return // superseded transport
		}
		ps.state = slotClosed
		ps.transport = nil

		if ps.needsReconnect {
			ps.needsReconnect = false
			m.schedulePublishReconnect(ps)
			return
		}

		restart := ps.pendingRestart
		url := ps.publishURL
		m.registry.publish = nil
		if restart {
			m.startPublish(url)
			return
		}
		if m.listener != nil {
			m.listener.OnPublishClosed()
		}

	case media.ScopeSubscribe:
		slot := m.currentPeer(t)
		if slot == nil {
			return
		}
		slot.state = slotClosed
		slot.transport = nil

		if slot.needsReconnect {
			slot.needsReconnect = false
			m.scheduleSubscribeReconnect(slot)
			return
		}

		// Unlike unsubscribe, a closed-without-reconnect subscribe slot is
		// fully discarded.
		if slot.sink != nil {
			slot.sink.Release()
		}
		m.registry.RemovePeer(slot.peerID)
		m.logger.Info("subscribe slot discarded", zap.String("peer", slot.peerID))
	}
}

func (m *Manager) schedulePublishReconnect(ps *publishSlot) {
	url := ps.publishURL
	err := m.supervisor.Schedule(ps.retry, media.PublishScope(), func() {
		m.post(func() { m.reconnectPublish(url) })
	})
	if err != nil {
		m.registry.publish = nil
		if m.listener != nil {
			m.listener.OnPublishFatal(err)
		}
	}
}

func (m *Manager) scheduleSubscribeReconnect(slot *peerSlot) {
	peerID := slot.peerID
	slot.retry = m.ensureRetry(slot.retry)
	err := m.supervisor.Schedule(slot.retry, media.SubscribeScope(peerID), func() {
		m.post(func() { m.reconnectSubscribe(peerID) })
	})
	if err != nil {
		if slot.sink != nil {
			slot.sink.Release()
		}
		m.registry.RemovePeer(peerID)
		if m.listener != nil {
			m.listener.OnSubscribeFatal(peerID, err)
		}
	}
}

func (m *Manager) reconnectPublish(url string) {
	ps := m.registry.publish
	if ps == nil {
		// Stopped meanwhile; nothing to bring back.
		return
	}
	if ps.transport != nil || ps.state == slotClosing {
		// A manual start got there first and supersedes the reconnect.
		return
	}
	m.logger.Info("reconnecting publish", zap.String("url", url))
	m.createPublishTransport(ps)
}

// reconnectSubscribe recreates the transport for a slot that survived its
// close with reconnect intent. Slot identity is preserved: the registry
// entry, its sink router and its buffered flags all carry over.
func (m *Manager) reconnectSubscribe(peerID string) {
	slot, ok := m.registry.Peer(peerID)
	if !ok || slot.transport != nil {
		return // removed or superseded meanwhile
	}
	m.logger.Info("reconnecting subscribe", zap.String("peer", peerID))
	m.createSubscribeTransport(slot)
}
