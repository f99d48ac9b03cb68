package room

import (
	"time"

	"github.com/mikeyg42/callroom/internal/media"
	"github.com/mikeyg42/callroom/internal/render"
)

// DefaultAudioVolume is the remote volume applied to slots that never had an
// explicit volume set.
const DefaultAudioVolume = 100

// slotState is the per-slot lifecycle. Each transport moves through it
// exactly once; teardown runs one path per state so every resource is
// released exactly once.
type slotState int

const (
	slotIdle slotState = iota
	slotNegotiating
	slotConnected
	slotClosing
	slotClosed
)

func (s slotState) String() string {
	switch s {
	case slotNegotiating:
		return "negotiating"
	case slotConnected:
		return "connected"
	case slotClosing:
		return "closing"
	case slotClosed:
		return "closed"
	default:
		return "idle"
	}
}

// roomDefaults are the room-wide mute/volume settings applied to slots
// created after an "all peers" update.
type roomDefaults struct {
	videoMuted  bool
	audioMuted  bool
	audioVolume int
}

// peerSlot is the bookkeeping record for one remote participant's subscribe
// side. The slot outlives its transport: mute, volume and video-enabled
// state buffered here survive unsubscribe/re-subscribe cycles, and the sink
// router keeps its render target across transport replacement.
type peerSlot struct {
	peerID  string
	pullURL string

	state          slotState
	transport      media.Transport
	needsReconnect bool

	videoEnabled bool
	videoMuted   bool
	audioMuted   bool
	audioVolume  int

	sink  *render.Router
	retry *retryState

	sdpRetry *time.Timer // pending negotiation retry, at most one
	localSDP string
}

func (s *peerSlot) cancelSDPRetry() {
	if s.sdpRetry != nil {
		s.sdpRetry.Stop()
		s.sdpRetry = nil
	}
}

// publishSlot is the single publish-side record. It exists while locally
// publishing or while a publish teardown is still in flight.
type publishSlot struct {
	publishURL   string
	unpublishURL string

	state          slotState
	transport      media.Transport
	needsReconnect bool

	retry *retryState

	sdpRetry *time.Timer
	localSDP string

	// pendingRestart records a startPublish that arrived while the previous
	// transport's close was still in flight; the close finalizer honors it.
	pendingRestart bool
}

func (s *publishSlot) cancelSDPRetry() {
	if s.sdpRetry != nil {
		s.sdpRetry.Stop()
		s.sdpRetry = nil
	}
}

// Registry holds the per-peer subscribe slots and the publish slot. It is
// owned by the manager's event loop and is only ever touched from there, so
// it carries no lock.
type Registry struct {
	peers    map[string]*peerSlot
	publish  *publishSlot
	defaults roomDefaults
}

func NewRegistry() *Registry {
	return &Registry{
		peers:    make(map[string]*peerSlot),
		defaults: roomDefaults{audioVolume: DefaultAudioVolume},
	}
}

func (r *Registry) Peer(peerID string) (*peerSlot, bool) {
	s, ok := r.peers[peerID]
	return s, ok
}

// EnsurePeer returns the slot for peerID, creating it with the room-wide
// defaults if none exists. At most one slot per peer ever exists.
func (r *Registry) EnsurePeer(peerID string) *peerSlot {
	if s, ok := r.peers[peerID]; ok {
		return s
	}
	s := &peerSlot{
		peerID:      peerID,
		videoMuted:  r.defaults.videoMuted,
		audioMuted:  r.defaults.audioMuted,
		audioVolume: r.defaults.audioVolume,
	}
	r.peers[peerID] = s
	return s
}

func (r *Registry) RemovePeer(peerID string) {
	delete(r.peers, peerID)
}

// EachPeer visits every subscribe slot.
func (r *Registry) EachPeer(fn func(*peerSlot)) {
	for _, s := range r.peers {
		fn(s)
	}
}

func (r *Registry) PeerCount() int {
	return len(r.peers)
}
