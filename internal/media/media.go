// Package media defines the contract between the room orchestrator and the
// underlying media transport engine. The orchestrator only ever talks to an
// engine through these interfaces; the pion-backed implementation lives in
// internal/media/pion.
package media

import (
	"fmt"

	"github.com/mikeyg42/callroom/internal/render"
)

// ScopeKind discriminates the two kinds of transport a slot can own.
type ScopeKind int

const (
	// ScopePublish is the single outbound transport carrying local media.
	ScopePublish ScopeKind = iota
	// ScopeSubscribe is an inbound transport for one remote peer.
	ScopeSubscribe
)

// Scope identifies which slot a transport belongs to. It is carried alongside
// every transport handle so that callbacks can be dispatched by slot identity
// instead of pointer comparison.
type Scope struct {
	Kind   ScopeKind
	PeerID string // set only for ScopeSubscribe
}

func PublishScope() Scope {
	return Scope{Kind: ScopePublish}
}

func SubscribeScope(peerID string) Scope {
	return Scope{Kind: ScopeSubscribe, PeerID: peerID}
}

func (s Scope) String() string {
	if s.Kind == ScopePublish {
		return "publish"
	}
	return fmt.Sprintf("subscribe(%s)", s.PeerID)
}

// FrameSink consumes decoded frames arriving on a transport's remote track.
type FrameSink interface {
	DeliverFrame(f render.Frame)
}

// TransportConfig describes a transport at creation time. Enablement flags
// must be honored from the first frame: a transport created with RecvAudio
// false never starts with audio enabled and mutes later.
type TransportConfig struct {
	Scope Scope

	// Publish side: which local tracks to send.
	SendAudio bool
	SendVideo bool

	// Subscribe side: which remote tracks to accept.
	RecvAudio bool
	RecvVideo bool

	// Sink receives decoded remote frames. May be nil for send-only
	// transports.
	Sink FrameSink
}

// Events is the set of callbacks a transport emits over its lifetime. The
// room manager turns each callback into one message posted onto its owner
// loop; implementations may invoke them from any goroutine.
type Events struct {
	OnLocalOfferReady      func(t Transport, offerSDP string)
	OnICEGatheringComplete func(t Transport, localSDP string)
	OnConnected            func(t Transport)
	OnDisconnected         func(t Transport)
	OnTransportError       func(t Transport, err error)
	OnClosed               func(t Transport)
}

// Transport is one live media session, either the publish transport or a
// single peer's subscribe transport.
type Transport interface {
	// ID uniquely identifies this transport instance. A slot compares IDs
	// to tell a live transport's callback from a superseded one's.
	ID() string
	Scope() Scope

	EnableLocalAudio(enabled bool)
	EnableLocalVideo(enabled bool)
	EnableRemoteAudio(enabled bool)
	EnableRemoteVideo(enabled bool)
	SetRemoteVolume(volume int)

	// SetRemoteDescription applies the remote answer received from the SDP
	// exchange endpoint.
	SetRemoteDescription(sdp string) error

	Close() error
}

// Engine creates transports. Creating a transport starts local negotiation:
// the engine produces a local offer, gathers ICE candidates, and reports
// progress through the Events callbacks.
type Engine interface {
	Create(cfg TransportConfig, ev Events) (Transport, error)
}
