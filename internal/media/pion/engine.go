// Package pion implements the media engine contract on pion/webrtc v4. Each
// transport wraps one peer connection configured for exactly one direction:
// send-only for the publish scope, receive-only for subscribe scopes.
package pion

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/callroom/internal/media"
	"github.com/mikeyg42/callroom/internal/render"
)

type Engine struct {
	api    *webrtc.API
	cfg    webrtc.Configuration
	logger *zap.Logger
}

func NewEngine(stunURLs []string, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(stunURLs) == 0 {
		stunURLs = []string{"stun:stun.l.google.com:19302"}
	}

	mediaEngine := webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("pion: register default codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		5*time.Second,  // disconnected timeout
		10*time.Second, // failed timeout
		30*time.Second, // keep-alive interval
	)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(&mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)

	return &Engine{
		api: api,
		cfg: webrtc.Configuration{
			ICEServers:         []webrtc.ICEServer{{URLs: stunURLs}},
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
		},
		logger: logger.Named("pion-engine"),
	}, nil
}

func (e *Engine) Create(cfg media.TransportConfig, ev media.Events) (media.Transport, error) {
	pc, err := e.api.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("pion: create peer connection: %w", err)
	}

	t := &transport{
		id:     uuid.NewString(),
		scope:  cfg.Scope,
		pc:     pc,
		sink:   cfg.Sink,
		logger: e.logger.With(zap.Stringer("scope", cfg.Scope)),
	}
	t.localAudio.Store(cfg.SendAudio)
	t.localVideo.Store(cfg.SendVideo)
	t.remoteAudio.Store(cfg.RecvAudio)
	t.remoteVideo.Store(cfg.RecvVideo)

	if err := t.addTransceivers(cfg); err != nil {
		pc.Close()
		return nil, err
	}
	t.wireCallbacks(ev)

	go t.negotiate(ev)
	return t, nil
}

type transport struct {
	id     string
	scope  media.Scope
	pc     *webrtc.PeerConnection
	sink   media.FrameSink
	logger *zap.Logger

	localAudio  atomic.Bool
	localVideo  atomic.Bool
	remoteAudio atomic.Bool
	remoteVideo atomic.Bool
	volume      atomic.Int64

	closeOnce sync.Once
	closed    atomic.Bool
}

func (t *transport) ID() string         { return t.id }
func (t *transport) Scope() media.Scope { return t.scope }

// addTransceivers negotiates both media sections regardless of the current
// enablement so that a later enable only flips a transceiver direction and
// needs no renegotiation; disabled kinds start inactive.
func (t *transport) addTransceivers(cfg media.TransportConfig) error {
	active := webrtc.RTPTransceiverDirectionSendonly
	video, audio := cfg.SendVideo, cfg.SendAudio
	if cfg.Scope.Kind == media.ScopeSubscribe {
		active = webrtc.RTPTransceiverDirectionRecvonly
		video, audio = cfg.RecvVideo, cfg.RecvAudio
	}

	add := func(kind webrtc.RTPCodecType, enabled bool) error {
		tr, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: active})
		if err != nil {
			return fmt.Errorf("pion: add %s transceiver: %w", kind, err)
		}
		if !enabled {
			if err := tr.SetDirection(webrtc.RTPTransceiverDirectionInactive); err != nil {
				return fmt.Errorf("pion: deactivate %s transceiver: %w", kind, err)
			}
		}
		return nil
	}

	if err := add(webrtc.RTPCodecTypeVideo, video); err != nil {
		return err
	}
	return add(webrtc.RTPCodecTypeAudio, audio)
}

func (t *transport) wireCallbacks(ev media.Events) {
	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debug("peer connection state", zap.Stringer("state", state))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if ev.OnConnected != nil {
				ev.OnConnected(t)
			}
		case webrtc.PeerConnectionStateDisconnected:
			if ev.OnDisconnected != nil {
				ev.OnDisconnected(t)
			}
		case webrtc.PeerConnectionStateFailed:
			if ev.OnTransportError != nil {
				ev.OnTransportError(t, fmt.Errorf("pion: peer connection failed"))
			}
		case webrtc.PeerConnectionStateClosed:
			if ev.OnClosed != nil {
				ev.OnClosed(t)
			}
		}
	})

	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.logger.Info("remote track",
			zap.String("track", track.ID()),
			zap.Stringer("kind", track.Kind()),
			zap.String("codec", track.Codec().MimeType))
		if track.Kind() == webrtc.RTPCodecTypeVideo && t.sink != nil {
			go t.readVideo(track)
		}
	})
}

// negotiate produces the local offer, waits for ICE gathering to complete,
// and reports the candidate-bearing SDP.
func (t *transport) negotiate(ev media.Events) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		t.fail(ev, fmt.Errorf("pion: create offer: %w", err))
		return
	}
	if ev.OnLocalOfferReady != nil {
		ev.OnLocalOfferReady(t, offer.SDP)
	}

	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		t.fail(ev, fmt.Errorf("pion: set local description: %w", err))
		return
	}
	<-gatherComplete

	if t.closed.Load() {
		return
	}
	local := t.pc.LocalDescription()
	if local == nil {
		t.fail(ev, fmt.Errorf("pion: no local description after gathering"))
		return
	}
	if ev.OnICEGatheringComplete != nil {
		ev.OnICEGatheringComplete(t, local.SDP)
	}
}

func (t *transport) fail(ev media.Events, err error) {
	t.logger.Warn("negotiation failed", zap.Error(err))
	if ev.OnTransportError != nil {
		ev.OnTransportError(t, err)
	}
}

// readVideo assembles the remote video track's RTP stream into access units
// for the sink router: payloads accumulate per RTP timestamp and the unit is
// delivered when the marker bit closes it.
func (t *transport) readVideo(track *webrtc.TrackRemote) {
	var unit accessUnit
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !t.closed.Load() {
				t.logger.Debug("remote track read ended", zap.Error(err))
			}
			return
		}
		data, complete := unit.push(pkt)
		if !complete {
			continue
		}
		if !t.remoteVideo.Load() {
			continue
		}
		t.sink.DeliverFrame(render.Frame{
			Data:      data,
			Timestamp: time.Now(),
		})
	}
}

// accessUnit reassembles one encoded video frame from its RTP packets. A
// timestamp change without a marker means packets were lost; the partial unit
// is dropped rather than delivered truncated.
type accessUnit struct {
	buf []byte
	ts  uint32
}

func (u *accessUnit) push(pkt *rtp.Packet) (data []byte, complete bool) {
	if len(u.buf) > 0 && pkt.Timestamp != u.ts {
		u.buf = u.buf[:0]
	}
	u.ts = pkt.Timestamp
	u.buf = append(u.buf, pkt.Payload...)
	if !pkt.Marker {
		return nil, false
	}
	data = append([]byte(nil), u.buf...)
	u.buf = u.buf[:0]
	return data, true
}

func (t *transport) EnableLocalAudio(enabled bool) {
	t.localAudio.Store(enabled)
	t.setDirection(webrtc.RTPCodecTypeAudio, enabled, webrtc.RTPTransceiverDirectionSendonly)
}

func (t *transport) EnableLocalVideo(enabled bool) {
	t.localVideo.Store(enabled)
	t.setDirection(webrtc.RTPCodecTypeVideo, enabled, webrtc.RTPTransceiverDirectionSendonly)
}

func (t *transport) EnableRemoteAudio(enabled bool) {
	t.remoteAudio.Store(enabled)
	t.setDirection(webrtc.RTPCodecTypeAudio, enabled, webrtc.RTPTransceiverDirectionRecvonly)
}

func (t *transport) EnableRemoteVideo(enabled bool) {
	t.remoteVideo.Store(enabled)
	t.setDirection(webrtc.RTPCodecTypeVideo, enabled, webrtc.RTPTransceiverDirectionRecvonly)
}

func (t *transport) setDirection(kind webrtc.RTPCodecType, enabled bool, active webrtc.RTPTransceiverDirection) {
	if t.closed.Load() {
		return
	}
	dir := active
	if !enabled {
		dir = webrtc.RTPTransceiverDirectionInactive
	}
	for _, tr := range t.pc.GetTransceivers() {
		if tr.Kind() != kind {
			continue
		}
		if err := tr.SetDirection(dir); err != nil {
			t.logger.Warn("set transceiver direction failed",
				zap.Stringer("kind", kind), zap.Error(err))
		}
	}
}

func (t *transport) SetRemoteVolume(volume int) {
	// TODO: feed this into the audio render path once an audio sink exists;
	// for now the buffered value only gates future playout wiring.
	t.volume.Store(int64(volume))
}

func (t *transport) SetRemoteDescription(sdp string) error {
	if t.closed.Load() {
		return fmt.Errorf("pion: transport closed")
	}
	err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("pion: set remote description: %w", err)
	}
	return nil
}

func (t *transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		err = t.pc.Close()
	})
	return err
}
