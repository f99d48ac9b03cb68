// Package session holds the call-level state machine: idle, ringing and
// connected, driven by call-control signaling and local user actions. Media
// setup and teardown are delegated to the room manager once a call reaches
// the connected state.
package session

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/callroom/internal/signaling"
)

// Status is the call-level state.
type Status int

const (
	StatusNone Status = iota
	StatusCalling
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusCalling:
		return "calling"
	case StatusConnected:
		return "connected"
	default:
		return "none"
	}
}

// Role records which side of the call this device is on.
type Role int

const (
	RoleNone Role = iota
	RoleCaller
	RoleCallee
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	default:
		return "none"
	}
}

// EndReason explains why a call left the calling or connected state.
type EndReason string

const (
	EndRejected   EndReason = "rejected"
	EndLineBusy   EndReason = "line-busy"
	EndNoResponse EndReason = "no-response"
	EndCanceled   EndReason = "canceled"
	EndHungUp     EndReason = "hung-up"
	EndLogout     EndReason = "logout"
)

var (
	ErrBusy     = errors.New("session: a call is already in progress")
	ErrNoCall   = errors.New("session: no call in progress")
	ErrBadState = errors.New("session: operation not valid in current state")
)

// ControlSender mirrors call-control commands over the signaling channel.
type ControlSender interface {
	SendCallControl(to, cmd, roomID string) error
}

// MediaControl is the session's hook into the room manager: local publish
// starts when the call connects and all media is torn down when it ends.
type MediaControl interface {
	StartLocalPublish()
	TeardownAll()
}

// Listener observes call lifecycle transitions. Callbacks fire while the
// session lock is not held.
type Listener interface {
	OnInviteReceived(from, roomID string)
	OnCallConnected(role Role, roomID string)
	OnCallEnded(reason EndReason, peerID string)
}

// Session is the process-wide call session. All state mutations are
// serialized by an internal mutex because user actions and signaling events
// arrive on different goroutines.
type Session struct {
	mu sync.Mutex

	userID   string
	roomID   string
	inviteID string // the remote party of the pending or active invite
	status   Status
	role     Role

	control  ControlSender
	media    MediaControl
	listener Listener
	logger   *zap.Logger
}

func New(userID string, control ControlSender, media MediaControl, listener Listener, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		userID:   userID,
		control:  control,
		media:    media,
		listener: listener,
		logger:   logger.Named("call-session"),
	}
}

// Snapshot returns the current identity and state for inspection.
func (s *Session) Snapshot() (status Status, role Role, roomID, inviteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.role, s.roomID, s.inviteID
}

// Invite starts an outbound call. Valid only from the idle state.
func (s *Session) Invite(peerID, roomID string) error {
	s.mu.Lock()
	if s.status != StatusNone {
		s.mu.Unlock()
		return ErrBusy
	}
	s.status = StatusCalling
	s.role = RoleCaller
	s.roomID = roomID
	s.inviteID = peerID
	s.mu.Unlock()

	if err := s.control.SendCallControl(peerID, signaling.CallInvite, roomID); err != nil {
		// Local state was set optimistically; roll back so the user can
		// retry.
		s.reset()
		return fmt.Errorf("session: send invite: %w", err)
	}
	s.logger.Info("invite sent", zap.String("peer", peerID), zap.String("room", roomID))
	return nil
}

// Accept answers a pending inbound invite.
func (s *Session) Accept() error {
	s.mu.Lock()
	if s.status != StatusCalling || s.role != RoleCallee {
		s.mu.Unlock()
		return ErrBadState
	}
	peer := s.inviteID
	room := s.roomID
	role := s.role
	s.status = StatusConnected
	s.mu.Unlock()

	if err := s.control.SendCallControl(peer, signaling.CallAccept, room); err != nil {
		s.logger.Warn("accept send failed", zap.Error(err))
	}
	if s.media != nil {
		s.media.StartLocalPublish()
	}
	if s.listener != nil {
		s.listener.OnCallConnected(role, room)
	}
	return nil
}

// Reject declines a pending inbound invite.
func (s *Session) Reject() error {
	s.mu.Lock()
	if s.status != StatusCalling || s.role != RoleCallee {
		s.mu.Unlock()
		return ErrBadState
	}
	peer := s.inviteID
	room := s.roomID
	s.mu.Unlock()

	if err := s.control.SendCallControl(peer, signaling.CallReject, room); err != nil {
		s.logger.Warn("reject send failed", zap.Error(err))
	}
	s.reset()
	return nil
}

// Cancel withdraws an outbound invite that has not been answered.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if s.status != StatusCalling || s.role != RoleCaller {
		s.mu.Unlock()
		return ErrBadState
	}
	peer := s.inviteID
	room := s.roomID
	s.mu.Unlock()

	if err := s.control.SendCallControl(peer, signaling.CallCancel, room); err != nil {
		s.logger.Warn("cancel send failed", zap.Error(err))
	}
	s.reset()
	return nil
}

// Hangup ends a connected call.
func (s *Session) Hangup() error {
	s.mu.Lock()
	if s.status != StatusConnected {
		s.mu.Unlock()
		return ErrNoCall
	}
	peer := s.inviteID
	room := s.roomID
	s.mu.Unlock()

	if err := s.control.SendCallControl(peer, signaling.CallHangup, room); err != nil {
		s.logger.Warn("hangup send failed", zap.Error(err))
	}
	s.teardownAndReset()
	return nil
}

// HandleCallControl processes one inbound call-control command.
func (s *Session) HandleCallControl(from, cmd, roomID string) {
	switch cmd {
	case signaling.CallInvite:
		s.handleInvite(from, roomID)
	case signaling.CallAccept:
		s.handleAccepted(from)
	case signaling.CallReject:
		s.handleEnded(EndRejected)
	case signaling.CallLineBusy:
		s.handleEnded(EndLineBusy)
	case signaling.CallNoResponse:
		s.handleEnded(EndNoResponse)
	case signaling.CallCancel:
		s.handleCanceled(from)
	case signaling.CallHangup:
		s.handleHangup()
	default:
		s.logger.Warn("unknown call control", zap.String("cmd", cmd), zap.String("from", from))
	}
}

// HandleChannelLost tears the call down when the signaling channel goes away
// while a call is active.
func (s *Session) HandleChannelLost(reason string) {
	s.mu.Lock()
	active := s.status != StatusNone
	s.mu.Unlock()
	if !active {
		return
	}
	s.logger.Warn("signaling channel lost during call", zap.String("reason", reason))
	s.teardownAndReset()
	if s.listener != nil {
		s.listener.OnCallEnded(EndLogout, "")
	}
}

func (s *Session) handleInvite(from, roomID string) {
	s.mu.Lock()
	if s.status != StatusNone {
		// Reentrancy guard: an invite arriving mid-call must not disturb
		// the current call. Auto-reply busy and keep state untouched.
		s.mu.Unlock()
		if err := s.control.SendCallControl(from, signaling.CallLineBusy, roomID); err != nil {
			s.logger.Warn("line-busy send failed", zap.Error(err))
		}
		s.logger.Info("auto-replied line busy", zap.String("from", from))
		return
	}
	s.status = StatusCalling
	s.role = RoleCallee
	s.roomID = roomID
	s.inviteID = from
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.OnInviteReceived(from, roomID)
	}
}

func (s *Session) handleAccepted(from string) {
	s.mu.Lock()
	if s.status != StatusCalling || s.role != RoleCaller {
		s.mu.Unlock()
		s.logger.Warn("unexpected accept", zap.String("from", from))
		return
	}
	s.status = StatusConnected
	role := s.role
	room := s.roomID
	s.mu.Unlock()

	if s.media != nil {
		s.media.StartLocalPublish()
	}
	if s.listener != nil {
		s.listener.OnCallConnected(role, room)
	}
}

// handleEnded covers reject, line-busy and no-response: normal protocol
// outcomes, notified first, reset after.
func (s *Session) handleEnded(reason EndReason) {
	s.mu.Lock()
	if s.status == StatusNone {
		s.mu.Unlock()
		return
	}
	peer := s.inviteID
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.OnCallEnded(reason, peer)
	}
	s.reset()
}

// handleCanceled resets using the session's own tracked invite id, not the
// canceling party's id; the sender is only logged when it does not match.
func (s *Session) handleCanceled(from string) {
	s.mu.Lock()
	if s.status == StatusNone {
		s.mu.Unlock()
		return
	}
	peer := s.inviteID
	if from != peer {
		s.logger.Warn("cancel from unexpected party",
			zap.String("from", from), zap.String("invite", peer))
	}
	s.mu.Unlock()

	// Cancellation always resets, regardless of caller or callee role.
	if s.listener != nil {
		s.listener.OnCallEnded(EndCanceled, peer)
	}
	s.reset()
}

func (s *Session) handleHangup() {
	s.mu.Lock()
	if s.status != StatusConnected {
		s.mu.Unlock()
		return
	}
	peer := s.inviteID
	s.mu.Unlock()

	s.teardownAndReset()
	if s.listener != nil {
		s.listener.OnCallEnded(EndHungUp, peer)
	}
}

// reset returns the session to idle. Entering the idle state clears the
// invite id, preserving the invariant role==none iff status==none.
func (s *Session) reset() {
	s.mu.Lock()
	wasConnected := s.status == StatusConnected
	s.status = StatusNone
	s.role = RoleNone
	s.inviteID = ""
	s.roomID = ""
	s.mu.Unlock()

	if wasConnected && s.media != nil {
		s.media.TeardownAll()
	}
}

func (s *Session) teardownAndReset() {
	if s.media != nil {
		s.media.TeardownAll()
	}
	s.mu.Lock()
	s.status = StatusNone
	s.role = RoleNone
	s.inviteID = ""
	s.roomID = ""
	s.mu.Unlock()
}
