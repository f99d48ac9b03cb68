// Package signaling implements the persistent bidirectional control channel:
// a websocket client, the JSON message contract, and dispatch of inbound
// events to a handler.
package signaling

import "encoding/json"

// Channel commands.
const (
	CmdLoginOK     = "login-ok"
	CmdLogout      = "logout"
	CmdEnterRoom   = "enter-room"
	CmdExitRoom    = "exit-room"
	CmdUserEnter   = "remote-user-enter"
	CmdUserLeave   = "remote-user-leave"
	CmdRoomMessage = "room-message"
	CmdCallControl = "call-control"
)

// Call-control sub-commands, mirrored on the outbound side.
const (
	CallInvite     = "invite"
	CallCancel     = "cancel"
	CallAccept     = "accept"
	CallReject     = "reject"
	CallLineBusy   = "line-busy"
	CallHangup     = "hangup"
	CallNoResponse = "no-response"
)

// Room-message sub-commands.
const (
	RoomMsgUnpublishURL = "unpublish-url"
)

// Message is the wire envelope for every frame on the channel.
type Message struct {
	Cmd     string          `json:"cmd"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Room    string          `json:"room,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EnterRoomPayload accompanies enter-room: where to POST the publish offer.
type EnterRoomPayload struct {
	PublishURL string `json:"publish_url"`
}

// UserEnterPayload accompanies remote-user-enter.
type UserEnterPayload struct {
	UserID  string `json:"user_id"`
	PullURL string `json:"pull_url"`
}

// UserLeavePayload accompanies remote-user-leave.
type UserLeavePayload struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

// RoomMessagePayload carries in-room application messages, including the
// asynchronously learned unpublish URL.
type RoomMessagePayload struct {
	Cmd  string `json:"cmd"`
	Body string `json:"body,omitempty"`
}

// CallControlPayload carries a call-control sub-command.
type CallControlPayload struct {
	Cmd    string `json:"cmd"`
	RoomID string `json:"room_id,omitempty"`
}

// Handler receives inbound channel events. All methods are invoked from the
// client's read pump; implementations must not block it.
type Handler interface {
	OnLoginOK()
	OnLogout(reason string)
	OnEnterRoom(publishURL string)
	OnExitRoom(reason string)
	OnUserEnter(userID, pullURL string)
	OnUserLeave(userID, reason string)
	OnRoomMessage(userID, cmd, body string)
	OnCallControl(from, cmd, roomID string)
	// OnChannelClosed fires once when the channel is lost; reason carries
	// the close or read error when known.
	OnChannelClosed(reason string)
}
