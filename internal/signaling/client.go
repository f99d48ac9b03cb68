package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client is a websocket signaling channel. Writes are serialized with a
// mutex; a single read pump decodes inbound frames and dispatches them to
// the handler.
type Client struct {
	conn    *websocket.Conn
	userID  string
	handler Handler
	logger  *zap.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the signaling server and starts the read pump.
func Dial(ctx context.Context, addr, userID string, handler Handler, logger *zap.Logger) (*Client, error) {
	if handler == nil {
		return nil, fmt.Errorf("signaling: handler cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("signaling: dial %s: %w", addr, err)
	}

	c := &Client{
		conn:    conn,
		userID:  userID,
		handler: handler,
		logger:  logger.Named("signaling"),
		done:    make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.pingLoop()
	return c, nil
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Send writes one message to the channel.
func (c *Client) Send(msg Message) error {
	if msg.From == "" {
		msg.From = c.userID
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("signaling: marshal %s: %w", msg.Cmd, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signaling: write %s: %w", msg.Cmd, err)
	}
	return nil
}

// SendCallControl mirrors one call-control sub-command to a peer.
func (c *Client) SendCallControl(to, cmd, roomID string) error {
	payload, err := json.Marshal(CallControlPayload{Cmd: cmd, RoomID: roomID})
	if err != nil {
		return fmt.Errorf("signaling: marshal call control: %w", err)
	}
	return c.Send(Message{Cmd: CmdCallControl, To: to, Room: roomID, Payload: payload})
}

// SendRoomJoin asks the server to place this user in a room. The server
// replies with enter-room carrying the publish URL.
func (c *Client) SendRoomJoin(roomID string) error {
	return c.Send(Message{Cmd: CmdEnterRoom, Room: roomID})
}

// SendRoomLeave announces leaving the current room.
func (c *Client) SendRoomLeave(roomID string) error {
	return c.Send(Message{Cmd: CmdExitRoom, Room: roomID})
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warn("ping failed", zap.Error(err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case <-c.done:
			c.handler.OnChannelClosed("closed by client")
		default:
			c.handler.OnChannelClosed("connection lost")
		}
		c.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("read failed", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	switch msg.Cmd {
	case CmdLoginOK:
		c.handler.OnLoginOK()

	case CmdLogout:
		c.handler.OnLogout(msg.Reason)

	case CmdEnterRoom:
		var p EnterRoomPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.logger.Warn("bad enter-room payload", zap.Error(err))
			return
		}
		c.handler.OnEnterRoom(p.PublishURL)

	case CmdExitRoom:
		c.handler.OnExitRoom(msg.Reason)

	case CmdUserEnter:
		var p UserEnterPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.logger.Warn("bad remote-user-enter payload", zap.Error(err))
			return
		}
		c.handler.OnUserEnter(p.UserID, p.PullURL)

	case CmdUserLeave:
		var p UserLeavePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.logger.Warn("bad remote-user-leave payload", zap.Error(err))
			return
		}
		c.handler.OnUserLeave(p.UserID, p.Reason)

	case CmdRoomMessage:
		var p RoomMessagePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.logger.Warn("bad room-message payload", zap.Error(err))
			return
		}
		c.handler.OnRoomMessage(msg.From, p.Cmd, p.Body)

	case CmdCallControl:
		var p CallControlPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.logger.Warn("bad call-control payload", zap.Error(err))
			return
		}
		c.handler.OnCallControl(msg.From, p.Cmd, p.RoomID)

	default:
		c.logger.Debug("ignoring unknown command", zap.String("cmd", msg.Cmd))
	}
}
