package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	leaveWait      = time.Second
)

// Client is one websocket connection. A client belongs to at most one room
// at a time; joining another room implicitly leaves the current one.
type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	send       chan *ServerMessage
	room       *Room
	roomLock   sync.RWMutex
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l,
		send:       make(chan *ServerMessage, 256),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.Timestamp = Now()

		switch {
		case msg.Join != nil:
			c.joinRoom(&msg)
		case msg.Leave != nil:
			c.leaveRoom(&msg)
		case msg.Publish != nil:
			c.publish(&msg)
		default:
			c.queueMessage(ErrInvalidMessage(msg.Id))
		}
	}
}

func (c *Client) joinRoom(msg *ClientMessage) {
	if msg.Join.RoomId == "" {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	cur := c.getRoom()
	if cur != nil {
		if cur.id == msg.Join.RoomId {
			// already a member, joining twice is a no-op
			c.queueMessage(NoErrOK(msg.Id))
			return
		}

		// a client observes at most one room at a time, so switching
		// rooms leaves the current one first
		if !c.sendLeave(cur, 0) {
			return
		}
	}

	select {
	case c.chatServer.joinChan <- msg:
	default:
		c.log.Println("joinChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) leaveRoom(msg *ClientMessage) {
	cur := c.getRoom()
	if cur == nil || cur.id != msg.Leave.RoomId {
		// leaving a room the client is not in is a no-op
		c.queueMessage(NoErrOK(msg.Id))
		return
	}

	select {
	case cur.leaveChan <- msg:
	default:
		c.log.Printf("leaveChan full for room %q", cur.id)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) publish(msg *ClientMessage) {
	text := msg.Publish.Message.Text
	if text == "" || len(text) > maxTextLen {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	cur := c.getRoom()
	if cur == nil || cur.id != msg.Publish.RoomId {
		// publishing into a room the client is not observing is rejected
		c.queueMessage(ErrNotJoined(msg.Id))
		return
	}

	select {
	case cur.clientMsgChan <- msg:
	default:
		c.log.Printf("clientMsgChan full for room %q", cur.id)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// cleanup runs when the read pump exits for any reason, so an abrupt
// disconnect always releases the client's room membership.
func (c *Client) cleanup() {
	c.chatServer.DeregisterClient(c)
	if cur := c.getRoom(); cur != nil {
		c.sendLeave(cur, 0)
	}
	c.stopClient()
}

// sendLeave hands the leave to the room, waiting up to leaveWait. A client
// whose leave cannot be delivered is disconnected instead, so its
// membership never straddles two rooms.
func (c *Client) sendLeave(r *Room, id int) bool {
	leave := &ClientMessage{
		BaseMessage: BaseMessage{Id: id, Timestamp: Now()},
		Leave:       &Leave{RoomId: r.id},
		client:      c,
	}

	select {
	case r.leaveChan <- leave:
		return true
	case <-time.After(leaveWait):
		c.log.Printf("leaveChan full for room %q, disconnecting client", r.id)
		c.stopClient()
		return false
	}
}

func (c *Client) setRoom(r *Room) {
	c.roomLock.Lock()
	defer c.roomLock.Unlock()
	c.room = r
}

// clearRoom removes the membership only if the client still belongs to r,
// so a stale leave cannot clobber a newer membership.
func (c *Client) clearRoom(r *Room) {
	c.roomLock.Lock()
	defer c.roomLock.Unlock()
	if c.room == r {
		c.room = nil
	}
}

func (c *Client) getRoom() *Room {
	c.roomLock.RLock()
	defer c.roomLock.RUnlock()
	return c.room
}
