package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// idleRoomTimeout unloads a room's goroutine once its last member
	// leaves. Message history expires separately in the store.
	idleRoomTimeout = 5 * time.Second
	appendTimeout   = 2 * time.Second
)

type exitReq struct {
	done chan struct{}
}

// Room is one broadcast group keyed by an externally supplied topic id.
// Rooms are created on first join and unloaded when idle; the store is
// the only place history lives.
type Room struct {
	id            string
	cs            *ChatServer
	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	clients       map[*Client]struct{}
	clientLock    sync.RWMutex
	log           *log.Logger
	// killTimer is used to automatically unload the room when it is no longer active
	killTimer *time.Timer
	// exit is used to signal the room to exit
	exit chan exitReq
	done chan struct{}
}

func newRoom(id string, cs *ChatServer) *Room {
	return &Room{
		id:            id,
		cs:            cs,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		clients:       make(map[*Client]struct{}),
		log:           cs.log,
		exit:          make(chan exitReq),
		done:          make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.id)
	r.killTimer = time.NewTimer(idleRoomTimeout)

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leaveMsg := <-r.leaveChan:
			r.handleLeave(leaveMsg)
		case msg := <-r.clientMsgChan:
			if msg.Publish != nil {
				r.saveAndBroadcast(msg)
			}
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

func (r *Room) handleJoin(join *ClientMessage) {
	r.killTimer.Stop()

	// join is idempotent, re-adding a member is a no-op
	r.addClient(join.client)
	join.client.queueMessage(NoErrOK(join.Id))
}

func (r *Room) handleLeave(leaveMsg *ClientMessage) {
	c := leaveMsg.client
	r.removeClient(c)

	if leaveMsg.Id > 0 {
		c.queueMessage(NoErrOK(leaveMsg.Id))
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q timed out", r.id)
	select {
	case r.cs.unloadRoomChan <- r.id:
	default:
		r.log.Println("unloadRoomChan full")
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Printf("room %q is exiting", r.id)

	r.clientLock.Lock()
	for c := range r.clients {
		c.clearRoom(r)
	}
	clear(r.clients)
	r.clientLock.Unlock()

	close(r.done)
	if e.done != nil {
		close(e.done)
	}
}

// saveAndBroadcast appends the message to the store and, only on a
// successful append, fans it out to every member including the sender. A
// failed append reaches nobody.
func (r *Room) saveAndBroadcast(msg *ClientMessage) {
	m := msg.Publish.Message
	if m.Id == "" {
		m.Id = uuid.NewString()
	}
	if m.SentAt == 0 {
		m.SentAt = msg.Timestamp.UnixMilli()
	}

	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()

	if err := r.cs.store.Append(ctx, r.id, m); err != nil {
		r.log.Printf("append message to room %q: %v", r.id, err)
		r.cs.stats.Incr("MessagesDropped")
		msg.client.queueMessage(ErrServiceUnavailable(msg.Id))
		return
	}

	r.cs.stats.Incr("MessagesPublished")
	msg.client.queueMessage(NoErrAccepted(msg.Id))

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: msg.Timestamp},
		Message:     &m,
		RoomId:      r.id,
	})
}

// broadcast delivers to a snapshot of the membership so slow delivery
// never holds the membership lock.
func (r *Room) broadcast(msg *ServerMessage) {
	r.clientLock.RLock()
	members := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		members = append(members, c)
	}
	r.clientLock.RUnlock()

	for _, c := range members {
		if !c.queueMessage(msg) {
			// a client that cannot drain its queue is disconnected
			// rather than stalling the room
			c.stopClient()
		}
	}
}

// addClient reports false if the client was already a member.
func (r *Room) addClient(c *Client) bool {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; ok {
		return false
	}

	r.clients[c] = struct{}{}
	c.setRoom(r)
	return true
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.clearRoom(r)

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.id)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) empty() bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	return len(r.clients) == 0
}
