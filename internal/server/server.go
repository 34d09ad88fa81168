package server

import (
	"context"
	"log"
	"sync"

	"github.com/eventchat/go-eventchat/internal/stats"
	"github.com/eventchat/go-eventchat/internal/store"
)

type stopReq struct {
	done chan struct{}
}

// ChatServer owns the room table and the connection registry. Room keys
// are supplied by an external topic service and are never validated here;
// any key names a room, created on first join.
type ChatServer struct {
	log            *log.Logger
	store          store.MessageStore
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	joinChan       chan *ClientMessage
	unloadRoomChan chan string
	rooms          map[string]*Room
	stop           chan stopReq
}

func NewChatServer(logger *log.Logger, st store.MessageStore, sp stats.StatsProvider) (*ChatServer, error) {
	for _, metric := range []string{"NumConnections", "NumActiveRooms", "MessagesPublished", "MessagesDropped"} {
		sp.RegisterMetric(metric)
	}

	return &ChatServer{
		log:            logger,
		store:          st,
		stats:          sp,
		clients:        make(map[*Client]struct{}),
		joinChan:       make(chan *ClientMessage, 256),
		unloadRoomChan: make(chan string, 256),
		rooms:          make(map[string]*Room),
		stop:           make(chan stopReq),
	}, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case joinMsg := <-cs.joinChan:
			cs.handleJoin(joinMsg)
		case id := <-cs.unloadRoomChan:
			cs.handleUnloadRoom(id)
		case req := <-cs.stop:
			cs.log.Println("shutting down rooms")
			for _, r := range cs.rooms {
				done := make(chan struct{})
				r.exit <- exitReq{done: done}
				<-done
			}

			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) handleJoin(joinMsg *ClientMessage) {
	room, ok := cs.rooms[joinMsg.Join.RoomId]
	if !ok {
		room = newRoom(joinMsg.Join.RoomId, cs)
		cs.rooms[room.id] = room
		cs.stats.Incr("NumActiveRooms")
		go room.start()
	}

	select {
	case room.joinChan <- joinMsg:
	default:
		cs.log.Printf("join channel full on room %q", room.id)
		joinMsg.client.queueMessage(ErrServiceUnavailable(joinMsg.Id))
	}
}

func (cs *ChatServer) handleUnloadRoom(id string) {
	r, ok := cs.rooms[id]
	if !ok {
		return
	}

	// the idle timer may have fired just as a new client joined
	if !r.empty() {
		return
	}

	cs.log.Printf("unloading room %q", r.id)
	delete(cs.rooms, id)
	cs.stats.Decr("NumActiveRooms")

	done := make(chan struct{})
	r.exit <- exitReq{done: done}
	<-done
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
	cs.stats.Incr("NumConnections")
}

func (cs *ChatServer) DeregisterClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	if _, ok := cs.clients[c]; !ok {
		return
	}
	delete(cs.clients, c)
	cs.stats.Decr("NumConnections")
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
