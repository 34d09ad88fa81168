// Package session implements the client side of a room: a throwaway
// participant identity, history seeding on entry, live fanout, and local
// pruning of messages that have aged out of the display window. The local
// view is never authoritative; the store decides what exists.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eventchat/go-eventchat/internal/server"
	"github.com/eventchat/go-eventchat/internal/types"
)

const (
	// DefaultDisplayWindow bounds how long a message stays in the local
	// view, measured from its sentAt stamp. Independent of the store's
	// retention window.
	DefaultDisplayWindow = 30 * time.Second
	// DefaultPruneInterval is how often the local view is swept.
	DefaultPruneInterval = 5 * time.Second

	reconnectWait = time.Second
	writeWait     = 10 * time.Second
)

// SendError carries the undelivered text back to the caller so it is
// never silently lost.
type SendError struct {
	Text string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %q: %v", e.Text, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Session is one ephemeral participant. The participant id is generated
// once at creation and never changes for the session's lifetime.
type Session struct {
	id            string
	baseURL       string
	log           *log.Logger
	httpClient    *http.Client
	displayWindow time.Duration
	pruneInterval time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	room    string
	view    []types.Message
	pending map[int]string
	acks    map[int]chan *server.Response
	nextId  int

	writeMu sync.Mutex

	updates   chan types.Message
	sendErrs  chan SendError
	stop      chan struct{}
	stopOnce  sync.Once
	pruneOnce sync.Once
}

type Option func(*Session)

func WithDisplayWindow(d time.Duration) Option {
	return func(s *Session) { s.displayWindow = d }
}

func WithPruneInterval(d time.Duration) Option {
	return func(s *Session) { s.pruneInterval = d }
}

func NewSession(baseURL string, logger *log.Logger, opts ...Option) *Session {
	s := &Session{
		id:            uuid.NewString(),
		baseURL:       baseURL,
		log:           logger,
		httpClient:    &http.Client{Timeout: 5 * time.Second},
		displayWindow: DefaultDisplayWindow,
		pruneInterval: DefaultPruneInterval,
		pending:       make(map[int]string),
		acks:          make(map[int]chan *server.Response),
		updates:       make(chan types.Message, 256),
		sendErrs:      make(chan SendError, 16),
		stop:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Id returns the session's participant id.
func (s *Session) Id() string {
	return s.id
}

// Enter seeds the local view from the history endpoint, then opens the
// live channel and joins the room. Entering is also how a dropped
// connection recovers: the room is treated as freshly entered, no resume.
func (s *Session) Enter(ctx context.Context, room string) error {
	history, err := s.fetchHistory(ctx, room)
	if err != nil {
		return err
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.room = room
	s.view = history
	s.nextId++
	joinId := s.nextId
	ackCh := make(chan *server.Response, 1)
	s.acks[joinId] = ackCh
	s.mu.Unlock()

	go s.readLoop(conn)

	if err := s.writeMessage(&server.ClientMessage{
		BaseMessage: server.BaseMessage{Id: joinId},
		Join:        &server.Join{RoomId: room},
	}); err != nil {
		s.dropAck(joinId)
		s.clearConn(conn)
		conn.Close()
		return fmt.Errorf("join room %q: %w", room, err)
	}

	select {
	case resp := <-ackCh:
		if resp.Error != "" {
			s.clearConn(conn)
			conn.Close()
			return fmt.Errorf("join room %q: %s", room, resp.Error)
		}
	case <-ctx.Done():
		s.dropAck(joinId)
		s.clearConn(conn)
		conn.Close()
		return fmt.Errorf("join room %q: %w", room, ctx.Err())
	case <-s.stop:
		s.dropAck(joinId)
		return fmt.Errorf("session closed")
	}

	s.pruneOnce.Do(func() {
		go s.pruneLoop()
	})

	return nil
}

func (s *Session) dropAck(id int) {
	s.mu.Lock()
	delete(s.acks, id)
	s.mu.Unlock()
}

// clearConn forgets conn if it is still the session's current connection,
// so its read loop will not try to recover it.
func (s *Session) clearConn(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
}

// Send publishes text into the current room. A failed handoff returns a
// SendError holding the text so the caller can re-offer it.
func (s *Session) Send(text string) error {
	s.mu.Lock()
	conn := s.conn
	room := s.room
	s.nextId++
	id := s.nextId
	s.mu.Unlock()

	if conn == nil || room == "" {
		return &SendError{Text: text, Err: fmt.Errorf("not in a room")}
	}

	msg := &server.ClientMessage{
		BaseMessage: server.BaseMessage{Id: id},
		Publish: &server.Publish{
			RoomId: room,
			Message: types.Message{
				Id:       uuid.NewString(),
				Text:     text,
				SenderId: s.id,
				SentAt:   time.Now().UnixMilli(),
			},
		},
	}

	s.mu.Lock()
	s.pending[id] = text
	s.mu.Unlock()

	if err := s.writeMessage(msg); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return &SendError{Text: text, Err: err}
	}

	return nil
}

// Messages returns a copy of the current local view.
func (s *Session) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := make([]types.Message, len(s.view))
	copy(view, s.view)
	return view
}

// Updates delivers live messages as they arrive. Slow consumers miss
// updates rather than blocking the session; Messages always has the
// current view.
func (s *Session) Updates() <-chan types.Message {
	return s.updates
}

// SendErrors reports publishes the broker rejected or the store dropped,
// with the original text attached.
func (s *Session) SendErrors() <-chan SendError {
	return s.sendErrs
}

// Leave exits the current room but keeps the connection usable for
// entering another.
func (s *Session) Leave() error {
	s.mu.Lock()
	room := s.room
	s.room = ""
	s.view = nil
	s.mu.Unlock()

	if room == "" {
		return nil
	}

	return s.writeMessage(&server.ClientMessage{
		Leave: &server.Leave{RoomId: room},
	})
}

func (s *Session) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}

	return nil
}

func (s *Session) fetchHistory(ctx context.Context, room string) ([]types.Message, error) {
	u := fmt.Sprintf("%s/api/messages/%s", s.baseURL, url.PathEscape(room))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("history request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history for room %q: %w", room, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch history for room %q: unexpected status %d", room, resp.StatusCode)
	}

	var history []types.Message
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("decode history for room %q: %w", room, err)
	}

	return history, nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", u.String(), err)
	}

	return conn, nil
}

func (s *Session) writeMessage(msg *server.ClientMessage) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("no connection")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		var msg server.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-s.stop:
				return
			default:
			}

			// only the current connection is worth recovering; a
			// connection replaced by a later Enter just winds down
			s.mu.Lock()
			current := s.conn == conn
			s.mu.Unlock()
			if !current {
				return
			}

			s.log.Printf("session %s: read: %v", s.id, err)
			conn.Close()
			go s.reconnect()
			return
		}

		switch {
		case msg.Message != nil:
			s.handleLiveMessage(*msg.Message)
		case msg.Response != nil:
			s.handleResponse(&msg)
		}
	}
}

func (s *Session) handleLiveMessage(m types.Message) {
	s.mu.Lock()
	s.view = append(s.view, m)
	s.mu.Unlock()

	select {
	case s.updates <- m:
	default:
	}
}

func (s *Session) handleResponse(msg *server.ServerMessage) {
	s.mu.Lock()
	if ch, waiting := s.acks[msg.Id]; waiting {
		delete(s.acks, msg.Id)
		s.mu.Unlock()
		ch <- msg.Response
		return
	}
	text, ok := s.pending[msg.Id]
	if ok {
		delete(s.pending, msg.Id)
	}
	s.mu.Unlock()

	if !ok || msg.Response.Error == "" {
		return
	}

	select {
	case s.sendErrs <- SendError{Text: text, Err: fmt.Errorf("%s", msg.Response.Error)}:
	default:
		s.log.Printf("session %s: send error channel full", s.id)
	}
}

// reconnect re-enters the current room from scratch. Messages published
// while disconnected are picked up by the fresh history fetch.
func (s *Session) reconnect() {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()

	if room == "" {
		return
	}

	for {
		select {
		case <-s.stop:
			return
		case <-time.After(reconnectWait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.Enter(ctx, room)
		cancel()
		if err == nil {
			return
		}

		s.log.Printf("session %s: reconnect: %v", s.id, err)
	}
}

func (s *Session) pruneLoop() {
	ticker := time.NewTicker(s.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.prune(time.Now())
		case <-s.stop:
			return
		}
	}
}

// prune drops messages strictly older than the display window, so a
// message exactly at the boundary survives the tick. Purely a function
// of now and sentAt, independent of server-side eviction.
func (s *Session) prune(now time.Time) {
	cutoff := now.UnixMilli() - s.displayWindow.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.view[:0]
	for _, m := range s.view {
		if m.SentAt >= cutoff {
			kept = append(kept, m)
		}
	}
	s.view = kept
}
