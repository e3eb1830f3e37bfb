package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/talk-signaling/internal/backend"
)

// ErrSessionClosed is returned for sends after an explicit disconnect.
var ErrSessionClosed = errors.New("signaling session closed")

const (
	helloTimeout        = 10 * time.Second
	writeTimeout        = 10 * time.Second
	defaultPingInterval = 54 * time.Second
	pongWait            = 60 * time.Second

	// handshakeFrameLimit bounds how many frames are read while waiting
	// for the hello response.
	handshakeFrameLimit = 10
)

// State of the session connection machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHello
	StateConnected
	StateReconnecting
)

// Handler receives the coarse-grained signals this session emits upstream.
// Calls are made from the session's read goroutine, one at a time.
type Handler interface {
	OnShouldRefreshConversations()
	OnShouldRefreshParticipants()
	OnChatRefresh()
	// OnSignalingMessage delivers a direct WebRTC signaling payload
	// verbatim; it is not interpreted here.
	OnSignalingMessage(data json.RawMessage)
	// OnStopped is invoked once when the session reaches its terminal
	// state (explicit bye or disconnect).
	OnStopped(err error)
}

// Auth is the backend-issued signed ticket used for a fresh hello.
type Auth struct {
	Backend string
	UserID  string
	Ticket  string
}

// Session is the client-side connection to a signaling backend for one
// participant. It queues outbound messages while disconnected and
// reconnects with capped, jittered backoff.
type Session struct {
	url          string
	auth         Auth
	roomToken    string
	handler      Handler
	dialer       *websocket.Dialer
	pingInterval time.Duration

	// writeMu serializes data frames; gorilla allows only one concurrent
	// writer per connection.
	writeMu sync.Mutex

	mu             sync.Mutex
	conn           *websocket.Conn
	connDone       chan struct{}
	state          State
	closed         bool
	sessionID      string
	resumeID       string
	features       []string
	callFlags      CallFlag
	pending        []*Message
	callbacks      map[string]func(*Message)
	backoff        *backoff
	reconnectTimer *time.Timer
}

// NewSession creates a session for the given backend URL (http(s) or
// ws(s), rewritten as needed) and room.
func NewSession(backendURL string, auth Auth, roomToken string, handler Handler) *Session {
	return &Session{
		url:          backend.RewriteToWebSocket(backendURL),
		auth:         auth,
		roomToken:    roomToken,
		handler:      handler,
		dialer:       &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		pingInterval: defaultPingInterval,
		callbacks:    make(map[string]func(*Message)),
		backoff:      newBackoff(),
	}
}

// Connect starts a connection attempt unless one is already in flight.
func (s *Session) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectLocked()
}

func (s *Session) connectLocked() {
	if s.closed {
		return
	}
	switch s.state {
	case StateConnecting, StateAwaitingHello, StateConnected:
		return
	}
	s.cancelReconnectLocked()
	s.state = StateConnecting
	go s.dialAndHandshake()
}

func (s *Session) dialAndHandshake() {
	conn, _, err := s.dialer.Dial(s.url, nil)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		log.Printf("Signaling dial %s failed: %v", s.url, err)
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		return
	}
	s.conn = conn
	s.connDone = make(chan struct{})
	s.state = StateAwaitingHello
	resumeID := s.resumeID
	s.mu.Unlock()

	if err := s.handshake(conn, resumeID); err != nil {
		log.Printf("Signaling handshake failed: %v", err)
		conn.Close()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
			close(s.connDone)
			s.scheduleReconnectLocked()
		}
		s.mu.Unlock()
	}
}

// handshake sends hello and reads until the hello response. A rejected
// resume (error frame or unexpected type) drops the resume id and retries
// as a brand-new hello exactly once.
func (s *Session) handshake(conn *websocket.Conn, resumeID string) error {
	if err := s.writeTo(conn, s.helloMessage(resumeID)); err != nil {
		return err
	}

	retriedFresh := resumeID == ""
	for i := 0; i < handshakeFrameLimit; i++ {
		conn.SetReadDeadline(time.Now().Add(helloTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read hello response: %w", err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("parse hello response: %w", err)
		}

		switch msg.Type {
		case "welcome":
			// Some backends announce themselves first.
			continue
		case "hello":
			if msg.Hello == nil {
				return fmt.Errorf("hello response without payload")
			}
			s.helloSucceeded(conn, msg.Hello)
			return nil
		case "bye":
			s.terminate(fmt.Errorf("backend sent bye during handshake"))
			return nil
		default:
			if !retriedFresh {
				// Resume rejected: start over with a fresh session.
				retriedFresh = true
				s.mu.Lock()
				s.resumeID = ""
				s.sessionID = ""
				s.mu.Unlock()
				if err := s.writeTo(conn, s.helloMessage("")); err != nil {
					return err
				}
				continue
			}
			code := msg.Type
			if msg.Error != nil {
				code = msg.Error.Code
			}
			return fmt.Errorf("hello rejected: %s", code)
		}
	}
	return fmt.Errorf("no hello response after %d frames", handshakeFrameLimit)
}

func (s *Session) helloMessage(resumeID string) *Message {
	if resumeID != "" {
		return &Message{
			Type:  "hello",
			Hello: &HelloMessage{Version: "2.0", ResumeID: resumeID},
		}
	}
	return &Message{
		Type: "hello",
		Hello: &HelloMessage{
			Version: "2.0",
			Auth: &HelloAuth{
				Type: "ticket",
				Params: &HelloAuthParams{
					Backend: s.auth.Backend,
					UserID:  s.auth.UserID,
					Ticket:  s.auth.Ticket,
				},
			},
		},
	}
}

func (s *Session) helloSucceeded(conn *websocket.Conn, hello *HelloMessage) {
	s.mu.Lock()
	if s.conn != conn || s.closed {
		s.mu.Unlock()
		return
	}

	s.sessionID = hello.SessionID
	if hello.ResumeID != "" {
		s.resumeID = hello.ResumeID
	}
	s.features = hello.Features
	s.backoff.Reset()
	s.cancelReconnectLocked()
	s.state = StateConnected

	// Flush queued sends in FIFO order, then join the active room.
	pending := s.pending
	s.pending = nil
	for _, msg := range pending {
		if err := s.writeTo(conn, msg); err != nil {
			log.Printf("Flush of queued signaling message failed: %v", err)
			break
		}
	}
	if err := s.writeTo(conn, &Message{
		Type: "room",
		Room: &RoomMessage{RoomID: s.roomToken, SessionID: s.sessionID},
	}); err != nil {
		log.Printf("Room join failed: %v", err)
	}
	done := s.connDone
	s.mu.Unlock()

	log.Printf("Signaling session %s established", hello.SessionID)
	go s.readLoop(conn)
	go s.pingLoop(conn, done)
}

// Send queues or transmits a message. While not connected the message is
// appended to the pending queue instead of failing.
func (s *Session) Send(msg *Message) error {
	return s.SendWithCallback(msg, nil)
}

// SendWithCallback additionally registers a callback invoked when a
// response carrying the generated correlation id arrives.
func (s *Session) SendWithCallback(msg *Message, callback func(*Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if callback != nil {
		msg.ID = uuid.NewString()
		s.callbacks[msg.ID] = callback
	}
	if s.state != StateConnected || s.conn == nil {
		s.pending = append(s.pending, msg)
		return nil
	}
	return s.writeTo(s.conn, msg)
}

// writeTo marshals and writes one frame. All data frames go through here
// under writeMu; pings use WriteControl, which is safe alongside this.
func (s *Session) writeTo(conn *websocket.Conn, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s message: %w", msg.Type, err)
	}
	return nil
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.connBroken(conn)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Signaling read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Failed to parse signaling message: %v", err)
			continue
		}
		s.dispatch(&msg)
	}
}

// dispatch routes one inbound frame. Runs on the read goroutine only, so
// handlers never run concurrently with each other.
func (s *Session) dispatch(msg *Message) {
	if msg.ID != "" {
		s.mu.Lock()
		callback := s.callbacks[msg.ID]
		delete(s.callbacks, msg.ID)
		s.mu.Unlock()
		if callback != nil {
			callback(msg)
			return
		}
	}

	switch msg.Type {
	case "room":
		// Room metadata changed upstream.
		s.handler.OnShouldRefreshConversations()
	case "event":
		s.dispatchEvent(msg.Event)
	case "message":
		if msg.Message != nil && len(msg.Message.Data) > 0 {
			s.handler.OnSignalingMessage(msg.Message.Data)
		}
	case "bye":
		s.terminate(nil)
	case "error":
		code := ""
		if msg.Error != nil {
			code = msg.Error.Code
		}
		log.Printf("Signaling error from backend: %s", code)
	default:
		log.Printf("Unknown signaling message type: %s", msg.Type)
	}
}

func (s *Session) dispatchEvent(event *EventMessage) {
	if event == nil {
		return
	}
	switch event.Target {
	case "room":
		if event.Type == "message" {
			s.handler.OnChatRefresh()
		} else {
			s.handler.OnShouldRefreshConversations()
		}
	case "participants":
		s.handler.OnShouldRefreshParticipants()
	case "roomlist":
		s.handler.OnShouldRefreshConversations()
	}
}

func (s *Session) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// connBroken handles a transport drop: unless the session is closed or the
// connection was already replaced, enter the reconnect path.
func (s *Session) connBroken(conn *websocket.Conn) {
	conn.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	s.conn = nil
	close(s.connDone)
	if s.closed {
		return
	}
	s.scheduleReconnectLocked()
}

func (s *Session) scheduleReconnectLocked() {
	s.state = StateReconnecting
	s.cancelReconnectLocked()
	delay := s.backoff.Next()
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.reconnectTimer = nil
		if s.state == StateReconnecting {
			s.state = StateDisconnected
			s.connectLocked()
		}
	})
}

func (s *Session) cancelReconnectLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// ForceReconnect drops the current transport so the normal reconnect path
// re-establishes it. With newSession, an explicit bye is sent first and
// resume state is cleared so the next connect starts a fresh logical
// session (used when call flags change).
func (s *Session) ForceReconnect(newSession bool, callFlags CallFlag) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.callFlags = callFlags

	if s.state == StateConnected && s.conn != nil {
		if newSession {
			if err := s.writeTo(s.conn, &Message{Type: "bye", Bye: &ByeMessage{}}); err != nil {
				log.Printf("Bye before forced reconnect failed: %v", err)
			}
			s.resumeID = ""
			s.sessionID = ""
		}
		s.conn.Close()
		return
	}

	if newSession {
		// Not connected: make sure the next connect does not resume
		// stale state.
		s.resumeID = ""
		s.sessionID = ""
	}
	s.connectLocked()
}

// Disconnect sends bye if connected, closes the transport and enters the
// terminal state. The session cannot be reused afterwards.
func (s *Session) Disconnect() {
	s.terminate(nil)
}

func (s *Session) terminate(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancelReconnectLocked()
	if s.conn != nil {
		if werr := s.writeTo(s.conn, &Message{Type: "bye", Bye: &ByeMessage{}}); werr != nil {
			log.Printf("Bye on disconnect failed: %v", werr)
		}
		s.conn.Close()
		s.conn = nil
		close(s.connDone)
	}
	s.resumeID = ""
	s.sessionID = ""
	s.callFlags = 0
	s.pending = nil
	s.state = StateDisconnected
	handler := s.handler
	s.mu.Unlock()

	handler.OnStopped(err)
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the backend-assigned session id, empty until the first
// successful hello.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Features returns a copy of the feature list advertised by the backend.
func (s *Session) Features() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.features...)
}

// CallFlags returns the current call-state bitmask.
func (s *Session) CallFlags() CallFlag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callFlags
}
