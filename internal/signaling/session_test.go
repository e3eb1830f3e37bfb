package signaling

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordingHandler struct {
	conversations chan struct{}
	participants  chan struct{}
	chat          chan struct{}
	messages      chan json.RawMessage
	stopped       chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		conversations: make(chan struct{}, 8),
		participants:  make(chan struct{}, 8),
		chat:          make(chan struct{}, 8),
		messages:      make(chan json.RawMessage, 8),
		stopped:       make(chan error, 1),
	}
}

func (h *recordingHandler) OnShouldRefreshConversations() { h.conversations <- struct{}{} }

func (h *recordingHandler) OnShouldRefreshParticipants() { h.participants <- struct{}{} }

func (h *recordingHandler) OnChatRefresh() { h.chat <- struct{}{} }

func (h *recordingHandler) OnSignalingMessage(d json.RawMessage) { h.messages <- d }

func (h *recordingHandler) OnStopped(err error) { h.stopped <- err }

// wsServer runs one scripted backend conversation per connection.
func wsServer(t *testing.T, script func(conn *websocket.Conn) error) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		if err := script(conn); err != nil {
			t.Errorf("server script failed: %v", err)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func readFrame(conn *websocket.Conn) (*Message, error) {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func helloResponse(sessionID, resumeID string) *Message {
	return &Message{
		Type: "hello",
		Hello: &HelloMessage{
			SessionID: sessionID,
			ResumeID:  resumeID,
			Features:  []string{"audio-video-permissions"},
		},
	}
}

// acceptHello reads the client hello and answers with an established session.
func acceptHello(conn *websocket.Conn, sessionID string) error {
	msg, err := readFrame(conn)
	if err != nil {
		return err
	}
	if msg.Type != "hello" {
		return errors.New("first frame was not hello: " + msg.Type)
	}
	return conn.WriteJSON(helloResponse(sessionID, "resume-"+sessionID))
}

func testSession(t *testing.T, url, room string, h Handler) *Session {
	t.Helper()
	s := NewSession(url, Auth{Backend: "https://cloud.example.org", UserID: "u1", Ticket: "tkt"}, room, h)
	s.backoff = &backoff{initial: 5 * time.Millisecond, nominal: 5 * time.Millisecond, jitter: func() float64 { return 0.5 }}
	t.Cleanup(s.Disconnect)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func expectSignal(t *testing.T, what string, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestSession_HelloAndRoomJoin(t *testing.T) {
	type joined struct {
		roomID    string
		sessionID string
	}
	joins := make(chan joined, 1)

	server := wsServer(t, func(conn *websocket.Conn) error {
		msg, err := readFrame(conn)
		if err != nil {
			return err
		}
		if msg.Hello == nil || msg.Hello.Auth == nil || msg.Hello.Auth.Params == nil {
			return errors.New("fresh hello without auth params")
		}
		if msg.Hello.Auth.Params.Ticket != "tkt" || msg.Hello.Auth.Params.UserID != "u1" {
			return errors.New("hello carried wrong credentials")
		}
		if err := conn.WriteJSON(helloResponse("S1", "R1")); err != nil {
			return err
		}

		msg, err = readFrame(conn)
		if err != nil {
			return err
		}
		if msg.Type != "room" || msg.Room == nil {
			return errors.New("expected room join after hello")
		}
		joins <- joined{roomID: msg.Room.RoomID, sessionID: msg.Room.SessionID}
		readFrame(conn)
		return nil
	})

	s := testSession(t, server.URL, "room1", newRecordingHandler())
	s.Connect()

	select {
	case j := <-joins:
		if j.roomID != "room1" {
			t.Errorf("joined room %s, want room1", j.roomID)
		}
		if j.sessionID != "S1" {
			t.Errorf("join sent session id %s, want S1", j.sessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for room join")
	}

	waitFor(t, "connected state", func() bool { return s.State() == StateConnected })
	if s.SessionID() != "S1" {
		t.Errorf("SessionID() = %s, want S1", s.SessionID())
	}
	if features := s.Features(); len(features) != 1 || features[0] != "audio-video-permissions" {
		t.Errorf("Features() = %v", features)
	}
}

func TestSession_ResumeRejectedRetriesFreshOnce(t *testing.T) {
	hellos := make(chan *HelloMessage, 4)

	server := wsServer(t, func(conn *websocket.Conn) error {
		msg, err := readFrame(conn)
		if err != nil {
			return err
		}
		hellos <- msg.Hello
		if msg.Hello == nil || msg.Hello.ResumeID != "R1" {
			return errors.New("expected resume attempt first")
		}
		if err := conn.WriteJSON(&Message{Type: "error", Error: &ErrorMessage{Code: "no_such_session"}}); err != nil {
			return err
		}

		msg, err = readFrame(conn)
		if err != nil {
			return err
		}
		hellos <- msg.Hello
		if err := conn.WriteJSON(helloResponse("S2", "R2")); err != nil {
			return err
		}

		// Room join, then idle until the client goes away.
		if _, err := readFrame(conn); err != nil {
			return err
		}
		readFrame(conn)
		return nil
	})

	s := testSession(t, server.URL, "room1", newRecordingHandler())
	s.resumeID = "R1"
	s.Connect()

	first := <-hellos
	if first.ResumeID != "R1" || first.Auth != nil {
		t.Errorf("first hello = %+v, want resume only", first)
	}

	select {
	case second := <-hellos:
		if second.ResumeID != "" {
			t.Errorf("retry still carried resume id %q", second.ResumeID)
		}
		if second.Auth == nil || second.Auth.Params == nil || second.Auth.Params.Ticket != "tkt" {
			t.Error("retry was not a fresh authenticated hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no fresh hello after resume rejection")
	}

	waitFor(t, "new session id", func() bool { return s.SessionID() == "S2" })

	// Exactly one retry.
	select {
	case extra := <-hellos:
		t.Fatalf("unexpected third hello: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_PendingFlushedInOrderBeforeJoin(t *testing.T) {
	frames := make(chan *Message, 8)

	server := wsServer(t, func(conn *websocket.Conn) error {
		if err := acceptHello(conn, "S1"); err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			msg, err := readFrame(conn)
			if err != nil {
				return err
			}
			frames <- msg
		}
		readFrame(conn)
		return nil
	})

	s := testSession(t, server.URL, "room1", newRecordingHandler())
	s.Send(&Message{Type: "message", Message: &DataMessage{Data: json.RawMessage(`"one"`)}})
	s.Send(&Message{Type: "message", Message: &DataMessage{Data: json.RawMessage(`"two"`)}})
	s.Connect()

	var got []*Message
	for i := 0; i < 3; i++ {
		select {
		case msg := <-frames:
			got = append(got, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}

	if got[0].Type != "message" || string(got[0].Message.Data) != `"one"` {
		t.Errorf("frame 0 = %+v, want queued message one", got[0])
	}
	if got[1].Type != "message" || string(got[1].Message.Data) != `"two"` {
		t.Errorf("frame 1 = %+v, want queued message two", got[1])
	}
	if got[2].Type != "room" {
		t.Errorf("frame 2 type = %s, want room join last", got[2].Type)
	}
}

func TestSession_DispatchRouting(t *testing.T) {
	server := wsServer(t, func(conn *websocket.Conn) error {
		if err := acceptHello(conn, "S1"); err != nil {
			return err
		}
		if _, err := readFrame(conn); err != nil {
			return err
		}

		inbound := []*Message{
			{Type: "room", Room: &RoomMessage{RoomID: "room1"}},
			{Type: "event", Event: &EventMessage{Target: "participants", Type: "update"}},
			{Type: "event", Event: &EventMessage{Target: "room", Type: "message"}},
			{Type: "message", Message: &DataMessage{Data: json.RawMessage(`{"offer":true}`)}},
			{Type: "bye", Bye: &ByeMessage{}},
		}
		for _, msg := range inbound {
			if err := conn.WriteJSON(msg); err != nil {
				return err
			}
		}
		readFrame(conn)
		return nil
	})

	h := newRecordingHandler()
	s := testSession(t, server.URL, "room1", h)
	s.Connect()

	expectSignal(t, "conversations refresh", h.conversations)
	expectSignal(t, "participants refresh", h.participants)
	expectSignal(t, "chat refresh", h.chat)

	select {
	case data := <-h.messages:
		if string(data) != `{"offer":true}` {
			t.Errorf("signaling payload = %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signaling payload")
	}

	select {
	case err := <-h.stopped:
		if err != nil {
			t.Errorf("stopped with %v, want nil on bye", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bye did not stop the session")
	}
	if s.State() != StateDisconnected {
		t.Errorf("State() after bye = %v, want disconnected", s.State())
	}
}

func TestSession_CallbackCorrelation(t *testing.T) {
	server := wsServer(t, func(conn *websocket.Conn) error {
		if err := acceptHello(conn, "S1"); err != nil {
			return err
		}
		if _, err := readFrame(conn); err != nil {
			return err
		}

		msg, err := readFrame(conn)
		if err != nil {
			return err
		}
		if msg.ID == "" {
			return errors.New("request had no correlation id")
		}
		if err := conn.WriteJSON(&Message{
			ID:      msg.ID,
			Type:    "message",
			Message: &DataMessage{Data: json.RawMessage(`"pong"`)},
		}); err != nil {
			return err
		}
		readFrame(conn)
		return nil
	})

	h := newRecordingHandler()
	s := testSession(t, server.URL, "room1", h)
	s.Connect()
	waitFor(t, "connected state", func() bool { return s.State() == StateConnected })

	responses := make(chan *Message, 1)
	err := s.SendWithCallback(
		&Message{Type: "message", Message: &DataMessage{Data: json.RawMessage(`"ping"`)}},
		func(msg *Message) { responses <- msg },
	)
	if err != nil {
		t.Fatalf("SendWithCallback() error = %v", err)
	}

	select {
	case msg := <-responses:
		if string(msg.Message.Data) != `"pong"` {
			t.Errorf("callback payload = %s", msg.Message.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked")
	}

	// The correlated response must not also reach the generic handler.
	select {
	case data := <-h.messages:
		t.Fatalf("response leaked to handler: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_WelcomeBeforeHelloTolerated(t *testing.T) {
	server := wsServer(t, func(conn *websocket.Conn) error {
		if err := conn.WriteJSON(&Message{Type: "welcome"}); err != nil {
			return err
		}
		if err := acceptHello(conn, "S1"); err != nil {
			return err
		}
		readFrame(conn)
		readFrame(conn)
		return nil
	})

	s := testSession(t, server.URL, "room1", newRecordingHandler())
	s.Connect()
	waitFor(t, "session id", func() bool { return s.SessionID() == "S1" })
}

func TestSession_ConcurrentSendsDuringPings(t *testing.T) {
	const sends = 100
	received := make(chan int, 1)

	server := wsServer(t, func(conn *websocket.Conn) error {
		if err := acceptHello(conn, "S1"); err != nil {
			return err
		}
		if _, err := readFrame(conn); err != nil {
			return err
		}
		// Pings are answered by the default handler inside ReadMessage;
		// only data frames count.
		count := 0
		for count < sends {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				return err
			}
			count++
		}
		received <- count
		readFrame(conn)
		return nil
	})

	s := testSession(t, server.URL, "room1", newRecordingHandler())
	s.pingInterval = 2 * time.Millisecond
	s.Connect()
	waitFor(t, "connected state", func() bool { return s.State() == StateConnected })

	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < sends/2; i++ {
				if err := s.Send(&Message{Type: "message", Message: &DataMessage{Data: json.RawMessage(`"x"`)}}); err != nil {
					t.Errorf("Send() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	select {
	case count := <-received:
		if count != sends {
			t.Errorf("backend received %d data frames, want %d", count, sends)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backend did not receive all frames")
	}
}

func TestSession_FeaturesCopied(t *testing.T) {
	s := testSession(t, "wss://sig.example.org", "room1", newRecordingHandler())
	s.features = []string{"audio-video-permissions", "mcu"}

	got := s.Features()
	got[0] = "mutated"

	if again := s.Features(); again[0] != "audio-video-permissions" {
		t.Errorf("Features() leaked internal state: %v", again)
	}
}

func TestSession_DisconnectSendsBye(t *testing.T) {
	byes := make(chan struct{}, 1)

	server := wsServer(t, func(conn *websocket.Conn) error {
		if err := acceptHello(conn, "S1"); err != nil {
			return err
		}
		if _, err := readFrame(conn); err != nil {
			return err
		}
		msg, err := readFrame(conn)
		if err != nil {
			return err
		}
		if msg.Type == "bye" {
			byes <- struct{}{}
		}
		return nil
	})

	h := newRecordingHandler()
	s := testSession(t, server.URL, "room1", h)
	s.Connect()
	waitFor(t, "connected state", func() bool { return s.State() == StateConnected })

	s.Disconnect()

	select {
	case <-byes:
	case <-time.After(2 * time.Second):
		t.Fatal("no bye frame on disconnect")
	}
	select {
	case err := <-h.stopped:
		if err != nil {
			t.Errorf("stopped with %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not signal stopped")
	}

	if err := s.Send(&Message{Type: "message"}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send() after disconnect = %v, want ErrSessionClosed", err)
	}
}
