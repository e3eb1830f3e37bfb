package backend

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	headerRandom   = "Spreed-Signaling-Random"
	headerChecksum = "Spreed-Signaling-Checksum"

	nonceBytes = 64
)

// Properties is the room property set carried on update-style events.
type Properties map[string]any

// PropertiesHook lets other subsystems inject extra key/value pairs into
// outgoing room properties.
type PropertiesHook func(room Room, props Properties)

// Event is the envelope POSTed to a signaling backend. Exactly one of the
// typed payloads is set, matching Type.
type Event struct {
	Type         string             `json:"type"`
	Invite       *InviteEvent       `json:"invite,omitempty"`
	Disinvite    *DisinviteEvent    `json:"disinvite,omitempty"`
	Update       *UpdateEvent       `json:"update,omitempty"`
	Delete       *DeleteEvent       `json:"delete,omitempty"`
	InCall       *InCallEvent       `json:"incall,omitempty"`
	Participants *ParticipantsEvent `json:"participants,omitempty"`
	Chat         *ChatEvent         `json:"chat,omitempty"`
	Recording    *RecordingEvent    `json:"recording,omitempty"`
}

type InviteEvent struct {
	UserIDs    []string   `json:"userids"`
	AllUserIDs []string   `json:"alluserids"`
	Properties Properties `json:"properties"`
}

type DisinviteEvent struct {
	UserIDs    []string   `json:"userids"`
	AllUserIDs []string   `json:"alluserids"`
	Properties Properties `json:"properties"`
}

type UpdateEvent struct {
	UserIDs    []string   `json:"userids"`
	Properties Properties `json:"properties"`
}

type DeleteEvent struct {
	UserIDs []string `json:"userids"`
}

type InCallEvent struct {
	InCall  int   `json:"incall"`
	Changed []any `json:"changed"`
	Users   []any `json:"users"`
}

type ParticipantsEvent struct {
	Changed []any `json:"changed"`
	Users   []any `json:"users"`
}

type ChatEvent struct {
	Refresh bool `json:"refresh"`
}

type RecordingEvent struct {
	Status int `json:"status"`
}

// Notifier sends signed room-event notifications to the backend owning a
// room. Calls are synchronous and never retried; transport failures go back
// to the caller.
type Notifier struct {
	router *Router
	hooks  []PropertiesHook

	client         *http.Client
	insecureClient *http.Client

	// newNonce is swappable for tests.
	newNonce func() string
}

func NewNotifier(router *Router) *Notifier {
	insecure := &tls.Config{InsecureSkipVerify: true}
	return &Notifier{
		router: router,
		client: &http.Client{Timeout: 10 * time.Second},
		insecureClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: &http.Transport{TLSClientConfig: insecure},
		},
		newNonce: randomNonce,
	}
}

// AddPropertiesHook registers a hook run on every outgoing property set.
// Not safe to call concurrently with notifications; register during setup.
func (n *Notifier) AddPropertiesHook(hook PropertiesHook) {
	n.hooks = append(n.hooks, hook)
}

// RoomProperties builds the property set sent with invite/update events.
func (n *Notifier) RoomProperties(room Room) Properties {
	props := Properties{
		"name":         room.Name(),
		"type":         room.RoomType(),
		"lobby-state":  room.LobbyState(),
		"lobby-timer":  room.LobbyTimer(),
		"read-only":    room.ReadOnly(),
		"active-since": room.ActiveSince(),
	}
	for _, hook := range n.hooks {
		hook(room, props)
	}
	return props
}

// RoomInvited notifies about users invited to a room.
func (n *Notifier) RoomInvited(ctx context.Context, room Room, userIDs, allUserIDs []string) error {
	return n.send(ctx, room, Event{
		Type: "invite",
		Invite: &InviteEvent{
			UserIDs:    userIDs,
			AllUserIDs: allUserIDs,
			Properties: n.RoomProperties(room),
		},
	})
}

// RoomDisinvited notifies about users removed from a room.
func (n *Notifier) RoomDisinvited(ctx context.Context, room Room, userIDs, allUserIDs []string) error {
	return n.send(ctx, room, Event{
		Type: "disinvite",
		Disinvite: &DisinviteEvent{
			UserIDs:    userIDs,
			AllUserIDs: allUserIDs,
			Properties: n.RoomProperties(room),
		},
	})
}

// RoomUpdated notifies about changed room metadata (name, password, type,
// read-only state, lobby, participant types).
func (n *Notifier) RoomUpdated(ctx context.Context, room Room, userIDs []string) error {
	return n.send(ctx, room, Event{
		Type: "update",
		Update: &UpdateEvent{
			UserIDs:    userIDs,
			Properties: n.RoomProperties(room),
		},
	})
}

// RoomDeleted notifies that a room was deleted.
func (n *Notifier) RoomDeleted(ctx context.Context, room Room, userIDs []string) error {
	return n.send(ctx, room, Event{
		Type:   "delete",
		Delete: &DeleteEvent{UserIDs: userIDs},
	})
}

// ParticipantsInCall notifies about sessions joining or leaving the call.
func (n *Notifier) ParticipantsInCall(ctx context.Context, room Room, inCall int, changed, users []any) error {
	return n.send(ctx, room, Event{
		Type: "incall",
		InCall: &InCallEvent{
			InCall:  inCall,
			Changed: changed,
			Users:   users,
		},
	})
}

// ParticipantsChanged notifies about participant-type or permission changes
// for joined sessions.
func (n *Notifier) ParticipantsChanged(ctx context.Context, room Room, changed, users []any) error {
	return n.send(ctx, room, Event{
		Type:         "participants",
		Participants: &ParticipantsEvent{Changed: changed, Users: users},
	})
}

// ChatUpdated tells clients to refresh the chat of a room after a chat or
// system message was posted.
func (n *Notifier) ChatUpdated(ctx context.Context, room Room) error {
	return n.send(ctx, room, Event{
		Type: "chat",
		Chat: &ChatEvent{Refresh: true},
	})
}

// RecordingStatusChanged notifies about a recording status change.
func (n *Notifier) RecordingStatusChanged(ctx context.Context, room Room, status int) error {
	return n.send(ctx, room, Event{
		Type:      "recording",
		Recording: &RecordingEvent{Status: status},
	})
}

func (n *Notifier) send(ctx context.Context, room Room, event Event) error {
	target, err := n.router.Resolve(ctx, room)
	if errors.Is(err, ErrNoBackend) {
		// Internal mode: nothing to notify, callers use the bus.
		return nil
	}
	if err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type, err)
	}

	// Fresh nonce per call keeps the checksum replay-resistant.
	nonce := n.newNonce()
	checksum := Checksum(nonce, body, target.Secret)

	url := RewriteToHTTP(target.URL) + "/api/v1/room/" + room.Token()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerRandom, nonce)
	req.Header.Set(headerChecksum, checksum)

	client := n.client
	if target.SkipVerify {
		client = n.insecureClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notify backend %s: %w", target.URL, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("notify backend %s: status %s", target.URL, resp.Status)
	}
	return nil
}

// Checksum computes the hex HMAC-SHA256 over the concatenated nonce and
// body that backends use to authenticate notifications.
func Checksum(nonce string, body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(nonce))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func randomNonce() string {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(b)
}

// RewriteToHTTP turns a ws:// or wss:// backend URL into its http(s)
// equivalent for the REST notification endpoint.
func RewriteToHTTP(url string) string {
	switch {
	case strings.HasPrefix(url, "wss://"):
		return "https://" + strings.TrimPrefix(url, "wss://")
	case strings.HasPrefix(url, "ws://"):
		return "http://" + strings.TrimPrefix(url, "ws://")
	}
	return url
}

// RewriteToWebSocket is the inverse: clients dial backends over ws(s).
func RewriteToWebSocket(url string) string {
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}
