package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/talk-signaling/internal/backend"
)

var ErrRoomNotFound = errors.New("room not found")

// RoomStore keeps the room records this service coordinates. The room
// properties live as a JSON value per token; the durable backend assignment
// is a separate key so persisting it never races with property updates.
// Neither key carries a TTL — the room record is authoritative.
type RoomStore struct {
	client *Client
}

func NewRoomStore(client *Client) *RoomStore {
	return &RoomStore{client: client}
}

// RoomProperties is the persisted shape of a room record.
type RoomProperties struct {
	Token       string `json:"token"`
	Name        string `json:"name"`
	Type        int    `json:"type"`
	LobbyState  int    `json:"lobbyState"`
	LobbyTimer  int64  `json:"lobbyTimer"`
	ReadOnly    int    `json:"readOnly"`
	ActiveSince int64  `json:"activeSince"`
}

// Room is a room record bound to its store, so the durable backend
// assignment can be written back.
type Room struct {
	store *RoomStore

	props        RoomProperties
	backendIndex int
}

var _ backend.Room = (*Room)(nil)

func (r *Room) Token() string              { return r.props.Token }
func (r *Room) Name() string               { return r.props.Name }
func (r *Room) RoomType() int              { return r.props.Type }
func (r *Room) LobbyState() int            { return r.props.LobbyState }
func (r *Room) LobbyTimer() int64          { return r.props.LobbyTimer }
func (r *Room) ReadOnly() int              { return r.props.ReadOnly }
func (r *Room) ActiveSince() int64         { return r.props.ActiveSince }
func (r *Room) AssignedBackendIndex() int  { return r.backendIndex }
func (r *Room) Properties() RoomProperties { return r.props }

// SetAssignedBackendIndex durably records which backend owns this room.
func (r *Room) SetAssignedBackendIndex(ctx context.Context, index int) error {
	if err := r.store.client.rdb.Set(ctx, backendKey(r.props.Token), strconv.Itoa(index), 0).Err(); err != nil {
		return fmt.Errorf("persist backend index for %s: %w", r.props.Token, err)
	}
	r.backendIndex = index
	return nil
}

// CreateRoom stores a new room record.
func (s *RoomStore) CreateRoom(ctx context.Context, props RoomProperties) (*Room, error) {
	data, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("marshal room %s: %w", props.Token, err)
	}
	if err := s.client.rdb.Set(ctx, roomKey(props.Token), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("store room %s: %w", props.Token, err)
	}
	return &Room{store: s, props: props, backendIndex: -1}, nil
}

// GetRoom loads a room record with its durable backend assignment.
func (s *RoomStore) GetRoom(ctx context.Context, token string) (*Room, error) {
	data, err := s.client.rdb.Get(ctx, roomKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("load room %s: %w", token, err)
	}

	var props RoomProperties
	if err := json.Unmarshal([]byte(data), &props); err != nil {
		return nil, fmt.Errorf("parse room %s: %w", token, err)
	}

	backendIndex := -1
	if value, err := s.client.rdb.Get(ctx, backendKey(token)).Result(); err == nil {
		if idx, err := strconv.Atoi(value); err == nil {
			backendIndex = idx
		}
	}

	return &Room{store: s, props: props, backendIndex: backendIndex}, nil
}

// UpdateRoom applies a mutation to the stored room properties and returns
// the updated record.
func (s *RoomStore) UpdateRoom(ctx context.Context, token string, mutate func(*RoomProperties)) (*Room, error) {
	room, err := s.GetRoom(ctx, token)
	if err != nil {
		return nil, err
	}
	mutate(&room.props)
	data, err := json.Marshal(room.props)
	if err != nil {
		return nil, fmt.Errorf("marshal room %s: %w", token, err)
	}
	if err := s.client.rdb.Set(ctx, roomKey(token), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("store room %s: %w", token, err)
	}
	return room, nil
}

// DeleteRoom removes the room record, its backend assignment and the
// session set.
func (s *RoomStore) DeleteRoom(ctx context.Context, token string) error {
	return s.client.rdb.Del(ctx, roomKey(token), backendKey(token), sessionsKey(token)).Err()
}

// JoinSession records a session as joined to a room.
func (s *RoomStore) JoinSession(ctx context.Context, token, sessionID string) error {
	return s.client.rdb.SAdd(ctx, sessionsKey(token), sessionID).Err()
}

// LeaveSession removes a session from a room.
func (s *RoomStore) LeaveSession(ctx context.Context, token, sessionID string) error {
	return s.client.rdb.SRem(ctx, sessionsKey(token), sessionID).Err()
}

// RoomSessionIDs returns the currently joined sessions of a room. This is
// the fan-out source for the internal message bus.
func (s *RoomStore) RoomSessionIDs(ctx context.Context, token string) ([]string, error) {
	return s.client.rdb.SMembers(ctx, sessionsKey(token)).Result()
}

// ExpireSessions bounds the session set lifetime for rooms that are never
// cleaned up explicitly.
func (s *RoomStore) ExpireSessions(ctx context.Context, token string, ttl time.Duration) error {
	return s.client.rdb.Expire(ctx, sessionsKey(token), ttl).Err()
}

func roomKey(token string) string     { return "room:" + token }
func backendKey(token string) string  { return "room:" + token + ":backend" }
func sessionsKey(token string) string { return "room:" + token + ":sessions" }
