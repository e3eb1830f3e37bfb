package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/talk-signaling/internal/backend"
	"github.com/mossy-p/talk-signaling/internal/redis"
)

// EventRequest is a domain event the host CMS asks to be delivered to the
// room's signaling backend (or fanned out over the internal bus).
type EventRequest struct {
	Type       string   `json:"type" binding:"required"`
	UserIDs    []string `json:"userids,omitempty"`
	AllUserIDs []string `json:"alluserids,omitempty"`
	InCall     int      `json:"incall,omitempty"`
	Changed    []any    `json:"changed,omitempty"`
	Users      []any    `json:"users,omitempty"`
	Status     int      `json:"status,omitempty"`
}

// DispatchEvent routes one domain event: invite, disinvite, update, delete,
// incall, participants, chat, recording.
func (a *API) DispatchEvent(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room, ok := a.loadRoom(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if a.Registry.IsInternal() {
		event, ok := a.buildEvent(room, &req)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown event type"})
			return
		}
		a.fanOut(c, room, event)
		return
	}

	var err error
	switch req.Type {
	case "invite":
		err = a.Notifier.RoomInvited(ctx, room, req.UserIDs, req.AllUserIDs)
	case "disinvite":
		err = a.Notifier.RoomDisinvited(ctx, room, req.UserIDs, req.AllUserIDs)
	case "update":
		err = a.Notifier.RoomUpdated(ctx, room, req.UserIDs)
	case "delete":
		err = a.Notifier.RoomDeleted(ctx, room, req.UserIDs)
	case "incall":
		err = a.Notifier.ParticipantsInCall(ctx, room, req.InCall, req.Changed, req.Users)
	case "participants":
		err = a.Notifier.ParticipantsChanged(ctx, room, req.Changed, req.Users)
	case "chat":
		err = a.Notifier.ChatUpdated(ctx, room)
	case "recording":
		err = a.Notifier.RecordingStatusChanged(ctx, room, req.Status)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown event type"})
		return
	}

	if err != nil {
		// No retries here; the caller owns the retry policy.
		log.Printf("Event %s for room %s failed: %v", req.Type, room.Token(), err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Backend notification failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Dispatched"})
}

func (a *API) buildEvent(room *redis.Room, req *EventRequest) (backend.Event, bool) {
	switch req.Type {
	case "invite":
		return backend.Event{Type: "invite", Invite: &backend.InviteEvent{
			UserIDs:    req.UserIDs,
			AllUserIDs: req.AllUserIDs,
			Properties: a.Notifier.RoomProperties(room),
		}}, true
	case "disinvite":
		return backend.Event{Type: "disinvite", Disinvite: &backend.DisinviteEvent{
			UserIDs:    req.UserIDs,
			AllUserIDs: req.AllUserIDs,
			Properties: a.Notifier.RoomProperties(room),
		}}, true
	case "update":
		return backend.Event{Type: "update", Update: &backend.UpdateEvent{
			UserIDs:    req.UserIDs,
			Properties: a.Notifier.RoomProperties(room),
		}}, true
	case "delete":
		return backend.Event{Type: "delete", Delete: &backend.DeleteEvent{UserIDs: req.UserIDs}}, true
	case "incall":
		return backend.Event{Type: "incall", InCall: &backend.InCallEvent{
			InCall:  req.InCall,
			Changed: req.Changed,
			Users:   req.Users,
		}}, true
	case "participants":
		return backend.Event{Type: "participants", Participants: &backend.ParticipantsEvent{
			Changed: req.Changed,
			Users:   req.Users,
		}}, true
	case "chat":
		return backend.Event{Type: "chat", Chat: &backend.ChatEvent{Refresh: true}}, true
	case "recording":
		return backend.Event{Type: "recording", Recording: &backend.RecordingEvent{Status: req.Status}}, true
	}
	return backend.Event{}, false
}

func (a *API) enqueueEvent(ctx context.Context, room *redis.Room, event backend.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return a.Bus.EnqueueForRoom(ctx, room.Token(), payload)
}

func (a *API) fanOut(c *gin.Context, room *redis.Room, event backend.Event) {
	if err := a.enqueueEvent(c.Request.Context(), room, event); err != nil {
		log.Printf("Bus fan-out of %s for room %s failed: %v", event.Type, room.Token(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Fan-out failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Queued"})
}
