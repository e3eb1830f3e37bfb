package handlers

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mossy-p/talk-signaling/internal/backend"
	"github.com/mossy-p/talk-signaling/internal/bus"
	"github.com/mossy-p/talk-signaling/internal/redis"
)

const sessionSetTTL = 24 * time.Hour

// API bundles the coordination components behind the host-facing routes.
type API struct {
	Registry     *backend.Registry
	Router       *backend.Router
	Notifier     *backend.Notifier
	Bus          *bus.Bus
	Rooms        *redis.RoomStore
	TicketSecret string
}

// Register wires all routes onto the engine.
func (a *API) Register(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": a.Registry.Mode().String()})
	})

	api := router.Group("/api/v1")
	{
		api.POST("/ticket", a.IssueTicket)

		authed := api.Group("", TicketAuth(a.TicketSecret))
		{
			authed.POST("/rooms", a.CreateRoom)
			authed.GET("/rooms/:token", a.GetRoom)
			authed.PUT("/rooms/:token", a.UpdateRoom)
			authed.DELETE("/rooms/:token", a.DeleteRoom)
			authed.POST("/rooms/:token/sessions/:sessionId", a.JoinRoom)
			authed.DELETE("/rooms/:token/sessions/:sessionId", a.LeaveRoom)
			authed.POST("/rooms/:token/events", a.DispatchEvent)

			authed.POST("/bus/messages", a.EnqueueMessage)
			authed.GET("/bus/messages/:sessionId", a.PollMessages)
		}
	}
}

// CreateRoomRequest is the request body for creating a room.
type CreateRoomRequest struct {
	Token string `json:"token,omitempty"`
	Name  string `json:"name" binding:"required"`
	Type  int    `json:"type"`
}

// CreateRoom stores a new room record.
func (a *API) CreateRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token := req.Token
	if token == "" {
		token = uuid.New().String()
	}

	room, err := a.Rooms.CreateRoom(c.Request.Context(), redis.RoomProperties{
		Token: token,
		Name:  req.Name,
		Type:  req.Type,
	})
	if err != nil {
		log.Printf("Failed to create room %s: %v", token, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	log.Printf("Room created: %s by user %v", token, c.GetString("user_id"))
	c.JSON(http.StatusCreated, room.Properties())
}

// GetRoom returns a room record.
func (a *API) GetRoom(c *gin.Context) {
	room, ok := a.loadRoom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, room.Properties())
}

// UpdateRoomRequest carries changed room metadata. Pointer fields are only
// applied when present.
type UpdateRoomRequest struct {
	Name       *string  `json:"name,omitempty"`
	Type       *int     `json:"type,omitempty"`
	LobbyState *int     `json:"lobbyState,omitempty"`
	LobbyTimer *int64   `json:"lobbyTimer,omitempty"`
	ReadOnly   *int     `json:"readOnly,omitempty"`
	UserIDs    []string `json:"userids,omitempty"`
}

// UpdateRoom applies metadata changes and notifies the owning backend (or
// fans the update out over the bus in internal mode).
func (a *API) UpdateRoom(c *gin.Context) {
	var req UpdateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	room, err := a.Rooms.UpdateRoom(ctx, c.Param("token"), func(props *redis.RoomProperties) {
		if req.Name != nil {
			props.Name = *req.Name
		}
		if req.Type != nil {
			props.Type = *req.Type
		}
		if req.LobbyState != nil {
			props.LobbyState = *req.LobbyState
		}
		if req.LobbyTimer != nil {
			props.LobbyTimer = *req.LobbyTimer
		}
		if req.ReadOnly != nil {
			props.ReadOnly = *req.ReadOnly
		}
	})
	if err != nil {
		a.roomError(c, err)
		return
	}

	if a.Registry.IsInternal() {
		a.fanOut(c, room, backend.Event{
			Type: "update",
			Update: &backend.UpdateEvent{
				UserIDs:    req.UserIDs,
				Properties: a.Notifier.RoomProperties(room),
			},
		})
		return
	}

	if err := a.Notifier.RoomUpdated(ctx, room, req.UserIDs); err != nil {
		log.Printf("Room update notification for %s failed: %v", room.Token(), err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Backend notification failed"})
		return
	}
	c.JSON(http.StatusOK, room.Properties())
}

// DeleteRoom removes a room and notifies the owning backend.
func (a *API) DeleteRoom(c *gin.Context) {
	room, ok := a.loadRoom(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var userIDs []string
	if err := c.ShouldBindJSON(&struct {
		UserIDs *[]string `json:"userids"`
	}{UserIDs: &userIDs}); err != nil {
		userIDs = nil
	}

	if !a.Registry.IsInternal() {
		if err := a.Notifier.RoomDeleted(ctx, room, userIDs); err != nil {
			log.Printf("Room delete notification for %s failed: %v", room.Token(), err)
		}
	} else if err := a.enqueueEvent(ctx, room, backend.Event{
		Type:   "delete",
		Delete: &backend.DeleteEvent{UserIDs: userIDs},
	}); err != nil {
		log.Printf("Room delete fan-out for %s failed: %v", room.Token(), err)
	}

	if err := a.Rooms.DeleteRoom(ctx, room.Token()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}

	log.Printf("Room deleted: %s by user %v", room.Token(), c.GetString("user_id"))
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// JoinRoom records a session as joined to the room.
func (a *API) JoinRoom(c *gin.Context) {
	room, ok := a.loadRoom(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	sessionID := c.Param("sessionId")

	if err := a.Rooms.JoinSession(ctx, room.Token(), sessionID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to join room"})
		return
	}
	if err := a.Rooms.ExpireSessions(ctx, room.Token(), sessionSetTTL); err != nil {
		log.Printf("Failed to bound session set for %s: %v", room.Token(), err)
	}
	c.JSON(http.StatusOK, gin.H{"message": "Joined"})
}

// LeaveRoom removes a session from the room.
func (a *API) LeaveRoom(c *gin.Context) {
	room, ok := a.loadRoom(c)
	if !ok {
		return
	}
	if err := a.Rooms.LeaveSession(c.Request.Context(), room.Token(), c.Param("sessionId")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to leave room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Left"})
}

func (a *API) loadRoom(c *gin.Context) (*redis.Room, bool) {
	room, err := a.Rooms.GetRoom(c.Request.Context(), c.Param("token"))
	if err != nil {
		a.roomError(c, err)
		return nil, false
	}
	return room, true
}

func (a *API) roomError(c *gin.Context, err error) {
	if errors.Is(err, redis.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	log.Printf("Room lookup failed: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
}
