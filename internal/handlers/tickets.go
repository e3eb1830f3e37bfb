package handlers

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mossy-p/talk-signaling/internal/backend"
	"github.com/mossy-p/talk-signaling/internal/redis"
)

const ticketLifetime = 24 * time.Hour

// TicketRequest asks for a signaling ticket for a user, optionally scoped
// to a room so the owning backend can be resolved up front.
type TicketRequest struct {
	UserID string `json:"userid" binding:"required"`
	Room   string `json:"room,omitempty"`
}

// TicketResponse carries the signed ticket plus the backend the client
// should connect to. Server is empty in internal mode: the client falls
// back to polling the message bus.
type TicketResponse struct {
	Ticket string `json:"ticket"`
	UserID string `json:"userid"`
	Server string `json:"server,omitempty"`
}

// IssueTicket mints a signed signaling ticket.
func (a *API) IssueTicket(c *gin.Context) {
	var req TicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	server := ""
	if req.Room != "" && !a.Registry.IsInternal() {
		room, err := a.Rooms.GetRoom(c.Request.Context(), req.Room)
		if err != nil {
			if errors.Is(err, redis.ErrRoomNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
			return
		}
		target, err := a.Router.Resolve(c.Request.Context(), room)
		if err != nil && !errors.Is(err, backend.ErrNoBackend) {
			log.Printf("Backend resolve for ticket failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No signaling backend available"})
			return
		}
		server = target.URL
	}

	now := time.Now()
	claims := TicketClaims{
		UserID: req.UserID,
		Room:   req.Room,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ticketLifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ticket, err := token.SignedString([]byte(a.TicketSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate ticket"})
		return
	}

	c.JSON(http.StatusOK, TicketResponse{
		Ticket: ticket,
		UserID: req.UserID,
		Server: server,
	})
}
