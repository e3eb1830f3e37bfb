package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// EnqueueRequest is a direct session-to-session message for the internal
// bus.
type EnqueueRequest struct {
	Sender    string          `json:"sender" binding:"required"`
	Recipient string          `json:"recipient" binding:"required"`
	Payload   json.RawMessage `json:"payload" binding:"required"`
}

// EnqueueMessage durably queues one message.
func (a *API) EnqueueMessage(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := a.Bus.Enqueue(c.Request.Context(), req.Sender, req.Recipient, req.Payload); err != nil {
		log.Printf("Bus enqueue failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue message"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Queued"})
}

// QueuedMessage is the poll response shape.
type QueuedMessage struct {
	Sender     string          `json:"sender"`
	EnqueuedAt int64           `json:"enqueuedAt"`
	Payload    json.RawMessage `json:"payload"`
}

// PollMessages returns and consumes all visible messages for a session.
func (a *API) PollMessages(c *gin.Context) {
	messages, err := a.Bus.PollAndConsume(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		log.Printf("Bus poll failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to poll messages"})
		return
	}

	out := make([]QueuedMessage, 0, len(messages))
	for _, msg := range messages {
		out = append(out, QueuedMessage{
			Sender:     msg.Sender,
			EnqueuedAt: msg.EnqueuedAt.Unix(),
			Payload:    msg.Payload,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}
