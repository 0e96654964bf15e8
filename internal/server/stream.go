package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/p2panda/node/internal/bamboo"
)

// handleEntryStream streams committed entries as server sent events,
// optionally filtered to one author.
func (h *httpHandler) handleEntryStream(c *gin.Context) {
	author := strings.TrimSpace(c.Query("author"))
	if author != realtimeAllAuthors {
		parsed, err := bamboo.NewAuthor(author)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_author"})
			return
		}
		author = parsed.String()
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, author)
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": time.Now().UTC()})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message := <-stream:
			c.SSEvent(RealtimeEventEntryPublished, message)
			return true
		case now := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": now.UTC()})
			return true
		}
	})
}
