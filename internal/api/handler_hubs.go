package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"crestron-shades-backend/internal/coordinator"
	"crestron-shades-backend/internal/hub"
)

// ListHubs returns the status of every hub.
func (h *Handler) ListHubs(c *gin.Context) {
	hubs := h.hubs.List()
	out := make([]hubResponse, len(hubs))
	for i, hb := range hubs {
		out[i] = newHubResponse(hb, hb.Coordinator.Snapshot())
	}
	c.JSON(http.StatusOK, out)
}

// GetHub returns the status of one hub.
func (h *Handler) GetHub(c *gin.Context) {
	hb, ok := h.lookupHub(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newHubResponse(hb, hb.Coordinator.Snapshot()))
}

// RefreshHub schedules an out-of-band poll.
func (h *Handler) RefreshHub(c *gin.Context) {
	hb, ok := h.lookupHub(c)
	if !ok {
		return
	}
	if hb.Coordinator.NeedsReauth() {
		c.JSON(http.StatusConflict, gin.H{"error": "hub needs new credentials"})
		return
	}
	hb.Coordinator.RequestRefresh()
	h.invalidateHub(hb.Name)
	c.Status(http.StatusAccepted)
}

type putCredentialsRequest struct {
	AuthToken string `json:"auth_token" binding:"required"`
}

// PutCredentials replaces the hub's auth token and resumes polling.
func (h *Handler) PutCredentials(c *gin.Context) {
	hb, ok := h.lookupHub(c)
	if !ok {
		return
	}

	var req putCredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := hb.Coordinator.Reauthenticate(req.AuthToken); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("Hub credentials replaced", "hub", hb.Name)
	h.invalidateHub(hb.Name)
	c.Status(http.StatusAccepted)
}

type snapshotEvent struct {
	hubResponse
	Version uint64          `json:"version"`
	Shades  []shadeResponse `json:"shades"`
}

// keepAliveInterval spaces SSE comments sent to idle streams.
var keepAliveInterval = 30 * time.Second

// StreamEvents streams a snapshot of the hub after every change as
// server-sent events.
func (h *Handler) StreamEvents(c *gin.Context) {
	hb, ok := h.lookupHub(c)
	if !ok {
		return
	}

	updates, cancel := hb.Coordinator.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	writeSnapshot(c, hb, hb.Coordinator.Snapshot())
	c.Writer.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case snap := <-updates:
			writeSnapshot(c, hb, snap)
			return true
		case <-keepAlive.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		}
	})
}

func writeSnapshot(c *gin.Context, hb *hub.Hub, snap coordinator.Snapshot) {
	c.SSEvent("snapshot", snapshotEvent{
		hubResponse: newHubResponse(hb, snap),
		Version:     snap.Version,
		Shades:      newShadeResponses(hb.Name, snap.Shades),
	})
}
