package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"crestron-shades-backend/internal/coordinator"
	"crestron-shades-backend/internal/hub"
)

// ListShades returns the mirrored shades of one hub.
func (h *Handler) ListShades(c *gin.Context) {
	hb, ok := h.lookupHub(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newShadeResponses(hb.Name, hb.Coordinator.Shades()))
}

// ListAllShades returns the shades of every hub.
func (h *Handler) ListAllShades(c *gin.Context) {
	out := []shadeResponse{}
	for _, hb := range h.hubs.List() {
		out = append(out, newShadeResponses(hb.Name, hb.Coordinator.Shades())...)
	}
	c.JSON(http.StatusOK, out)
}

// GetShade returns one mirrored shade.
func (h *Handler) GetShade(c *gin.Context) {
	hb, ok := h.lookupHub(c)
	if !ok {
		return
	}
	id, ok := shadeIDParam(c)
	if !ok {
		return
	}
	shade, found := hb.Coordinator.Shade(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "shade not found"})
		return
	}
	c.JSON(http.StatusOK, newShadeResponse(hb.Name, shade))
}

type setPositionRequest struct {
	Position *int `json:"position" binding:"required,min=0,max=100"`
}

// shadeCommand runs a coordinator command against a shade.
type shadeCommand func(ctx context.Context, co *coordinator.Coordinator, id int) bool

func openCommand(ctx context.Context, co *coordinator.Coordinator, id int) bool {
	return co.OpenShade(ctx, id)
}

func closeCommand(ctx context.Context, co *coordinator.Coordinator, id int) bool {
	return co.CloseShade(ctx, id)
}

func stopCommand(ctx context.Context, co *coordinator.Coordinator, id int) bool {
	return co.StopShade(ctx, id)
}

func positionCommand(percent int) shadeCommand {
	return func(ctx context.Context, co *coordinator.Coordinator, id int) bool {
		return co.SetShadePosition(ctx, id, percent)
	}
}

// HubShadeCommand returns a handler running cmd on /api/hubs/:hub/shades/:shade_id.
func (h *Handler) HubShadeCommand(cmd shadeCommand) gin.HandlerFunc {
	return func(c *gin.Context) {
		hb, ok := h.lookupHub(c)
		if !ok {
			return
		}
		id, ok := shadeIDParam(c)
		if !ok {
			return
		}
		h.runCommand(c, hb, id, cmd)
	}
}

// ShadeCommand returns a handler running cmd on /api/shades/:shade_id, using
// the first hub that owns the shade.
func (h *Handler) ShadeCommand(cmd shadeCommand) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := shadeIDParam(c)
		if !ok {
			return
		}
		hb, found := h.hubs.FindByShade(id)
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "shade not found on any hub"})
			return
		}
		h.runCommand(c, hb, id, cmd)
	}
}

// HubSetPosition handles PUT /api/hubs/:hub/shades/:shade_id/position.
func (h *Handler) HubSetPosition(c *gin.Context) {
	var req setPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.HubShadeCommand(positionCommand(*req.Position))(c)
}

// SetPosition handles PUT /api/shades/:shade_id/position.
func (h *Handler) SetPosition(c *gin.Context) {
	var req setPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.ShadeCommand(positionCommand(*req.Position))(c)
}

func (h *Handler) runCommand(c *gin.Context, hb *hub.Hub, id int, cmd shadeCommand) {
	if !hb.Coordinator.HasShade(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "shade not found"})
		return
	}
	if !cmd(c.Request.Context(), hb.Coordinator, id) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "hub rejected the command"})
		return
	}
	h.invalidateHub(hb.Name)

	shade, _ := hb.Coordinator.Shade(id)
	c.JSON(http.StatusOK, newShadeResponse(hb.Name, shade))
}
