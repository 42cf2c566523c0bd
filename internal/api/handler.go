package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"

	"crestron-shades-backend/internal/coordinator"
	"crestron-shades-backend/internal/crestron"
	"crestron-shades-backend/internal/hub"
	"crestron-shades-backend/internal/model"
	"crestron-shades-backend/internal/mw"
	"crestron-shades-backend/internal/store"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	hubs    *hub.Registry
	store   store.Store
	webpush *webpush.Options
	cache   *cache.Cache
	logger  *slog.Logger
}

// NewHandler creates a new API handler. webpushOptions may be nil when push
// is not configured.
func NewHandler(reg *hub.Registry, s store.Store, webpushOptions *webpush.Options, responses *cache.Cache, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hubs:    reg,
		store:   s,
		webpush: webpushOptions,
		cache:   responses,
		logger:  logger,
	}
}

type shadeResponse struct {
	ID               int                    `json:"id"`
	Hub              string                 `json:"hub,omitempty"`
	Name             string                 `json:"name"`
	Position         int                    `json:"position"`
	Percent          int                    `json:"percent"`
	SubType          string                 `json:"sub_type"`
	ConnectionStatus model.ConnectionStatus `json:"connection_status"`
	Online           bool                   `json:"online"`
	RoomID           int                    `json:"room_id"`
}

func newShadeResponse(hubName string, s model.Shade) shadeResponse {
	return shadeResponse{
		ID:               s.ID,
		Hub:              hubName,
		Name:             s.Name,
		Position:         s.Position,
		Percent:          crestron.ToPercent(s.Position),
		SubType:          s.SubType,
		ConnectionStatus: s.ConnectionStatus,
		Online:           s.Online(),
		RoomID:           s.RoomID,
	}
}

func newShadeResponses(hubName string, shades []model.Shade) []shadeResponse {
	out := make([]shadeResponse, len(shades))
	for i, s := range shades {
		out[i] = newShadeResponse(hubName, s)
	}
	return out
}

type hubResponse struct {
	Name                string     `json:"name"`
	Host                string     `json:"host"`
	State               string     `json:"state"`
	Available           bool       `json:"available"`
	NeedsReauth         bool       `json:"needs_reauth"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	ShadeCount          int        `json:"shade_count"`
}

func newHubResponse(h *hub.Hub, snap coordinator.Snapshot) hubResponse {
	resp := hubResponse{
		Name:                h.Name,
		Host:                h.Host,
		State:               snap.State.String(),
		Available:           snap.Available,
		NeedsReauth:         snap.NeedsReauth,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		LastError:           snap.LastError,
		ShadeCount:          len(snap.Shades),
	}
	if !snap.LastSuccess.IsZero() {
		t := snap.LastSuccess.UTC()
		resp.LastSuccess = &t
	}
	return resp
}

// lookupHub resolves the :hub parameter or writes a 404.
func (h *Handler) lookupHub(c *gin.Context) (*hub.Hub, bool) {
	found, err := h.hubs.Get(c.Param("hub"))
	if err != nil {
		if errors.Is(err, hub.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "hub not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	return found, true
}

// shadeIDParam parses the :shade_id parameter or writes a 400.
func shadeIDParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("shade_id"))
	if err != nil || id < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid shade id"})
		return 0, false
	}
	return id, true
}

// invalidateHub drops cached responses that may show stale state for hub.
func (h *Handler) invalidateHub(name string) {
	if h.cache == nil {
		return
	}
	mw.Invalidate(h.cache, "/api/hubs/"+name+"/", "/api/shades")
	h.cache.Delete("/api/hubs/" + name)
	h.cache.Delete("/api/hubs")
}
