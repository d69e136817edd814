package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregate/internal/core"
	"github.com/vovakirdan/wiregate/internal/store"
)

// StatsHandler reports what this process currently holds.
type StatsHandler struct {
	engine *core.Engine
	users  store.UserStore
	log    *zerolog.Logger
}

// NewStatsHandler creates a stats handler. users may be nil.
func NewStatsHandler(engine *core.Engine, users store.UserStore, logger *zerolog.Logger) *StatsHandler {
	return &StatsHandler{engine: engine, users: users, log: logger}
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Node    string `json:"node,omitempty"`
	Clients int    `json:"clients"`
	Topics  int    `json:"topics"`
	Users   *int64 `json:"users,omitempty"`
}

// Stats handles GET /api/stats.
func (h *StatsHandler) Stats(c *gin.Context) {
	resp := StatsResponse{
		Node:    h.engine.NodeID(),
		Clients: h.engine.Registry().Len(),
		Topics:  h.engine.Topics().Len(),
	}
	if h.users != nil {
		n, err := h.users.CountUsers(c.Request.Context())
		if err != nil {
			h.log.Warn().Err(err).Msg("count users")
		} else {
			resp.Users = &n
		}
	}
	c.JSON(http.StatusOK, resp)
}
