package http

import (
	"context"
	"net/http"
	"time"

	"presencerelay/internal/core/domain"
	"presencerelay/internal/core/ports"
	apperrors "presencerelay/pkg/errors"
	"presencerelay/pkg/utils"

	"github.com/gin-gonic/gin"
)

// ReadinessChecker reports dependency health for /ready: overall readiness
// plus a result per dependency.
type ReadinessChecker interface {
	ReadinessStatus(ctx context.Context) (bool, map[string]string)
}

// backgroundResults is implemented by checkers that also run checks on a
// schedule; /health reports their latest outcome without running them.
type backgroundResults interface {
	LastResults() map[string]string
}

type PresenceHandler struct {
	presence     ports.PresenceReader
	readiness    ReadinessChecker
	startedAt    time.Time
	readyTimeout time.Duration
}

func NewPresenceHandler(presence ports.PresenceReader, readiness ReadinessChecker, readyTimeout time.Duration) *PresenceHandler {
	if readyTimeout <= 0 {
		readyTimeout = 2 * time.Second
	}
	return &PresenceHandler{
		presence:     presence,
		readiness:    readiness,
		startedAt:    utils.Now(),
		readyTimeout: readyTimeout,
	}
}

func (h *PresenceHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)

	api := router.Group("/api/v1")
	{
		api.GET("/presence", h.GetPresence)
		api.GET("/presence/:participantId", h.GetParticipant)
	}
}

type participantView struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	DisplayName   string               `json:"displayName,omitempty"`
	Kind          string               `json:"kind,omitempty"`
	Capabilities  []string             `json:"capabilities,omitempty"`
	ConnectionID  domain.ConnectionID  `json:"connectionId"`
	AnnouncedAt   string               `json:"announcedAt"`
}

// GetPresence returns the current snapshot with participant metadata.
func (h *PresenceHandler) GetPresence(c *gin.Context) {
	view := h.presence.View()

	participants := make([]participantView, 0, len(view.Participants))
	for _, id := range view.Participants {
		participants = append(participants, newParticipantView(id))
	}

	c.JSON(http.StatusOK, gin.H{
		"phase":        view.Snapshot.Phase,
		"count":        len(participants),
		"participants": participants,
		"connections":  view.Connections,
		"timestamp":    utils.FormatTimestamp(view.Snapshot.TakenAt),
	})
}

// GetParticipant returns one announced participant. Errors are rendered by
// the error handler middleware.
func (h *PresenceHandler) GetParticipant(c *gin.Context) {
	pid := domain.ParticipantID(c.Param("participantId"))
	for _, id := range h.presence.Participants() {
		if id.ParticipantID == pid {
			c.JSON(http.StatusOK, newParticipantView(id))
			return
		}
	}
	c.Error(apperrors.NewNotFoundError("participant").WithContext("participant_id", pid))
}

func newParticipantView(id domain.Identity) participantView {
	return participantView{
		ParticipantID: id.ParticipantID,
		DisplayName:   id.DisplayName,
		Kind:          id.Kind,
		Capabilities:  id.Capabilities,
		ConnectionID:  id.ConnectionID,
		AnnouncedAt:   utils.FormatTimestamp(id.AnnouncedAt),
	}
}

func (h *PresenceHandler) Health(c *gin.Context) {
	resp := gin.H{
		"status":      "healthy",
		"timestamp":   utils.FormatTimestamp(utils.Now()),
		"uptime":      utils.Since(h.startedAt).Round(time.Second).String(),
		"connections": h.presence.ConnectionCount(),
	}
	if bg, ok := h.readiness.(backgroundResults); ok {
		if last := bg.LastResults(); len(last) > 0 {
			resp["checks"] = last
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PresenceHandler) Ready(c *gin.Context) {
	ready, dependencies := true, map[string]string{}
	if h.readiness != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.readyTimeout)
		defer cancel()
		ready, dependencies = h.readiness.ReadinessStatus(ctx)
	}

	if !ready {
		unavailable := apperrors.NewServiceUnavailableError("dependencies unhealthy")
		c.JSON(unavailable.HTTPStatus, gin.H{
			"status":       "not_ready",
			"error":        string(unavailable.Code),
			"timestamp":    utils.FormatTimestamp(utils.Now()),
			"dependencies": dependencies,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "ready",
		"timestamp":    utils.FormatTimestamp(utils.Now()),
		"dependencies": dependencies,
	})
}
