package admin

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/danmuck/workerbus/internal/controller"
	"github.com/danmuck/workerbus/internal/protocol/frame"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ActionResponse is the body of POST /actions/:action.
type ActionResponse struct {
	ID      uint64          `json:"id"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
	Error   *frame.Fault    `json:"error"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(s.Appeared).String(),
		"service": s.Name,
		"bus":     s.bus.ID(),
		"version": version,
	})
}

func (s *Server) handleReady(c *gin.Context) {
	ready := true
	select {
	case <-s.bus.Done():
		ready = false
	default:
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"ready":   ready,
		"uptime":  time.Since(s.Appeared).String(),
		"service": s.Name,
		"version": version,
	})
}

func (s *Server) handlePending(c *gin.Context) {
	pending := s.bus.Pending()
	c.JSON(http.StatusOK, gin.H{
		"count":   len(pending),
		"pending": pending,
	})
}

func (s *Server) handleAction(c *gin.Context) {
	action := frame.Canonical(c.Param("action"))
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var payload any
	if len(body) > 0 {
		if !json.Valid(body) {
			c.JSON(http.StatusBadRequest, gin.H{"error": frame.ErrInvalidPayload.Error()})
			return
		}
		payload = json.RawMessage(body)
	}

	var opts []controller.RequestOption
	if s.timeout > 0 {
		opts = append(opts, controller.WithTimeout(s.timeout))
	}
	f, err := s.bus.Request(c.Request.Context(), action, payload, opts...)
	if err != nil {
		status := actionStatus(err)
		log.Warn().Str("node", s.Name).Str("action", action).Int("status", status).Err(err).Msg("bus request failed")
		c.JSON(status, gin.H{"error": err.Error(), "action": action})
		return
	}
	c.JSON(http.StatusOK, ActionResponse{
		ID:      f.ID,
		Action:  f.Action,
		Payload: f.Payload,
		Error:   f.Error,
	})
}

func actionStatus(err error) int {
	switch {
	case errors.Is(err, controller.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, controller.ErrReservedAction), errors.Is(err, frame.ErrEmptyAction):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// handleEvents streams broadcasts of one action as server-sent events until
// the client goes away or the bus closes.
func (s *Server) handleEvents(c *gin.Context) {
	action := frame.Canonical(c.Param("action"))
	events := make(chan frame.Frame, eventBuffer)
	sub := s.bus.Subscribe(action, func(f frame.Frame) {
		select {
		case events <- f:
		default:
			log.Warn().Str("node", s.Name).Str("action", action).Msg("event stream full, dropping broadcast")
		}
	})
	defer sub.Unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case f := <-events:
			c.SSEvent(f.Action, ActionResponse{Action: f.Action, Payload: f.Payload, Error: f.Error})
			return true
		case <-ctx.Done():
			return false
		case <-s.bus.Done():
			return false
		}
	})
}
