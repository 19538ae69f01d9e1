package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dyluth/guild/internal/runtime"
	"github.com/dyluth/guild/pkg/guild"
	"github.com/dyluth/guild/pkg/message"
)

// CreateResponse is returned by POST /api/guilds.
type CreateResponse struct {
	ID string `json:"id"`
}

// StatusRequest is the body of PATCH /api/guilds/{id}/status.
type StatusRequest struct {
	Status string `json:"status"`
}

// PublishRequest is the body of POST /api/guilds/{id}/messages.
type PublishRequest struct {
	Sender        *message.AgentTag  `json:"sender,omitempty"`
	Format        string             `json:"format,omitempty"`
	Payload       json.RawMessage    `json:"payload"`
	Topics        []string           `json:"topics,omitempty"`
	RecipientList []message.AgentTag `json:"recipient_list,omitempty"`
	Priority      *message.Priority  `json:"priority,omitempty"`
	InResponseTo  message.ID         `json:"in_response_to,omitempty"`
	ThreadID      message.ID         `json:"current_thread_id,omitempty"`
}

// PublishResponse is returned by POST /api/guilds/{id}/messages.
type PublishResponse struct {
	ID       message.ID `json:"id"`
	ThreadID message.ID `json:"current_thread_id"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status        string `json:"status"`
	Store         string `json:"store"`
	GuildsRunning int    `json:"guilds_running"`
	Uptime        string `json:"uptime"`
	Error         string `json:"error,omitempty"`
}

// decode reads a JSON body of at most maxBody bytes strictly into v.
func (s *Server) decode(c *gin.Context, v any) error {
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return tooLarge
		}
		return &guild.ValidationError{Field: "body", Reason: err.Error()}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &guild.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func (s *Server) createGuild(c *gin.Context) {
	var spec guild.GuildSpec
	if err := s.decode(c, &spec); err != nil {
		s.fail(c, err)
		return
	}
	created, err := s.manager.Create(c.Request.Context(), spec)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, CreateResponse{ID: created.ID})
}

func (s *Server) listGuilds(c *gin.Context) {
	specs, err := s.manager.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if specs == nil {
		specs = []*guild.GuildSpec{}
	}
	c.JSON(http.StatusOK, specs)
}

func (s *Server) getGuild(c *gin.Context) {
	spec, err := s.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, spec)
}

func (s *Server) updateStatus(c *gin.Context) {
	var req StatusRequest
	if err := s.decode(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	spec, err := s.manager.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, spec)
}

func (s *Server) deleteGuild(c *gin.Context) {
	if err := s.manager.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) publish(c *gin.Context) {
	var req PublishRequest
	if err := s.decode(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	if len(req.Payload) == 0 {
		s.fail(c, &guild.ValidationError{Field: "payload", Reason: "is required"})
		return
	}

	pr := runtime.PublishRequest{
		Format:       req.Format,
		Payload:      req.Payload,
		Topics:       req.Topics,
		Recipients:   req.RecipientList,
		Priority:     req.Priority,
		InResponseTo: req.InResponseTo,
		ThreadID:     req.ThreadID,
	}
	if req.Sender != nil {
		pr.Sender = *req.Sender
	}

	env, err := s.manager.Publish(c.Request.Context(), c.Param("id"), pr)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, PublishResponse{ID: env.ID, ThreadID: env.ThreadID()})
}

func (s *Server) agents(c *gin.Context) {
	states, err := s.manager.Agents(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, states)
}

func (s *Server) addAgent(c *gin.Context) {
	var spec guild.AgentSpec
	if err := s.decode(c, &spec); err != nil {
		s.fail(c, err)
		return
	}
	added, err := s.manager.AddAgent(c.Request.Context(), c.Param("id"), spec)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, added)
}

func (s *Server) getAgent(c *gin.Context) {
	agent, err := s.manager.GetAgent(c.Request.Context(), c.Param("id"), c.Param("agent_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) removeAgent(c *gin.Context) {
	if err := s.manager.RemoveAgent(c.Request.Context(), c.Param("id"), c.Param("agent_id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// health returns 200 when the store answers a ping, 503 otherwise.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:        "healthy",
		Store:         "connected",
		GuildsRunning: len(s.manager.Running()),
		Uptime:        time.Since(s.started).Round(time.Second).String(),
	}

	if err := s.manager.Service().Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Store = "disconnected"
		response.Error = fmt.Sprintf("store ping failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}
