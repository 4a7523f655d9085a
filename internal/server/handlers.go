package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"smartquery/internal/types"
)

type readRequest struct {
	Question string `json:"question" binding:"required"`
	Context  string `json:"context"`
	// Attachments are opaque references passed through as context; their
	// content is never parsed here.
	Attachments []string `json:"attachments"`
}

type writeRequest struct {
	Instruction string `json:"instruction" binding:"required"`
	Context     string `json:"context"`
}

func (s *Server) handleRead(c *gin.Context) {
	var req readRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, types.Wrap(types.KindValidationFailed, err, "body must carry a question"))
		return
	}

	conversation := req.Context
	if len(req.Attachments) > 0 {
		conversation += "\nAttached references: " + strings.Join(req.Attachments, ", ")
	}

	resp, err := s.reader.InterpretWithContext(c.Request.Context(), req.Question, conversation)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleWrite(c *gin.Context) {
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, types.Wrap(types.KindValidationFailed, err, "body must carry an instruction"))
		return
	}

	resp, err := s.writer.InterpretWithContext(c.Request.Context(), req.Instruction, req.Context)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePlanStart(c *gin.Context) {
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, types.Wrap(types.KindValidationFailed, err, "body must carry an instruction"))
		return
	}

	session := s.plans.Start(req.Instruction)
	c.JSON(http.StatusAccepted, gin.H{
		"session_id": session.ID(),
		"state":      session.State(),
	})
}

func (s *Server) handlePlanConfirm(c *gin.Context) {
	if err := s.plans.Confirm(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePlanCancel(c *gin.Context) {
	if err := s.plans.Cancel(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handlePlanEvents streams the session's events as SSE. The since_event_id
// query parameter resumes after the given event; buffered events replay
// first, then live events follow until the session terminates or the client
// disconnects.
func (s *Server) handlePlanEvents(c *gin.Context) {
	session, err := s.plans.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	var since uint64
	if raw := c.Query("since_event_id"); raw != "" {
		since, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(c, types.E(types.KindValidationFailed, "since_event_id must be a non-negative integer"))
			return
		}
	}

	replay, live, cancel := session.Attach(since)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	for _, ev := range replay {
		c.SSEvent(string(ev.Type), ev)
	}
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-live:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-clientGone:
			return false
		}
	})
}
