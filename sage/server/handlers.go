package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ZanzyTHEbar/csvsage/sage/conversation"
	"github.com/ZanzyTHEbar/csvsage/sage/dataset"
	"github.com/ZanzyTHEbar/csvsage/sage/harness"
	"github.com/ZanzyTHEbar/csvsage/sage/session"
)

type sessionResponse struct {
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
	dataset.Info
}

type queryRequest struct {
	Query string `json:"query" binding:"required"`
}

type queryResponse struct {
	Answer    string `json:"answer"`
	Turns     int    `json:"turns"`
	ToolCalls int    `json:"tool_calls"`
}

type historyResponse struct {
	SessionID string              `json:"session_id"`
	Turns     []conversation.Turn `json:"turns"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": s.manager.Len(),
	})
}

func (s *Server) createSession(c *gin.Context) {
	s.withUpload(c, func(filename string, f io.Reader) {
		sess, err := s.manager.Create(c.Request.Context(), filename, f)
		if err != nil {
			s.writeUploadError(c, err)
			return
		}
		c.JSON(http.StatusCreated, s.describe(sess))
	})
}

// resumeSession reopens a dropped session from its saved conversation over a new upload.
func (s *Server) resumeSession(c *gin.Context) {
	s.withUpload(c, func(filename string, f io.Reader) {
		sess, err := s.manager.Resume(c.Request.Context(), c.Param("id"), filename, f)
		if err != nil {
			s.writeUploadError(c, err)
			return
		}
		c.JSON(http.StatusOK, s.describe(sess))
	})
}

func (s *Server) withUpload(c *gin.Context, fn func(filename string, f io.Reader)) {
	if s.cfg.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes)
	}
	header, err := c.FormFile("file")
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit)})
		return
	}
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": session.UploadWarning})
		return
	}
	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read upload"})
		return
	}
	defer f.Close()
	fn(header.Filename, f)
}

func (s *Server) writeUploadError(c *gin.Context, err error) {
	var le *dataset.LoadError
	switch {
	case errors.As(err, &le):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": session.UploadWarning, "detail": le.Error()})
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrNoStore):
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Msg("session open failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create session"})
	}
}

func (s *Server) describe(sess *session.Session) sessionResponse {
	return sessionResponse{
		SessionID: sess.ID(),
		Filename:  sess.Filename(),
		Info:      sess.Dataset().Info(s.previewRows),
	}
}

func (s *Server) getSession(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.describe(sess))
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.manager.Close(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: query is required"})
		return
	}

	resp, err := s.manager.Ask(c.Request.Context(), c.Param("id"), req.Query)
	if err != nil {
		s.writeQueryError(c, err)
		return
	}
	c.JSON(http.StatusOK, queryResponse{
		Answer:    resp.Summary,
		Turns:     resp.Turns,
		ToolCalls: resp.ToolCalls,
	})
}

func (s *Server) writeQueryError(c *gin.Context, err error) {
	var oe *harness.OrchestratorError
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrEmptyQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrNoDataset):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": session.UploadWarning})
	case errors.As(err, &oe):
		s.logger.Warn().Err(err).Str("session_id", c.Param("id")).Msg("query failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": oe.Error(), "turn": oe.Turn})
	default:
		s.logger.Error().Err(err).Msg("query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
	}
}

func (s *Server) history(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, historyResponse{SessionID: sess.ID(), Turns: sess.History()})
}

func (s *Server) invokeTool(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	name := c.Param("name")
	registry := s.manager.Registry()
	if !registry.Has(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": registry.UnknownTool(name)})
		return
	}

	args, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
		return
	}
	if len(args) == 0 {
		args = []byte("{}")
	}
	if !json.Valid(args) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "arguments must be a JSON object"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tool":   name,
		"result": sess.Invoke(c.Request.Context(), name, args),
	})
}

func (s *Server) lookup(c *gin.Context) (*session.Session, bool) {
	sess, err := s.manager.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return sess, true
}
