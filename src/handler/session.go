package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vtmux/vtmux/internal/apperr"
	"github.com/vtmux/vtmux/internal/registry"
	"github.com/vtmux/vtmux/internal/session"
)

// SessionHandler exposes the session registry over REST.
type SessionHandler struct {
	*BaseHandler
	registry *registry.Registry
}

// NewSessionHandler creates a new session handler over reg.
func NewSessionHandler(reg *registry.Registry) *SessionHandler {
	return &SessionHandler{BaseHandler: NewBaseHandler(), registry: reg}
}

// specialKeys maps the /input specialKey field to its byte sequence.
var specialKeys = map[string][]byte{
	"enter":      {'\r'},
	"tab":        {'\t'},
	"escape":     {0x1B},
	"arrow_up":   {0x1B, '[', 'A'},
	"arrow_down": {0x1B, '[', 'B'},
	"arrow_right": {0x1B, '[', 'C'},
	"arrow_left": {0x1B, '[', 'D'},
	"backspace":  {0x7F},
}

func init() {
	for c := byte('a'); c <= 'z'; c++ {
		specialKeys["ctrl_"+string(c)] = []byte{c - 'a' + 1}
	}
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	Command    []string          `json:"command" binding:"required"`
	WorkingDir string            `json:"workingDir" binding:"required"`
	Name       string            `json:"name"`
	Env        map[string]string `json:"env"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	Term       string            `json:"term"`
}

// CreateSessionResponse is the body of the 201 returned by Create.
type CreateSessionResponse struct {
	ID string `json:"id"`
}

// HandleCreate handles POST /api/sessions.
func (h *SessionHandler) HandleCreate(c *gin.Context) {
	var req CreateSessionRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendAppError(c, apperr.Wrap(apperr.BadRequest, "invalid request body", err))
		return
	}

	id, err := h.registry.Create(registry.CreateRequest{
		Command:    req.Command,
		WorkingDir: req.WorkingDir,
		Name:       req.Name,
		Env:        req.Env,
		Width:      req.Width,
		Height:     req.Height,
		Term:       req.Term,
	})
	if err != nil {
		h.SendAppError(c, err)
		return
	}
	h.SendJSON(c, http.StatusCreated, CreateSessionResponse{ID: id})
}

// HandleList handles GET /api/sessions.
func (h *SessionHandler) HandleList(c *gin.Context) {
	h.SendJSON(c, http.StatusOK, h.registry.List())
}

// HandleGet handles GET /api/sessions/:id.
func (h *SessionHandler) HandleGet(c *gin.Context) {
	id, err := h.GetPathParam(c, "id")
	if err != nil {
		h.SendAppError(c, apperr.Wrap(apperr.BadRequest, "missing id", err))
		return
	}
	s, err := h.registry.Get(id)
	if err != nil {
		h.SendAppError(c, err)
		return
	}
	h.SendJSON(c, http.StatusOK, s.GetInfo())
}

// HandleDelete handles DELETE /api/sessions/:id. Deleting an unknown
// id is reported as a no-op 200, matching the idempotent contract.
func (h *SessionHandler) HandleDelete(c *gin.Context) {
	id, err := h.GetPathParam(c, "id")
	if err != nil {
		h.SendAppError(c, apperr.Wrap(apperr.BadRequest, "missing id", err))
		return
	}
	if err := h.registry.Delete(id); err != nil {
		if kind, ok := apperr.KindOf(err); ok && kind == apperr.NotFound {
			h.SendJSON(c, http.StatusOK, gin.H{})
			return
		}
		h.SendAppError(c, err)
		return
	}
	h.SendJSON(c, http.StatusOK, gin.H{})
}

// InputRequest is the body of POST /api/sessions/:id/input.
type InputRequest struct {
	Text       string `json:"text"`
	SpecialKey string `json:"specialKey"`
}

// HandleInput handles POST /api/sessions/:id/input.
func (h *SessionHandler) HandleInput(c *gin.Context) {
	id, err := h.GetPathParam(c, "id")
	if err != nil {
		h.SendAppError(c, apperr.Wrap(apperr.BadRequest, "missing id", err))
		return
	}
	s, err := h.registry.Get(id)
	if err != nil {
		h.SendAppError(c, err)
		return
	}

	var req InputRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendAppError(c, apperr.Wrap(apperr.BadRequest, "invalid request body", err))
		return
	}

	var payload []byte
	switch {
	case req.SpecialKey != "":
		seq, ok := specialKeys[req.SpecialKey]
		if !ok {
			h.SendAppError(c, apperr.New(apperr.BadRequest, "unknown specialKey: "+req.SpecialKey))
			return
		}
		payload = seq
	case req.Text != "":
		payload = []byte(req.Text)
	default:
		h.SendAppError(c, apperr.New(apperr.BadRequest, "text or specialKey required"))
		return
	}

	if err := s.WriteInput(payload); err != nil {
		if err == session.ErrNotRunning {
			h.SendAppError(c, apperr.Wrap(apperr.Conflict, "session not running", err))
			return
		}
		h.SendAppError(c, apperr.Wrap(apperr.IoFailure, "write input failed", err))
		return
	}
	h.SendJSON(c, http.StatusOK, gin.H{})
}

// ResizeRequest is the body of POST /api/sessions/:id/resize.
type ResizeRequest struct {
	Cols int `json:"cols" binding:"required"`
	Rows int `json:"rows" binding:"required"`
}

// HandleResize handles POST /api/sessions/:id/resize.
func (h *SessionHandler) HandleResize(c *gin.Context) {
	id, err := h.GetPathParam(c, "id")
	if err != nil {
		h.SendAppError(c, apperr.Wrap(apperr.BadRequest, "missing id", err))
		return
	}
	s, err := h.registry.Get(id)
	if err != nil {
		h.SendAppError(c, err)
		return
	}

	var req ResizeRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendAppError(c, apperr.Wrap(apperr.BadRequest, "invalid request body", err))
		return
	}

	if err := s.Resize(req.Cols, req.Rows); err != nil {
		switch err {
		case session.ErrBadSize:
			h.SendAppError(c, apperr.Wrap(apperr.BadRequest, "cols and rows must be >= 1", err))
		case session.ErrNotRunning:
			h.SendAppError(c, apperr.Wrap(apperr.Conflict, "session not running", err))
		default:
			h.SendAppError(c, apperr.Wrap(apperr.IoFailure, "resize failed", err))
		}
		return
	}
	h.SendJSON(c, http.StatusOK, gin.H{})
}

// CleanupExitedResponse is the body of the 200 returned by cleanup-exited.
type CleanupExitedResponse struct {
	Removed []string `json:"removed"`
}

// HandleCleanupExited handles POST /api/cleanup-exited.
func (h *SessionHandler) HandleCleanupExited(c *gin.Context) {
	removed := h.registry.CleanupExited()
	if removed == nil {
		removed = []string{}
	}
	h.SendJSON(c, http.StatusOK, CleanupExitedResponse{Removed: removed})
}
