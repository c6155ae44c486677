package handler

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/vtmux/vtmux/internal/apperr"
	"github.com/vtmux/vtmux/internal/recording"
	"github.com/vtmux/vtmux/internal/registry"
	"github.com/vtmux/vtmux/internal/session"
	"github.com/vtmux/vtmux/internal/termmodel"
)

var streamJSON = jsoniter.ConfigCompatibleWithStandardLibrary

func jsonMarshal(v interface{}) ([]byte, error) { return streamJSON.Marshal(v) }

// keepAliveInterval bounds how long an SSE stream may go silent
// before a comment frame is sent to keep intermediaries from closing
// the connection.
const keepAliveInterval = 15 * time.Second

// StreamHandler exposes a session's terminal output as SSE, a single
// binary BufferSnapshot, a JSON snapshot, or a debounced WebSocket
// push of snapshots.
type StreamHandler struct {
	*BaseHandler
	registry *registry.Registry
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a new stream handler over reg.
func NewStreamHandler(reg *registry.Registry) *StreamHandler {
	return &StreamHandler{
		BaseHandler: NewBaseHandler(),
		registry:    reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// sseWriter mirrors the teacher's process-log ResponseWriter: every
// frame is written as "data: <payload>\n\n" and flushed immediately.
type sseWriter struct {
	c *gin.Context
}

func (w *sseWriter) writeJSON(v interface{}) error {
	payload, err := jsonMarshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.c.Writer, "data: %s\n\n", payload); err != nil {
		return err
	}
	w.c.Writer.Flush()
	return nil
}

func (w *sseWriter) writeComment() error {
	if _, err := w.c.Writer.Write([]byte(":\n\n")); err != nil {
		return err
	}
	w.c.Writer.Flush()
	return nil
}

// HandleStream handles GET /api/sessions/:id/stream: it replays the
// on-disk recording up to the offset observed at subscribe time, then
// switches to live subscriber frames without gap or duplication.
func (h *StreamHandler) HandleStream(c *gin.Context) {
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

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
	w := &sseWriter{c: c}

	sub, offset := s.SubscribeAtOffset()
	defer sub.Close()

	exitSeen, err := h.replay(w, id, offset)
	if err != nil || exitSeen {
		return
	}

	ctx := c.Request.Context()
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-sub.C():
			if !ok {
				h.sendExitFrame(w, s, id)
				return
			}
			info := s.GetInfo()
			elapsed := time.Since(info.StartedAt).Seconds()
			if err := w.writeJSON([3]interface{}{elapsed, "o", string(chunk)}); err != nil {
				return
			}
		case <-ticker.C:
			if err := w.writeComment(); err != nil {
				return
			}
		}
	}
}

// replay streams the recording's header and every event it contains
// up to offset bytes of the file, the boundary SubscribeAtOffset
// guarantees does not overlap with live subscriber delivery. It
// reports whether the replayed range already reached the terminal
// exit line, in which case the caller stops there instead of reading
// the live subscription: that subscriber's channel is closed once the
// session has exited, and reading it would send a second exit frame.
func (h *StreamHandler) replay(w *sseWriter, id string, offset int64) (exitSeen bool, err error) {
	f, err := os.Open(h.registry.StreamPath(id))
	if err != nil {
		return false, err
	}
	defer f.Close()

	header, events, exit, err := recording.Read(io.LimitReader(f, offset))
	if err != nil && header.Version == 0 {
		return false, err
	}

	if err := w.writeJSON(map[string]interface{}{
		"type":    "header",
		"version": header.Version,
		"width":   header.Width,
		"height":  header.Height,
		"command": header.Command,
		"title":   header.Title,
	}); err != nil {
		return false, err
	}
	for _, ev := range events {
		if err := w.writeJSON([3]interface{}{ev.Seconds, string(ev.Kind), ev.Payload}); err != nil {
			return false, err
		}
	}
	if exit != nil {
		return true, w.writeJSON([3]interface{}{"exit", exit.ExitCode, exit.SessionID})
	}
	return false, nil
}

func (h *StreamHandler) sendExitFrame(w *sseWriter, s *session.Session, id string) {
	info := s.GetInfo()
	code := -1
	if info.ExitCode != nil {
		code = *info.ExitCode
	}
	_ = w.writeJSON([3]interface{}{"exit", code, id})
}

// HandleBuffer handles GET /api/sessions/:id/buffer: a single binary
// BufferSnapshot of the current screen.
func (h *StreamHandler) HandleBuffer(c *gin.Context) {
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
	snap := s.Snapshot()
	data := termmodel.Encode(snap)
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// snapshotResponse is the JSON body of GET .../snapshot.
type snapshotResponse struct {
	Lines  []string `json:"lines"`
	Cursor [2]int   `json:"cursor"`
	Cols   int      `json:"cols"`
	Rows   int      `json:"rows"`
}

// HandleSnapshot handles GET /api/sessions/:id/snapshot: a JSON text
// rendering of the current screen, for clients that don't want to
// parse the binary BufferSnapshot format.
func (h *StreamHandler) HandleSnapshot(c *gin.Context) {
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

	snap := s.Snapshot()
	lines := make([]string, len(snap.Lines))
	for y, row := range snap.Lines {
		buf := make([]rune, 0, len(row))
		for _, cell := range row {
			if cell.Trailer {
				continue
			}
			r := cell.Rune
			if r == 0 {
				r = ' '
			}
			buf = append(buf, r)
			buf = append(buf, cell.Combining...)
		}
		lines[y] = string(buf)
	}

	h.SendJSON(c, http.StatusOK, snapshotResponse{
		Lines:  lines,
		Cursor: [2]int{snap.CursorX, snap.CursorY},
		Cols:   snap.Cols,
		Rows:   snap.Rows,
	})
}

// bufferPushMinInterval and bufferPushMaxInterval bound the rate of
// the optional WebSocket snapshot push: never faster than the min, so
// a burst of output doesn't flood the socket, and never slower than
// the max, so an idle screen still looks live.
const (
	bufferPushMinInterval = 16 * time.Millisecond
	bufferPushMaxInterval = 250 * time.Millisecond
)

// HandleBufferWebSocket handles GET /api/sessions/:id/buffer/ws: an
// optional push variant of /buffer that sends a new BufferSnapshot
// whenever output arrives, debounced between bufferPushMinInterval
// and bufferPushMaxInterval. A full socket buffer drops the
// subscriber; the session itself is unaffected.
func (h *StreamHandler) HandleBufferWebSocket(c *gin.Context) {
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

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.Subscribe()
	defer sub.Close()

	minTimer := time.NewTimer(0)
	maxTimer := time.NewTimer(bufferPushMaxInterval)
	defer minTimer.Stop()
	defer maxTimer.Stop()

	pending := true
	push := func() bool {
		data := termmodel.Encode(s.Snapshot())
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return false
		}
		pending = false
		minTimer.Reset(bufferPushMinInterval)
		maxTimer.Reset(bufferPushMaxInterval)
		return true
	}

	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				push()
				return
			}
			pending = true
		case <-minTimer.C:
			if pending {
				if !push() {
					return
				}
			}
		case <-maxTimer.C:
			if !push() {
				return
			}
		}
	}
}
