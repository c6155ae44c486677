// Package registry implements the process-wide session directory:
// create/lookup/list/delete plus the on-disk control directory and
// reconcile-on-start scan. It serializes create/delete against
// concurrent lookups; list returns a consistent snapshot.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vtmux/vtmux/internal/apperr"
	"github.com/vtmux/vtmux/internal/session"
)

// CreateRequest mirrors POST /api/sessions.
type CreateRequest struct {
	Command    []string
	WorkingDir string
	Name       string
	Env        map[string]string
	Width      int
	Height     int
	Term       string
}

// Registry is the single in-process directory of live sessions. It is
// constructed once by main and threaded through the HTTP handlers —
// no package-level singleton.
type Registry struct {
	root string
	log  *logrus.Logger

	mu       sync.RWMutex
	sessions map[string]*session.Session

	watcher *fsnotify.Watcher
}

// New creates a Registry rooted at controlPath, creating the directory
// if necessary, and reconciles any leftover control directories from a
// prior process.
func New(controlPath string, log *logrus.Logger) (*Registry, error) {
	if err := os.MkdirAll(controlPath, 0o755); err != nil {
		return nil, fmt.Errorf("registry: create control path: %w", err)
	}
	r := &Registry{root: controlPath, log: log, sessions: make(map[string]*session.Session)}
	r.reconcileOnStart()
	r.startWatcher()
	return r, nil
}

// startWatcher watches the control directory root for externally
// removed session directories (an operator running rm -rf, or a
// competing process cleaning up) and force-terminates the matching
// in-memory session so the registry never serves a session whose
// control directory is gone. Failure to start the watcher is
// non-fatal: reconcileOnStart already covers the case where the
// process restarts entirely.
func (r *Registry) startWatcher() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		r.log.WithError(err).Warn("control directory watcher unavailable")
		return
	}
	if err := w.Add(r.root); err != nil {
		r.log.WithError(err).Warn("failed to watch control directory")
		w.Close()
		return
	}
	r.watcher = w
	go r.watchLoop()
}

func (r *Registry) watchLoop() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Remove == 0 {
				continue
			}
			r.handleExternalRemoval(filepath.Base(event.Name))
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.WithError(err).Warn("control directory watcher error")
		}
	}
}

func (r *Registry) handleExternalRemoval(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.log.WithField("session", id).Warn("control directory removed externally, terminating session")
	_ = s.Close()
}

// reconcileOnStart scans the control directory. A prior server's
// sessions are never re-adopted as live processes; each directory
// lacking an exit marker gets one written so on-disk state reflects
// reality. It does not populate the in-memory map — those sessions no
// longer have a SessionCore in this process.
func (r *Registry) reconcileOnStart() {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		if _, err := os.Stat(exitPath(r.root, id)); err == nil {
			continue
		}
		if err := writeExitMarker(r.root, id, -1); err != nil {
			r.log.WithError(err).WithField("session", id).Warn("failed to write orphan exit marker")
		}
	}
}

// Create spawns a new session, persists its control directory, and
// registers it. On spawn failure no on-disk directory is left behind.
func (r *Registry) Create(req CreateRequest) (string, error) {
	if len(req.Command) == 0 {
		return "", apperr.New(apperr.BadRequest, "command must not be empty")
	}
	if req.WorkingDir == "" {
		return "", apperr.New(apperr.BadRequest, "workingDir must not be empty")
	}
	if info, err := os.Stat(req.WorkingDir); err != nil || !info.IsDir() {
		return "", apperr.New(apperr.BadRequest, "workingDir does not exist")
	}
	width, height := req.Width, req.Height
	if width <= 0 {
		width = 80
	}
	if height <= 0 {
		height = 24
	}
	term := req.Term
	if term == "" {
		term = "xterm-256color"
	}

	id := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := createControlDir(r.root, id); err != nil {
		return "", apperr.Wrap(apperr.IoFailure, "create control directory", err)
	}

	cfg := session.Config{
		ID:         id,
		Name:       req.Name,
		Command:    req.Command,
		WorkingDir: req.WorkingDir,
		Env:        req.Env,
		Term:       term,
		Cols:       width,
		Rows:       height,
	}

	sess, err := session.New(cfg, streamPath(r.root, id))
	if err != nil {
		removeControlDir(r.root, id)
		return "", apperr.Wrap(apperr.SpawnFailure, "spawn failed", err)
	}

	sess.OnExit = func(code int) {
		if werr := writeExitMarker(r.root, id, code); werr != nil {
			r.log.WithError(werr).WithField("session", id).Warn("failed to write exit marker")
		}
		if werr := writeMeta(r.root, id, sess.GetInfo()); werr != nil {
			r.log.WithError(werr).WithField("session", id).Warn("failed to persist exit meta")
		}
	}

	r.sessions[id] = sess
	if err := writeMeta(r.root, id, sess.GetInfo()); err != nil {
		r.log.WithError(err).WithField("session", id).Warn("failed to persist initial meta")
	}
	return id, nil
}

// StreamPath returns the on-disk recording path for id, for replay by
// the stream handler. It does not check that id is a live session.
func (r *Registry) StreamPath(id string) string {
	return streamPath(r.root, id)
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "unknown session")
	}
	return s, nil
}

// List returns descriptors for every known session, sorted by
// startedAt descending.
func (r *Registry) List() []session.Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]session.Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.GetInfo())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.After(infos[j].StartedAt)
	})
	return infos
}

// Delete terminates (if running) and removes the session, both
// in-memory and on disk. Deleting an unknown or already-removed id
// returns NotFound; the HTTP handler reports that as a no-op 200, which
// is what makes DELETE idempotent.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return apperr.New(apperr.NotFound, "unknown session")
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	if s.Status() != session.StatusExited {
		if err := s.Stop(3 * time.Second); err != nil {
			r.log.WithError(err).WithField("session", id).Warn("graceful stop failed")
		}
		_ = s.Close()
	}
	return removeControlDir(r.root, id)
}

// Close stops the control directory watcher. It does not touch any
// live session; callers that want a clean shutdown should Delete each
// session first.
func (r *Registry) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// CleanupExited removes every exited session from memory and disk,
// returning the ids removed.
func (r *Registry) CleanupExited() []string {
	r.mu.Lock()
	var toRemove []string
	for id, s := range r.sessions {
		if s.Status() == session.StatusExited {
			toRemove = append(toRemove, id)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, id := range toRemove {
		if err := removeControlDir(r.root, id); err != nil {
			r.log.WithError(err).WithField("session", id).Warn("cleanup failed to remove control dir")
		}
	}
	return toRemove
}
