package registry

import (
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log := logrus.New()
	log.SetOutput(os.Stderr)
	r, err := New(t.TempDir(), log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestCreateGetList(t *testing.T) {
	r := newTestRegistry(t)
	id, err := r.Create(CreateRequest{
		Command:    []string{"/bin/sh", "-c", "sleep 1"},
		WorkingDir: os.TempDir(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	s, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.ID != id {
		t.Fatalf("s.ID = %s, want %s", s.ID, id)
	}

	list := r.List()
	if len(list) != 1 || list[0].ID != id {
		t.Fatalf("List() = %+v", list)
	}
	_ = r.Delete(id)
}

func TestCreateRejectsEmptyCommand(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Create(CreateRequest{WorkingDir: os.TempDir()}); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

func TestCreateRejectsMissingWorkingDir(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Create(CreateRequest{
		Command:    []string{"/bin/sh"},
		WorkingDir: "/does/not/exist-xyz",
	})
	if err == nil {
		t.Fatalf("expected error for missing workingDir")
	}
}

func TestDeleteUnknownIsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Delete("nope"); err == nil {
		t.Fatalf("expected NotFound error")
	}
}

func TestExternalRemovalTerminatesSession(t *testing.T) {
	r := newTestRegistry(t)
	id, err := r.Create(CreateRequest{Command: []string{"/bin/sh", "-c", "sleep 5"}, WorkingDir: os.TempDir()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if err := os.RemoveAll(sessionDir(r.root, id)); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session was not terminated after external control dir removal")
	}
	if _, err := r.Get(id); err == nil {
		t.Fatalf("expected session to be dropped from the registry")
	}
}

func TestCleanupExitedRemovesOnlyExited(t *testing.T) {
	r := newTestRegistry(t)
	exitedID, err := r.Create(CreateRequest{Command: []string{"/bin/sh", "-c", "exit 0"}, WorkingDir: os.TempDir()})
	if err != nil {
		t.Fatalf("Create exited: %v", err)
	}
	runningID, err := r.Create(CreateRequest{Command: []string{"/bin/sh", "-c", "sleep 5"}, WorkingDir: os.TempDir()})
	if err != nil {
		t.Fatalf("Create running: %v", err)
	}

	s, _ := r.Get(exitedID)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session never exited")
	}

	removed := r.CleanupExited()
	if len(removed) != 1 || removed[0] != exitedID {
		t.Fatalf("CleanupExited() = %v, want [%s]", removed, exitedID)
	}
	if _, err := r.Get(exitedID); err == nil {
		t.Fatalf("expected exited session to be gone")
	}
	if _, err := r.Get(runningID); err != nil {
		t.Fatalf("running session should remain: %v", err)
	}
	_ = r.Delete(runningID)
}
