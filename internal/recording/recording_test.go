package recording

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.out")

	w, err := Create(path, Header{Width: 80, Height: 24, Command: []string{"/bin/sh"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.Output([]byte("hello\n")); err != nil {
		t.Fatalf("Output: %v", err)
	}
	if err := w.Resize(100, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if err := w.Input([]byte("ls\n")); err != nil {
		t.Fatalf("Input: %v", err)
	}
	if err := w.Exit(0, "sess-1"); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	header, events, exit, err := Read(f)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if header.Width != 80 || header.Height != 24 {
		t.Fatalf("header dims = %dx%d, want 80x24", header.Width, header.Height)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	if events[0].Kind != EventOutput || events[0].Payload != "hello\n" {
		t.Fatalf("events[0] = %+v", events[0])
	}
	if events[1].Kind != EventResize || events[1].Payload != "100x40" {
		t.Fatalf("events[1] = %+v", events[1])
	}
	if events[2].Kind != EventInput || events[2].Payload != "ls\n" {
		t.Fatalf("events[2] = %+v", events[2])
	}
	if exit == nil || exit.ExitCode != 0 || exit.SessionID != "sess-1" {
		t.Fatalf("exit = %+v", exit)
	}
}

func TestExitIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.out")
	w, err := Create(path, Header{Width: 10, Height: 10})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.Exit(1, "a"); err != nil {
		t.Fatalf("first Exit: %v", err)
	}
	if err := w.Exit(1, "a"); err != nil {
		t.Fatalf("second Exit: %v", err)
	}
	if err := w.Output([]byte("x")); err != os.ErrClosed {
		t.Fatalf("Output after exit = %v, want ErrClosed", err)
	}
}
