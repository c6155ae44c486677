package ptyhost

import (
	"bufio"
	"strings"
	"testing"
	"time"
)

func TestStartEchoAndExit(t *testing.T) {
	h, err := Start(Spawn{
		Command: []string{"/bin/sh", "-c", "echo hello; exit 3"},
		Cols:    80,
		Rows:    24,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	scanner := bufio.NewScanner(h)
	found := false
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "hello") {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected output to contain hello")
	}

	code, err := h.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
}

func TestResizeAfterClose(t *testing.T) {
	h, err := Start(Spawn{Command: []string{"/bin/sleep", "5"}, Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Resize(100, 40); err != ErrClosed {
		t.Fatalf("Resize after close = %v, want ErrClosed", err)
	}

	select {
	case <-h.Done():
		t.Fatalf("Done closed before Wait was called")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestBuildEnvOverridesWin(t *testing.T) {
	env := buildEnv(map[string]string{"FOO": "bar"}, "")
	hasFoo := false
	for _, kv := range env {
		if kv == "FOO=bar" {
			hasFoo = true
		}
	}
	if !hasFoo {
		t.Fatalf("expected FOO=bar in built env")
	}
}
