package registry

import (
	"os"
	"path/filepath"
	"syscall"

	jsoniter "github.com/json-iterator/go"

	"github.com/vtmux/vtmux/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	metaFile  = "meta.json"
	streamOut = "stream.out"
	stdinFifo = "stdin"
	exitFile  = "exit"
)

func sessionDir(root, id string) string { return filepath.Join(root, id) }

func metaPath(root, id string) string  { return filepath.Join(sessionDir(root, id), metaFile) }
func streamPath(root, id string) string { return filepath.Join(sessionDir(root, id), streamOut) }
func stdinPath(root, id string) string { return filepath.Join(sessionDir(root, id), stdinFifo) }
func exitPath(root, id string) string  { return filepath.Join(sessionDir(root, id), exitFile) }

// createControlDir makes the per-session directory and its stdin FIFO.
func createControlDir(root, id string) error {
	dir := sessionDir(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := syscall.Mkfifo(stdinPath(root, id), 0o600); err != nil {
		os.RemoveAll(dir)
		return err
	}
	return nil
}

// writeMeta persists a session.Info to meta.json, overwriting it.
func writeMeta(root, id string, info session.Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	tmp := metaPath(root, id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, metaPath(root, id))
}

type exitMarker struct {
	ExitCode int `json:"exitCode"`
}

func writeExitMarker(root, id string, code int) error {
	data, err := json.Marshal(exitMarker{ExitCode: code})
	if err != nil {
		return err
	}
	return os.WriteFile(exitPath(root, id), data, 0o644)
}

func removeControlDir(root, id string) error {
	return os.RemoveAll(sessionDir(root, id))
}
