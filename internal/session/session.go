// Package session implements the per-session state machine: it wires
// a ptyhost.Host to a recording.Writer and a termmodel.Model, and
// fans output out to bounded subscriber channels without ever
// blocking on a slow consumer.
package session

import (
	"errors"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/vtmux/vtmux/internal/ptyhost"
	"github.com/vtmux/vtmux/internal/recording"
	"github.com/vtmux/vtmux/internal/termmodel"
)

var (
	sigterm os.Signal = syscall.SIGTERM
	sigkill os.Signal = syscall.SIGKILL
)

// Status is one of the three SessionCore states. It is monotonic:
// StatusStarting -> StatusRunning -> StatusExited, never reversed.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
)

// waitingIdleThreshold is how long the output stream must be idle
// while the child is running before Waiting is reported true. This is
// an observability heuristic only; it never affects Status.
const waitingIdleThreshold = 500 * time.Millisecond

const (
	subscriberBufferSize = 64
	readChunkSize        = 64 * 1024
)

var (
	ErrNotRunning = errors.New("session: not running")
	ErrBadSize    = errors.New("session: invalid size")
)

// Config describes how to spawn a session's child process.
type Config struct {
	ID         string
	Name       string
	Command    []string
	WorkingDir string
	Env        map[string]string
	Term       string
	Cols, Rows int
}

// Subscriber receives raw output bytes as they are produced.
type Subscriber struct {
	ch      chan []byte
	session *Session
	once    sync.Once
}

// C returns the channel to read output from. It is closed when the
// subscriber is dropped (explicitly, for being slow, or because the
// session exited).
func (s *Subscriber) C() <-chan []byte { return s.ch }

// Close unsubscribes; safe to call multiple times.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.session.unsubscribe(s)
	})
}

// Session is one spawned child process plus its recording, terminal
// model, and subscriber fan-out.
type Session struct {
	ID     string
	Config Config

	host  *ptyhost.Host
	model *termmodel.Model
	rec   *recording.Writer

	mu          sync.RWMutex
	status      Status
	exitCode    int
	startedAt   time.Time
	lastOutput  time.Time
	waiting     bool
	recTruncated bool

	subMu    sync.Mutex
	subs     map[*Subscriber]struct{}
	subsDone bool

	cmdQueue chan func()
	doneCh   chan struct{}

	// OnExit, if set, is called once after the producer loop observes
	// the child exit and state has transitioned to StatusExited.
	OnExit func(exitCode int)
}

// New spawns the child process described by cfg, attaches a PTY and a
// recording writer at recordingPath, and starts the producer loop.
// Spawn failures return synchronously and leave no running goroutine.
func New(cfg Config, recordingPath string) (*Session, error) {
	s := &Session{
		ID:       cfg.ID,
		Config:   cfg,
		status:   StatusStarting,
		subs:     make(map[*Subscriber]struct{}),
		cmdQueue: make(chan func(), 32),
		doneCh:   make(chan struct{}),
	}

	s.model = termmodel.NewModel(cfg.Cols, cfg.Rows, s.respond)

	rec, err := recording.Create(recordingPath, recording.Header{
		Width:     cfg.Cols,
		Height:    cfg.Rows,
		Timestamp: time.Now().Unix(),
		Command:   cfg.Command,
		Title:     cfg.Name,
	})
	if err != nil {
		return nil, err
	}
	s.rec = rec

	host, err := ptyhost.Start(ptyhost.Spawn{
		Command:    cfg.Command,
		WorkingDir: cfg.WorkingDir,
		Env:        cfg.Env,
		Term:       cfg.Term,
		Cols:       uint16(cfg.Cols),
		Rows:       uint16(cfg.Rows),
	})
	if err != nil {
		rec.Close()
		return nil, err
	}
	s.host = host
	s.startedAt = time.Now()
	s.lastOutput = s.startedAt

	s.mu.Lock()
	s.status = StatusRunning
	s.mu.Unlock()

	go s.producerLoop()
	return s, nil
}

// producerLoop is the single goroutine that owns the PTY: it reads
// output, feeds the recorder and terminal model, broadcasts to
// subscribers, and drains the command queue for input/resize so every
// mutation is serialized against reads and against each other.
func (s *Session) producerLoop() {
	buf := make([]byte, readChunkSize)
	readErrCh := make(chan error, 1)
	dataCh := make(chan []byte)

	go func() {
		for {
			n, err := s.host.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				dataCh <- chunk
			}
			if err != nil {
				readErrCh <- err
				return
			}
		}
	}()

	for {
		select {
		case cmd := <-s.cmdQueue:
			cmd()
		case chunk := <-dataCh:
			s.handleOutput(chunk)
		case <-readErrCh:
			s.finish()
			return
		}
	}
}

func (s *Session) handleOutput(chunk []byte) {
	s.mu.Lock()
	s.lastOutput = time.Now()
	s.waiting = false
	s.mu.Unlock()

	s.model.Feed(chunk)
	if err := s.rec.Output(chunk); err != nil {
		s.mu.Lock()
		s.recTruncated = true
		s.mu.Unlock()
	}
	s.broadcast(chunk)
}

func (s *Session) finish() {
	code, _ := s.host.Wait()
	s.mu.Lock()
	s.status = StatusExited
	s.exitCode = code
	s.waiting = false
	s.mu.Unlock()

	_ = s.rec.Exit(code, s.ID)
	s.broadcastAndClose()
	close(s.doneCh)
	if s.OnExit != nil {
		s.OnExit(code)
	}
}

// WriteInput queues input to be written to the child's stdin in
// server-receive order. It round-trips through the command queue so
// concurrent callers are serialized.
func (s *Session) WriteInput(data []byte) error {
	return s.writeInput(data, true)
}

// respond answers a terminal query (OSC 10/11 color reports) generated
// by the model while it is being fed from the producer loop. Feed is
// always called synchronously from that same goroutine, so routing the
// reply through writeInput would enqueue onto cmdQueue and then block
// waiting for the producer loop to drain it — the producer loop it is
// currently blocking. Writing straight to the host is safe here
// because the producer loop is the only writer active at this instant.
func (s *Session) respond(b []byte) {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()
	if status == StatusExited {
		return
	}
	_, _ = s.host.Write(b)
}

func (s *Session) writeInput(data []byte, record bool) error {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()
	if status == StatusExited {
		return ErrNotRunning
	}

	done := make(chan error, 1)
	select {
	case s.cmdQueue <- func() {
		_, err := s.host.Write(data)
		if err == nil && record {
			_ = s.rec.Input(data)
		}
		done <- err
	}:
	case <-s.doneCh:
		return ErrNotRunning
	}

	select {
	case err := <-done:
		return err
	case <-s.doneCh:
		return ErrNotRunning
	}
}

// Resize changes the PTY and terminal model size. Identical dimensions
// are a no-op: no resize event is recorded.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return ErrBadSize
	}
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()
	if status == StatusExited {
		return ErrNotRunning
	}

	done := make(chan error, 1)
	select {
	case s.cmdQueue <- func() {
		if cols == s.Config.Cols && rows == s.Config.Rows {
			done <- nil
			return
		}
		if err := s.host.Resize(uint16(cols), uint16(rows)); err != nil {
			done <- err
			return
		}
		s.model.Resize(cols, rows)
		s.mu.Lock()
		s.Config.Cols, s.Config.Rows = cols, rows
		s.mu.Unlock()
		_ = s.rec.Resize(cols, rows)
		done <- nil
	}:
	case <-s.doneCh:
		return ErrNotRunning
	}

	select {
	case err := <-done:
		return err
	case <-s.doneCh:
		return ErrNotRunning
	}
}

// Stop requests graceful termination (SIGTERM) and, if the process is
// still alive after grace, escalates to SIGKILL.
func (s *Session) Stop(grace time.Duration) error {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()
	if status == StatusExited {
		return nil
	}
	if err := s.host.Signal(sigterm); err != nil {
		return err
	}
	select {
	case <-s.doneCh:
		return nil
	case <-time.After(grace):
	}
	return s.host.Signal(sigkill)
}

// Snapshot returns the current terminal screen as a BufferSnapshot.
func (s *Session) Snapshot() termmodel.Snapshot {
	return s.model.Snapshot()
}

// Subscribe registers a new output subscriber with a bounded buffer. A
// subscriber created after the session has already finished broadcasting
// (broadcastAndClose already ran) is handed back with its channel closed,
// so callers never block forever waiting on a subscription that will
// never be signaled.
func (s *Session) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan []byte, subscriberBufferSize), session: s}
	s.subMu.Lock()
	if s.subsDone {
		s.subMu.Unlock()
		close(sub.ch)
		return sub
	}
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
	return sub
}

// SubscribeAtOffset registers a subscriber and reports the recording
// size at the instant the subscription became live, both performed as
// one step on the producer loop so no byte produced before the
// returned offset is ever also delivered live, and no byte produced
// after it is lost.
func (s *Session) SubscribeAtOffset() (*Subscriber, int64) {
	type result struct {
		sub  *Subscriber
		size int64
	}
	done := make(chan result, 1)
	op := func() {
		done <- result{sub: s.Subscribe(), size: s.rec.Size()}
	}
	select {
	case s.cmdQueue <- op:
	case <-s.doneCh:
		return s.Subscribe(), s.rec.Size()
	}
	select {
	case r := <-done:
		return r.sub, r.size
	case <-s.doneCh:
		return s.Subscribe(), s.rec.Size()
	}
}

func (s *Session) unsubscribe(sub *Subscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

// broadcast is lock-light and non-blocking: a full subscriber buffer
// means that subscriber is slow, so it is dropped and closed rather
// than backing up the producer.
func (s *Session) broadcast(chunk []byte) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		select {
		case sub.ch <- chunk:
		default:
			delete(s.subs, sub)
			close(sub.ch)
		}
	}
}

func (s *Session) broadcastAndClose() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		close(sub.ch)
		delete(s.subs, sub)
	}
	s.subsDone = true
}

// ClientCount returns the number of live subscribers.
func (s *Session) ClientCount() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

// Info is the point-in-time descriptor exposed over the HTTP API and
// persisted to meta.json.
type Info struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Command      []string          `json:"command"`
	WorkingDir   string            `json:"workingDir"`
	Env          map[string]string `json:"env,omitempty"`
	Cols         int               `json:"width"`
	Rows         int               `json:"height"`
	Status       Status            `json:"status"`
	Waiting      bool              `json:"waiting"`
	StartedAt    time.Time         `json:"startedAt"`
	ExitCode     *int              `json:"exitCode,omitempty"`
	Pid          int               `json:"pid,omitempty"`
	RecTruncated bool              `json:"recordingTruncated,omitempty"`
}

// GetInfo returns a consistent snapshot of the session's descriptor.
func (s *Session) GetInfo() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	waiting := s.waiting
	if s.status == StatusRunning && !waiting && time.Since(s.lastOutput) >= waitingIdleThreshold {
		waiting = true
	}

	info := Info{
		ID:           s.ID,
		Name:         s.Config.Name,
		Command:      s.Config.Command,
		WorkingDir:   s.Config.WorkingDir,
		Cols:         s.Config.Cols,
		Rows:         s.Config.Rows,
		Status:       s.status,
		Waiting:      waiting,
		StartedAt:    s.startedAt,
		RecTruncated: s.recTruncated,
	}
	if s.status == StatusRunning && s.host != nil {
		info.Pid = s.host.Pid()
	}
	if s.status == StatusExited {
		code := s.exitCode
		info.ExitCode = &code
	}
	return info
}

// Status returns the current state-machine status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Done returns a channel closed once the session has exited.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Close forcefully terminates the session, if still running, and
// blocks until the producer loop has observed the exit.
func (s *Session) Close() error {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()
	if status != StatusExited {
		_ = s.host.Close()
		<-s.doneCh
	}
	return nil
}
