// Package processes implements the host side of Keystone's peer coordination:
// supervising scripting-engine subprocesses, correlating requests with
// replies, routing protocol messages, and managing the named worker fleet.
package processes

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/khayzz13/keystone/host/wire"
)

// ExitStatus describes how a supervised child ended.
type ExitStatus struct {
	Code      int    // exit code; -1 when the child died to a signal
	Signal    string // signal name when signaled, otherwise empty
	Requested bool   // true when Stop initiated the exit
	Err       error  // raw wait error, for diagnostics
}

// Supervisor owns a single child process attempt: the pipes, the stdout read
// loop, and exit detection. It knows nothing about restart policy; the fleet
// layers that on top.
type Supervisor struct {
	name   string
	logger *slog.Logger
	logs   *LogBuffer

	onMessage func(wire.Message)
	onExit    func(ExitStatus)

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	encoder  *wire.Encoder
	running  bool
	stopReq  bool
	exitDone chan struct{}
}

// NewSupervisor creates a supervisor for the named peer. Captured stderr
// lines land in logs.
func NewSupervisor(name string, logs *LogBuffer, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		name:   name,
		logs:   logs,
		logger: logger.With("component", "Supervisor", "peer", name),
	}
}

// OnMessage registers the callback invoked for each decoded stdout message,
// in arrival order. Must be set before Start.
func (s *Supervisor) OnMessage(fn func(wire.Message)) {
	s.onMessage = fn
}

// OnExit registers the callback invoked exactly once when the child exits,
// whether the exit was requested or a crash. It is never invoked when Start
// itself fails.
func (s *Supervisor) OnExit(fn func(ExitStatus)) {
	s.onExit = fn
}

// Start spawns the child with the given working directory and environment.
// The environment replaces the child's entirely; callers include os.Environ()
// when they want inheritance.
func (s *Supervisor) Start(path string, args []string, dir string, env []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("peer %s: process already running", s.name)
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("peer %s: stdin pipe: %w", s.name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("peer %s: stdout pipe: %w", s.name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("peer %s: stderr pipe: %w", s.name, err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("peer %s: start %s: %w", s.name, path, err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.encoder = wire.NewEncoder(stdin)
	s.running = true
	s.stopReq = false
	s.exitDone = make(chan struct{})

	s.logger.Info("Peer process started", "pid", cmd.Process.Pid, "command", path)

	go s.readMessages(stdout)
	go s.readStderr(stderr)
	go s.waitForExit(cmd, s.exitDone)

	return nil
}

// readMessages decodes stdout lines and hands complete messages to the
// registered callback. Malformed lines are logged and skipped; the stream
// stays up until EOF or a read error.
func (s *Supervisor) readMessages(stdout io.ReadCloser) {
	defer stdout.Close()
	decoder := wire.NewDecoder(stdout)
	for {
		msg, err := decoder.Decode()
		if err != nil {
			if errors.Is(err, wire.ErrMalformedLine) {
				s.logger.Warn("Dropping malformed message from peer", "error", err)
				continue
			}
			if err != io.EOF {
				s.logger.Warn("Peer stdout closed with error", "error", err)
			}
			return
		}
		if s.onMessage != nil {
			s.onMessage(msg)
		}
	}
}

// readStderr captures the child's stderr into the peer's log buffer.
func (s *Supervisor) readStderr(stderr io.ReadCloser) {
	defer stderr.Close()
	scanLines(stderr, func(line string) {
		if s.logs != nil {
			s.logs.Add("stderr", line)
		}
		s.logger.Debug("Peer stderr", "line", line)
	})
}

// waitForExit blocks on the child and reports the exit exactly once.
func (s *Supervisor) waitForExit(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()

	s.mu.Lock()
	requested := s.stopReq
	s.running = false
	s.cmd = nil
	s.mu.Unlock()

	status := ExitStatus{Code: 0, Requested: requested, Err: err}
	if err != nil {
		status.Code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status.Code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				status.Signal = ws.Signal().String()
			}
		}
	}

	if requested {
		s.logger.Info("Peer process exited after stop request", "code", status.Code)
	} else {
		s.logger.Warn("Peer process exited unexpectedly", "code", status.Code, "signal", status.Signal)
	}

	if s.onExit != nil {
		s.onExit(status)
	}
	close(done)
}

// Send writes one message to the child's stdin. Write failures are reported
// to the caller and logged, but liveness decisions belong to exit detection,
// not the write path.
func (s *Supervisor) Send(msg wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.encoder == nil {
		return fmt.Errorf("peer %s: process not running", s.name)
	}
	if err := s.encoder.Encode(msg); err != nil {
		s.logger.Warn("Failed to write message to peer", "error", err)
		return err
	}
	return nil
}

// Running reports whether the child is currently alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// PID returns the child's process id, or 0 when not running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Stop requests a shutdown: close stdin (EOF is the line-protocol stop
// signal), send SIGTERM, and escalate to SIGKILL after the grace period. It
// blocks until the exit is observed and is safe to call more than once.
func (s *Supervisor) Stop(grace time.Duration) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.stopReq = true
	proc := s.cmd.Process
	stdin := s.stdin
	done := s.exitDone
	s.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if proc != nil {
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			s.logger.Warn("Failed to signal peer process", "error", err)
		}
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("Peer did not exit within grace period, killing", "grace", grace)
		if proc != nil {
			if err := proc.Kill(); err != nil {
				s.logger.Error("Failed to kill peer process", "error", err)
			}
		}
		<-done
	}
}

// scanLines feeds complete text lines to fn, tolerating long lines up to the
// wire codec's ceiling.
func scanLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(scanner.Text())
	}
}
