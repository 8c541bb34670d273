// Package source provides the telemetry adapters the collector polls.
// Text sources hand back one raw tegrastats-format line per poll; the
// relay source hands back snapshots already parsed by an upstream
// daemon.
package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
)

// Source produces one raw telemetry line per poll. Implementations
// must be safe for use from a single polling goroutine; Close may be
// called concurrently with Poll.
type Source interface {
	Name() string
	Poll(ctx context.Context) (string, error)
	Close() error
}

// CommandSource runs a long-lived subprocess emitting one telemetry
// line per interval on stdout, like tegrastats itself or an emulator
// binary. The process is started lazily on first poll and restarted
// on a later poll if it dies.
type CommandSource struct {
	name string
	argv []string

	mu     sync.Mutex
	cmd    *exec.Cmd
	lines  chan string
	closed bool
}

// NewCommandSource builds a source running argv. The label names the
// adapter in snapshots ("command", "emulator").
func NewCommandSource(label string, argv []string) (*CommandSource, error) {
	if len(argv) == 0 {
		return nil, errors.New("source: empty command line")
	}
	return &CommandSource{name: label, argv: argv}, nil
}

func (s *CommandSource) Name() string { return s.name }

// Poll returns the next line from the subprocess, starting or
// restarting it as needed. A dead process surfaces as an error on the
// poll that discovers it; the next poll attempts a restart.
func (s *CommandSource) Poll(ctx context.Context) (string, error) {
	lines, err := s.ensureStarted()
	if err != nil {
		return "", err
	}
	select {
	case line, ok := <-lines:
		if !ok {
			s.markStopped()
			return "", fmt.Errorf("source %s: process exited", s.name)
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *CommandSource) ensureStarted() (chan string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("source %s: closed", s.name)
	}
	if s.cmd != nil {
		return s.lines, nil
	}

	cmd := exec.Command(s.argv[0], s.argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("source %s: stdout pipe: %w", s.name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("source %s: start %s: %w", s.name, s.argv[0], err)
	}

	lines := make(chan string, 8)
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
		cmd.Wait()
	}()

	s.cmd = cmd
	s.lines = lines
	return lines, nil
}

// markStopped clears the dead process so the next poll restarts it.
func (s *CommandSource) markStopped() {
	s.mu.Lock()
	s.cmd = nil
	s.lines = nil
	s.mu.Unlock()
}

// Close kills the subprocess if running and prevents restarts.
func (s *CommandSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.cmd = nil
		s.lines = nil
	}
	return nil
}
