// Package serve launches the session-provider process and waits for it to
// announce its control endpoint.
package serve

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/wfrun/internal/harness"
	"github.com/ship-commander/wfrun/internal/proc"
)

const (
	// DefaultReadyTimeout bounds the wait for the provider's ready line.
	DefaultReadyTimeout = 30 * time.Second

	scannerInitialBufSize = 64 * 1024
	scannerMaxBufSize     = 1024 * 1024
)

var readyPattern = regexp.MustCompile(`(?i)listening on\s+(https?://[^\s"']+)`)

// Config describes how to launch the provider.
type Config struct {
	Command      string
	Args         []string
	Dir          string
	Env          map[string]string
	ReadyTimeout time.Duration
	GracePeriod  time.Duration
	Logger       *log.Logger
}

// Server runs one provider process for the lifetime of a workflow run.
type Server struct {
	cfg    Config
	logger *log.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
	stopped bool
}

// New validates cfg and returns an unstarted Server.
func New(cfg Config) (*Server, error) {
	cfg.Command = strings.TrimSpace(cfg.Command)
	if cfg.Command == "" {
		return nil, errors.New("provider command is required")
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = proc.DefaultGracePeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Server{
		cfg:    cfg,
		logger: logger.WithPrefix("provider"),
	}, nil
}

// Start launches the provider in its own process group and returns the base
// URL from its "listening on" line.
func (s *Server) Start(ctx context.Context) (string, error) {
	if s == nil {
		return "", errors.New("server is nil")
	}

	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return "", errors.New("provider already started")
	}

	// #nosec G204 -- provider command comes from trusted runner configuration.
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	proc.SetGroup(cmd)
	cmd.Dir = s.cfg.Dir
	cmd.Env = mergeEnv(os.Environ(), s.cfg.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return "", startupError(fmt.Errorf("open stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.mu.Unlock()
		return "", startupError(fmt.Errorf("open stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return "", startupError(fmt.Errorf("start %s: %w", s.cfg.Command, err))
	}

	s.cmd = cmd
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("provider started", "command", s.cfg.Command, "pid", cmd.Process.Pid)

	ready := make(chan string, 1)
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.scan(stdout, ready)
	}()
	go func() {
		defer readers.Done()
		s.scan(stderr, nil)
	}()
	go func() {
		readers.Wait()
		err := cmd.Wait()
		s.mu.Lock()
		s.waitErr = err
		s.mu.Unlock()
		close(s.done)
	}()

	timer := time.NewTimer(s.cfg.ReadyTimeout)
	defer timer.Stop()

	select {
	case url := <-ready:
		s.logger.Info("provider ready", "endpoint", url)
		return url, nil
	case <-s.done:
		return "", startupError(fmt.Errorf("provider exited before reporting ready: %s", s.exitDescription()))
	case <-timer.C:
		_ = s.Stop(context.Background())
		return "", startupError(fmt.Errorf("provider did not report ready within %s", s.cfg.ReadyTimeout))
	case <-ctx.Done():
		_ = s.Stop(context.Background())
		return "", context.Cause(ctx)
	}
}

// Stop sends SIGTERM to the provider's process group, escalating to SIGKILL
// after the grace period. Calling Stop again, or before Start, is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	if s.cmd == nil || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	pid := s.cmd.Process.Pid
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	default:
	}

	s.logger.Debug("stopping provider", "pid", pid)
	if err := proc.Terminate(pid, s.cfg.GracePeriod, done); err != nil {
		return fmt.Errorf("terminate provider: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for provider exit: %w", context.Cause(ctx))
	}
}

// Done is closed once the provider process has exited.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Server) scan(r io.Reader, ready chan<- string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scannerInitialBufSize), scannerMaxBufSize)
	for scanner.Scan() {
		line := scanner.Text()
		s.logger.Debug(line)
		if ready == nil {
			continue
		}
		if match := readyPattern.FindStringSubmatch(line); len(match) > 1 {
			select {
			case ready <- strings.TrimRight(match[1], "/"):
			default:
			}
		}
	}
	// Keep draining so the provider never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func (s *Server) exitDescription() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waitErr == nil {
		return "exit status 0"
	}
	return s.waitErr.Error()
}

func startupError(err error) error {
	return &harness.ProviderError{Op: harness.OpStartup, Err: err}
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(extra))
	for _, entry := range base {
		name, _, _ := strings.Cut(entry, "=")
		if _, overridden := extra[name]; overridden {
			continue
		}
		merged = append(merged, entry)
	}
	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		merged = append(merged, key+"="+extra[key])
	}
	return merged
}

var _ harness.Server = (*Server)(nil)
