// Package supervisor locates, starts and stops the telegram-cli backend.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

// Defaults mirror telegram-cli's usual local setup.
const (
	DefaultExecutable     = "telegram-cli"
	DefaultPort           = 44134
	DefaultStartupTimeout = 20 * time.Second
	DefaultStopTimeout    = 10 * time.Second
)

// ErrNotRunning is returned by Stop when there is no backend to stop.
var ErrNotRunning = errors.New("backend is not running")

// Config describes where the backend lives.
type Config struct {
	Executable     string
	Port           int
	StartupTimeout time.Duration
	// StateDir holds backend.pid and backend.log.
	StateDir string
	Logger   *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Executable == "" {
		c.Executable = DefaultExecutable
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Addr is the loopback address the backend listens on.
func (c Config) Addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(c.withDefaults().Port))
}

// PIDFilePath returns the PID file location inside StateDir.
func (c Config) PIDFilePath() string {
	return filepath.Join(c.StateDir, "backend.pid")
}

// LogFilePath returns where a started backend writes its output.
func (c Config) LogFilePath() string {
	return filepath.Join(c.StateDir, "backend.log")
}

// BackendHandle identifies the backend process for the lifetime of a session.
// It is returned by Ensure and handed back to Stop.
type BackendHandle struct {
	PID  int
	Port int
	Addr string
	// Started is true when this process launched the backend.
	Started bool

	pidFile string
	exited  chan struct{} // closed when a started backend exits
}

// Ensure makes sure a backend is listening on the configured port and
// returns a handle for it. An already running backend is reused; otherwise
// one is started. It fails if the port does not accept connections within
// StartupTimeout.
func Ensure(ctx context.Context, cfg Config) (*BackendHandle, error) {
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	addr := cfg.Addr()

	handle, err := locate(cfg)
	if err != nil {
		logger.Warn("backend discovery failed", "error", err)
	}

	if handle == nil {
		handle, err = start(cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("started backend", "pid", handle.PID, "port", cfg.Port)
	} else {
		logger.Info("reusing running backend", "pid", handle.PID, "port", cfg.Port)
	}

	if err := waitForPort(ctx, addr, cfg.StartupTimeout, handle.exited); err != nil {
		if handle.Started {
			_ = Stop(handle, DefaultStopTimeout)
		}
		return nil, fmt.Errorf("backend on %s not ready: %w", addr, err)
	}
	return handle, nil
}

// locate finds an already running backend, first through the PID file and
// then by scanning the process table.
func locate(cfg Config) (*BackendHandle, error) {
	pidFile := cfg.PIDFilePath()

	running, info, err := CheckPIDFile(pidFile)
	if err != nil {
		cfg.Logger.Warn("ignoring unreadable PID file", "path", pidFile, "error", err)
	}
	if running && (info.Port == 0 || info.Port == cfg.Port) {
		return &BackendHandle{PID: info.PID, Port: cfg.Port, Addr: cfg.Addr(), pidFile: pidFile}, nil
	}
	if !running && info.PID != 0 {
		_ = RemovePIDFile(pidFile) // stale
	}

	pid, err := findRunning(cfg.Executable, cfg.Port)
	if err != nil {
		return nil, err
	}
	if pid == 0 {
		return nil, nil
	}
	return &BackendHandle{PID: pid, Port: cfg.Port, Addr: cfg.Addr()}, nil
}

// start launches "<executable> --json -d -P <port>" in its own session.
func start(cfg Config) (*BackendHandle, error) {
	executable, err := exec.LookPath(cfg.Executable)
	if err != nil {
		return nil, fmt.Errorf("backend executable %q not found: %w", cfg.Executable, err)
	}

	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	logFile, err := os.OpenFile(cfg.LogFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) //nolint:gosec // G304 - path from configured state directory
	if err != nil {
		return nil, fmt.Errorf("open backend log: %w", err)
	}
	defer func() { _ = logFile.Close() }() // the child keeps its own descriptor

	cmd := exec.Command(executable, "--json", "-d", "-P", strconv.Itoa(cfg.Port)) //nolint:gosec // executable resolved via LookPath from config
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // keep terminal signals (Ctrl-C) away from the backend
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start backend process: %w", err)
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	handle := &BackendHandle{
		PID:     cmd.Process.Pid,
		Port:    cfg.Port,
		Addr:    cfg.Addr(),
		Started: true,
		pidFile: cfg.PIDFilePath(),
		exited:  exited,
	}

	if err := WritePIDFile(handle.pidFile, PIDInfo{
		PID:        handle.PID,
		Port:       cfg.Port,
		Executable: executable,
		StartedAt:  time.Now().UTC(),
	}); err != nil {
		cfg.Logger.Warn("could not write backend PID file", "error", err)
		handle.pidFile = ""
	}

	return handle, nil
}

// waitForPort polls addr until it accepts a TCP connection.
func waitForPort(ctx context.Context, addr string, timeout time.Duration, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("timeout after %v waiting for backend port", timeout)
			}
			return ctx.Err()
		case <-exited:
			return errors.New("backend process exited during startup")
		case <-ticker.C:
		}
	}
}

// Stop sends SIGTERM to the backend and waits up to timeout for it to exit.
// The PID file is removed once the process is gone.
func Stop(handle *BackendHandle, timeout time.Duration) error {
	if handle == nil || handle.PID <= 0 {
		return ErrNotRunning
	}
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	process, err := os.FindProcess(handle.PID)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", handle.PID, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) || !isProcessRunning(handle.PID) {
			return removePIDFile(handle)
		}
		return fmt.Errorf("failed to send SIGTERM to process %d: %w", handle.PID, err)
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return fmt.Errorf("timeout waiting for backend to stop (PID %d still running)", handle.PID)
		case <-handle.exited:
			return removePIDFile(handle)
		case <-ticker.C:
			// Only poll processes we did not start; our own child is reaped
			// by the Wait goroutine and would look alive as a zombie.
			if handle.exited == nil && !isProcessRunning(handle.PID) {
				return removePIDFile(handle)
			}
		}
	}
}

func removePIDFile(handle *BackendHandle) error {
	if handle.pidFile == "" {
		return nil
	}
	return RemovePIDFile(handle.pidFile)
}

// Status describes the backend as seen from the outside.
type Status struct {
	Running   bool
	PID       int
	Port      int
	Reachable bool
}

// CurrentStatus reports whether a backend is running on the configured port
// and whether it accepts connections.
func CurrentStatus(cfg Config) (Status, error) {
	cfg = cfg.withDefaults()

	st := Status{Port: cfg.Port}
	handle, err := locate(cfg)
	if err != nil {
		return st, err
	}
	if handle != nil {
		st.Running = true
		st.PID = handle.PID
	}

	conn, err := net.DialTimeout("tcp", cfg.Addr(), time.Second)
	if err == nil {
		_ = conn.Close()
		st.Reachable = true
	}
	return st, nil
}

// Handle returns a handle for the running backend without starting one,
// for use by "backend stop".
func Handle(cfg Config) (*BackendHandle, error) {
	cfg = cfg.withDefaults()
	handle, err := locate(cfg)
	if err != nil {
		return nil, err
	}
	if handle == nil {
		return nil, ErrNotRunning
	}
	if handle.pidFile == "" {
		handle.pidFile = cfg.PIDFilePath()
	}
	return handle, nil
}
