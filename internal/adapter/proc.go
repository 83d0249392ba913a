package adapter

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// startupGrace is how long a worker must survive before apply is
	// considered successful.
	startupGrace = 1 * time.Second
	// stopGrace is how long terminate gets before escalating to kill.
	stopGrace = 5 * time.Second

	maxLogTailBytes = 32 * 1024
)

// resolveBinary finds a core binary: explicit env var first, then the
// conventional install locations, then PATH.
func resolveBinary(envVar, name string) (string, error) {
	if envVar != "" {
		if p := os.Getenv(envVar); p != "" {
			if _, err := os.Stat(p); err != nil {
				return "", fmt.Errorf("%s points to %q: %w", envVar, p, err)
			}
			return p, nil
		}
	}
	for _, p := range []string{"/usr/local/bin/" + name, "/usr/bin/" + name} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("binary %q not found (set %s or install it in /usr/local/bin)", name, envVar)
}

// proc is one supervised worker process bundled with its log handle.
// Ownership is exclusive to the adapter; both are released only through
// stop, so the handle and PID cannot outlive the record.
type proc struct {
	cmd     *exec.Cmd
	logFile *os.File
	logPath string

	done     chan struct{}
	exitOnce sync.Once
	waitErr  error
}

// startProc spawns the binary detached (new session), with stdout and
// stderr appended to logPath.
func startProc(bin string, args []string, logPath string) (*proc, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	cmd := exec.Command(bin, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("start %s: %w", filepath.Base(bin), err)
	}

	p := &proc{cmd: cmd, logFile: logFile, logPath: logPath, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.exitOnce.Do(func() {
			p.waitErr = err
			close(p.done)
		})
	}()
	return p, nil
}

// verify waits the startup grace period and fails if the process already
// exited, attaching the log tail to the error.
func (p *proc) verify() error {
	select {
	case <-p.done:
		tail := tailLog(p.logPath)
		return fmt.Errorf("process exited during startup (exit code %d): %s", p.exitCodeValue(), tail)
	case <-time.After(startupGrace):
		return nil
	}
}

func (p *proc) running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *proc) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *proc) exitCode() *int {
	select {
	case <-p.done:
		code := p.exitCodeValue()
		return &code
	default:
		return nil
	}
}

func (p *proc) exitCodeValue() int {
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if p.waitErr != nil {
		return -1
	}
	return 0
}

// stop terminates the process (SIGTERM, grace, SIGKILL) and closes the
// log handle.
func (p *proc) stop() {
	if p.running() && p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.done:
		case <-time.After(stopGrace):
			_ = p.cmd.Process.Kill()
			<-p.done
		}
	}
	_ = p.logFile.Close()
}

// pkillSurvivors is the last line of defence after stop: match any process
// still carrying the tunnel id on its command line.
func pkillSurvivors(tunnelID string) {
	if strings.TrimSpace(tunnelID) == "" {
		return
	}
	if err := exec.Command("pkill", "-f", tunnelID).Run(); err != nil {
		// Exit status 1 just means no process matched.
		slog.Debug("pkill survivors", "tunnel", tunnelID, "err", err)
	}
}

func tailLog(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(data) > maxLogTailBytes {
		data = data[len(data)-maxLogTailBytes:]
	}
	return strings.TrimSpace(string(data))
}
