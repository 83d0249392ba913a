package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// supervised carries the process table shared by every core adapter.
// Exactly one proc per tunnel id. Process handles and config paths live
// in separate maps so the two namespaces can never collide.
type supervised struct {
	core string
	ext  string

	mu    sync.Mutex
	procs map[string]*proc
	paths map[string]string
}

func newSupervised(core, ext string) supervised {
	return supervised{
		core:  core,
		ext:   ext,
		procs: make(map[string]*proc),
		paths: make(map[string]string),
	}
}

func (s *supervised) dir() string { return coreDir(s.core) }

// configPath is the default location for a tunnel's rendered config.
func (s *supervised) configPath(tunnelID string) string {
	return filepath.Join(s.dir(), tunnelID+s.ext)
}

func (s *supervised) logPath(tunnelID string) string {
	return filepath.Join(s.dir(), s.core+"_"+tunnelID+".log")
}

// startAt writes the rendered config to path, spawns the worker, and
// verifies it survives the startup grace. A previous instance for the id
// is removed first, so apply is idempotent.
func (s *supervised) startAt(ctx context.Context, tunnelID, path, config, bin string, args []string) error {
	if err := os.MkdirAll(s.dir(), 0o755); err != nil {
		return fmt.Errorf("create %s config dir: %w", s.core, err)
	}
	if dir := filepath.Dir(path); dir != s.dir() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s config dir: %w", s.core, err)
		}
	}

	s.stopExisting(tunnelID)

	if err := os.WriteFile(path, []byte(config), 0o644); err != nil {
		return fmt.Errorf("write %s config: %w", s.core, err)
	}

	p, err := startProc(bin, args, s.logPath(tunnelID))
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	if err := p.verify(); err != nil {
		p.stop()
		_ = os.Remove(path)
		return fmt.Errorf("%s worker for %s: %w", s.core, tunnelID, err)
	}

	s.mu.Lock()
	s.procs[tunnelID] = p
	s.paths[tunnelID] = path
	s.mu.Unlock()

	slog.Info("worker started", "core", s.core, "tunnel", tunnelID, "pid", p.pid())
	return nil
}

// start is startAt with the default config location.
func (s *supervised) start(ctx context.Context, tunnelID, config, bin string, args []string) error {
	return s.startAt(ctx, tunnelID, s.configPath(tunnelID), config, bin, args)
}

// stopExisting tears down a previous instance of the tunnel if one exists
// and unlinks its config.
func (s *supervised) stopExisting(tunnelID string) {
	s.mu.Lock()
	p, running := s.procs[tunnelID]
	path, tracked := s.paths[tunnelID]
	delete(s.procs, tunnelID)
	delete(s.paths, tunnelID)
	s.mu.Unlock()

	if running {
		p.stop()
	}
	if !tracked {
		path = s.configPath(tunnelID)
	}
	_ = os.Remove(path)
}

// remove stops the worker, unlinks the config, and sweeps for survivors.
func (s *supervised) remove(_ context.Context, tunnelID string) error {
	s.stopExisting(tunnelID)
	pkillSurvivors(tunnelID)
	slog.Info("worker removed", "core", s.core, "tunnel", tunnelID)
	return nil
}

func (s *supervised) status(tunnelID string) Status {
	s.mu.Lock()
	p, ok := s.procs[tunnelID]
	path, tracked := s.paths[tunnelID]
	s.mu.Unlock()
	if !tracked {
		path = s.configPath(tunnelID)
	}

	var st Status
	if _, err := os.Stat(path); err == nil {
		st.ConfigExists = true
	}
	if ok {
		st.ProcessRunning = p.running()
		st.PID = p.pid()
		st.ExitCode = p.exitCode()
		st.LogTail = tailLog(p.logPath)
	}
	st.Active = st.ConfigExists && st.ProcessRunning
	return st
}
