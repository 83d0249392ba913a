// Package serverman supervises Panel-local core server processes, so
// the Panel host can be one endpoint of a tunnel without running a full
// agent. Supervision reuses the adapter layer; on top of it, startup is
// verified by polling the listening port.
package serverman

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/zZedix/smite"
	"github.com/zZedix/smite/internal/adapter"
	"github.com/zZedix/smite/internal/panel/forward"

	"github.com/cenkalti/backoff/v4"
)

const (
	dialProbeTimeout = 500 * time.Millisecond
	probeInterval    = 300 * time.Millisecond
	maxProbes        = 6
)

// relay is an in-process TCP forward serving as the server endpoint.
type relay struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs one server child per tunnel id, keyed by core. Plain
// TCP relays run in-process instead of as a child.
type Manager struct {
	log *slog.Logger

	mu       sync.Mutex
	byCore   map[smite.Core]adapter.Adapter
	byTunnel map[string]smite.Core
	relays   map[string]*relay

	newAdapter func(smite.Core) (adapter.Adapter, error)
}

func New() *Manager {
	return &Manager{
		log:        slog.With("component", "serverman"),
		byCore:     make(map[smite.Core]adapter.Adapter),
		byTunnel:   make(map[string]smite.Core),
		relays:     make(map[string]*relay),
		newAdapter: adapter.New,
	}
}

func (m *Manager) adapterFor(core smite.Core) (adapter.Adapter, error) {
	if a, ok := m.byCore[core]; ok {
		return a, nil
	}
	a, err := m.newAdapter(core)
	if err != nil {
		return nil, err
	}
	m.byCore[core] = a
	return a, nil
}

// Start launches a server child for the tunnel and verifies it is
// accepting on its bind port. A failed verification tears the child
// back down.
func (m *Manager) Start(ctx context.Context, tunnelID string, core smite.Core, spec smite.Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if isRelaySpec(spec) {
		return m.startRelay(ctx, tunnelID, spec)
	}

	a, err := m.adapterFor(core)
	if err != nil {
		return err
	}

	serverSpec := spec.Clone()
	serverSpec["mode"] = "server"
	if err := a.Apply(ctx, tunnelID, serverSpec); err != nil {
		return fmt.Errorf("start %s server: %w", core, err)
	}

	if port := listenPort(serverSpec); port != 0 {
		if err := waitListening(ctx, port); err != nil {
			tail := a.Status(tunnelID).LogTail
			if rerr := a.Remove(ctx, tunnelID); rerr != nil {
				m.log.Warn("cleanup after failed verify", "tunnel", tunnelID, "err", rerr)
			}
			if tail != "" {
				return fmt.Errorf("%s server never opened port %d: %w; log tail:\n%s", core, port, err, tail)
			}
			return fmt.Errorf("%s server never opened port %d: %w", core, port, err)
		}
	}

	m.byTunnel[tunnelID] = core
	m.log.Info("panel-local server started", "tunnel", tunnelID, "core", core)
	return nil
}

// isRelaySpec reports whether the server side is a plain TCP forward
// rather than a core server process.
func isRelaySpec(spec smite.Spec) bool {
	return spec.GetString("target_host") != "" && spec.GetInt("target_port") != 0
}

// startRelay runs the forwarder in-process and verifies the listener
// came up. Caller holds m.mu.
func (m *Manager) startRelay(ctx context.Context, tunnelID string, spec smite.Spec) error {
	port := listenPort(spec)
	if port == 0 {
		port = spec.GetInt("local_port")
	}
	if port == 0 {
		return fmt.Errorf("relay for tunnel %s has no listen port", tunnelID)
	}

	f := forward.New(port, spec.GetString("target_host"), spec.GetInt("target_port"))
	runCtx, cancel := context.WithCancel(context.Background())
	r := &relay{cancel: cancel, done: make(chan struct{})}
	errCh := make(chan error, 1)
	go func() {
		errCh <- f.Run(runCtx)
		close(r.done)
	}()

	if err := waitListening(ctx, port); err != nil {
		cancel()
		select {
		case runErr := <-errCh:
			if runErr != nil {
				return fmt.Errorf("start relay: %w", runErr)
			}
		case <-time.After(time.Second):
		}
		return fmt.Errorf("relay never opened port %d: %w", port, err)
	}

	m.relays[tunnelID] = r
	m.log.Info("panel-local relay started", "tunnel", tunnelID, "port", port)
	return nil
}

// Restart replaces the server child with one built from the new spec.
func (m *Manager) Restart(ctx context.Context, tunnelID string, core smite.Core, spec smite.Spec) error {
	if err := m.Stop(ctx, tunnelID); err != nil {
		m.log.Warn("stop before restart", "tunnel", tunnelID, "err", err)
	}
	return m.Start(ctx, tunnelID, core, spec)
}

// Stop terminates the server child and removes its config. Unknown ids
// are a no-op.
func (m *Manager) Stop(ctx context.Context, tunnelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.relays[tunnelID]; ok {
		r.cancel()
		<-r.done
		delete(m.relays, tunnelID)
		return nil
	}

	core, ok := m.byTunnel[tunnelID]
	if !ok {
		return nil
	}
	a, err := m.adapterFor(core)
	if err != nil {
		return err
	}
	if err := a.Remove(ctx, tunnelID); err != nil {
		return err
	}
	delete(m.byTunnel, tunnelID)
	return nil
}

// Status reports the child state for one tunnel.
func (m *Manager) Status(tunnelID string) (adapter.Status, bool) {
	m.mu.Lock()
	core, ok := m.byTunnel[tunnelID]
	var a adapter.Adapter
	if ok {
		a = m.byCore[core]
	}
	m.mu.Unlock()

	if !ok || a == nil {
		return adapter.Status{}, false
	}
	return a.Status(tunnelID), true
}

// Shutdown stops every supervised server.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byTunnel)+len(m.relays))
	for id := range m.byTunnel {
		ids = append(ids, id)
	}
	for id := range m.relays {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			m.log.Warn("stop panel-local server", "tunnel", id, "err", err)
		}
	}
}

// listenPort picks the port the server is expected to accept on.
func listenPort(spec smite.Spec) int {
	for _, key := range []string{"bind_port", "server_port", "listen_port", "control_port"} {
		if n := spec.GetInt(key); n != 0 {
			return n
		}
	}
	return 0
}

// waitListening polls the port on localhost until a dial succeeds.
func waitListening(ctx context.Context, port int) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	op := func() error {
		conn, err := net.DialTimeout("tcp", addr, dialProbeTimeout)
		if err != nil {
			return err
		}
		_ = conn.Close()
		return nil
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(probeInterval), maxProbes),
		ctx,
	)
	return backoff.Retry(op, bo)
}
