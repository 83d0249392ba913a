// Package forward is a plain TCP relay for Panel-originated paths: an
// accept loop that shuttles bytes between local clients and a remote
// target without spawning a core process.
package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	dialTimeout       = 10 * time.Second
	inactivityTimeout = 60 * time.Second
	copyBufferSize    = 8 * 1024

	keepaliveIdle     = 60 * time.Second
	keepaliveInterval = 10 * time.Second
	keepaliveCount    = 3
)

// Forwarder relays TCP connections from a local port to one target.
type Forwarder struct {
	LocalPort  int
	TargetHost string
	TargetPort int

	log *slog.Logger
}

func New(localPort int, targetHost string, targetPort int) *Forwarder {
	return &Forwarder{
		LocalPort:  localPort,
		TargetHost: targetHost,
		TargetPort: targetPort,
		log:        slog.With("component", "forward", "port", localPort),
	}
}

func keepaliveConfig() net.KeepAliveConfig {
	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepaliveIdle,
		Interval: keepaliveInterval,
		Count:    keepaliveCount,
	}
}

// Run accepts until ctx is cancelled. Each connection is served on its
// own goroutine.
func (f *Forwarder) Run(ctx context.Context) error {
	lc := net.ListenConfig{KeepAliveConfig: keepaliveConfig()}
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(f.LocalPort)))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf(
				"port %d is already in use on this host; another service or a previous forwarder instance holds it, free the port or choose a different local_port: %w",
				f.LocalPort, err)
		}
		return fmt.Errorf("listen on port %d: %w", f.LocalPort, err)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	f.log.Info("forwarder listening", "target", net.JoinHostPort(f.TargetHost, strconv.Itoa(f.TargetPort)))
	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			f.log.Warn("accept", "err", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.serve(ctx, conn)
		}()
	}
	wg.Wait()
	return nil
}

func (f *Forwarder) serve(ctx context.Context, client net.Conn) {
	defer client.Close()

	dialer := net.Dialer{Timeout: dialTimeout, KeepAliveConfig: keepaliveConfig()}
	target, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(f.TargetHost, strconv.Itoa(f.TargetPort)))
	if err != nil {
		f.log.Warn("dial target", "err", err)
		return
	}
	defer target.Close()

	// Both directions share one activity clock, so a half-idle
	// connection is kept alive as long as the other half moves bytes.
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	done := make(chan struct{})
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = client.Close()
			_ = target.Close()
			close(done)
		})
	}

	go func() {
		relay(client, target, &lastActivity)
		closeBoth()
	}()
	go func() {
		relay(target, client, &lastActivity)
		closeBoth()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		closeBoth()
		<-done
	}
}

// relay copies src to dst until either side fails. Read deadlines fire
// every inactivityTimeout; an idle but live connection is extended
// instead of torn down.
func relay(src, dst net.Conn, lastActivity *atomic.Int64) {
	buf := make([]byte, copyBufferSize)
	for {
		_ = src.SetReadDeadline(time.Now().Add(inactivityTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			lastActivity.Store(time.Now().UnixNano())
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				// No bytes in this direction for a while. If the peer
				// direction is moving, or the connection still answers
				// keepalives, keep waiting.
				idle := time.Since(time.Unix(0, lastActivity.Load()))
				if idle < 2*inactivityTimeout || alive(src) {
					continue
				}
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("relay ended", "err", err)
			}
			return
		}
	}
}

// alive probes the connection with a zero-byte write. The OS surfaces a
// reset or closed socket as an immediate error; a healthy idle socket
// accepts it.
func alive(conn net.Conn) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, err := conn.Write(nil)
	_ = conn.SetWriteDeadline(time.Time{})
	return err == nil
}
