package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"time"

	"github.com/steveyegge/forge/internal/types"
)

// serverProc is the application instance started by StartServer.
type serverProc struct {
	cmd    *exec.Cmd
	port   int
	cancel context.CancelFunc
	done   chan struct{}
	output *cappedBuffer
}

// StartServer runs the configured server command in the sandbox with PORT
// set to a free local port. When ServerReadyTimeout is set it waits for the
// port to accept connections.
func (m *Manager) StartServer(ctx context.Context) (Info, error) {
	const op = "sandbox.start_server"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireRunningLocked(op); err != nil {
		return m.info, err
	}
	if m.server != nil {
		return m.info, nil
	}
	if m.cfg.Commands.Server == "" {
		return m.info, types.Errorf(types.KindValidation, op, "no server command configured")
	}

	port, err := freePort()
	if err != nil {
		return m.info, types.Wrap(types.KindSandboxFailure, op, err)
	}

	// The server outlives the request that started it
	srvCtx, cancel := context.WithCancel(context.Background())
	command := m.cfg.Runtime.ServerCommand(m.cfg.Commands.Server)
	cmd := m.cfg.Runtime.Command(srvCtx, m.info.ID, m.info.WorkDir, command, 0, []string{"PORT=" + strconv.Itoa(port)})
	out := &cappedBuffer{max: m.cfg.MaxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = out
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		cancel()
		return m.info, types.Wrap(types.KindSandboxFailure, op, fmt.Errorf("failed to start server: %w", err))
	}
	proc := &serverProc{cmd: cmd, port: port, cancel: cancel, done: make(chan struct{}), output: out}
	go func() {
		_ = cmd.Wait()
		close(proc.done)
	}()

	if m.cfg.ServerReadyTimeout > 0 {
		if err := waitForPort(ctx, port, m.cfg.ServerReadyTimeout, proc.done); err != nil {
			m.killServer(ctx, proc)
			return m.info, types.Wrap(types.KindTimeout, op, fmt.Errorf("%w (output: %s)", err, out.String()))
		}
	}

	m.server = proc
	m.info.ServerPort = port
	m.info.LastUsedAt = m.Now()
	slog.Info("sandbox server started", "sandbox_id", m.info.ID, "port", port)
	return m.info, nil
}

// StopServer stops the application started by StartServer. It is a no-op
// when no server is running.
func (m *Manager) StopServer(ctx context.Context) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopServerLocked(ctx)
	return m.info, nil
}

func (m *Manager) stopServerLocked(ctx context.Context) {
	if m.server == nil {
		return
	}
	m.killServer(ctx, m.server)
	slog.Info("sandbox server stopped", "sandbox_id", m.info.ID, "port", m.server.port)
	m.server = nil
	m.info.ServerPort = 0
}

func (m *Manager) killServer(ctx context.Context, proc *serverProc) {
	if err := m.cfg.Runtime.KillServer(ctx, m.info.ID); err != nil {
		slog.Warn("failed to kill sandbox server", "sandbox_id", m.info.ID, "error", err)
	}
	proc.cancel()
	<-proc.done
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// waitForPort polls until port accepts a TCP connection, the process exits,
// or timeout elapses.
func waitForPort(ctx context.Context, port int, timeout time.Duration, exited <-chan struct{}) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	for {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return fmt.Errorf("server exited before listening on port %d", port)
		case <-deadline.C:
			return fmt.Errorf("server not listening on port %d after %v", port, timeout)
		case <-ticker.C:
		}
	}
}
