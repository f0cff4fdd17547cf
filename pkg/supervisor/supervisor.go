// Package supervisor implements the parent side of the warm-restart
// protocol described in spec.md §4.9-4.10: a process that forks a worker
// child (re-invoking the current binary with a hidden worker subcommand),
// exit-code-routes its restarts, guards against crash loops, and forwards
// shutdown signals — grounded on cmd/kodelet/serve.go's
// signal.NotifyContext + graceful shutdown pattern, generalized from an
// HTTP server's lifecycle to an os/exec child process's.
package supervisor

import (
	"context"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jingkaihe/kodelet-memcore/pkg/logger"
	"github.com/jingkaihe/kodelet-memcore/pkg/warmstate"
	"github.com/pkg/errors"
)

// Exit codes a worker reports to its Supervisor (spec.md §6).
const (
	ExitClean    = 0
	ExitFatal    = 1
	ExitReload   = 75
	ExitRollback = 96
)

// crashLoopWindow/crashLoopThreshold implement spec.md §4.10's crash-loop
// guard: three exits inside five seconds gives up rather than spinning.
const (
	crashLoopWindow    = 5 * time.Second
	crashLoopThreshold = 3
	// maxTotalRestarts caps restarts across the Supervisor's whole
	// lifetime, independent of the crash-loop window.
	maxTotalRestarts = 50
	// shutdownGrace is how long the Supervisor waits for a clean worker
	// exit after sending TypeShutdown before sending SIGKILL.
	shutdownGrace = 5 * time.Second
)

// WorkerFactory builds the next worker child process. socketPath is the
// unix socket the worker should dial to perform its warm-state handshake.
type WorkerFactory func(ctx context.Context, socketPath string) *exec.Cmd

// Supervisor forks and restarts a worker process, preserving warm state
// across restarts per spec.md §4.9.
type Supervisor struct {
	NewWorker  WorkerFactory
	SocketPath string

	held *warmstate.Snapshot

	restarts   int
	crashTimes []time.Time
}

// New creates a Supervisor. socketPath is the unix socket path both sides
// rendezvous on for the warm-state handshake.
func New(factory WorkerFactory, socketPath string) *Supervisor {
	return &Supervisor{NewWorker: factory, SocketPath: socketPath}
}

// Run supervises the worker until a clean exit, a fatal non-restartable
// condition, or an external shutdown signal. It returns the final exit
// code the caller's process should itself exit with.
func (s *Supervisor) Run(ctx context.Context) int {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	listener, err := warmstate.Listen(ctx, s.SocketPath)
	if err != nil {
		logger.G(ctx).WithError(err).Error("supervisor: failed to listen for worker handshake")
		return ExitFatal
	}
	defer listener.Close()

	for {
		select {
		case <-ctx.Done():
			logger.G(ctx).Info("supervisor: shutdown signal received")
			return ExitClean
		default:
		}

		code, snap, err := s.runOnce(ctx, listener)
		if err != nil {
			logger.G(ctx).WithError(err).Error("supervisor: worker run failed")
			return ExitFatal
		}

		switch code {
		case ExitClean:
			return ExitClean
		case ExitReload:
			s.held = snap
			logger.G(ctx).Info("supervisor: worker requested reload, restarting with warm state")
		case ExitRollback:
			s.held = nil
			logger.G(ctx).Info("supervisor: worker requested rollback, restarting cold")
		default:
			// Unexpected exit (crash): restart with whatever snapshot was
			// last captured, per spec.md §4.10 ("other -> restart with
			// snapshot").
			if snap != nil {
				s.held = snap
			}
			logger.G(ctx).WithField("exitCode", code).Warn("supervisor: worker exited unexpectedly")
		}

		if guard := s.checkCrashLoop(); guard != nil {
			logger.G(ctx).WithError(guard).Error("supervisor: crash-loop guard tripped, giving up")
			return ExitFatal
		}
	}
}

// CheckCrashLoopForTest exposes checkCrashLoop's restart-bookkeeping for
// unit tests, since it is otherwise only reachable from Run's internal
// restart loop.
func (s *Supervisor) CheckCrashLoopForTest() error {
	return s.checkCrashLoop()
}

// checkCrashLoop records this restart and returns a non-nil error if the
// crash-loop guard or total-restart cap has tripped.
func (s *Supervisor) checkCrashLoop() error {
	now := time.Now()
	s.restarts++
	if s.restarts > maxTotalRestarts {
		return errors.Errorf("supervisor: exceeded max restart cap (%d)", maxTotalRestarts)
	}

	s.crashTimes = append(s.crashTimes, now)
	cutoff := now.Add(-crashLoopWindow)
	kept := s.crashTimes[:0]
	for _, t := range s.crashTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.crashTimes = kept
	if len(s.crashTimes) >= crashLoopThreshold {
		return errors.Errorf("supervisor: %d exits within %s", len(s.crashTimes), crashLoopWindow)
	}
	return nil
}

// runOnce starts a single worker child, performs the handshake, forwards
// the parent's shutdown signal, and waits for the child to exit. It
// returns the worker's exit code and the last snapshot the worker sent
// (via state_snapshot or reload_request), for use on the next restart.
func (s *Supervisor) runOnce(ctx context.Context, listener net.Listener) (int, *warmstate.Snapshot, error) {
	cmd := s.NewWorker(ctx, s.SocketPath)
	if err := cmd.Start(); err != nil {
		return 0, nil, errors.Wrap(err, "supervisor: failed to start worker")
	}

	connCh := make(chan *warmstate.Conn, 1)
	go func() {
		raw, err := listener.Accept()
		if err != nil {
			connCh <- nil
			return
		}
		connCh <- warmstate.NewConn(raw)
	}()

	var conn *warmstate.Conn
	select {
	case conn = <-connCh:
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return 0, nil, ctx.Err()
	}

	var snapshot *warmstate.Snapshot
	if conn != nil {
		if err := warmstate.SupervisorHandshake(ctx, conn, s.held); err != nil {
			logger.G(ctx).WithError(err).Warn("supervisor: handshake failed, worker will cold-start")
		}
		snapshot = s.pumpMessages(ctx, conn)
	}

	waitErr := cmd.Wait()
	code := exitCodeOf(waitErr)
	return code, snapshot, nil
}

// pumpMessages reads state_snapshot/reload_request envelopes until the
// connection closes (the worker exited) or ctx is cancelled (in which
// case a shutdown message is sent and pumping stops). Returns the most
// recent snapshot observed.
func (s *Supervisor) pumpMessages(ctx context.Context, conn *warmstate.Conn) *warmstate.Snapshot {
	defer conn.Close()
	var mu sync.Mutex
	var latest *warmstate.Snapshot

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			env, err := conn.Receive()
			if err != nil {
				return
			}
			switch env.Type {
			case warmstate.TypeStateSnapshot, warmstate.TypeReloadRequest:
				snap, err := warmstate.DecodeSnapshot(env)
				if err != nil {
					logger.G(ctx).WithError(err).Warn("supervisor: failed to decode snapshot")
					continue
				}
				mu.Lock()
				latest = &snap
				mu.Unlock()
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = conn.Send(warmstate.TypeShutdown, struct{}{})
		select {
		case <-done:
		case <-time.After(shutdownGrace):
		}
	}
	mu.Lock()
	defer mu.Unlock()
	return latest
}

func exitCodeOf(err error) int {
	if err == nil {
		return ExitClean
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return ExitFatal
}
