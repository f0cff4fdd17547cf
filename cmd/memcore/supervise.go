package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/uuid"
	"github.com/jingkaihe/kodelet-memcore/pkg/presenter"
	"github.com/jingkaihe/kodelet-memcore/pkg/supervisor"
	"github.com/jingkaihe/kodelet-memcore/pkg/warmstate"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// workerSocketFlag holds the --worker-socket value of the hidden `worker`
// subcommand, which marks this invocation as a supervised worker child
// rather than a top-level user command, so a single binary
// serves both the Supervisor and its re-exec'd Worker (spec.md §4.9-4.10),
// grounded on the teacher's single-binary serve.go pattern generalized
// from an HTTP listener to a forked child process.
var workerSocketFlag string

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Run the worker under a warm-restart supervisor",
	Long:  `Supervise forks a worker child, forwards shutdown signals, and restarts it across reload/rollback/crash exit codes while preserving warm state.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		socketPath := viper.GetString("socket_path")

		self, err := os.Executable()
		if err != nil {
			presenter.Error(err, "failed to resolve own executable path")
			os.Exit(1)
		}

		sup := supervisor.New(func(ctx context.Context, socket string) *exec.Cmd {
			cmd := exec.CommandContext(ctx, self, "worker", "--worker-socket", socket)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			cmd.Stdin = os.Stdin
			return cmd
		}, socketPath)

		code := sup.Run(ctx)
		os.Exit(code)
	},
}

// workerCmd is the hidden re-exec target: it dials the supervisor's
// socket, performs the worker side of the handshake, and runs a single
// interactive session, periodically publishing a state_snapshot so the
// supervisor always holds a recent one to hand to the next restart.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		conn, err := warmstate.Dial(workerSocketFlag)
		if err != nil {
			presenter.Error(err, "worker: failed to dial supervisor socket")
			os.Exit(supervisor.ExitFatal)
		}
		defer conn.Close()

		snap, ok, err := warmstate.WorkerHandshake(ctx, conn)
		if err != nil {
			presenter.Error(err, "worker: handshake failed")
			os.Exit(supervisor.ExitFatal)
		}

		s, err := openSession(ctx)
		if err != nil {
			presenter.Error(err, "worker: failed to open session")
			os.Exit(supervisor.ExitFatal)
		}
		defer s.Convos.Close()

		sessionID := uuid.NewString()
		if ok {
			sessionID = snap.SessionID
			for _, m := range snap.Messages {
				s.Mem.Add(ctx, m)
			}
			if err := s.Mem.RestorePageState(ctx, snap.PageState); err != nil {
				presenter.Error(err, "worker: failed to restore warm page state")
			}
			fmt.Fprintln(os.Stderr, "worker: resumed from warm state")
		} else {
			fmt.Fprintln(os.Stderr, "worker: cold start")
		}

		r := newRunner(s, sessionID)
		_, runErr := r.Run(ctx, "continue")

		finalSnap := warmstate.Snapshot{
			Version:   warmstate.SnapshotVersion,
			SessionID: sessionID,
			Messages:  s.Mem.Messages(ctx),
			PageState: s.Mem.GetPageState(ctx),
		}
		_ = conn.Send(warmstate.TypeStateSnapshot, finalSnap)

		if runErr != nil {
			presenter.Error(runErr, "worker: turn failed")
			os.Exit(supervisor.ExitFatal)
		}
		os.Exit(supervisor.ExitClean)
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerSocketFlag, "worker-socket", "", "unix socket to dial for the warm-state handshake")
}
