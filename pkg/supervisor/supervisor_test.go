package supervisor_test

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/jingkaihe/kodelet-memcore/pkg/supervisor"
	"github.com/jingkaihe/kodelet-memcore/pkg/warmstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrashLoopGuardTripsAfterThreeFastExits(t *testing.T) {
	s := supervisor.New(func(_ context.Context, _ string) *exec.Cmd { return nil }, "")

	// Two fast restarts should not yet trip the guard.
	assert.NoError(t, supervisorCheckCrashLoop(s))
	assert.NoError(t, supervisorCheckCrashLoop(s))
	// A third exit inside the crash-loop window trips it.
	assert.Error(t, supervisorCheckCrashLoop(s))
}

func TestCrashLoopGuardAllowsTwoFastExits(t *testing.T) {
	s := supervisor.New(func(_ context.Context, _ string) *exec.Cmd { return nil }, "")

	assert.NoError(t, supervisorCheckCrashLoop(s))
	time.Sleep(1 * time.Millisecond)
	assert.NoError(t, supervisorCheckCrashLoop(s))
}

// supervisorCheckCrashLoop reaches into the package via its exported test
// seam (CheckCrashLoopForTest) since the crash-loop guard is otherwise only
// invoked from inside Run's restart loop.
func supervisorCheckCrashLoop(s *supervisor.Supervisor) error {
	return s.CheckCrashLoopForTest()
}

func TestRunReturnsCleanExitOnContextCancellation(t *testing.T) {
	socket := t.TempDir() + "/warmstate.sock"
	s := supervisor.New(func(_ context.Context, _ string) *exec.Cmd {
		return exec.Command("sleep", "5")
	}, socket)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code := s.Run(ctx)
	assert.Equal(t, supervisor.ExitClean, code)
}

func TestListenCreatesSocket(t *testing.T) {
	socket := t.TempDir() + "/warmstate.sock"
	ln, err := warmstate.Listen(context.Background(), socket)
	require.NoError(t, err)
	defer ln.Close()
}
