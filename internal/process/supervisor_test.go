package process

import (
	"bufio"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnDuplicatesStdout(t *testing.T) {
	child, err := Spawn(Spec{
		Program: "/bin/sh",
		Args:    []string{"-c", "echo hello"},
	})
	require.NoError(t, err)
	defer child.Stop(time.Second)

	proto, err := io.ReadAll(child.Stdout)
	require.NoError(t, err)
	raw, err := io.ReadAll(child.RawLogs)
	require.NoError(t, err)

	assert.Equal(t, "hello\n", string(proto))
	assert.Equal(t, "hello\n", string(raw))
	require.NoError(t, child.Wait())
}

func TestRawBranchDoesNotBlockProtocolBranch(t *testing.T) {
	child, err := Spawn(Spec{
		Program: "/bin/sh",
		Args:    []string{"-c", "for i in $(seq 1 1000); do echo line $i; done"},
	})
	require.NoError(t, err)
	defer child.Stop(time.Second)

	// Nobody reads RawLogs while the protocol branch drains everything.
	scanner := bufio.NewScanner(child.Stdout)
	var lines int
	for scanner.Scan() {
		lines++
	}
	assert.Equal(t, 1000, lines)

	// The raw branch still holds the full copy.
	raw, err := io.ReadAll(child.RawLogs)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "line 1000")
}

func TestProtocolBranchDoesNotBlockRawBranch(t *testing.T) {
	child, err := Spawn(Spec{
		Program: "/bin/sh",
		Args:    []string{"-c", "for i in $(seq 1 2000); do echo line $i; done"},
	})
	require.NoError(t, err)
	defer child.Stop(time.Second)

	// Nobody reads Stdout; the raw branch must still drain to EOF.
	done := make(chan string, 1)
	go func() {
		raw, rerr := io.ReadAll(child.RawLogs)
		require.NoError(t, rerr)
		done <- string(raw)
	}()

	select {
	case raw := <-done:
		assert.Contains(t, raw, "line 2000")
	case <-time.After(5 * time.Second):
		t.Fatal("raw branch never reached EOF while the protocol branch sat unread")
	}
}

func TestStderrSeparateFromStdout(t *testing.T) {
	child, err := Spawn(Spec{
		Program: "/bin/sh",
		Args:    []string{"-c", "echo out; echo err >&2"},
	})
	require.NoError(t, err)
	defer child.Stop(time.Second)

	out, err := io.ReadAll(child.Stdout)
	require.NoError(t, err)
	errOut, err := io.ReadAll(child.Stderr)
	require.NoError(t, err)

	assert.Equal(t, "out\n", string(out))
	assert.Equal(t, "err\n", string(errOut))
}

func TestStopKillsProcessGroup(t *testing.T) {
	// The shell spawns a grandchild; both must die with the group.
	child, err := Spawn(Spec{
		Program: "/bin/sh",
		Args:    []string{"-c", "sleep 60 & wait"},
	})
	require.NoError(t, err)

	require.True(t, child.Alive())

	start := time.Now()
	child.Stop(2 * time.Second)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.False(t, child.Alive())
}

func TestInterruptIsIdempotent(t *testing.T) {
	child, err := Spawn(Spec{
		Program: "/bin/sh",
		Args:    []string{"-c", "exit 0"},
	})
	require.NoError(t, err)
	defer child.Stop(time.Second)

	child.Interrupt()
	child.Interrupt() // second fire is a no-op

	select {
	case <-child.InterruptSignal():
	default:
		t.Fatal("interrupt signal not observable after firing")
	}

	child.Wait()
	child.Interrupt() // firing after exit is safe
}

func TestSpawnFailureForMissingProgram(t *testing.T) {
	_, err := Spawn(Spec{Program: "/nonexistent/agent-binary"})
	assert.Error(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	child, err := Spawn(Spec{
		Program: "/bin/sh",
		Args:    []string{"-c", "sleep 60"},
	})
	require.NoError(t, err)

	child.Stop(time.Second)
	child.Stop(time.Second)
	assert.False(t, child.Alive())
}
