package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Spec describes one child process to supervise. Program must already be
// resolved and validated by the caller; no shell is involved.
type Spec struct {
	Program string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment
}

// Child is a spawned agent process. The process runs in its own process
// group so Stop can take down anything it forked. Stdout is split into a
// protocol branch and a raw-log branch that cannot stall each other.
type Child struct {
	cmd *exec.Cmd

	Stdin   io.WriteCloser
	Stdout  io.ReadCloser // protocol branch
	RawLogs io.ReadCloser // duplicated stdout branch
	Stderr  io.ReadCloser

	interrupt     chan struct{}
	interruptOnce sync.Once
	stopOnce      sync.Once

	waitOnce sync.Once
	waitErr  error
}

// Spawn starts the process with all three standard streams piped and the
// child in its own process group.
func Spawn(spec Spec) (*Child, error) {
	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Program, err)
	}

	c := &Child{
		cmd:       cmd,
		Stdin:     stdin,
		Stderr:    stderr,
		interrupt: make(chan struct{}),
	}

	// Duplicate stdout: the protocol peer reads one branch while the raw
	// log capture reads the other. Both branches buffer internally so a
	// stalled or abandoned consumer on either side never blocks the copy,
	// and the surviving branch always drains to EOF.
	proto := newBufferPipe()
	raw := newBufferPipe()
	c.Stdout = proto
	c.RawLogs = raw

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				proto.Write(buf[:n])
				raw.Write(buf[:n])
			}
			if err != nil {
				proto.Close()
				raw.Close()
				return
			}
		}
	}()

	return c, nil
}

func (c *Child) Pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Interrupt fires the one-shot interrupt signal. Safe to call any number of
// times, including after the process has exited.
func (c *Child) Interrupt() {
	c.interruptOnce.Do(func() { close(c.interrupt) })
}

// InterruptSignal is closed once Interrupt has fired.
func (c *Child) InterruptSignal() <-chan struct{} {
	return c.interrupt
}

// Wait reaps the process. Safe to call from multiple goroutines.
func (c *Child) Wait() error {
	c.waitOnce.Do(func() {
		c.waitErr = c.cmd.Wait()
	})
	return c.waitErr
}

// Stop terminates the whole process group: SIGTERM first, then SIGKILL once
// the grace period lapses. Repeated calls are no-ops.
func (c *Child) Stop(grace time.Duration) {
	c.stopOnce.Do(func() {
		pid := c.Pid()
		if pid == 0 {
			return
		}

		syscall.Kill(-pid, syscall.SIGTERM)

		done := make(chan struct{})
		go func() {
			c.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(grace):
			syscall.Kill(-pid, syscall.SIGKILL)
			<-done
		}
	})
}

// Alive reports whether the process still exists.
func (c *Child) Alive() bool {
	pid := c.Pid()
	if pid == 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
