package supervisor

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/creack/pty"
)

// Spec describes how to spawn one supervised child.
type Spec struct {
	Name    string
	CLIKind string
	Program string
	Args    []string
	Cwd     string
	Env     map[string]string
	Cols    int
	Rows    int
}

// OutputLine is one ANSI-stripped line of child output, delivered to the
// broker for LOG fan-out and for completion-marker scanning.
type OutputLine struct {
	Name string
	Line string
	Raw  string // with ANSI sequences intact, for LOG subscribers that want it
}

// Child wraps one PTY-spawned process, using a pseudo-terminal
// (github.com/creack/pty) instead of plain pipes, so the child sees a
// TTY the way a human-operated CLI agent expects.
type Child struct {
	Spec Spec
	Kind CLIKind

	cmd  *exec.Cmd
	ptmx *os.File

	output chan OutputLine
	done   chan struct{}

	mu       sync.Mutex
	waitErr  error
	exitCode int
	exited   bool
}

// Spawn starts the child process attached to a new PTY.
func Spawn(spec Spec) (*Child, error) {
	if spec.Program == "" {
		return nil, fmt.Errorf("supervisor: spawn %s: missing program", spec.Name)
	}

	cmd := exec.Command(spec.Program, spec.Args...)
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	cols, rows := spec.Cols, spec.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("supervisor: start pty for %s: %w", spec.Name, err)
	}

	c := &Child{
		Spec:   spec,
		Kind:   LookupCLIKind(spec.CLIKind),
		cmd:    cmd,
		ptmx:   ptmx,
		output: make(chan OutputLine, 256),
		done:   make(chan struct{}),
	}

	go c.readOutput()
	go c.waitForExit()

	return c, nil
}

// Output is the channel of ANSI-stripped output lines.
func (c *Child) Output() <-chan OutputLine { return c.output }

// Done closes once the child has exited.
func (c *Child) Done() <-chan struct{} { return c.done }

// PID returns the child process's PID.
func (c *Child) PID() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Write sends raw bytes to the child's PTY (keystrokes or piped input).
func (c *Child) Write(p []byte) error {
	_, err := c.ptmx.Write(p)
	return err
}

// Resize updates the PTY window size, e.g. when a monitoring client
// attaches with different terminal dimensions.
func (c *Child) Resize(cols, rows int) error {
	return pty.Setsize(c.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Stop requests graceful termination (SIGTERM); the caller should wait on
// Done and fall back to Kill if the child doesn't exit in time.
func (c *Child) Stop() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Signal(syscall.SIGTERM)
}

// Kill forcibly terminates the child.
func (c *Child) Kill() error {
	_ = c.ptmx.Close()
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

// ExitCode returns the child's exit code once it has exited.
func (c *Child) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

func (c *Child) readOutput() {
	scanner := bufio.NewScanner(c.ptmx)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := scanner.Text()
		clean := ansi.Strip(raw)
		select {
		case c.output <- OutputLine{Name: c.Spec.Name, Line: clean, Raw: raw}:
		case <-c.done:
			return
		}
	}
}

func (c *Child) waitForExit() {
	err := c.cmd.Wait()
	c.mu.Lock()
	c.waitErr = err
	c.exited = true
	if c.cmd.ProcessState != nil {
		c.exitCode = c.cmd.ProcessState.ExitCode()
	}
	c.mu.Unlock()
	_ = c.ptmx.Close()
	close(c.done)
}

// WaitErr returns the error from the underlying process Wait, if any, once
// Done has closed.
func (c *Child) WaitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitErr
}

// MatchesCompletion reports whether line contains one of this child's
// kind's completion markers.
func (k CLIKind) MatchesCompletion(line string) (marker string, ok bool) {
	for _, m := range k.Markers {
		if strings.Contains(line, m) {
			return m, true
		}
	}
	return "", false
}
