// Package shell executes commands on storage hosts through a pluggable
// transport: a local process, a chrooted local process, or an SSH session.
// All host-side drivers (zfs, targetcli, iscsiadm, mount) are built on it.
package shell

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// SignalExitCode is reported when a process terminated on a signal and no
// real exit code is available.
const SignalExitCode = 256

// Static errors for transport operations.
var (
	ErrNotConnected    = errors.New("transport is not connected")
	ErrStreamCompleted = errors.New("stream has already been completed")
)

// CommandError is returned by ExecChecked when a command exits non-zero.
type CommandError struct {
	Code   int
	Output string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed with code %d: %s", e.Code, e.Output)
}

// Transport executes commands on a storage host. Implementations are owned
// by a single RPC at a time: construct, Connect, use, Disconnect.
type Transport interface {
	// Connect establishes the session. It is a no-op for local transports.
	Connect(ctx context.Context) error

	// IsConnected reports whether the transport currently holds a session.
	IsConnected() bool

	// Exec runs cmd to completion and returns the merged stdout+stderr
	// output (stdout first, then stderr, each trailing-whitespace stripped)
	// and the process exit code. A signal-terminated process reports
	// SignalExitCode.
	Exec(ctx context.Context, cmd string) (string, int, error)

	// ExecOpen starts a long-running process with a writable stdin and
	// returns an interactive stream over it.
	ExecOpen(ctx context.Context, cmd string) (Stream, error)

	// Disconnect tears the session down.
	Disconnect() error
}

// Stream is a line-oriented view of a running remote process. Stdout and
// stderr lines are merged in arrival order.
type Stream interface {
	// WaitForCompletion reads until the process exits and returns the
	// remaining captured output and the exit code. Calling it twice is an
	// error (ErrStreamCompleted).
	WaitForCompletion(ctx context.Context) (string, int, error)

	// WaitFor reads until a newly arrived line matches re or the process
	// exits. It returns the accumulated output (including the matching
	// line), the exit code, and whether the process exited.
	WaitFor(ctx context.Context, re *regexp.Regexp) (output string, code int, exited bool, err error)

	// SendLine writes data followed by a newline to the process stdin.
	SendLine(data string) error

	// Close kills the owned process if it is still running.
	Close() error
}

// BuildCommand derives the host command string from the user command:
// an optional "sudo " prefix followed by an optional "chroot <path> " prefix.
func BuildCommand(sudo bool, chrootPath, cmd string) string {
	var b strings.Builder
	if sudo {
		b.WriteString("sudo ")
	}
	if chrootPath != "" {
		b.WriteString("chroot ")
		b.WriteString(chrootPath)
		b.WriteString(" ")
	}
	b.WriteString(cmd)
	return b.String()
}

// ExecChecked runs cmd through t and fails with a CommandError when the
// exit code is non-zero.
func ExecChecked(ctx context.Context, t Transport, cmd string) (string, error) {
	output, code, err := t.Exec(ctx, cmd)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", &CommandError{Code: code, Output: output}
	}
	return output, nil
}

// combineOutput merges the captured stdout and stderr of a completed
// command: stdout first, a newline, then stderr, each with trailing
// whitespace stripped.
func combineOutput(stdout, stderr []byte) string {
	return strings.TrimRight(string(stdout), " \t\r\n") + "\n" + strings.TrimRight(string(stderr), " \t\r\n")
}
