package shell

import (
	"bytes"
	"context"
	"errors"
	"os/exec"

	"k8s.io/klog/v2"
)

// LocalTransport runs commands on the local machine through "sh -c",
// optionally under sudo and/or chroot. Connect and Disconnect are no-ops.
type LocalTransport struct {
	sudo   bool
	chroot string
}

// NewLocal returns a transport executing commands as local processes.
func NewLocal(sudo bool) *LocalTransport {
	return &LocalTransport{sudo: sudo}
}

// NewChroot returns a local transport that prefixes every command with
// "chroot <path>".
func NewChroot(sudo bool, path string) *LocalTransport {
	return &LocalTransport{sudo: sudo, chroot: path}
}

func (t *LocalTransport) Connect(_ context.Context) error { return nil }

func (t *LocalTransport) IsConnected() bool { return true }

func (t *LocalTransport) Disconnect() error { return nil }

func (t *LocalTransport) Exec(ctx context.Context, cmd string) (string, int, error) {
	full := BuildCommand(t.sudo, t.chroot, cmd)
	klog.V(5).Infof("[local] exec: %s", full)

	c := exec.CommandContext(ctx, "sh", "-c", full)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	code := 0
	if err := c.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", 0, err
		}
		code = exitErr.ExitCode()
		if code < 0 {
			code = SignalExitCode
		}
	}
	return combineOutput(stdout.Bytes(), stderr.Bytes()), code, nil
}

func (t *LocalTransport) ExecOpen(ctx context.Context, cmd string) (Stream, error) {
	full := BuildCommand(t.sudo, t.chroot, cmd)
	klog.V(5).Infof("[local] exec open: %s", full)

	c := exec.CommandContext(ctx, "sh", "-c", full)
	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := c.Start(); err != nil {
		return nil, err
	}

	wait := func() int {
		if err := c.Wait(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				if code := exitErr.ExitCode(); code >= 0 {
					return code
				}
			}
			return SignalExitCode
		}
		return 0
	}
	kill := func() {
		if c.Process != nil {
			_ = c.Process.Kill()
		}
	}
	return newProcStream(stdin, stdout, stderr, wait, kill), nil
}
