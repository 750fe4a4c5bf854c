package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"k8s.io/klog/v2"
)

// sshDialTimeout bounds the TCP and handshake phase of Connect.
const sshDialTimeout = 15 * time.Second

// SSHTransport runs commands on a remote host over SSH with public-key
// authentication. Every Exec/ExecOpen uses its own session on the shared
// connection.
type SSHTransport struct {
	user       string
	addr       string
	privateKey string
	sudo       bool

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSH returns a transport for user@host:port authenticated with the
// given PEM-encoded private key. The server host key is not verified, as
// storage hosts are addressed by operator-provided secrets.
func NewSSH(user, host string, port int, privateKey string, sudo bool) *SSHTransport {
	return &SSHTransport{
		user:       user,
		addr:       net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		privateKey: privateKey,
		sudo:       sudo,
	}
}

func (t *SSHTransport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return nil
	}

	signer, err := ssh.ParsePrivateKey([]byte(t.privateKey))
	if err != nil {
		return fmt.Errorf("failed to parse SSH private key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            t.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // hosts come from operator secrets
		Timeout:         sshDialTimeout,
	}

	klog.V(4).Infof("[ssh] connecting to %s as %s", t.addr, t.user)
	client, err := ssh.Dial("tcp", t.addr, cfg)
	if err != nil {
		return fmt.Errorf("SSH connection to %s failed: %w", t.addr, err)
	}
	t.client = client
	return nil
}

func (t *SSHTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client != nil
}

func (t *SSHTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

func (t *SSHTransport) session() (*ssh.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, ErrNotConnected
	}
	return t.client.NewSession()
}

func (t *SSHTransport) Exec(_ context.Context, cmd string) (string, int, error) {
	sess, err := t.session()
	if err != nil {
		return "", 0, err
	}
	defer sess.Close()

	full := BuildCommand(t.sudo, "", cmd)
	klog.V(5).Infof("[ssh] exec: %s", full)

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	code := 0
	if err := sess.Run(full); err != nil {
		var exitErr *ssh.ExitError
		var missingErr *ssh.ExitMissingError
		switch {
		case errors.As(err, &exitErr):
			code = exitErr.ExitStatus()
		case errors.As(err, &missingErr):
			code = SignalExitCode
		default:
			return "", 0, err
		}
	}
	return combineOutput(stdout.Bytes(), stderr.Bytes()), code, nil
}

func (t *SSHTransport) ExecOpen(_ context.Context, cmd string) (Stream, error) {
	sess, err := t.session()
	if err != nil {
		return nil, err
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}

	full := BuildCommand(t.sudo, "", cmd)
	klog.V(5).Infof("[ssh] exec open: %s", full)
	if err := sess.Start(full); err != nil {
		sess.Close()
		return nil, err
	}

	wait := func() int {
		defer sess.Close()
		if err := sess.Wait(); err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return exitErr.ExitStatus()
			}
			return SignalExitCode
		}
		return 0
	}
	kill := func() {
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
	}
	return newProcStream(stdin, stdout, stderr, wait, kill), nil
}
