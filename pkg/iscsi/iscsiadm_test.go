package iscsi

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/zedfs/zed-csi/pkg/shell"
)

// fakeTransport replays canned responses and records the commands it saw.
// A command listed in failUntil fails that many times before succeeding.
type fakeTransport struct {
	responses map[string]fakeResponse
	failUntil map[string]int
	commands  []string
}

type fakeResponse struct {
	output string
	code   int
}

func (f *fakeTransport) Connect(_ context.Context) error { return nil }
func (f *fakeTransport) IsConnected() bool               { return true }
func (f *fakeTransport) Disconnect() error               { return nil }

func (f *fakeTransport) Exec(_ context.Context, cmd string) (string, int, error) {
	f.commands = append(f.commands, cmd)
	if left, ok := f.failUntil[cmd]; ok && left > 0 {
		f.failUntil[cmd] = left - 1
		return "", 1, nil
	}
	resp := f.responses[cmd]
	return resp.output, resp.code, nil
}

func (f *fakeTransport) ExecOpen(_ context.Context, _ string) (shell.Stream, error) {
	panic("not used in iscsiadm tests")
}

func (f *fakeTransport) count(cmd string) int {
	n := 0
	for _, c := range f.commands {
		if c == cmd {
			n++
		}
	}
	return n
}

const sessionOutput = "tcp: [1] 192.168.1.10:3260,1 iqn.2003-01.org.lio:tank-vol1 (non-flash)\n" +
	"tcp: [2] 192.168.1.11:3260,1 iqn.2003-01.org.lio:tank-vol2 (non-flash)\n"

func TestSessions(t *testing.T) {
	tr := &fakeTransport{responses: map[string]fakeResponse{
		"iscsiadm -m session": {output: sessionOutput},
	}}

	sessions, err := NewISCSIAdm(tr).Sessions(context.Background())
	if err != nil {
		t.Fatalf("Sessions() unexpected error: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Sessions() returned %d sessions, want 2", len(sessions))
	}
	if sessions[0].IP != "192.168.1.10" || sessions[0].Port != "3260" {
		t.Errorf("Sessions()[0] = %+v, want 192.168.1.10:3260", sessions[0])
	}
	if sessions[1].IQN != "iqn.2003-01.org.lio:tank-vol2" {
		t.Errorf("Sessions()[1].IQN = %q", sessions[1].IQN)
	}
}

func TestSessionsNoneActive(t *testing.T) {
	// iscsiadm exits non-zero when there are no sessions at all.
	tr := &fakeTransport{responses: map[string]fakeResponse{
		"iscsiadm -m session": {output: "iscsiadm: No active sessions.", code: 21},
	}}

	sessions, err := NewISCSIAdm(tr).Sessions(context.Background())
	if err != nil {
		t.Fatalf("Sessions() unexpected error: %v", err)
	}
	if sessions != nil {
		t.Errorf("Sessions() = %v, want nil", sessions)
	}
}

func TestLogin(t *testing.T) {
	iqn := "iqn.2003-01.org.lio:tank-vol3"
	loginCmd := "iscsiadm --mode node --targetname '" + iqn + "' --portal '192.168.1.10' --login"
	tr := &fakeTransport{responses: map[string]fakeResponse{
		"iscsiadm -m session": {output: sessionOutput},
		loginCmd:              {output: "Login to [iface: default] successful."},
	}}

	if err := NewISCSIAdm(tr).Login(context.Background(), iqn, "192.168.1.10"); err != nil {
		t.Fatalf("Login() unexpected error: %v", err)
	}
	if tr.count(loginCmd) != 1 {
		t.Errorf("Login() ran %d login commands, want 1", tr.count(loginCmd))
	}
}

func TestLoginExistingSessionReused(t *testing.T) {
	iqn := "iqn.2003-01.org.lio:tank-vol1"
	tr := &fakeTransport{responses: map[string]fakeResponse{
		"iscsiadm -m session": {output: sessionOutput},
	}}

	if err := NewISCSIAdm(tr).Login(context.Background(), iqn, "192.168.1.10"); err != nil {
		t.Fatalf("Login() unexpected error: %v", err)
	}
	for _, cmd := range tr.commands {
		if strings.Contains(cmd, "--login") {
			t.Errorf("Login() ran %q despite an existing session", cmd)
		}
	}
}

func TestLogoutToleratesFailure(t *testing.T) {
	iqn := "iqn.2003-01.org.lio:tank-vol1"
	cmd := "iscsiadm --mode node --targetname '" + iqn + "' --portal '192.168.1.10' --logout"
	tr := &fakeTransport{responses: map[string]fakeResponse{
		cmd: {output: "iscsiadm: No matching sessions found", code: 21},
	}}

	if err := NewISCSIAdm(tr).Logout(context.Background(), iqn, "192.168.1.10"); err != nil {
		t.Errorf("Logout() error = %v, want nil for an already-gone session", err)
	}
}

func TestDiscovery(t *testing.T) {
	cmd := "iscsiadm -m discovery -t sendtargets -p '192.168.1.10'"
	tr := &fakeTransport{responses: map[string]fakeResponse{
		cmd: {output: "192.168.1.10:3260,1 iqn.2003-01.org.lio:tank-vol1"},
	}}

	if err := NewISCSIAdm(tr).Discovery(context.Background(), "192.168.1.10"); err != nil {
		t.Fatalf("Discovery() unexpected error: %v", err)
	}
}

func TestDiscoveryFailure(t *testing.T) {
	cmd := "iscsiadm -m discovery -t sendtargets -p '192.168.1.99'"
	tr := &fakeTransport{responses: map[string]fakeResponse{
		cmd: {output: "iscsiadm: connection login retries exceeded", code: 4},
	}}

	if err := NewISCSIAdm(tr).Discovery(context.Background(), "192.168.1.99"); err == nil {
		t.Fatal("Discovery() expected error, got nil")
	}
}

func TestDiskPath(t *testing.T) {
	got := DiskPath("iqn.2003-01.org.lio:tank-vol1", "192.168.1.10")
	want := "/dev/disk/by-path/ip-192.168.1.10:3260-iscsi-iqn.2003-01.org.lio:tank-vol1-lun-0"
	if got != want {
		t.Errorf("DiskPath() = %q, want %q", got, want)
	}
}

func TestWaitForDisk(t *testing.T) {
	iqn := "iqn.2003-01.org.lio:tank-vol1"
	path := DiskPath(iqn, "192.168.1.10")
	cmd := "test -b '" + path + "'"

	tr := &fakeTransport{
		responses: map[string]fakeResponse{cmd: {}},
		failUntil: map[string]int{cmd: 4},
	}
	adm := NewISCSIAdm(tr)
	adm.pollInterval = time.Millisecond

	got, err := adm.WaitForDisk(context.Background(), iqn, "192.168.1.10")
	if err != nil {
		t.Fatalf("WaitForDisk() unexpected error: %v", err)
	}
	if got != path {
		t.Errorf("WaitForDisk() = %q, want %q", got, path)
	}
	if tr.count(cmd) != 5 {
		t.Errorf("WaitForDisk() polled %d times, want 5", tr.count(cmd))
	}
}

func TestWaitForDiskTimeout(t *testing.T) {
	iqn := "iqn.2003-01.org.lio:tank-ghost"
	path := DiskPath(iqn, "192.168.1.10")
	cmd := "test -b '" + path + "'"

	tr := &fakeTransport{
		responses: map[string]fakeResponse{cmd: {code: 1}},
	}
	adm := NewISCSIAdm(tr)
	adm.pollInterval = time.Millisecond

	_, err := adm.WaitForDisk(context.Background(), iqn, "192.168.1.10")
	if err == nil {
		t.Fatal("WaitForDisk() expected timeout error, got nil")
	}
	if !strings.Contains(err.Error(), "timed out waiting for device") {
		t.Errorf("WaitForDisk() error = %v, want timeout message", err)
	}
	if tr.count(cmd) != diskPollAttempts {
		t.Errorf("WaitForDisk() polled %d times, want %d", tr.count(cmd), diskPollAttempts)
	}
}
