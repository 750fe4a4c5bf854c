package iscsi

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/zedfs/zed-csi/pkg/shell"
)

// fakeStream scripts a targetcli session: each WaitFor pops the next output
// chunk, and sent lines are recorded.
type fakeStream struct {
	outputs []string
	sent    []string
	closed  bool
}

func (f *fakeStream) WaitFor(_ context.Context, re *regexp.Regexp) (string, int, bool, error) {
	if len(f.outputs) == 0 {
		return "", 0, true, nil
	}
	out := f.outputs[0]
	f.outputs = f.outputs[1:]
	// The real stream matches line by line; a scripted chunk without a
	// matching line means the process exited.
	for _, line := range strings.Split(out, "\n") {
		if re.MatchString(line) {
			return out, 0, false, nil
		}
	}
	return out, 0, true, nil
}

func (f *fakeStream) WaitForCompletion(_ context.Context) (string, int, error) {
	return "", 0, nil
}

func (f *fakeStream) SendLine(data string) error {
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

// fakeStreamTransport hands out a prepared stream on ExecOpen.
type fakeStreamTransport struct {
	stream  *fakeStream
	openCmd string
}

func (f *fakeStreamTransport) Connect(_ context.Context) error { return nil }
func (f *fakeStreamTransport) IsConnected() bool               { return true }
func (f *fakeStreamTransport) Disconnect() error               { return nil }

func (f *fakeStreamTransport) Exec(_ context.Context, _ string) (string, int, error) {
	panic("not used in targetcli tests")
}

func (f *fakeStreamTransport) ExecOpen(_ context.Context, cmd string) (shell.Stream, error) {
	f.openCmd = cmd
	return f.stream, nil
}

const prompt = "/> "

func TestNormalizeVolumeID(t *testing.T) {
	if got := NormalizeVolumeID("tank/k8s/ns/pvc"); got != "tank-k8s-ns-pvc" {
		t.Errorf("NormalizeVolumeID() = %q, want %q", got, "tank-k8s-ns-pvc")
	}
}

func TestBackstoreName(t *testing.T) {
	if got := BackstoreName("tank/vol"); got != "k8s-tank-vol" {
		t.Errorf("BackstoreName() = %q, want %q", got, "k8s-tank-vol")
	}
}

func TestTargetIQN(t *testing.T) {
	got := TargetIQN("iqn.2003-01.org.lio", "tank/vol")
	want := "iqn.2003-01.org.lio:tank-vol"
	if got != want {
		t.Errorf("TargetIQN() = %q, want %q", got, want)
	}
}

func TestPromptRegex(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"/> ", true},
		{"/iscsi> ", true},
		{"/backstores/block> ", true},
		{"Created block storage object", false},
		{"  o- iscsi ......... [Targets: 1]", false},
	}
	for _, tt := range tests {
		if got := promptRe.MatchString(tt.line); got != tt.want {
			t.Errorf("promptRe.MatchString(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestOpenTargetCLI(t *testing.T) {
	stream := &fakeStream{outputs: []string{
		"targetcli shell version 2.1.53\n" + prompt,
	}}
	tr := &fakeStreamTransport{stream: stream}

	cli, err := OpenTargetCLI(context.Background(), tr)
	if err != nil {
		t.Fatalf("OpenTargetCLI() unexpected error: %v", err)
	}
	if cli == nil {
		t.Fatal("OpenTargetCLI() = nil")
	}
	if tr.openCmd != "targetcli" {
		t.Errorf("OpenTargetCLI() started %q, want %q", tr.openCmd, "targetcli")
	}
}

func TestOpenTargetCLIExitsEarly(t *testing.T) {
	stream := &fakeStream{outputs: []string{
		"targetcli: command not found\n",
	}}
	tr := &fakeStreamTransport{stream: stream}

	if _, err := OpenTargetCLI(context.Background(), tr); err == nil {
		t.Fatal("OpenTargetCLI() expected error when the REPL exits before its prompt")
	}
	if !stream.closed {
		t.Error("OpenTargetCLI() should close the stream on failure")
	}
}

func TestListTargets(t *testing.T) {
	listing := "o- iscsi ............................................ [Targets: 2]\n" +
		"  o- iqn.2003-01.org.lio:tank-vol1 ................... [TPGs: 1]\n" +
		"  o- iqn.2003-01.org.lio:tank-vol2 ................... [TPGs: 1]\n" +
		prompt
	stream := &fakeStream{outputs: []string{prompt, listing}}
	cli := mustOpen(t, stream)

	targets, err := cli.ListTargets(context.Background())
	if err != nil {
		t.Fatalf("ListTargets() unexpected error: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("ListTargets() returned %d targets, want 2: %v", len(targets), targets)
	}
	if targets[0] != "iqn.2003-01.org.lio:tank-vol1" {
		t.Errorf("ListTargets()[0] = %q", targets[0])
	}
	if stream.sent[0] != "ls /iscsi 1" {
		t.Errorf("ListTargets() sent %q, want %q", stream.sent[0], "ls /iscsi 1")
	}
}

func TestCreateBackstore(t *testing.T) {
	stream := &fakeStream{outputs: []string{
		prompt,
		"Created block storage object k8s-tank-vol using /dev/zvol/tank/vol.\n" + prompt,
	}}
	cli := mustOpen(t, stream)

	name, err := cli.CreateBackstore(context.Background(), "tank/vol")
	if err != nil {
		t.Fatalf("CreateBackstore() unexpected error: %v", err)
	}
	if name != "k8s-tank-vol" {
		t.Errorf("CreateBackstore() = %q, want %q", name, "k8s-tank-vol")
	}
	want := "/backstores/block create k8s-tank-vol /dev/zvol/tank/vol"
	if stream.sent[0] != want {
		t.Errorf("CreateBackstore() sent %q, want %q", stream.sent[0], want)
	}
}

func TestCreateTarget(t *testing.T) {
	stream := &fakeStream{outputs: []string{
		prompt,
		"Created target iqn.2003-01.org.lio:tank-vol.\n" + prompt,
	}}
	cli := mustOpen(t, stream)

	iqn, err := cli.CreateTarget(context.Background(), "iqn.2003-01.org.lio", "tank/vol")
	if err != nil {
		t.Fatalf("CreateTarget() unexpected error: %v", err)
	}
	if iqn != "iqn.2003-01.org.lio:tank-vol" {
		t.Errorf("CreateTarget() = %q", iqn)
	}
	want := "/iscsi create iqn.2003-01.org.lio:tank-vol"
	if stream.sent[0] != want {
		t.Errorf("CreateTarget() sent %q, want %q", stream.sent[0], want)
	}
}

func TestSetTargetBackstore(t *testing.T) {
	stream := &fakeStream{outputs: []string{
		prompt,
		"Created LUN 0.\n" + prompt,
	}}
	cli := mustOpen(t, stream)

	if err := cli.SetTargetBackstore(context.Background(), "iqn.2003-01.org.lio:tank-vol", "k8s-tank-vol"); err != nil {
		t.Fatalf("SetTargetBackstore() unexpected error: %v", err)
	}
	want := "/iscsi/iqn.2003-01.org.lio:tank-vol/tpg1/luns create /backstores/block/k8s-tank-vol"
	if stream.sent[0] != want {
		t.Errorf("SetTargetBackstore() sent %q, want %q", stream.sent[0], want)
	}
}

func TestTargetAttributes(t *testing.T) {
	stream := &fakeStream{outputs: []string{
		prompt,
		"authentication=1 \ncache_dynamic_acls=0 \ndemo_mode_write_protect=1 \ngeneration_node_acls=0 \n" + prompt,
	}}
	cli := mustOpen(t, stream)

	attrs, err := cli.TargetAttributes(context.Background(), "iqn.2003-01.org.lio:tank-vol", "tpg1")
	if err != nil {
		t.Fatalf("TargetAttributes() unexpected error: %v", err)
	}
	if attrs["authentication"] != 1 {
		t.Errorf("authentication = %d, want 1", attrs["authentication"])
	}
	if attrs["demo_mode_write_protect"] != 1 {
		t.Errorf("demo_mode_write_protect = %d, want 1", attrs["demo_mode_write_protect"])
	}
	if len(attrs) != 4 {
		t.Errorf("TargetAttributes() returned %d attributes, want 4: %v", len(attrs), attrs)
	}
}

func TestSetAttribute(t *testing.T) {
	stream := &fakeStream{outputs: []string{
		prompt,
		"Parameter authentication is now '0'.\n" + prompt,
	}}
	cli := mustOpen(t, stream)

	if err := cli.SetAttribute(context.Background(), "iqn.2003-01.org.lio:tank-vol", "authentication", "0"); err != nil {
		t.Fatalf("SetAttribute() unexpected error: %v", err)
	}
	want := "/iscsi/iqn.2003-01.org.lio:tank-vol/tpg1 set attribute authentication=0"
	if stream.sent[0] != want {
		t.Errorf("SetAttribute() sent %q, want %q", stream.sent[0], want)
	}
}

func TestSetAttributeUnconfirmed(t *testing.T) {
	stream := &fakeStream{outputs: []string{
		prompt,
		"No such attribute.\n" + prompt,
	}}
	cli := mustOpen(t, stream)

	err := cli.SetAttribute(context.Background(), "iqn.2003-01.org.lio:tank-vol", "bogus", "1")
	if !errors.Is(err, ErrSetAttributeFailed) {
		t.Errorf("SetAttribute() error = %v, want ErrSetAttributeFailed", err)
	}
}

func TestClose(t *testing.T) {
	stream := &fakeStream{outputs: []string{prompt}}
	cli := mustOpen(t, stream)

	if err := cli.Close(context.Background()); err != nil {
		t.Fatalf("Close() unexpected error: %v", err)
	}
	if stream.sent[len(stream.sent)-1] != "exit" {
		t.Errorf("Close() last sent line = %q, want %q", stream.sent[len(stream.sent)-1], "exit")
	}
	if !stream.closed {
		t.Error("Close() did not close the stream")
	}
}

func mustOpen(t *testing.T, stream *fakeStream) *TargetCLI {
	t.Helper()
	cli, err := OpenTargetCLI(context.Background(), &fakeStreamTransport{stream: stream})
	if err != nil {
		t.Fatalf("OpenTargetCLI() unexpected error: %v", err)
	}
	return cli
}
