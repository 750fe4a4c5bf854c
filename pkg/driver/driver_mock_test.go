package driver

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/zedfs/zed-csi/pkg/metadata"
	"github.com/zedfs/zed-csi/pkg/shell"
	"github.com/zedfs/zed-csi/pkg/storage"
)

// fakeTransport replays canned responses and records the commands it saw.
type fakeTransport struct {
	responses map[string]fakeResponse
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
	resp := f.responses[cmd]
	return resp.output, resp.code, nil
}

func (f *fakeTransport) ExecOpen(_ context.Context, _ string) (shell.Stream, error) {
	panic("not used in driver tests")
}

// testEnv wires a controller and node service onto a temporary metadata
// store and a single fake transport.
type testEnv struct {
	store      *metadata.Store
	transport  *fakeTransport
	controller *ControllerService
	node       *NodeService
}

func newTestEnv(t *testing.T, responses map[string]fakeResponse) *testEnv {
	t.Helper()
	store, err := metadata.Open(filepath.Join(t.TempDir(), "metadata.db"))
	if err != nil {
		t.Fatalf("opening metadata store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tr := &fakeTransport{responses: responses}
	factory := func(_ map[string]string) (shell.Transport, error) {
		return tr, nil
	}
	return &testEnv{
		store:      store,
		transport:  tr,
		controller: NewControllerService(store, factory),
		node:       NewNodeService("node-1", store, factory),
	}
}

func nfsParams() map[string]string {
	return map[string]string{
		storage.ParamType:          storage.TypeNFS,
		storage.ParamParentDataset: "tank/k8s",
		storage.ParamHost:          "192.168.1.10",
	}
}
