// Package driver implements the CSI Identity, Controller and Node services
// on top of the storage modules.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"k8s.io/klog/v2"

	"github.com/zedfs/zed-csi/pkg/config"
	"github.com/zedfs/zed-csi/pkg/metadata"
	"github.com/zedfs/zed-csi/pkg/metrics"
	"github.com/zedfs/zed-csi/pkg/shell"
)

// Config contains the configuration for the driver.
type Config struct {
	DriverName  string
	Version     string
	NodeID      string
	CSIPath     string
	MetadataDB  string
	ConfigPath  string
	MetricsAddr string
}

// TransportFactory builds the shell transport for one CSI call: from the
// request secrets when present, from the configured node control mode
// otherwise.
type TransportFactory func(secrets map[string]string) (shell.Transport, error)

// Driver is the zed CSI driver.
type Driver struct {
	srv        *grpc.Server
	store      *metadata.Store
	controller *ControllerService
	node       *NodeService
	identity   *IdentityService
	config     Config
}

// NewDriver creates a new driver instance.
func NewDriver(cfg Config) (*Driver, error) {
	klog.V(4).Infof("Creating new driver with config: %+v", cfg)

	// The default config path is optional: a host without /etc/zed-csi.yml
	// runs with local control and retain reclaim.
	nodeCfg := config.Default()
	if cfg.ConfigPath != "" {
		loaded, err := config.Load(cfg.ConfigPath)
		switch {
		case err == nil:
			nodeCfg = loaded
		case errors.Is(err, fs.ErrNotExist):
			klog.Warningf("Config %s not found, using defaults", cfg.ConfigPath)
		default:
			return nil, err
		}
	}

	store, err := metadata.Open(cfg.MetadataDB)
	if err != nil {
		return nil, err
	}

	transports := defaultTransportFactory(nodeCfg.Node.ControlMode)

	d := &Driver{
		config: cfg,
		store:  store,
	}
	d.identity = NewIdentityService(cfg.DriverName, cfg.Version)
	d.controller = NewControllerService(store, transports)
	d.node = NewNodeService(cfg.NodeID, store, transports)

	return d, nil
}

func defaultTransportFactory(controlMode shell.Config) TransportFactory {
	return func(secrets map[string]string) (shell.Transport, error) {
		if len(secrets) > 0 {
			return shell.FromSecrets(secrets)
		}
		return shell.New(controlMode)
	}
}

// Run serves CSI requests on the unix socket until a termination signal
// arrives, then drains in-flight calls and closes the metadata store.
func (d *Driver) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(d.config.CSIPath), 0o755); err != nil {
		return err
	}
	if err := os.Remove(d.config.CSIPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket %s: %w", d.config.CSIPath, err)
	}

	klog.Infof("Listening on unix://%s", d.config.CSIPath)
	listener, err := net.Listen("unix", d.config.CSIPath)
	if err != nil {
		return err
	}

	d.srv = grpc.NewServer(
		grpc.ChainUnaryInterceptor(logGRPC, metrics.UnaryInterceptor),
	)
	csi.RegisterIdentityServer(d.srv, d.identity)
	csi.RegisterControllerServer(d.srv, d.controller)
	csi.RegisterNodeServer(d.srv, d.node)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.srv.Serve(listener)
	})
	g.Go(func() error {
		<-ctx.Done()
		klog.Info("Shutting down")
		d.srv.GracefulStop()
		return nil
	})
	if d.config.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(ctx, d.config.MetricsAddr)
		})
	}

	klog.Infof("%s is ready", d.config.DriverName)
	err = g.Wait()
	if closeErr := d.store.Close(); closeErr != nil {
		klog.Warningf("Failed to close metadata store: %v", closeErr)
	}
	if err == grpc.ErrServerStopped {
		return nil
	}
	return err
}

// logGRPC logs gRPC requests.
func logGRPC(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	methodParts := strings.Split(info.FullMethod, "/")
	method := methodParts[len(methodParts)-1]

	klog.V(3).Infof("GRPC call: %s", method)
	klog.V(5).Infof("GRPC request: %+v", req)

	resp, err := handler(ctx, req)
	if err != nil {
		klog.Errorf("GRPC error: %s returned error: %v", method, err)
	} else {
		klog.V(5).Infof("GRPC response: %+v", resp)
	}

	return resp, err
}
