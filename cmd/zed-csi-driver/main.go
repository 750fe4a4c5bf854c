// Package main implements the zed CSI driver entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/zedfs/zed-csi/pkg/driver"
	"github.com/zedfs/zed-csi/pkg/metrics"
	"k8s.io/klog/v2"
)

// Build-time variables set via -ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	csiPath     = flag.String("csi-path", "/plugin/csi.sock", "Path of the CSI unix socket")
	metadataDB  = flag.String("metadata-db", "/plugin/metadata.db", "Path of the volume metadata database")
	configPath  = flag.String("config", "/etc/zed-csi.yml", "Path of the driver configuration file")
	nodeID      = flag.String("node-id", "", "Node ID")
	driverName  = flag.String("csi-name", "zed.csi.io", "Name of the driver")
	metricsAddr = flag.String("metrics-addr", "", "Address to expose Prometheus metrics (empty disables)")
	logLevel    = flag.String("log-level", "info", "Log level: trace, debug, info, warn or error")
	showVersion = flag.Bool("show-version", false, "Show version and exit")
)

// verbosity maps the log-level flag onto klog verbosity.
var verbosity = map[string]string{
	"trace": "6",
	"debug": "4",
	"info":  "2",
	"warn":  "0",
	"error": "0",
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	v, ok := verbosity[*logLevel]
	if !ok {
		klog.Fatalf("'%s' is not a valid log level", *logLevel)
	}
	if err := flag.Set("v", v); err != nil {
		klog.Warningf("Failed to set verbosity level: %v", err)
	}

	if *showVersion {
		fmt.Printf("%s version: %s\n", *driverName, version)
		fmt.Printf("  Git commit: %s\n", gitCommit)
		fmt.Printf("  Build date: %s\n", buildDate)
		fmt.Printf("  Go version: %s\n", runtime.Version())
		fmt.Printf("  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if *nodeID == "" {
		klog.Fatal("Node ID must be provided")
	}

	metrics.SetVersionInfo(version, gitCommit, buildDate)

	klog.Infof("Starting zed CSI driver %s (commit: %s, built: %s)", version, gitCommit, buildDate)
	klog.V(4).Infof("Driver: %s", *driverName)
	klog.V(4).Infof("Node ID: %s", *nodeID)

	drv, err := driver.NewDriver(driver.Config{
		DriverName:  *driverName,
		Version:     version,
		NodeID:      *nodeID,
		CSIPath:     *csiPath,
		MetadataDB:  *metadataDB,
		ConfigPath:  *configPath,
		MetricsAddr: *metricsAddr,
	})
	if err != nil {
		klog.Fatalf("Failed to create driver: %v", err)
	}

	if err := drv.Run(context.Background()); err != nil {
		klog.Fatalf("Failed to run driver: %v", err)
	}
}
