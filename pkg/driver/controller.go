package driver

import (
	"context"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"github.com/zedfs/zed-csi/pkg/metadata"
	"github.com/zedfs/zed-csi/pkg/storage"
)

// defaultVolumeSize is used when the capacity range leaves the size open.
const defaultVolumeSize = 1 << 30 // 1GiB

// ControllerService implements the CSI Controller service.
type ControllerService struct {
	csi.UnimplementedControllerServer
	store      *metadata.Store
	transports TransportFactory
}

// NewControllerService creates a new controller service.
func NewControllerService(store *metadata.Store, transports TransportFactory) *ControllerService {
	return &ControllerService{
		store:      store,
		transports: transports,
	}
}

// CreateVolume provisions a backing dataset on the storage host and
// persists the volume description for later parameterless calls.
func (s *ControllerService) CreateVolume(ctx context.Context, req *csi.CreateVolumeRequest) (*csi.CreateVolumeResponse, error) {
	klog.V(4).Infof("CreateVolume called with name: %s", req.GetName())

	if req.GetName() == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume name is required")
	}

	info, err := storage.ParseInfo(req.GetParameters())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "Invalid volume parameters: %v", err)
	}

	module, cleanup, err := s.newModule(ctx, info, req.GetSecrets())
	if err != nil {
		return nil, toStatus(err)
	}
	defer cleanup()

	name := storage.VolumeName(req.GetName(), req.GetParameters())
	volumeID, err := module.Create(ctx, name, provisionSize(req.GetCapacityRange()))
	if err != nil {
		return nil, toStatus(err)
	}

	if err := s.store.SetStorageInfo(volumeID, info); err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to persist volume metadata: %v", err)
	}

	klog.V(3).Infof("Created volume %s", volumeID)
	return &csi.CreateVolumeResponse{
		Volume: &csi.Volume{
			VolumeId:      volumeID,
			CapacityBytes: provisionSize(req.GetCapacityRange()),
			VolumeContext: req.GetParameters(),
		},
	}, nil
}

// DeleteVolume releases the volume. A volume with no metadata record is
// treated as already gone.
func (s *ControllerService) DeleteVolume(ctx context.Context, req *csi.DeleteVolumeRequest) (*csi.DeleteVolumeResponse, error) {
	klog.V(4).Infof("DeleteVolume called with volume ID: %s", req.GetVolumeId())

	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume ID is required")
	}

	info, err := s.store.GetStorageInfo(req.GetVolumeId())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to load volume metadata: %v", err)
	}
	if info == nil {
		klog.Warningf("No metadata for volume %s, skipping delete", req.GetVolumeId())
		return &csi.DeleteVolumeResponse{}, nil
	}

	module, cleanup, err := s.newModule(ctx, *info, req.GetSecrets())
	if err != nil {
		return nil, toStatus(err)
	}
	defer cleanup()

	if err := module.Delete(ctx, req.GetVolumeId()); err != nil {
		return nil, toStatus(err)
	}
	return &csi.DeleteVolumeResponse{}, nil
}

// ControllerPublishVolume exports the volume from the storage host. The
// volume description comes from the volume context when present, from the
// metadata store otherwise.
func (s *ControllerService) ControllerPublishVolume(ctx context.Context, req *csi.ControllerPublishVolumeRequest) (*csi.ControllerPublishVolumeResponse, error) {
	klog.V(4).Infof("ControllerPublishVolume called with volume ID: %s, node ID: %s", req.GetVolumeId(), req.GetNodeId())

	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume ID is required")
	}

	info, err := s.resolveInfo(req.GetVolumeId(), req.GetVolumeContext())
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, status.Errorf(codes.NotFound, "No metadata for volume %s", req.GetVolumeId())
	}

	module, cleanup, err := s.newModule(ctx, *info, req.GetSecrets())
	if err != nil {
		return nil, toStatus(err)
	}
	defer cleanup()

	if err := module.Publish(ctx, req.GetVolumeId()); err != nil {
		return nil, toStatus(err)
	}
	return &csi.ControllerPublishVolumeResponse{}, nil
}

// ControllerUnpublishVolume withdraws the export.
func (s *ControllerService) ControllerUnpublishVolume(ctx context.Context, req *csi.ControllerUnpublishVolumeRequest) (*csi.ControllerUnpublishVolumeResponse, error) {
	klog.V(4).Infof("ControllerUnpublishVolume called with volume ID: %s", req.GetVolumeId())

	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume ID is required")
	}

	info, err := s.store.GetStorageInfo(req.GetVolumeId())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to load volume metadata: %v", err)
	}
	if info == nil {
		klog.Warningf("No metadata for volume %s, skipping unpublish", req.GetVolumeId())
		return &csi.ControllerUnpublishVolumeResponse{}, nil
	}

	module, cleanup, err := s.newModule(ctx, *info, req.GetSecrets())
	if err != nil {
		return nil, toStatus(err)
	}
	defer cleanup()

	if err := module.Unpublish(ctx, req.GetVolumeId()); err != nil {
		return nil, toStatus(err)
	}
	return &csi.ControllerUnpublishVolumeResponse{}, nil
}

// ValidateVolumeCapabilities confirms the requested capabilities as-is.
func (s *ControllerService) ValidateVolumeCapabilities(_ context.Context, req *csi.ValidateVolumeCapabilitiesRequest) (*csi.ValidateVolumeCapabilitiesResponse, error) {
	klog.V(4).Infof("ValidateVolumeCapabilities called with volume ID: %s", req.GetVolumeId())

	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume ID is required")
	}
	if len(req.GetVolumeCapabilities()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "Volume capabilities are required")
	}

	return &csi.ValidateVolumeCapabilitiesResponse{
		Confirmed: &csi.ValidateVolumeCapabilitiesResponse_Confirmed{
			VolumeContext:      req.GetVolumeContext(),
			VolumeCapabilities: req.GetVolumeCapabilities(),
			Parameters:         req.GetParameters(),
		},
	}, nil
}

// ControllerGetCapabilities returns the controller capabilities.
func (s *ControllerService) ControllerGetCapabilities(_ context.Context, _ *csi.ControllerGetCapabilitiesRequest) (*csi.ControllerGetCapabilitiesResponse, error) {
	klog.V(4).Info("ControllerGetCapabilities called")

	capabilities := []csi.ControllerServiceCapability_RPC_Type{
		csi.ControllerServiceCapability_RPC_CREATE_DELETE_VOLUME,
		csi.ControllerServiceCapability_RPC_PUBLISH_UNPUBLISH_VOLUME,
	}

	caps := make([]*csi.ControllerServiceCapability, 0, len(capabilities))
	for _, c := range capabilities {
		caps = append(caps, &csi.ControllerServiceCapability{
			Type: &csi.ControllerServiceCapability_Rpc{
				Rpc: &csi.ControllerServiceCapability_RPC{Type: c},
			},
		})
	}

	return &csi.ControllerGetCapabilitiesResponse{Capabilities: caps}, nil
}

// resolveInfo builds the volume description from the volume context when it
// carries parameters, otherwise from the metadata store. A parameter-bearing
// context is also re-persisted so later parameterless calls find it.
func (s *ControllerService) resolveInfo(volumeID string, volumeContext map[string]string) (*storage.Info, error) {
	if _, ok := volumeContext[storage.ParamType]; ok {
		info, err := storage.ParseInfo(volumeContext)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "Invalid volume context: %v", err)
		}
		if err := s.store.SetStorageInfo(volumeID, info); err != nil {
			return nil, status.Errorf(codes.Internal, "Failed to persist volume metadata: %v", err)
		}
		return &info, nil
	}

	info, err := s.store.GetStorageInfo(volumeID)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to load volume metadata: %v", err)
	}
	return info, nil
}

// newModule builds the storage module for one call over a fresh transport.
// The returned cleanup disconnects the transport.
func (s *ControllerService) newModule(ctx context.Context, info storage.Info, secrets map[string]string) (storage.Module, func(), error) {
	t, err := s.transports(secrets)
	if err != nil {
		return nil, nil, err
	}
	module, err := storage.NewModule(ctx, info, t)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := t.Disconnect(); err != nil {
			klog.Warningf("Failed to disconnect transport: %v", err)
		}
	}
	return module, cleanup, nil
}

// provisionSize picks the volume size from the capacity range: the larger
// of limit and required, or 1GiB when neither is set.
func provisionSize(capRange *csi.CapacityRange) int64 {
	if capRange == nil {
		return defaultVolumeSize
	}
	size := capRange.GetRequiredBytes()
	if capRange.GetLimitBytes() > size {
		size = capRange.GetLimitBytes()
	}
	if size == 0 {
		return defaultVolumeSize
	}
	return size
}

// toStatus maps storage layer failures onto gRPC codes. Remote command
// failures come back as Aborted so the CO retries them.
func toStatus(err error) error {
	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		return err
	}
	klog.Warningf("Storage operation failed: %v", err)
	return status.Errorf(codes.Aborted, "Storage operation failed: %v", err)
}
