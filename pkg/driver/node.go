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

// NodeService implements the CSI Node service.
type NodeService struct {
	csi.UnimplementedNodeServer
	nodeID     string
	store      *metadata.Store
	transports TransportFactory
}

// NewNodeService creates a new node service.
func NewNodeService(nodeID string, store *metadata.Store, transports TransportFactory) *NodeService {
	return &NodeService{
		nodeID:     nodeID,
		store:      store,
		transports: transports,
	}
}

// NodeStageVolume attaches the volume to this node and mounts it at the
// staging path.
func (s *NodeService) NodeStageVolume(ctx context.Context, req *csi.NodeStageVolumeRequest) (*csi.NodeStageVolumeResponse, error) {
	klog.V(4).Infof("NodeStageVolume called with volume ID: %s, staging path: %s", req.GetVolumeId(), req.GetStagingTargetPath())

	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume ID is required")
	}
	if req.GetStagingTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "Staging target path is required")
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

	if err := module.Stage(ctx, req.GetVolumeId(), req.GetStagingTargetPath()); err != nil {
		return nil, toStatus(err)
	}
	return &csi.NodeStageVolumeResponse{}, nil
}

// NodeUnstageVolume unmounts the staging path and detaches the volume.
func (s *NodeService) NodeUnstageVolume(ctx context.Context, req *csi.NodeUnstageVolumeRequest) (*csi.NodeUnstageVolumeResponse, error) {
	klog.V(4).Infof("NodeUnstageVolume called with volume ID: %s, staging path: %s", req.GetVolumeId(), req.GetStagingTargetPath())

	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume ID is required")
	}
	if req.GetStagingTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "Staging target path is required")
	}

	info, err := s.store.GetStorageInfo(req.GetVolumeId())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to load volume metadata: %v", err)
	}
	if info == nil {
		klog.Warningf("No metadata for volume %s, skipping unstage", req.GetVolumeId())
		return &csi.NodeUnstageVolumeResponse{}, nil
	}

	// NodeUnstageVolume carries no secrets in CSI v1; the transport comes
	// from the configured node control mode.
	module, cleanup, err := s.newModule(ctx, *info, nil)
	if err != nil {
		return nil, toStatus(err)
	}
	defer cleanup()

	if err := module.Unstage(ctx, req.GetVolumeId(), req.GetStagingTargetPath()); err != nil {
		return nil, toStatus(err)
	}
	return &csi.NodeUnstageVolumeResponse{}, nil
}

// NodePublishVolume exposes the staged volume at the target path.
func (s *NodeService) NodePublishVolume(ctx context.Context, req *csi.NodePublishVolumeRequest) (*csi.NodePublishVolumeResponse, error) {
	klog.V(4).Infof("NodePublishVolume called with volume ID: %s, target path: %s", req.GetVolumeId(), req.GetTargetPath())

	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume ID is required")
	}
	if req.GetTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "Target path is required")
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

	if err := module.Mount(ctx, req.GetVolumeId(), req.GetStagingTargetPath(), req.GetTargetPath()); err != nil {
		return nil, toStatus(err)
	}
	return &csi.NodePublishVolumeResponse{}, nil
}

// NodeUnpublishVolume removes the volume from the target path.
func (s *NodeService) NodeUnpublishVolume(ctx context.Context, req *csi.NodeUnpublishVolumeRequest) (*csi.NodeUnpublishVolumeResponse, error) {
	klog.V(4).Infof("NodeUnpublishVolume called with volume ID: %s, target path: %s", req.GetVolumeId(), req.GetTargetPath())

	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume ID is required")
	}
	if req.GetTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "Target path is required")
	}

	info, err := s.store.GetStorageInfo(req.GetVolumeId())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to load volume metadata: %v", err)
	}
	if info == nil {
		klog.Warningf("No metadata for volume %s, skipping unpublish", req.GetVolumeId())
		return &csi.NodeUnpublishVolumeResponse{}, nil
	}

	// NodeUnpublishVolume carries no secrets in CSI v1.
	module, cleanup, err := s.newModule(ctx, *info, nil)
	if err != nil {
		return nil, toStatus(err)
	}
	defer cleanup()

	if err := module.Unmount(ctx, req.GetVolumeId(), req.GetTargetPath()); err != nil {
		return nil, toStatus(err)
	}
	return &csi.NodeUnpublishVolumeResponse{}, nil
}

// NodeGetCapabilities returns the node capabilities.
func (s *NodeService) NodeGetCapabilities(_ context.Context, _ *csi.NodeGetCapabilitiesRequest) (*csi.NodeGetCapabilitiesResponse, error) {
	klog.V(4).Info("NodeGetCapabilities called")

	return &csi.NodeGetCapabilitiesResponse{
		Capabilities: []*csi.NodeServiceCapability{
			{
				Type: &csi.NodeServiceCapability_Rpc{
					Rpc: &csi.NodeServiceCapability_RPC{
						Type: csi.NodeServiceCapability_RPC_STAGE_UNSTAGE_VOLUME,
					},
				},
			},
		},
	}, nil
}

// NodeGetInfo returns this node's identity.
func (s *NodeService) NodeGetInfo(_ context.Context, _ *csi.NodeGetInfoRequest) (*csi.NodeGetInfoResponse, error) {
	klog.V(4).Info("NodeGetInfo called")

	if s.nodeID == "" {
		return nil, status.Error(codes.Unavailable, "Node ID not configured")
	}
	return &csi.NodeGetInfoResponse{NodeId: s.nodeID}, nil
}

func (s *NodeService) resolveInfo(volumeID string, volumeContext map[string]string) (*storage.Info, error) {
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

func (s *NodeService) newModule(ctx context.Context, info storage.Info, secrets map[string]string) (storage.Module, func(), error) {
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
