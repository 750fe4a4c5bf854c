// Package metadata persists per-volume storage descriptions across process
// restarts, so that lifecycle calls arriving without parameters (delete,
// unpublish, unstage) can still be routed to the right backend.
package metadata

import (
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zedfs/zed-csi/pkg/storage"
	"k8s.io/klog/v2"
)

var bucketName = []byte("metadata")

// storageInfoPrefix namespaces volume records within the bucket.
const storageInfoPrefix = "StorageInfo::"

// Store is the process-wide volume metadata database. It is safe for
// concurrent use; writes are flushed before Set returns.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the metadata database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetStorageInfo persists the volume description. The write is committed
// durably before returning.
func (s *Store) SetStorageInfo(volumeID string, info storage.Info) error {
	data, err := info.Encode()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(storageInfoPrefix+volumeID), data)
	})
}

// GetStorageInfo returns the persisted description of a volume, or nil
// when no record exists. A record that no longer decodes is reported to
// the operator log and treated as missing, so stale volumes remain
// deletable after a format change.
func (s *Store) GetStorageInfo(volumeID string) (*storage.Info, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketName).Get([]byte(storageInfoPrefix + volumeID)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	info, err := storage.DecodeInfo(raw)
	if err != nil {
		klog.Errorf("Metadata record for volume %s failed to decode, treating as missing: %v", volumeID, err)
		return nil, nil
	}
	return &info, nil
}

// ListStorageInfo returns all persisted volume records keyed by volume id.
// Records that fail to decode are skipped with an operator log entry.
func (s *Store) ListStorageInfo() (map[string]storage.Info, error) {
	result := make(map[string]storage.Info)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		prefix := []byte(storageInfoPrefix)
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), storageInfoPrefix); k, v = c.Next() {
			volumeID := strings.TrimPrefix(string(k), storageInfoPrefix)
			info, err := storage.DecodeInfo(v)
			if err != nil {
				klog.Errorf("Skipping undecodable metadata record for volume %s: %v", volumeID, err)
				continue
			}
			result[volumeID] = info
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
