//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"

	"go.uber.org/zap"

	"github.com/dbfs/dbfs/internal/vfs"
)

// PlatformFileSystem is a mounted filesystem, independent of the FUSE binding.
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	Wait()
	GetStats() vfs.Stats
}

// CreatePlatformMountManager creates the cgofuse mount manager
func CreatePlatformMountManager(v *vfs.FileSystem, config *MountConfig, logger *zap.Logger) PlatformFileSystem {
	return NewCgoFuseMountManager(v, config, logger)
}
