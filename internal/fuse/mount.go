package fuse

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/dbfs/dbfs/internal/vfs"
	"github.com/dbfs/dbfs/pkg/logging"
)

// MountManager manages FUSE mount operations
type MountManager struct {
	filesystem *vfs.FileSystem
	config     *MountConfig
	logger     *zap.Logger

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
}

// MountConfig contains mount-specific configuration
type MountConfig struct {
	MountPoint string        `yaml:"mount_point"`
	Options    *MountOptions `yaml:"options"`
}

// MountOptions contains FUSE mount options
type MountOptions struct {
	AllowOther   bool `yaml:"allow_other"`
	DefaultPerms bool `yaml:"default_permissions"`
	MaxWrite     uint32 `yaml:"max_write"`

	Debug        bool          `yaml:"debug"`
	FSName       string        `yaml:"fsname"`
	Subtype      string        `yaml:"subtype"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// DefaultMountOptions returns the options used when none are configured.
func DefaultMountOptions() *MountOptions {
	return &MountOptions{
		DefaultPerms: true,
		MaxWrite:     128 * 1024,
		FSName:       "dbfs",
		Subtype:      "dbfs",
		AttrTimeout:  time.Second,
		EntryTimeout: time.Second,
	}
}

// NewMountManager creates a new mount manager
func NewMountManager(filesystem *vfs.FileSystem, config *MountConfig, logger *zap.Logger) *MountManager {
	if config == nil {
		config = &MountConfig{}
	}
	if config.Options == nil {
		config.Options = DefaultMountOptions()
	}

	return &MountManager{
		filesystem: filesystem,
		config:     config,
		logger:     logging.OrNop(logger).Named("mount"),
	}
}

// Mount mounts the filesystem at the configured mount point and starts
// serving requests in the background.
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}
	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	server, err := fs.Mount(m.config.MountPoint, NewRoot(m.filesystem), m.buildFUSEOptions())
	if err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	m.server = server
	m.mounted = true
	m.logger.Info("filesystem mounted", zap.String("mount_point", m.config.MountPoint))

	go func() {
		server.Wait()
		m.mu.Lock()
		if m.server == server {
			m.mounted = false
		}
		m.mu.Unlock()
		m.logger.Info("FUSE server stopped")
	}()

	return nil
}

// Unmount unmounts the filesystem
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server == nil {
		return fmt.Errorf("filesystem is not mounted")
	}

	m.logger.Info("unmounting filesystem", zap.String("mount_point", m.config.MountPoint))

	if err := m.server.Unmount(); err != nil {
		m.logger.Warn("normal unmount failed, trying lazy unmount", zap.Error(err))
		if forceErr := m.forceUnmount(); forceErr != nil {
			return fmt.Errorf("unmount failed: %w (lazy unmount also failed: %v)", err, forceErr)
		}
	}

	m.mounted = false
	m.server = nil
	return nil
}

// IsMounted reports whether the filesystem is currently mounted
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// GetMountPoint returns the current mount point
func (m *MountManager) GetMountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the FUSE server exits.
func (m *MountManager) Wait() {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server != nil {
		server.Wait()
	}
}

// GetStats returns filesystem statistics
func (m *MountManager) GetStats() vfs.Stats {
	if m.filesystem == nil {
		return vfs.Stats{}
	}
	return m.filesystem.GetStats()
}

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", m.config.MountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.config.MountPoint)
	}

	entries, err := os.ReadDir(m.config.MountPoint)
	if err != nil {
		return fmt.Errorf("cannot read mount point directory: %w", err)
	}
	if len(entries) > 0 {
		m.logger.Warn("mount point is not empty", zap.String("mount_point", m.config.MountPoint))
	}

	if isAlreadyMounted("/proc/mounts", m.config.MountPoint) {
		return fmt.Errorf("mount point %s is already mounted", m.config.MountPoint)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	o := m.config.Options
	attrTimeout := o.AttrTimeout
	entryTimeout := o.EntryTimeout

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       o.FSName,
			FsName:     o.FSName,
			Debug:      o.Debug,
			AllowOther: o.AllowOther,
			MaxWrite:   int(o.MaxWrite),
		},
		AttrTimeout:     &attrTimeout,
		EntryTimeout:    &entryTimeout,
		NullPermissions: true,
	}

	if o.DefaultPerms {
		opts.Options = append(opts.Options, "default_permissions")
	}
	if o.Subtype != "" {
		opts.Options = append(opts.Options, fmt.Sprintf("subtype=%s", o.Subtype))
	}
	return opts
}

// isAlreadyMounted reports whether mountPoint appears as a mount target in
// the given mount table.
func isAlreadyMounted(table, mountPoint string) bool {
	f, err := os.Open(table)
	if err != nil {
		return false
	}
	defer f.Close()

	want := filepath.Clean(mountPoint)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == want {
			return true
		}
	}
	return false
}

func (m *MountManager) forceUnmount() error {
	return syscall.Unmount(m.config.MountPoint, syscall.MNT_DETACH)
}
