package diskutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/ruteri/host-provisioner/interfaces"
)

const (
	// DataMountDir is where the decrypted data volume is mounted, relative
	// to the target root.
	DataMountDir = "opt"
	// HomeDataDir is the directory on the data volume bound over /home so
	// user data outlives reinstalls of the root filesystem.
	HomeDataDir         = ".home"
	DataReservedPercent = 1
)

// DiskConfig contains configuration for encrypted disk operations. It is
// also the handle returned by Format and consumed by Close.
type DiskConfig struct {
	DevicePath   string
	MapperName   string
	MapperDevice string
	MountPoint   string
	HomeSource   string
	HomeTarget   string
}

// NewDiskConfig lays out the well-known mapping and mount points for the
// data volume on device below targetRoot.
func NewDiskConfig(devicePath, targetRoot string) DiskConfig {
	mountPoint := filepath.Join(targetRoot, DataMountDir)
	return DiskConfig{
		DevicePath:   devicePath,
		MapperName:   interfaces.DataMapperName,
		MapperDevice: "/dev/mapper/" + interfaces.DataMapperName,
		MountPoint:   mountPoint,
		HomeSource:   filepath.Join(mountPoint, HomeDataDir),
		HomeTarget:   filepath.Join(targetRoot, "home"),
	}
}

// EncryptedVolumeManager formats, opens and closes the LUKS data volume.
type EncryptedVolumeManager struct {
	Crypt       interfaces.EncryptedContainer
	Filesystems interfaces.FilesystemBuilder
	Mounts      interfaces.Mounter
	Waiter      *DeviceWaiter
	TargetRoot  string

	log *slog.Logger
}

func NewEncryptedVolumeManager(log *slog.Logger) *EncryptedVolumeManager {
	return &EncryptedVolumeManager{
		TargetRoot: DefaultTargetRoot,
		log:        log,
	}
}

// IsEncrypted checks if device already carries an encrypted container header.
func (m *EncryptedVolumeManager) IsEncrypted(ctx context.Context, device string) bool {
	return m.Crypt.IsEncrypted(ctx, device)
}

// Format creates a new encrypted container on device, builds the data
// filesystem inside and mounts it. A device that already carries a header
// is refused before anything is written.
func (m *EncryptedVolumeManager) Format(ctx context.Context, device string, key []byte) (DiskConfig, error) {
	cfg := NewDiskConfig(device, m.TargetRoot)

	if m.Crypt.IsEncrypted(ctx, device) {
		return cfg, interfaces.NewSafetyError(interfaces.ExitEncryptedTargetExists,
			fmt.Errorf("%s already contains an encrypted container", device),
			fmt.Sprintf("if the data on %s may be destroyed, wipe the header with 'cryptsetup erase %s && wipefs -a %s' and re-run", device, device, device))
	}

	m.log.Info("formatting encrypted data volume", slog.String("device", device))
	if err := m.Crypt.Format(ctx, device, key); err != nil {
		return cfg, err
	}

	if _, err := m.Open(ctx, device, key); err != nil {
		return cfg, err
	}

	if err := m.Filesystems.MakeFilesystem(ctx, interfaces.FilesystemSpec{
		Device:          cfg.MapperDevice,
		Type:            "ext4",
		Label:           interfaces.DataLabel,
		ReservedPercent: DataReservedPercent,
	}); err != nil {
		m.closeMapping(ctx, cfg)
		return cfg, err
	}

	if err := m.Mount(ctx, cfg); err != nil {
		m.closeMapping(ctx, cfg)
		return cfg, err
	}
	return cfg, nil
}

// Open maps the container on device and returns the mapped device path
// once its node exists.
func (m *EncryptedVolumeManager) Open(ctx context.Context, device string, key []byte) (string, error) {
	cfg := NewDiskConfig(device, m.TargetRoot)
	if err := m.Crypt.Open(ctx, device, cfg.MapperName, key); err != nil {
		return "", err
	}
	if err := m.Waiter.AwaitPaths(ctx, cfg.MapperDevice); err != nil {
		m.closeMapping(ctx, cfg)
		return "", fmt.Errorf("mapped device did not appear: %w", err)
	}
	return cfg.MapperDevice, nil
}

// Unlock opens an existing container and mounts it without formatting.
func (m *EncryptedVolumeManager) Unlock(ctx context.Context, device string, key []byte) (DiskConfig, error) {
	cfg := NewDiskConfig(device, m.TargetRoot)
	if _, err := m.Open(ctx, device, key); err != nil {
		return cfg, err
	}
	if err := m.Mount(ctx, cfg); err != nil {
		m.closeMapping(ctx, cfg)
		return cfg, err
	}
	return cfg, nil
}

// Mount mounts the mapped data volume and binds its home directory.
func (m *EncryptedVolumeManager) Mount(ctx context.Context, cfg DiskConfig) error {
	if err := m.Mounts.Mount(ctx, cfg.MapperDevice, cfg.MountPoint, "ext4"); err != nil {
		return err
	}
	if err := m.Mounts.BindMount(ctx, cfg.HomeSource, cfg.HomeTarget); err != nil {
		if uerr := m.Mounts.Unmount(ctx, cfg.MountPoint); uerr != nil {
			m.log.Warn("could not unmount data volume", "err", uerr)
		}
		return err
	}
	return nil
}

// Close unmounts the data volume and removes the mapping. Every step is
// attempted; the errors are joined.
func (m *EncryptedVolumeManager) Close(ctx context.Context, cfg DiskConfig) error {
	return errors.Join(
		m.Mounts.Unmount(ctx, cfg.HomeTarget),
		m.Mounts.Unmount(ctx, cfg.MountPoint),
		m.Crypt.Close(ctx, cfg.MapperName),
	)
}

func (m *EncryptedVolumeManager) closeMapping(ctx context.Context, cfg DiskConfig) {
	if err := m.Crypt.Close(ctx, cfg.MapperName); err != nil {
		m.log.Warn("could not close mapping", slog.String("mapper", cfg.MapperName), "err", err)
	}
}
