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
	DefaultTargetRoot = "/mnt"

	SwapFileName = "swapfile"
	SwapFileSize = uint64(4) << 30

	// Below this much memory the package store overlay (tmpfs sized at half
	// of RAM) is too small for a system build and gets grown to 4 GiB.
	LowMemoryThreshold  = uint64(8) << 30
	DefaultStoreOverlay = "/nix/.rw-store"
	storeOverlayOptions = "size=4G"

	// BootInodeSize keeps small ext4 filesystems from falling back to
	// 128-byte inodes, which cannot store timestamps past 2038.
	BootInodeSize = 256
)

// VolumeProvisioner erases the target disk and builds the partition, LVM
// and filesystem stack described by a plan, then mounts it below the
// target root.
type VolumeProvisioner struct {
	Partitions  interfaces.PartitionTableWriter
	Volumes     interfaces.VolumeManager
	Filesystems interfaces.FilesystemBuilder
	Crypt       interfaces.EncryptedContainer
	Mounts      interfaces.Mounter
	Swap        interfaces.SwapManager
	Host        interfaces.HostEnvironment
	Waiter      *DeviceWaiter

	TargetRoot   string
	StoreOverlay string

	log *slog.Logger
}

func NewVolumeProvisioner(log *slog.Logger) *VolumeProvisioner {
	return &VolumeProvisioner{
		TargetRoot:   DefaultTargetRoot,
		StoreOverlay: DefaultStoreOverlay,
		log:          log,
	}
}

// Provision irreversibly erases intent.TargetDiskPath. Any failure aborts;
// nothing already done is rolled back.
func (v *VolumeProvisioner) Provision(ctx context.Context, intent interfaces.HostIntent, plan interfaces.PartitionPlan) (interfaces.Layout, error) {
	layout := interfaces.Layout{
		TargetRoot: v.TargetRoot,
		RootPath:   lvPath(interfaces.RootVolumeName),
		SwapPath:   filepath.Join(v.TargetRoot, SwapFileName),
	}

	boot, ok := plan.ByName(PartitionBoot)
	if !ok {
		return layout, fmt.Errorf("partition plan has no %s partition", PartitionBoot)
	}
	lvm, ok := plan.ByName(PartitionLVM)
	if !ok {
		return layout, fmt.Errorf("partition plan has no %s partition", PartitionLVM)
	}
	layout.BootPath = boot.Device
	if esp, ok := plan.ByName(PartitionEFI); ok {
		layout.EFIPath = esp.Device
	}

	if err := v.ReleasePrevious(ctx); err != nil {
		return layout, err
	}

	v.log.Info("writing partition table",
		slog.String("disk", plan.Disk),
		slog.String("table", string(plan.Table)),
		slog.Int("partitions", len(plan.Partitions)))
	if err := v.Partitions.WritePartitionTable(ctx, plan); err != nil {
		return layout, err
	}

	waiter := v.Waiter.WithRescan(plan.Disk)
	if err := waiter.AwaitPaths(ctx, plan.Devices()...); err != nil {
		return layout, fmt.Errorf("partitions did not appear: %w", err)
	}

	if err := v.Volumes.CreatePhysicalVolume(ctx, lvm.Device); err != nil {
		return layout, err
	}
	if err := v.Volumes.CreateVolumeGroup(ctx, interfaces.VolumeGroupName, lvm.Device); err != nil {
		return layout, err
	}
	if err := v.Volumes.CreateLogicalVolume(ctx, interfaces.VolumeGroupName, interfaces.RootVolumeName, intent.RootSizeGiB); err != nil {
		return layout, err
	}
	volumes := []string{layout.RootPath}
	if intent.UsesDataVolume() {
		if err := v.Volumes.CreateLogicalVolume(ctx, interfaces.VolumeGroupName, interfaces.DataVolumeName, 0); err != nil {
			return layout, err
		}
		layout.DataPath = interfaces.DefaultDataDevice
		volumes = append(volumes, layout.DataPath)
	}
	if err := waiter.Await(ctx, interfaces.ExpectSymlinks(volumes...)); err != nil {
		return layout, fmt.Errorf("logical volumes did not appear: %w", err)
	}

	filesystems := []interfaces.FilesystemSpec{
		{Device: layout.BootPath, Type: "ext4", Label: interfaces.BootLabel, InodeSize: BootInodeSize},
		{Device: layout.RootPath, Type: "ext4", Label: interfaces.RootLabel},
	}
	if layout.EFIPath != "" {
		filesystems = append([]interfaces.FilesystemSpec{{Device: layout.EFIPath, Type: "vfat", Label: interfaces.EFILabel}}, filesystems...)
	}
	labels := make([]string, 0, len(filesystems))
	for _, fs := range filesystems {
		if err := v.Filesystems.MakeFilesystem(ctx, fs); err != nil {
			return layout, err
		}
		labels = append(labels, fs.Label)
	}
	// The generated system configuration mounts by label.
	if err := waiter.Await(ctx, interfaces.ExpectLabels(labels...)); err != nil {
		return layout, fmt.Errorf("filesystem labels did not appear: %w", err)
	}

	if err := v.mountTree(ctx, layout); err != nil {
		return layout, err
	}

	if err := v.Swap.EnableSwapFile(ctx, layout.SwapPath, SwapFileSize); err != nil {
		return layout, err
	}
	if err := v.growStoreOverlay(ctx); err != nil {
		return layout, err
	}

	v.log.Info("volumes provisioned",
		slog.String("root", layout.RootPath),
		slog.String("boot", layout.BootPath),
		slog.String("efi", layout.EFIPath))
	return layout, nil
}

// ReleasePrevious undoes what an earlier, interrupted run left behind under
// the well-known names. Missing state is not an error.
func (v *VolumeProvisioner) ReleasePrevious(ctx context.Context) error {
	if err := CheckTargetRoot(v.TargetRoot); err != nil {
		return err
	}
	if err := v.DisableSwap(ctx); err != nil {
		return err
	}

	mounts, err := v.Mounts.MountsUnder(v.TargetRoot)
	if err != nil {
		return err
	}
	for _, m := range mounts {
		if err := v.Mounts.Unmount(ctx, m); err != nil {
			return err
		}
	}

	if err := v.Crypt.Close(ctx, interfaces.DataMapperName); err != nil {
		return err
	}
	return v.Volumes.RemoveVolumeGroup(ctx, interfaces.VolumeGroupName)
}

// CheckTargetRoot rejects install roots that would put the running system's
// own mounts in scope of the pre-wipe.
func CheckTargetRoot(root string) error {
	if root == "" || filepath.Clean(root) == "/" {
		return interfaces.NewConfigurationError(interfaces.ExitInvalidConfiguration,
			fmt.Errorf("install target root %q: %w", root, errHostRoot),
			"pass --target-root with a dedicated mount point such as /mnt")
	}
	return nil
}

var errHostRoot = errors.New("would cover every mount of the running system")

// DisableSwap turns off and removes the temporary swap file.
func (v *VolumeProvisioner) DisableSwap(ctx context.Context) error {
	return v.Swap.DisableSwapFile(ctx, filepath.Join(v.TargetRoot, SwapFileName))
}

// mountTree mounts root, then boot below it, then EFI below boot.
func (v *VolumeProvisioner) mountTree(ctx context.Context, layout interfaces.Layout) error {
	bootDir := filepath.Join(layout.TargetRoot, "boot")
	mounts := []struct {
		source, target, fstype string
	}{
		{layout.RootPath, layout.TargetRoot, "ext4"},
		{layout.BootPath, bootDir, "ext4"},
	}
	if layout.EFIPath != "" {
		mounts = append(mounts, struct{ source, target, fstype string }{layout.EFIPath, filepath.Join(bootDir, "efi"), "vfat"})
	}

	for _, m := range mounts {
		if err := v.Mounts.Mount(ctx, m.source, m.target, m.fstype); err != nil {
			return err
		}
	}
	return nil
}

func (v *VolumeProvisioner) growStoreOverlay(ctx context.Context) error {
	total, err := v.Host.TotalMemory()
	if err != nil {
		v.log.Warn("could not read total memory", "err", err)
		return nil
	}
	if total >= LowMemoryThreshold || !v.Host.DirExists(v.StoreOverlay) {
		return nil
	}

	v.log.Info("low memory, growing store overlay",
		slog.Uint64("memory_mib", total>>20),
		slog.String("overlay", v.StoreOverlay))
	return v.Mounts.Remount(ctx, v.StoreOverlay, storeOverlayOptions)
}

func lvPath(lv string) string {
	return "/dev/" + interfaces.VolumeGroupName + "/" + lv
}
