package interfaces

import (
	"context"
	"io"
)

// PartitionTableWriter replaces the partition table of a disk with a plan.
type PartitionTableWriter interface {
	WritePartitionTable(ctx context.Context, plan PartitionPlan) error
}

// VolumeManager manages the LVM stack. Remove operations treat absence as
// success.
type VolumeManager interface {
	RemoveVolumeGroup(ctx context.Context, vg string) error
	CreatePhysicalVolume(ctx context.Context, device string) error
	CreateVolumeGroup(ctx context.Context, vg string, devices ...string) error
	// CreateLogicalVolume creates lv in vg. A zero size takes all free extents.
	CreateLogicalVolume(ctx context.Context, vg, lv string, sizeGiB uint64) error
}

// FilesystemSpec describes one mkfs invocation. Zero InodeSize and
// ReservedPercent keep the tool defaults.
type FilesystemSpec struct {
	Device          string
	Type            string
	Label           string
	InodeSize       int
	ReservedPercent int
}

// FilesystemBuilder creates filesystems.
type FilesystemBuilder interface {
	MakeFilesystem(ctx context.Context, spec FilesystemSpec) error
}

// EncryptedContainer drives the disk encryption tool. Close treats an absent
// mapping as success.
type EncryptedContainer interface {
	IsEncrypted(ctx context.Context, device string) bool
	Format(ctx context.Context, device string, key []byte) error
	Open(ctx context.Context, device, name string, key []byte) error
	Close(ctx context.Context, name string) error
}

// Mounter manages mount points. Mount and BindMount create missing
// directories, BindMount including its source. Unmount treats a path that is
// not mounted as success.
type Mounter interface {
	Mount(ctx context.Context, source, target, fstype string) error
	BindMount(ctx context.Context, source, target string) error
	Remount(ctx context.Context, target, options string) error
	Unmount(ctx context.Context, target string) error
	// MountsUnder lists active mount points at or below prefix.
	MountsUnder(prefix string) ([]string, error)
}

// DeviceEvents pokes the kernel and udev so device nodes show up.
type DeviceEvents interface {
	Settle(ctx context.Context) error
	RescanPartitions(ctx context.Context, disk string) error
}

// BlockDeviceInspector answers questions about device nodes.
type BlockDeviceInspector interface {
	IsBlockDevice(path string) bool
	IsSymlink(path string) bool
	DeviceSize(path string) (uint64, error)
}

// SwapManager manages the temporary swap file. Disable treats an absent
// file as success.
type SwapManager interface {
	EnableSwapFile(ctx context.Context, path string, size uint64) error
	DisableSwapFile(ctx context.Context, path string) error
}

// HostEnvironment exposes the facts about the running system the sequencer
// decides on.
type HostEnvironment interface {
	Hostname() (string, error)
	IsPrivileged() bool
	HasUEFIFirmware() bool
	DirExists(path string) bool
	LookPath(tool string) error
	TotalMemory() (uint64, error)
}

// InstallRequest is what the external installer is invoked with.
type InstallRequest struct {
	Hostname       string
	IsFreshInstall bool
	TargetRoot     string
	ProfileRef     string
	IdentityFile   string
}

// Installer hands off to the declarative system installer. Success and
// failure are reported through the tool's exit status.
type Installer interface {
	Install(ctx context.Context, req InstallRequest) error
}

// SecretTransport moves the secret store repository over the network. A nil
// progress writer keeps the operation silent.
type SecretTransport interface {
	// Probe checks that the remote accepts the host credential.
	Probe(ctx context.Context, progress io.Writer) error
	// Sync makes dir a checkout of the remote default branch, cloning on
	// first use and discarding local changes afterwards.
	Sync(ctx context.Context, dir string, progress io.Writer) error
	// Publish commits paths in dir on a new branch and pushes it, leaving the
	// checkout on the default branch.
	Publish(ctx context.Context, dir, branch, message string, paths []string, progress io.Writer) error
}
