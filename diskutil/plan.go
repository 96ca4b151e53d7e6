package diskutil

import (
	"context"
	"fmt"
	"path/filepath"
	"unicode"

	"github.com/dustin/go-humanize"

	"github.com/ruteri/host-provisioner/interfaces"
)

const (
	gib = uint64(1) << 30

	EFIPartitionMiB  = 512
	BootPartitionMiB = 512
	// ReservedGiB is kept free for partition tables and the boot partitions.
	ReservedGiB = 2
	// firstPartitionMiB leaves room for the partition table and alignment.
	firstPartitionMiB = 1
)

// Partition names used in plans.
const (
	PartitionEFI  = "ESP"
	PartitionBoot = "boot"
	PartitionLVM  = "lvm"
)

// PartitionPlanner computes the partition layout for a host intent.
type PartitionPlanner struct {
	Inspector interfaces.BlockDeviceInspector
}

// Plan validates the requested root size against the disk and returns the
// layout for the intent's boot mode. Nothing is written to the disk.
func (p *PartitionPlanner) Plan(ctx context.Context, intent interfaces.HostIntent) (interfaces.PartitionPlan, error) {
	disk := intent.TargetDiskPath
	size, err := p.Inspector.DeviceSize(disk)
	if err != nil {
		return interfaces.PartitionPlan{}, interfaces.NewConfigurationError(interfaces.ExitInvalidDevice,
			fmt.Errorf("could not read size of %s: %w", disk, err),
			"check that --disk names an attached block device")
	}

	if err := CheckRootSize(intent.RootSizeGiB, size); err != nil {
		return interfaces.PartitionPlan{}, err
	}

	if intent.BootMode == interfaces.BootModeLegacy {
		return LegacyPlan(disk), nil
	}
	return UEFIPlan(disk), nil
}

// MaxRootSizeGiB is the largest root volume a disk of the given size holds.
func MaxRootSizeGiB(diskBytes uint64) uint64 {
	whole := diskBytes / gib
	if whole <= ReservedGiB {
		return 0
	}
	return whole - ReservedGiB
}

// CheckRootSize rejects root sizes larger than the disk minus the reserved
// headroom.
func CheckRootSize(rootGiB, diskBytes uint64) error {
	limit := MaxRootSizeGiB(diskBytes)
	if rootGiB > limit {
		return interfaces.NewConfigurationError(interfaces.ExitRootTooLarge,
			fmt.Errorf("root size %d GiB exceeds the %d GiB available on a %s disk", rootGiB, limit, humanize.IBytes(diskBytes)),
			fmt.Sprintf("pass --root-size of at most %d", limit))
	}
	return nil
}

// UEFIPlan lays out ESP, boot and LVM partitions on a GPT disk.
func UEFIPlan(disk string) interfaces.PartitionPlan {
	bootStart := uint64(firstPartitionMiB + EFIPartitionMiB)
	lvmStart := bootStart + BootPartitionMiB
	return interfaces.PartitionPlan{
		Disk:  disk,
		Table: interfaces.TableGPT,
		Partitions: []interfaces.Partition{
			{Index: 1, Name: PartitionEFI, Type: "fat32", StartMiB: firstPartitionMiB, SizeMiB: EFIPartitionMiB, Flags: []string{interfaces.FlagESP}, Device: PartitionDevice(disk, 1)},
			{Index: 2, Name: PartitionBoot, Type: "ext4", StartMiB: bootStart, SizeMiB: BootPartitionMiB, Device: PartitionDevice(disk, 2)},
			{Index: 3, Name: PartitionLVM, StartMiB: lvmStart, Flags: []string{interfaces.FlagLVM}, Device: PartitionDevice(disk, 3)},
		},
	}
}

// LegacyPlan lays out a bootable boot partition and an LVM partition on an
// msdos disk.
func LegacyPlan(disk string) interfaces.PartitionPlan {
	lvmStart := uint64(firstPartitionMiB + BootPartitionMiB)
	return interfaces.PartitionPlan{
		Disk:  disk,
		Table: interfaces.TableMSDOS,
		Partitions: []interfaces.Partition{
			{Index: 1, Name: PartitionBoot, Type: "ext4", StartMiB: firstPartitionMiB, SizeMiB: BootPartitionMiB, Flags: []string{interfaces.FlagBoot}, Device: PartitionDevice(disk, 1)},
			{Index: 2, Name: PartitionLVM, StartMiB: lvmStart, Flags: []string{interfaces.FlagLVM}, Device: PartitionDevice(disk, 2)},
		},
	}
}

// PartitionDevice returns the device node of partition n on disk. Disks
// whose name ends in a digit (nvme0n1, mmcblk0, loop0) take a "p" infix.
// Stable symlinks under /dev/disk use the "-part" suffix.
func PartitionDevice(disk string, n int) string {
	if filepath.Dir(disk) != "/dev" {
		return fmt.Sprintf("%s-part%d", disk, n)
	}
	runes := []rune(disk)
	if len(runes) > 0 && unicode.IsDigit(runes[len(runes)-1]) {
		return fmt.Sprintf("%sp%d", disk, n)
	}
	return fmt.Sprintf("%s%d", disk, n)
}
