package diskutil

import (
	"context"
	"errors"
	"testing"

	"github.com/ruteri/host-provisioner/interfaces"
	"github.com/ruteri/host-provisioner/sysutil/systest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freshIntent(mode interfaces.BootMode, rootGiB uint64) interfaces.HostIntent {
	return interfaces.HostIntent{
		Hostname:       "host1",
		IsFreshInstall: true,
		BootMode:       mode,
		TargetDiskPath: testDisk,
		RootSizeGiB:    rootGiB,
	}
}

func TestPartitionPlanner_Layouts(t *testing.T) {
	m := systest.NewMachine(testDisk, 100<<30)
	planner := &PartitionPlanner{Inspector: m}

	uefi, err := planner.Plan(context.Background(), freshIntent(interfaces.BootModeUEFI, 25))
	require.NoError(t, err)
	assert.Equal(t, interfaces.TableGPT, uefi.Table)
	require.Len(t, uefi.Partitions, 3)
	assert.Equal(t, []string{PartitionEFI, PartitionBoot, PartitionLVM},
		[]string{uefi.Partitions[0].Name, uefi.Partitions[1].Name, uefi.Partitions[2].Name})
	assert.Equal(t, uint64(EFIPartitionMiB), uefi.Partitions[0].SizeMiB)
	assert.Contains(t, uefi.Partitions[0].Flags, interfaces.FlagESP)
	assert.Equal(t, uint64(BootPartitionMiB), uefi.Partitions[1].SizeMiB)
	assert.Empty(t, uefi.Partitions[1].Flags, "the boot partition is not LVM")
	assert.Zero(t, uefi.Partitions[2].SizeMiB, "LVM takes the remaining space")

	legacy, err := planner.Plan(context.Background(), freshIntent(interfaces.BootModeLegacy, 25))
	require.NoError(t, err)
	assert.Equal(t, interfaces.TableMSDOS, legacy.Table)
	require.Len(t, legacy.Partitions, 2)
	assert.Equal(t, PartitionBoot, legacy.Partitions[0].Name)
	assert.Contains(t, legacy.Partitions[0].Flags, interfaces.FlagBoot)
	assert.Equal(t, PartitionLVM, legacy.Partitions[1].Name)

	for _, plan := range []interfaces.PartitionPlan{uefi, legacy} {
		for i := 1; i < len(plan.Partitions); i++ {
			prev := plan.Partitions[i-1]
			assert.Equal(t, prev.StartMiB+prev.SizeMiB, plan.Partitions[i].StartMiB, "partitions must be contiguous")
			assert.Equal(t, i+1, plan.Partitions[i].Index)
		}
	}
}

func TestPartitionPlanner_RejectsOversizedRoot(t *testing.T) {
	m := systest.NewMachine(testDisk, 30<<30)
	planner := &PartitionPlanner{Inspector: m}

	_, err := planner.Plan(context.Background(), freshIntent(interfaces.BootModeUEFI, 29))
	require.Error(t, err)

	var fatal *interfaces.FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, interfaces.ConfigurationError, fatal.Kind)
	assert.Equal(t, interfaces.ExitRootTooLarge, fatal.Code)
	assert.Contains(t, fatal.Hint, "28")
	assert.Empty(t, m.Destructive(), "planning must not touch the disk")
}

func TestPartitionPlanner_MissingDisk(t *testing.T) {
	m := systest.NewMachine("/dev/other", 100<<30)
	planner := &PartitionPlanner{Inspector: m}

	_, err := planner.Plan(context.Background(), freshIntent(interfaces.BootModeUEFI, 10))
	assert.Equal(t, interfaces.ExitInvalidDevice, interfaces.ExitCodeFor(err))
}

func TestCheckRootSize(t *testing.T) {
	tests := []struct {
		name    string
		rootGiB uint64
		disk    uint64
		wantErr bool
	}{
		{"fits exactly", 98, 100 << 30, false},
		{"one over", 99, 100 << 30, true},
		{"fractional GiB rounds down", 98, 100<<30 + 512<<20, false},
		{"just under a whole GiB", 97, 100<<30 - 1, false},
		{"just under a whole GiB, over", 98, 100<<30 - 1, true},
		{"tiny disk", 1, 2 << 30, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRootSize(tt.rootGiB, tt.disk)
			if tt.wantErr {
				assert.Equal(t, interfaces.ExitRootTooLarge, interfaces.ExitCodeFor(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPlanFitsOnDisk(t *testing.T) {
	for _, diskGiB := range []uint64{3, 8, 20, 64, 256, 2048} {
		diskBytes := diskGiB << 30
		root := MaxRootSizeGiB(diskBytes)
		require.NoError(t, CheckRootSize(root, diskBytes))

		for _, plan := range []interfaces.PartitionPlan{UEFIPlan(testDisk), LegacyPlan(testDisk)} {
			lvm, ok := plan.ByName(PartitionLVM)
			require.True(t, ok)
			usedMiB := lvm.StartMiB + root*1024
			assert.LessOrEqual(t, usedMiB, diskBytes>>20, "disk %d GiB, table %s", diskGiB, plan.Table)
		}
	}
}

func TestPartitionDevice(t *testing.T) {
	tests := []struct {
		disk     string
		n        int
		expected string
	}{
		{"/dev/sda", 1, "/dev/sda1"},
		{"/dev/vdb", 3, "/dev/vdb3"},
		{"/dev/nvme0n1", 2, "/dev/nvme0n1p2"},
		{"/dev/mmcblk0", 1, "/dev/mmcblk0p1"},
		{"/dev/disk/by-id/ata-SAMSUNG_123", 3, "/dev/disk/by-id/ata-SAMSUNG_123-part3"},
	}

	for _, tt := range tests {
		t.Run(tt.disk, func(t *testing.T) {
			assert.Equal(t, tt.expected, PartitionDevice(tt.disk, tt.n))
		})
	}
}
