package sysutil

import (
	"context"
	"fmt"
	"strconv"
)

// LVM manages volume groups and logical volumes with the lvm2 tools.
type LVM struct {
	Runner CommandRunner
}

// RemoveVolumeGroup deactivates and removes vg. A missing group is not an error.
func (l *LVM) RemoveVolumeGroup(ctx context.Context, vg string) error {
	if _, err := l.Runner.Run(ctx, Command{Name: "vgs", Args: []string{vg}}); err != nil {
		return nil
	}
	if _, err := l.Runner.Run(ctx, Command{Name: "vgchange", Args: []string{"-an", vg}}); err != nil {
		return fmt.Errorf("could not deactivate volume group %s: %w", vg, err)
	}
	if _, err := l.Runner.Run(ctx, Command{Name: "vgremove", Args: []string{"-f", vg}}); err != nil {
		return fmt.Errorf("could not remove volume group %s: %w", vg, err)
	}
	return nil
}

func (l *LVM) CreatePhysicalVolume(ctx context.Context, device string) error {
	if _, err := l.Runner.Run(ctx, Command{Name: "pvcreate", Args: []string{"-ff", "-y", device}}); err != nil {
		return fmt.Errorf("could not create physical volume on %s: %w", device, err)
	}
	return nil
}

func (l *LVM) CreateVolumeGroup(ctx context.Context, vg string, devices ...string) error {
	args := append([]string{vg}, devices...)
	if _, err := l.Runner.Run(ctx, Command{Name: "vgcreate", Args: args}); err != nil {
		return fmt.Errorf("could not create volume group %s: %w", vg, err)
	}
	return nil
}

func (l *LVM) CreateLogicalVolume(ctx context.Context, vg, lv string, sizeGiB uint64) error {
	args := []string{"--yes", "--name", lv}
	if sizeGiB == 0 {
		args = append(args, "--extents", "100%FREE")
	} else {
		args = append(args, "--size", strconv.FormatUint(sizeGiB, 10)+"G")
	}
	args = append(args, vg)

	if _, err := l.Runner.Run(ctx, Command{Name: "lvcreate", Args: args}); err != nil {
		return fmt.Errorf("could not create logical volume %s/%s: %w", vg, lv, err)
	}
	return nil
}
