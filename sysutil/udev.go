package sysutil

import (
	"context"
	"fmt"
)

// Udev asks udev to process pending events and the kernel to re-read
// partition tables.
type Udev struct {
	Runner CommandRunner
}

func (u *Udev) Settle(ctx context.Context) error {
	if _, err := u.Runner.Run(ctx, Command{Name: "udevadm", Args: []string{"settle", "--timeout=20"}}); err != nil {
		return fmt.Errorf("udevadm settle: %w", err)
	}
	return nil
}

func (u *Udev) RescanPartitions(ctx context.Context, disk string) error {
	if _, err := u.Runner.Run(ctx, Command{Name: "partprobe", Args: []string{disk}}); err != nil {
		return fmt.Errorf("partprobe %s: %w", disk, err)
	}
	return nil
}
