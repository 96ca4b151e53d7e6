// Package diskutil provisions the local storage of a bare machine.
//
// It covers everything that touches block devices: waiting for device nodes
// the kernel creates asynchronously, planning and writing the partition
// table, building the LVM stack and filesystems, and managing the LUKS2
// encrypted data volume. All operating system access goes through the
// capability interfaces in package interfaces, so the logic here runs
// unchanged against the real system (package sysutil) or an in-memory fake
// (package sysutil/systest).
//
// Main features:
//   - UEFI (GPT) and legacy (msdos) partition plans with capacity validation
//   - Idempotent release of volumes left by an interrupted run
//   - Root, boot and EFI mounts in nesting order, plus a temporary swap file
//   - LUKS2 data volume with a refusal gate for devices already encrypted
//
// Basic usage:
//
//	waiter := diskutil.NewDeviceWaiter(&sysutil.Udev{Runner: runner}, sysutil.BlockDevices{}, log)
//	planner := &diskutil.PartitionPlanner{Inspector: sysutil.BlockDevices{}}
//
//	plan, err := planner.Plan(ctx, intent)
//	if err != nil {
//		return err
//	}
//
//	layout, err := provisioner.Provision(ctx, intent, plan)
//	if err != nil {
//		return err
//	}
//
//	handle, err := volumes.Format(ctx, intent.DataDevicePath, key)
//	if err != nil {
//		return err
//	}
//	defer volumes.Close(ctx, handle)
package diskutil
