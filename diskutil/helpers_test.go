package diskutil

import (
	"io"
	"log/slog"
	"time"

	"github.com/ruteri/host-provisioner/sysutil/systest"
)

const testDisk = "/dev/sda"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testWaiter(m *systest.Machine) *DeviceWaiter {
	w := NewDeviceWaiter(m, m, testLogger())
	w.Timeout = 20 * time.Millisecond
	w.Interval = time.Millisecond
	return w
}

func testVolumeProvisioner(m *systest.Machine) *VolumeProvisioner {
	v := NewVolumeProvisioner(testLogger())
	v.Partitions = m
	v.Volumes = m
	v.Filesystems = m
	v.Crypt = m
	v.Mounts = m
	v.Swap = m
	v.Host = m
	v.Waiter = testWaiter(m)
	return v
}

func testEncryptedVolumeManager(m *systest.Machine) *EncryptedVolumeManager {
	e := NewEncryptedVolumeManager(testLogger())
	e.Crypt = m
	e.Filesystems = m
	e.Mounts = m
	e.Waiter = testWaiter(m)
	return e
}
