package sysutil

import (
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Host reports facts about the running system.
type Host struct{}

func (Host) Hostname() (string, error) {
	return os.Hostname()
}

func (Host) IsPrivileged() bool {
	return unix.Geteuid() == 0
}

func (h Host) HasUEFIFirmware() bool {
	return h.DirExists("/sys/firmware/efi")
}

func (Host) DirExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

func (Host) LookPath(tool string) error {
	_, err := exec.LookPath(tool)
	return err
}

// TotalMemory returns physical memory in bytes.
func (Host) TotalMemory() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	return uint64(info.Totalram) * uint64(info.Unit), nil
}
