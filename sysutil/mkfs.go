package sysutil

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ruteri/host-provisioner/interfaces"
)

// Mkfs builds vfat and ext4 filesystems.
type Mkfs struct {
	Runner CommandRunner
}

func (m *Mkfs) MakeFilesystem(ctx context.Context, spec interfaces.FilesystemSpec) error {
	name, args, err := MkfsCommand(spec)
	if err != nil {
		return err
	}
	if _, err := m.Runner.Run(ctx, Command{Name: name, Args: args}); err != nil {
		return fmt.Errorf("could not create %s filesystem on %s: %w", spec.Type, spec.Device, err)
	}
	return nil
}

// MkfsCommand returns the tool and arguments for spec.
func MkfsCommand(spec interfaces.FilesystemSpec) (string, []string, error) {
	switch spec.Type {
	case "vfat":
		args := []string{"-F", "32"}
		if spec.Label != "" {
			args = append(args, "-n", spec.Label)
		}
		return "mkfs.vfat", append(args, spec.Device), nil
	case "ext4":
		args := []string{"-F"}
		if spec.Label != "" {
			args = append(args, "-L", spec.Label)
		}
		if spec.InodeSize > 0 {
			args = append(args, "-I", strconv.Itoa(spec.InodeSize))
		}
		if spec.ReservedPercent > 0 {
			args = append(args, "-m", strconv.Itoa(spec.ReservedPercent))
		}
		return "mkfs.ext4", append(args, spec.Device), nil
	default:
		return "", nil, fmt.Errorf("unsupported filesystem type %q", spec.Type)
	}
}
