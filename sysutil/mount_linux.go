package sysutil

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/u-root/u-root/pkg/mount"
	"golang.org/x/sys/unix"
)

// Mounts manages mount points with mount(2).
type Mounts struct {
	// MountInfo is the mount table to read. Defaults to /proc/mounts.
	MountInfo string
}

func (m *Mounts) Mount(ctx context.Context, source, target, fstype string) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("could not create mount point %s: %w", target, err)
	}
	if _, err := mount.Mount(source, target, fstype, "", 0); err != nil {
		return fmt.Errorf("could not mount %s on %s: %w", source, target, err)
	}
	return nil
}

func (m *Mounts) BindMount(ctx context.Context, source, target string) error {
	for _, dir := range []string{source, target} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("could not create %s: %w", dir, err)
		}
	}
	if _, err := mount.Mount(source, target, "", "", unix.MS_BIND); err != nil {
		return fmt.Errorf("could not bind %s to %s: %w", source, target, err)
	}
	return nil
}

func (m *Mounts) Remount(ctx context.Context, target, options string) error {
	if _, err := mount.Mount("", target, "", options, unix.MS_REMOUNT); err != nil {
		return fmt.Errorf("could not remount %s with %s: %w", target, options, err)
	}
	return nil
}

// Unmount detaches target. A target that is not mounted is not an error.
func (m *Mounts) Unmount(ctx context.Context, target string) error {
	err := mount.Unmount(target, false, false)
	if err == nil || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
		return nil
	}
	return fmt.Errorf("could not unmount %s: %w", target, err)
}

// MountsUnder returns mount points at or below prefix, deepest first so they
// can be unmounted in order.
func (m *Mounts) MountsUnder(prefix string) ([]string, error) {
	table := m.MountInfo
	if table == "" {
		table = "/proc/mounts"
	}
	f, err := os.Open(table)
	if err != nil {
		return nil, fmt.Errorf("could not read mount table: %w", err)
	}
	defer f.Close()

	return parseMountsUnder(bufio.NewScanner(f), prefix)
}

func parseMountsUnder(scanner *bufio.Scanner, prefix string) ([]string, error) {
	prefix = filepath.Clean(prefix)
	var res []string
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		target := unescapeMountPath(fields[1])
		if target == prefix || strings.HasPrefix(target, prefix+"/") || prefix == "/" {
			res = append(res, target)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(res, func(i, j int) bool {
		return strings.Count(res[i], "/") > strings.Count(res[j], "/")
	})
	return res, nil
}

// unescapeMountPath decodes the octal escapes the kernel uses for spaces,
// tabs and backslashes in /proc/mounts.
func unescapeMountPath(s string) string {
	r := strings.NewReplacer(`\040`, " ", `\011`, "\t", `\134`, `\`, `\012`, "\n")
	return r.Replace(s)
}
