package sysutil

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// SwapFile manages a swap file with fallocate(2), mkswap and swapon.
type SwapFile struct {
	Runner CommandRunner
	// Swaps is the active swap table to read. Defaults to /proc/swaps.
	Swaps string
}

func (s *SwapFile) EnableSwapFile(ctx context.Context, path string, size uint64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("could not create swap file: %w", err)
	}
	err = unix.Fallocate(int(f.Fd()), 0, 0, int64(size))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("could not allocate swap file: %w", err)
	}

	if _, err := s.Runner.Run(ctx, Command{Name: "mkswap", Args: []string{path}}); err != nil {
		return fmt.Errorf("could not format swap file: %w", err)
	}
	if _, err := s.Runner.Run(ctx, Command{Name: "swapon", Args: []string{path}}); err != nil {
		return fmt.Errorf("could not enable swap file: %w", err)
	}
	return nil
}

// DisableSwapFile turns swap off and deletes the file. A missing file is not
// an error.
func (s *SwapFile) DisableSwapFile(ctx context.Context, path string) error {
	if s.isActive(path) {
		if _, err := s.Runner.Run(ctx, Command{Name: "swapoff", Args: []string{path}}); err != nil {
			return fmt.Errorf("could not disable swap file: %w", err)
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not remove swap file: %w", err)
	}
	return nil
}

func (s *SwapFile) isActive(path string) bool {
	table := s.Swaps
	if table == "" {
		table = "/proc/swaps"
	}
	f, err := os.Open(table)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 && fields[0] == path {
			return true
		}
	}
	return false
}
