package sysutil

import (
	"context"
	"fmt"
)

// LUKS format policy. Not configurable.
var luksFormatArgs = []string{
	"--batch-mode",
	"--type", "luks2",
	"--cipher", "aes-xts-plain64",
	"--key-size", "512",
	"--hash", "sha512",
	"--use-random",
	"--key-file", "-",
}

// Cryptsetup drives LUKS containers with cryptsetup(8). Keys are always
// passed on stdin.
type Cryptsetup struct {
	Runner CommandRunner
}

// IsEncrypted checks if a device carries a LUKS header.
func (c *Cryptsetup) IsEncrypted(ctx context.Context, device string) bool {
	_, err := c.Runner.Run(ctx, Command{Name: "cryptsetup", Args: []string{"isLuks", device}})
	return err == nil
}

func (c *Cryptsetup) Format(ctx context.Context, device string, key []byte) error {
	args := append([]string{"luksFormat"}, luksFormatArgs...)
	args = append(args, device)
	if _, err := c.Runner.Run(ctx, Command{Name: "cryptsetup", Args: args, Stdin: key}); err != nil {
		return fmt.Errorf("could not format %s: %w", device, err)
	}
	return nil
}

func (c *Cryptsetup) Open(ctx context.Context, device, name string, key []byte) error {
	args := []string{"open", "--type", "luks2", "--key-file", "-", device, name}
	if _, err := c.Runner.Run(ctx, Command{Name: "cryptsetup", Args: args, Stdin: key}); err != nil {
		return fmt.Errorf("could not open LUKS device %s: %w", device, err)
	}
	return nil
}

// Close removes the mapping. A mapping that does not exist is not an error.
func (c *Cryptsetup) Close(ctx context.Context, name string) error {
	if _, err := c.Runner.Run(ctx, Command{Name: "cryptsetup", Args: []string{"status", name}}); err != nil {
		return nil
	}
	if _, err := c.Runner.Run(ctx, Command{Name: "cryptsetup", Args: []string{"close", name}}); err != nil {
		return fmt.Errorf("could not close mapping %s: %w", name, err)
	}
	return nil
}
