package sysutil

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ruteri/host-provisioner/interfaces"
)

// NixInstaller hands off to nixos-install on fresh installs and
// nixos-rebuild on reconfigured hosts.
type NixInstaller struct {
	Runner CommandRunner
	Stdout io.Writer
	Stderr io.Writer
}

func (n *NixInstaller) Install(ctx context.Context, req interfaces.InstallRequest) error {
	cmd := InstallerCommand(req)
	cmd.Stdout = n.Stdout
	cmd.Stderr = n.Stderr
	if _, err := n.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("installer failed: %w", err)
	}
	return nil
}

// InstallerCommand builds the hand-off invocation. The persisted host key is
// the only credential git is allowed to use while fetching the profile.
func InstallerCommand(req interfaces.InstallRequest) Command {
	sshCommand := strings.Join([]string{
		"ssh",
		"-i", req.IdentityFile,
		"-o", "IdentitiesOnly=yes",
		"-o", "StrictHostKeyChecking=accept-new",
	}, " ")
	env := []string{"GIT_SSH_COMMAND=" + sshCommand}

	if req.IsFreshInstall {
		return Command{
			Name: "nixos-install",
			Args: []string{"--no-root-passwd", "--root", req.TargetRoot, "--flake", req.ProfileRef},
			Env:  env,
		}
	}
	return Command{
		Name: "nixos-rebuild",
		Args: []string{"switch", "--flake", req.ProfileRef},
		Env:  env,
	}
}
