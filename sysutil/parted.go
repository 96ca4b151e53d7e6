package sysutil

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ruteri/host-provisioner/interfaces"
)

// Parted writes partition tables with parted(8).
type Parted struct {
	Runner CommandRunner
}

func (p *Parted) WritePartitionTable(ctx context.Context, plan interfaces.PartitionPlan) error {
	args, err := PartedArgs(plan)
	if err != nil {
		return err
	}
	if _, err := p.Runner.Run(ctx, Command{Name: "parted", Args: args}); err != nil {
		return fmt.Errorf("could not write partition table on %s: %w", plan.Disk, err)
	}
	return nil
}

// PartedArgs renders a plan as a single scripted parted invocation.
func PartedArgs(plan interfaces.PartitionPlan) ([]string, error) {
	if plan.Disk == "" {
		return nil, fmt.Errorf("partition plan has no disk")
	}
	if len(plan.Partitions) == 0 {
		return nil, fmt.Errorf("partition plan for %s is empty", plan.Disk)
	}

	args := []string{"-s", "-a", "optimal", plan.Disk, "mklabel", string(plan.Table)}
	for _, part := range plan.Partitions {
		end := "100%"
		if part.SizeMiB > 0 {
			end = mib(part.StartMiB + part.SizeMiB)
		}

		// msdos tables have no partition names, only a primary/logical kind.
		name := part.Name
		if plan.Table == interfaces.TableMSDOS {
			name = "primary"
		}

		args = append(args, "mkpart", name)
		if part.Type != "" {
			args = append(args, part.Type)
		}
		args = append(args, mib(part.StartMiB), end)

		for _, flag := range part.Flags {
			args = append(args, "set", strconv.Itoa(part.Index), flag, "on")
		}
	}
	return args, nil
}

func mib(v uint64) string {
	return strconv.FormatUint(v, 10) + "MiB"
}
