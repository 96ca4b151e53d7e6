// Package interfaces defines the core types and capability interfaces for the
// host provisioner. It provides the contract between components without
// implementation details.
package interfaces

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// BootMode selects the firmware interface the target disk is laid out for.
type BootMode int

const (
	BootModeUEFI BootMode = iota
	BootModeLegacy
)

// String returns a human-readable name for the boot mode.
func (m BootMode) String() string {
	switch m {
	case BootModeUEFI:
		return "uefi"
	case BootModeLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("bootmode(%d)", int(m))
	}
}

// Well-known names shared by the volume layer, the encrypted volume layer
// and the pre-wipe step.
const (
	VolumeGroupName     = "LVMVolGroup"
	RootVolumeName      = "nixos_root"
	DataVolumeName      = "nixos_data"
	DataMapperName      = "nixos_data_decrypted"
	BootLabel           = "nixos_boot"
	RootLabel           = "nixos_root"
	DataLabel           = "nixos_data"
	EFILabel            = "EFI"
	DefaultDataDevice   = "/dev/" + VolumeGroupName + "/" + DataVolumeName
	DefaultMapperDevice = "/dev/mapper/" + DataMapperName
)

var hostnamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// HostIntent is the validated description of one provisioning run. It is
// built once from operator input and passed by value to every component.
type HostIntent struct {
	Hostname              string
	IsFreshInstall        bool
	BootMode              BootMode
	CreateEncryptedVolume bool
	TargetDiskPath        string
	RootSizeGiB           uint64
	DataDevicePath        string
}

// Validate checks the intent invariants and fills in the default data device
// for fresh installs. It returns a configuration FatalError on violation.
func (h HostIntent) Validate() (HostIntent, error) {
	if !hostnamePattern.MatchString(h.Hostname) {
		return h, NewConfigurationError(ExitInvalidConfiguration,
			fmt.Errorf("invalid hostname %q", h.Hostname),
			"hostnames must be lowercase RFC 1123 labels")
	}

	if h.IsFreshInstall {
		if h.TargetDiskPath == "" {
			return h, NewConfigurationError(ExitInvalidDevice,
				errors.New("fresh install requires a target disk"),
				"pass --disk with the block device to erase, e.g. /dev/nvme0n1")
		}
		if !strings.HasPrefix(filepath.Clean(h.TargetDiskPath), "/dev/") {
			return h, NewConfigurationError(ExitInvalidDevice,
				fmt.Errorf("target disk %q is not a device path", h.TargetDiskPath),
				"the target disk must live under /dev")
		}
		if h.RootSizeGiB == 0 {
			return h, NewConfigurationError(ExitInvalidConfiguration,
				errors.New("fresh install requires a root size"),
				"pass --root-size with the root volume size in GiB")
		}
	}

	if h.CreateEncryptedVolume && h.DataDevicePath == "" {
		// Defaults to the data logical volume created at install time.
		h.DataDevicePath = DefaultDataDevice
	}

	return h, nil
}

// UsesDataVolume reports whether the volume layer must carve the data
// logical volume out of the volume group.
func (h HostIntent) UsesDataVolume() bool {
	return h.IsFreshInstall && h.CreateEncryptedVolume && h.DataDevicePath == DefaultDataDevice
}

// DeviceKind describes how an expected device path must materialize.
type DeviceKind int

const (
	// BlockDevice paths must resolve to a block device node.
	BlockDevice DeviceKind = iota
	// Symlink paths must be links that resolve to a block device, like the
	// /dev/<vg>/<lv> links LVM creates.
	Symlink
	// MountLabel expectations carry a filesystem label in Path; the label
	// link under LabelDir must resolve to a block device.
	MountLabel
)

// LabelDir is where udev publishes filesystem labels.
const LabelDir = "/dev/disk/by-label"

// LabelPath returns the udev link of a filesystem label.
func LabelPath(label string) string {
	return LabelDir + "/" + label
}

// DeviceExpectation is a device path some later step depends on.
type DeviceExpectation struct {
	Path string
	Kind DeviceKind
}

// Target is the path that has to appear for e to be met.
func (e DeviceExpectation) Target() string {
	if e.Kind == MountLabel {
		return LabelPath(e.Path)
	}
	return e.Path
}

func expect(kind DeviceKind, paths []string) []DeviceExpectation {
	res := make([]DeviceExpectation, 0, len(paths))
	for _, p := range paths {
		res = append(res, DeviceExpectation{Path: p, Kind: kind})
	}
	return res
}

// ExpectBlockDevices builds block-device expectations for the given paths.
func ExpectBlockDevices(paths ...string) []DeviceExpectation {
	return expect(BlockDevice, paths)
}

// ExpectSymlinks builds symlink expectations for the given paths.
func ExpectSymlinks(paths ...string) []DeviceExpectation {
	return expect(Symlink, paths)
}

// ExpectLabels builds expectations for filesystem labels.
func ExpectLabels(labels ...string) []DeviceExpectation {
	return expect(MountLabel, labels)
}

// PartitionTable is the on-disk partition table format.
type PartitionTable string

const (
	TableGPT   PartitionTable = "gpt"
	TableMSDOS PartitionTable = "msdos"
)

// Partition flags understood by the partition table writer.
const (
	FlagESP  = "esp"
	FlagBoot = "boot"
	FlagLVM  = "lvm"
)

// Partition is one entry of a PartitionPlan. SizeMiB of zero extends the
// partition to the end of the disk.
type Partition struct {
	Index    int
	Name     string
	Type     string
	StartMiB uint64
	SizeMiB  uint64
	Flags    []string
	Device   string
}

// PartitionPlan is the ordered partition layout for one disk.
type PartitionPlan struct {
	Disk       string
	Table      PartitionTable
	Partitions []Partition
}

// ByName returns the partition with the given name.
func (p PartitionPlan) ByName(name string) (Partition, bool) {
	for _, part := range p.Partitions {
		if part.Name == name {
			return part, true
		}
	}
	return Partition{}, false
}

// Devices returns the device node paths of all partitions in plan order.
func (p PartitionPlan) Devices() []string {
	devices := make([]string, 0, len(p.Partitions))
	for _, part := range p.Partitions {
		devices = append(devices, part.Device)
	}
	return devices
}

// ApprovalState tracks a key record through the human review flow.
type ApprovalState int

const (
	ApprovalPending ApprovalState = iota
	ApprovalProposed
	ApprovalMerged
)

func (s ApprovalState) String() string {
	switch s {
	case ApprovalPending:
		return "pending"
	case ApprovalProposed:
		return "proposed"
	case ApprovalMerged:
		return "merged"
	default:
		return fmt.Sprintf("approval(%d)", int(s))
	}
}

// KeyMaterialRecord is the per-host data volume key as held by the secret
// store. KeyBytes holds the sealed form while the record is remote.
type KeyMaterialRecord struct {
	Hostname      string
	KeyBytes      []byte
	ApprovalState ApprovalState
}

// AuthHandshakeState is re-derived on every run; RemoteAuthorized is never
// cached across runs.
type AuthHandshakeState struct {
	PublicKey        string
	RemoteAuthorized bool
}

// Layout records where the volume layer put things.
type Layout struct {
	TargetRoot string
	RootPath   string
	BootPath   string
	EFIPath    string
	DataPath   string
	SwapPath   string
}

// PendingAction is what an operator must do before a blocked run can make
// progress. The zero value means nothing is pending.
type PendingAction struct {
	Phase       string `json:"phase"`
	Instruction string `json:"instruction"`
	URL         string `json:"url,omitempty"`
	Branch      string `json:"branch,omitempty"`
}
