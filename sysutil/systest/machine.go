// Package systest provides an in-memory machine implementing every
// capability interface, for exercising provisioning logic without touching
// real disks.
package systest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ruteri/host-provisioner/interfaces"
)

// Destructive operation names as recorded in Machine.Calls.
var destructiveOps = map[string]bool{
	"parted":     true,
	"vgremove":   true,
	"pvcreate":   true,
	"vgcreate":   true,
	"lvcreate":   true,
	"mkfs":       true,
	"luksFormat": true,
}

// Machine simulates the host. Exported fields may be set before use; after
// that access goes through the methods.
type Machine struct {
	mu sync.Mutex

	// Devices maps present block device paths to their size in bytes.
	Devices map[string]uint64
	// SettlesToAppear is how many Settle calls newly created device nodes
	// need before they become visible.
	SettlesToAppear int
	// Fail makes the named operation return the error.
	Fail map[string]error

	HostnameValue string
	Privileged    bool
	UEFI          bool
	Dirs          map[string]bool
	MissingTools  map[string]bool
	Memory        uint64

	// Links holds the device paths that are symlinks.
	Links        map[string]bool
	VolumeGroups map[string]bool
	Encrypted    map[string][]byte
	Mappings     map[string]string
	Mounted      []string
	Swaps        map[string]bool
	Installs     []interfaces.InstallRequest
	Calls        []string

	pending map[string]int
	rescans int
	settles int
}

// NewMachine returns a privileged UEFI rescue machine with one disk.
func NewMachine(disk string, size uint64) *Machine {
	return &Machine{
		Devices:       map[string]uint64{disk: size},
		HostnameValue: "nixos",
		Privileged:    true,
		UEFI:          true,
		Dirs:          map[string]bool{},
		MissingTools:  map[string]bool{},
		Memory:        16 << 30,
		Links:         map[string]bool{},
		VolumeGroups:  map[string]bool{},
		Encrypted:     map[string][]byte{},
		Mappings:      map[string]string{},
		Swaps:         map[string]bool{},
		Fail:          map[string]error{},
		pending:       map[string]int{},
	}
}

func (m *Machine) record(op string, args ...string) error {
	m.Calls = append(m.Calls, strings.TrimSpace(op+" "+strings.Join(args, " ")))
	if err, ok := m.Fail[op]; ok {
		return err
	}
	return nil
}

func (m *Machine) addDevice(p string) {
	if m.SettlesToAppear <= 0 {
		m.Devices[p] = 1 << 30
		return
	}
	m.pending[p] = m.SettlesToAppear
}

// Destructive returns the recorded calls that modify disk contents.
func (m *Machine) Destructive() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []string
	for _, c := range m.Calls {
		op, _, _ := strings.Cut(c, " ")
		if destructiveOps[op] {
			res = append(res, c)
		}
	}
	return res
}

// CallsWithPrefix returns the recorded calls starting with prefix.
func (m *Machine) CallsWithPrefix(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []string
	for _, c := range m.Calls {
		if strings.HasPrefix(c, prefix) {
			res = append(res, c)
		}
	}
	return res
}

// Rescans returns how many partition rescans were requested.
func (m *Machine) Rescans() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rescans
}

// Settles returns how many settle requests were made.
func (m *Machine) Settles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settles
}

// AddDevice makes a block device visible immediately.
func (m *Machine) AddDevice(p string, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Devices[p] = size
}

// IsMounted reports whether target is in the mount table.
func (m *Machine) IsMounted(target string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.Mounted {
		if t == target {
			return true
		}
	}
	return false
}

func (m *Machine) WritePartitionTable(ctx context.Context, plan interfaces.PartitionPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("parted", plan.Disk, string(plan.Table)); err != nil {
		return err
	}
	for _, dev := range plan.Devices() {
		delete(m.Devices, dev)
		m.addDevice(dev)
	}
	return nil
}

func (m *Machine) RemoveVolumeGroup(ctx context.Context, vg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.VolumeGroups[vg] {
		return nil
	}
	if err := m.record("vgremove", vg); err != nil {
		return err
	}
	delete(m.VolumeGroups, vg)
	for dev := range m.Devices {
		if strings.HasPrefix(dev, "/dev/"+vg+"/") {
			delete(m.Devices, dev)
			delete(m.Links, dev)
		}
	}
	return nil
}

func (m *Machine) CreatePhysicalVolume(ctx context.Context, device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Devices[device]; !ok {
		return fmt.Errorf("pvcreate: %s: no such device", device)
	}
	return m.record("pvcreate", device)
}

func (m *Machine) CreateVolumeGroup(ctx context.Context, vg string, devices ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("vgcreate", append([]string{vg}, devices...)...); err != nil {
		return err
	}
	m.VolumeGroups[vg] = true
	return nil
}

func (m *Machine) CreateLogicalVolume(ctx context.Context, vg, lv string, sizeGiB uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.VolumeGroups[vg] {
		return fmt.Errorf("lvcreate: volume group %s not found", vg)
	}
	if err := m.record("lvcreate", fmt.Sprintf("%s/%s", vg, lv), fmt.Sprint(sizeGiB)); err != nil {
		return err
	}
	m.addDevice("/dev/" + vg + "/" + lv)
	m.Links["/dev/"+vg+"/"+lv] = true
	return nil
}

func (m *Machine) MakeFilesystem(ctx context.Context, spec interfaces.FilesystemSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := []string{spec.Type, spec.Device}
	if spec.InodeSize > 0 {
		args = append(args, fmt.Sprintf("inode=%d", spec.InodeSize))
	}
	if spec.ReservedPercent > 0 {
		args = append(args, fmt.Sprintf("reserved=%d", spec.ReservedPercent))
	}
	if _, ok := m.Devices[spec.Device]; !ok {
		return fmt.Errorf("mkfs: %s: no such device", spec.Device)
	}
	if err := m.record("mkfs", args...); err != nil {
		return err
	}
	if spec.Label != "" {
		m.addDevice(interfaces.LabelPath(spec.Label))
	}
	return nil
}

func (m *Machine) IsEncrypted(ctx context.Context, device string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Encrypted[device]
	return ok
}

func (m *Machine) Format(ctx context.Context, device string, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("luksFormat", device); err != nil {
		return err
	}
	m.Encrypted[device] = append([]byte(nil), key...)
	return nil
}

func (m *Machine) Open(ctx context.Context, device, name string, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("luksOpen", device, name); err != nil {
		return err
	}
	stored, ok := m.Encrypted[device]
	if !ok {
		return fmt.Errorf("%s is not a LUKS device", device)
	}
	if string(stored) != string(key) {
		return errors.New("no key available with this passphrase")
	}
	m.Mappings[name] = device
	m.addDevice("/dev/mapper/" + name)
	return nil
}

func (m *Machine) Close(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Mappings[name]; !ok {
		return nil
	}
	if err := m.record("luksClose", name); err != nil {
		return err
	}
	delete(m.Mappings, name)
	delete(m.Devices, "/dev/mapper/"+name)
	return nil
}

func (m *Machine) Mount(ctx context.Context, source, target, fstype string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Devices[source]; !ok {
		return fmt.Errorf("mount: %s: no such device", source)
	}
	if err := m.record("mount", source, target); err != nil {
		return err
	}
	m.Mounted = append(m.Mounted, target)
	return nil
}

func (m *Machine) BindMount(ctx context.Context, source, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("bind", source, target); err != nil {
		return err
	}
	m.Mounted = append(m.Mounted, target)
	return nil
}

func (m *Machine) Remount(ctx context.Context, target, options string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("remount", target, options)
}

func (m *Machine) Unmount(ctx context.Context, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.Mounted {
		if t == target {
			if err := m.record("umount", target); err != nil {
				return err
			}
			m.Mounted = append(m.Mounted[:i], m.Mounted[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Machine) MountsUnder(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []string
	for _, t := range m.Mounted {
		if t == prefix || strings.HasPrefix(t, strings.TrimSuffix(prefix, "/")+"/") {
			res = append(res, t)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		return strings.Count(res[i], "/") > strings.Count(res[j], "/")
	})
	return res, nil
}

func (m *Machine) Settle(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settles++
	for dev, left := range m.pending {
		if left <= 1 {
			m.Devices[dev] = 1 << 30
			delete(m.pending, dev)
			continue
		}
		m.pending[dev] = left - 1
	}
	return nil
}

func (m *Machine) RescanPartitions(ctx context.Context, disk string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rescans++
	return nil
}

func (m *Machine) IsBlockDevice(p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Devices[p]
	return ok
}

func (m *Machine) IsSymlink(p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Links[p]
}

func (m *Machine) DeviceSize(p string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	size, ok := m.Devices[p]
	if !ok {
		return 0, fmt.Errorf("%s: no such device", p)
	}
	return size, nil
}

func (m *Machine) EnableSwapFile(ctx context.Context, p string, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("swapon", p, fmt.Sprint(size)); err != nil {
		return err
	}
	m.Swaps[p] = true
	return nil
}

func (m *Machine) DisableSwapFile(ctx context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Swaps[p] {
		return nil
	}
	if err := m.record("swapoff", p); err != nil {
		return err
	}
	delete(m.Swaps, p)
	return nil
}

func (m *Machine) Hostname() (string, error) {
	return m.HostnameValue, nil
}

func (m *Machine) IsPrivileged() bool {
	return m.Privileged
}

func (m *Machine) HasUEFIFirmware() bool {
	return m.UEFI
}

func (m *Machine) DirExists(p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Dirs[p]
}

func (m *Machine) LookPath(tool string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MissingTools[tool] {
		return fmt.Errorf("exec: %q: executable file not found in $PATH", tool)
	}
	return nil
}

func (m *Machine) TotalMemory() (uint64, error) {
	return m.Memory, nil
}

func (m *Machine) Install(ctx context.Context, req interfaces.InstallRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("install", req.ProfileRef); err != nil {
		return err
	}
	m.Installs = append(m.Installs, req)
	return nil
}
