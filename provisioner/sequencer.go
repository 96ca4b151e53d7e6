// Package provisioner sequences a provisioning run: preflight, disk layout,
// secret exchange, encrypted volume and hand-off to the installer.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ruteri/host-provisioner/cryptoutils"
	"github.com/ruteri/host-provisioner/diskutil"
	"github.com/ruteri/host-provisioner/interfaces"
)

// Mode tells fresh installs from reconfigurations of a running host.
type Mode string

const (
	ModeInstall     Mode = "install"
	ModeReconfigure Mode = "reconfigure"
)

const (
	DefaultRescueHostname = "nixos"
	DefaultArtifactDir    = "/var/lib/provisioning"
	KeyPairFileName       = "id_provisioning"
	HostnameFileName      = "hostname"

	hostnamePlaceholder = "{hostname}"
)

// Exchange is the secret exchange as seen by the sequencer.
type Exchange interface {
	Authenticate(ctx context.Context, kp *cryptoutils.KeyPair) (interfaces.AuthHandshakeState, error)
	ObtainKey(ctx context.Context, hostname string, kp *cryptoutils.KeyPair) (interfaces.KeyMaterialRecord, error)
	RegistrationURL() string
	Forget(hostname string) error
}

// ConnectFunc builds the secret exchange once the host keypair is known.
type ConnectFunc func(ctx context.Context, kp *cryptoutils.KeyPair) (Exchange, error)

type Config struct {
	// RescueHostname is the hostname of the installation image. Running
	// under it selects install mode.
	RescueHostname string
	// InstallRoot is where the new system is assembled in install mode.
	InstallRoot string
	// ArtifactDir holds the persisted keypair and hostname, relative to
	// the target root.
	ArtifactDir string
	// KeyPairPath is where the rescue environment keeps the host keypair
	// between runs. A newly generated keypair is saved there.
	KeyPairPath string
	// ProfileRef is handed to the installer. {hostname} is substituted.
	ProfileRef   string
	RequiredDirs []string
	// FilesystemRoot prefixes every path this package writes directly.
	// Empty means /.
	FilesystemRoot string
}

// Sequencer drives one provisioning run through the stages in order. Any
// fatal error stops the run where it is; re-running starts over.
type Sequencer struct {
	Config    Config
	Host      interfaces.HostEnvironment
	Inspector interfaces.BlockDeviceInspector
	Waiter    *diskutil.DeviceWaiter
	Planner   *diskutil.PartitionPlanner
	Volumes   *diskutil.VolumeProvisioner
	Encrypted *diskutil.EncryptedVolumeManager
	Connect   ConnectFunc
	Installer interfaces.Installer
	Ledger    *Ledger

	log *slog.Logger

	intent     interfaces.HostIntent
	mode       Mode
	targetRoot string
	plan       interfaces.PartitionPlan
	layout     interfaces.Layout
	keyPair    *cryptoutils.KeyPair
	exchange   Exchange
	dataKey    []byte
	dataVolume *diskutil.DiskConfig
}

func NewSequencer(cfg Config, log *slog.Logger) *Sequencer {
	if cfg.RescueHostname == "" {
		cfg.RescueHostname = DefaultRescueHostname
	}
	if cfg.InstallRoot == "" {
		cfg.InstallRoot = diskutil.DefaultTargetRoot
	}
	if cfg.ArtifactDir == "" {
		cfg.ArtifactDir = DefaultArtifactDir
	}
	return &Sequencer{
		Config: cfg,
		Ledger: NewLedger("", nil, log),
		log:    log,
	}
}

type step struct {
	stage   interfaces.Stage
	applies func() bool
	run     func(ctx context.Context) error
}

func always() bool { return true }

// Run provisions the host described by intent. IsFreshInstall is derived
// from the running hostname and any value passed in is overwritten.
func (s *Sequencer) Run(ctx context.Context, intent interfaces.HostIntent) error {
	s.intent = intent
	// The decrypted key never outlives the run, whichever way it ends.
	defer s.discardKeyMaterial()

	steps := []step{
		{interfaces.StageParseIntent, always, s.parseIntent},
		{interfaces.StageWaitPrereqs, always, s.waitPrereqs},
		{interfaces.StagePartition, s.installing, s.partition},
		{interfaces.StageBuildVolumes, s.installing, s.buildVolumes},
		{interfaces.StageAuthHandshake, always, s.authenticate},
		{interfaces.StageKeyHandshake, s.encrypting, s.obtainKey},
		{interfaces.StageOpenEncryptedVolume, s.encrypting, s.openEncryptedVolume},
		{interfaces.StageHandoff, always, s.handoff},
		{interfaces.StageCleanup, always, s.cleanup},
	}

	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !st.applies() {
			s.Ledger.Skip(st.stage)
			continue
		}

		s.log.Info("entering stage", slog.String("stage", st.stage.String()))
		s.Ledger.Begin(st.stage)
		err := st.run(ctx)
		s.Ledger.Finish(st.stage, err)
		if err != nil {
			return fmt.Errorf("%s: %w", st.stage, err)
		}
	}

	s.Ledger.Begin(interfaces.StageDone)
	s.Ledger.Finish(interfaces.StageDone, nil)
	s.log.Info("provisioning finished",
		slog.String("hostname", s.intent.Hostname),
		slog.String("mode", string(s.mode)))
	return nil
}

func (s *Sequencer) installing() bool {
	return s.mode == ModeInstall
}

func (s *Sequencer) encrypting() bool {
	return s.intent.CreateEncryptedVolume
}

func (s *Sequencer) parseIntent(ctx context.Context) error {
	current, err := s.Host.Hostname()
	if err != nil {
		return interfaces.NewInfrastructureError(interfaces.ExitFailure,
			fmt.Errorf("could not read hostname: %w", err), "")
	}

	s.mode = ModeReconfigure
	s.targetRoot = "/"
	if current == s.Config.RescueHostname {
		s.mode = ModeInstall
		s.targetRoot = s.Config.InstallRoot
	}
	s.intent.IsFreshInstall = s.mode == ModeInstall
	if s.mode == ModeInstall {
		if err := diskutil.CheckTargetRoot(s.targetRoot); err != nil {
			return err
		}
	}

	intent, err := s.intent.Validate()
	if err != nil {
		return err
	}
	s.intent = intent

	if s.mode == ModeReconfigure && current != intent.Hostname {
		s.log.Warn("reconfiguring under a different hostname",
			slog.String("current", current),
			slog.String("requested", intent.Hostname))
	}

	s.Volumes.TargetRoot = s.targetRoot
	s.Encrypted.TargetRoot = s.targetRoot
	s.Ledger.SetIdentity(intent.Hostname, s.mode)

	s.log.Info("host intent",
		slog.String("hostname", intent.Hostname),
		slog.String("mode", string(s.mode)),
		slog.String("boot", intent.BootMode.String()),
		slog.Bool("encrypted", intent.CreateEncryptedVolume),
		slog.String("disk", intent.TargetDiskPath),
		slog.Uint64("root_gib", intent.RootSizeGiB))
	return nil
}

func (s *Sequencer) waitPrereqs(ctx context.Context) error {
	if !s.Host.IsPrivileged() {
		return interfaces.NewInfrastructureError(interfaces.ExitPrivilege,
			errors.New("provisioning requires root privileges"),
			"re-run as root, e.g. with sudo")
	}

	for _, dir := range s.Config.RequiredDirs {
		if !s.Host.DirExists(dir) {
			return interfaces.NewInfrastructureError(interfaces.ExitMissingPrerequisite,
				fmt.Errorf("required directory %s does not exist", dir),
				"run from the installation image or a provisioned host")
		}
	}

	for _, tool := range requiredTools(s.intent) {
		if err := s.Host.LookPath(tool); err != nil {
			return interfaces.NewInfrastructureError(interfaces.ExitMissingPrerequisite,
				fmt.Errorf("required tool %s not found: %w", tool, err),
				fmt.Sprintf("install %s or add it to PATH", tool))
		}
	}

	uefi := s.Host.HasUEFIFirmware()
	if uefi != (s.intent.BootMode == interfaces.BootModeUEFI) {
		hint := "the machine booted in legacy mode; pass --legacy-boot or boot the installer with UEFI"
		if uefi {
			hint = "the machine booted with UEFI; drop --legacy-boot"
		}
		return interfaces.NewConfigurationError(interfaces.ExitBootModeMismatch,
			fmt.Errorf("requested %s boot but firmware is %s", s.intent.BootMode, firmwareName(uefi)),
			hint)
	}

	var devices []string
	if s.intent.IsFreshInstall {
		devices = append(devices, s.intent.TargetDiskPath)
	}
	if s.intent.CreateEncryptedVolume && !s.intent.UsesDataVolume() {
		devices = append(devices, s.intent.DataDevicePath)
	}
	if err := s.Waiter.AwaitPaths(ctx, devices...); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return interfaces.NewConfigurationError(interfaces.ExitInvalidDevice,
			fmt.Errorf("%s: %w", strings.Join(devices, ", "), err),
			"check the device paths with lsblk")
	}
	return nil
}

func requiredTools(intent interfaces.HostIntent) []string {
	tools := []string{"udevadm"}
	if intent.IsFreshInstall {
		tools = append(tools,
			"parted", "partprobe",
			"vgs", "vgchange", "vgremove", "pvcreate", "vgcreate", "lvcreate",
			"mkfs.ext4", "mkswap", "swapon", "swapoff",
			"nixos-install")
		if intent.BootMode == interfaces.BootModeUEFI {
			tools = append(tools, "mkfs.vfat")
		}
	} else {
		tools = append(tools, "nixos-rebuild")
	}
	if intent.CreateEncryptedVolume {
		tools = append(tools, "cryptsetup")
		if !slices.Contains(tools, "mkfs.ext4") {
			tools = append(tools, "mkfs.ext4")
		}
	}
	return tools
}

func firmwareName(uefi bool) string {
	if uefi {
		return "uefi"
	}
	return "legacy"
}

func (s *Sequencer) partition(ctx context.Context) error {
	plan, err := s.Planner.Plan(ctx, s.intent)
	if err != nil {
		return err
	}
	s.plan = plan
	return nil
}

func (s *Sequencer) buildVolumes(ctx context.Context) error {
	layout, err := s.Volumes.Provision(ctx, s.intent, s.plan)
	if err != nil {
		return err
	}
	s.layout = layout
	return nil
}

func (s *Sequencer) authenticate(ctx context.Context) error {
	kp, generated, err := cryptoutils.LoadOrGenerateKeyPair(s.keyPairSources()...)
	if err != nil {
		return interfaces.NewInfrastructureError(interfaces.ExitFailure, err,
			"remove the unreadable key file to generate a new host key")
	}
	if generated && s.Config.KeyPairPath != "" {
		if err := kp.Save(s.hostPath(s.Config.KeyPairPath)); err != nil {
			return err
		}
	}
	s.keyPair = kp
	s.log.Info("host key", slog.String("fingerprint", kp.Fingerprint()), slog.Bool("generated", generated))

	exchange, err := s.Connect(ctx, kp)
	if err != nil {
		return err
	}
	s.exchange = exchange
	s.Ledger.SetPublicKey(kp.AuthorizedKey(), exchange.RegistrationURL())

	_, err = exchange.Authenticate(ctx, kp)
	return err
}

// keyPairSources lists where an existing host key may live, most specific
// first.
func (s *Sequencer) keyPairSources() []string {
	var paths []string
	if s.Config.KeyPairPath != "" {
		paths = append(paths, s.hostPath(s.Config.KeyPairPath))
	}
	return append(paths, s.persistedKeyPairPath())
}

func (s *Sequencer) obtainKey(ctx context.Context) error {
	record, err := s.exchange.ObtainKey(ctx, s.intent.Hostname, s.keyPair)
	if err != nil {
		return err
	}
	s.dataKey = record.KeyBytes
	return nil
}

func (s *Sequencer) openEncryptedVolume(ctx context.Context) error {
	device := s.intent.DataDevicePath

	if s.mode == ModeInstall {
		cfg, err := s.Encrypted.Format(ctx, device, s.dataKey)
		if err != nil {
			return err
		}
		s.dataVolume = &cfg
		return nil
	}

	if s.Inspector.IsBlockDevice(interfaces.DefaultMapperDevice) {
		s.log.Info("data volume already unlocked", slog.String("mapper", interfaces.DefaultMapperDevice))
		return nil
	}

	var (
		cfg diskutil.DiskConfig
		err error
	)
	if s.Encrypted.IsEncrypted(ctx, device) {
		cfg, err = s.Encrypted.Unlock(ctx, device, s.dataKey)
	} else {
		cfg, err = s.Encrypted.Format(ctx, device, s.dataKey)
	}
	if err != nil {
		return err
	}
	s.dataVolume = &cfg
	return nil
}

func (s *Sequencer) handoff(ctx context.Context) error {
	if err := s.persist(); err != nil {
		return err
	}

	req := interfaces.InstallRequest{
		Hostname:       s.intent.Hostname,
		IsFreshInstall: s.intent.IsFreshInstall,
		TargetRoot:     s.targetRoot,
		ProfileRef:     strings.ReplaceAll(s.Config.ProfileRef, hostnamePlaceholder, s.intent.Hostname),
		IdentityFile:   s.persistedKeyPairPath(),
	}
	s.log.Info("handing off to installer",
		slog.String("profile", req.ProfileRef),
		slog.Bool("fresh_install", req.IsFreshInstall))
	return s.Installer.Install(ctx, req)
}

// persist writes the host keypair and hostname into the target system so the
// installed host can keep talking to the secret store.
func (s *Sequencer) persist() error {
	if err := s.keyPair.Save(s.persistedKeyPairPath()); err != nil {
		return fmt.Errorf("could not persist host key: %w", err)
	}

	hostnamePath := filepath.Join(s.artifactDir(), HostnameFileName)
	if err := os.WriteFile(hostnamePath, []byte(s.intent.Hostname+"\n"), 0o644); err != nil {
		return fmt.Errorf("could not persist hostname: %w", err)
	}
	return nil
}

// cleanup releases what the run set up for the installer. Failures are
// logged and never fail the run.
func (s *Sequencer) cleanup(ctx context.Context) error {
	s.discardKeyMaterial()

	if s.mode != ModeInstall {
		return nil
	}

	if s.dataVolume != nil {
		if err := s.Encrypted.Close(ctx, *s.dataVolume); err != nil {
			s.log.Warn("could not close data volume", "err", err)
		}
	}
	if err := s.Volumes.DisableSwap(ctx); err != nil {
		s.log.Warn("could not remove swap file", "err", err)
	}
	return nil
}

// discardKeyMaterial removes the decrypted key artifacts and wipes the key
// from memory. Volumes are left as they are.
func (s *Sequencer) discardKeyMaterial() {
	if s.exchange != nil {
		if err := s.exchange.Forget(s.intent.Hostname); err != nil {
			s.log.Warn("could not remove decrypted key material", "err", err)
		}
	}
	clear(s.dataKey)
	s.dataKey = nil
}

func (s *Sequencer) artifactDir() string {
	return s.hostPath(filepath.Join(s.targetRoot, s.Config.ArtifactDir))
}

func (s *Sequencer) persistedKeyPairPath() string {
	return filepath.Join(s.artifactDir(), KeyPairFileName)
}

func (s *Sequencer) hostPath(p string) string {
	if s.Config.FilesystemRoot == "" {
		return p
	}
	return filepath.Join(s.Config.FilesystemRoot, p)
}

// Mode returns the mode chosen by the intent stage.
func (s *Sequencer) Mode() Mode {
	return s.mode
}
