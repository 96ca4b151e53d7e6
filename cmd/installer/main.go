package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"

	"github.com/ruteri/host-provisioner/cmd/flags"
	"github.com/ruteri/host-provisioner/cryptoutils"
	"github.com/ruteri/host-provisioner/diskutil"
	"github.com/ruteri/host-provisioner/escrow"
	"github.com/ruteri/host-provisioner/handshake"
	"github.com/ruteri/host-provisioner/httpserver"
	"github.com/ruteri/host-provisioner/interfaces"
	"github.com/ruteri/host-provisioner/metrics"
	"github.com/ruteri/host-provisioner/provisioner"
	"github.com/ruteri/host-provisioner/secretstore"
	"github.com/ruteri/host-provisioner/sysutil"
)

var configFlag = &cli.PathFlag{
	Name:    "config",
	Usage:   "YAML file with organization settings, keyed by flag name",
	EnvVars: []string{"INSTALLER_CONFIG"},
}

var intentFlags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:     "hostname",
		Required: true,
		Usage:    "hostname of the machine being provisioned",
		EnvVars:  []string{"HOSTNAME_TARGET"},
	},
	&cli.StringFlag{
		Name:    "disk",
		Usage:   "block device to erase and partition (install mode only), e.g. /dev/nvme0n1",
		EnvVars: []string{"TARGET_DISK"},
	},
	&cli.Uint64Flag{
		Name:    "root-size",
		Usage:   "size of the root logical volume in GiB (install mode only)",
		EnvVars: []string{"ROOT_SIZE"},
	},
	&cli.BoolFlag{
		Name:    "no-encrypted-volume",
		Aliases: []string{"D"},
		Usage:   "do not create or unlock the encrypted data volume",
		EnvVars: []string{"NO_ENCRYPTED_VOLUME"},
	},
	&cli.BoolFlag{
		Name:    "legacy-boot",
		Usage:   "lay out the disk for BIOS boot instead of UEFI",
		EnvVars: []string{"LEGACY_BOOT"},
	},
	&cli.StringFlag{
		Name:    "data-device",
		Usage:   "device for the encrypted data volume. Defaults to " + interfaces.DefaultDataDevice,
		EnvVars: []string{"DATA_DEVICE"},
	},
}

var storeFlags []cli.Flag = []cli.Flag{
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "store-url",
		Usage:   "SSH URL of the secret store repository",
		EnvVars: []string{"STORE_URL"},
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "store-branch",
		Value:   secretstore.DefaultBranch,
		Usage:   "default branch of the secret store",
		EnvVars: []string{"STORE_BRANCH"},
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "master-file",
		Value:   secretstore.DefaultMasterFile,
		Usage:   "file in the secret store holding the key records",
		EnvVars: []string{"MASTER_FILE"},
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "registration-url-template",
		Value:   secretstore.DefaultRegistrationURLTemplate,
		Usage:   "where host keys are registered; {host} and {path} are substituted",
		EnvVars: []string{"REGISTRATION_URL_TEMPLATE"},
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "change-request-url-template",
		Value:   secretstore.DefaultChangeRequestURLTemplate,
		Usage:   "where key record branches are reviewed; {host}, {path} and {branch} are substituted",
		EnvVars: []string{"CHANGE_REQUEST_URL_TEMPLATE"},
	}),
	altsrc.NewPathFlag(&cli.PathFlag{
		Name:    "known-hosts",
		Value:   "/root/.ssh/known_hosts",
		Usage:   "known_hosts file used to verify the secret store. Host keys are not verified when it is missing",
		EnvVars: []string{"KNOWN_HOSTS"},
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "profile-ref",
		Usage:   "system profile handed to the installer; {hostname} is substituted",
		EnvVars: []string{"PROFILE_REF"},
	}),
}

var pathFlags []cli.Flag = []cli.Flag{
	altsrc.NewPathFlag(&cli.PathFlag{
		Name:    "keypair-path",
		Value:   "/root/.ssh/id_provisioning",
		Usage:   "host keypair kept by the installation environment between runs",
		EnvVars: []string{"KEYPAIR_PATH"},
	}),
	altsrc.NewPathFlag(&cli.PathFlag{
		Name:    "secrets-dir",
		Value:   "/run/host-provisioner",
		Usage:   "volatile directory for the store checkout, decrypted keys and the status file",
		EnvVars: []string{"SECRETS_DIR"},
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "artifact-dir",
		Value:   provisioner.DefaultArtifactDir,
		Usage:   "where the host keypair is persisted, relative to the target root",
		EnvVars: []string{"ARTIFACT_DIR"},
	}),
	altsrc.NewPathFlag(&cli.PathFlag{
		Name:    "target-root",
		Value:   diskutil.DefaultTargetRoot,
		Usage:   "mount point the new system is assembled under in install mode",
		EnvVars: []string{"TARGET_ROOT"},
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "rescue-hostname",
		Value:   provisioner.DefaultRescueHostname,
		Usage:   "hostname of the installation image; selects install mode",
		EnvVars: []string{"RESCUE_HOSTNAME"},
	}),
	altsrc.NewStringSliceFlag(&cli.StringSliceFlag{
		Name:    "require-dir",
		Value:   cli.NewStringSlice("/nix/store"),
		Usage:   "directory that must exist before anything is done",
		EnvVars: []string{"REQUIRE_DIR"},
	}),
}

var escrowFlags []cli.Flag = []cli.Flag{
	altsrc.NewStringSliceFlag(&cli.StringSliceFlag{
		Name:    "escrow",
		Usage:   "keep recovery copies of issued keys at file:///dir, s3://bucket/prefix or vault://host:port/mount/path",
		EnvVars: []string{"ESCROW"},
	}),
	altsrc.NewPathFlag(&cli.PathFlag{
		Name:    "escrow-recovery-pubkey",
		Usage:   "public key (PEM or authorized_keys) recovery copies are sealed to",
		EnvVars: []string{"ESCROW_RECOVERY_PUBKEY"},
	}),
}

var recoverFlags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:     "hostname",
		Required: true,
		Usage:    "host whose data volume key to recover",
	},
	&cli.PathFlag{
		Name:     "recovery-key",
		Required: true,
		Usage:    "private key matching --escrow-recovery-pubkey",
	},
	&cli.PathFlag{
		Name:  "output",
		Usage: "write the key to this file instead of printing it hex encoded",
	},
}

const usage string = `Bare-machine storage provisioner
Partitions and encrypts the target disk, obtains the data volume key from
the secret store once a human has approved it, and hands off to the system
installer.`

func main() {
	installerFlags := slices.Concat(intentFlags, storeFlags, pathFlags, escrowFlags, flags.StatusFlags, flags.LogFlags, []cli.Flag{configFlag})

	app := &cli.App{
		Name:   "installer",
		Usage:  usage,
		Flags:  installerFlags,
		Before: loadConfigFile(installerFlags),
		Action: runInstaller,
		Commands: []*cli.Command{
			{
				Name:   "recover",
				Usage:  "decrypt the escrowed recovery copy of a host data volume key",
				Flags:  slices.Concat(recoverFlags, escrowFlags, flags.LogFlags, []cli.Flag{configFlag}),
				Before: loadConfigFile(escrowFlags),
				Action: runRecover,
			},
		},
		// Exit codes are mapped below, after the hint has been printed.
		ExitErrHandler: func(*cli.Context, error) {},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var fatal *interfaces.FatalError
		if errors.As(err, &fatal) && fatal.Hint != "" {
			fmt.Fprintf(os.Stderr, "hint: %s\n", fatal.Hint)
		}
		os.Exit(interfaces.ExitCodeFor(err))
	}
}

func loadConfigFile(fileFlags []cli.Flag) cli.BeforeFunc {
	load := altsrc.InitInputSourceWithContext(fileFlags, altsrc.NewYamlSourceFromFlagFunc(configFlag.Name))
	return func(cCtx *cli.Context) error {
		if cCtx.String(configFlag.Name) == "" {
			return nil
		}
		if err := load(cCtx); err != nil {
			return interfaces.NewConfigurationError(interfaces.ExitInvalidConfiguration, err,
				"check that --config names a readable YAML file keyed by flag names")
		}
		return nil
	}
}

func intentFromFlags(cCtx *cli.Context) interfaces.HostIntent {
	intent := interfaces.HostIntent{
		Hostname:              cCtx.String("hostname"),
		BootMode:              interfaces.BootModeUEFI,
		CreateEncryptedVolume: !cCtx.Bool("no-encrypted-volume"),
		TargetDiskPath:        cCtx.String("disk"),
		RootSizeGiB:           cCtx.Uint64("root-size"),
		DataDevicePath:        cCtx.String("data-device"),
	}
	if cCtx.Bool("legacy-boot") {
		intent.BootMode = interfaces.BootModeLegacy
	}
	return intent
}

func requireSettings(cCtx *cli.Context, names ...string) error {
	for _, name := range names {
		if cCtx.String(name) == "" {
			return interfaces.NewConfigurationError(interfaces.ExitInvalidConfiguration,
				fmt.Errorf("--%s is required", name),
				fmt.Sprintf("pass --%s or set %s in the --config file", name, name))
		}
	}
	return nil
}

func runInstaller(cCtx *cli.Context) error {
	log := flags.SetupLogger(cCtx)

	if err := requireSettings(cCtx, "store-url", "profile-ref"); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	secretsDir := cCtx.String("secrets-dir")
	m := metrics.New()
	ledger := provisioner.NewLedger(filepath.Join(secretsDir, "status.json"), m, log)

	deposit, err := setupEscrow(cCtx, log)
	if err != nil {
		return err
	}

	seq := newSequencer(cCtx, log, m, ledger)
	seq.Connect = func(ctx context.Context, kp *cryptoutils.KeyPair) (provisioner.Exchange, error) {
		transport, err := secretstore.NewGitTransport(cCtx.String("store-url"), cCtx.String("store-branch"), kp, cCtx.String("known-hosts"), log)
		if err != nil {
			return nil, interfaces.NewConfigurationError(interfaces.ExitInvalidConfiguration, err, "check --store-url")
		}
		client, err := secretstore.NewClient(secretstore.Config{
			URL:                      cCtx.String("store-url"),
			Branch:                   cCtx.String("store-branch"),
			MasterFile:               cCtx.String("master-file"),
			CheckoutDir:              filepath.Join(secretsDir, "store"),
			SecretsDir:               secretsDir,
			RegistrationURLTemplate:  cCtx.String("registration-url-template"),
			ChangeRequestURLTemplate: cCtx.String("change-request-url-template"),
		}, transport, log)
		if err != nil {
			return nil, interfaces.NewConfigurationError(interfaces.ExitInvalidConfiguration, err, "check --store-url")
		}

		coord := handshake.NewCoordinator(client, os.Stdout, log)
		coord.Observer = ledger
		coord.Metrics = m
		if deposit != nil {
			coord.Escrow = deposit
		}
		return coord, nil
	}

	if cCtx.String(flags.StatusAddrFlag.Name) != "" {
		srv, err := httpserver.New(flags.ConfigureStatusServer(cCtx, log), ledger, m)
		if err != nil {
			return err
		}
		srv.RunInBackground()
		defer srv.Shutdown()
	}

	return seq.Run(ctx, intentFromFlags(cCtx))
}

func newSequencer(cCtx *cli.Context, log *slog.Logger, m *metrics.Metrics, ledger *provisioner.Ledger) *provisioner.Sequencer {
	runner := &sysutil.ExecRunner{Log: log}
	host := sysutil.Host{}
	block := sysutil.BlockDevices{}
	mounts := &sysutil.Mounts{}
	mkfs := &sysutil.Mkfs{Runner: runner}
	crypt := &sysutil.Cryptsetup{Runner: runner}

	waiter := diskutil.NewDeviceWaiter(&sysutil.Udev{Runner: runner}, block, log)
	waiter.Metrics = m

	volumes := diskutil.NewVolumeProvisioner(log)
	volumes.Partitions = &sysutil.Parted{Runner: runner}
	volumes.Volumes = &sysutil.LVM{Runner: runner}
	volumes.Filesystems = mkfs
	volumes.Crypt = crypt
	volumes.Mounts = mounts
	volumes.Swap = &sysutil.SwapFile{Runner: runner}
	volumes.Host = host
	volumes.Waiter = waiter

	encrypted := diskutil.NewEncryptedVolumeManager(log)
	encrypted.Crypt = crypt
	encrypted.Filesystems = mkfs
	encrypted.Mounts = mounts
	encrypted.Waiter = waiter

	seq := provisioner.NewSequencer(provisioner.Config{
		RescueHostname: cCtx.String("rescue-hostname"),
		InstallRoot:    cCtx.String("target-root"),
		ArtifactDir:    cCtx.String("artifact-dir"),
		KeyPairPath:    cCtx.String("keypair-path"),
		ProfileRef:     cCtx.String("profile-ref"),
		RequiredDirs:   cCtx.StringSlice("require-dir"),
	}, log)
	seq.Host = host
	seq.Inspector = block
	seq.Waiter = waiter
	seq.Planner = &diskutil.PartitionPlanner{Inspector: block}
	seq.Volumes = volumes
	seq.Encrypted = encrypted
	seq.Installer = &sysutil.NixInstaller{Runner: runner, Stdout: os.Stdout, Stderr: os.Stderr}
	seq.Ledger = ledger
	return seq
}

// setupEscrow returns nil when no escrow backend is configured.
func setupEscrow(cCtx *cli.Context, log *slog.Logger) (*escrow.Recovery, error) {
	uris := cCtx.StringSlice("escrow")
	if len(uris) == 0 {
		return nil, nil
	}

	backend, err := escrow.NewBackendFactory(log).CreateMultiBackend(uris)
	if err != nil {
		return nil, interfaces.NewConfigurationError(interfaces.ExitInvalidConfiguration, err,
			"check the --escrow URIs")
	}

	keyPath := cCtx.String("escrow-recovery-pubkey")
	if keyPath == "" {
		return nil, interfaces.NewConfigurationError(interfaces.ExitInvalidConfiguration,
			errors.New("--escrow needs --escrow-recovery-pubkey"),
			"pass the public key recovery copies should be sealed to")
	}
	recoveryKey, err := escrow.LoadRecoveryKey(keyPath)
	if err != nil {
		return nil, interfaces.NewConfigurationError(interfaces.ExitInvalidConfiguration, err,
			"the recovery key must be an ECDSA P-256 public key")
	}
	return escrow.NewRecovery(backend, recoveryKey, log), nil
}

func runRecover(cCtx *cli.Context) error {
	log := flags.SetupLogger(cCtx)

	recovery, err := setupEscrow(cCtx, log)
	if err != nil {
		return err
	}
	if recovery == nil {
		return interfaces.NewConfigurationError(interfaces.ExitInvalidConfiguration,
			errors.New("no escrow backend configured"), "pass at least one --escrow URI")
	}

	kp, err := cryptoutils.LoadKeyPair(cCtx.String("recovery-key"))
	if err != nil {
		return interfaces.NewConfigurationError(interfaces.ExitInvalidConfiguration, err,
			"--recovery-key must name the recovery private key")
	}

	key, err := recovery.Recover(cCtx.Context, cCtx.String("hostname"), kp.Private)
	if err != nil {
		return err
	}
	defer clear(key)

	if out := cCtx.String("output"); out != "" {
		return cryptoutils.WriteSecretFile(out, key, 0o600)
	}
	fmt.Println(hex.EncodeToString(key))
	return nil
}
