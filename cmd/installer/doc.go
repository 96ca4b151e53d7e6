// Command installer provisions the storage of a bare machine, obtains the
// data volume key from the Git-backed secret store and hands off to the NixOS
// installer.
//
// Run from the installation image (hostname "nixos") it erases --disk,
// builds the partition and LVM layout and installs the host named by
// --hostname. Run on an installed host it only re-keys and reconfigures:
//
//	installer --hostname web2 --disk /dev/nvme0n1 --root-size 100 \
//	    --store-url git@github.com:acme/secrets.git \
//	    --profile-ref 'git+ssh://git@github.com/acme/hosts#{hostname}'
//
// Organization settings may live in a YAML file passed with --config; its
// keys are the long flag names.
//
// The process exits with a stable code per failure class, see
// interfaces.ExitFailure and the constants following it.
//
// The recover subcommand decrypts an escrowed recovery copy of a host key.
package main
