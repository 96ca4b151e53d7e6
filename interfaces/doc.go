// Package interfaces holds the data model shared by every component of the
// provisioner, the stage enum, the error taxonomy with its stable exit codes,
// and the capability interfaces the OS adapters implement.
//
// # Capabilities
//
// Components never shell out or touch device nodes directly. They depend on
// narrow interfaces (PartitionTableWriter, VolumeManager, EncryptedContainer,
// Mounter, DeviceEvents, ...) implemented by package sysutil on a real host
// and by sysutil/systest in tests.
//
// # Errors
//
// FatalError aborts a run. Its Kind tells configuration mistakes from
// refusals to destroy data and from infrastructure failures; its Code is the
// process exit status. Everything else is transient and retried by the loop
// that saw it, or reported with ExitFailure.
package interfaces
