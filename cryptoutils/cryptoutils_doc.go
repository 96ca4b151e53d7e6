// Package cryptoutils provides the host credential and key sealing
// primitives used by the provisioner.
//
// Every host owns one ECDSA P-256 keypair. The private half is stored in
// OpenSSH format and authenticates the host to the remote secret store; the
// public half is printed for an operator to register, and data volume keys
// are sealed to it so only the host can read its own record.
//
// The sealing scheme is ECIES:
//
//   - NIST P-256 ECDH with a fresh ephemeral key per message
//   - SHA-256 over the shared secret as the AES key
//   - AES-256-GCM with a random 12-byte nonce
//
// # Sealed Format
//
//	[ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext]
//
// Where:
//   - Ephemeral key length: uint16 in big-endian format
//   - Ephemeral key: uncompressed SEC 1 point
//   - IV: 12-byte nonce for AES-GCM
//   - Ciphertext: The encrypted data with GCM authentication tag
//
// # Key Functions
//
//   - GenerateKeyPair, LoadOrGenerateKeyPair, KeyPair.Save
//   - Seal, Open
//   - EncryptWithPublicKey, DecryptWithPrivateKey for PEM-encoded keys
//   - RandomKeyMaterial
package cryptoutils
