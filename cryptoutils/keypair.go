package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyPairComment is embedded in generated OpenSSH private keys.
const KeyPairComment = "host-provisioner"

// KeyPair is the host identity used for the secret store transport and as
// the recipient of sealed key records.
type KeyPair struct {
	Private *ecdsa.PrivateKey
}

// GenerateKeyPair creates a new ECDSA P-256 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return &KeyPair{Private: privateKey}, nil
}

// ParseKeyPair parses a PEM-encoded ECDSA private key in OpenSSH, SEC 1 or
// PKCS #8 form.
func ParseKeyPair(privateKeyPEM []byte) (*KeyPair, error) {
	raw, err := ssh.ParseRawPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	privateKey, ok := raw.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an ECDSA private key: %T", raw)
	}
	if privateKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("unsupported curve %s", privateKey.Curve.Params().Name)
	}
	return &KeyPair{Private: privateKey}, nil
}

// LoadKeyPair reads a private key file written by Save.
func LoadKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseKeyPair(data)
}

// LoadOrGenerateKeyPair returns the keypair at the first existing path and
// generates a fresh one if none exists. The boolean reports generation.
func LoadOrGenerateKeyPair(paths ...string) (*KeyPair, bool, error) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		kp, err := LoadKeyPair(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", path, err)
		}
		return kp, false, nil
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

// PrivateKeyPEM encodes the private key in OpenSSH format.
func (k *KeyPair) PrivateKeyPEM() ([]byte, error) {
	block, err := ssh.MarshalPrivateKey(k.Private, KeyPairComment)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(block), nil
}

// PublicKey returns the SSH form of the public key.
func (k *KeyPair) PublicKey() (ssh.PublicKey, error) {
	return ssh.NewPublicKey(&k.Private.PublicKey)
}

// AuthorizedKey returns the public key as a single authorized_keys line
// without trailing newline. This is what an operator registers.
func (k *KeyPair) AuthorizedKey() string {
	pub, err := k.PublicKey()
	if err != nil {
		// P-256 keys always convert.
		panic(err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
}

// Fingerprint returns the SHA256 fingerprint of the public key.
func (k *KeyPair) Fingerprint() string {
	pub, err := k.PublicKey()
	if err != nil {
		panic(err)
	}
	return ssh.FingerprintSHA256(pub)
}

// Signer returns an SSH signer for transport authentication.
func (k *KeyPair) Signer() (ssh.Signer, error) {
	return ssh.NewSignerFromKey(k.Private)
}

// Save writes the private key to path (0600, parent 0700) and the public key
// next to it with a .pub suffix.
func (k *KeyPair) Save(path string) error {
	privateKeyPEM, err := k.PrivateKeyPEM()
	if err != nil {
		return err
	}

	if err := WriteSecretFile(path, privateKeyPEM, 0o600); err != nil {
		return err
	}
	return WriteSecretFile(path+".pub", []byte(k.AuthorizedKey()+"\n"), 0o644)
}

// WriteSecretFile atomically replaces path with data. Missing parent
// directories are created with mode 0700; readers never observe a partially
// written file.
func WriteSecretFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
