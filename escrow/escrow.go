package escrow

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"os"

	"github.com/ruteri/host-provisioner/cryptoutils"
	"github.com/ruteri/host-provisioner/interfaces"
)

// Recovery deposits copies of issued data volume keys, sealed to an
// operator recovery key, into an escrow backend.
type Recovery struct {
	Backend     interfaces.EscrowBackend
	RecoveryKey *ecdsa.PublicKey

	log *slog.Logger
}

func NewRecovery(backend interfaces.EscrowBackend, recoveryKey *ecdsa.PublicKey, log *slog.Logger) *Recovery {
	return &Recovery{Backend: backend, RecoveryKey: recoveryKey, log: log}
}

// LoadRecoveryKey reads a PEM public key or an authorized_keys line.
func LoadRecoveryKey(path string) (*ecdsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if pub, err := cryptoutils.ParsePublicKeyPEM(data); err == nil {
		return pub, nil
	}
	pub, err := cryptoutils.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("%s is neither a PEM nor an authorized_keys public key: %w", path, err)
	}
	return pub, nil
}

// Deposit seals key to the recovery key and stores it for hostname.
func (r *Recovery) Deposit(ctx context.Context, hostname string, key []byte) error {
	sealed, err := cryptoutils.Seal(r.RecoveryKey, key)
	if err != nil {
		return err
	}
	if err := r.Backend.Store(ctx, hostname, sealed); err != nil {
		return err
	}

	r.log.Info("escrowed recovery copy of data volume key",
		slog.String("hostname", hostname),
		slog.String("backend", r.Backend.LocationURI()))
	return nil
}

// Recover fetches the copy of hostname and opens it with the recovery
// private key.
func (r *Recovery) Recover(ctx context.Context, hostname string, recoveryPrivateKey *ecdsa.PrivateKey) ([]byte, error) {
	sealed, err := r.Backend.Fetch(ctx, hostname)
	if err != nil {
		return nil, err
	}
	return cryptoutils.Open(recoveryPrivateKey, sealed)
}
