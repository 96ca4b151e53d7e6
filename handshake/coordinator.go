package handshake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ruteri/host-provisioner/cryptoutils"
	"github.com/ruteri/host-provisioner/interfaces"
	"github.com/ruteri/host-provisioner/metrics"
)

const (
	DefaultPollInterval = 10 * time.Second
	// DefaultVerboseEvery makes roughly one attempt in three minutes show its
	// full output.
	DefaultVerboseEvery = 18
)

var errNotMerged = errors.New("key record not merged yet")

// Store is the secret store as seen by the coordinator.
type Store interface {
	Probe(ctx context.Context, progress io.Writer) error
	Sync(ctx context.Context, progress io.Writer) error
	ProposeRecord(ctx context.Context, hostname string, sealed []byte, progress io.Writer) (string, string, error)
	ExtractRecord(hostname string, kp *cryptoutils.KeyPair) (string, error)
	ArtifactExists(hostname string) bool
	ReadArtifact(hostname string) ([]byte, error)
	RemoveArtifacts(hostname string) error
	RegistrationURL() string
}

// Escrow keeps a recovery copy of newly issued keys.
type Escrow interface {
	Deposit(ctx context.Context, hostname string, key []byte) error
}

// Observer is told about state changes and about what the operator has to
// do. An empty PendingAction clears the previous one.
type Observer interface {
	HandshakeState(State)
	SetPending(interfaces.PendingAction)
}

// Coordinator runs the two human-gated phases of the secret exchange: getting
// the host key authorized on the store, and getting a data volume key
// record merged. Both loops poll forever; only ctx ends them.
type Coordinator struct {
	Store    Store
	Escrow   Escrow
	Observer Observer
	Metrics  *metrics.Metrics

	// Console receives operator instructions and verbose attempt output.
	Console      io.Writer
	Interval     time.Duration
	VerboseEvery int

	state State
	log   *slog.Logger
}

func NewCoordinator(store Store, console io.Writer, log *slog.Logger) *Coordinator {
	if console == nil {
		console = io.Discard
	}
	return &Coordinator{
		Store:        store,
		Console:      console,
		Interval:     DefaultPollInterval,
		VerboseEvery: DefaultVerboseEvery,
		state:        AuthPending,
		log:          log,
	}
}

func (c *Coordinator) State() State {
	return c.state
}

// RegistrationURL is where the host public key has to be authorized.
func (c *Coordinator) RegistrationURL() string {
	return c.Store.RegistrationURL()
}

// Forget removes the decrypted key material of hostname from local storage.
func (c *Coordinator) Forget(hostname string) error {
	return c.Store.RemoveArtifacts(hostname)
}

func (c *Coordinator) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Info("secret exchange state", slog.String("from", c.state.String()), slog.String("to", s.String()))
	c.state = s
	if c.Observer != nil {
		c.Observer.HandshakeState(s)
	}
}

func (c *Coordinator) setPending(action interfaces.PendingAction) {
	if c.Observer != nil {
		c.Observer.SetPending(action)
	}
}

// Authenticate blocks until the store accepts kp. On the first rejection the
// public key and the place to register it are printed.
func (c *Coordinator) Authenticate(ctx context.Context, kp *cryptoutils.KeyPair) (interfaces.AuthHandshakeState, error) {
	hs := interfaces.AuthHandshakeState{PublicKey: kp.AuthorizedKey()}
	c.state = AuthPending

	announced := false
	err := c.poll(ctx, PhaseAuth, func(attempt int, progress io.Writer) error {
		err := c.Store.Probe(ctx, progress)
		if err != nil && !announced {
			announced = true
			c.announceRegistration(hs.PublicKey)
		}
		return err
	})
	if err != nil {
		return hs, err
	}

	hs.RemoteAuthorized = true
	c.setPending(interfaces.PendingAction{})
	c.setState(AuthApproved)
	return hs, nil
}

func (c *Coordinator) announceRegistration(publicKey string) {
	url := c.Store.RegistrationURL()
	fmt.Fprintf(c.Console, "\nThe secret store does not accept this host's key yet.\n")
	fmt.Fprintf(c.Console, "Register the following public key at %s:\n\n", url)
	fmt.Fprintf(c.Console, "    %s\n\n", publicKey)
	fmt.Fprintf(c.Console, "Waiting for access, checking every %s.\n", c.Interval)

	c.setPending(interfaces.PendingAction{
		Phase:       PhaseAuth,
		Instruction: "register the host public key on the secret store",
		URL:         url,
	})
}

// ObtainKey returns the decrypted data volume key for hostname. An existing
// record is used as is. Otherwise a fresh key is sealed to kp, proposed on a
// new branch, and the loop waits for the change to be merged.
func (c *Coordinator) ObtainKey(ctx context.Context, hostname string, kp *cryptoutils.KeyPair) (interfaces.KeyMaterialRecord, error) {
	record := interfaces.KeyMaterialRecord{Hostname: hostname, ApprovalState: interfaces.ApprovalPending}
	if c.state < AuthApproved {
		return record, errors.New("key exchange requires an authorized host key")
	}

	var branch string
	err := c.poll(ctx, PhaseKey, func(attempt int, progress io.Writer) error {
		if err := c.Store.Sync(ctx, progress); err != nil {
			return fmt.Errorf("sync: %w", err)
		}

		_, err := c.Store.ExtractRecord(hostname, kp)
		switch {
		case err == nil:
			if branch == "" {
				c.setState(KeyPresent)
			}
		case errors.Is(err, interfaces.ErrRecordNotFound):
			if branch != "" {
				return errNotMerged
			}
			c.setState(KeyAbsent)
			proposed, err := c.propose(ctx, hostname, kp, progress)
			if err != nil {
				return err
			}
			branch = proposed
			record.ApprovalState = interfaces.ApprovalProposed
			return errNotMerged
		case errors.Is(err, interfaces.ErrForeignRecord):
			return backoff.Permanent(interfaces.NewInfrastructureError(interfaces.ExitFailure, err,
				fmt.Sprintf("restore the keypair the record for %s was sealed to, or have an operator remove the record from the store", hostname)))
		default:
			return err
		}

		if !c.Store.ArtifactExists(hostname) {
			return fmt.Errorf("decrypted key for %s missing after extraction", hostname)
		}
		return nil
	})
	if err != nil {
		return record, err
	}

	key, err := c.Store.ReadArtifact(hostname)
	if err != nil {
		return record, err
	}

	c.deposit(ctx, hostname, key)

	record.KeyBytes = key
	record.ApprovalState = interfaces.ApprovalMerged
	c.setPending(interfaces.PendingAction{})
	c.setState(KeyApproved)
	return record, nil
}

func (c *Coordinator) propose(ctx context.Context, hostname string, kp *cryptoutils.KeyPair, progress io.Writer) (string, error) {
	key, err := cryptoutils.RandomKeyMaterial(cryptoutils.DataKeySize)
	if err != nil {
		return "", backoff.Permanent(err)
	}
	sealed, err := cryptoutils.Seal(&kp.Private.PublicKey, key)
	if err != nil {
		return "", backoff.Permanent(err)
	}

	branch, url, err := c.Store.ProposeRecord(ctx, hostname, sealed, progress)
	if err != nil {
		return "", fmt.Errorf("propose: %w", err)
	}

	fmt.Fprintf(c.Console, "\nA new data volume key for %s was pushed on branch %s.\n", hostname, branch)
	fmt.Fprintf(c.Console, "Open and merge the change request at:\n\n    %s\n\n", url)
	fmt.Fprintf(c.Console, "Waiting for the change to be merged, checking every %s.\n", c.Interval)

	c.setPending(interfaces.PendingAction{
		Phase:       PhaseKey,
		Instruction: "open and merge the change request adding the data volume key",
		URL:         url,
		Branch:      branch,
	})
	return branch, nil
}

// deposit escrows the merged key. Earlier runs may have proposed other keys
// that were never merged, so the copy is refreshed on every approval.
func (c *Coordinator) deposit(ctx context.Context, hostname string, key []byte) {
	if c.Escrow == nil {
		return
	}
	if err := c.Escrow.Deposit(ctx, hostname, key); err != nil {
		c.log.Warn("could not escrow recovery copy of data volume key", slog.String("hostname", hostname), "err", err)
	}
}

// poll runs attempt right away and then every Interval until it succeeds,
// returns a permanent error, or ctx is done. Every VerboseEvery-th attempt
// gets the console as its progress writer and its error is surfaced.
func (c *Coordinator) poll(ctx context.Context, phase string, attempt func(n int, progress io.Writer) error) error {
	interval := c.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	n := 0
	operation := func() error {
		n++
		verbose := c.VerboseEvery > 0 && n%c.VerboseEvery == 0

		var progress io.Writer
		if verbose {
			fmt.Fprintf(c.Console, "[%s] attempt %d, verbose\n", phase, n)
			progress = c.Console
		}

		err := attempt(n, progress)
		c.Metrics.HandshakeAttempt(phase, err == nil)
		if err == nil {
			return nil
		}

		var permanent *backoff.PermanentError
		switch {
		case errors.As(err, &permanent):
		case verbose:
			c.log.Warn("secret store not ready", slog.String("phase", phase), slog.Int("attempt", n), "err", err)
			fmt.Fprintf(c.Console, "[%s] attempt %d: %v\n", phase, n, err)
		default:
			c.log.Debug("secret store not ready", slog.String("phase", phase), slog.Int("attempt", n), "err", err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}
