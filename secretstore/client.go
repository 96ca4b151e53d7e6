// Package secretstore talks to the Git repository that holds per-host key
// records. Reads come from the default branch only; writes always go to a
// proposal branch so that a human merges them.
package secretstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ruteri/host-provisioner/cryptoutils"
	"github.com/ruteri/host-provisioner/interfaces"
)

const (
	DefaultBranch                   = "main"
	DefaultMasterFile               = "secrets.yaml"
	DefaultRegistrationURLTemplate  = "https://{host}/{path}/settings/keys"
	DefaultChangeRequestURLTemplate = "https://{host}/{path}/pull/new/{branch}"

	// BranchPrefix starts every branch proposing a new key record.
	BranchPrefix = "installer_commit_enc_key_"
	// ArtifactName is the decrypted key file inside a host's secrets dir.
	ArtifactName = "data.key"
)

// Config describes where the secret store lives and where its local state
// is kept.
type Config struct {
	URL        string
	Branch     string
	MasterFile string

	// CheckoutDir holds the local clone.
	CheckoutDir string
	// SecretsDir holds decrypted per-host artifacts. It is volatile and
	// removed at the end of a run.
	SecretsDir string

	RegistrationURLTemplate  string
	ChangeRequestURLTemplate string
}

type secretEntry struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// Client reads and proposes per-host key records in the master secrets
// file of a Git-backed store.
type Client struct {
	Transport interfaces.SecretTransport

	cfg  Config
	host string
	path string
	log  *slog.Logger

	// branchSuffix is replaceable in tests.
	branchSuffix func() string
}

func NewClient(cfg Config, t interfaces.SecretTransport, log *slog.Logger) (*Client, error) {
	if cfg.Branch == "" {
		cfg.Branch = DefaultBranch
	}
	if cfg.MasterFile == "" {
		cfg.MasterFile = DefaultMasterFile
	}
	if cfg.RegistrationURLTemplate == "" {
		cfg.RegistrationURLTemplate = DefaultRegistrationURLTemplate
	}
	if cfg.ChangeRequestURLTemplate == "" {
		cfg.ChangeRequestURLTemplate = DefaultChangeRequestURLTemplate
	}
	if cfg.CheckoutDir == "" || cfg.SecretsDir == "" {
		return nil, errors.New("secret store client needs a checkout and a secrets directory")
	}

	host, path, err := splitStoreURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	return &Client{
		Transport:    t,
		cfg:          cfg,
		host:         host,
		path:         path,
		log:          log,
		branchSuffix: func() string { return strings.Split(uuid.NewString(), "-")[0] },
	}, nil
}

// splitStoreURL extracts the host and repository path of ssh://, scp-like and
// https store URLs, the latter without a .git suffix.
func splitStoreURL(url string) (string, string, error) {
	endpoint, err := transport.NewEndpoint(url)
	if err != nil {
		return "", "", fmt.Errorf("invalid store url %q: %w", url, err)
	}
	if endpoint.Host == "" {
		return "", "", fmt.Errorf("store url %q has no host", url)
	}
	path := strings.TrimSuffix(strings.Trim(endpoint.Path, "/"), ".git")
	return endpoint.Host, path, nil
}

func (c *Client) expand(template string, branch string) string {
	return strings.NewReplacer("{host}", c.host, "{path}", c.path, "{branch}", branch).Replace(template)
}

// RegistrationURL is where an operator registers the host public key.
func (c *Client) RegistrationURL() string {
	return c.expand(c.cfg.RegistrationURLTemplate, "")
}

// ChangeRequestURL is where an operator opens the change request for branch.
func (c *Client) ChangeRequestURL(branch string) string {
	return c.expand(c.cfg.ChangeRequestURLTemplate, branch)
}

// BranchName returns a fresh branch name for a record proposal. Names of two
// calls for the same host differ.
func (c *Client) BranchName(hostname string) string {
	return BranchPrefix + hostname + "_" + c.branchSuffix()
}

// Probe checks the host credential against the store.
func (c *Client) Probe(ctx context.Context, progress io.Writer) error {
	return c.Transport.Probe(ctx, progress)
}

// Sync refreshes the local checkout from the default branch.
func (c *Client) Sync(ctx context.Context, progress io.Writer) error {
	return c.Transport.Sync(ctx, c.cfg.CheckoutDir, progress)
}

func (c *Client) masterPath() string {
	return filepath.Join(c.cfg.CheckoutDir, c.cfg.MasterFile)
}

func (c *Client) readEntries() (map[string]secretEntry, []byte, error) {
	data, err := os.ReadFile(c.masterPath())
	if errors.Is(err, os.ErrNotExist) {
		return map[string]secretEntry{}, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	entries := map[string]secretEntry{}
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", c.cfg.MasterFile, err)
	}
	return entries, data, nil
}

// ReadRecord returns the sealed record for hostname from the local
// checkout, or ErrRecordNotFound.
func (c *Client) ReadRecord(hostname string) (interfaces.KeyMaterialRecord, error) {
	record := interfaces.KeyMaterialRecord{Hostname: hostname}

	entries, _, err := c.readEntries()
	if err != nil {
		return record, err
	}

	entry, ok := entries[hostname]
	if !ok || entry.EncryptionKey == "" {
		return record, interfaces.ErrRecordNotFound
	}

	sealed, err := base64.StdEncoding.DecodeString(entry.EncryptionKey)
	if err != nil {
		return record, fmt.Errorf("record for %s is not valid base64: %w", hostname, err)
	}

	record.KeyBytes = sealed
	record.ApprovalState = interfaces.ApprovalMerged
	return record, nil
}

// ProposeRecord appends a sealed record for hostname to the master file and
// pushes it on a new branch. It returns the branch and the change request
// URL an operator has to open.
func (c *Client) ProposeRecord(ctx context.Context, hostname string, sealed []byte, progress io.Writer) (string, string, error) {
	entries, data, err := c.readEntries()
	if err != nil {
		return "", "", err
	}
	if _, ok := entries[hostname]; ok {
		return "", "", fmt.Errorf("%s already has a record for %s", c.cfg.MasterFile, hostname)
	}

	updated := appendEntry(data, hostname, sealed)

	// The edit is textual so comments and ordering survive; make sure the
	// result is still a valid mapping holding the new record.
	check := map[string]secretEntry{}
	if err := yaml.Unmarshal(updated, &check); err != nil {
		return "", "", fmt.Errorf("appending to %s would corrupt it: %w", c.cfg.MasterFile, err)
	}
	if check[hostname].EncryptionKey == "" {
		return "", "", fmt.Errorf("appending to %s did not produce a record for %s", c.cfg.MasterFile, hostname)
	}

	if err := os.WriteFile(c.masterPath(), updated, 0o644); err != nil {
		return "", "", err
	}

	branch := c.BranchName(hostname)
	message := fmt.Sprintf("Add data volume key for %s", hostname)
	if err := c.Transport.Publish(ctx, c.cfg.CheckoutDir, branch, message, []string{c.cfg.MasterFile}, progress); err != nil {
		return branch, "", fmt.Errorf("publishing %s: %w", branch, err)
	}

	c.log.Info("proposed key record", slog.String("hostname", hostname), slog.String("branch", branch))
	return branch, c.ChangeRequestURL(branch), nil
}

func appendEntry(data []byte, hostname string, sealed []byte) []byte {
	var buf bytes.Buffer
	buf.Write(data)
	if len(data) > 0 && !bytes.HasSuffix(data, []byte("\n")) {
		buf.WriteByte('\n')
	}
	fmt.Fprintf(&buf, "%s:\n  encryption_key: %s\n", hostname, base64.StdEncoding.EncodeToString(sealed))
	return buf.Bytes()
}

// ArtifactPath is where the decrypted key of hostname is written.
func (c *Client) ArtifactPath(hostname string) string {
	return filepath.Join(c.cfg.SecretsDir, hostname, ArtifactName)
}

// ArtifactExists reports whether the decrypted key of hostname is present.
func (c *Client) ArtifactExists(hostname string) bool {
	_, err := os.Stat(c.ArtifactPath(hostname))
	return err == nil
}

// ExtractRecord decrypts the record of hostname from the local checkout
// into the volatile artifact and returns its path.
func (c *Client) ExtractRecord(hostname string, kp *cryptoutils.KeyPair) (string, error) {
	record, err := c.ReadRecord(hostname)
	if err != nil {
		return "", err
	}

	key, err := cryptoutils.Open(kp.Private, record.KeyBytes)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", interfaces.ErrForeignRecord, hostname, err)
	}

	path := c.ArtifactPath(hostname)
	if err := cryptoutils.WriteSecretFile(path, key, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// ReadArtifact returns the decrypted key of hostname.
func (c *Client) ReadArtifact(hostname string) ([]byte, error) {
	return os.ReadFile(c.ArtifactPath(hostname))
}

// RemoveArtifacts deletes the volatile artifacts of hostname.
func (c *Client) RemoveArtifacts(hostname string) error {
	return os.RemoveAll(filepath.Dir(c.ArtifactPath(hostname)))
}
