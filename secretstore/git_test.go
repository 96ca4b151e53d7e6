package secretstore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/host-provisioner/cryptoutils"
	"github.com/ruteri/host-provisioner/interfaces"
)

// seedBareRepo creates a bare repository whose main branch holds the given
// master file, and returns its path.
func seedBareRepo(t *testing.T, master string) string {
	t.Helper()
	seedDir := filepath.Join(t.TempDir(), "seed")
	bareDir := filepath.Join(t.TempDir(), "secrets.git")

	seed, err := git.PlainInit(seedDir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(seedDir, DefaultMasterFile), []byte(master), 0o644))

	wt, err := seed.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(DefaultMasterFile)
	require.NoError(t, err)
	hash, err := wt.Commit("Initial secrets", &git.CommitOptions{
		Author: &object.Signature{Name: "ops", Email: "ops@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	mainRef := plumbing.NewBranchReferenceName(DefaultBranch)
	require.NoError(t, seed.Storer.SetReference(plumbing.NewHashReference(mainRef, hash)))

	bare, err := git.PlainInit(bareDir, true)
	require.NoError(t, err)
	require.NoError(t, bare.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, mainRef)))

	_, err = seed.CreateRemote(&config.RemoteConfig{Name: remoteName, URLs: []string{bareDir}})
	require.NoError(t, err)
	require.NoError(t, seed.Push(&git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{config.RefSpec(mainRef + ":" + mainRef)},
	}))
	return bareDir
}

func newGitClient(t *testing.T, bareDir string) (*Client, *cryptoutils.KeyPair, string) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	kp, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)

	tr, err := NewGitTransport("file://"+bareDir, DefaultBranch, kp, "", log)
	require.NoError(t, err)

	dir := t.TempDir()
	checkout := filepath.Join(dir, "checkout")
	c, err := NewClient(Config{
		URL:         "git@github.com:acme/secrets.git",
		CheckoutDir: checkout,
		SecretsDir:  filepath.Join(dir, "secrets"),
	}, tr, log)
	require.NoError(t, err)
	return c, kp, checkout
}

func masterOnBranch(t *testing.T, repo *git.Repository, ref plumbing.ReferenceName) string {
	t.Helper()
	r, err := repo.Reference(ref, true)
	require.NoError(t, err)
	commit, err := repo.CommitObject(r.Hash())
	require.NoError(t, err)
	f, err := commit.File(DefaultMasterFile)
	require.NoError(t, err)
	contents, err := f.Contents()
	require.NoError(t, err)
	return contents
}

func TestGitTransport_ProposeMergeExtract(t *testing.T) {
	ctx := context.Background()
	bareDir := seedBareRepo(t, existingMaster)
	c, kp, checkout := newGitClient(t, bareDir)

	require.NoError(t, c.Probe(ctx, nil))
	require.NoError(t, c.Sync(ctx, nil))
	_, err := c.ReadRecord("web2")
	require.ErrorIs(t, err, interfaces.ErrRecordNotFound)

	key := []byte("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	sealed, err := cryptoutils.Seal(&kp.Private.PublicKey, key)
	require.NoError(t, err)

	branch, url, err := c.ProposeRecord(ctx, "web2", sealed, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(branch, BranchPrefix+"web2_"))
	assert.Equal(t, "https://github.com/acme/secrets/pull/new/"+branch, url)

	// The proposal lives on its own remote branch; main is untouched.
	bare, err := git.PlainOpen(bareDir)
	require.NoError(t, err)
	proposed := masterOnBranch(t, bare, plumbing.NewBranchReferenceName(branch))
	assert.True(t, strings.HasPrefix(proposed, existingMaster), "existing entries and comments survive")
	assert.Contains(t, proposed, "web2:\n  encryption_key: ")
	assert.NotContains(t, masterOnBranch(t, bare, plumbing.NewBranchReferenceName(DefaultBranch)), "web2:")

	// The local checkout is back on the default branch without the record.
	local, err := git.PlainOpen(checkout)
	require.NoError(t, err)
	head, err := local.Head()
	require.NoError(t, err)
	assert.Equal(t, plumbing.NewBranchReferenceName(DefaultBranch), head.Name())
	onDisk, err := os.ReadFile(filepath.Join(checkout, DefaultMasterFile))
	require.NoError(t, err)
	assert.Equal(t, existingMaster, string(onDisk))

	require.NoError(t, c.Sync(ctx, nil))
	_, err = c.ExtractRecord("web2", kp)
	require.ErrorIs(t, err, interfaces.ErrRecordNotFound, "not merged yet")

	// Merge by fast-forwarding main to the proposal.
	proposal, err := bare.Reference(plumbing.NewBranchReferenceName(branch), true)
	require.NoError(t, err)
	require.NoError(t, bare.Storer.SetReference(
		plumbing.NewHashReference(plumbing.NewBranchReferenceName(DefaultBranch), proposal.Hash())))

	require.NoError(t, c.Sync(ctx, nil))
	path, err := c.ExtractRecord("web2", kp)
	require.NoError(t, err)
	assert.Equal(t, c.ArtifactPath("web2"), path)

	extracted, err := c.ReadArtifact("web2")
	require.NoError(t, err)
	assert.Equal(t, key, extracted)
}

func TestGitTransport_SyncDropsLocalChanges(t *testing.T) {
	ctx := context.Background()
	bareDir := seedBareRepo(t, existingMaster)
	c, _, checkout := newGitClient(t, bareDir)

	require.NoError(t, c.Sync(ctx, nil))
	master := filepath.Join(checkout, DefaultMasterFile)
	require.NoError(t, os.WriteFile(master, []byte("tampered: {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(checkout, "stray"), []byte("x"), 0o644))

	require.NoError(t, c.Sync(ctx, nil))
	data, err := os.ReadFile(master)
	require.NoError(t, err)
	assert.Equal(t, existingMaster, string(data))
	assert.NoFileExists(t, filepath.Join(checkout, "stray"))
}

func TestGitTransport_MissingRepository(t *testing.T) {
	ctx := context.Background()
	c, _, checkout := newGitClient(t, filepath.Join(t.TempDir(), "absent.git"))

	assert.Error(t, c.Probe(ctx, nil))
	assert.Error(t, c.Sync(ctx, nil))
	assert.NoDirExists(t, checkout, "no half-initialized checkout is left behind")
}
