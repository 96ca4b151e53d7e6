package secretstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-git/go-git/v5/storage/memory"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ruteri/host-provisioner/cryptoutils"
)

const remoteName = "origin"

// GitTransport implements interfaces.SecretTransport with go-git over SSH,
// authenticating with the host keypair.
type GitTransport struct {
	URL    string
	Branch string

	AuthorName  string
	AuthorEmail string

	auth transport.AuthMethod
	log  *slog.Logger
}

// NewGitTransport prepares SSH authentication for url. Host keys are checked
// against knownHostsPath; without it every host key is accepted.
func NewGitTransport(url, branch string, kp *cryptoutils.KeyPair, knownHostsPath string, log *slog.Logger) (*GitTransport, error) {
	endpoint, err := transport.NewEndpoint(url)
	if err != nil {
		return nil, fmt.Errorf("invalid store url %q: %w", url, err)
	}

	signer, err := kp.Signer()
	if err != nil {
		return nil, err
	}

	user := endpoint.User
	if user == "" {
		user = "git"
	}
	auth := &gitssh.PublicKeys{User: user, Signer: signer}

	hostKeyCallback, err := hostKeyCallback(knownHostsPath, log)
	if err != nil {
		return nil, err
	}
	auth.HostKeyCallback = hostKeyCallback

	return &GitTransport{
		URL:         url,
		Branch:      branch,
		AuthorName:  "host-provisioner",
		AuthorEmail: "host-provisioner@localhost",
		auth:        auth,
		log:         log,
	}, nil
}

func hostKeyCallback(knownHostsPath string, log *slog.Logger) (ssh.HostKeyCallback, error) {
	if knownHostsPath != "" {
		if _, err := os.Stat(knownHostsPath); err == nil {
			cb, err := knownhosts.New(knownHostsPath)
			if err != nil {
				return nil, fmt.Errorf("failed to load known hosts: %w", err)
			}
			return cb, nil
		}
	}

	log.Warn("no known_hosts file, store host key will not be verified",
		slog.String("known_hosts", knownHostsPath))
	return ssh.InsecureIgnoreHostKey(), nil
}

func (t *GitTransport) Probe(ctx context.Context, progress io.Writer) error {
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: remoteName,
		URLs: []string{t.URL},
	})

	if progress != nil {
		fmt.Fprintf(progress, "listing references on %s\n", t.URL)
	}
	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: t.auth})
	if err != nil {
		return err
	}
	if progress != nil {
		fmt.Fprintf(progress, "remote advertised %d references\n", len(refs))
	}
	return nil
}

func (t *GitTransport) Sync(ctx context.Context, dir string, progress io.Writer) error {
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		t.log.Debug("cloning secret store", slog.String("dir", dir))
		_, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL:           t.URL,
			Auth:          t.auth,
			RemoteName:    remoteName,
			ReferenceName: plumbing.NewBranchReferenceName(t.Branch),
			SingleBranch:  true,
			Progress:      progress,
		})
		if err != nil {
			// Leave no half-initialized checkout for the next attempt.
			os.RemoveAll(dir)
			return fmt.Errorf("clone failed: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		Auth:       t.auth,
		Progress:   progress,
		Force:      true,
		RefSpecs: []config.RefSpec{
			config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", t.Branch, remoteName, t.Branch)),
		},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch failed: %w", err)
	}

	return t.resetToRemote(repo)
}

func (t *GitTransport) resetToRemote(repo *git.Repository) error {
	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName(remoteName, t.Branch), true)
	if err != nil {
		return fmt.Errorf("remote branch %s: %w", t.Branch, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(t.Branch),
		Force:  true,
	}); err != nil {
		return fmt.Errorf("checkout %s: %w", t.Branch, err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: remoteRef.Hash(), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("reset to %s: %w", remoteRef.Hash(), err)
	}
	return wt.Clean(&git.CleanOptions{Dir: true})
}

func (t *GitTransport) Publish(ctx context.Context, dir, branch, message string, paths []string, progress io.Writer) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}

	branchRef := plumbing.NewBranchReferenceName(branch)
	if err := wt.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true, Keep: true}); err != nil {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	// Whatever happens next, the checkout goes back to the default branch.
	defer func() {
		if err := wt.Checkout(&git.CheckoutOptions{
			Branch: plumbing.NewBranchReferenceName(t.Branch),
			Force:  true,
		}); err != nil {
			t.log.Warn("could not return to default branch", slog.String("branch", t.Branch), "err", err)
		}
	}()

	for _, p := range paths {
		if _, err := wt.Add(p); err != nil {
			return fmt.Errorf("stage %s: %w", p, err)
		}
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  t.AuthorName,
			Email: t.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	t.log.Info("pushing branch", slog.String("branch", branch), slog.String("commit", hash.String()))
	return repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		Auth:       t.auth,
		Progress:   progress,
		RefSpecs: []config.RefSpec{
			config.RefSpec(fmt.Sprintf("%s:%s", branchRef, branchRef)),
		},
	})
}
