// Package storetest provides an in-memory secret store transport.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Transport simulates a remote repository with one default branch. Files
// are keyed by their path relative to the checkout.
type Transport struct {
	mu sync.Mutex

	// Remote holds the default branch contents.
	Remote map[string][]byte
	// Branches holds pushed branches.
	Branches map[string]map[string][]byte

	// Authorized gates Probe, Sync and Publish.
	Authorized bool
	// SyncErr makes Sync fail while set.
	SyncErr error

	Probes int
	Syncs  int

	// OnProbe and OnSync run before every Probe and Sync with the number of
	// calls so far. Tests use them to act as the operator after a few polls.
	OnProbe func(t *Transport, n int)
	OnSync  func(t *Transport, n int)
}

var ErrUnauthorized = errors.New("ssh: handshake failed: unable to authenticate")

func NewTransport() *Transport {
	return &Transport{
		Remote:     map[string][]byte{},
		Branches:   map[string]map[string][]byte{},
		Authorized: true,
	}
}

// Merge copies every file of branch onto the default branch.
func (t *Transport) Merge(branch string) {
	for p, data := range t.Branches[branch] {
		t.Remote[p] = data
	}
}

// BranchNames returns the pushed branch names.
func (t *Transport) BranchNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var names []string
	for name := range t.Branches {
		names = append(names, name)
	}
	return names
}

func (t *Transport) Probe(ctx context.Context, progress io.Writer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Probes++
	if t.OnProbe != nil {
		t.OnProbe(t, t.Probes)
	}
	if progress != nil {
		fmt.Fprintln(progress, "probing fake remote")
	}
	if !t.Authorized {
		return ErrUnauthorized
	}
	return ctx.Err()
}

func (t *Transport) Sync(ctx context.Context, dir string, progress io.Writer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Syncs++
	if t.OnSync != nil {
		t.OnSync(t, t.Syncs)
	}
	if !t.Authorized {
		return ErrUnauthorized
	}
	if t.SyncErr != nil {
		return t.SyncErr
	}
	return t.checkout(dir)
}

// checkout replaces dir with the default branch contents.
func (t *Transport) checkout(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for p, data := range t.Remote {
		full := filepath.Join(dir, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) Publish(ctx context.Context, dir, branch, message string, paths []string, progress io.Writer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Authorized {
		return ErrUnauthorized
	}
	if _, ok := t.Branches[branch]; ok {
		return fmt.Errorf("branch %s already exists", branch)
	}

	files := map[string][]byte{}
	for p, data := range t.Remote {
		files[p] = data
	}
	for _, p := range paths {
		data, err := os.ReadFile(filepath.Join(dir, p))
		if err != nil {
			return err
		}
		files[p] = data
	}
	t.Branches[branch] = files
	return t.checkout(dir)
}
