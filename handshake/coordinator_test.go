package handshake

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/host-provisioner/cryptoutils"
	"github.com/ruteri/host-provisioner/interfaces"
	"github.com/ruteri/host-provisioner/metrics"
	"github.com/ruteri/host-provisioner/secretstore"
	"github.com/ruteri/host-provisioner/secretstore/storetest"
)

const hostname = "web2"

type recordingObserver struct {
	mu      sync.Mutex
	states  []State
	pending []interfaces.PendingAction
}

func (o *recordingObserver) HandshakeState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s)
}

func (o *recordingObserver) SetPending(a interfaces.PendingAction) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append(o.pending, a)
}

type recordingEscrow struct {
	deposits map[string][]byte
	count    int
	err      error
}

func (e *recordingEscrow) Deposit(ctx context.Context, hostname string, key []byte) error {
	if e.deposits == nil {
		e.deposits = map[string][]byte{}
	}
	e.deposits[hostname] = append([]byte(nil), key...)
	e.count++
	return e.err
}

type fixture struct {
	remote   *storetest.Transport
	client   *secretstore.Client
	coord    *Coordinator
	console  *bytes.Buffer
	observer *recordingObserver
	kp       *cryptoutils.KeyPair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	remote := storetest.NewTransport()
	client, err := secretstore.NewClient(secretstore.Config{
		URL:         "git@github.com:acme/secrets.git",
		CheckoutDir: filepath.Join(dir, "checkout"),
		SecretsDir:  filepath.Join(dir, "secrets"),
	}, remote, log)
	require.NoError(t, err)

	kp, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)

	console := &bytes.Buffer{}
	observer := &recordingObserver{}
	coord := NewCoordinator(client, console, log)
	coord.Interval = time.Millisecond
	coord.VerboseEvery = 3
	coord.Observer = observer
	coord.Metrics = metrics.New()

	return &fixture{remote: remote, client: client, coord: coord, console: console, observer: observer, kp: kp}
}

// authorized runs the auth phase against an already authorized store.
func (f *fixture) authorized(t *testing.T) {
	t.Helper()
	_, err := f.coord.Authenticate(context.Background(), f.kp)
	require.NoError(t, err)
	f.console.Reset()
	f.remote.Probes = 0
}

func TestAuthenticate_AlreadyAuthorized(t *testing.T) {
	f := newFixture(t)

	hs, err := f.coord.Authenticate(context.Background(), f.kp)
	require.NoError(t, err)
	assert.True(t, hs.RemoteAuthorized)
	assert.Equal(t, f.kp.AuthorizedKey(), hs.PublicKey)
	assert.Equal(t, AuthApproved, f.coord.State())
	assert.Equal(t, 1, f.remote.Probes)
	assert.Empty(t, f.console.String(), "nothing for the operator to do")
}

func TestAuthenticate_WaitsForRegistration(t *testing.T) {
	f := newFixture(t)
	f.remote.Authorized = false
	f.remote.OnProbe = func(tr *storetest.Transport, n int) {
		if n == 7 {
			tr.Authorized = true
		}
	}

	hs, err := f.coord.Authenticate(context.Background(), f.kp)
	require.NoError(t, err)
	assert.True(t, hs.RemoteAuthorized)
	assert.Equal(t, 7, f.remote.Probes)

	out := f.console.String()
	assert.Equal(t, 1, strings.Count(out, "Register the following public key"), "instructions printed once")
	assert.Contains(t, out, f.kp.AuthorizedKey())
	assert.Contains(t, out, "https://github.com/acme/secrets/settings/keys")

	// Attempts 3 and 6 are verbose: transport output and the error are shown.
	assert.Equal(t, 2, strings.Count(out, "verbose"))
	assert.Equal(t, 2, strings.Count(out, "probing fake remote"))
	assert.Contains(t, out, "[auth] attempt 3: "+storetest.ErrUnauthorized.Error())
	assert.NotContains(t, out, "attempt 1:")

	require.Len(t, f.observer.pending, 2)
	assert.Equal(t, PhaseAuth, f.observer.pending[0].Phase)
	assert.Equal(t, interfaces.PendingAction{}, f.observer.pending[1], "cleared on approval")

	rec := httptest.NewRecorder()
	f.coord.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `provisioner_handshake_attempts_total{phase="auth",result="pending"} 6`)
	assert.Contains(t, rec.Body.String(), `provisioner_handshake_attempts_total{phase="auth",result="approved"} 1`)
}

func TestAuthenticate_Cancelled(t *testing.T) {
	f := newFixture(t)
	f.remote.Authorized = false

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	hs, err := f.coord.Authenticate(ctx, f.kp)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, hs.RemoteAuthorized)
	assert.Equal(t, AuthPending, f.coord.State())
	assert.Greater(t, f.remote.Probes, 1)
}

func TestObtainKey_RequiresAuthorization(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.ObtainKey(context.Background(), hostname, f.kp)
	require.Error(t, err)
	assert.Zero(t, f.remote.Syncs)
}

func TestObtainKey_RecordPresent(t *testing.T) {
	f := newFixture(t)
	f.authorized(t)

	key := []byte("existing data volume key")
	sealed, err := cryptoutils.Seal(&f.kp.Private.PublicKey, key)
	require.NoError(t, err)
	f.remote.Remote[secretstore.DefaultMasterFile] = []byte("web2:\n  encryption_key: " + b64(sealed) + "\n")

	record, err := f.coord.ObtainKey(context.Background(), hostname, f.kp)
	require.NoError(t, err)
	assert.Equal(t, key, record.KeyBytes)
	assert.Equal(t, interfaces.ApprovalMerged, record.ApprovalState)

	assert.Empty(t, f.remote.BranchNames(), "no branch is created")
	assert.Equal(t, 1, f.remote.Syncs, "approved on the first attempt")
	assert.Equal(t, KeyApproved, f.coord.State())
	assert.Equal(t, []State{AuthApproved, KeyPresent, KeyApproved}, f.observer.states)
	assert.True(t, f.client.ArtifactExists(hostname))
}

func TestForget(t *testing.T) {
	f := newFixture(t)
	f.authorized(t)

	sealed, err := cryptoutils.Seal(&f.kp.Private.PublicKey, []byte("key"))
	require.NoError(t, err)
	f.remote.Remote[secretstore.DefaultMasterFile] = []byte("web2:\n  encryption_key: " + b64(sealed) + "\n")

	_, err = f.coord.ObtainKey(context.Background(), hostname, f.kp)
	require.NoError(t, err)
	require.True(t, f.client.ArtifactExists(hostname))

	require.NoError(t, f.coord.Forget(hostname))
	assert.False(t, f.client.ArtifactExists(hostname))
	require.NoError(t, f.coord.Forget(hostname), "forgetting twice is fine")
}

func TestObtainKey_RecordAbsent(t *testing.T) {
	f := newFixture(t)
	f.authorized(t)
	escrow := &recordingEscrow{err: errors.New("bucket unavailable")}
	f.coord.Escrow = escrow

	mergedAt := 0
	f.remote.OnSync = func(tr *storetest.Transport, n int) {
		if n == 5 {
			for branch := range tr.Branches {
				tr.Merge(branch)
			}
			mergedAt = n
		}
	}

	record, err := f.coord.ObtainKey(context.Background(), hostname, f.kp)
	require.NoError(t, err)
	assert.Len(t, record.KeyBytes, cryptoutils.DataKeySize)

	branches := f.remote.BranchNames()
	require.Len(t, branches, 1, "exactly one branch")
	assert.True(t, strings.HasPrefix(branches[0], "installer_commit_enc_key_web2_"))

	assert.Equal(t, mergedAt, f.remote.Syncs, "polling stops as soon as the key is available")
	assert.Equal(t, []State{AuthApproved, KeyAbsent, KeyApproved}, f.observer.states)

	out := f.console.String()
	assert.Contains(t, out, "https://github.com/acme/secrets/pull/new/"+branches[0])

	artifact, err := f.client.ReadArtifact(hostname)
	require.NoError(t, err)
	assert.Equal(t, record.KeyBytes, artifact)
	assert.Equal(t, record.KeyBytes, escrow.deposits[hostname], "escrow failures are not fatal")

	last := f.observer.pending[len(f.observer.pending)-1]
	assert.Equal(t, interfaces.PendingAction{}, last)
}

func TestObtainKey_BranchNamesDifferAcrossRuns(t *testing.T) {
	f := newFixture(t)
	f.authorized(t)

	for run := 0; run < 2; run++ {
		ctx, cancel := context.WithCancel(context.Background())
		f.remote.OnSync = func(tr *storetest.Transport, n int) {
			if len(tr.Branches) > run {
				cancel()
			}
		}
		_, err := f.coord.ObtainKey(ctx, hostname, f.kp)
		cancel()
		require.ErrorIs(t, err, context.Canceled)
	}

	branches := f.remote.BranchNames()
	require.Len(t, branches, 2)
	assert.NotEqual(t, branches[0], branches[1])
	for _, b := range branches {
		assert.Contains(t, b, "_"+hostname+"_")
	}
}

func TestObtainKey_EscrowsTheMergedKey(t *testing.T) {
	f := newFixture(t)
	f.authorized(t)
	escrow := &recordingEscrow{}
	f.coord.Escrow = escrow

	// Two runs each propose a key and are interrupted before any merge.
	var first string
	for run := 0; run < 2; run++ {
		ctx, cancel := context.WithCancel(context.Background())
		f.remote.OnSync = func(tr *storetest.Transport, n int) {
			if len(tr.Branches) > run {
				cancel()
			}
		}
		_, err := f.coord.ObtainKey(ctx, hostname, f.kp)
		cancel()
		require.ErrorIs(t, err, context.Canceled)
		if run == 0 {
			require.Len(t, f.remote.BranchNames(), 1)
			first = f.remote.BranchNames()[0]
		}
	}
	require.Len(t, f.remote.BranchNames(), 2)
	assert.Zero(t, escrow.count, "nothing escrowed before a merge")

	// The operator merges the older proposal.
	f.remote.OnSync = nil
	f.remote.Merge(first)

	record, err := f.coord.ObtainKey(context.Background(), hostname, f.kp)
	require.NoError(t, err)
	assert.Len(t, f.remote.BranchNames(), 2, "no new proposal once a record is merged")
	assert.Equal(t, 1, escrow.count)
	assert.Equal(t, record.KeyBytes, escrow.deposits[hostname])
}

func TestObtainKey_TransportErrorsAreSwallowed(t *testing.T) {
	f := newFixture(t)
	f.authorized(t)

	sealed, err := cryptoutils.Seal(&f.kp.Private.PublicKey, []byte("k"))
	require.NoError(t, err)
	f.remote.Remote[secretstore.DefaultMasterFile] = []byte("web2:\n  encryption_key: " + b64(sealed) + "\n")
	f.remote.SyncErr = errors.New("connection reset by peer")
	f.remote.OnSync = func(tr *storetest.Transport, n int) {
		if n == 4 {
			tr.SyncErr = nil
		}
	}

	record, err := f.coord.ObtainKey(context.Background(), hostname, f.kp)
	require.NoError(t, err)
	assert.Equal(t, []byte("k"), record.KeyBytes)
	assert.Equal(t, 4, f.remote.Syncs)
	assert.Contains(t, f.console.String(), "connection reset by peer", "verbose attempt shows the error")
}

func TestObtainKey_ForeignRecordIsFatal(t *testing.T) {
	f := newFixture(t)
	f.authorized(t)

	other, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)
	sealed, err := cryptoutils.Seal(&other.Private.PublicKey, []byte("k"))
	require.NoError(t, err)
	f.remote.Remote[secretstore.DefaultMasterFile] = []byte("web2:\n  encryption_key: " + b64(sealed) + "\n")

	_, err = f.coord.ObtainKey(context.Background(), hostname, f.kp)
	require.ErrorIs(t, err, interfaces.ErrForeignRecord)

	var fatal *interfaces.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, interfaces.InfrastructureError, fatal.Kind)
	assert.Equal(t, 1, f.remote.Syncs)
	assert.Empty(t, f.remote.BranchNames())
}
