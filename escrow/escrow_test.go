package escrow

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/host-provisioner/cryptoutils"
	"github.com/ruteri/host-provisioner/interfaces"
)

func TestFileBackend(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "escrow")

	b, err := NewFileBackend(dir, testLogger())
	require.NoError(t, err)
	assert.True(t, b.Available(ctx))
	assert.Equal(t, "file://"+dir, b.LocationURI())

	_, err = b.Fetch(ctx, "web1")
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	require.NoError(t, b.Store(ctx, "web1", []byte("one")))
	require.NoError(t, b.Store(ctx, "web1", []byte("two")))

	data, err := b.Fetch(ctx, "web1")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data, "later copies replace earlier ones")

	info, err := os.Stat(filepath.Join(dir, "web1.sealed"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, os.RemoveAll(dir))
	assert.False(t, b.Available(ctx))
}

func TestBackendFactory(t *testing.T) {
	f := NewBackendFactory(testLogger())
	dir := t.TempDir()

	tests := []struct {
		uri     string
		name    string
		wantErr bool
	}{
		{uri: "file://" + dir, name: "file-" + filepath.Base(dir)},
		{uri: "s3://escrow-bucket/hosts?region=eu-west-1", name: "s3-escrow-bucket"},
		{uri: "s3://AKID:SECRET@escrow-bucket/hosts?endpoint=http://127.0.0.1:9000", name: "s3-escrow-bucket"},
		{uri: "vault://vault.internal:8200/secret/provisioning?tls=false", name: "vault-secret-provisioning"},
		{uri: "ipfs://localhost:5001", wantErr: true},
		{uri: "s3:///no-bucket", wantErr: true},
		{uri: "file://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			b, err := f.BackendFor(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, b.Name())
		})
	}

	multi, err := f.CreateMultiBackend([]string{"ipfs://nope", "file://" + dir})
	require.NoError(t, err)
	assert.Equal(t, "multi:[file://"+dir+"]", multi.LocationURI())

	_, err = f.CreateMultiBackend([]string{"ipfs://nope"})
	assert.Error(t, err)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "s3://***@bucket/p", redact("s3://AKID:SECRET@bucket/p"))
	assert.Equal(t, "file:///srv/escrow", redact("file:///srv/escrow"))
}

func TestRecovery(t *testing.T) {
	ctx := context.Background()

	operator, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)

	b, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)
	r := NewRecovery(b, &operator.Private.PublicKey, testLogger())

	key, err := cryptoutils.RandomKeyMaterial(cryptoutils.DataKeySize)
	require.NoError(t, err)
	require.NoError(t, r.Deposit(ctx, "web1", key))

	stored, err := b.Fetch(ctx, "web1")
	require.NoError(t, err)
	assert.NotContains(t, string(stored), string(key), "only the sealed form is stored")

	recovered, err := r.Recover(ctx, "web1", operator.Private)
	require.NoError(t, err)
	assert.Equal(t, key, recovered)

	intruder, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)
	_, err = r.Recover(ctx, "web1", intruder.Private)
	assert.Error(t, err)
}

func TestLoadRecoveryKey(t *testing.T) {
	dir := t.TempDir()
	kp, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&kp.Private.PublicKey)
	require.NoError(t, err)
	pemPath := filepath.Join(dir, "recovery.pem")
	require.NoError(t, os.WriteFile(pemPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o644))

	sshPath := filepath.Join(dir, "recovery.pub")
	require.NoError(t, os.WriteFile(sshPath, []byte(kp.AuthorizedKey()+"\n"), 0o644))

	for _, path := range []string{pemPath, sshPath} {
		pub, err := LoadRecoveryKey(path)
		require.NoError(t, err, path)
		assert.True(t, kp.Private.PublicKey.Equal(pub))
	}

	garbage := filepath.Join(dir, "garbage")
	require.NoError(t, os.WriteFile(garbage, []byte("nope"), 0o644))
	_, err = LoadRecoveryKey(garbage)
	assert.Error(t, err)
}
