/*
Package escrow keeps recovery copies of data volume keys.

When the secret exchange issues a new key it can deposit a copy sealed to an
operator recovery key. The copy is useless without that private key, so the
backends only need to be durable, not confidential.

# Backends

Backends are created from URIs by BackendFactory:

  - file:///var/lib/escrow
  - s3://bucket/prefix?region=eu-central-1&endpoint=http://minio:9000
  - s3://ACCESS:SECRET@bucket/prefix
  - vault://vault.internal:8200/secret/escrow?tls=false (token from VAULT_TOKEN)

MultiBackend stores to every available backend and fetches from the first
one holding a copy. A deposit succeeds when at least one backend took it.

# Recovery

	backend, _ := escrow.NewBackendFactory(log).CreateMultiBackend(uris)
	recovery := escrow.NewRecovery(backend, recoveryPubKey, log)
	key, err := recovery.Recover(ctx, "web2", recoveryPrivKey)
*/
package escrow
