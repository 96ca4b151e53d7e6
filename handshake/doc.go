/*
Package handshake runs the human-gated secret exchange with the Git-backed
secret store.

The exchange has two phases, each a loop polling at a fixed interval for as
long as it takes a human to act:

 1. Authentication. The store is probed with the host key. Until an
    operator registers the public key, every probe fails; the key and the
    registration URL are printed once.
 2. Key record. The store is synced and the host record extracted. When no
    record exists a fresh random key is sealed to the host key and proposed
    on a new branch, once per run. The loop then waits until a reviewer has
    merged the branch and the record shows up on the default branch.

Transient failures inside a loop are logged and retried. Every
VerboseEvery-th attempt streams transport progress to the console so a stuck
run can be diagnosed. A record sealed to a different key is fatal: it cannot
be opened and must not be replaced automatically.

Nothing is cached between runs; an interrupted run is re-run from scratch and
picks up whatever state the store is in.
*/
package handshake
