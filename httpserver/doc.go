/*
Package httpserver serves the operator status endpoint of a provisioning run.

A run can sit in a handshake loop for hours waiting on a human. The status
server lets the operator see where it is without a console:

  - GET /livez   liveness
  - GET /readyz  503 once shutdown has begun
  - GET /status  JSON snapshot of the ledger: stage, history, pending action
  - GET /pubkey  the host public key in authorized_keys format
  - GET /metrics Prometheus metrics of the run

The server only reads; it never changes the course of the run.
*/
package httpserver
