/*
Package api exposes the control plane over HTTP/JSON.

Routes under /v1 require a bearer key. The root key acts for the
configured root owner; per-container agent keys act for the owner of the
container they were minted for but may only touch that container, which
is exactly enough for a workload to report in and delete itself when it
finishes. Operational endpoints (/healthz, /ready, /live, /metrics) are
unauthenticated.

Creating a container only persists the record: provisioning happens
asynchronously in the reconcile loop, so create responses always carry
status defined and callers poll or watch for progress.
*/
package api
