/*
Package manager is the composition root of the control plane.

New builds the component graph from the process configuration: the bbolt
store, the secret vault, the mesh and bucket clients, the platform
registry, the scheduler, the reconcile loop, the metrics collector, and
the HTTP API. Run starts the loops, serves the API, and tears everything
down in reverse order when the context is cancelled.

The control plane is a single node. Durability comes from the bbolt file
in DataDir; there is no consensus layer, and restarting the process picks
reconciliation back up from the persisted records.
*/
package manager
