// Package platform contains the provisioning back-ends. Each adapter
// implements the same lifecycle: Declare persists the record, Reconcile
// drives one state machine step (provisioning containers that need to
// start, watching containers that are already live), and Delete tears
// down the external resource along with the record and its side
// resources.
//
// Adapters share the declare/watch/delete plumbing in this package and
// differ only in how they talk to their provider: rented GPU pods over
// REST, EC2 instances reached over the mesh with docker run, Kubernetes
// Jobs, a Docker engine (local or tunneled over SSH), or a peer control
// plane.
package platform
