/*
Package client provides a Go client for the Nebulous HTTP API.

The client carries a bearer API key and exposes typed methods mirroring the
control plane's routes: container declare/list/get/delete, logs and exec,
secrets, and the caller's profile. Both the CLI and the peer platform adapter
build on it.

Client configuration lives at ~/.nebu/config.yaml as a list of named servers
with a current_server selection; LoadConfig tolerates a missing file so the
first login can create it.
*/
package client
