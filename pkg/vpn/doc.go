/*
Package vpn connects container workloads to the overlay mesh.

Every container joins the mesh under the device name container-{id}. Before a
join key is minted the package removes any device already registered under
that name, since the control plane rejects duplicate hostnames and a stale
registration from a previous incarnation would otherwise block the new one.

Join keys are single-use, ephemeral, and preauthorized, and carry the
tag:container ACL tag. Two providers are supported behind the Client
interface: the hosted control plane (tailscale) and a self-hosted one
(headscale) reached over its REST API.
*/
package vpn
