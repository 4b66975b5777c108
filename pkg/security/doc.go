/*
Package security provides the secret vault for Nebulous.

The vault encrypts secret values with AES-256-GCM before they reach the
store; plaintext is never persisted. Each record carries its own random
nonce in a separate field next to the ciphertext. The 32-byte process key is
supplied by configuration, usually derived from a password via SHA-256.

Two families of well-known secrets exist alongside user secrets:

  - agent keys (agent-key-{container_id}): the credential a workload uses
    to call back into the control plane, e.g. to self-delete when its
    restart policy is Never.
  - SSH keypairs (ssh-private-key-{id} / ssh-public-key-{id}): ed25519
    keys generated at declare time so adapters can reach the workload host.

Both live in the container-reconciler namespace and are removed when their
container record is deleted.
*/
package security
