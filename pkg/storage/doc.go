/*
Package storage provides BoltDB-backed persistence for Nebulous records.

The storage package implements the Store interface using BoltDB as the
underlying database. Containers, secrets, and namespaces live in separate
buckets, serialized as JSON. Container writes bump a version counter for
optimistic concurrency, and every write refreshes UpdatedAt.

# Status merge

MergeContainerStatus is the only sanctioned way to update a container's
status sub-document. It parses the stored document, overwrites only the
fields the patch provides, and writes back. Two rules matter:

  - Unspecified fields survive: a watch loop patching {status} does not
    clobber a health probe's concurrent {ready} patch.
  - Terminal wins: once a container is exited/stopped/completed/failed/
    invalid, an active status in a patch is dropped. Other patch fields
    still apply.

# Queue check

IsQueueFree reports whether any other container on a named queue holds a
busy status (queued through restarting). It is best effort: no transactional
lock is taken, so a rare double-admission is possible and adapters must
tolerate it.

# Paging

ListActiveContainers pages in bolt's natural key order (byte-ordered IDs),
which keeps the reconciler's scan stable across ticks.
*/
package storage
