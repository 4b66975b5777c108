/*
Package types defines the core data structures used throughout Nebulous.

This package contains the domain model every other package builds on: the
persisted container record, its status sub-document and state machine, the
declarative request payloads accepted by the API, encrypted secret records,
and the authenticated user profile.

# State machine

A container's status is one of thirteen lowercase values. The predicates on
ContainerStatus partition them for the reconciler:

  - Active:     defined, queued, creating, created, pending, running,
    restarting, paused
  - Terminal:   exited, stopped, completed, failed, invalid (sinks)
  - NeedsStart: defined, paused, pending, queued
  - NeedsWatch: running, creating, created, restarting

Terminal states are never replaced by active ones; the store's status merge
enforces this.

# Status sub-document

ContainerState carries optional pointer fields so concurrent writers can
patch a subset (a watch loop updating status while a health probe updates
ready) without clobbering each other. Merging happens in pkg/storage.
*/
package types
