/*
Package events provides the in-memory event broker for Nebulous.

The broker fans container lifecycle events (container.created,
container.status_changed, container.deleted, container.watch_failed,
container.queued) and secret audit events out to subscribers over buffered
channels. Publishing never blocks: the main channel buffers 100 events and a
subscriber whose 50-event buffer is full simply misses the event. Delivery is
best effort and carries no state the reconciler depends on; the store remains
the source of truth.
*/
package events
