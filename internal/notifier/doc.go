// Package notifier propagates invalidation and service-change events to
// peer gateway instances. Delivery is best effort: events are queued in
// memory with deduplication, drained by a single worker, and dropped on
// delivery failure or process crash. Peers converge through later
// events or natural token expiry.
package notifier
