// Package registry provides the service registry client. The gateway
// uses it to locate the legacy authority, to enumerate its peer gateway
// instances for notification fan-out, and to observe registry refresh
// events that drive the signing authority decision.
package registry
