// Package signing decides which authority signs the gateway's session
// JWTs: the gateway's own key or the legacy mainframe authority. The
// decision is made once at startup, possibly after a bounded wait for
// the authority to appear in the service registry, and never changes
// for the lifetime of the process. A gateway that cannot decide within
// the wait timeout refuses to run.
package signing
