// Package mtls authenticates requests by client certificate. The
// presented chain is split into the gateway's own mTLS identities and
// genuine client-auth candidates before mapping; only the latter may
// authenticate a user. An optional signed header channel lets a fronting
// gateway forward the original client certificate across a hop.
package mtls
