// Package oidc authenticates requests carrying an access token from an
// external identity provider. Tokens are validated through RFC 7662
// introspection and mapped to a mainframe identity through the
// identity mapping service. Both validation and mapping results are
// cached; entries age out rather than being invalidated, so a revoked
// IdP token may be honored until its cache entry expires.
package oidc
