package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAuthenticated(t *testing.T) {
	t.Parallel()

	var nilIdentity *ParsedIdentity
	assert.False(t, nilIdentity.Authenticated())
	assert.False(t, (&ParsedIdentity{}).Authenticated())
	assert.True(t, (&ParsedIdentity{UserID: "IBMUSER"}).Authenticated())
}

func TestExpired(t *testing.T) {
	t.Parallel()

	now := time.Now()

	noExpiry := &ParsedIdentity{UserID: "IBMUSER"}
	assert.False(t, noExpiry.Expired(now))

	live := &ParsedIdentity{UserID: "IBMUSER", ExpiresAt: now.Add(time.Hour)}
	assert.False(t, live.Expired(now))

	expired := &ParsedIdentity{UserID: "IBMUSER", ExpiresAt: now.Add(-time.Second)}
	assert.True(t, expired.Expired(now))
}

func TestHasRole(t *testing.T) {
	t.Parallel()

	identity := &ParsedIdentity{UserID: "IBMUSER", Roles: []string{"operator", "admin"}}
	assert.True(t, identity.HasRole("admin"))
	assert.False(t, identity.HasRole("auditor"))

	var nilIdentity *ParsedIdentity
	assert.False(t, nilIdentity.HasRole("admin"))
}
