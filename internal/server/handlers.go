package server

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/vyrodovalexey/mfgateway/internal/auth"
	"github.com/vyrodovalexey/mfgateway/internal/auth/mtls"
	"github.com/vyrodovalexey/mfgateway/internal/auth/pat"
	"github.com/vyrodovalexey/mfgateway/internal/auth/session"
	"github.com/vyrodovalexey/mfgateway/internal/auth/signing"
	"github.com/vyrodovalexey/mfgateway/internal/config"
	"github.com/vyrodovalexey/mfgateway/internal/notifier"
	"github.com/vyrodovalexey/mfgateway/internal/observability"
	"github.com/vyrodovalexey/mfgateway/internal/registry"
)

const identityKey = "identity"

// errorResponse is the error body returned by every endpoint.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Handlers serves the authentication API.
type Handlers struct {
	cfg      *config.Config
	pipeline *auth.Pipeline
	session  *session.Service
	pat      *pat.Authority
	selector *signing.Selector
	x509     *mtls.Provider
	registry registry.Client
	logger   observability.Logger
}

// NewHandlers creates the handler set. x509Provider and reg may be nil
// when certificate login or service-change handling is not wired.
func NewHandlers(
	cfg *config.Config,
	pipeline *auth.Pipeline,
	sessions *session.Service,
	authority *pat.Authority,
	selector *signing.Selector,
	x509Provider *mtls.Provider,
	reg registry.Client,
	logger observability.Logger,
) *Handlers {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handlers{
		cfg:      cfg,
		pipeline: pipeline,
		session:  sessions,
		pat:      authority,
		selector: selector,
		x509:     x509Provider,
		registry: reg,
		logger:   logger,
	}
}

// Register wires all routes into the engine.
func (h *Handlers) Register(engine *gin.Engine) {
	engine.GET("/health", h.health)

	authGroup := engine.Group("/auth")
	{
		login := loginRateLimit(h.cfg.Security.LoginRateLimit,
			h.cfg.Security.LoginRateBurst, h.logger)
		authGroup.POST("/login", login, h.login)

		authGroup.DELETE("/invalidate/:token", h.invalidate)
		authGroup.GET("/distribute/:instanceId", h.distribute)

		authGroup.GET("/keys/public", h.publicKeyPEM)
		authGroup.GET("/keys/public/all", h.allPublicKeys)
		authGroup.GET("/keys/public/current", h.currentPublicKeys)

		token := authGroup.Group("/access-token")
		{
			token.POST("/validate", h.validateAccessToken)
			token.DELETE("/revoke", h.revokeAccessToken)
			token.DELETE("/revoke/tokens", h.authenticated(), h.revokeOwnTokens)
			token.DELETE("/revoke/tokens/user", h.authenticated(), h.admin(), h.revokeUserTokens)
			token.DELETE("/revoke/tokens/scope", h.authenticated(), h.admin(), h.revokeScopeTokens)
			token.DELETE("/evict", h.authenticated(), h.admin(), h.evict)
		}
	}

	engine.DELETE("/cache/services/:serviceId", h.serviceChanged)
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

// authenticated runs the pipeline and aborts with 401 when no valid
// identity is presented. Credential failures never surface as 5xx.
func (h *Handlers) authenticated() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := h.pipeline.Authenticate(c.Request.Context(), c.Request)
		if err != nil {
			writeError(c, http.StatusUnauthorized, err)
			c.Abort()
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// admin requires the authenticated identity to be an administrator,
// either by configured user list or by local role.
func (h *Handlers) admin() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := currentIdentity(c)
		if identity == nil || !h.isAdmin(identity) {
			writeError(c, http.StatusForbidden,
				auth.NewSecurityError(auth.ErrNoCredentials, "administrator required"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func (h *Handlers) isAdmin(identity *auth.ParsedIdentity) bool {
	if slices.Contains(h.cfg.Security.AdminUsers, identity.UserID) {
		return true
	}
	if identity.HasRole(h.cfg.Security.AdminRole) {
		return true
	}
	return slices.Contains(h.session.Roles(identity.UserID), h.cfg.Security.AdminRole)
}

func currentIdentity(c *gin.Context) *auth.ParsedIdentity {
	value, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	identity, _ := value.(*auth.ParsedIdentity)
	return identity
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// login authenticates by JSON body, basic auth or client certificate
// and sets the session cookie.
func (h *Handlers) login(c *gin.Context) {
	username, password := loginCredentials(c)

	var token string
	var err error
	switch {
	case username != "":
		token, err = h.session.Login(c.Request.Context(), username, password)
	case h.x509 != nil:
		token, err = h.certificateLogin(c)
	default:
		err = auth.NewSecurityError(auth.ErrNoCredentials, "")
	}

	if err != nil {
		// An undetermined signer is a server condition, not a bad
		// credential.
		if errors.Is(err, auth.ErrAuthorityUndetermined) ||
			errors.Is(err, auth.ErrConfigurationError) || !isSecurityError(err) {
			writeError(c, http.StatusServiceUnavailable, err)
			return
		}
		writeError(c, http.StatusUnauthorized, err)
		return
	}

	h.setSessionCookie(c, token)
	c.Status(http.StatusNoContent)
}

func loginCredentials(c *gin.Context) (username, password string) {
	var body loginRequest
	if err := c.ShouldBindJSON(&body); err == nil && body.Username != "" {
		return body.Username, body.Password
	}

	if user, pass, ok := c.Request.BasicAuth(); ok {
		return user, pass
	}
	return "", ""
}

func (h *Handlers) certificateLogin(c *gin.Context) (string, error) {
	source, ok := h.x509.Extract(c.Request)
	if !ok {
		return "", auth.NewSecurityError(auth.ErrNoCredentials, "")
	}

	identity, err := h.x509.Parse(c.Request.Context(), source)
	if err != nil {
		return "", err
	}
	return h.session.IssueFor(identity.UserID)
}

func (h *Handlers) setSessionCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(
		h.cfg.Security.CookieName,
		token,
		int(h.session.Lifetime().Seconds()),
		"/",
		"",
		c.Request.TLS != nil,
		true,
	)
}

// invalidate revokes a session token locally and broadcasts the
// revocation to peers. A call originating from a peer gateway is
// applied without re-broadcasting, keeping the fan-out linear.
func (h *Handlers) invalidate(c *gin.Context) {
	token := c.Param("token")

	err := h.session.Invalidate(c.Request.Context(), token, !h.peerOriginated(c))
	switch {
	case err == nil:
		c.Status(http.StatusOK)
	case isSecurityError(err):
		writeError(c, http.StatusBadRequest, err)
	default:
		// The token was fine but the invalidation store was not.
		writeError(c, http.StatusServiceUnavailable, err)
	}
}

// peerOriginated reports whether the request carries the origin header
// of a gateway instance the registry knows. Anything else, including a
// spoofed or stale instance ID, is treated as a client call.
func (h *Handlers) peerOriginated(c *gin.Context) bool {
	origin := c.GetHeader(notifier.OriginHeader)
	if origin == "" || h.registry == nil {
		return false
	}

	peers, err := h.registry.Peers(c.Request.Context())
	if err != nil {
		return false
	}
	for _, peer := range peers {
		if peer.InstanceID == origin {
			return true
		}
	}
	return false
}

// distribute replays known invalidated tokens to a joining peer.
func (h *Handlers) distribute(c *gin.Context) {
	replayed, err := h.session.DistributeTo(c.Request.Context(), c.Param("instanceId"))
	switch {
	case err != nil:
		writeError(c, http.StatusServiceUnavailable, err)
	case replayed == 0:
		c.Status(http.StatusNoContent)
	default:
		c.JSON(http.StatusOK, gin.H{"replayed": replayed})
	}
}

type validateRequest struct {
	Token     string `json:"token"`
	ServiceID string `json:"serviceId"`
}

func (h *Handlers) validateAccessToken(c *gin.Context) {
	var body validateRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.Token == "" {
		writeError(c, http.StatusBadRequest,
			auth.NewSecurityError(auth.ErrNoCredentials, "token required"))
		return
	}

	if err := h.pat.IsValidForScope(c.Request.Context(), body.Token, body.ServiceID); err != nil {
		writeError(c, http.StatusUnauthorized, err)
		return
	}
	c.Status(http.StatusOK)
}

type revokeRequest struct {
	Token string `json:"token"`
}

func (h *Handlers) revokeAccessToken(c *gin.Context) {
	var body revokeRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.Token == "" {
		writeError(c, http.StatusBadRequest,
			auth.NewSecurityError(auth.ErrNoCredentials, "token required"))
		return
	}

	if err := h.pat.Invalidate(c.Request.Context(), body.Token); err != nil {
		writeError(c, http.StatusUnauthorized, err)
		return
	}
	c.Status(http.StatusOK)
}

type bulkRevokeRequest struct {
	UserID    string `json:"userId"`
	ServiceID string `json:"serviceId"`
	Timestamp int64  `json:"timestamp"`
}

func (r bulkRevokeRequest) cutoff() time.Time {
	if r.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.Timestamp)
}

// revokeOwnTokens revokes every access token of the caller.
func (h *Handlers) revokeOwnTokens(c *gin.Context) {
	var body bulkRevokeRequest
	_ = c.ShouldBindJSON(&body)

	identity := currentIdentity(c)
	if err := h.pat.InvalidateAllForUser(identity.UserID, body.cutoff()); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) revokeUserTokens(c *gin.Context) {
	var body bulkRevokeRequest
	_ = c.ShouldBindJSON(&body)

	if err := h.pat.InvalidateAllForUser(body.UserID, body.cutoff()); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) revokeScopeTokens(c *gin.Context) {
	var body bulkRevokeRequest
	_ = c.ShouldBindJSON(&body)

	if err := h.pat.InvalidateAllForService(body.ServiceID, body.cutoff()); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) evict(c *gin.Context) {
	h.pat.Evict(c.Request.Context())
	c.Status(http.StatusNoContent)
}

// allPublicKeys returns every key that may have signed a still-valid
// token.
func (h *Handlers) allPublicKeys(c *gin.Context) {
	keys, err := h.selector.AllPublicKeys(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	h.writeJWKS(c, keys)
}

// currentPublicKeys returns the active signing authority's keys.
func (h *Handlers) currentPublicKeys(c *gin.Context) {
	keys, err := h.selector.CurrentPublicKeys(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	h.writeJWKS(c, keys)
}

func (h *Handlers) writeJWKS(c *gin.Context, keys jwk.Set) {
	payload, err := json.Marshal(keys)
	if err != nil {
		writeError(c, http.StatusInternalServerError,
			auth.NewSecurityError(auth.ErrConfigurationError, "key serialization failed"))
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

// publicKeyPEM returns the single current verification key in PEM form.
// Exactly one key must be active; anything else is a server-side error.
func (h *Handlers) publicKeyPEM(c *gin.Context) {
	keys, err := h.selector.CurrentPublicKeys(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}

	if keys.Len() != 1 {
		writeError(c, http.StatusInternalServerError,
			auth.NewSecurityError(auth.ErrConfigurationError, "expected exactly one active key"))
		return
	}

	key, _ := keys.Key(0)
	var raw any
	if err := key.Raw(&raw); err != nil {
		writeError(c, http.StatusInternalServerError,
			auth.NewSecurityError(auth.ErrConfigurationError, "key material unreadable"))
		return
	}

	pub, ok := raw.(*rsa.PublicKey)
	if !ok {
		writeError(c, http.StatusInternalServerError,
			auth.NewSecurityError(auth.ErrConfigurationError, "unsupported key type"))
		return
	}

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		writeError(c, http.StatusInternalServerError,
			auth.NewSecurityError(auth.ErrConfigurationError, "key encoding failed"))
		return
	}

	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	c.Data(http.StatusOK, "application/x-pem-file", pem.EncodeToMemory(block))
}

// serviceChanged refreshes the registry snapshot after a peer signaled
// a service change.
func (h *Handlers) serviceChanged(c *gin.Context) {
	if h.registry == nil {
		c.Status(http.StatusNoContent)
		return
	}

	if err := h.registry.Refresh(c.Request.Context()); err != nil {
		h.logger.Warn("registry refresh on notification failed",
			observability.String("service", c.Param("serviceId")),
			observability.Error(err))
		c.Status(http.StatusBadGateway)
		return
	}
	c.Status(http.StatusNoContent)
}

func isSecurityError(err error) bool {
	var secErr *auth.SecurityError
	return errors.As(err, &secErr)
}

func writeError(c *gin.Context, status int, err error) {
	var secErr *auth.SecurityError
	if errors.As(err, &secErr) {
		c.JSON(status, errorResponse{Code: secErr.Code, Message: secErr.Detail})
		return
	}
	c.JSON(status, errorResponse{Code: auth.CodeFor(err)})
}
