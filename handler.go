package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/openmodeling/portal-oauth/instrumentation"
	"github.com/openmodeling/portal-oauth/security"
	"github.com/openmodeling/portal-oauth/storage"
)

// OwnerResolver resolves the caller's identity from the transport layer's
// session mechanism. A nil ResourceOwner with a nil error is an anonymous
// caller.
type OwnerResolver func(r *http.Request) (ResourceOwner, error)

// ApprovalFunc decides the authorize request on behalf of the resource
// owner. Implementations typically render a consent page out of band and
// replay the decision; the reference handler approves for any resolved
// owner.
type ApprovalFunc func(r *http.Request, authCtx *AuthorizationContext, owner ResourceOwner) bool

// Handler is the HTTP adapter for the engine: it parses requests, delegates
// to the engine, and writes OAuth-shaped responses.
type Handler struct {
	engine   *Engine
	resolver OwnerResolver
	approve  ApprovalFunc
	limiter  *security.RateLimiter
	logger   *slog.Logger
	inst     *instrumentation.Instrumentation

	// trustProxy enables X-Forwarded-For parsing for rate limiting and audit
	trustProxy bool
}

// NewHandler creates an HTTP handler over the engine. The resolver supplies
// caller identity; a nil approval function approves any request with a
// resolved owner.
func NewHandler(engine *Engine, resolver OwnerResolver, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:   engine,
		resolver: resolver,
		logger:   logger,
	}
}

// SetApprovalFunc installs a consent decision hook.
func (h *Handler) SetApprovalFunc(fn ApprovalFunc) {
	h.approve = fn
}

// SetRateLimiter installs a request rate limiter keyed by caller identity.
func (h *Handler) SetRateLimiter(rl *security.RateLimiter) {
	h.limiter = rl
}

// SetInstrumentation enables HTTP metrics.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.inst = inst
}

// SetTrustProxy enables X-Forwarded-For parsing. Only enable behind a
// trusted reverse proxy.
func (h *Handler) SetTrustProxy(trust bool) {
	h.trustProxy = trust
}

// ============================================================
// Authorize endpoint
// ============================================================

// ServeAuthorization handles GET/POST /oauth2/authorize. Validation errors
// that precede a trusted redirect URI are returned directly; everything
// after redirects back to the client with standard OAuth error codes.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	security.SetSecureHeaders(w)

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.writeError(w, ErrInvalidRequest("method not allowed"))
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed request parameters"))
		return
	}

	clientID := r.Form.Get("client_id")
	redirectURI := r.Form.Get("redirect_uri")
	responseType := r.Form.Get("response_type")
	state := r.Form.Get("state")
	requestedScopes := splitScopes(r.Form.Get("scope"))

	authCtx, err := h.engine.AuthorizeRequest(r.Context(), clientID, redirectURI, requestedScopes, responseType, state)
	if err != nil {
		// The redirect URI is not validated yet, so the error goes to the
		// caller directly rather than to an attacker-chosen location.
		h.writeError(w, err)
		h.recordHTTP(r, "authorize", statusOf(err), start)
		return
	}

	owner, rerr := h.resolver(r)
	if rerr != nil {
		h.writeError(w, ErrServerError("could not resolve caller identity"))
		return
	}
	if owner == nil {
		h.redirectError(w, r, authCtx, ErrAccessDenied("authentication required"))
		h.recordHTTP(r, "authorize", http.StatusFound, start)
		return
	}

	if h.approve != nil && !h.approve(r, authCtx, owner) {
		h.redirectError(w, r, authCtx, h.engine.Deny(authCtx))
		h.recordHTTP(r, "authorize", http.StatusFound, start)
		return
	}

	grant, err := h.engine.Approve(r.Context(), authCtx, owner)
	if err != nil {
		h.redirectError(w, r, authCtx, err)
		h.recordHTTP(r, "authorize", http.StatusFound, start)
		return
	}

	target, _ := url.Parse(authCtx.RedirectURI)
	q := target.Query()
	q.Set("code", grant.Code)
	if authCtx.State != "" {
		q.Set("state", authCtx.State)
	}
	target.RawQuery = q.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
	h.recordHTTP(r, "authorize", http.StatusFound, start)
}

// ============================================================
// Token endpoint
// ============================================================

// ServeToken handles POST /oauth2/token for the authorization_code,
// refresh_token, and client_credentials grant types. Client credentials are
// accepted via HTTP Basic auth or form fields.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	security.SetSecureHeaders(w)

	if r.Method != http.MethodPost {
		h.writeError(w, ErrInvalidRequest("token endpoint requires POST"))
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed request parameters"))
		return
	}

	clientID, clientSecret := h.clientCredentials(r)

	var (
		token *storage.Token
		err   error
	)
	grantType := r.Form.Get("grant_type")
	switch grantType {
	case GrantTypeAuthorizationCode:
		token, err = h.engine.ExchangeCode(r.Context(), clientID, clientSecret,
			r.Form.Get("code"), r.Form.Get("redirect_uri"))
	case GrantTypeRefreshToken:
		token, err = h.engine.Refresh(r.Context(), clientID, clientSecret,
			r.Form.Get("refresh_token"))
	case GrantTypeClientCredentials:
		token, err = h.engine.ClientCredentials(r.Context(), clientID, clientSecret,
			splitScopes(r.Form.Get("scope")))
	default:
		err = ErrUnsupportedGrantType("grant_type must be authorization_code, refresh_token, or client_credentials")
	}

	if err != nil {
		h.writeError(w, err)
		h.recordHTTP(r, "token", statusOf(err), start)
		return
	}

	h.writeJSON(w, http.StatusOK, TokenResponseFor(token))
	h.recordHTTP(r, "token", http.StatusOK, start)
}

// ServeTokenRevocation handles POST /oauth2/revoke per RFC 7009: the
// response is 200 whether or not the token existed, so callers cannot probe
// the token space.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	security.SetSecureHeaders(w)

	if r.Method != http.MethodPost {
		h.writeError(w, ErrInvalidRequest("revocation endpoint requires POST"))
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed request parameters"))
		return
	}

	if err := h.engine.RevokeToken(r.Context(), r.Form.Get("token")); err != nil {
		// Transient storage failure is the only case surfaced; everything
		// else is deliberately indistinguishable from success.
		var oe *OAuthError
		if errors.As(err, &oe) && oe.Status == http.StatusServiceUnavailable {
			h.writeError(w, err)
			h.recordHTTP(r, "revoke", oe.Status, start)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	h.recordHTTP(r, "revoke", http.StatusOK, start)
}

// ============================================================
// Bootstrap endpoint
// ============================================================

// ServeBootstrap handles POST /oauth2/bootstrap: resolve the session's
// identity, then reuse or create its client+token pair.
func (h *Handler) ServeBootstrap(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	security.SetSecureHeaders(w)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed request parameters"))
		return
	}

	owner, rerr := h.resolver(r)
	if rerr != nil {
		h.writeError(w, ErrServerError("could not resolve caller identity"))
		return
	}

	req := BootstrapRequest{
		SessionClientID: r.Form.Get("client_id"),
		ClientName:      r.Form.Get("client_name"),
		Scopes:          splitScopes(r.Form.Get("scope")),
		CreateNew:       r.Form.Get("create_new") == "true",
	}
	if uri := r.Form.Get("redirect_uri"); uri != "" {
		req.RedirectURIs = []string{uri}
	}
	if raw := r.Form.Get("ratelimit"); raw != "" {
		rl, perr := parseRateLimit(raw)
		if perr != nil {
			h.writeError(w, ErrInvalidRequest("ratelimit must be a number"))
			return
		}
		req.RateLimit = rl
	}

	result, err := h.engine.Bootstrap(r.Context(), owner, req)
	if err != nil {
		h.writeError(w, err)
		h.recordHTTP(r, "bootstrap", statusOf(err), start)
		return
	}

	resp := &BootstrapResponse{
		TokenResponse: *TokenResponseFor(result.Token),
		ClientID:      result.Client.ID,
		ClientSecret:  result.Client.Secret,
		ClientName:    result.Client.Name,
		RateLimit:     result.Client.RateLimit,
	}
	h.writeJSON(w, http.StatusOK, resp)
	h.recordHTTP(r, "bootstrap", http.StatusOK, start)
}

// ============================================================
// Discovery metadata
// ============================================================

// ServeMetadata serves RFC 8414 authorization server metadata, conventionally
// routed at /.well-known/oauth-authorization-server. The issuer comes from
// the engine config, falling back to the request's host.
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	security.SetSecureHeaders(w)

	issuer := h.engine.config.Issuer
	if issuer == "" {
		scheme := "https"
		if r.TLS == nil {
			scheme = "http"
		}
		issuer = scheme + "://" + r.Host
	}

	scopes := make([]string, 0)
	for _, s := range h.engine.scopes.List(true) {
		scopes = append(scopes, s.ID)
	}

	h.writeJSON(w, http.StatusOK, &AuthorizationServerMetadata{
		Issuer:                 issuer,
		AuthorizationEndpoint:  issuer + "/oauth2/authorize",
		TokenEndpoint:          issuer + "/oauth2/token",
		RevocationEndpoint:     issuer + "/oauth2/revoke",
		ScopesSupported:        scopes,
		ResponseTypesSupported: h.engine.config.AllowedResponseTypes,
		GrantTypesSupported: []string{
			GrantTypeAuthorizationCode,
			GrantTypeRefreshToken,
			GrantTypeClientCredentials,
		},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
	})
	h.recordHTTP(r, "metadata", http.StatusOK, start)
}

// ============================================================
// Resource-check middleware
// ============================================================

type contextKey string

const authenticatedRequestKey contextKey = "oauth_authenticated_request"

// AuthenticatedRequestFromContext returns the identity attached by
// RequireScopes, or nil.
func AuthenticatedRequestFromContext(ctx context.Context) *AuthenticatedRequest {
	ar, _ := ctx.Value(authenticatedRequestKey).(*AuthenticatedRequest)
	return ar
}

// RequireScopes wraps a protected handler with bearer validation followed by
// rate limiting, in that fixed order. The authenticated identity is attached
// to the request context.
func (h *Handler) RequireScopes(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth, err := h.engine.ValidateBearer(r.Context(), BearerToken(r), requiredScopes...)
			if err != nil {
				h.writeError(w, err)
				return
			}

			if h.limiter != nil && !h.limiter.Allow(auth.Client.ID) {
				h.engine.auditor.LogRateLimitExceeded(security.ClientIP(r, h.trustProxy, 1), auth.UserID)
				if h.inst != nil {
					h.inst.Metrics().RecordRateLimitExceeded(r.Context(), "client")
				}
				h.writeError(w, ErrRateLimitExceeded("too many requests"))
				return
			}

			ctx := context.WithValue(r.Context(), authenticatedRequestKey, auth)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the bearer credential from the Authorization header
// or, as a fallback, the access_token form/query parameter.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return ""
	}
	return r.FormValue("access_token")
}

// ============================================================
// Helpers
// ============================================================

// clientCredentials pulls client authentication from HTTP Basic auth with a
// form-field fallback.
func (h *Handler) clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.Form.Get("client_id"), r.Form.Get("client_secret")
}

// redirectError sends an OAuth error back to the client's validated
// redirect URI with the state echoed.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, authCtx *AuthorizationContext, oerr error) {
	target, err := url.Parse(authCtx.RedirectURI)
	if err != nil {
		h.writeError(w, ErrServerError("invalid redirect URI"))
		return
	}

	code := ErrorCodeServerError
	desc := ""
	var oe *OAuthError
	if errors.As(oerr, &oe) {
		code = oe.Code
		desc = oe.Description
	}

	q := target.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if authCtx.State != "" {
		q.Set("state", authCtx.State)
	}
	target.RawQuery = q.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// writeError writes an OAuth error JSON body with its HTTP status.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var oe *OAuthError
	if !errors.As(err, &oe) {
		oe = ErrServerError("internal error")
	}
	h.writeJSON(w, oe.Status, &ErrorResponse{
		Error:            oe.Code,
		ErrorDescription: oe.Description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) recordHTTP(r *http.Request, endpoint string, status int, start time.Time) {
	if h.inst == nil {
		return
	}
	h.inst.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, status, float64(time.Since(start).Milliseconds()))
}

// parseRateLimit parses the bootstrap ratelimit form field.
func parseRateLimit(raw string) (float64, error) {
	return strconv.ParseFloat(raw, 64)
}

// splitScopes parses a space-separated OAuth scope parameter.
func splitScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

func statusOf(err error) int {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe.Status
	}
	return http.StatusInternalServerError
}
