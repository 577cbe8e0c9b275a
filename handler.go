package dotauth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jjrdk/dotauth/instrumentation"
	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/server"
	"github.com/jjrdk/dotauth/storage"
)

const (
	defaultCORSMaxAge = 3600 // 1 hour default for preflight cache
	jwksCacheMaxAge   = 3600
)

// Routes served by the handler in addition to the engine endpoints
const (
	EndpointAuthorizationResume  = "/authorization/resume"
	EndpointAuthorizationConsent = "/authorization/consent"
	EndpointTickets              = "/perm/tickets"
	EndpointSendCode             = "/code"
	EndpointValidateCode         = "/code/validate"
)

// SessionProvider resolves the end user authenticated on a request. A nil
// session with a nil error means nobody is logged in.
type SessionProvider interface {
	Session(r *http.Request) (*server.Session, error)
}

// SessionProviderFunc adapts a function to SessionProvider
type SessionProviderFunc func(r *http.Request) (*server.Session, error)

// Session implements SessionProvider
func (f SessionProviderFunc) Session(r *http.Request) (*server.Session, error) {
	return f(r)
}

var anonymous = SessionProviderFunc(func(*http.Request) (*server.Session, error) { return nil, nil })

// Handler is a thin HTTP adapter for the authorization server engine.
// It parses requests, delegates to server.Server and renders the results.
type Handler struct {
	server   *server.Server
	config   *Config
	sessions SessionProvider
	limiter  *security.RateLimiter // per client IP, nil when disabled
	logger   *slog.Logger
	tracer   trace.Tracer
	root     http.Handler
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, config *Config, sessions SessionProvider) *Handler {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	cfg.applyDefaults()
	if sessions == nil {
		sessions = anonymous
	}

	h := &Handler{
		server:   srv,
		config:   &cfg,
		sessions: sessions,
		logger:   cfg.Logger,
		tracer:   srv.Instrumentation.Tracer("http"),
	}
	if cfg.RateLimit.Rate > 0 {
		h.limiter = security.NewRateLimiter(time.Second/time.Duration(cfg.RateLimit.Rate), cfg.RateLimit.Burst, h.logger)
	}

	mux := http.NewServeMux()
	h.handle(mux, "GET "+server.EndpointAuthorization, "authorization", h.ServeAuthorization)
	h.handle(mux, "POST "+server.EndpointAuthorization, "authorization", h.ServeAuthorization)
	h.handle(mux, "GET "+EndpointAuthorizationResume, "authorization_resume", h.ServeResume)
	h.handle(mux, "POST "+EndpointAuthorizationConsent, "authorization_consent", h.ServeConsent)
	h.handle(mux, "POST "+server.EndpointToken, "token", h.ServeToken)
	h.handle(mux, "POST "+server.EndpointRevocation, "revocation", h.ServeTokenRevocation)
	h.handle(mux, "POST "+server.EndpointIntrospection, "introspection", h.ServeTokenIntrospection)
	h.handle(mux, "POST "+server.EndpointRPTIntrospection, "rpt_introspection", h.ServeRPTIntrospection)
	h.handle(mux, "POST "+server.EndpointPermission, "permission", h.ServePermission)
	h.handle(mux, "POST "+server.EndpointPermissionBulk, "permission_bulk", h.ServePermissionBulk)
	h.handle(mux, "GET "+EndpointTickets, "tickets", h.ServeTickets)
	h.handle(mux, "POST "+EndpointTickets+"/{id}/approve", "ticket_approve", h.ServeTicketApproval)
	h.handle(mux, "POST "+EndpointTickets+"/{id}/deny", "ticket_deny", h.ServeTicketDenial)
	h.handle(mux, "POST "+server.EndpointDeviceAuthorization, "device_authorization", h.ServeDeviceAuthorization)
	h.handle(mux, "POST "+server.EndpointDevice, "device", h.ServeDeviceVerification)
	h.handle(mux, "POST "+EndpointSendCode, "send_code", h.ServeSendCode)
	h.handle(mux, "POST "+EndpointValidateCode, "validate_code", h.ServeValidateCode)
	h.handle(mux, "GET "+server.EndpointJWKS, "jwks", h.ServeJWKS)
	h.handle(mux, "GET "+server.EndpointOpenIDConfiguration, "openid_configuration", h.ServeOpenIDConfiguration)
	h.handle(mux, "GET "+server.EndpointUMAConfiguration, "uma_configuration", h.ServeUMAConfiguration)

	h.root = security.RequestIDMiddleware(h.protect(mux))
	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

// Close stops the rate limiter cleanup worker
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

func (h *Handler) handle(mux *http.ServeMux, pattern, endpoint string, fn http.HandlerFunc) {
	mux.Handle(pattern, h.instrument(endpoint, fn))
}

// protect applies the checks shared by every endpoint: security headers,
// CORS, per-IP rate limiting and the request body limit
func (h *Handler) protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w, h.server.Config.Issuer)
		h.setCORSHeaders(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		clientIP := security.GetClientIP(r, h.config.RateLimit.TrustProxy, h.config.RateLimit.TrustedProxyCount)
		if h.checkIPRateLimit(w, r, clientIP) {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBodySize)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written by an endpoint
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) instrument(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "oauth.http."+endpoint)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, rec.status)
		if rec.status >= http.StatusInternalServerError {
			instrumentation.SetSpanError(span, http.StatusText(rec.status))
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		h.recordHTTPMetrics(r, endpoint, rec.status, startTime)
	})
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(r *http.Request, endpoint string, status int, startTime time.Time) {
	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.server.Instrumentation.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, status, duration)
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.limiter == nil {
		return false
	}
	allowed, wait := h.limiter.Reserve(clientIP)
	if allowed {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
	h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded("ip", clientIP)
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
	h.writeError(w, NewOAuthError(ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests))
	return true
}

// retryAfterSeconds rounds wait up to whole seconds, at least one
func retryAfterSeconds(wait time.Duration) int {
	if wait > time.Hour {
		return int(time.Hour / time.Second)
	}
	return max(1, int(math.Ceil(wait.Seconds())))
}

// setCORSHeaders sets CORS headers if configured and the origin is allowed.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.config.CORS.AllowedOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if !h.isAllowedOrigin(origin) {
		h.logger.Debug("CORS request from disallowed origin", "origin", origin)
		return
	}

	// Echo the specific origin rather than "*"
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	if h.config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", strconv.Itoa(h.config.CORS.MaxAge))
}

// isAllowedOrigin checks the origin against the allowed list. "*" allows all.
func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.config.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// session resolves the current end user, writing an error when the
// provider fails
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*server.Session, bool) {
	session, err := h.sessions.Session(r)
	if err != nil {
		h.logger.Error("Failed to resolve session", "error", err, "request_id", security.GetRequestID(r.Context()))
		h.writeError(w, ErrServerError("an internal error occurred"))
		return nil, false
	}
	return session, true
}

// parseForm parses the request form, writing an error when it is malformed
func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, bodyError(err))
		return false
	}
	return true
}

func bodyError(err error) *OAuthError {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return NewOAuthError(server.ErrorCodeInvalidRequest, "the request body is too large", http.StatusRequestEntityTooLarge)
	}
	return ErrInvalidRequest("the request body could not be parsed")
}

// ServeAuthorization handles authorization requests sent as a query or a form
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	req, oerr := authorizationRequestFrom(r.Form)
	if oerr != nil {
		h.writeError(w, oerr)
		return
	}
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	h.writeOutcome(w, r, h.server.Authorize(r.Context(), req, session))
}

// ServeResume continues a protected request once the end user logged in
func (h *Handler) ServeResume(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	h.writeOutcome(w, r, h.server.Resume(r.Context(), r.URL.Query().Get("request"), session))
}

// ServeConsent records the end user's consent and continues the request
func (h *Handler) ServeConsent(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	h.writeOutcome(w, r, h.server.GiveConsent(r.Context(), r.PostForm.Get("request"), session))
}

func authorizationRequestFrom(form url.Values) (server.AuthorizationRequest, *OAuthError) {
	req := server.AuthorizationRequest{
		ClientID:            form.Get("client_id"),
		RedirectURI:         form.Get("redirect_uri"),
		ResponseType:        form.Get("response_type"),
		Scope:               form.Get("scope"),
		State:               form.Get("state"),
		ResponseMode:        form.Get("response_mode"),
		Nonce:               form.Get("nonce"),
		Prompt:              form.Get("prompt"),
		CodeChallenge:       form.Get("code_challenge"),
		CodeChallengeMethod: form.Get("code_challenge_method"),
		IDTokenHint:         form.Get("id_token_hint"),
		ACRValues:           form.Get("acr_values"),
		AMRValues:           form.Get("amr_values"),
		LoginHint:           form.Get("login_hint"),
		Request:             form.Get("request"),
		RequestURI:          form.Get("request_uri"),
	}
	if raw := form.Get("max_age"); raw != "" {
		maxAge, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || maxAge < 0 {
			oerr := ErrInvalidRequest("the parameter max_age is not valid")
			oerr.State = req.State
			return req, oerr
		}
		req.MaxAge = &maxAge
	}
	return req, nil
}

// writeOutcome renders the result of an authorization request
func (h *Handler) writeOutcome(w http.ResponseWriter, r *http.Request, outcome server.AuthorizationOutcome) {
	switch o := outcome.(type) {
	case server.RedirectToCallback:
		h.redirectToCallback(w, r, o)
	case server.RedirectToAction:
		h.redirectToAction(w, r, o)
	case server.BadRequest:
		if o.RedirectURI == "" {
			h.writeError(w, FromServerError(o.Err))
			return
		}
		params := url.Values{"error": {o.Err.Code}}
		if o.Err.Description != "" {
			params.Set("error_description", o.Err.Description)
		}
		if o.Err.State != "" {
			params.Set("state", o.Err.State)
		}
		h.redirectToCallback(w, r, server.RedirectToCallback{RedirectURI: o.RedirectURI, ResponseMode: o.ResponseMode, Parameters: params})
	default:
		h.logger.Error("Unknown authorization outcome", "type", fmt.Sprintf("%T", outcome))
		h.writeError(w, ErrServerError("an internal error occurred"))
	}
}

func (h *Handler) redirectToCallback(w http.ResponseWriter, r *http.Request, cb server.RedirectToCallback) {
	if cb.ResponseMode == server.ResponseModeFormPost {
		h.renderFormPost(w, cb)
		return
	}
	security.SetNoStoreHeaders(w)
	http.Redirect(w, r, cb.URL(), http.StatusFound)
}

func (h *Handler) redirectToAction(w http.ResponseWriter, r *http.Request, a server.RedirectToAction) {
	if a.Action == server.ActionForm {
		if a.Callback == nil {
			h.logger.Error("Form outcome without a callback")
			h.writeError(w, ErrServerError("an internal error occurred"))
			return
		}
		h.renderFormPost(w, *a.Callback)
		return
	}

	target := h.config.Interaction.URLFor(a.Action)
	u, err := url.Parse(target)
	if target == "" || err != nil {
		h.logger.Error("No interaction page configured", "action", a.Action)
		h.writeError(w, ErrServerError(fmt.Sprintf("no interaction page is configured for %s", a.Action)))
		return
	}

	q := u.Query()
	q.Set("request", a.ProtectedRequest)
	if len(a.AmrValues) > 0 {
		q.Set("amr_values", strings.Join(a.AmrValues, " "))
	}
	if len(a.AcrValues) > 0 {
		q.Set("acr_values", strings.Join(a.AcrValues, " "))
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// formPostScript submits the response form. The script is static so its
// hash can be allowed by the page's Content-Security-Policy.
const formPostScript = `document.forms[0].submit();`

var formPostScriptHash = func() string {
	sum := sha256.Sum256([]byte(formPostScript))
	return "'sha256-" + base64.StdEncoding.EncodeToString(sum[:]) + "'"
}()

var formPostTmpl = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Submit this form</title>
</head>
<body>
<form method="post" action="{{.Action}}">
{{- range $name, $values := .Parameters}}{{range $values}}
<input type="hidden" name="{{$name}}" value="{{.}}">
{{- end}}{{end}}
<noscript><button type="submit">Continue</button></noscript>
</form>
<script>` + formPostScript + `</script>
</body>
</html>
`))

type formPostData struct {
	Action     string
	Parameters url.Values
}

// renderFormPost renders the form_post response mode page (OAuth 2.0 Form
// Post Response Mode)
func (h *Handler) renderFormPost(w http.ResponseWriter, cb server.RedirectToCallback) {
	var buf bytes.Buffer
	if err := formPostTmpl.Execute(&buf, formPostData{Action: cb.RedirectURI, Parameters: cb.Parameters}); err != nil {
		h.logger.Error("Failed to render form post page", "error", err)
		h.writeError(w, ErrServerError("an internal error occurred"))
		return
	}

	csp := "default-src 'none'; script-src " + formPostScriptHash
	if u, err := url.Parse(cb.RedirectURI); err == nil && u.Scheme != "" && u.Host != "" {
		csp += "; form-action " + u.Scheme + "://" + u.Host
	}
	w.Header().Set("Content-Security-Policy", csp)
	security.SetNoStoreHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// clientCredentials collects every credential a token endpoint request
// presents: HTTP basic, form secret, JWT assertion and TLS certificate
func clientCredentials(r *http.Request) server.ClientCredentials {
	creds := server.ClientCredentials{
		ClientID:            r.PostForm.Get("client_id"),
		ClientSecret:        r.PostForm.Get("client_secret"),
		ClientAssertion:     r.PostForm.Get("client_assertion"),
		ClientAssertionType: r.PostForm.Get("client_assertion_type"),
	}
	if id, secret, ok := parseBasicAuth(r); ok {
		creds.ClientID, creds.ClientSecret, creds.BasicAuth = id, secret, true
	}
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		creds.Certificate = r.TLS.PeerCertificates[0]
	}
	return creds
}

// parseBasicAuth decodes HTTP basic credentials, which RFC 6749 section
// 2.3.1 form-encodes
func parseBasicAuth(r *http.Request) (clientID, secret string, ok bool) {
	clientID, secret, ok = r.BasicAuth()
	if !ok {
		return "", "", false
	}
	if v, err := url.QueryUnescape(clientID); err == nil {
		clientID = v
	}
	if v, err := url.QueryUnescape(secret); err == nil {
		secret = v
	}
	return clientID, secret, true
}

// ServeToken handles the token endpoint for every registered grant type
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	security.SetNoStoreHeaders(w)
	if !h.parseForm(w, r) {
		return
	}

	form := r.PostForm
	creds := clientCredentials(r)
	resp, oerr := h.server.Token(r.Context(), &server.TokenRequest{
		GrantType:        form.Get("grant_type"),
		Credentials:      creds,
		Scope:            form.Get("scope"),
		Code:             form.Get("code"),
		RedirectURI:      form.Get("redirect_uri"),
		CodeVerifier:     form.Get("code_verifier"),
		Username:         form.Get("username"),
		Password:         form.Get("password"),
		RefreshToken:     form.Get("refresh_token"),
		Ticket:           form.Get("ticket"),
		ClaimToken:       form.Get("claim_token"),
		ClaimTokenFormat: form.Get("claim_token_format"),
		DeviceCode:       form.Get("device_code"),
	})
	if oerr != nil {
		h.writeClientError(w, creds, FromServerError(oerr))
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeTokenRevocation handles the RFC 7009 revocation endpoint
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	creds := clientCredentials(r)
	if oerr := h.server.RevokeToken(r.Context(), creds, r.PostForm.Get("token"), r.PostForm.Get("token_type_hint")); oerr != nil {
		h.writeClientError(w, creds, FromServerError(oerr))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ServeTokenIntrospection handles the RFC 7662 introspection endpoint
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	security.SetNoStoreHeaders(w)
	if !h.parseForm(w, r) {
		return
	}
	creds := clientCredentials(r)
	resp, oerr := h.server.Introspect(r.Context(), creds, r.PostForm.Get("token"), r.PostForm.Get("token_type_hint"))
	if oerr != nil {
		h.writeClientError(w, creds, FromServerError(oerr))
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeRPTIntrospection introspects UMA requesting party tokens
func (h *Handler) ServeRPTIntrospection(w http.ResponseWriter, r *http.Request) {
	security.SetNoStoreHeaders(w)
	if !h.parseForm(w, r) {
		return
	}
	creds := clientCredentials(r)
	resp, oerr := h.server.IntrospectRPT(r.Context(), creds, r.PostForm.Get("token"))
	if oerr != nil {
		h.writeClientError(w, creds, FromServerError(oerr))
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) (string, *OAuthError) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrInvalidToken("Missing Authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], server.TokenTypeBearer) || parts[1] == "" {
		return "", ErrInvalidToken("Invalid Authorization header format")
	}
	return parts[1], nil
}

// authenticateOwner validates the bearer token of a resource owner facing
// endpoint and returns the token, whose subject is the resource owner
func (h *Handler) authenticateOwner(w http.ResponseWriter, r *http.Request, scopes ...string) (*storage.GrantedToken, bool) {
	raw, oerr := extractBearerToken(r)
	if oerr != nil {
		h.writeError(w, oerr)
		return nil, false
	}
	token, serr := h.server.ValidateAccessToken(r.Context(), raw, scopes...)
	if serr != nil {
		h.writeError(w, FromServerError(serr))
		return nil, false
	}
	if token.Subject == "" {
		h.writeError(w, ErrInvalidToken("the access token is not bound to a resource owner"))
		return nil, false
	}
	return token, true
}

// decodeJSON decodes the request body into v, writing an error on failure
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, bodyError(err))
			return false
		}
		h.writeError(w, ErrInvalidRequest("the request body is not valid JSON"))
		return false
	}
	return true
}

// ServePermission registers a permission request for one resource set on
// behalf of the resource owner holding the protection API token
func (h *Handler) ServePermission(w http.ResponseWriter, r *http.Request) {
	pat, ok := h.authenticateOwner(w, r, server.ScopeUMAProtection)
	if !ok {
		return
	}
	var req server.PermissionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	h.requestPermission(w, r, pat, req)
}

// ServePermissionBulk registers permission requests for several resource
// sets as a single ticket
func (h *Handler) ServePermissionBulk(w http.ResponseWriter, r *http.Request) {
	pat, ok := h.authenticateOwner(w, r, server.ScopeUMAProtection)
	if !ok {
		return
	}
	var reqs []server.PermissionRequest
	if !h.decodeJSON(w, r, &reqs) {
		return
	}
	h.requestPermission(w, r, pat, reqs...)
}

func (h *Handler) requestPermission(w http.ResponseWriter, r *http.Request, pat *storage.GrantedToken, reqs ...server.PermissionRequest) {
	ticket, oerr := h.server.RequestPermission(r.Context(), pat.Subject, nil, reqs...)
	if oerr != nil {
		h.writeError(w, FromServerError(oerr))
		return
	}
	h.writeJSON(w, http.StatusCreated, server.PermissionResponse{TicketID: ticket.ID})
}

// ServeTickets lists the tickets waiting for the resource owner
func (h *Handler) ServeTickets(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.authenticateOwner(w, r)
	if !ok {
		return
	}
	tickets, oerr := h.server.TicketsForOwner(r.Context(), owner.Subject)
	if oerr != nil {
		h.writeError(w, FromServerError(oerr))
		return
	}
	views := make([]TicketView, 0, len(tickets))
	for _, t := range tickets {
		views = append(views, newTicketView(t))
	}
	security.SetNoStoreHeaders(w)
	h.writeJSON(w, http.StatusOK, views)
}

// ServeTicketApproval lets the resource owner approve a submitted request
func (h *Handler) ServeTicketApproval(w http.ResponseWriter, r *http.Request) {
	h.decideTicket(w, r, h.server.ApproveAccess)
}

// ServeTicketDenial lets the resource owner deny a submitted request
func (h *Handler) ServeTicketDenial(w http.ResponseWriter, r *http.Request) {
	h.decideTicket(w, r, h.server.DenyAccess)
}

func (h *Handler) decideTicket(w http.ResponseWriter, r *http.Request, decide func(ctx context.Context, ticketID, owner string) *server.Error) {
	owner, ok := h.authenticateOwner(w, r)
	if !ok {
		return
	}
	if oerr := decide(r.Context(), r.PathValue("id"), owner.Subject); oerr != nil {
		h.writeError(w, FromServerError(oerr))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeDeviceAuthorization starts an RFC 8628 device authorization
func (h *Handler) ServeDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	security.SetNoStoreHeaders(w)
	if !h.parseForm(w, r) {
		return
	}
	creds := clientCredentials(r)
	resp, oerr := h.server.StartDeviceAuthorization(r.Context(), creds, r.PostForm.Get("scope"))
	if oerr != nil {
		h.writeClientError(w, creds, FromServerError(oerr))
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeDeviceVerification approves or, with action=deny, denies the device
// authorization identified by user_code for the logged in end user
func (h *Handler) ServeDeviceVerification(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	if session == nil {
		h.writeError(w, ErrLoginRequired("the end user is not authenticated"))
		return
	}

	userCode := r.PostForm.Get("user_code")
	var oerr *server.Error
	if r.PostForm.Get("action") == "deny" {
		oerr = h.server.DenyDevice(r.Context(), userCode)
	} else {
		oerr = h.server.ApproveDevice(r.Context(), userCode, session.Subject)
	}
	if oerr != nil {
		h.writeError(w, FromServerError(oerr))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeSendCode sends a confirmation code to the logged in end user
func (h *Handler) ServeSendCode(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	if session == nil {
		h.writeError(w, ErrLoginRequired("the end user is not authenticated"))
		return
	}
	if oerr := h.server.GenerateAndSendCode(r.Context(), session.Subject); oerr != nil {
		h.writeError(w, FromServerError(oerr))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeValidateCode checks the confirmation code typed by the end user
func (h *Handler) ServeValidateCode(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	if session == nil {
		h.writeError(w, ErrLoginRequired("the end user is not authenticated"))
		return
	}
	if oerr := h.server.ValidateConfirmationCode(r.Context(), session.Subject, r.PostForm.Get("code")); oerr != nil {
		h.writeError(w, FromServerError(oerr))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeJWKS publishes the public signing keys
func (h *Handler) ServeJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", jwksCacheMaxAge))
	h.writeJSON(w, http.StatusOK, h.server.Keys.PublicJWKS())
}

// ServeOpenIDConfiguration serves OpenID Connect discovery metadata
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	doc, oerr := h.server.OpenIDConfiguration(r.Context())
	if oerr != nil {
		h.writeError(w, FromServerError(oerr))
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

// ServeUMAConfiguration serves UMA2 discovery metadata
func (h *Handler) ServeUMAConfiguration(w http.ResponseWriter, r *http.Request) {
	doc, oerr := h.server.UMAConfiguration(r.Context())
	if oerr != nil {
		h.writeError(w, FromServerError(oerr))
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

// writeError writes an OAuth error response. 401 and insufficient_scope
// responses carry a Bearer challenge (RFC 6750 section 3).
func (h *Handler) writeError(w http.ResponseWriter, oerr *OAuthError) {
	if oerr.Status == http.StatusUnauthorized || oerr.Code == server.ErrorCodeInsufficientScope {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(server.TokenTypeBearer, oerr.Code, oerr.Description))
	}
	h.writeJSON(w, oerr.Status, oerr.Body())
}

// writeClientError writes an error of a client authenticated endpoint. A
// client that tried HTTP basic is challenged with the Basic scheme
// (RFC 6749 section 5.2).
func (h *Handler) writeClientError(w http.ResponseWriter, creds server.ClientCredentials, oerr *OAuthError) {
	if oerr.Status == http.StatusUnauthorized && creds.BasicAuth {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate("Basic", "", ""))
		h.writeJSON(w, oerr.Status, oerr.Body())
		return
	}
	h.writeError(w, oerr)
}

// formatWWWAuthenticate formats a WWW-Authenticate challenge. Quoted values
// are escaped per RFC 7230 quoted-string rules.
func (h *Handler) formatWWWAuthenticate(scheme, errCode, errorDesc string) string {
	params := []string{fmt.Sprintf(`realm="%s"`, quoteEscape(h.server.Config.Issuer))}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, quoteEscape(errCode)))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quoteEscape(errorDesc)))
	}
	return scheme + " " + strings.Join(params, ", ")
}

func quoteEscape(s string) string {
	// backslashes first, then quotes
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
