package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jjrdk/dotauth/instrumentation"
	"github.com/jjrdk/dotauth/internal/util"
	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/storage"
)

// Response types
const (
	ResponseTypeCode    = "code"
	ResponseTypeToken   = "token"
	ResponseTypeIDToken = "id_token"
)

// Response modes
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"
)

// Prompt values
const (
	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
)

// ScopeOpenID marks OpenID Connect requests
const ScopeOpenID = "openid"

var (
	supportedResponseTypes = []string{ResponseTypeCode, ResponseTypeToken, ResponseTypeIDToken}
	supportedResponseModes = []string{ResponseModeQuery, ResponseModeFragment, ResponseModeFormPost}
	supportedPrompts       = []string{PromptNone, PromptLogin, PromptConsent, PromptSelectAccount}
)

// AuthorizationRequest holds the parameters of an authorization request. It
// is serialized into the protected request carried through user interaction.
type AuthorizationRequest struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	ResponseType        string `json:"response_type"`
	Scope               string `json:"scope"`
	State               string `json:"state,omitempty"`
	ResponseMode        string `json:"response_mode,omitempty"`
	Nonce               string `json:"nonce,omitempty"`
	Prompt              string `json:"prompt,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	IDTokenHint         string `json:"id_token_hint,omitempty"`
	MaxAge              *int64 `json:"max_age,omitempty"`
	ACRValues           string `json:"acr_values,omitempty"`
	AMRValues           string `json:"amr_values,omitempty"`
	LoginHint           string `json:"login_hint,omitempty"`
	Request             string `json:"request,omitempty"`
	RequestURI          string `json:"request_uri,omitempty"`
}

// Session is the authenticated end user, nil when nobody is logged in
type Session struct {
	Subject  string
	AuthTime time.Time
	AMR      []string // authentication methods completed, e.g. "pwd", "sms"
}

// Action names the interaction an authorization request is waiting for
type Action string

// Interaction actions
const (
	ActionAuthenticate Action = "authenticate"
	ActionConsent      Action = "consent"
	ActionForm         Action = "form"
	ActionSendCode     Action = "send_code"
)

// AuthorizationOutcome is the result of resolving an authorization request.
// It is one of RedirectToCallback, RedirectToAction or BadRequest.
type AuthorizationOutcome interface {
	authorizationOutcome()
}

// RedirectToCallback sends the user agent back to the client
type RedirectToCallback struct {
	RedirectURI  string
	ResponseMode string
	Parameters   url.Values
}

// RedirectToAction sends the user agent to an interaction page. For
// ActionForm, Callback holds the parameters to auto-post to the client.
type RedirectToAction struct {
	Action           Action
	ProtectedRequest string
	AmrValues        []string
	AcrValues        []string
	Callback         *RedirectToCallback
}

// BadRequest reports a failed request. RedirectURI is set once the redirect
// URI has been validated, so the error may be returned to the client.
type BadRequest struct {
	Err          *Error
	RedirectURI  string
	ResponseMode string
}

func (RedirectToCallback) authorizationOutcome() {}
func (RedirectToAction) authorizationOutcome()   {}
func (BadRequest) authorizationOutcome()         {}

// URL returns the callback URL carrying the parameters in the query or the
// fragment, depending on the response mode
func (r RedirectToCallback) URL() string {
	u, err := url.Parse(r.RedirectURI)
	if err != nil {
		return r.RedirectURI
	}
	if r.ResponseMode == ResponseModeFragment {
		u.Fragment = ""
		u.RawFragment = ""
		return u.String() + "#" + r.Parameters.Encode()
	}
	q := u.Query()
	for k, vs := range r.Parameters {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func outcomeName(o AuthorizationOutcome) string {
	switch v := o.(type) {
	case RedirectToCallback:
		return "redirect_to_callback"
	case RedirectToAction:
		return string(v.Action)
	case BadRequest:
		return v.Err.Code
	default:
		return "unknown"
	}
}

// Authorize resolves an authorization request for the given session
func (s *Server) Authorize(ctx context.Context, req AuthorizationRequest, session *Session) AuthorizationOutcome {
	ctx, span := s.startSpan(ctx, "Authorize")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "", req.Scope)

	outcome := s.authorize(ctx, req, session)

	name := outcomeName(outcome)
	s.metrics().RecordAuthorizationOutcome(ctx, req.ClientID, name)
	if bad, ok := outcome.(BadRequest); ok {
		instrumentation.SetSpanError(span, bad.Err.Code)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	return outcome
}

// Resume continues a protected request after an interaction completed
func (s *Server) Resume(ctx context.Context, protected string, session *Session) AuthorizationOutcome {
	req, err := s.Protector.Unprotect(protected)
	if err != nil {
		s.Logger.Debug("Failed to unprotect authorization request", "error", err)
		return BadRequest{Err: NewError(ErrorCodeInvalidRequest, "the authorization request is not valid")}
	}
	return s.Authorize(ctx, req, session)
}

// GiveConsent records the user's consent for the protected request and
// resumes it
func (s *Server) GiveConsent(ctx context.Context, protected string, session *Session) AuthorizationOutcome {
	req, err := s.Protector.Unprotect(protected)
	if err != nil {
		s.Logger.Debug("Failed to unprotect authorization request", "error", err)
		return BadRequest{Err: NewError(ErrorCodeInvalidRequest, "the authorization request is not valid")}
	}
	if session == nil || session.Subject == "" {
		return BadRequest{Err: NewError(ErrorCodeLoginRequired, "the user is not authenticated").WithState(req.State)}
	}

	client, oerr := s.loadClient(ctx, req.ClientID)
	if oerr != nil {
		return BadRequest{Err: oerr.WithState(req.State)}
	}
	scopes := util.ParseScopes(req.Scope)
	defs, oerr := s.validateScopes(ctx, client, scopes)
	if oerr != nil {
		return BadRequest{Err: oerr.WithState(req.State)}
	}

	var claims []string
	for _, def := range defs {
		claims = append(claims, def.Claims...)
	}
	consent := &storage.Consent{
		ID:            uuid.NewString(),
		Subject:       session.Subject,
		ClientID:      client.ClientID,
		GrantedScopes: scopes,
		Claims:        util.Unique(claims),
		CreatedAt:     s.now(),
	}
	if err := s.stores.Consents.SaveConsent(ctx, consent); err != nil {
		s.Logger.Error("Failed to save consent", "client_id", client.ClientID, "error", err)
		return BadRequest{Err: errInternal().WithState(req.State)}
	}
	s.publish(security.EventConsentGiven, session.Subject, client.ClientID, map[string]any{
		"scope": req.Scope,
	})

	return s.Authorize(ctx, withoutPrompt(req, PromptConsent), session)
}

func (s *Server) authorize(ctx context.Context, req AuthorizationRequest, session *Session) AuthorizationOutcome {
	if req.Request != "" || req.RequestURI != "" {
		resolved, oerr := s.resolveRequestObject(ctx, req)
		if oerr != nil {
			return BadRequest{Err: oerr.WithState(req.State)}
		}
		req = resolved
	}

	bad := func(e *Error) AuthorizationOutcome {
		return BadRequest{Err: e.WithState(req.State)}
	}

	switch {
	case req.Scope == "":
		return bad(errMissingParameter("scope"))
	case req.ClientID == "":
		return bad(errMissingParameter("client_id"))
	case req.RedirectURI == "":
		return bad(errMissingParameter("redirect_uri"))
	case req.ResponseType == "":
		return bad(errMissingParameter("response_type"))
	}

	responseTypes := strings.Fields(req.ResponseType)
	for _, rt := range responseTypes {
		if !slices.Contains(supportedResponseTypes, rt) {
			return bad(Errorf(ErrorCodeUnsupportedResponseType, "the response type %s is not supported", rt))
		}
	}
	prompts := strings.Fields(req.Prompt)
	for _, p := range prompts {
		if !slices.Contains(supportedPrompts, p) {
			return bad(Errorf(ErrorCodeInvalidRequest, "the prompt parameter %s is not supported", p))
		}
	}
	if slices.Contains(prompts, PromptNone) && len(prompts) > 1 {
		return bad(NewError(ErrorCodeInvalidRequest, "the prompt none cannot be combined with other values"))
	}

	client, oerr := s.loadClient(ctx, req.ClientID)
	if oerr != nil {
		return bad(oerr)
	}
	if err := validateRedirectURI(client, req.RedirectURI); err != nil {
		return bad(NewError(ErrorCodeInvalidRequest, err.Error()))
	}

	mode, oerr := responseMode(req.ResponseMode, responseTypes)
	if oerr != nil {
		return bad(oerr)
	}
	// Past this point errors can be returned to the validated redirect URI
	redirectable := func(e *Error) AuthorizationOutcome {
		return BadRequest{Err: e.WithState(req.State), RedirectURI: req.RedirectURI, ResponseMode: mode}
	}

	for _, rt := range responseTypes {
		if !client.SupportsResponseType(rt) {
			return redirectable(errResponseTypeNotSupported(client.ClientID, rt))
		}
	}

	if slices.Contains(responseTypes, ResponseTypeCode) {
		if req.CodeChallenge == "" && client.RequirePKCE {
			return redirectable(Errorf(ErrorCodeInvalidRequest, "the client %s requires PKCE", client.ClientID))
		}
		if req.CodeChallenge != "" {
			if err := s.checkChallengeMethod(req.CodeChallengeMethod); err != nil {
				return redirectable(NewError(ErrorCodeInvalidRequest, err.Error()))
			}
		}
	}

	if slices.Contains(responseTypes, ResponseTypeIDToken) && req.Nonce == "" {
		return redirectable(errMissingParameter("nonce"))
	}

	scopes := util.ParseScopes(req.Scope)
	if _, oerr := s.validateScopes(ctx, client, scopes); oerr != nil {
		return redirectable(oerr)
	}
	if slices.Contains(responseTypes, ResponseTypeIDToken) && !slices.Contains(scopes, ScopeOpenID) {
		return redirectable(Errorf(ErrorCodeInvalidScope, "the scope %s is required for the response type %s", ScopeOpenID, ResponseTypeIDToken))
	}

	promptNone := slices.Contains(prompts, PromptNone)
	if slices.Contains(prompts, PromptLogin) || slices.Contains(prompts, PromptSelectAccount) {
		return s.redirectToAction(ActionAuthenticate, withoutPrompt(req, PromptLogin, PromptSelectAccount), nil)
	}
	if session == nil || session.Subject == "" {
		if promptNone {
			return redirectable(NewError(ErrorCodeLoginRequired, "the user needs to be authenticated"))
		}
		return s.redirectToAction(ActionAuthenticate, req, nil)
	}

	if req.IDTokenHint != "" {
		if oerr := s.checkIDTokenHint(req.IDTokenHint, session.Subject, client.ClientID); oerr != nil {
			return redirectable(oerr)
		}
	}

	if req.MaxAge != nil && !session.AuthTime.IsZero() {
		age := s.now().Sub(session.AuthTime)
		if age > time.Duration(*req.MaxAge)*time.Second {
			if promptNone {
				return redirectable(NewError(ErrorCodeLoginRequired, "the authentication is too old"))
			}
			return s.redirectToAction(ActionAuthenticate, req, nil)
		}
	}

	owner, err := s.stores.ResourceOwners.GetResourceOwner(ctx, session.Subject)
	switch {
	case err == nil:
		if owner.TwoFactorAuthentication != "" && !slices.Contains(session.AMR, owner.TwoFactorAuthentication) {
			if promptNone {
				return redirectable(NewError(ErrorCodeInteractionRequired, "the user needs to confirm the second factor"))
			}
			return s.redirectToAction(ActionSendCode, req, session.AMR)
		}
	case errors.Is(err, storage.ErrNotFound):
		// External accounts have no local record and no second factor
	default:
		s.Logger.Error("Failed to load resource owner", "error", err)
		return redirectable(errInternal())
	}

	if slices.Contains(prompts, PromptConsent) {
		return s.redirectToAction(ActionConsent, req, session.AMR)
	}
	consented, oerr := s.hasConsent(ctx, session.Subject, client.ClientID, scopes)
	if oerr != nil {
		return redirectable(oerr)
	}
	if !consented {
		if promptNone {
			return redirectable(NewError(ErrorCodeInteractionRequired, "the user needs to give his consent"))
		}
		return s.redirectToAction(ActionConsent, req, session.AMR)
	}

	callback, oerr := s.issueAuthorizationResponse(ctx, client, req, session, scopes, responseTypes, mode)
	if oerr != nil {
		return redirectable(oerr)
	}
	if mode == ResponseModeFormPost {
		return RedirectToAction{Action: ActionForm, Callback: callback}
	}
	return *callback
}

func (s *Server) loadClient(ctx context.Context, clientID string) (*storage.Client, *Error) {
	client, err := s.stores.Clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errClientNotFound()
		}
		s.Logger.Error("Failed to load client", "client_id", clientID, "error", err)
		return nil, errInternal()
	}
	return client, nil
}

// responseMode resolves the effective response mode. Tokens must never be
// returned in the query string.
func responseMode(requested string, responseTypes []string) (string, *Error) {
	onlyCode := len(responseTypes) == 1 && responseTypes[0] == ResponseTypeCode
	if requested == "" {
		if onlyCode {
			return ResponseModeQuery, nil
		}
		return ResponseModeFragment, nil
	}
	if !slices.Contains(supportedResponseModes, requested) {
		return "", Errorf(ErrorCodeInvalidRequest, "the response mode %s is not supported", requested)
	}
	if requested == ResponseModeQuery && !onlyCode {
		return "", Errorf(ErrorCodeInvalidRequest, "the response mode %s cannot be used with the response type %s", requested, strings.Join(responseTypes, " "))
	}
	return requested, nil
}

func (s *Server) redirectToAction(action Action, req AuthorizationRequest, amr []string) AuthorizationOutcome {
	protected, err := s.Protector.Protect(req)
	if err != nil {
		s.Logger.Error("Failed to protect authorization request", "error", err)
		return BadRequest{Err: errInternal().WithState(req.State)}
	}
	return RedirectToAction{
		Action:           action,
		ProtectedRequest: protected,
		AmrValues:        amr,
		AcrValues:        strings.Fields(req.ACRValues),
	}
}

// withoutPrompt removes prompt values so the resumed request does not loop
func withoutPrompt(req AuthorizationRequest, remove ...string) AuthorizationRequest {
	kept := slices.DeleteFunc(strings.Fields(req.Prompt), func(p string) bool {
		return slices.Contains(remove, p)
	})
	req.Prompt = strings.Join(kept, " ")
	return req
}

func (s *Server) checkIDTokenHint(hint, subject, clientID string) *Error {
	// An expired hint still identifies the user
	claims, err := s.verifyIDToken(hint, clientID, jwt.WithoutClaimsValidation())
	if err != nil {
		s.publish(security.EventInvalidSignature, subject, clientID, map[string]any{"parameter": "id_token_hint"})
		return NewError(ErrorCodeInvalidRequest, "the id_token_hint is not valid")
	}
	sub, _ := claims.GetSubject()
	if sub != subject {
		return NewError(ErrorCodeInvalidRequest, "the current authenticated user doesn't match with the identity token")
	}
	return nil
}

func (s *Server) hasConsent(ctx context.Context, subject, clientID string, scopes []string) (bool, *Error) {
	consents, err := s.stores.Consents.GetConsentsForSubject(ctx, subject)
	if err != nil {
		s.Logger.Error("Failed to load consents", "client_id", clientID, "error", err)
		return false, errInternal()
	}
	for _, c := range consents {
		if c.ClientID == clientID && util.IsSubset(scopes, c.GrantedScopes) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Server) issueAuthorizationResponse(ctx context.Context, client *storage.Client, req AuthorizationRequest, session *Session, scopes, responseTypes []string, mode string) (*RedirectToCallback, *Error) {
	now := s.now()
	authTime := session.AuthTime
	if authTime.IsZero() {
		authTime = now
	}

	userInfo, err := s.claimsForScopes(ctx, session.Subject, scopes)
	if err != nil {
		s.Logger.Error("Failed to resolve claims", "client_id", client.ClientID, "error", err)
		return nil, errInternal()
	}
	var idClaims map[string]any
	if slices.Contains(scopes, ScopeOpenID) {
		idClaims = maps.Clone(userInfo)
		if len(session.AMR) > 0 {
			idClaims["amr"] = session.AMR
		}
	}

	params := url.Values{}

	if slices.Contains(responseTypes, ResponseTypeCode) {
		code := &storage.AuthorizationCode{
			Code:                generateRandomToken(),
			ClientID:            client.ClientID,
			Subject:             session.Subject,
			Scopes:              scopes,
			RedirectURI:         req.RedirectURI,
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: req.CodeChallengeMethod,
			Nonce:               req.Nonce,
			AuthTime:            authTime,
			IDTokenPayload:      idClaims,
			UserInfoPayload:     userInfo,
			CreatedAt:           now,
			ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
		}
		if err := s.stores.AuthorizationCodes.SaveAuthorizationCode(ctx, code); err != nil {
			s.Logger.Error("Failed to save authorization code", "client_id", client.ClientID, "error", err)
			return nil, errInternal()
		}
		params.Set("code", code.Code)
		s.publish(security.EventAuthorizationCodeIssued, session.Subject, client.ClientID, map[string]any{
			"scope": req.Scope,
		})
	}

	if slices.Contains(responseTypes, ResponseTypeToken) {
		token, oerr := s.issueToken(ctx, issueParams{
			client:   client,
			subject:  session.Subject,
			scopes:   scopes,
			authTime: authTime,
			userInfo: userInfo,
		})
		if oerr != nil {
			return nil, oerr
		}
		params.Set("access_token", token.AccessToken)
		params.Set("token_type", token.TokenType)
		params.Set("expires_in", strconv.FormatInt(token.ExpiresIn, 10))
		params.Set("scope", util.JoinScopes(token.Scopes))
	}

	if slices.Contains(responseTypes, ResponseTypeIDToken) {
		claims := maps.Clone(idClaims)
		if claims == nil {
			claims = map[string]any{}
		}
		if at := params.Get("access_token"); at != "" {
			claims["at_hash"] = halfHash(at)
		}
		if c := params.Get("code"); c != "" {
			claims["c_hash"] = halfHash(c)
		}
		idToken, oerr := s.signIDToken(issueParams{
			client:   client,
			subject:  session.Subject,
			nonce:    req.Nonce,
			authTime: authTime,
			idClaims: claims,
		}, now)
		if oerr != nil {
			return nil, oerr
		}
		params.Set("id_token", idToken)
	}

	if req.State != "" {
		params.Set("state", req.State)
	}

	return &RedirectToCallback{
		RedirectURI:  req.RedirectURI,
		ResponseMode: mode,
		Parameters:   params,
	}, nil
}

// halfHash computes at_hash and c_hash values for SHA-256 based algorithms
func halfHash(v string) string {
	sum := sha256.Sum256([]byte(v))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
