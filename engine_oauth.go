package phazeid

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/MrEthical07/phazeid/internal"
	"github.com/MrEthical07/phazeid/store"
	"go.uber.org/zap"
)

// OAuth response and grant types.
const (
	ResponseTypeCode     = "code"
	ResponseTypeCodeSkip = "code_skip"

	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"

	TokenTypeBearer = "Bearer"

	// ScopeIdentify grants read access to the public profile.
	ScopeIdentify = "identify"
)

const maxAppNameLength = 50

// AuthorizeRequest is an authorization request made by a signed-in user.
type AuthorizeRequest struct {
	ClientID     string
	RedirectURI  string
	ResponseType string
	// Scope is a comma separated scope list.
	Scope string
	// Challenge is the captcha token required by the "code" response type.
	Challenge string
}

// TokenRequest is a code or refresh token exchange made by an application.
type TokenRequest struct {
	GrantType string
	// Code is the authorization code or, for refresh_token, the refresh token.
	Code         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// TokenResponse is the result of a successful exchange.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
}

// AppRegistration is returned once by RegisterApp. Key is not stored.
type AppRegistration struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Key  string `json:"key"`
}

// AppInfo is the consent screen view of an application.
type AppInfo struct {
	Name      string `json:"name"`
	AllowSkip bool   `json:"allow_skip"`
}

// GrantInfo is the user's view of one OAuth session.
type GrantInfo struct {
	ID        string   `json:"id"`
	AppID     string   `json:"app_id"`
	AppName   string   `json:"app_name"`
	Scopes    []string `json:"scopes"`
	CreatedAt int64    `json:"created_on"`
	ExpiresAt int64    `json:"expires_on"`
}

// RegisterApp creates an OAuth application owned by the caller. The caller
// needs the OAuth.RegisterPermission permission through one of its roles.
func (e *Engine) RegisterApp(ctx context.Context, token, ip, name string, redirectURIs []string, allowSkip bool) (*AppRegistration, error) {
	user, sess, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return nil, err
	}
	if !e.roleManager.Allows(user.Roles, e.config.OAuth.RegisterPermission) {
		e.emitAudit(ctx, auditEventOAuthAppRegistered, false, user.ID, sess.ID, ErrPermissionDenied, nil)
		return nil, ErrPermissionDenied
	}
	if name == "" || len(name) > maxAppNameLength {
		return nil, &ValidationError{Field: "name", Reason: "length"}
	}
	if len(redirectURIs) == 0 {
		return nil, &ValidationError{Field: "redirect_uris", Reason: "empty"}
	}
	for _, raw := range redirectURIs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" || u.Fragment != "" {
			return nil, &ValidationError{Field: "redirect_uris", Reason: "invalid uri"}
		}
	}

	secret, err := internal.NewSecret()
	if err != nil {
		return nil, err
	}
	hash, err := e.passwordHash.Hash(secret)
	if err != nil {
		return nil, err
	}
	app := &store.App{
		ID:           internal.NewID(),
		Name:         name,
		AllowSkip:    allowSkip,
		KeyHash:      hash,
		RedirectURIs: append([]string(nil), redirectURIs...),
		OwnerID:      user.ID,
		CreatedAt:    e.unixNow(),
	}
	if err := e.store.CreateApp(ctx, app); err != nil {
		return nil, unavailable(err)
	}

	e.emitAudit(ctx, auditEventOAuthAppRegistered, true, user.ID, sess.ID, nil, func() map[string]string {
		return map[string]string{"app_id": app.ID}
	})
	return &AppRegistration{ID: app.ID, Name: app.Name, Key: internal.JoinToken(app.ID, secret)}, nil
}

// ListApps returns the applications owned by the caller.
func (e *Engine) ListApps(ctx context.Context, token, ip string) ([]*store.App, error) {
	user, _, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return nil, err
	}
	apps, err := e.store.AppsByOwner(ctx, user.ID)
	if err != nil {
		return nil, unavailable(err)
	}
	for _, a := range apps {
		a.KeyHash = ""
	}
	return apps, nil
}

// DescribeApp validates clientID and redirectURI and returns what the
// consent screen shows.
func (e *Engine) DescribeApp(ctx context.Context, clientID, redirectURI string) (*AppInfo, error) {
	app, err := e.lookupApp(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !app.HasRedirect(redirectURI) {
		return nil, ErrOAuthAppInvalid
	}
	return &AppInfo{Name: app.Name, AllowSkip: app.AllowSkip}, nil
}

// Authorize issues a short-lived authorization code for the caller. Any
// earlier unused authorization code for the same application is replaced.
func (e *Engine) Authorize(ctx context.Context, token, ip string, req AuthorizeRequest) (string, error) {
	user, sess, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return "", err
	}
	if req.ResponseType != ResponseTypeCode && req.ResponseType != ResponseTypeCodeSkip {
		return "", ErrOAuthRequestInvalid
	}

	app, err := e.lookupApp(ctx, req.ClientID)
	if err != nil {
		return "", err
	}
	if !app.HasRedirect(req.RedirectURI) {
		return "", ErrOAuthAppInvalid
	}

	if req.ResponseType == ResponseTypeCodeSkip {
		if !app.AllowSkip {
			return "", ErrOAuthRequestInvalid
		}
	} else if err := e.verifyChallenge(ctx, req.Challenge, ip); err != nil {
		return "", err
	}

	scopes, err := e.parseScopes(req.Scope)
	if err != nil {
		return "", err
	}

	secret, err := internal.NewSecret()
	if err != nil {
		return "", err
	}
	hash, err := e.passwordHash.Hash(secret)
	if err != nil {
		return "", err
	}
	now := e.now()
	code := &store.Code{
		ID:          internal.NewID(),
		SecretHash:  hash,
		AppID:       app.ID,
		RedirectURI: req.RedirectURI,
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(e.config.OAuth.CodeTTL).Unix(),
		Refresh:     false,
		UserID:      user.ID,
		Scopes:      scopes,
	}
	if err := e.store.ReplaceCode(ctx, code); err != nil {
		return "", unavailable(err)
	}
	if err := e.store.AddAllowedApp(ctx, user.ID, app.ID); err != nil {
		return "", unavailable(err)
	}

	e.metricInc(MetricOAuthAuthorize)
	e.emitAudit(ctx, auditEventOAuthAuthorize, true, user.ID, sess.ID, nil, func() map[string]string {
		return map[string]string{"app_id": app.ID, "scope": strings.Join(scopes, ",")}
	})
	return internal.JoinToken(code.ID, secret), nil
}

// Exchange trades an authorization code or refresh token for an access
// token. Every rejection is reported as ErrOAuthCodeInvalid; a code can be
// exchanged at most once.
func (e *Engine) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
	case GrantTypeRefreshToken:
		if !e.config.OAuth.EnableRefresh {
			return nil, e.exchangeFailed(ctx, "", "refresh_disabled")
		}
	default:
		return nil, e.exchangeFailed(ctx, "", "unsupported_grant_type")
	}

	app, err := e.lookupApp(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			return nil, err
		}
		return nil, e.exchangeFailed(ctx, "", "unknown_client")
	}
	if !app.HasRedirect(req.RedirectURI) {
		return nil, e.exchangeFailed(ctx, "", "redirect_not_registered")
	}
	if !e.appKeyMatches(app, req.ClientSecret) {
		return nil, e.exchangeFailed(ctx, "", "bad_client_secret")
	}

	codeID, secret, err := internal.SplitToken(req.Code)
	if err != nil {
		return nil, e.exchangeFailed(ctx, "", "malformed_code")
	}
	code, err := e.store.CodeByID(ctx, codeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, e.exchangeFailed(ctx, "", "unknown_code")
		}
		return nil, unavailable(err)
	}

	now := e.now()
	if code.ExpiresAt < now.Unix() {
		if _, err := e.store.ConsumeCode(ctx, code.ID); err != nil {
			e.logger.Warn("delete expired oauth code", zap.String("user_id", code.UserID), zap.Error(err))
		}
		return nil, e.exchangeFailed(ctx, code.UserID, "expired_code")
	}
	if code.Refresh != (req.GrantType == GrantTypeRefreshToken) {
		return nil, e.exchangeFailed(ctx, code.UserID, "grant_type_mismatch")
	}
	if code.AppID != app.ID || code.RedirectURI != req.RedirectURI {
		return nil, e.exchangeFailed(ctx, code.UserID, "client_mismatch")
	}
	ok, err := e.passwordHash.Verify(secret, code.SecretHash)
	if err != nil || !ok {
		return nil, e.exchangeFailed(ctx, code.UserID, "secret_mismatch")
	}

	consumed, err := e.store.ConsumeCode(ctx, code.ID)
	if err != nil {
		return nil, unavailable(err)
	}
	if !consumed {
		return nil, e.exchangeFailed(ctx, code.UserID, "code_already_used")
	}

	user, err := e.store.UserByID(ctx, code.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, e.exchangeFailed(ctx, code.UserID, "user_gone")
		}
		return nil, unavailable(err)
	}
	if deletionElapsed(user, now.Unix()) {
		return nil, e.exchangeFailed(ctx, code.UserID, "user_gone")
	}

	accessSecret, err := internal.NewSecret()
	if err != nil {
		return nil, err
	}
	accessHash, err := e.passwordHash.Hash(accessSecret)
	if err != nil {
		return nil, err
	}
	grant := &store.Grant{
		ID:         internal.NewID(),
		SecretHash: accessHash,
		CreatedAt:  now.Unix(),
		ExpiresAt:  now.Add(e.config.OAuth.GrantTTL).Unix(),
		AppID:      app.ID,
		AppName:    app.Name,
		UserID:     user.ID,
		Scopes:     code.Scopes,
	}
	if err := e.store.ReplaceGrant(ctx, grant); err != nil {
		return nil, unavailable(err)
	}

	resp := &TokenResponse{
		AccessToken: internal.JoinToken(grant.ID, accessSecret),
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(e.config.OAuth.GrantTTL.Seconds()),
		Scope:       strings.Join(code.Scopes, ","),
	}

	if e.config.OAuth.EnableRefresh {
		refreshSecret, err := internal.NewSecret()
		if err != nil {
			return nil, err
		}
		refreshHash, err := e.passwordHash.Hash(refreshSecret)
		if err != nil {
			return nil, err
		}
		refresh := &store.Code{
			ID:          internal.NewID(),
			SecretHash:  refreshHash,
			AppID:       app.ID,
			RedirectURI: req.RedirectURI,
			CreatedAt:   now.Unix(),
			ExpiresAt:   now.Add(e.config.OAuth.RefreshCodeTTL).Unix(),
			Refresh:     true,
			UserID:      user.ID,
			Scopes:      code.Scopes,
		}
		if err := e.store.ReplaceCode(ctx, refresh); err != nil {
			return nil, unavailable(err)
		}
		resp.RefreshToken = internal.JoinToken(refresh.ID, refreshSecret)
	} else if err := e.store.DeleteUserAppCodes(ctx, user.ID, app.ID); err != nil {
		return nil, unavailable(err)
	}

	e.metricInc(MetricOAuthExchangeSuccess)
	e.emitAudit(ctx, auditEventOAuthExchange, true, user.ID, grant.ID, nil, func() map[string]string {
		return map[string]string{"app_id": app.ID, "grant_type": req.GrantType}
	})
	return resp, nil
}

func (e *Engine) exchangeFailed(ctx context.Context, userID, reason string) error {
	err := &OAuthError{Reason: reason}
	e.metricInc(MetricOAuthExchangeFailure)
	e.logger.Debug("oauth exchange rejected", zap.String("user_id", userID), zap.String("reason", reason))
	e.emitAudit(ctx, auditEventOAuthExchange, false, userID, "", err, func() map[string]string {
		return map[string]string{"reason": reason}
	})
	return err
}

// ResolveAccessToken authenticates an OAuth access token and checks that
// it was granted scope.
func (e *Engine) ResolveAccessToken(ctx context.Context, token, scope string) (*store.User, *store.Grant, error) {
	if e == nil {
		return nil, nil, ErrEngineNotReady
	}

	id, secret, err := internal.SplitToken(strings.TrimPrefix(token, TokenTypeBearer+" "))
	if err != nil {
		return nil, nil, e.tokenRejected(ErrOAuthTokenInvalid)
	}
	grant, err := e.store.GrantByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, e.tokenRejected(ErrOAuthTokenInvalid)
		}
		return nil, nil, unavailable(err)
	}

	now := e.unixNow()
	if grant.ExpiresAt < now {
		if err := e.store.DeleteGrant(ctx, grant.ID); err != nil {
			e.logger.Warn("delete expired grant", zap.String("user_id", grant.UserID), zap.Error(err))
		}
		return nil, nil, e.tokenRejected(ErrOAuthTokenInvalid)
	}
	ok, err := e.passwordHash.Verify(secret, grant.SecretHash)
	if err != nil || !ok {
		return nil, nil, e.tokenRejected(ErrOAuthTokenInvalid)
	}
	if scope != "" && !grant.HasScope(scope) {
		return nil, nil, e.tokenRejected(ErrOAuthScopeDenied)
	}

	user, err := e.store.UserByID(ctx, grant.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, e.tokenRejected(ErrOAuthTokenInvalid)
		}
		return nil, nil, unavailable(err)
	}
	if deletionElapsed(user, now) {
		return nil, nil, e.tokenRejected(ErrOAuthTokenInvalid)
	}
	return user, grant, nil
}

func (e *Engine) tokenRejected(err error) error {
	e.metricInc(MetricOAuthTokenRejected)
	return err
}

// OAuthProfile returns the profile visible to an application holding the
// identify scope.
func (e *Engine) OAuthProfile(ctx context.Context, accessToken string) (*Profile, error) {
	user, _, err := e.ResolveAccessToken(ctx, accessToken, ScopeIdentify)
	if err != nil {
		return nil, err
	}
	return &Profile{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		Avatar:   user.Avatar,
	}, nil
}

// ListGrants returns the caller's OAuth sessions.
func (e *Engine) ListGrants(ctx context.Context, token, ip string) ([]GrantInfo, error) {
	user, _, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return nil, err
	}
	grants, err := e.store.UserGrants(ctx, user.ID)
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]GrantInfo, 0, len(grants))
	for _, g := range grants {
		out = append(out, GrantInfo{
			ID:        g.ID,
			AppID:     g.AppID,
			AppName:   g.AppName,
			Scopes:    g.Scopes,
			CreatedAt: g.CreatedAt,
			ExpiresAt: g.ExpiresAt,
		})
	}
	return out, nil
}

// RevokeGrant ends one of the caller's OAuth sessions.
func (e *Engine) RevokeGrant(ctx context.Context, token, ip, grantID string) error {
	user, sess, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return err
	}
	grant, err := e.ownedGrant(ctx, user.ID, grantID)
	if err != nil {
		return err
	}
	if err := e.store.DeleteGrant(ctx, grant.ID); err != nil {
		return unavailable(err)
	}
	e.emitAudit(ctx, auditEventOAuthGrantRevoked, true, user.ID, sess.ID, nil, func() map[string]string {
		return map[string]string{"grant_id": grant.ID, "app_id": grant.AppID}
	})
	return nil
}

// RemoveApp withdraws the caller's consent for the application behind one
// of its grants. The application is asked to delete the user's data.
func (e *Engine) RemoveApp(ctx context.Context, token, ip, grantID string) error {
	user, sess, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return err
	}
	grant, err := e.ownedGrant(ctx, user.ID, grantID)
	if err != nil {
		return err
	}
	if err := e.store.DeleteUserAppGrants(ctx, user.ID, grant.AppID); err != nil {
		return unavailable(err)
	}
	if err := e.store.DeleteUserAppCodes(ctx, user.ID, grant.AppID); err != nil {
		return unavailable(err)
	}
	if err := e.store.RevokeAllowedApp(ctx, user.ID, grant.AppID); err != nil {
		return unavailable(err)
	}
	e.emitAudit(ctx, auditEventOAuthAppRemoved, true, user.ID, sess.ID, nil, func() map[string]string {
		return map[string]string{"app_id": grant.AppID}
	})
	return nil
}

// PendingDataDeletion lists the users that removed the application and
// whose data it must delete. The application authenticates with its key.
func (e *Engine) PendingDataDeletion(ctx context.Context, clientID, key string) ([]string, error) {
	app, err := e.lookupApp(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !e.appKeyMatches(app, key) {
		return nil, ErrOAuthAppInvalid
	}
	ids, err := e.store.UsersPendingAppDeletion(ctx, app.ID)
	if err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}

func (e *Engine) ownedGrant(ctx context.Context, userID, grantID string) (*store.Grant, error) {
	if !internal.ValidID(grantID) {
		return nil, ErrOAuthTokenInvalid
	}
	grant, err := e.store.GrantByID(ctx, grantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrOAuthTokenInvalid
		}
		return nil, unavailable(err)
	}
	if grant.UserID != userID {
		return nil, ErrOAuthTokenInvalid
	}
	return grant, nil
}

func (e *Engine) lookupApp(ctx context.Context, clientID string) (*store.App, error) {
	if !internal.ValidID(clientID) {
		return nil, ErrOAuthAppInvalid
	}
	app, err := e.store.AppByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrOAuthAppInvalid
		}
		return nil, unavailable(err)
	}
	return app, nil
}

// appKeyMatches verifies an application key of the form {appID}{secret}.
func (e *Engine) appKeyMatches(app *store.App, key string) bool {
	id, secret, err := internal.SplitToken(strings.TrimPrefix(key, TokenTypeBearer+" "))
	if err != nil || id != app.ID {
		e.passwordHash.VerifyDummy(key)
		return false
	}
	ok, err := e.passwordHash.Verify(secret, app.KeyHash)
	return err == nil && ok
}

// parseScopes splits a comma separated scope list and checks every entry
// against OAuth.Scopes.
func (e *Engine) parseScopes(raw string) ([]string, error) {
	if raw == "" {
		return nil, ErrOAuthRequestInvalid
	}
	allowed := make(map[string]struct{}, len(e.config.OAuth.Scopes))
	for _, s := range e.config.OAuth.Scopes {
		allowed[s] = struct{}{}
	}

	var out []string
	seen := make(map[string]struct{})
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if _, ok := allowed[s]; !ok {
			return nil, ErrOAuthRequestInvalid
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}
