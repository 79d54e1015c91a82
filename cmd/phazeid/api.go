package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MrEthical07/phazeid"
	"github.com/MrEthical07/phazeid/middleware"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 16

// api holds the HTTP handlers. Every handler is a thin adapter over one
// engine operation.
type api struct {
	engine *phazeid.Engine
	logger *zap.Logger
	// secureCookies sets the Secure flag on the session cookie.
	secureCookies bool
}

// request returns the audit-annotated context, session token and client IP.
func request(r *http.Request) (context.Context, string, string) {
	return middleware.WithRequestContext(r), middleware.SessionToken(r), middleware.ClientIP(r)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// fail maps an engine error onto a status code and JSON body.
func (a *api) fail(w http.ResponseWriter, err error) {
	var (
		pending  *phazeid.PendingVerificationError
		lockout  *phazeid.LockoutError
		cooldown *phazeid.CooldownError
		session  *phazeid.SessionError
	)
	switch {
	case errors.As(err, &session):
		a.logger.Debug("session rejected", zap.String("reason", string(session.Reason)))
		writeJSONError(w, http.StatusUnauthorized, phazeid.ErrSessionInvalid.Error())
	case errors.As(err, &pending):
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":        err.Error(),
			"verification": pending.Verification,
		})
	case errors.As(err, &lockout):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":  phazeid.ErrAccountLocked.Error(),
			"locked": lockout.Until,
		})
	case errors.As(err, &cooldown):
		w.Header().Set("Retry-After", strconv.Itoa(int(cooldown.Remaining.Round(time.Second).Seconds())))
		writeJSONError(w, http.StatusTooManyRequests, err.Error())
	default:
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			a.logger.Error("request failed", zap.Error(err))
			writeJSONError(w, status, "internal server error")
			return
		}
		if status == http.StatusServiceUnavailable {
			a.logger.Warn("backend unavailable", zap.Error(err))
			writeJSONError(w, status, "service unavailable")
			return
		}
		writeJSONError(w, status, err.Error())
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, phazeid.ErrValidation),
		errors.Is(err, phazeid.ErrInvalidEmail),
		errors.Is(err, phazeid.ErrVerificationCodeInvalid),
		errors.Is(err, phazeid.ErrMFACodeInvalid),
		errors.Is(err, phazeid.ErrWrongPassword),
		errors.Is(err, phazeid.ErrResetTokenInvalid),
		errors.Is(err, phazeid.ErrChallengeFailed),
		errors.Is(err, phazeid.ErrOAuthAppInvalid),
		errors.Is(err, phazeid.ErrOAuthRequestInvalid),
		errors.Is(err, phazeid.ErrOAuthCodeInvalid):
		return http.StatusBadRequest
	case errors.Is(err, phazeid.ErrInvalidCredentials),
		errors.Is(err, phazeid.ErrSessionInvalid),
		errors.Is(err, phazeid.ErrOAuthTokenInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, phazeid.ErrPermissionDenied),
		errors.Is(err, phazeid.ErrOAuthScopeDenied),
		errors.Is(err, phazeid.ErrVerificationRequired):
		return http.StatusForbidden
	case errors.Is(err, phazeid.ErrLinkedSecretNotFound):
		return http.StatusNotFound
	case errors.Is(err, phazeid.ErrUsernameTaken),
		errors.Is(err, phazeid.ErrEmailTaken),
		errors.Is(err, phazeid.ErrEmailAlreadyVerified),
		errors.Is(err, phazeid.ErrMFAAlreadyEnabled),
		errors.Is(err, phazeid.ErrMFANotEnabled),
		errors.Is(err, phazeid.ErrMFANotPending),
		errors.Is(err, phazeid.ErrDeletionNotScheduled):
		return http.StatusConflict
	case errors.Is(err, phazeid.ErrRateLimited),
		errors.Is(err, phazeid.ErrMFARateLimited),
		errors.Is(err, phazeid.ErrAccountLocked):
		return http.StatusTooManyRequests
	case errors.Is(err, phazeid.ErrStoreUnavailable),
		errors.Is(err, phazeid.ErrVaultUnavailable),
		errors.Is(err, phazeid.ErrEngineNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	health := a.engine.Health(r.Context())
	status := http.StatusOK
	if !health.StoreAvailable || !health.SessionsAvailable {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"store":              health.StoreAvailable,
		"sessions":           health.SessionsAvailable,
		"sessions_latency_s": health.SessionsLatency.Seconds(),
	})
}

// ---------------------------------------------------------------------------
// Verification
// ---------------------------------------------------------------------------

type codeBody struct {
	Code string `json:"code"`
}

func (a *api) verification(w http.ResponseWriter, r *http.Request) {
	ctx, token, ip := request(r)
	v, err := a.engine.SessionState(ctx, token, ip)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *api) verifyEmail(w http.ResponseWriter, r *http.Request) {
	var body codeBody
	if !decode(w, r, &body) {
		return
	}
	ctx, token, ip := request(r)
	v, err := a.engine.VerifyEmail(ctx, token, ip, body.Code)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *api) verifyMFA(w http.ResponseWriter, r *http.Request) {
	var body codeBody
	if !decode(w, r, &body) {
		return
	}
	ctx, token, ip := request(r)
	v, err := a.engine.VerifyMFA(ctx, token, ip, body.Code)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *api) confirmSession(w http.ResponseWriter, r *http.Request) {
	ctx, token, ip := request(r)
	v, err := a.engine.ConfirmSession(ctx, token, ip)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ---------------------------------------------------------------------------
// Account
// ---------------------------------------------------------------------------

func (a *api) profile(w http.ResponseWriter, r *http.Request) {
	ctx, token, ip := request(r)
	p, err := a.engine.Profile(ctx, token, ip)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) logout(w http.ResponseWriter, r *http.Request) {
	ctx, token, _ := request(r)
	if err := a.engine.Logout(ctx, token); err != nil {
		a.fail(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) changeUsername(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Token    string `json:"token"`
	}
	if !decode(w, r, &body) {
		return
	}
	ctx, token, ip := request(r)
	if err := a.engine.ChangeUsername(ctx, token, ip, body.Username, body.Token); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) changeEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
		Token string `json:"token"`
	}
	if !decode(w, r, &body) {
		return
	}
	ctx, token, ip := request(r)
	if err := a.engine.ChangeEmail(ctx, token, ip, body.Email, body.Token); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) verifyEmailChange(w http.ResponseWriter, r *http.Request) {
	var body codeBody
	if !decode(w, r, &body) {
		return
	}
	ctx, token, ip := request(r)
	if err := a.engine.VerifyEmailChange(ctx, token, ip, body.Code); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) changeAvatar(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string `json:"key"`
	}
	if !decode(w, r, &body) {
		return
	}
	ctx, token, ip := request(r)
	if err := a.engine.ChangeAvatar(ctx, token, ip, body.Key); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) enableMFA(w http.ResponseWriter, r *http.Request) {
	ctx, token, ip := request(r)
	enrollment, err := a.engine.BeginMFAEnrollment(ctx, token, ip)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

func (a *api) confirmMFA(w http.ResponseWriter, r *http.Request) {
	var body codeBody
	if !decode(w, r, &body) {
		return
	}
	ctx, token, ip := request(r)
	codes, err := a.engine.ConfirmMFAEnrollment(ctx, token, ip, body.Code)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"backup_codes": codes})
}

func (a *api) disableMFA(w http.ResponseWriter, r *http.Request) {
	var body codeBody
	if !decode(w, r, &body) {
		return
	}
	ctx, token, ip := request(r)
	if err := a.engine.DisableMFA(ctx, token, ip, body.Code); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) sessions(w http.ResponseWriter, r *http.Request) {
	ctx, token, ip := request(r)
	list, err := a.engine.ListSessions(ctx, token, ip)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *api) revokeSession(w http.ResponseWriter, r *http.Request) {
	ctx, token, ip := request(r)
	if err := a.engine.RevokeSession(ctx, token, ip, mux.Vars(r)["id"]); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) deleteAccount(w http.ResponseWriter, r *http.Request) {
	ctx, token, ip := request(r)
	if err := a.engine.ScheduleDeletion(ctx, token, ip); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) restoreAccount(w http.ResponseWriter, r *http.Request) {
	ctx, token, ip := request(r)
	if err := a.engine.RestoreAccount(ctx, token, ip); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) deletionState(w http.ResponseWriter, r *http.Request) {
	ctx, token, ip := request(r)
	st, err := a.engine.DeletionState(ctx, token, ip)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) grants(w http.ResponseWriter, r *http.Request) {
	ctx, token, ip := request(r)
	list, err := a.engine.ListGrants(ctx, token, ip)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *api) revokeGrant(w http.ResponseWriter, r *http.Request) {
	ctx, token, ip := request(r)
	if err := a.engine.RevokeGrant(ctx, token, ip, mux.Vars(r)["id"]); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) removeApp(w http.ResponseWriter, r *http.Request) {
	ctx, token, ip := request(r)
	if err := a.engine.RemoveApp(ctx, token, ip, mux.Vars(r)["id"]); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type linkedSecretBody struct {
	Secret string `json:"secret"`
}

func (a *api) linkedSecret(w http.ResponseWriter, r *http.Request) {
	ctx, token, ip := request(r)
	secret, err := a.engine.LinkedSecret(ctx, token, ip, mux.Vars(r)["name"])
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, linkedSecretBody{Secret: string(secret)})
}

func (a *api) setLinkedSecret(w http.ResponseWriter, r *http.Request) {
	var body linkedSecretBody
	if !decode(w, r, &body) {
		return
	}
	ctx, token, ip := request(r)
	if err := a.engine.SetLinkedSecret(ctx, token, ip, mux.Vars(r)["name"], []byte(body.Secret)); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) removeLinkedSecret(w http.ResponseWriter, r *http.Request) {
	ctx, token, ip := request(r)
	if err := a.engine.RemoveLinkedSecret(ctx, token, ip, mux.Vars(r)["name"]); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// OAuth
// ---------------------------------------------------------------------------

// bearer returns the Authorization bearer credential: an application key
// or an access token depending on the route.
func bearer(r *http.Request) string {
	const bearer = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(bearer) || h[:len(bearer)] != bearer {
		return ""
	}
	return h[len(bearer):]
}

func (a *api) describeApp(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	info, err := a.engine.DescribeApp(r.Context(), q.Get("client_id"), q.Get("redirect_uri"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *api) authorize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	q := r.URL.Query()
	ctx, token, ip := request(r)
	code, err := a.engine.Authorize(ctx, token, ip, phazeid.AuthorizeRequest{
		ClientID:     q.Get("client_id"),
		RedirectURI:  q.Get("redirect_uri"),
		ResponseType: q.Get("response_type"),
		Scope:        q.Get("scope"),
		Challenge:    body.Token,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

func (a *api) token(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp, err := a.engine.Exchange(r.Context(), phazeid.TokenRequest{
		GrantType:    q.Get("grant_type"),
		Code:         q.Get("code"),
		ClientID:     q.Get("client_id"),
		ClientSecret: bearer(r),
		RedirectURI:  q.Get("redirect_uri"),
	})
	if err != nil {
		var oauthErr *phazeid.OAuthError
		if errors.As(err, &oauthErr) {
			a.logger.Debug("token exchange rejected", zap.String("reason", oauthErr.Reason))
		}
		a.fail(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) oauthProfile(w http.ResponseWriter, r *http.Request) {
	p, err := a.engine.OAuthProfile(r.Context(), bearer(r))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) toDelete(w http.ResponseWriter, r *http.Request) {
	ids, err := a.engine.PendingDataDeletion(r.Context(), r.URL.Query().Get("client_id"), bearer(r))
	if err != nil {
		a.fail(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// ---------------------------------------------------------------------------
// Developer
// ---------------------------------------------------------------------------

type appView struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	AllowSkip    bool     `json:"allow_skip"`
	RedirectURIs []string `json:"redirect_uris"`
	CreatedAt    int64    `json:"created_on"`
}

func (a *api) addApp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name         string   `json:"name"`
		RedirectURIs []string `json:"redirect_uris"`
		AllowSkip    bool     `json:"allow_skip"`
	}
	if !decode(w, r, &body) {
		return
	}
	ctx, token, ip := request(r)
	reg, err := a.engine.RegisterApp(ctx, token, ip, body.Name, body.RedirectURIs, body.AllowSkip)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (a *api) apps(w http.ResponseWriter, r *http.Request) {
	ctx, token, ip := request(r)
	list, err := a.engine.ListApps(ctx, token, ip)
	if err != nil {
		a.fail(w, err)
		return
	}
	out := make([]appView, 0, len(list))
	for _, app := range list {
		out = append(out, appView{
			ID:           app.ID,
			Name:         app.Name,
			AllowSkip:    app.AllowSkip,
			RedirectURIs: app.RedirectURIs,
			CreatedAt:    app.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
