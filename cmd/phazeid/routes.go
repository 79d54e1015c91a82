package main

import (
	"net/http"

	"github.com/MrEthical07/phazeid"
	"github.com/MrEthical07/phazeid/metrics/export/prometheus"
	"github.com/MrEthical07/phazeid/middleware"
	"github.com/MrEthical07/phazeid/transport/ws"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// routerOptions carries the process settings the router needs.
type routerOptions struct {
	AllowedOrigins []string
	SecureCookies  bool
	Logger         *zap.Logger
}

// newRouter wires every HTTP route onto engine. The returned handler
// already carries recovery, access logging and CORS.
func newRouter(engine *phazeid.Engine, opts routerOptions) (http.Handler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tunnelServer, err := engine.TunnelServer()
	if err != nil {
		return nil, err
	}

	a := &api{engine: engine, logger: logger, secureCookies: opts.SecureCookies}
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nothing to see here", http.StatusNotFound)
	})

	router.Handle("/metrics", prometheus.NewPrometheusExporter(engine).Handler()).Methods(http.MethodGet)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", a.status).Methods(http.MethodGet)
	v1.Handle("/auth/tunnel", ws.Handler(tunnelServer, ws.Options{
		AllowedOrigins: opts.AllowedOrigins,
		ClientIP:       middleware.ClientIP,
		Logger:         logger.Named("tunnel"),
	})).Methods(http.MethodGet)

	// Verification runs on pending sessions.
	v1.HandleFunc("/verification", a.verification).Methods(http.MethodGet)
	v1.HandleFunc("/verification/verify_email", a.verifyEmail).Methods(http.MethodPost)
	v1.HandleFunc("/verification/verify_mfa", a.verifyMFA).Methods(http.MethodPost)
	v1.HandleFunc("/verification/verify", a.confirmSession).Methods(http.MethodPost)

	v1.HandleFunc("/profile", a.profile).Methods(http.MethodGet)

	account := v1.PathPrefix("/account").Subrouter()
	account.Use(middleware.RequireVerifiedSession(engine))
	account.HandleFunc("/logout", a.logout).Methods(http.MethodGet)
	account.HandleFunc("/change_username", a.changeUsername).Methods(http.MethodPut)
	account.HandleFunc("/change_email", a.changeEmail).Methods(http.MethodPut)
	account.HandleFunc("/change_email/verify", a.verifyEmailChange).Methods(http.MethodPut)
	account.HandleFunc("/change_avatar", a.changeAvatar).Methods(http.MethodPut)
	account.HandleFunc("/enable_mfa", a.enableMFA).Methods(http.MethodGet)
	account.HandleFunc("/confirm_mfa", a.confirmMFA).Methods(http.MethodPut)
	account.HandleFunc("/disable_mfa", a.disableMFA).Methods(http.MethodDelete)
	account.HandleFunc("/sessions", a.sessions).Methods(http.MethodGet)
	account.HandleFunc("/sessions/{id}", a.revokeSession).Methods(http.MethodDelete)
	account.HandleFunc("/delete", a.deleteAccount).Methods(http.MethodDelete)
	account.HandleFunc("/restore", a.restoreAccount).Methods(http.MethodPut)
	account.HandleFunc("/deletion_state", a.deletionState).Methods(http.MethodGet)
	account.HandleFunc("/oauth", a.grants).Methods(http.MethodGet)
	account.HandleFunc("/oauth/{id}", a.revokeGrant).Methods(http.MethodDelete)
	account.HandleFunc("/oauth/{id}/app", a.removeApp).Methods(http.MethodDelete)
	account.HandleFunc("/linked/{name}", a.linkedSecret).Methods(http.MethodGet)
	account.HandleFunc("/linked/{name}", a.setLinkedSecret).Methods(http.MethodPut)
	account.HandleFunc("/linked/{name}", a.removeLinkedSecret).Methods(http.MethodDelete)

	oauth := v1.PathPrefix("/oauth").Subrouter()
	oauth.HandleFunc("/app", a.describeApp).Methods(http.MethodGet)
	oauth.HandleFunc("/authorize", a.authorize).Methods(http.MethodPut)
	oauth.HandleFunc("/token", a.token).Methods(http.MethodGet, http.MethodPost)
	oauth.HandleFunc("/profile", a.oauthProfile).Methods(http.MethodGet)
	oauth.HandleFunc("/to_delete", a.toDelete).Methods(http.MethodGet)

	dev := v1.PathPrefix("/dev").Subrouter()
	dev.Use(middleware.RequireVerifiedSession(engine))
	dev.HandleFunc("/add_app", a.addApp).Methods(http.MethodPut)
	dev.HandleFunc("/apps", a.apps).Methods(http.MethodGet)

	accessLog := zap.NewStdLog(logger.Named("http")).Writer()
	var h http.Handler = router
	h = handlers.CORS(
		handlers.AllowedOrigins(opts.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(h)
	h = handlers.CombinedLoggingHandler(accessLog, h)
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(logger.Named("recovery"))),
		handlers.PrintRecoveryStack(false),
	)(h)
	return h, nil
}
