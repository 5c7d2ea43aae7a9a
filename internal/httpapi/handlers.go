package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"nexa-erp.dev/internal/access"
	"nexa-erp.dev/internal/auth"
	"nexa-erp.dev/internal/authz"
	"nexa-erp.dev/internal/obs"
)

// ReadinessChecker reports whether dependencies are reachable.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe: простая проверка готовности (ping БД). A nil DB is always ready.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// CookieConfig controls the refresh-token cookie attributes.
type CookieConfig struct {
	Secure bool
	Domain string
}

// Options wires the HTTP layer to the services it fronts.
type Options struct {
	Auth      *auth.Service
	Tenants   *authz.TenantResolver
	Engine    *access.Engine
	Admin     *access.Admin
	Ready     ReadinessChecker
	Version   string
	Cookie    CookieConfig
	Origins   []string
	RateBurst int
	RateRPS   int
}

// API: HTTP слой.
type API struct {
	mux     *http.ServeMux
	auth    *auth.Service
	tenants *authz.TenantResolver
	engine  *access.Engine
	admin   *access.Admin
	ready   ReadinessChecker
	version string
	cookie  CookieConfig
	origins []string

	authenticated []authz.Step
	member        []authz.Step
	adminOnly     []authz.Step
}

func New(opts Options) (*API, error) {
	if opts.Auth == nil || opts.Tenants == nil || opts.Engine == nil || opts.Admin == nil {
		return nil, errors.New("httpapi: auth, tenants, engine and admin are required")
	}
	if opts.Ready == nil {
		opts.Ready = ReadyProbe{}
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}
	if opts.RateRPS <= 0 {
		opts.RateRPS = 10
	}

	a := &API{
		mux:     http.NewServeMux(),
		auth:    opts.Auth,
		tenants: opts.Tenants,
		engine:  opts.Engine,
		admin:   opts.Admin,
		ready:   opts.Ready,
		version: opts.Version,
		cookie:  opts.Cookie,
		origins: opts.Origins,
	}
	a.authenticated = []authz.Step{authz.Authenticate(opts.Auth.Tokens())}
	a.member = append(a.authenticated[:len(a.authenticated):len(a.authenticated)], opts.Tenants.Step())
	a.adminOnly = append(a.member[:len(a.member):len(a.member)], authz.RequireRole(auth.RoleAdmin, ""))

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	// credential endpoints share one per-IP limiter
	authMux := http.NewServeMux()
	authMux.HandleFunc("/auth/login", a.handleLogin)
	authMux.HandleFunc("/auth/refresh", a.handleRefresh)
	authMux.HandleFunc("/auth/logout", a.handleLogout)
	authMux.HandleFunc("/auth/mfa/setup", a.protect(a.handleMFASetup, a.authenticated...))
	authMux.HandleFunc("/auth/mfa/verify", a.protect(a.handleMFAVerify, a.authenticated...))
	authMux.HandleFunc("/auth/mfa/reset", a.protect(a.handleMFAReset, a.adminOnly...))
	authMux.HandleFunc("/auth/me/permissions", a.protect(a.handleMyPermissions, a.member...))
	authMux.HandleFunc("/", notFound)
	a.mux.Handle("/auth/", RateLimit(authMux, opts.RateBurst, opts.RateRPS))

	a.mux.HandleFunc("/access-groups", a.protect(a.handleGroups, a.adminOnly...))
	a.mux.HandleFunc("/access-groups/", a.protect(a.handleGroup, a.adminOnly...))
	a.mux.HandleFunc("/users/", a.protect(a.handleUser, a.adminOnly...))
	a.mux.HandleFunc("/resources/", a.protect(a.handleResourceCheck, a.member...))

	a.mux.HandleFunc("/", notFound)
	return a, nil
}

// Handler возвращает http.Handler для сервера со всей цепочкой middleware.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h, a.origins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// protect runs the authorization pipeline before h and stores the result on
// the request context.
func (a *API) protect(h http.HandlerFunc, steps ...authz.Step) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc, err := authz.Run(r.Context(), r, steps...)
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := authz.WithRequestContext(r.Context(), rc)
		if rc.Claims != nil {
			ctx = auth.ContextWithClaims(ctx, rc.Claims)
		}
		h(w, r.WithContext(ctx))
	}
}

func requestContext(r *http.Request) authz.RequestContext {
	rc, _ := authz.FromContext(r.Context())
	return rc
}

func actorFrom(r *http.Request) (auth.Actor, bool) {
	rc := requestContext(r)
	if rc.Tenant == nil {
		return auth.Actor{}, false
	}
	return auth.Actor{UserID: rc.Tenant.UserID, CompanyID: rc.Tenant.CompanyID, Role: rc.Tenant.Role}, true
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "nexa-auth",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.SetReady(false)
		obs.Error("readiness check failed", err, map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
		})
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  "dependency unavailable",
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "nexa-auth",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
