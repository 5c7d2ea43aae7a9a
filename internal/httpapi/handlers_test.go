package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"nexa-erp.dev/internal/access"
	"nexa-erp.dev/internal/auth"
	"nexa-erp.dev/internal/authz"
	"nexa-erp.dev/internal/store/memory"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testPassword = "correct horse battery"

	companyA = "11111111-1111-4111-8111-111111111111"
	companyB = "22222222-2222-4222-8222-222222222222"

	adminID = "aaaaaaaa-0000-4000-8000-000000000001"
	staffID = "aaaaaaaa-0000-4000-8000-000000000002"
	otherID = "aaaaaaaa-0000-4000-8000-000000000003"
)

var (
	hashOnce     sync.Once
	passwordHash string
)

func testPasswordHash(t *testing.T) string {
	t.Helper()
	hashOnce.Do(func() {
		h, err := auth.HashPassword(testPassword)
		if err != nil {
			t.Fatalf("hash password: %v", err)
		}
		passwordHash = h
	})
	return passwordHash
}

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *memory.Store
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	store := memory.New()
	hash := testPasswordHash(t)
	store.PutCompany(auth.Company{ID: companyA, Name: "Acme", IsActive: true})
	store.PutCompany(auth.Company{ID: companyB, Name: "Globex", IsActive: true})
	for _, u := range []struct {
		id, email, company string
		role               auth.Role
	}{
		{adminID, "admin@nexa.test", companyA, auth.RoleAdmin},
		{staffID, "staff@nexa.test", companyA, auth.RoleStaff},
		{otherID, "other@nexa.test", companyB, auth.RoleStaff},
	} {
		store.PutUser(auth.Identity{
			ID:               u.id,
			Email:            u.email,
			PasswordHash:     hash,
			IsActive:         true,
			DefaultCompanyID: u.company,
		})
		store.Assign(auth.RoleAssignment{UserID: u.id, CompanyID: u.company, Role: u.role})
	}
	store.PutResource(access.Resource{Code: "sales.orders", Module: "sales"})
	store.PutResource(access.Resource{Code: "finance.invoices", Module: "finance"})

	tokens, err := auth.NewTokens(testSecret)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	engine, err := access.NewEngine(store, access.NewCache(100))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	svc, err := auth.NewService(store, tokens, auth.WithModuleResolver(engine))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	admin, err := access.NewAdmin(store, engine, nil)
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	api, err := New(Options{
		Auth:      svc,
		Tenants:   authz.NewTenantResolver(store, engine),
		Engine:    engine,
		Admin:     admin,
		Version:   "test",
		RateBurst: 1000,
		RateRPS:   1000,
	})
	if err != nil {
		t.Fatalf("new api: %v", err)
	}

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), store: store, t: t}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string, cookies ...*http.Cookie) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for _, ck := range cookies {
		req.AddCookie(&http.Cookie{Name: ck.Name, Value: ck.Value})
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

type loginData struct {
	AccessToken string            `json:"accessToken"`
	ExpiresIn   int64             `json:"expiresIn"`
	TokenType   string            `json:"tokenType"`
	RequiresMFA bool              `json:"requiresMfa"`
	User        *auth.SessionUser `json:"user"`
}

type response[T any] struct {
	Success bool       `json:"success"`
	Data    T          `json:"data"`
	Error   *errorBody `json:"error"`
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		body := decode[map[string]any](t, resp)
		t.Fatalf("status %d, want %d: %v", resp.StatusCode, status, body)
	}
	env := decode[response[any]](t, resp)
	if env.Success || env.Error == nil || env.Error.Code != code {
		t.Fatalf("unexpected error envelope: %+v", env)
	}
}

func findCookie(resp *http.Response) *http.Cookie {
	for _, ck := range resp.Cookies() {
		if ck.Name == refreshCookieName {
			return ck
		}
	}
	return nil
}

func (c *apiClient) login(email string) (string, *http.Cookie) {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/auth/login", map[string]any{"email": email, "password": testPassword}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("login %s: status %d", email, resp.StatusCode)
	}
	ck := findCookie(resp)
	env := decode[response[loginData]](c.t, resp)
	if env.Data.AccessToken == "" || ck == nil {
		c.t.Fatalf("login %s: missing token or cookie", email)
	}
	return env.Data.AccessToken, ck
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestLoginRefreshLogoutFlow(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/auth/login", map[string]any{"email": "Admin@Nexa.test", "password": testPassword}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}
	ck := findCookie(resp)
	if ck == nil {
		t.Fatal("expected refresh cookie")
	}
	if !ck.HttpOnly || ck.SameSite != http.SameSiteStrictMode || ck.Path != "/auth" {
		t.Fatalf("unexpected cookie attributes: %+v", ck)
	}
	if ck.MaxAge != int((7 * 24 * time.Hour).Seconds()) {
		t.Fatalf("unexpected cookie max-age: %d", ck.MaxAge)
	}
	raw := decode[map[string]any](t, resp)
	if strings.Contains(mustJSON(t, raw), ck.Value) {
		t.Fatal("refresh secret leaked into response body")
	}
	data := raw["data"].(map[string]any)
	if data["tokenType"] != "Bearer" || data["expiresIn"] != float64(900) {
		t.Fatalf("unexpected login data: %v", data)
	}
	user := data["user"].(map[string]any)
	if user["role"] != "ADMIN" || user["tenantId"] != companyA || user["email"] != "admin@nexa.test" {
		t.Fatalf("unexpected user: %v", user)
	}

	// rotate
	resp = c.do(http.MethodPost, "/auth/refresh", nil, nil, ck)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status %d", resp.StatusCode)
	}
	rotated := findCookie(resp)
	env := decode[response[loginData]](t, resp)
	if rotated == nil || rotated.Value == ck.Value || env.Data.AccessToken == "" {
		t.Fatal("expected a rotated refresh cookie and new access token")
	}

	// the old secret is spent
	resp = c.do(http.MethodPost, "/auth/refresh", nil, nil, ck)
	expectError(t, resp, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN")

	// logout twice, both succeed and clear the cookie
	for i := 0; i < 2; i++ {
		resp = c.do(http.MethodPost, "/auth/logout", nil, nil, rotated)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("logout #%d status %d", i+1, resp.StatusCode)
		}
		cleared := findCookie(resp)
		if cleared == nil || cleared.MaxAge != -1 {
			t.Fatalf("logout #%d did not clear cookie: %+v", i+1, cleared)
		}
		resp.Body.Close()
	}
	resp = c.do(http.MethodPost, "/auth/refresh", nil, nil, rotated)
	expectError(t, resp, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN")
}

func TestLoginFailures(t *testing.T) {
	c := newTestAPI(t)

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"wrong password", map[string]any{"email": "admin@nexa.test", "password": "nope-nope"}, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{"unknown user", map[string]any{"email": "ghost@nexa.test", "password": "nope-nope"}, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{"bad mfa token", map[string]any{"email": "admin@nexa.test", "password": testPassword, "mfaToken": "12ab"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad email", map[string]any{"email": "not-an-email", "password": testPassword}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown field", map[string]any{"email": "admin@nexa.test", "password": testPassword, "role": "SUPER_ADMIN"}, http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := c.do(http.MethodPost, "/auth/login", tc.body, nil)
			if findCookie(resp) != nil {
				t.Fatal("failed login must not set a cookie")
			}
			expectError(t, resp, tc.status, tc.code)
		})
	}
}

func TestLoginLockout(t *testing.T) {
	c := newTestAPI(t)
	body := map[string]any{"email": "staff@nexa.test", "password": "wrong-password"}
	for i := 0; i < 5; i++ {
		expectError(t, c.do(http.MethodPost, "/auth/login", body, nil), http.StatusUnauthorized, "INVALID_CREDENTIALS")
	}
	// even the right password is refused while locked
	good := map[string]any{"email": "staff@nexa.test", "password": testPassword}
	expectError(t, c.do(http.MethodPost, "/auth/login", good, nil), http.StatusLocked, "ACCOUNT_LOCKED")
}

func TestTenantResolution(t *testing.T) {
	c := newTestAPI(t)
	token, _ := c.login("admin@nexa.test")

	resp := c.do(http.MethodGet, "/auth/me/permissions", nil, nil)
	expectError(t, resp, http.StatusUnauthorized, "UNAUTHORIZED")

	resp = c.do(http.MethodGet, "/auth/me/permissions", nil, map[string]string{"Authorization": "Bearer garbage"})
	expectError(t, resp, http.StatusUnauthorized, "INVALID_TOKEN")

	h := bearer(token)
	h[authz.CompanyHeader] = "not-a-uuid"
	expectError(t, c.do(http.MethodGet, "/auth/me/permissions", nil, h), http.StatusBadRequest, "INVALID_COMPANY_ID")

	h[authz.CompanyHeader] = companyB
	expectError(t, c.do(http.MethodGet, "/auth/me/permissions", nil, h), http.StatusForbidden, "TENANT_ACCESS_DENIED")

	h[authz.CompanyHeader] = "33333333-3333-4333-8333-333333333333"
	expectError(t, c.do(http.MethodGet, "/auth/me/permissions", nil, h), http.StatusForbidden, "TENANT_ACCESS_DENIED")

	resp = c.do(http.MethodGet, "/auth/me/permissions", nil, bearer(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me/permissions status %d", resp.StatusCode)
	}
	env := decode[response[permissionsResponse]](t, resp)
	if env.Data.CompanyID != companyA || env.Data.Role != auth.RoleAdmin {
		t.Fatalf("unexpected tenant: %+v", env.Data)
	}
}

func TestAccessGroupAdministration(t *testing.T) {
	c := newTestAPI(t)
	adminToken, _ := c.login("admin@nexa.test")
	staffToken, _ := c.login("staff@nexa.test")

	// staff cannot administer groups
	expectError(t, c.do(http.MethodPost, "/access-groups", map[string]any{"code": "SALES", "name": "Sales"}, bearer(staffToken)),
		http.StatusForbidden, "FORBIDDEN")

	// no grants yet
	expectError(t, c.do(http.MethodGet, "/resources/sales.orders/check?action=view", nil, bearer(staffToken)),
		http.StatusForbidden, "FORBIDDEN")

	resp := c.do(http.MethodPost, "/access-groups", map[string]any{"code": "sales_team", "name": "Sales"}, bearer(adminToken))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create group status %d", resp.StatusCode)
	}
	group := decode[response[access.Group]](t, resp).Data
	if group.Code != "SALES_TEAM" || group.CompanyID != companyA {
		t.Fatalf("unexpected group: %+v", group)
	}

	expectError(t, c.do(http.MethodPost, "/access-groups", map[string]any{"code": "SALES_TEAM", "name": "Again"}, bearer(adminToken)),
		http.StatusConflict, "ACCESS_GROUP_CODE_EXISTS")

	resp = c.do(http.MethodPut, "/access-groups/"+group.ID+"/permissions", map[string]any{
		"permissions": []map[string]any{
			{"resourceCode": "sales.orders", "canAccess": true, "canView": true},
		},
		"fieldOverrides": []map[string]any{
			{"resourceCode": "sales.orders", "fieldPath": "margin", "visibility": "HIDDEN"},
		},
	}, bearer(adminToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replace grants status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.do(http.MethodPut, "/users/"+staffID+"/access-groups", map[string]any{"groupIds": []string{group.ID}}, bearer(adminToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("memberships status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// the membership write invalidated the cached resolution
	resp = c.do(http.MethodGet, "/resources/sales.orders/check?action=view", nil, bearer(staffToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check view status %d", resp.StatusCode)
	}
	check := decode[response[map[string]any]](t, resp).Data
	fields := check["fields"].(map[string]any)
	if fields["margin"] != "HIDDEN" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	expectError(t, c.do(http.MethodGet, "/resources/sales.orders/check?action=delete", nil, bearer(staffToken)),
		http.StatusForbidden, "FORBIDDEN")
	expectError(t, c.do(http.MethodGet, "/resources/sales.orders/check?action=fly", nil, bearer(staffToken)),
		http.StatusBadRequest, "VALIDATION_ERROR")

	// resource-level check without an action
	resp = c.do(http.MethodGet, "/resources/sales.orders/check", nil, bearer(staffToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check access status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// view without access grants nothing
	resp = c.do(http.MethodPut, "/access-groups/"+group.ID+"/permissions", map[string]any{
		"permissions": []map[string]any{
			{"resourceCode": "sales.orders", "canAccess": true, "canView": true},
			{"resourceCode": "finance.invoices", "canView": true},
		},
		"fieldOverrides": []map[string]any{
			{"resourceCode": "sales.orders", "fieldPath": "margin", "visibility": "HIDDEN"},
		},
	}, bearer(adminToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replace grants status %d", resp.StatusCode)
	}
	resp.Body.Close()
	expectError(t, c.do(http.MethodGet, "/resources/finance.invoices/check?action=view", nil, bearer(staffToken)),
		http.StatusForbidden, "FORBIDDEN")
	expectError(t, c.do(http.MethodGet, "/resources/finance.invoices/check", nil, bearer(staffToken)),
		http.StatusForbidden, "FORBIDDEN")

	// deactivating the group removes the grant on the next request
	resp = c.do(http.MethodPatch, "/access-groups/"+group.ID, map[string]any{"isActive": false}, bearer(adminToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch group status %d", resp.StatusCode)
	}
	resp.Body.Close()
	expectError(t, c.do(http.MethodGet, "/resources/sales.orders/check?action=view", nil, bearer(staffToken)),
		http.StatusForbidden, "FORBIDDEN")

	resp = c.do(http.MethodDelete, "/access-groups/"+group.ID, nil, bearer(adminToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete group status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSystemGroupIsProtected(t *testing.T) {
	c := newTestAPI(t)
	c.store.PutGroup(access.Group{
		ID:        "bbbbbbbb-0000-4000-8000-000000000001",
		CompanyID: companyA,
		Code:      "ADMINISTRATORS",
		Name:      "Administrators",
		IsSystem:  true,
		IsActive:  true,
	})
	token, _ := c.login("admin@nexa.test")
	expectError(t, c.do(http.MethodDelete, "/access-groups/bbbbbbbb-0000-4000-8000-000000000001", nil, bearer(token)),
		http.StatusForbidden, "SYSTEM_GROUP_PROTECTED")
}

func TestMFAEnrollmentAndChallenge(t *testing.T) {
	c := newTestAPI(t)
	token, _ := c.login("staff@nexa.test")

	expectError(t, c.do(http.MethodPost, "/auth/mfa/verify", map[string]any{"token": "123456"}, bearer(token)),
		http.StatusBadRequest, "MFA_NOT_INITIATED")

	resp := c.do(http.MethodPost, "/auth/mfa/setup", nil, bearer(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("setup status %d", resp.StatusCode)
	}
	enrollment := decode[response[auth.MFAEnrollment]](t, resp).Data
	if enrollment.Secret == "" || !strings.HasPrefix(enrollment.OTPAuthURL, "otpauth://totp/") {
		t.Fatalf("unexpected enrollment: %+v", enrollment)
	}

	code, err := totp.GenerateCode(enrollment.Secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	resp = c.do(http.MethodPost, "/auth/mfa/verify", map[string]any{"token": code}, bearer(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// password alone now yields a challenge and no session
	resp = c.do(http.MethodPost, "/auth/login", map[string]any{"email": "staff@nexa.test", "password": testPassword}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("challenge status %d", resp.StatusCode)
	}
	if findCookie(resp) != nil {
		t.Fatal("challenge must not set a refresh cookie")
	}
	challenge := decode[response[loginData]](t, resp).Data
	if !challenge.RequiresMFA || challenge.AccessToken != "" {
		t.Fatalf("unexpected challenge: %+v", challenge)
	}

	code, _ = totp.GenerateCode(enrollment.Secret, time.Now())
	resp = c.do(http.MethodPost, "/auth/login", map[string]any{"email": "staff@nexa.test", "password": testPassword, "mfaToken": code}, nil)
	if resp.StatusCode != http.StatusOK || findCookie(resp) == nil {
		t.Fatalf("mfa login status %d", resp.StatusCode)
	}
	if user := decode[response[loginData]](t, resp).Data.User; user == nil || !user.MFAEnabled {
		t.Fatalf("expected mfaEnabled user, got %+v", user)
	}
}

func TestMFAResetAndDeactivate(t *testing.T) {
	c := newTestAPI(t)
	adminToken, _ := c.login("admin@nexa.test")
	staffToken, staffCookie := c.login("staff@nexa.test")

	// staff cannot reset anyone
	expectError(t, c.do(http.MethodPost, "/auth/mfa/reset", map[string]any{"userId": adminID}, bearer(staffToken)),
		http.StatusForbidden, "FORBIDDEN")
	// self reset is refused
	expectError(t, c.do(http.MethodPost, "/auth/mfa/reset", map[string]any{"userId": adminID}, bearer(adminToken)),
		http.StatusForbidden, "SELF_SERVICE_RESTRICTED")
	// users of another company look missing
	expectError(t, c.do(http.MethodPost, "/auth/mfa/reset", map[string]any{"userId": otherID}, bearer(adminToken)),
		http.StatusNotFound, "NOT_FOUND")

	resp := c.do(http.MethodPost, "/auth/mfa/reset", map[string]any{"userId": staffID}, bearer(adminToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status %d", resp.StatusCode)
	}
	resp.Body.Close()
	// reset revoked the staff session
	expectError(t, c.do(http.MethodPost, "/auth/refresh", nil, nil, staffCookie), http.StatusUnauthorized, "INVALID_REFRESH_TOKEN")

	resp = c.do(http.MethodPost, "/users/"+staffID+"/deactivate", nil, bearer(adminToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deactivate status %d", resp.StatusCode)
	}
	resp.Body.Close()
	// the still-valid access token is rejected by the tenant check
	expectError(t, c.do(http.MethodGet, "/auth/me/permissions", nil, bearer(staffToken)), http.StatusUnauthorized, "UNAUTHORIZED")
	expectError(t, c.do(http.MethodPost, "/auth/login", map[string]any{"email": "staff@nexa.test", "password": testPassword}, nil),
		http.StatusUnauthorized, "INVALID_CREDENTIALS")
}

func TestRoutingErrors(t *testing.T) {
	c := newTestAPI(t)

	expectError(t, c.do(http.MethodGet, "/nope", nil, nil), http.StatusNotFound, "NOT_FOUND")

	resp := c.do(http.MethodGet, "/auth/login", nil, nil)
	if resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("unexpected Allow header %q", resp.Header.Get("Allow"))
	}
	expectError(t, resp, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED")

	resp = c.do(http.MethodGet, "/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = c.do(http.MethodGet, "/readyz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestReadyHidesCheckErrors(t *testing.T) {
	api := &API{ready: readinessFunc(func(context.Context) error {
		return errors.New("dial tcp 10.0.0.7:5432: password authentication failed for user nexa")
	})}
	rec := httptest.NewRecorder()
	api.Ready(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "10.0.0.7") || strings.Contains(body, "password") {
		t.Fatalf("readiness cause leaked: %s", body)
	}
	if !strings.Contains(body, `"status":"not_ready"`) {
		t.Fatalf("unexpected body %s", body)
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}
