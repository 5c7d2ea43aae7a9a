package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nexa-erp.dev/internal/audit"
	"nexa-erp.dev/internal/obs"
)

// ModuleResolver derives the modules a user's accessible resources imply.
type ModuleResolver interface {
	EnabledModules(ctx context.Context, userID, companyID string, role Role) ([]string, error)
}

// Service runs the login, refresh, logout and MFA flows.
type Service struct {
	store   Store
	tokens  *Tokens
	totp    *TOTP
	limiter AttemptLimiter
	modules ModuleResolver
	events  audit.Publisher
	now     func() time.Time
	tracer  trace.Tracer
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithLimiter overrides the attempt limiter (defaults to in-memory).
func WithLimiter(l AttemptLimiter) ServiceOption {
	return func(s *Service) error {
		if l == nil {
			return errors.New("auth: limiter is nil")
		}
		s.limiter = l
		return nil
	}
}

// WithModuleResolver adds resource-derived modules to session claims.
func WithModuleResolver(m ModuleResolver) ServiceOption {
	return func(s *Service) error {
		s.modules = m
		return nil
	}
}

// WithPublisher sets the event sink. Events are dropped when unset.
func WithPublisher(p audit.Publisher) ServiceOption {
	return func(s *Service) error {
		s.events = p
		return nil
	}
}

// WithTOTP overrides the TOTP helper (issuer label).
func WithTOTP(t *TOTP) ServiceOption {
	return func(s *Service) error {
		if t != nil {
			s.totp = t
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, tokens *Tokens, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token service is required")
	}
	svc := &Service{
		store:  store,
		tokens: tokens,
		totp:   NewTOTP(""),
		now:    time.Now,
		tracer: otel.Tracer("nexa-erp.dev/internal/auth"),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.limiter == nil {
		svc.limiter = NewMemoryLimiter(DefaultLimiterPolicy, svc.now)
	}
	return svc, nil
}

// Tokens exposes the token service for access token verification.
func (s *Service) Tokens() *Tokens { return s.tokens }

// RequestMeta describes the client for refresh-token bookkeeping and events.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// LoginInput is the credential submission.
type LoginInput struct {
	Email    string
	Password string
	MFACode  string
	RequestMeta
}

// LoginResult is either an MFA challenge (RequiresMFA, no tokens) or a session.
type LoginResult struct {
	RequiresMFA bool
	Tokens      *TokenPair
	User        *SessionUser
}

// Login verifies credentials (and TOTP when enrolled) and opens a session.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	ctx, span := s.tracer.Start(ctx, "auth.Login")
	defer span.End()

	res, outcome, err := s.login(ctx, in)
	obs.ObserveLogin(outcome)
	span.SetAttributes(attribute.String("auth.outcome", outcome))
	if err != nil {
		span.SetStatus(codes.Error, outcome)
	}
	return res, err
}

func (s *Service) login(ctx context.Context, in LoginInput) (*LoginResult, string, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if err := validateLogin(email, in.Password, in.MFACode); err != nil {
		return nil, "invalid_request", err
	}

	held := attempts{s: s}
	defer held.releaseAll(ctx)
	if err := held.charge(ctx, email, "login"); err != nil {
		return nil, outcomeFor(err), err
	}

	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, "error", err
	}
	if user == nil || !user.IsActive {
		verifyDummy(in.Password)
		held.fail(email)
		return nil, "invalid_credentials", ErrInvalidCredentials
	}

	mfaKey := MFALimiterKey(user.ID)
	if user.MFAEnabled && in.MFACode != "" {
		if err := held.charge(ctx, mfaKey, "mfa"); err != nil {
			return nil, outcomeFor(err), err
		}
	}

	if !VerifyPassword(user.PasswordHash, in.Password) {
		held.fail(email)
		return nil, "invalid_credentials", ErrInvalidCredentials
	}

	if user.MFAEnabled {
		if user.MFASecret == "" {
			return nil, "mfa_setup_required", ErrMFASetupRequired
		}
		if in.MFACode == "" {
			return &LoginResult{RequiresMFA: true}, "mfa_required", nil
		}
		if !s.totp.Validate(user.MFASecret, in.MFACode, s.now()) {
			held.fail(mfaKey)
			return nil, "invalid_mfa", ErrInvalidMFACode
		}
		held.clear(ctx, mfaKey)
	}

	pair, summary, err := s.openSession(ctx, user, in.RequestMeta)
	if err != nil {
		return nil, "error", err
	}
	held.clear(ctx, email)
	if err := s.store.Users().TouchLastLogin(ctx, user.ID, s.now().UTC()); err != nil {
		obs.Error("touch last login failed", err, map[string]any{"user_id": user.ID})
	}
	audit.Dispatch(ctx, s.events, audit.Event{
		Type:      audit.EventUserLoggedIn,
		UserID:    user.ID,
		CompanyID: summary.TenantID,
		Fields:    map[string]any{"ip": in.IP, "user_agent": in.UserAgent, "mfa": user.MFAEnabled},
	})
	return &LoginResult{Tokens: pair, User: summary}, "success", nil
}

// Refresh rotates the presented refresh secret and re-resolves claims.
func (s *Service) Refresh(ctx context.Context, secret string, meta RequestMeta) (*TokenPair, *SessionUser, error) {
	ctx, span := s.tracer.Start(ctx, "auth.Refresh")
	defer span.End()

	pair, user, err := s.refresh(ctx, secret, meta)
	if err != nil {
		span.SetStatus(codes.Error, "refresh failed")
		obs.ObserveRefresh("rejected")
		return nil, nil, err
	}
	obs.ObserveRefresh("rotated")
	return pair, user, nil
}

func (s *Service) refresh(ctx context.Context, secret string, meta RequestMeta) (*TokenPair, *SessionUser, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, nil, ErrInvalidRefreshToken
	}
	nextSecret, next, err := s.tokens.NewRefresh("")
	if err != nil {
		return nil, nil, err
	}
	next.IP, next.UserAgent = meta.IP, meta.UserAgent

	now := s.now().UTC()
	old, err := s.store.RefreshTokens().Rotate(ctx, HashRefreshToken(secret), next, now)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) || errors.Is(err, ErrNotFound) {
			return nil, nil, ErrInvalidRefreshToken
		}
		return nil, nil, err
	}

	user, err := s.store.Users().Find(ctx, old.UserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}
	if user == nil || !user.IsActive {
		if _, err := s.store.RefreshTokens().RevokeAllForUser(ctx, old.UserID, now); err != nil {
			obs.Error("revoke tokens of inactive user failed", err, map[string]any{"user_id": old.UserID})
		}
		return nil, nil, ErrInvalidRefreshToken
	}

	companyID, role, modules, err := s.sessionClaims(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	access, exp, err := s.tokens.IssueAccess(user.ID, companyID, role, modules)
	if err != nil {
		return nil, nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  exp,
		RefreshToken:     nextSecret,
		RefreshExpiresAt: next.ExpiresAt,
	}, sessionUser(user, companyID, role, modules), nil
}

// Logout revokes the presented refresh secret. It is idempotent and never
// reveals whether the secret existed.
func (s *Service) Logout(ctx context.Context, secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	if err := s.store.RefreshTokens().RevokeByHash(ctx, HashRefreshToken(secret), s.now().UTC()); err != nil {
		return err
	}
	audit.Dispatch(ctx, s.events, audit.Event{Type: audit.EventUserLoggedOut})
	return nil
}

// RevokeAll revokes every active refresh token of userID.
func (s *Service) RevokeAll(ctx context.Context, userID string) (int64, error) {
	return s.store.RefreshTokens().RevokeAllForUser(ctx, userID, s.now().UTC())
}

// MFAEnrollment is returned by SetupMFA.
type MFAEnrollment struct {
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauthUrl"`
}

// SetupMFA stores a pending secret (replacing any earlier pending one) and
// returns the enrollment material.
func (s *Service) SetupMFA(ctx context.Context, userID string) (*MFAEnrollment, error) {
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.MFAEnabled {
		return nil, ErrMFAAlreadyEnabled
	}
	secret, uri, err := s.totp.Generate(user.Email)
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	if err := s.store.Users().SetMFASecret(ctx, user.ID, secret); err != nil {
		return nil, err
	}
	audit.Dispatch(ctx, s.events, audit.Event{Type: audit.EventMFASetupInitiated, UserID: user.ID})
	return &MFAEnrollment{Secret: secret, OTPAuthURL: uri}, nil
}

// VerifyMFA confirms the pending secret with a TOTP code and enables MFA.
func (s *Service) VerifyMFA(ctx context.Context, userID, code string) error {
	code = strings.TrimSpace(code)
	if !isOTPCode(code) {
		return Validation("MFA token must be 6 digits", map[string]any{"token": "must be 6 digits"})
	}
	key := MFALimiterKey(userID)
	held := attempts{s: s}
	defer held.releaseAll(ctx)
	if err := held.charge(ctx, key, "mfa"); err != nil {
		return err
	}
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.MFAEnabled {
		return ErrMFAAlreadyEnabled
	}
	if user.MFASecret == "" {
		return ErrMFANotInitiated
	}
	if !s.totp.Validate(user.MFASecret, code, s.now()) {
		held.fail(key)
		return ErrInvalidMFACode
	}
	if err := s.store.Users().EnableMFA(ctx, user.ID); err != nil {
		return err
	}
	held.clear(ctx, key)
	audit.Dispatch(ctx, s.events, audit.Event{Type: audit.EventMFAEnabled, UserID: user.ID})
	return nil
}

// Actor is the administrator performing a user-management action.
type Actor struct {
	UserID    string
	CompanyID string
	Role      Role
}

// ResetMFA clears the target's MFA state and revokes all of their refresh
// tokens. Admins cannot reset themselves or users outside their company.
func (s *Service) ResetMFA(ctx context.Context, actor Actor, targetID string) error {
	if actor.UserID == targetID {
		return ErrSelfServiceRestricted
	}
	target, err := s.managedUser(ctx, actor, targetID)
	if err != nil {
		return err
	}
	if err := s.store.Users().ClearMFA(ctx, target.ID); err != nil {
		return err
	}
	if _, err := s.RevokeAll(ctx, target.ID); err != nil {
		return err
	}
	s.clearFailures(ctx, MFALimiterKey(target.ID))
	audit.Dispatch(ctx, s.events, audit.Event{
		Type:      audit.EventMFAReset,
		UserID:    target.ID,
		CompanyID: actor.CompanyID,
		Fields:    map[string]any{"actor_id": actor.UserID},
	})
	return nil
}

// DeactivateUser disables the target account and revokes its refresh tokens.
func (s *Service) DeactivateUser(ctx context.Context, actor Actor, targetID string) error {
	if actor.UserID == targetID {
		return ErrSelfServiceRestricted.WithMessage("You cannot deactivate your own account")
	}
	target, err := s.managedUser(ctx, actor, targetID)
	if err != nil {
		return err
	}
	if err := s.store.Users().SetActive(ctx, target.ID, false); err != nil {
		return err
	}
	if _, err := s.RevokeAll(ctx, target.ID); err != nil {
		return err
	}
	audit.Dispatch(ctx, s.events, audit.Event{
		Type:      audit.EventUserDeactivated,
		UserID:    target.ID,
		CompanyID: actor.CompanyID,
		Fields:    map[string]any{"actor_id": actor.UserID},
	})
	return nil
}

// managedUser loads targetID if it has a role in the actor's company that
// does not outrank the actor. Missing and foreign users look the same.
func (s *Service) managedUser(ctx context.Context, actor Actor, targetID string) (*Identity, error) {
	notFound := ErrNotFound.WithMessage("User not found")
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return nil, Validation("userId is required", map[string]any{"userId": "required"})
	}
	target, err := s.store.Users().Find(ctx, targetID)
	if errors.Is(err, ErrNotFound) {
		return nil, notFound
	}
	if err != nil {
		return nil, err
	}
	assignments, err := s.store.Roles().Assignments(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	role, ok := EffectiveRole(assignments, actor.CompanyID)
	if !ok {
		return nil, notFound
	}
	if !actor.Role.AtLeast(role) {
		return nil, ErrForbidden
	}
	return target, nil
}

func (s *Service) activeUser(ctx context.Context, userID string) (*Identity, error) {
	user, err := s.store.Users().Find(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUnauthorized
	}
	return user, nil
}

func (s *Service) openSession(ctx context.Context, user *Identity, meta RequestMeta) (*TokenPair, *SessionUser, error) {
	companyID, role, modules, err := s.sessionClaims(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	access, exp, err := s.tokens.IssueAccess(user.ID, companyID, role, modules)
	if err != nil {
		return nil, nil, err
	}
	secret, rec, err := s.tokens.NewRefresh(user.ID)
	if err != nil {
		return nil, nil, err
	}
	rec.IP, rec.UserAgent = meta.IP, meta.UserAgent
	if err := s.store.RefreshTokens().Create(ctx, rec); err != nil {
		return nil, nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  exp,
		RefreshToken:     secret,
		RefreshExpiresAt: rec.ExpiresAt,
	}, sessionUser(user, companyID, role, modules), nil
}

// sessionClaims resolves the default-company role and module set. Claims are
// advisory; the tenant resolver re-checks on every request.
func (s *Service) sessionClaims(ctx context.Context, user *Identity) (string, Role, []string, error) {
	companyID := user.DefaultCompanyID
	assignments, err := s.store.Roles().Assignments(ctx, user.ID)
	if err != nil {
		return "", "", nil, err
	}
	role, _ := EffectiveRole(assignments, companyID)
	var derived []string
	if s.modules != nil && companyID != "" && role.Valid() {
		derived, err = s.modules.EnabledModules(ctx, user.ID, companyID, role)
		if err != nil {
			return "", "", nil, err
		}
	}
	return companyID, role, normalizeModules(user.EnabledModules, derived), nil
}

// attempts holds the limiter charges taken by one request. A charge is kept
// by fail, wiped by clear, and handed back by releaseAll otherwise.
type attempts struct {
	s    *Service
	keys []string
}

func (a *attempts) charge(ctx context.Context, key, kind string) error {
	if err := a.s.limiter.Attempt(ctx, key); err != nil {
		if errors.Is(err, ErrAccountLocked) {
			obs.ObserveLockout(kind)
		}
		return err
	}
	a.keys = append(a.keys, key)
	return nil
}

func (a *attempts) fail(key string) { a.drop(key) }

func (a *attempts) clear(ctx context.Context, key string) {
	a.drop(key)
	a.s.clearFailures(ctx, key)
}

func (a *attempts) drop(key string) {
	for i, k := range a.keys {
		if k == key {
			a.keys = append(a.keys[:i], a.keys[i+1:]...)
			return
		}
	}
}

func (a *attempts) releaseAll(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range a.keys {
		if err := a.s.limiter.Release(ctx, key); err != nil {
			obs.Error("limiter release failed", err, map[string]any{"key_kind": limiterKeyKind(key)})
		}
	}
	a.keys = nil
}

func outcomeFor(err error) string {
	if errors.Is(err, ErrAccountLocked) {
		return "locked"
	}
	return "error"
}

func (s *Service) clearFailures(ctx context.Context, key string) {
	if err := s.limiter.Reset(ctx, key); err != nil {
		obs.Error("limiter reset failed", err, map[string]any{"key_kind": limiterKeyKind(key)})
	}
}

func limiterKeyKind(key string) string {
	if strings.HasPrefix(key, mfaLimiterPrefix) {
		return "mfa"
	}
	return "login"
}

func sessionUser(user *Identity, companyID string, role Role, modules []string) *SessionUser {
	return &SessionUser{
		ID:             user.ID,
		Email:          user.Email,
		Role:           role,
		TenantID:       companyID,
		MFAEnabled:     user.MFAEnabled,
		EnabledModules: modules,
	}
}

func validateLogin(email, password, code string) error {
	details := map[string]any{}
	if email == "" {
		details["email"] = "required"
	} else if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		details["email"] = "must be a valid email address"
	}
	if password == "" {
		details["password"] = "required"
	}
	if code != "" && !isOTPCode(code) {
		details["mfaToken"] = "must be 6 digits"
	}
	if len(details) > 0 {
		return Validation("Invalid login request", details)
	}
	return nil
}
