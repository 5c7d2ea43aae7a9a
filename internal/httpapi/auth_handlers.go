package httpapi

import (
	"net/http"
	"time"

	"nexa-erp.dev/internal/auth"
)

const (
	refreshCookieName = "nexa_refresh_token"
	refreshCookiePath = "/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	MFAToken string `json:"mfaToken,omitempty"`
}

type sessionResponse struct {
	AccessToken string            `json:"accessToken"`
	ExpiresIn   int64             `json:"expiresIn"`
	TokenType   string            `json:"tokenType"`
	User        *auth.SessionUser `json:"user"`
}

type mfaVerifyRequest struct {
	Token string `json:"token"`
}

type mfaResetRequest struct {
	UserID string `json:"userId"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.auth.Login(r.Context(), auth.LoginInput{
		Email:       req.Email,
		Password:    req.Password,
		MFACode:     req.MFAToken,
		RequestMeta: requestMeta(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.RequiresMFA {
		writeData(w, http.StatusOK, map[string]any{"requiresMfa": true})
		return
	}
	a.setRefreshCookie(w, res.Tokens)
	writeData(w, http.StatusOK, a.session(res.Tokens, res.User))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	secret := refreshCookie(r)
	if secret == "" {
		writeError(w, r, auth.ErrInvalidRefreshToken.WithMessage("Refresh token missing"))
		return
	}
	pair, user, err := a.auth.Refresh(r.Context(), secret, requestMeta(r))
	if err != nil {
		if auth.AsError(err).Status == http.StatusUnauthorized {
			a.clearRefreshCookie(w)
		}
		writeError(w, r, err)
		return
	}
	a.setRefreshCookie(w, pair)
	writeData(w, http.StatusOK, a.session(pair, user))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.auth.Logout(r.Context(), refreshCookie(r)); err != nil {
		writeError(w, r, err)
		return
	}
	a.clearRefreshCookie(w)
	writeData(w, http.StatusOK, map[string]any{"message": "Logged out"})
}

func (a *API) handleMFASetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, auth.ErrUnauthorized)
		return
	}
	enrollment, err := a.auth.SetupMFA(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, enrollment)
}

func (a *API) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, auth.ErrUnauthorized)
		return
	}
	var req mfaVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.auth.VerifyMFA(r.Context(), claims.Subject, req.Token); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"mfaEnabled": true})
}

func (a *API) handleMFAReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, r, auth.ErrUnauthorized)
		return
	}
	var req mfaResetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.auth.ResetMFA(r.Context(), actor, req.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"userId": req.UserID, "mfaEnabled": false})
}

func (a *API) session(pair *auth.TokenPair, user *auth.SessionUser) sessionResponse {
	return sessionResponse{
		AccessToken: pair.AccessToken,
		ExpiresIn:   int64(a.auth.Tokens().AccessTTL() / time.Second),
		TokenType:   "Bearer",
		User:        user,
	}
}

func (a *API) setRefreshCookie(w http.ResponseWriter, pair *auth.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    pair.RefreshToken,
		Path:     refreshCookiePath,
		Domain:   a.cookie.Domain,
		MaxAge:   int(a.auth.Tokens().RefreshTTL() / time.Second),
		HttpOnly: true,
		Secure:   a.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		Domain:   a.cookie.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func refreshCookie(r *http.Request) string {
	c, err := r.Cookie(refreshCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func requestMeta(r *http.Request) auth.RequestMeta {
	return auth.RequestMeta{IP: clientIP(r), UserAgent: r.UserAgent()}
}
