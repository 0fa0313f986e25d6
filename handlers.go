package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func validEmail(email string) bool {
	at := strings.Index(email, "@")
	return at > 0 && at < len(email)-1
}

func (a *App) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	email := NormalizeEmail(req.Email)
	if !validEmail(email) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "A valid email is required")
		return
	}
	if len(req.Password) < minPasswordLen {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Password must be at least 6 characters")
		return
	}

	hash, err := a.hasher.Hash(r.Context(), req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to process password")
		return
	}
	// A client that went away mid-hash gets nothing persisted.
	if r.Context().Err() != nil {
		return
	}

	u := &User{
		ID:           uuid.New().String(),
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Email:        email,
		PasswordHash: hash,
	}
	// A subscriber profile with the same address becomes the user's one
	// linked profile. A store failure here skips the link but must not go
	// unnoticed.
	sub, err := a.store.GetSubscriberByEmail(r.Context(), email)
	switch {
	case err == nil:
		u.SubscriberID = sub.ID
	case !errors.Is(err, ErrNotFound):
		a.log.Error("subscriber lookup", zap.String("userId", u.ID), zap.Error(err))
	}

	if err := a.store.CreateUser(r.Context(), u); err != nil {
		if errors.Is(err, ErrConflict) {
			writeError(w, http.StatusConflict, "USER_EXISTS", "User with this email already exists")
			return
		}
		a.log.Error("create user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// HandleLogin establishes a browser session. Every credential failure is the
// same generic 401; there is no "email not found" variant.
func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	u, err := a.creds.Verify(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password")
			return
		}
		a.log.Error("credential lookup", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Login failed")
		return
	}
	if r.Context().Err() != nil {
		return
	}
	sid, err := a.sessions.Start(u.ID)
	if err != nil {
		a.log.Error("start session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Login failed")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sid,
		Path:     "/",
		MaxAge:   int(a.sessions.ttl / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": u})
}

func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		a.sessions.End(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeSuccess(w, http.StatusOK, map[string]bool{"loggedOut": true})
}

// HandleIssueToken exchanges credentials for a signed bearer token. Nothing
// about an issued token is persisted; it is verified by signature and expiry
// alone.
func (a *App) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "invalid request body",
		})
		return
	}
	u, err := a.creds.Verify(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
				"success": false,
				"error":   "invalid email or password",
			})
			return
		}
		a.log.Error("credential lookup", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "token issuance failed",
		})
		return
	}
	if r.Context().Err() != nil {
		return
	}
	token, err := a.tokens.Issue(u)
	if err != nil {
		a.log.Error("sign token", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "token issuance failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":     token,
		"expiresIn": int(a.tokens.TTL() / time.Second),
		"principal": map[string]string{
			"id":    u.ID,
			"first": u.FirstName,
			"last":  u.LastName,
			"email": u.Email,
		},
	})
}

// principalUser loads the account behind the bearer claims. A token whose
// subject no longer resolves is as good as invalid.
func (a *App) principalUser(w http.ResponseWriter, r *http.Request) *User {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Bearer token required")
		return nil
	}
	u, err := a.store.GetUserByID(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired token")
			return nil
		}
		a.log.Error("principal lookup", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Lookup failed")
		return nil
	}
	return u
}

func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	u := a.principalUser(w, r)
	if u == nil {
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type updateMeRequest struct {
	FirstName *string `json:"firstName"`
	LastName  *string `json:"lastName"`
	Email     *string `json:"email"`
	Password  *string `json:"password"`
}

// HandleUpdateMe edits the profile. The secret is re-hashed only when a new
// one is supplied.
func (a *App) HandleUpdateMe(w http.ResponseWriter, r *http.Request) {
	u := a.principalUser(w, r)
	if u == nil {
		return
	}
	var req updateMeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	var email string
	if req.Email != nil {
		email = NormalizeEmail(*req.Email)
		if !validEmail(email) {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "A valid email is required")
			return
		}
	}
	// Secret writes go through the credential store, which owns validation,
	// hashing, and persistence of the digest.
	if req.Password != nil {
		if err := a.creds.SetCredential(r.Context(), u.ID, *req.Password); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Password must be at least 6 characters")
				return
			}
			a.log.Error("set credential", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to process password")
			return
		}
		// Reload so the profile update below carries the new digest.
		fresh, err := a.store.GetUserByID(r.Context(), u.ID)
		if err != nil {
			a.log.Error("reload user", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Update failed")
			return
		}
		u = fresh
	}
	if req.FirstName != nil {
		u.FirstName = *req.FirstName
	}
	if req.LastName != nil {
		u.LastName = *req.LastName
	}
	if req.Email != nil {
		u.Email = email
	}
	if r.Context().Err() != nil {
		return
	}
	if err := a.store.UpdateUser(r.Context(), u); err != nil {
		if errors.Is(err, ErrConflict) {
			writeError(w, http.StatusConflict, "USER_EXISTS", "User with this email already exists")
			return
		}
		a.log.Error("update user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Update failed")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// HandleDeleteMe removes the account and its enrollment references. Courses
// and subscriber profiles are deliberately left in place.
func (a *App) HandleDeleteMe(w http.ResponseWriter, r *http.Request) {
	u := a.principalUser(w, r)
	if u == nil {
		return
	}
	if err := a.store.DeleteUser(r.Context(), u.ID); err != nil && !errors.Is(err, ErrNotFound) {
		a.log.Error("delete user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleProfile serves the session-guarded account page. Page composition is
// someone else's job; this returns the principal the templates would render.
func (a *App) HandleProfile(w http.ResponseWriter, r *http.Request) {
	u, ok := userFromContext(r.Context())
	if !ok {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// HandleLoginPage is the redirect target for unauthenticated page requests.
func (a *App) HandleLoginPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<!doctype html><title>Log in</title><h1>Log in</h1>"))
}
