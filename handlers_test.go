package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"
)

func newTestApp(t *testing.T) (*App, *mux.Router) {
	t.Helper()
	store := NewMemStore()
	hasher := NewPasswordHasher(bcrypt.MinCost, 4)
	creds, err := NewCredentialStore(store, hasher)
	require.NoError(t, err)

	app := &App{
		store:    store,
		hasher:   hasher,
		creds:    creds,
		tokens:   NewTokenManager([]byte("test-secret"), time.Hour),
		sessions: NewSessionStore(time.Minute),
		limiter:  NewFixedWindowLimiter(5, time.Minute),
		log:      zap.NewNop(),
	}
	t.Cleanup(func() {
		app.limiter.Close()
		app.sessions.Close()
	})
	return app, app.newRouter()
}

func doJSON(router *mux.Router, method, path string, body interface{}, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, m := range mutate {
		m(req)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func registerAda(t *testing.T, router *mux.Router) string {
	t.Helper()
	rr := doJSON(router, "POST", "/api/v1/auth/register", map[string]string{
		"email":     "ada@example.com",
		"password":  "secret123",
		"firstName": "Ada",
		"lastName":  "Lovelace",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var u User
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &u))
	return u.ID
}

func bearerFor(t *testing.T, router *mux.Router, email, password string) string {
	t.Helper()
	rr := doJSON(router, "POST", "/api/v1/auth/token", map[string]string{
		"email": email, "password": password,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expiresIn"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	require.Equal(t, 3600, resp.ExpiresIn)
	return resp.Token
}

func withBearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func TestRegisterValidation(t *testing.T) {
	_, router := newTestApp(t)

	rr := doJSON(router, "POST", "/api/v1/auth/register", map[string]string{
		"email": "not-an-email", "password": "secret123",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(router, "POST", "/api/v1/auth/register", map[string]string{
		"email": "ada@example.com", "password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRegisterConflict(t *testing.T) {
	_, router := newTestApp(t)
	registerAda(t, router)

	rr := doJSON(router, "POST", "/api/v1/auth/register", map[string]string{
		"email": "ADA@example.com", "password": "secret456",
	})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestRegisterNeverLeaksHash(t *testing.T) {
	_, router := newTestApp(t)

	rr := doJSON(router, "POST", "/api/v1/auth/register", map[string]string{
		"email": "ada@example.com", "password": "secret123",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.NotContains(t, rr.Body.String(), "secret123")
	assert.NotContains(t, rr.Body.String(), "$2a$")
	assert.NotContains(t, rr.Body.String(), "passwordHash")
}

func TestSessionLoginFlow(t *testing.T) {
	_, router := newTestApp(t)
	registerAda(t, router)

	// Wrong password and unknown account produce the same response shape.
	wrong := doJSON(router, "POST", "/api/v1/auth/login", map[string]string{
		"email": "ada@example.com", "password": "secret124",
	})
	unknown := doJSON(router, "POST", "/api/v1/auth/login", map[string]string{
		"email": "nobody@example.com", "password": "secret123",
	})
	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.JSONEq(t, wrong.Body.String(), unknown.Body.String())

	ok := doJSON(router, "POST", "/api/v1/auth/login", map[string]string{
		"email": "ada@example.com", "password": "secret123",
	})
	require.Equal(t, http.StatusOK, ok.Code)
	cookies := ok.Result().Cookies()
	require.NotEmpty(t, cookies)
	session := cookies[0]
	assert.Equal(t, sessionCookieName, session.Name)
	assert.True(t, session.HttpOnly)

	// The session carries the principal to the guarded page.
	profile := doJSON(router, "GET", "/profile", nil, func(r *http.Request) {
		r.AddCookie(session)
	})
	assert.Equal(t, http.StatusOK, profile.Code)
	assert.Contains(t, profile.Body.String(), "ada@example.com")

	// Logout invalidates the session; the page rejects with a redirect.
	doJSON(router, "POST", "/api/v1/auth/logout", nil, func(r *http.Request) {
		r.AddCookie(session)
	})
	after := doJSON(router, "GET", "/profile", nil, func(r *http.Request) {
		r.AddCookie(session)
	})
	assert.Equal(t, http.StatusSeeOther, after.Code)
	assert.Equal(t, "/login", after.Result().Header.Get("Location"))
}

func TestProfileRedirectsWithoutSession(t *testing.T) {
	_, router := newTestApp(t)

	rr := doJSON(router, "GET", "/profile", nil)
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/login", rr.Result().Header.Get("Location"))
}

func TestBearerFlow(t *testing.T) {
	app, router := newTestApp(t)
	registerAda(t, router)
	token := bearerFor(t, router, "ada@example.com", "secret123")

	me := doJSON(router, "GET", "/api/v1/me", nil, withBearer(token))
	require.Equal(t, http.StatusOK, me.Code)
	assert.Contains(t, me.Body.String(), "ada@example.com")

	// Missing header, wrong scheme, garbage token: all uniform 401s.
	for _, mutate := range []func(*http.Request){
		func(r *http.Request) {},
		func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") },
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer garbage") },
	} {
		rr := doJSON(router, "GET", "/api/v1/me", nil, mutate)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	}

	// A token backdated past its lifetime is rejected.
	u, err := app.store.GetUserByEmail(context.Background(), "ada@example.com")
	require.NoError(t, err)
	expired, err := app.tokens.IssueAt(u, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	rr := doJSON(router, "GET", "/api/v1/me", nil, withBearer(expired))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestIssueTokenFailureShape(t *testing.T) {
	_, router := newTestApp(t)
	registerAda(t, router)

	rr := doJSON(router, "POST", "/api/v1/auth/token", map[string]string{
		"email": "ada@example.com", "password": "wrongpass",
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestUpdateAndDeleteMe(t *testing.T) {
	_, router := newTestApp(t)
	registerAda(t, router)
	token := bearerFor(t, router, "ada@example.com", "secret123")

	rr := doJSON(router, "PUT", "/api/v1/me", map[string]string{
		"lastName": "Byron", "password": "newsecret",
	}, withBearer(token))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), "Byron")

	// The old secret no longer works, the new one does.
	old := doJSON(router, "POST", "/api/v1/auth/token", map[string]string{
		"email": "ada@example.com", "password": "secret123",
	})
	assert.Equal(t, http.StatusUnauthorized, old.Code)
	bearerFor(t, router, "ada@example.com", "newsecret")

	del := doJSON(router, "DELETE", "/api/v1/me", nil, withBearer(token))
	assert.Equal(t, http.StatusNoContent, del.Code)

	// The deleted account's token no longer resolves a principal.
	gone := doJSON(router, "GET", "/api/v1/me", nil, withBearer(token))
	assert.Equal(t, http.StatusUnauthorized, gone.Code)
}

func TestSubscribeRateLimited(t *testing.T) {
	_, router := newTestApp(t)

	for i := 0; i < 5; i++ {
		rr := doJSON(router, "POST", "/api/v1/subscribe", map[string]string{
			"email": fmt.Sprintf("sub%d@example.com", i), "name": "Sub",
		})
		require.Equal(t, http.StatusCreated, rr.Code, "request %d", i+1)
	}

	rr := doJSON(router, "POST", "/api/v1/subscribe", map[string]string{
		"email": "sub6@example.com", "name": "Sub",
	})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Result().Header.Get("Retry-After"))
}

func TestSubscribeConflict(t *testing.T) {
	_, router := newTestApp(t)

	first := doJSON(router, "POST", "/api/v1/subscribe", map[string]string{
		"email": "grace@example.com", "name": "Grace",
	})
	require.Equal(t, http.StatusCreated, first.Code)

	dup := doJSON(router, "POST", "/api/v1/subscribe", map[string]string{
		"email": "Grace@example.com", "name": "Grace",
	})
	assert.Equal(t, http.StatusConflict, dup.Code)
}

// brokenSubscriberStore fails every subscriber-by-email lookup the way a
// connectivity problem would.
type brokenSubscriberStore struct {
	Store
	err error
}

func (b *brokenSubscriberStore) GetSubscriberByEmail(ctx context.Context, email string) (*Subscriber, error) {
	return nil, b.err
}

func TestRegisterLogsSubscriberLookupFailure(t *testing.T) {
	store := &brokenSubscriberStore{Store: NewMemStore(), err: errors.New("connection reset")}
	hasher := NewPasswordHasher(bcrypt.MinCost, 4)
	creds, err := NewCredentialStore(store, hasher)
	require.NoError(t, err)

	core, logs := observer.New(zap.ErrorLevel)
	app := &App{
		store:    store,
		hasher:   hasher,
		creds:    creds,
		tokens:   NewTokenManager([]byte("test-secret"), time.Hour),
		sessions: NewSessionStore(time.Minute),
		limiter:  NewFixedWindowLimiter(5, time.Minute),
		log:      zap.New(core),
	}
	t.Cleanup(func() {
		app.limiter.Close()
		app.sessions.Close()
	})
	router := app.newRouter()

	rr := doJSON(router, "POST", "/api/v1/auth/register", map[string]string{
		"email": "ada@example.com", "password": "secret123",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	// The link is skipped, not fabricated, and the failure is on record.
	var u User
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &u))
	assert.Empty(t, u.SubscriberID)
	assert.Equal(t, 1, logs.FilterMessage("subscriber lookup").Len())
}

func TestUpdateMeShortPasswordRejected(t *testing.T) {
	_, router := newTestApp(t)
	registerAda(t, router)
	token := bearerFor(t, router, "ada@example.com", "secret123")

	rr := doJSON(router, "PUT", "/api/v1/me", map[string]string{
		"firstName": "Augusta", "password": "short",
	}, withBearer(token))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Nothing was written: the old secret still works and the profile
	// edit alongside the bad password did not land.
	bearerFor(t, router, "ada@example.com", "secret123")
	me := doJSON(router, "GET", "/api/v1/me", nil, withBearer(token))
	require.Equal(t, http.StatusOK, me.Code)
	assert.Contains(t, me.Body.String(), "Ada")
	assert.NotContains(t, me.Body.String(), "Augusta")
}

func TestRegisterLinksExistingSubscriber(t *testing.T) {
	_, router := newTestApp(t)

	sub := doJSON(router, "POST", "/api/v1/subscribe", map[string]string{
		"email": "ada@example.com", "name": "Ada",
	})
	require.Equal(t, http.StatusCreated, sub.Code)
	var created Subscriber
	require.NoError(t, json.Unmarshal(sub.Body.Bytes(), &created))

	rr := doJSON(router, "POST", "/api/v1/auth/register", map[string]string{
		"email": "ada@example.com", "password": "secret123",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	var u User
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &u))
	assert.Equal(t, created.ID, u.SubscriberID)
}

func TestEnrollEndpoint(t *testing.T) {
	_, router := newTestApp(t)
	userID := registerAda(t, router)
	token := bearerFor(t, router, "ada@example.com", "secret123")

	course := doJSON(router, "POST", "/api/v1/courses", map[string]interface{}{
		"title": "Analytical Engines 101", "items": []string{"loom", "loom", "census"},
	}, withBearer(token))
	require.Equal(t, http.StatusCreated, course.Code, course.Body.String())
	var c Course
	require.NoError(t, json.Unmarshal(course.Body.Bytes(), &c))
	assert.Equal(t, []string{"census", "loom"}, c.Items)

	// Linking is idempotent: repeated calls leave one association.
	for i := 0; i < 3; i++ {
		rr := doJSON(router, "POST", "/api/v1/users/"+userID+"/courses",
			map[string]string{"courseId": c.ID}, withBearer(token))
		assert.Equal(t, http.StatusNoContent, rr.Code)
	}
	me := doJSON(router, "GET", "/api/v1/me", nil, withBearer(token))
	var u User
	require.NoError(t, json.Unmarshal(me.Body.Bytes(), &u))
	assert.Equal(t, []string{c.ID}, u.CourseIDs)

	// Malformed ids are rejected before any store access.
	bad := doJSON(router, "POST", "/api/v1/users/not-a-uuid/courses",
		map[string]string{"courseId": c.ID}, withBearer(token))
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	badBody := doJSON(router, "POST", "/api/v1/users/"+userID+"/courses",
		map[string]string{"courseId": "nope"}, withBearer(token))
	assert.Equal(t, http.StatusBadRequest, badBody.Code)

	// Unknown entities are 404 with no mutation.
	missing := doJSON(router, "POST", "/api/v1/users/"+userID+"/courses",
		map[string]string{"courseId": "b1946ac9-2a3f-4d6b-9f6e-111111111111"}, withBearer(token))
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestCourseCatalog(t *testing.T) {
	_, router := newTestApp(t)
	registerAda(t, router)
	token := bearerFor(t, router, "ada@example.com", "secret123")

	rr := doJSON(router, "POST", "/api/v1/courses", map[string]string{"title": "Punched Cards"}, withBearer(token))
	require.Equal(t, http.StatusCreated, rr.Code)

	dup := doJSON(router, "POST", "/api/v1/courses", map[string]string{"title": "Punched Cards"}, withBearer(token))
	assert.Equal(t, http.StatusConflict, dup.Code)

	list := doJSON(router, "GET", "/api/v1/courses", nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), "Punched Cards")

	// Creating a course requires a bearer token.
	anon := doJSON(router, "POST", "/api/v1/courses", map[string]string{"title": "Open Course"})
	assert.Equal(t, http.StatusUnauthorized, anon.Code)
}
