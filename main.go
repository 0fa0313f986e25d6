package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	_ "modernc.org/sqlite"

	cfg "github.com/example/courseauth/internal/config"
)

// App carries every shared component as an explicit dependency. Nothing in
// this package lives in a module-level variable.
type App struct {
	store    Store
	hasher   *PasswordHasher
	creds    *CredentialStore
	tokens   *TokenManager
	sessions *SessionStore
	limiter  *FixedWindowLimiter
	log      *zap.Logger
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	json.NewEncoder(w).Encode(v)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// newRouter wires middleware and routes. Split out of main so the end-to-end
// tests can drive the exact production handler chain.
func (a *App) newRouter() *mux.Router {
	r := mux.NewRouter()

	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	r.Use(a.CORS)

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if p, ok := a.store.(interface{ ping() bool }); ok && !p.ping() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"ready":false}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ready":true}`))
	}).Methods("GET")

	// Browser-facing pages: session carry, redirect on rejection.
	r.HandleFunc("/login", a.HandleLoginPage).Methods("GET")
	r.Handle("/profile", a.RequireSession(http.HandlerFunc(a.HandleProfile))).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()

	// Authentication endpoints
	v1.HandleFunc("/auth/register", a.HandleRegister).Methods("POST")
	v1.HandleFunc("/auth/login", a.HandleLogin).Methods("POST")
	v1.HandleFunc("/auth/logout", a.HandleLogout).Methods("POST")
	v1.HandleFunc("/auth/token", a.HandleIssueToken).Methods("POST")

	// Bearer-protected account endpoints
	v1.Handle("/me", a.RequireBearer(http.HandlerFunc(a.HandleMe))).Methods("GET")
	v1.Handle("/me", a.RequireBearer(http.HandlerFunc(a.HandleUpdateMe))).Methods("PUT")
	v1.Handle("/me", a.RequireBearer(http.HandlerFunc(a.HandleDeleteMe))).Methods("DELETE")

	// Course catalog
	v1.HandleFunc("/courses", a.HandleListCourses).Methods("GET")
	v1.Handle("/courses", a.RequireBearer(http.HandlerFunc(a.HandleCreateCourse))).Methods("POST")
	v1.HandleFunc("/courses/{id}", a.HandleGetCourse).Methods("GET")

	// Enrollment links
	v1.Handle("/users/{id}/courses", a.RequireBearer(http.HandlerFunc(a.HandleEnrollUser))).Methods("POST")
	v1.Handle("/subscribers/{id}/courses", a.RateLimit(http.HandlerFunc(a.HandleEnrollSubscriber))).Methods("POST")

	// Rate-limited public endpoint
	v1.Handle("/subscribe", a.RateLimit(http.HandlerFunc(a.HandleSubscribe))).Methods("POST")

	return r
}

func main() {
	c, err := cfg.New()
	if err != nil {
		panic(err)
	}

	log, err := newLogger(c.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	var store Store
	switch c.DBAdapter {
	case "sqlite":
		s, err := NewSQLiteStore(c.SQLiteFile)
		if err != nil {
			log.Fatal("sqlite init", zap.Error(err))
		}
		store = s
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			log.Fatal("postgres config", zap.Error(err))
		}
		if err := ApplyMigrations("./migrations", dsn, log); err != nil {
			log.Fatal("migrations", zap.Error(err))
		}
		p, err := NewPostgresStore(dsn)
		if err != nil {
			log.Fatal("postgres init", zap.Error(err))
		}
		store = p
		log.Info("connected to postgres")
	case "memory":
		log.Warn("using in-memory store; data will not survive a restart")
		store = NewMemStore()
	default:
		log.Fatal("unsupported DB_ADAPTER", zap.String("adapter", c.DBAdapter))
	}

	hasher := NewPasswordHasher(c.BcryptCost, c.HashWorkers)
	creds, err := NewCredentialStore(store, hasher)
	if err != nil {
		log.Fatal("credential store init", zap.Error(err))
	}

	app := &App{
		store:    store,
		hasher:   hasher,
		creds:    creds,
		tokens:   NewTokenManager([]byte(c.JwtSecret), c.TokenTTL),
		sessions: NewSessionStore(c.SessionTTL),
		limiter:  NewFixedWindowLimiter(c.RateLimitMax, c.RateLimitWindow),
		log:      log,
	}

	srv := &http.Server{
		Handler:      app.newRouter(),
		Addr:         ":" + c.Port,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("starting server", zap.String("port", c.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.limiter.Close()
	app.sessions.Close()
	if closer, ok := app.store.(interface{ close() error }); ok {
		_ = closer.close()
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("shutdown failed", zap.Error(err))
	}
	log.Info("server exited")
}
