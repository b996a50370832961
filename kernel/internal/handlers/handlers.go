// Package handlers exposes the kernel over HTTP: the interception endpoint for
// adapters and read-only audit routes over the ledger, baselines and
// quarantine list.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/auth"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/config"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/gate"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/keys"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/quarantine"
)

// Deps are the components the routes read from. Gate is required.
type Deps struct {
	Gate       *gate.Gate
	Quarantine *quarantine.Registry
	// Keys verifies entry signatures; nil skips signature checks.
	Keys *keys.Registry
	// Auth authenticates every /kernel route; nil leaves them open to
	// anonymous SuperAdmin callers.
	Auth   func(http.Handler) http.Handler
	Logger *zap.Logger
	// Ready reports extra dependencies (database, brokers) for /ready.
	Ready []func(ctx context.Context) error
}

type server struct {
	Deps
}

// RegisterRoutes wires kernel HTTP routes.
func RegisterRoutes(r chi.Router, d Deps) {
	if d.Gate == nil {
		panic("handlers.RegisterRoutes: Deps.Gate is required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Quarantine == nil {
		d.Quarantine = quarantine.NewRegistry()
	}
	if d.Auth == nil {
		d.Auth = auth.NewMiddleware(config.AuthConfig{AllowAnonymous: true}, false, nil, d.Logger)
	}
	s := &server{Deps: d}

	// public health endpoints
	r.Get("/health", handleHealth)
	r.Get("/ready", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(d.Auth)

		r.With(auth.RequireAnyRole(auth.RoleInterceptor)).Post("/kernel/intercept", s.handleIntercept)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAnyRole(auth.RoleAuditor))
			r.Get("/kernel/ledger/head", s.handleLedgerHead)
			r.Get("/kernel/ledger/entries", s.handleLedgerEntries)
			r.Get("/kernel/ledger/entries/{seq}", s.handleLedgerEntry)
			r.Get("/kernel/ledger/verify", s.handleLedgerVerify)
			r.Get("/kernel/processes/{pid}", s.handleProcessGet)
			r.Get("/kernel/policy/rules", s.handleRules)
			r.Get("/kernel/quarantine", s.handleQuarantineList)
			if d.Keys != nil {
				r.Get("/kernel/signers", d.Keys.StatusHandler())
			}
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAnyRole(auth.RoleSuperAdmin))
			r.Post("/kernel/quarantine", s.handleQuarantinePost)
			r.Delete("/kernel/quarantine/{pid}", s.handleQuarantineRelease)
			r.Delete("/kernel/quarantine/binaries/{hash}", s.handleBinaryRelease)
		})
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "ts": time.Now().UTC()})
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Gate.Ledger().Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ledger not ready"})
		return
	}
	for _, check := range s.Ready {
		if err := check(ctx); err != nil {
			s.Logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "dependency not ready"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready", "head": s.Gate.Ledger().Head()})
}

// helper JSON writer
func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
