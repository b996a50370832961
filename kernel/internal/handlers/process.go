package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/auth"
)

// GET /kernel/processes/{pid}
func (s *server) handleProcessGet(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidParam(w, r)
	if !ok {
		return
	}
	b, found := s.Gate.Tracker().Snapshot(pid)
	if !found {
		writeError(w, http.StatusNotFound, "process not tracked")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"baseline":    b,
		"quarantined": s.Quarantine.IsQuarantined(pid, b.BinaryHash),
	})
}

// GET /kernel/policy/rules
func (s *server) handleRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": s.Gate.Engine().Rules()})
}

// GET /kernel/quarantine
func (s *server) handleQuarantineList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"processes": s.Quarantine.List(),
		"binaries":  s.Quarantine.Binaries(),
	})
}

// POST /kernel/quarantine
// Request: { "pid": 123, "reason": "..." } or { "binary_hash": "...", "reason": "..." }
func (s *server) handleQuarantinePost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PID        int    `json:"pid"`
		BinaryHash string `json:"binary_hash"`
		Reason     string `json:"reason"`
	}
	if err := BindJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PID <= 0 && req.BinaryHash == "" {
		writeError(w, http.StatusBadRequest, "pid or binary_hash required")
		return
	}

	comm, hash := "", req.BinaryHash
	if req.PID > 0 {
		if b, ok := s.Gate.Tracker().Snapshot(req.PID); ok {
			comm = b.Comm
			if hash == "" {
				hash = b.BinaryHash
			}
		}
	}
	if err := s.Quarantine.Quarantine(r.Context(), req.PID, comm, hash, req.Reason); err != nil {
		// local isolation holds even when fleet propagation fails
		s.Logger.Warn("quarantine publish failed", zap.Int("pid", req.PID), zap.Error(err))
	}
	s.Logger.Info("manual quarantine",
		zap.Int("pid", req.PID),
		zap.String("binary_hash", hash),
		zap.String("by", principal(r)))
	writeJSON(w, http.StatusCreated, map[string]interface{}{"pid": req.PID, "binary_hash": hash})
}

// DELETE /kernel/quarantine/{pid}
func (s *server) handleQuarantineRelease(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidParam(w, r)
	if !ok {
		return
	}
	released, err := s.Quarantine.Release(r.Context(), pid)
	if err != nil {
		s.Logger.Warn("release publish failed", zap.Int("pid", pid), zap.Error(err))
	}
	if !released {
		writeError(w, http.StatusNotFound, "not quarantined")
		return
	}
	s.Logger.Info("quarantine released", zap.Int("pid", pid), zap.String("by", principal(r)))
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /kernel/quarantine/binaries/{hash}
func (s *server) handleBinaryRelease(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	released, err := s.Quarantine.ReleaseBinary(r.Context(), hash)
	if err != nil {
		s.Logger.Warn("release publish failed", zap.String("binary_hash", hash), zap.Error(err))
	}
	if !released {
		writeError(w, http.StatusNotFound, "not quarantined")
		return
	}
	s.Logger.Info("binary quarantine released", zap.String("binary_hash", hash), zap.String("by", principal(r)))
	w.WriteHeader(http.StatusNoContent)
}

func pidParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	pid, err := strconv.Atoi(chi.URLParam(r, "pid"))
	if err != nil || pid <= 0 {
		writeError(w, http.StatusBadRequest, "pid must be a positive integer")
		return 0, false
	}
	return pid, true
}

func principal(r *http.Request) string {
	ai := auth.FromContext(r.Context())
	if ai == nil {
		return ""
	}
	if ai.Subject != "" {
		return ai.Subject
	}
	return ai.PeerCN
}
