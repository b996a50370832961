package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/intercept"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/ledger"
)

// POST /kernel/intercept
// Body: one raw notification. application/octet-stream bodies are probe
// records; anything else is JSON. The response is always an intercept.Reply;
// the status distinguishes a decided Deny (200) from malformed input (400) and
// an unavailable ledger (503).
func (s *server) handleIntercept(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxJSONBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, intercept.Reply{Verdict: "deny", Reason: "body too large", State: "abort"})
		return
	}

	format := event.FormatJSON
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/octet-stream") {
		format = event.FormatBinary
	}

	out := s.Gate.Submit(r.Context(), event.RawNotification{Format: format, Payload: body, ReceivedAt: time.Now()})
	code := http.StatusOK
	switch {
	case errors.Is(out.Err, event.ErrMalformedEvent):
		code = http.StatusBadRequest
	case errors.Is(out.Err, ledger.ErrStorageUnavailable):
		code = http.StatusServiceUnavailable
	case out.Err != nil:
		s.Logger.Error("intercept failed", zap.String("event_id", out.EventID), zap.Error(out.Err))
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, intercept.ReplyFrom(out))
}
