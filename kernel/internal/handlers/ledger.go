package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/ledger"
)

// MaxRange caps the number of entries returned by one listing.
const MaxRange = 1000

// GET /kernel/ledger/head
func (s *server) handleLedgerHead(w http.ResponseWriter, r *http.Request) {
	l := s.Gate.Ledger()
	writeJSON(w, http.StatusOK, map[string]interface{}{"head": l.Head(), "digest": l.Digest()})
}

// GET /kernel/ledger/entries?from=&to=
// from defaults to 1; the range is clamped to MaxRange entries.
func (s *server) handleLedgerEntries(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseRange(w, r)
	if !ok {
		return
	}
	if from == 0 {
		from = 1
	}
	if head := s.Gate.Ledger().Head().Sequence; to == 0 || to > head {
		to = head
	}
	if to >= from && to-from+1 > MaxRange {
		to = from + MaxRange - 1
	}
	if to < from {
		writeJSON(w, http.StatusOK, map[string]interface{}{"entries": []*ledger.Entry{}, "from": from, "to": to})
		return
	}

	entries, err := s.Gate.Ledger().Range(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "range: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "from": from, "to": to})
}

// GET /kernel/ledger/entries/{seq}
func (s *server) handleLedgerEntry(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil || seq == 0 {
		writeError(w, http.StatusBadRequest, "seq must be a positive integer")
		return
	}
	e, err := s.Gate.Ledger().Get(r.Context(), seq)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "get: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// GET /kernel/ledger/verify?from=&to=
// A broken chain is reported with 200 and ok=false; 500 means the walk
// itself failed.
func (s *server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseRange(w, r)
	if !ok {
		return
	}
	res, err := s.Gate.Ledger().Verify(r.Context(), s.Keys, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "verify: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseRange(w http.ResponseWriter, r *http.Request) (from, to uint64, ok bool) {
	q := r.URL.Query()
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "from must be an unsigned integer")
			return 0, 0, false
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "to must be an unsigned integer")
			return 0, 0, false
		}
	}
	if to != 0 && from > to {
		writeError(w, http.StatusBadRequest, "from must not exceed to")
		return 0, 0, false
	}
	return from, to, true
}
