package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/infn-epics/pshal/internal/history"
	"github.com/infn-epics/pshal/internal/powersupply"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// handleGetSupplyHistory returns recorded transitions of a supply, newest
// first. Query parameters: limit, since (RFC3339 or unix seconds) and
// kind (control or reported).
func (s *Server) handleGetSupplyHistory(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "transition history not configured")
		return
	}

	q := r.URL.Query()
	limit, err := parseHistoryLimit(q.Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	since, err := parseTimeParam(q.Get("since"))
	if err != nil {
		writeBadRequest(w, "invalid since timestamp")
		return
	}
	kind := q.Get("kind")
	switch kind {
	case "", powersupply.TransitionControl, powersupply.TransitionReported:
	default:
		writeBadRequest(w, fmt.Sprintf("kind must be %q or %q", powersupply.TransitionControl, powersupply.TransitionReported))
		return
	}

	entries, err := s.history.Find(r.Context(), history.Query{
		Supply: d.Name(),
		Kind:   kind,
		Since:  since,
		Limit:  limit,
	})
	if err != nil {
		s.logger.Error("history query failed", "supply", d.Name(), "error", err)
		writeInternalError(w, "failed to query history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"supply":  d.Name(),
		"entries": entries,
		"count":   len(entries),
	})
}

// parseHistoryLimit validates the limit query parameter.
func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if limit > maxHistoryLimit {
		return 0, fmt.Errorf("limit exceeds maximum")
	}
	return limit, nil
}

// parseTimeParam accepts RFC3339 (with or without fractional seconds) or
// unix seconds. Empty means no bound.
func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
	}
	return time.Unix(secs, 0).UTC(), nil
}
