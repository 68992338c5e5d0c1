package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/infn-epics/pshal/internal/beamline"
	"github.com/infn-epics/pshal/internal/powersupply"
)

// maxWaitSeconds caps the timeout a client may ask for.
const maxWaitSeconds = 600

// SupplyView is a supply's status plus its magnet list metadata.
type SupplyView struct {
	powersupply.Status
	Zone        string `json:"zone,omitempty"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// SetCurrentRequest is the body of PUT /supplies/{name}/current.
type SetCurrentRequest struct {
	Current *float64 `json:"current"`
}

// SetStateRequest is the body of PUT /supplies/{name}/state.
type SetStateRequest struct {
	State string `json:"state"`
}

// WaitRequest is the optional body of POST /supplies/{name}/wait. Without
// a state the supply's requested state is awaited.
type WaitRequest struct {
	State   string  `json:"state,omitempty"`
	Timeout float64 `json:"timeout,omitempty"` // seconds
}

func (s *Server) view(d powersupply.Device) SupplyView {
	v := SupplyView{Status: d.Status()}
	if m, ok := s.fleet.Magnet(d.Name()); ok {
		v.Zone, v.Type, v.Description = m.Zone, m.Type, m.Description
	}
	return v
}

// handleListSupplies returns all supplies, optionally filtered by the
// zone, type and name (regexp) query parameters.
func (s *Server) handleListSupplies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := beamline.Filter{Zone: q.Get("zone"), Type: q.Get("type"), Pattern: q.Get("name")}

	supplies := s.fleet.Supplies()
	magnets := make([]beamline.Magnet, 0, len(supplies))
	for _, d := range supplies {
		m, ok := s.fleet.Magnet(d.Name())
		if !ok {
			m = beamline.Magnet{Name: d.Name()}
		}
		magnets = append(magnets, m)
	}
	selected, err := filter.Apply(magnets)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	views := make([]SupplyView, 0, len(selected))
	for _, m := range selected {
		d, err := s.fleet.Supply(m.Name)
		if err != nil {
			continue
		}
		views = append(views, s.view(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"supplies": views,
		"count":    len(views),
	})
}

// handleGetSupply returns one supply.
func (s *Server) handleGetSupply(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(d))
}

// handleSetCurrent records a new current setpoint. The control loop
// applies it asynchronously, hence 202.
func (s *Server) handleSetCurrent(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req SetCurrentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Current == nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "current is required")
		return
	}

	if err := d.SetCurrent(*req.Current); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("current requested", "supply", d.Name(), "current", *req.Current,
		"request_id", r.Context().Value(ctxKeyRequestID))
	writeJSON(w, http.StatusAccepted, s.view(d))
}

// handleSetState records a new requested state.
func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req SetStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	st, err := powersupply.ParseState(req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	if err := d.SetState(st); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("state requested", "supply", d.Name(), "state", st,
		"request_id", r.Context().Value(ctxKeyRequestID))
	writeJSON(w, http.StatusAccepted, s.view(d))
}

// handleWait blocks until the supply reports the awaited state.
func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req WaitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Timeout < 0 || req.Timeout > maxWaitSeconds || math.IsNaN(req.Timeout) {
		writeError(w, http.StatusBadRequest, ErrCodeValidation,
			fmt.Sprintf("timeout must be between 0 and %d seconds", maxWaitSeconds))
		return
	}
	timeout := s.waitTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout * float64(time.Second))
	}

	var err error
	if req.State == "" {
		err = d.Wait(r.Context(), timeout)
	} else {
		st, perr := powersupply.ParseState(req.State)
		if perr != nil {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, perr.Error())
			return
		}
		err = d.WaitFor(r.Context(), st, timeout)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(d))
}

// handleRearm clears the supply's latched fault.
func (s *Server) handleRearm(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := d.Rearm(); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("supply rearmed", "supply", d.Name(), "request_id", r.Context().Value(ctxKeyRequestID))
	writeJSON(w, http.StatusOK, s.view(d))
}

// handleListDrivers returns the registered driver tags.
func (s *Server) handleListDrivers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"drivers": powersupply.Types()})
}

// lookup resolves {name}, writing a 404 when it is unknown.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (powersupply.Device, bool) {
	d, err := s.fleet.Supply(chi.URLParam(r, "name"))
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	return d, true
}
