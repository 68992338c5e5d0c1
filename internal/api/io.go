package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/infn-epics/pshal/internal/iopoint"
)

// PointView describes an I/O point and, when readable, its value.
type PointView struct {
	Name     string       `json:"name"`
	Prefix   string       `json:"prefix"`
	PV       string       `json:"pv"`
	Kind     iopoint.Kind `json:"kind"`
	Writable bool         `json:"writable"`
	Value    *float64     `json:"value,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// SetPointRequest is the body of PUT /io/{name}.
type SetPointRequest struct {
	Value *float64 `json:"value"`
}

func pointView(r *http.Request, p *iopoint.Point) PointView {
	v := PointView{
		Name:     p.Name(),
		Prefix:   p.Prefix(),
		PV:       p.PV(),
		Kind:     p.Kind(),
		Writable: p.Kind().Writable(),
	}
	if val, err := p.Read(r.Context()); err != nil {
		v.Error = err.Error()
	} else {
		v.Value = &val
	}
	return v
}

// handleListPoints returns every I/O point with its last value.
func (s *Server) handleListPoints(w http.ResponseWriter, r *http.Request) {
	points := s.fleet.Points()
	views := make([]PointView, 0, len(points))
	for _, p := range points {
		views = append(views, pointView(r, p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"points": views, "count": len(views)})
}

// handleGetPoint returns one I/O point.
func (s *Server) handleGetPoint(w http.ResponseWriter, r *http.Request) {
	p, err := s.fleet.Point(chi.URLParam(r, "name"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pointView(r, p))
}

// handleSetPoint writes an output point.
func (s *Server) handleSetPoint(w http.ResponseWriter, r *http.Request) {
	p, err := s.fleet.Point(chi.URLParam(r, "name"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req SetPointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "value is required")
		return
	}
	if err := p.Write(r.Context(), *req.Value); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pointView(r, p))
}
