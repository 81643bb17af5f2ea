package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"geoseg/internal/logging"
	"geoseg/internal/pipeline"
	"geoseg/internal/storage"
	"geoseg/internal/unet"

	"github.com/gorilla/mux"
)

// RejectionResponse describes an architecture that cannot be built.
type RejectionResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
	Shape  []int  `json:"shape,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// setupModelRoutes adds network build endpoints
func (s *Server) setupModelRoutes(r *mux.Router) {
	r.HandleFunc("/builds", s.handleBuild).Methods("POST")
	r.HandleFunc("/validate", s.handleValidate).Methods("POST")
	r.HandleFunc("/graphs", s.handleGraphs).Methods("GET")
	r.HandleFunc("/graphs/{digest}", s.handleGraph).Methods("GET")
}

func decodeBuildRequest(r *http.Request) (unet.ArchitectureConfig, error) {
	var req pipeline.BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return unet.ArchitectureConfig{}, &decodeError{err}
	}
	return req.Config()
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "invalid request body: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// writeRejection maps build errors to responses. Wiring faults are server
// errors; everything else is the caller's input.
func writeRejection(w http.ResponseWriter, err error) {
	var derr *decodeError
	if errors.As(err, &derr) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var verr *unet.ValidationError
	if !errors.As(err, &verr) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusUnprocessableEntity
	if verr.Fatal() {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, RejectionResponse{
		Reason: verr.Reason.String(),
		Error:  verr.Error(),
		Shape:  verr.Shape,
		Detail: verr.Detail,
	})
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeBuildRequest(r)
	if err != nil {
		writeRejection(w, err)
		return
	}
	g, err := unet.Build(cfg)
	if err != nil {
		logging.LogValidationFailure(s.log, cfg, err)
		writeRejection(w, err)
		return
	}
	sum := g.Summary()
	logging.LogBuildSummary(s.log, sum)
	if err := pipeline.RecordGraph(s.store, g); err != nil {
		s.log.Warn("failed to record graph", "digest", sum.Digest, "error", err)
	}
	writeJSON(w, http.StatusCreated, sum)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeBuildRequest(r)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "config": cfg})
}

func (s *Server) handleGraphs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentGraphs(100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.GraphRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Graph(mux.Vars(r)["digest"])
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
