package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"opendrama/internal/generation"
	"opendrama/internal/pricing"
	"opendrama/internal/segments"
	"opendrama/internal/services"
)

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generation.GenerateRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.deps.Controller.Generate(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if !result.Accepted {
		s.writeShortfall(w, result.Shortfall)
		return
	}
	s.writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	g, err := s.deps.Store.GetGroup(r.Context(), group)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	segs, err := s.deps.Store.ListGroup(r.Context(), group)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, GroupResponse{Summary: segments.Summarize(g, segs), Segments: segs})
}

func (s *Server) handleResetGroup(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Store.ResetGroup(r.Context(), chi.URLParam(r, "group"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRetryGroup(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	if _, err := s.deps.Store.GetGroup(r.Context(), group); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	result, err := s.deps.Store.RetryGroup(r.Context(), group)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if result.Count > 0 && !result.Applied {
		s.writeShortfall(w, result.Shortfall)
		return
	}
	if result.Applied {
		s.deps.Controller.Kick(group)
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleResetSegment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.segmentID(w, r)
	if !ok {
		return
	}
	result, err := s.deps.Store.Reset(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRetrySegment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.segmentID(w, r)
	if !ok {
		return
	}
	seg, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	result, err := s.deps.Store.Retry(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if !result.Applied {
		s.writeShortfall(w, result.Shortfall)
		return
	}
	s.deps.Controller.Kick(seg.GroupID)
	s.writeJSON(w, http.StatusOK, result)
}

// handleQuote prices either one clip (model, resolution, duration) or one
// flat-rate feature (feature).
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if feature := query.Get("feature"); feature != "" {
		receipt, err := s.deps.Charger.Quote(feature)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, QuoteResponse{
			PricingVersion: receipt.PricingVersion,
			Cost:           receipt.Cost,
			Feature:        receipt.Feature,
			Free:           receipt.Free,
		})
		return
	}
	duration, err := strconv.ParseFloat(query.Get("duration"), 64)
	if err != nil {
		s.writeServiceError(w, r, services.Wrap(services.ErrValidation, "api", "quote", "duration must be a number", err))
		return
	}
	table := s.deps.Prices.Current()
	cost, err := pricing.VideoCost(table, query.Get("model"), query.Get("resolution"), duration)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, QuoteResponse{PricingVersion: table.Version, Cost: cost})
}

func (s *Server) segmentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "segment"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid segment id")
		return 0, false
	}
	return id, true
}
