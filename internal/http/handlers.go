package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"statguard/internal/core"
	"statguard/internal/eventbus"
	"statguard/internal/log"
	"statguard/internal/middleware/trace"
	"statguard/internal/services"
	"statguard/internal/snapshots"
)

// defaultCostRatio applies when an entry is saved without a cost ratio.
var defaultCostRatio = decimal.RequireFromString("0.5")

func handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Body(map[string]string{"status": "ok"}).Write(w)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for name, check := range s.readyChecks {
		if err := check(r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		NewJSONResponse().
			Status(http.StatusServiceUnavailable).
			Body(map[string]any{"status": "unavailable", "checks": failures}).
			Write(w)
		return
	}
	NewJSONResponse().Body(map[string]string{"status": "ready"}).Write(w)
}

type transitionRequest struct {
	Old core.Snapshot `json:"old"`
	New core.Snapshot `json:"new"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	if req.New.IsZero() {
		s.fail(w, r, http.StatusBadRequest, errors.New("new snapshot is required"))
		return
	}

	t := eventbus.NewTransition(req.Old, req.New)
	if err := s.publisher.Publish(r.Context(), t); err != nil {
		s.fail(w, r, http.StatusBadGateway, fmt.Errorf("publish transition: %w", err))
		return
	}

	NewJSONResponse().
		Status(http.StatusAccepted).
		Body(map[string]string{"id": t.ID}).
		Write(w)
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	result, err := s.deriver.Recompute(r.Context())
	if err != nil {
		s.failFor(w, r, err, log.OpRecompute)
		return
	}
	NewJSONResponse().Body(result).Write(w)
}

func (s *Server) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshots.Get(r.Context(), snapshots.Latest)
	if err != nil {
		s.failFor(w, r, err, log.OpRead)
		return
	}
	NewJSONResponse().Raw(snap.Bytes()).Write(w)
}

func (s *Server) handleCompany(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deriver.Summary(r.Context())
	if err != nil {
		s.failFor(w, r, err, log.OpRead)
		return
	}
	NewJSONResponse().Body(sum).Write(w)
}

// entryRequest leaves every field optional; missing numbers get the
// defaults of a new entry.
type entryRequest struct {
	MonthlySales *decimal.Decimal `json:"monthly_sales"`
	UnitPrice    *decimal.Decimal `json:"unit_price"`
	CostRatio    *decimal.Decimal `json:"cost_ratio"`
}

func (req entryRequest) input() services.EntryInput {
	in := services.EntryInput{CostRatio: defaultCostRatio}
	if req.MonthlySales != nil {
		in.MonthlySales = *req.MonthlySales
	}
	if req.UnitPrice != nil {
		in.UnitPrice = *req.UnitPrice
	}
	if req.CostRatio != nil {
		in.CostRatio = *req.CostRatio
	}
	return in
}

func (s *Server) handleUpsertEntry(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}

	entry, err := s.deriver.UpsertEntry(r.Context(), r.PathValue("name"), req.input())
	if err != nil {
		s.failFor(w, r, err, log.OpUpsert)
		return
	}
	NewJSONResponse().Body(entry).Write(w)
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	if err := s.deriver.DeleteEntry(r.Context(), r.PathValue("name")); err != nil {
		s.failFor(w, r, err, log.OpDelete)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any, strict bool) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("unsupported content type %q", ct)
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// failFor maps service errors onto status codes.
func (s *Server) failFor(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, services.ErrNoSnapshot), errors.Is(err, snapshots.ErrNotFound):
		s.fail(w, r, http.StatusNotFound, err)
	case errors.Is(err, services.ErrEntryNotFound):
		s.fail(w, r, http.StatusNotFound, err)
	case errors.Is(err, services.ErrInvalidEntry):
		s.fail(w, r, http.StatusBadRequest, err)
	case errors.Is(err, snapshots.ErrConflict):
		s.fail(w, r, http.StatusConflict, err)
	default:
		log.LogError(r.Context(), "Request failed", err, op, log.ErrorTypeInternal)
		s.fail(w, r, http.StatusInternalServerError, err)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	NewJSONResponse().Error(code, err.Error(), trace.GetRequestID(r.Context())).Write(w)
}
