package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadops/internal/model"
	"github.com/sells-group/leadops/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type listRunsResponse struct {
	Runs  []model.Run `json:"runs"`
	Total int         `json:"total"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter, err := parseRunFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list runs", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	total, err := s.store.CountRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: count runs", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to count runs")
		return
	}

	if runs == nil {
		runs = []model.Run{}
	}
	respondJSON(w, http.StatusOK, listRunsResponse{Runs: runs, Total: total})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDParam(w, r)
	if !ok {
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		zap.L().Error("api: get run", zap.String("run_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to fetch run")
		return
	}
	if run == nil {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleUpdateRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDParam(w, r)
	if !ok {
		return
	}

	var upd store.RunUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		respondError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}
	if upd.IsEmpty() {
		respondError(w, http.StatusBadRequest, "provide at least one field: status, result, or error")
		return
	}
	if upd.Status != nil && *upd.Status != model.RunStatusSuccess && *upd.Status != model.RunStatusFailed {
		respondError(w, http.StatusBadRequest, errInvalidParam("status", string(*upd.Status)).Error())
		return
	}

	run, err := s.store.UpdateRun(r.Context(), id, upd)
	if err != nil {
		switch {
		case eris.Is(err, store.ErrRunNotFound):
			respondError(w, http.StatusNotFound, "run not found")
		case eris.Is(err, store.ErrRunImmutable):
			respondError(w, http.StatusConflict, "successful runs cannot be modified")
		default:
			zap.L().Error("api: update run", zap.String("run_id", id), zap.Error(err))
			respondError(w, http.StatusInternalServerError, "failed to update run")
		}
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDParam(w, r)
	if !ok {
		return
	}

	if err := s.store.DeleteRun(r.Context(), id); err != nil {
		if eris.Is(err, store.ErrRunNotFound) {
			respondError(w, http.StatusNotFound, "run not found")
			return
		}
		zap.L().Error("api: delete run", zap.String("run_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to delete run")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runIDParam extracts the {id} path parameter and rejects anything that is
// not a UUID before touching the store.
func runIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		respondError(w, http.StatusBadRequest, "invalid run ID format")
		return "", false
	}
	return id, true
}

func parseRunFilter(r *http.Request) (store.RunFilter, error) {
	q := r.URL.Query()
	filter := store.RunFilter{Limit: defaultListLimit}

	switch status := q.Get("status"); status {
	case "":
	case string(model.RunStatusSuccess), string(model.RunStatusFailed):
		filter.Status = model.RunStatus(status)
	default:
		return filter, errInvalidParam("status", status)
	}

	filter.Source = q.Get("source")
	filter.Fingerprint = q.Get("fingerprint")
	filter.Search = q.Get("search")

	if v := q.Get("qualified"); v != "" {
		qualified, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errInvalidParam("qualified", v)
		}
		filter.Qualified = &qualified
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return filter, errInvalidParam("limit", v)
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
		filter.Limit = limit
	}

	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return filter, errInvalidParam("offset", v)
		}
		filter.Offset = offset
	}

	return filter, nil
}

type paramError struct {
	name, value string
}

func errInvalidParam(name, value string) error {
	return &paramError{name: name, value: value}
}

func (e *paramError) Error() string {
	return "invalid " + e.name + " parameter: " + e.value
}
