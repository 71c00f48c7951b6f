package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/leadops/internal/coordinator"
)

// handleEnrich accepts an arbitrary JSON object and runs it through the
// coordinator. Identical payloads always produce the same response body,
// whether classified fresh or served from the ledger.
func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, s.cfg.MaxBodyBytes)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	payload, err := decodePayload(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := s.coord.Handle(r.Context(), coordinator.Request{
		Source:  r.URL.Query().Get("source"),
		Payload: payload,
		Raw:     body,
	})
	if err != nil {
		s.respondEnrichError(w, err)
		return
	}

	if s.dispatcher != nil && !out.Cached && out.Result.Qualified {
		s.dispatcher.Dispatch(context.WithoutCancel(r.Context()), out.Run)
	}

	respondJSON(w, http.StatusOK, out.Result)
}

func (s *Server) respondEnrichError(w http.ResponseWriter, err error) {
	var conflict *coordinator.ConflictError
	if errors.As(err, &conflict) {
		secs := int(conflict.RetryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		respondError(w, http.StatusConflict, "enrichment already in progress for this lead")
		return
	}

	if coordinator.IsUpstream(err) {
		zap.L().Warn("api: enrichment gateway failure", zap.Error(err))
		respondError(w, http.StatusBadGateway, "enrichment service unavailable")
		return
	}

	zap.L().Error("api: enrichment failed", zap.Error(err))
	respondError(w, http.StatusInternalServerError, "internal server error")
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodePayload parses the body as a single JSON object. Numbers are kept
// as json.Number so the fingerprint sees the source text, not a float
// round-trip.
func decodePayload(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.New("request body must be valid JSON")
	}
	if dec.More() {
		return nil, errors.New("request body must contain a single JSON value")
	}

	payload, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New("request body must be a JSON object")
	}
	return payload, nil
}
