package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadops/internal/coordinator"
	"github.com/sells-group/leadops/internal/fingerprint"
	"github.com/sells-group/leadops/internal/model"
	"github.com/sells-group/leadops/internal/store"
)

type captureDispatcher struct {
	mu   sync.Mutex
	runs []*model.Run
}

func (d *captureDispatcher) Dispatch(ctx context.Context, run *model.Run) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runs = append(d.runs, run)
}

func newTestServer(st store.Store, cl *mockClassifier, dispatcher Dispatcher) *Server {
	coord := coordinator.New(st, cl)
	return NewServer(coord, st, dispatcher, Config{MaxBodyBytes: 1 << 16})
}

func qualifiedResult() *model.EnrichmentResult {
	return &model.EnrichmentResult{
		Qualified: true,
		Score:     82,
		Reasons:   []string{"High budget"},
	}
}

func TestEnrichFreshLead(t *testing.T) {
	payload := map[string]any{"email": "jane@example.com", "source": "webform"}
	fp := fingerprint.Derive(payload)
	result := qualifiedResult()

	st := &mockStore{}
	cl := &mockClassifier{}
	dispatcher := &captureDispatcher{}
	st.On("MostRecentSuccess", mock.Anything, fp).Return(nil, nil)
	st.On("TryClaim", mock.Anything, fp).Return(true, nil)
	cl.On("Classify", mock.Anything, mock.Anything).Return(result, nil)
	st.On("RecordRun", mock.Anything, mock.Anything).Return(&model.Run{
		ID:     "run-1",
		Status: model.RunStatusSuccess,
		Result: result,
	}, nil)

	srv := newTestServer(st, cl, dispatcher)
	req := httptest.NewRequest(http.MethodPost, "/enrich-lead", strings.NewReader(`{"email":"jane@example.com","source":"webform"}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var got model.EnrichmentResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Qualified)
	assert.Equal(t, 82, got.Score)

	// Qualified fresh result goes downstream.
	assert.Len(t, dispatcher.runs, 1)
	assert.Equal(t, "run-1", dispatcher.runs[0].ID)
}

func TestEnrichCachedLeadSkipsDispatch(t *testing.T) {
	payload := map[string]any{"email": "jane@example.com"}
	fp := fingerprint.Derive(payload)
	result := qualifiedResult()

	st := &mockStore{}
	cl := &mockClassifier{}
	dispatcher := &captureDispatcher{}
	st.On("MostRecentSuccess", mock.Anything, fp).Return(&model.Run{
		ID:     "run-1",
		Status: model.RunStatusSuccess,
		Result: result,
	}, nil)

	srv := newTestServer(st, cl, dispatcher)
	req := httptest.NewRequest(http.MethodPost, "/enrich-lead", strings.NewReader(`{"email":"jane@example.com"}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, dispatcher.runs)
	cl.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)
}

func TestEnrichMalformedBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not JSON", "not json at all"},
		{"JSON array", `[1,2,3]`},
		{"JSON scalar", `"hello"`},
		{"trailing data", `{"a":1}{"b":2}`},
		{"empty body", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&mockStore{}, &mockClassifier{}, nil)
			req := httptest.NewRequest(http.MethodPost, "/enrich-lead", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code, "body: %q", tt.body)
		})
	}
}

func TestEnrichBodyTooLarge(t *testing.T) {
	srv := newTestServer(&mockStore{}, &mockClassifier{}, nil)
	big := bytes.Repeat([]byte("a"), 1<<17)
	req := httptest.NewRequest(http.MethodPost, "/enrich-lead", bytes.NewReader(big))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestEnrichConflict(t *testing.T) {
	payload := map[string]any{"email": "jane@example.com"}
	fp := fingerprint.Derive(payload)

	st := &mockStore{}
	st.On("MostRecentSuccess", mock.Anything, fp).Return(nil, nil)
	st.On("TryClaim", mock.Anything, fp).Return(false, nil)

	srv := newTestServer(st, &mockClassifier{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/enrich-lead", strings.NewReader(`{"email":"jane@example.com"}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestEnrichUpstreamFailure(t *testing.T) {
	payload := map[string]any{"email": "jane@example.com"}
	fp := fingerprint.Derive(payload)

	st := &mockStore{}
	cl := &mockClassifier{}
	st.On("MostRecentSuccess", mock.Anything, fp).Return(nil, nil)
	st.On("TryClaim", mock.Anything, fp).Return(true, nil)
	cl.On("Classify", mock.Anything, mock.Anything).Return(nil, errors.New("api down"))
	st.On("RecordRun", mock.Anything, mock.Anything).Return(&model.Run{ID: "run-f"}, nil)
	st.On("Release", mock.Anything, fp).Return(nil)

	srv := newTestServer(st, cl, nil)
	req := httptest.NewRequest(http.MethodPost, "/enrich-lead", strings.NewReader(`{"email":"jane@example.com"}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestEnrichStorageFailure(t *testing.T) {
	payload := map[string]any{"email": "jane@example.com"}
	fp := fingerprint.Derive(payload)

	st := &mockStore{}
	st.On("MostRecentSuccess", mock.Anything, fp).Return(nil, errors.New("db down"))

	srv := newTestServer(st, &mockClassifier{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/enrich-lead", strings.NewReader(`{"email":"jane@example.com"}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestEnrichSourceQueryParam(t *testing.T) {
	payload := map[string]any{"email": "jane@example.com"}
	fp := fingerprint.Derive(payload)

	st := &mockStore{}
	cl := &mockClassifier{}
	st.On("MostRecentSuccess", mock.Anything, fp).Return(nil, nil)
	st.On("TryClaim", mock.Anything, fp).Return(true, nil)
	cl.On("Classify", mock.Anything, mock.Anything).Return(qualifiedResult(), nil)
	st.On("RecordRun", mock.Anything, mock.MatchedBy(func(run model.Run) bool {
		return run.Source == "partner-api"
	})).Return(&model.Run{ID: "run-1", Status: model.RunStatusSuccess}, nil)

	srv := newTestServer(st, cl, nil)
	req := httptest.NewRequest(http.MethodPost, "/enrich-lead?source=partner-api", strings.NewReader(`{"email":"jane@example.com"}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	st.AssertExpectations(t)
}

func TestListRuns(t *testing.T) {
	st := &mockStore{}
	st.On("ListRuns", mock.Anything, mock.MatchedBy(func(f store.RunFilter) bool {
		return f.Status == model.RunStatusSuccess && f.Limit == 10 && f.Offset == 5
	})).Return([]model.Run{{ID: "run-1"}, {ID: "run-2"}}, nil)
	st.On("CountRuns", mock.Anything, mock.Anything).Return(42, nil)

	srv := newTestServer(st, &mockClassifier{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/runs?status=success&limit=10&offset=5", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp listRunsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Runs, 2)
	assert.Equal(t, 42, resp.Total)
}

func TestListRunsInvalidParams(t *testing.T) {
	srv := newTestServer(&mockStore{}, &mockClassifier{}, nil)

	for _, target := range []string{
		"/runs?status=pending",
		"/runs?qualified=maybe",
		"/runs?limit=0",
		"/runs?offset=-1",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "target: %s", target)
	}
}

func TestListRunsSearch(t *testing.T) {
	st := &mockStore{}
	st.On("ListRuns", mock.Anything, mock.MatchedBy(func(f store.RunFilter) bool {
		return f.Search == "timeout"
	})).Return([]model.Run{{ID: uuid.NewString()}}, nil)
	st.On("CountRuns", mock.Anything, mock.MatchedBy(func(f store.RunFilter) bool {
		return f.Search == "timeout"
	})).Return(1, nil)

	srv := newTestServer(st, &mockClassifier{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/runs?search=timeout", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	st.AssertExpectations(t)
}

func TestGetRun(t *testing.T) {
	present := uuid.NewString()
	missing := uuid.NewString()

	st := &mockStore{}
	st.On("GetRun", mock.Anything, present).Return(&model.Run{ID: present}, nil)
	st.On("GetRun", mock.Anything, missing).Return(nil, nil)

	srv := newTestServer(st, &mockClassifier{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/runs/"+present, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/runs/"+missing, nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunIDValidation(t *testing.T) {
	st := &mockStore{}
	srv := newTestServer(st, &mockClassifier{}, nil)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		req := httptest.NewRequest(method, "/runs/not-a-uuid", strings.NewReader(`{"error":"x"}`))
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "method: %s", method)
	}
	st.AssertNotCalled(t, "GetRun", mock.Anything, mock.Anything)
	st.AssertNotCalled(t, "DeleteRun", mock.Anything, mock.Anything)
}

func TestUpdateRun(t *testing.T) {
	id := uuid.NewString()
	failed := model.RunStatusFailed

	st := &mockStore{}
	st.On("UpdateRun", mock.Anything, id, mock.MatchedBy(func(u store.RunUpdate) bool {
		return u.Status != nil && *u.Status == failed && u.Error != nil && *u.Error == "manual correction"
	})).Return(&model.Run{ID: id, Status: failed, Error: "manual correction"}, nil)

	srv := newTestServer(st, &mockClassifier{}, nil)
	body := `{"status":"failed","error":"manual correction"}`
	req := httptest.NewRequest(http.MethodPut, "/runs/"+id, strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var got model.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, id, got.ID)
	assert.Equal(t, failed, got.Status)
	st.AssertExpectations(t)
}

func TestUpdateRunRejections(t *testing.T) {
	missing := uuid.NewString()
	settled := uuid.NewString()

	st := &mockStore{}
	st.On("UpdateRun", mock.Anything, missing, mock.Anything).Return(nil, store.ErrRunNotFound)
	st.On("UpdateRun", mock.Anything, settled, mock.Anything).Return(nil, store.ErrRunImmutable)

	srv := newTestServer(st, &mockClassifier{}, nil)

	tests := []struct {
		name string
		id   string
		body string
		want int
	}{
		{"no fields", uuid.NewString(), `{}`, http.StatusBadRequest},
		{"not JSON", uuid.NewString(), `nope`, http.StatusBadRequest},
		{"unknown status", uuid.NewString(), `{"status":"pending"}`, http.StatusBadRequest},
		{"missing run", missing, `{"error":"x"}`, http.StatusNotFound},
		{"settled run", settled, `{"error":"x"}`, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/runs/"+tt.id, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestDeleteRun(t *testing.T) {
	present := uuid.NewString()
	missing := uuid.NewString()

	st := &mockStore{}
	st.On("DeleteRun", mock.Anything, present).Return(nil)
	st.On("DeleteRun", mock.Anything, missing).Return(store.ErrRunNotFound)

	srv := newTestServer(st, &mockClassifier{}, nil)

	req := httptest.NewRequest(http.MethodDelete, "/runs/"+present, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/runs/"+missing, nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	st := &mockStore{}
	st.On("CountRuns", mock.Anything, mock.Anything).Return(0, nil)
	st.On("ListRuns", mock.Anything, mock.Anything).Return([]model.Run{}, nil)

	srv := newTestServer(st, &mockClassifier{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth(t *testing.T) {
	st := &mockStore{}
	st.On("Ping", mock.Anything).Return(nil)

	srv := newTestServer(st, &mockClassifier{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	down := &mockStore{}
	down.On("Ping", mock.Anything).Return(errors.New("db down"))
	srv = newTestServer(down, &mockClassifier{}, nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
