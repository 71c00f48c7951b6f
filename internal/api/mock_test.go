package api

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/leadops/internal/classify"
	"github.com/sells-group/leadops/internal/model"
	"github.com/sells-group/leadops/internal/store"
)

// --- Store Mock ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) TryClaim(ctx context.Context, fingerprint string) (bool, error) {
	args := m.Called(ctx, fingerprint)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) Release(ctx context.Context, fingerprint string) error {
	args := m.Called(ctx, fingerprint)
	return args.Error(0)
}

func (m *mockStore) RecordRun(ctx context.Context, run model.Run) (*model.Run, error) {
	args := m.Called(ctx, run)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *mockStore) MostRecentSuccess(ctx context.Context, fingerprint string) (*model.Run, error) {
	args := m.Called(ctx, fingerprint)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *mockStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *mockStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Run), args.Error(1)
}

func (m *mockStore) CountRuns(ctx context.Context, filter store.RunFilter) (int, error) {
	args := m.Called(ctx, filter)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) UpdateRun(ctx context.Context, runID string, upd store.RunUpdate) (*model.Run, error) {
	args := m.Called(ctx, runID, upd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *mockStore) DeleteRun(ctx context.Context, runID string) error {
	args := m.Called(ctx, runID)
	return args.Error(0)
}

func (m *mockStore) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error) {
	args := m.Called(ctx, olderThan)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// --- Classifier Mock ---

type mockClassifier struct {
	mock.Mock
}

func (m *mockClassifier) Classify(ctx context.Context, payload map[string]any) (*model.EnrichmentResult, error) {
	args := m.Called(ctx, payload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.EnrichmentResult), args.Error(1)
}

// Interface conformance checks.
var (
	_ store.Store         = (*mockStore)(nil)
	_ classify.Classifier = (*mockClassifier)(nil)
)
