package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-engine/internal/config"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) ListThreads(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	threads, _ := args.Get(0).([]string)
	return threads, args.Error(1)
}

func (m *mockStore) ArchiveSessions(ctx context.Context, before time.Time) (int, error) {
	args := m.Called(ctx, before)
	return args.Int(0), args.Error(1)
}

type mockPruner struct {
	mock.Mock
}

func (m *mockPruner) Prune(ctx context.Context, threadID string, keep int) (int, error) {
	args := m.Called(ctx, threadID, keep)
	return args.Int(0), args.Error(1)
}

var fixedNow = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func newScheduler(st *mockStore, pr *mockPruner, cfg config.RetentionConfig) *Scheduler {
	s := New(st, pr, cfg)
	s.now = func() time.Time { return fixedNow }
	return s
}

func TestRunOnce(t *testing.T) {
	st, pr := new(mockStore), new(mockPruner)
	st.On("ListThreads", mock.Anything).Return([]string{"a", "b", "c"}, nil)
	pr.On("Prune", mock.Anything, "a", 5).Return(3, nil)
	pr.On("Prune", mock.Anything, "b", 5).Return(0, assert.AnError)
	pr.On("Prune", mock.Anything, "c", 5).Return(2, nil)
	st.On("ArchiveSessions", mock.Anything, fixedNow.Add(-72*time.Hour)).Return(4, nil)

	s := newScheduler(st, pr, config.RetentionConfig{KeepCheckpoints: 5, ArchiveAfterHours: 72})
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Threads: 3, CheckpointsPruned: 5, SessionsArchived: 4}, res)
	st.AssertExpectations(t)
	pr.AssertExpectations(t)
}

func TestRunOnce_DisabledJobsDoNothing(t *testing.T) {
	st, pr := new(mockStore), new(mockPruner)
	s := newScheduler(st, pr, config.RetentionConfig{})

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	st.AssertNotCalled(t, "ListThreads", mock.Anything)
	st.AssertNotCalled(t, "ArchiveSessions", mock.Anything, mock.Anything)
}

func TestRunOnce_ListThreadsError(t *testing.T) {
	st, pr := new(mockStore), new(mockPruner)
	st.On("ListThreads", mock.Anything).Return(nil, assert.AnError)

	s := newScheduler(st, pr, config.RetentionConfig{KeepCheckpoints: 2, ArchiveAfterHours: 1})
	_, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maintenance: list threads")
	st.AssertNotCalled(t, "ArchiveSessions", mock.Anything, mock.Anything)
}

func TestArchiveSessions_Error(t *testing.T) {
	st, pr := new(mockStore), new(mockPruner)
	st.On("ArchiveSessions", mock.Anything, mock.Anything).Return(0, assert.AnError)

	s := newScheduler(st, pr, config.RetentionConfig{ArchiveAfterHours: 24})
	_, err := s.ArchiveSessions(context.Background())
	require.ErrorIs(t, err, assert.AnError)
}

func TestStart_RunsJobsImmediately(t *testing.T) {
	st, pr := new(mockStore), new(mockPruner)
	pruned := make(chan struct{}, 1)
	archived := make(chan struct{}, 1)
	st.On("ListThreads", mock.Anything).Return([]string{"t1"}, nil)
	pr.On("Prune", mock.Anything, "t1", 3).Return(1, nil).Run(func(mock.Arguments) {
		select {
		case pruned <- struct{}{}:
		default:
		}
	})
	st.On("ArchiveSessions", mock.Anything, mock.Anything).Return(0, nil).Run(func(mock.Arguments) {
		select {
		case archived <- struct{}{}:
		default:
		}
	})

	s := newScheduler(st, pr, config.RetentionConfig{KeepCheckpoints: 3, ArchiveAfterHours: 24, GCIntervalMins: 60})
	require.NoError(t, s.Start(context.Background()))
	defer s.Shutdown() //nolint:errcheck

	for name, ch := range map[string]chan struct{}{"prune": pruned, "archive": archived} {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("%s job did not run", name)
		}
	}
}

func TestShutdown_WithoutStart(t *testing.T) {
	s := New(new(mockStore), new(mockPruner), config.RetentionConfig{})
	assert.NoError(t, s.Shutdown())
}
