package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/progress"
	"github.com/sells-group/research-engine/internal/session"
	"github.com/sells-group/research-engine/internal/store"
)

type mockSessions struct {
	mock.Mock
}

func (m *mockSessions) Create(ctx context.Context, req session.CreateRequest) (*model.ResearchSession, error) {
	args := m.Called(ctx, req)
	s, _ := args.Get(0).(*model.ResearchSession)
	return s, args.Error(1)
}

func (m *mockSessions) Get(ctx context.Context, id string) (*model.ResearchSession, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*model.ResearchSession)
	return s, args.Error(1)
}

func (m *mockSessions) List(ctx context.Context, f store.SessionFilter) ([]model.ResearchSession, error) {
	args := m.Called(ctx, f)
	l, _ := args.Get(0).([]model.ResearchSession)
	return l, args.Error(1)
}

func (m *mockSessions) Pause(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockSessions) Resume(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockSessions) Cancel(ctx context.Context, id string, hard bool) error {
	return m.Called(ctx, id, hard).Error(0)
}

func (m *mockSessions) Stream(ctx context.Context, id string) (<-chan progress.Progress, func()) {
	args := m.Called(ctx, id)
	return args.Get(0).(<-chan progress.Progress), func() {}
}

type mockResults struct {
	mock.Mock
}

func (m *mockResults) GetSession(ctx context.Context, id string) (*model.ResearchSession, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*model.ResearchSession)
	return s, args.Error(1)
}

func (m *mockResults) ListFindings(ctx context.Context, id string) ([]model.Finding, error) {
	args := m.Called(ctx, id)
	f, _ := args.Get(0).([]model.Finding)
	return f, args.Error(1)
}

func (m *mockResults) ListClaims(ctx context.Context, id string) ([]model.Claim, error) {
	args := m.Called(ctx, id)
	c, _ := args.Get(0).([]model.Claim)
	return c, args.Error(1)
}

func (m *mockResults) ClusterClaims(ctx context.Context, id string) ([]model.ClaimCluster, error) {
	args := m.Called(ctx, id)
	c, _ := args.Get(0).([]model.ClaimCluster)
	return c, args.Error(1)
}

func (m *mockResults) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func newTestServer(t *testing.T) (*httptest.Server, *mockSessions, *mockResults) {
	t.Helper()
	sessions, results := new(mockSessions), new(mockResults)
	srv := httptest.NewServer(NewServer(sessions, results, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, sessions, results
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func active(id string) *model.ResearchSession {
	return &model.ResearchSession{ID: id, Query: "q", Status: model.SessionStatusActive}
}

func TestHealth(t *testing.T) {
	srv, _, results := newTestServer(t)
	results.On("Ping", mock.Anything).Return(nil).Once()
	results.On("Ping", mock.Anything).Return(assert.AnError).Once()

	resp := do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp := do(t, http.MethodGet, srv.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateSession(t *testing.T) {
	srv, sessions, _ := newTestServer(t)
	sessions.On("Create", mock.Anything, session.CreateRequest{Query: "why?", ParentSessionID: "p1"}).
		Return(active("s1"), nil)

	resp := do(t, http.MethodPost, srv.URL+"/sessions", `{"query":"why?","parent_session_id":"p1"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "/sessions/s1", resp.Header.Get("Location"))
	got := decode[model.ResearchSession](t, resp)
	assert.Equal(t, "s1", got.ID)
}

func TestCreateSession_Errors(t *testing.T) {
	srv, sessions, _ := newTestServer(t)
	sessions.On("Create", mock.Anything, session.CreateRequest{Query: ""}).
		Return(nil, session.ErrInvalidRequest)
	sessions.On("Create", mock.Anything, session.CreateRequest{Query: "q", ParentSessionID: "gone"}).
		Return(nil, model.ErrSessionNotFound)

	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, srv.URL+"/sessions", `{`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, srv.URL+"/sessions", `{"query":""}`).StatusCode)
	assert.Equal(t, http.StatusNotFound,
		do(t, http.MethodPost, srv.URL+"/sessions", `{"query":"q","parent_session_id":"gone"}`).StatusCode)
}

func TestListSessions(t *testing.T) {
	srv, sessions, _ := newTestServer(t)
	sessions.On("List", mock.Anything, store.SessionFilter{Status: model.SessionStatusPaused, Limit: 5, Offset: 10}).
		Return([]model.ResearchSession{*active("a")}, nil)
	sessions.On("List", mock.Anything, store.SessionFilter{}).Return(nil, nil)

	resp := do(t, http.MethodGet, srv.URL+"/sessions?status=paused&limit=5&offset=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]model.ResearchSession](t, resp), 1)

	resp = do(t, http.MethodGet, srv.URL+"/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, decode[[]model.ResearchSession](t, resp))

	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodGet, srv.URL+"/sessions?limit=-1", "").StatusCode)
}

func TestGetSession_NotFound(t *testing.T) {
	srv, sessions, _ := newTestServer(t)
	sessions.On("Get", mock.Anything, "nope").Return(nil, model.ErrSessionNotFound)

	resp := do(t, http.MethodGet, srv.URL+"/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Contains(t, body["error"], "session not found")
}

func TestLifecycleControls(t *testing.T) {
	srv, sessions, _ := newTestServer(t)
	sessions.On("Pause", mock.Anything, "s1").Return(nil)
	sessions.On("Resume", mock.Anything, "s1").Return(model.ErrInvalidTransition)
	sessions.On("Cancel", mock.Anything, "s1", true).Return(nil)
	sessions.On("Cancel", mock.Anything, "s2", false).Return(nil)
	sessions.On("Get", mock.Anything, mock.Anything).Return(active("s1"), nil)

	assert.Equal(t, http.StatusAccepted, do(t, http.MethodPost, srv.URL+"/sessions/s1/pause", "").StatusCode)
	assert.Equal(t, http.StatusConflict, do(t, http.MethodPost, srv.URL+"/sessions/s1/resume", "").StatusCode)
	assert.Equal(t, http.StatusAccepted, do(t, http.MethodPost, srv.URL+"/sessions/s1/cancel?mode=hard", "").StatusCode)
	assert.Equal(t, http.StatusAccepted, do(t, http.MethodPost, srv.URL+"/sessions/s2/cancel", "").StatusCode)
	sessions.AssertExpectations(t)
}

func TestStreamProgress(t *testing.T) {
	srv, sessions, _ := newTestServer(t)
	ch := make(chan progress.Progress, 3)
	ch <- progress.Progress{SessionID: "s1", Iteration: 1, Stage: progress.StageIteration, Status: model.SessionStatusActive}
	ch <- progress.Progress{SessionID: "s1", Iteration: 1, Stage: progress.StageStatus, Status: model.SessionStatusCompleted, Reason: "saturated"}
	sessions.On("Get", mock.Anything, "s1").Return(active("s1"), nil)
	sessions.On("Stream", mock.Anything, "s1").Return((<-chan progress.Progress)(ch))

	resp := do(t, http.MethodGet, srv.URL+"/sessions/s1/progress", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	var last progress.Progress
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &last))
		}
	}
	assert.Equal(t, []string{"iteration", "status"}, events)
	assert.Equal(t, model.SessionStatusCompleted, last.Status)
}

func TestStreamProgress_FinishedSessionSendsStatus(t *testing.T) {
	srv, sessions, _ := newTestServer(t)
	done := &model.ResearchSession{ID: "s1", Status: model.SessionStatusFailed, Reason: "boom", UpdatedAt: time.Now()}
	sessions.On("Get", mock.Anything, "s1").Return(done, nil)

	resp := do(t, http.MethodGet, srv.URL+"/sessions/s1/progress", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sc := bufio.NewScanner(resp.Body)
	var data string
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "data: ") {
			data = strings.TrimPrefix(sc.Text(), "data: ")
		}
	}
	var p progress.Progress
	require.NoError(t, json.Unmarshal([]byte(data), &p))
	assert.Equal(t, model.SessionStatusFailed, p.Status)
	assert.Equal(t, "boom", p.Reason)
	sessions.AssertNotCalled(t, "Stream", mock.Anything, mock.Anything)
}

func TestExportSession(t *testing.T) {
	srv, _, results := newTestServer(t)
	sess := &model.ResearchSession{ID: "s1", Query: "lithium", Status: model.SessionStatusCompleted, FinalSynthesis: "Recovery is low."}
	results.On("GetSession", mock.Anything, "s1").Return(sess, nil)
	results.On("ListFindings", mock.Anything, "s1").Return([]model.Finding{
		{ID: "f1", Iteration: 1, FindingType: model.FindingTypeSynthesis, Content: "Recovery is low."},
	}, nil)
	results.On("ListClaims", mock.Anything, "s1").Return(nil, nil)

	resp := do(t, http.MethodGet, srv.URL+"/sessions/s1/export?format=md", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/markdown; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "session-s1.md")

	resp = do(t, http.MethodGet, srv.URL+"/sessions/s1/export?format=json", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, true, body["findings_only"])

	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodGet, srv.URL+"/sessions/s1/export?format=pdf", "").StatusCode)
}

func TestClaimClusters(t *testing.T) {
	srv, sessions, results := newTestServer(t)
	sessions.On("Get", mock.Anything, "s1").Return(active("s1"), nil)
	sessions.On("Get", mock.Anything, "nope").Return(nil, model.ErrSessionNotFound)
	results.On("ClusterClaims", mock.Anything, "s1").Return([]model.ClaimCluster{
		{Fingerprint: "fp", Count: 3, MaxConfidence: 0.9, FirstIteration: 1, LastIteration: 3, Representative: "x"},
	}, nil)

	resp := do(t, http.MethodGet, srv.URL+"/sessions/s1/claims/clusters", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	clusters := decode[[]model.ClaimCluster](t, resp)
	require.Len(t, clusters, 1)
	assert.Equal(t, 3, clusters[0].Count)

	assert.Equal(t, http.StatusNotFound, do(t, http.MethodGet, srv.URL+"/sessions/nope/claims/clusters", "").StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	sessions, results := new(mockSessions), new(mockResults)
	srv := httptest.NewServer(NewServer(sessions, results, []string{"https://app.example.org"}).Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "https://app.example.org", resp.Header.Get("Access-Control-Allow-Origin"))
}
