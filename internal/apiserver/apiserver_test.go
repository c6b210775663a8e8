// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/core/internal/apperr"
	"github.com/lazyaf/core/internal/githost"
	"github.com/lazyaf/core/internal/store/models"
)

// --- fakes: one small hand-written stub per narrow interface, in the same
// style as the fakeEngine/fakeQueue fakes used throughout the other
// packages' test files. ---

type fakeRepoStore struct {
	repos map[string]*models.Repo
}

func newFakeRepoStore() *fakeRepoStore { return &fakeRepoStore{repos: map[string]*models.Repo{}} }

func (f *fakeRepoStore) CreateRepo(r *models.Repo) (*models.Repo, error) {
	r.ID = "repo-1"
	f.repos[r.ID] = r
	return r, nil
}
func (f *fakeRepoStore) GetRepo(id string) (*models.Repo, error) {
	r, ok := f.repos[id]
	if !ok {
		return nil, apperr.New(apperr.KindClientInput, "repo not found")
	}
	return r, nil
}
func (f *fakeRepoStore) ListRepos() ([]models.Repo, error) {
	var out []models.Repo
	for _, r := range f.repos {
		out = append(out, *r)
	}
	return out, nil
}
func (f *fakeRepoStore) SetIngested(id, cloneURL string) (*models.Repo, error) {
	r, ok := f.repos[id]
	if !ok {
		return nil, apperr.New(apperr.KindClientInput, "repo not found")
	}
	r.Ingested = true
	r.CloneURL = cloneURL
	return r, nil
}
func (f *fakeRepoStore) DeleteRepo(id string) error {
	delete(f.repos, id)
	return nil
}

type fakeGitHost struct {
	ingestedFrom string
	createdBare  bool
	diff         string
}

func (f *fakeGitHost) CreateBareRepo(ctx context.Context, repoID string) error {
	f.createdBare = true
	return nil
}
func (f *fakeGitHost) IngestFromClone(ctx context.Context, repoID, sourceURL string) error {
	f.ingestedFrom = sourceURL
	return nil
}
func (f *fakeGitHost) ListBranches(ctx context.Context, repoID string) ([]githost.Branch, error) {
	return []githost.Branch{{Name: "main", SHA: "abc123"}}, nil
}
func (f *fakeGitHost) Commits(ctx context.Context, repoID, branch string, limit int) ([]githost.Commit, error) {
	return []githost.Commit{{SHA: "abc123", Author: "dev", Message: "init"}}, nil
}
func (f *fakeGitHost) Diff(ctx context.Context, repoID, base, head string) (string, error) {
	return f.diff, nil
}
func (f *fakeGitHost) UploadPack(ctx context.Context, repoID string, stdin []byte) ([]byte, error) {
	return []byte("upload-pack-bytes"), nil
}
func (f *fakeGitHost) ReceivePack(ctx context.Context, repoID string, stdin []byte) ([]byte, error) {
	return []byte("receive-pack-bytes"), nil
}

type fakeCardStore struct {
	cards map[string]*models.Card
}

func (f *fakeCardStore) CreateCard(c *models.Card) (*models.Card, error) {
	c.ID = "card-1"
	c.Status = models.CardStatusTodo
	f.cards[c.ID] = c
	return c, nil
}
func (f *fakeCardStore) GetCard(id string) (*models.Card, error) {
	c, ok := f.cards[id]
	if !ok {
		return nil, apperr.New(apperr.KindClientInput, "card not found")
	}
	return c, nil
}
func (f *fakeCardStore) ListCards(repoID string, status models.CardStatus) ([]models.Card, error) {
	var out []models.Card
	for _, c := range f.cards {
		out = append(out, *c)
	}
	return out, nil
}

type fakeCardService struct {
	approveResult *githost.MergeResult
	approveErr    error
}

func (f *fakeCardService) Start(cardID string) (*models.Card, error) {
	return &models.Card{ID: cardID, Status: models.CardStatusInProgress}, nil
}
func (f *fakeCardService) Approve(ctx context.Context, cardID, target string) (*models.Card, *githost.MergeResult, error) {
	if f.approveErr != nil {
		return nil, nil, f.approveErr
	}
	return &models.Card{ID: cardID, Status: models.CardStatusDone}, f.approveResult, nil
}
func (f *fakeCardService) Reject(cardID string) (*models.Card, error) {
	return &models.Card{ID: cardID, Status: models.CardStatusTodo}, nil
}
func (f *fakeCardService) Retry(cardID string, auto bool) (*models.Card, error) {
	return &models.Card{ID: cardID, Status: models.CardStatusTodo}, nil
}

type fakeJobStore struct {
	jobs map[string]*models.Job
}

func (f *fakeJobStore) GetJob(id string) (*models.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, apperr.New(apperr.KindClientInput, "job not found")
	}
	return j, nil
}
func (f *fakeJobStore) CompleteJob(jobID string, status models.JobStatus, errMsg, branchName string, results *models.TestResultSummary) (*models.Job, error) {
	j := f.jobs[jobID]
	j.Status = status
	return j, nil
}

type fakeJobCanceller struct {
	cancelled []string
}

func (f *fakeJobCanceller) Cancel(runnerID, jobID string) error {
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

type fakeRunnerStore struct{}

func (f *fakeRunnerStore) ListRunners() ([]models.Runner, error) {
	return []models.Runner{{ID: "runner-1", Status: models.RunnerStatusIdle}}, nil
}

type fakePipelineStore struct {
	pipelines map[string]*models.Pipeline
	runs      map[string]*models.PipelineRun
}

func (f *fakePipelineStore) CreatePipeline(p *models.Pipeline) (*models.Pipeline, error) {
	p.ID = "pipe-1"
	f.pipelines[p.ID] = p
	return p, nil
}
func (f *fakePipelineStore) GetPipeline(id string) (*models.Pipeline, error) {
	p, ok := f.pipelines[id]
	if !ok {
		return nil, apperr.New(apperr.KindClientInput, "pipeline not found")
	}
	return p, nil
}
func (f *fakePipelineStore) ListPipelines(repoID string) ([]models.Pipeline, error) {
	var out []models.Pipeline
	for _, p := range f.pipelines {
		out = append(out, *p)
	}
	return out, nil
}
func (f *fakePipelineStore) UpdatePipeline(p *models.Pipeline) (*models.Pipeline, error) {
	f.pipelines[p.ID] = p
	return p, nil
}
func (f *fakePipelineStore) DeletePipeline(id string) error {
	delete(f.pipelines, id)
	return nil
}
func (f *fakePipelineStore) GetPipelineRun(id string) (*models.PipelineRun, error) {
	r, ok := f.runs[id]
	if !ok {
		return nil, apperr.New(apperr.KindClientInput, "run not found")
	}
	return r, nil
}
func (f *fakePipelineStore) ListPipelineRuns(pipelineID string) ([]models.PipelineRun, error) {
	var out []models.PipelineRun
	for _, r := range f.runs {
		out = append(out, *r)
	}
	return out, nil
}

type fakePipelineEngine struct {
	launchedRef  string
	launchedType models.TriggerKind
	cancelled    []string
}

func (f *fakePipelineEngine) Launch(ctx context.Context, pipelineID string, triggerType models.TriggerKind, triggerRef string, tctx models.TriggerContext) (*models.PipelineRun, error) {
	f.launchedRef = triggerRef
	f.launchedType = triggerType
	return &models.PipelineRun{ID: "run-1", PipelineID: pipelineID, Status: models.RunStatusRunning}, nil
}
func (f *fakePipelineEngine) Cancel(runID string) error {
	f.cancelled = append(f.cancelled, runID)
	return nil
}

type fakeDebugController struct {
	rerunRef string
}

func (f *fakeDebugController) StartRerun(ctx context.Context, originalRunID string, breakpoints []int, triggerRef string, expiry time.Duration) (*models.PipelineRun, *models.DebugSession, string, error) {
	f.rerunRef = triggerRef
	return &models.PipelineRun{ID: "rerun-1"}, &models.DebugSession{ID: "sess-1"}, "tok-123", nil
}
func (f *fakeDebugController) Resume(ctx context.Context, sessionID, token string) (*models.DebugSession, error) {
	return &models.DebugSession{ID: sessionID, Status: models.DebugSessionConnected}, nil
}
func (f *fakeDebugController) Abort(sessionID string) (*models.DebugSession, error) {
	return &models.DebugSession{ID: sessionID, Status: models.DebugSessionEnded}, nil
}

type fakeAgentFileStore struct {
	files map[string]*models.AgentFile
}

func (f *fakeAgentFileStore) CreateAgentFile(a *models.AgentFile) (*models.AgentFile, error) {
	a.ID = "agent-1"
	f.files[a.ID] = a
	return a, nil
}
func (f *fakeAgentFileStore) GetAgentFile(id string) (*models.AgentFile, error) {
	a, ok := f.files[id]
	if !ok {
		return nil, apperr.New(apperr.KindClientInput, "agent file not found")
	}
	return a, nil
}
func (f *fakeAgentFileStore) ListAgentFiles() ([]models.AgentFile, error) {
	var out []models.AgentFile
	for _, a := range f.files {
		out = append(out, *a)
	}
	return out, nil
}
func (f *fakeAgentFileStore) UpdateAgentFile(a *models.AgentFile) (*models.AgentFile, error) {
	f.files[a.ID] = a
	return a, nil
}
func (f *fakeAgentFileStore) DeleteAgentFile(id string) error {
	delete(f.files, id)
	return nil
}

type testHandlers struct {
	h         *Handlers
	repos     *fakeRepoStore
	git       *fakeGitHost
	cards     *fakeCardStore
	cardSvc   *fakeCardService
	jobs      *fakeJobStore
	runners   *fakeJobCanceller
	pipelines *fakePipelineStore
	engine    *fakePipelineEngine
	debug     *fakeDebugController
}

func newTestHandlers() *testHandlers {
	t := &testHandlers{
		repos:     newFakeRepoStore(),
		git:       &fakeGitHost{},
		cards:     &fakeCardStore{cards: map[string]*models.Card{}},
		cardSvc:   &fakeCardService{},
		jobs:      &fakeJobStore{jobs: map[string]*models.Job{}},
		runners:   &fakeJobCanceller{},
		pipelines: &fakePipelineStore{pipelines: map[string]*models.Pipeline{}, runs: map[string]*models.PipelineRun{}},
		engine:    &fakePipelineEngine{},
		debug:     &fakeDebugController{},
	}
	t.h = NewHandlers(
		t.repos,
		t.git,
		t.cards,
		t.cardSvc,
		t.jobs,
		&fakeRunnerStore{},
		t.runners,
		t.pipelines,
		t.engine,
		t.debug,
		&fakeAgentFileStore{files: map[string]*models.AgentFile{}},
		"http://backend.local",
	)
	return t
}

func newRequestWithParam(method, target, body, param, value string) *http.Request {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if param != "" {
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add(param, value)
		r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
	}
	return r
}

func TestCreateAndGetRepo(t *testing.T) {
	th := newTestHandlers()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/repos", strings.NewReader(`{"name":"demo"}`))
	th.h.CreateRepo(w, r)
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.Repo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "demo", created.Name)
	assert.Equal(t, "main", created.DefaultBranch)

	w2 := httptest.NewRecorder()
	r2 := newRequestWithParam(http.MethodGet, "/repos/repo-1", "", "id", "repo-1")
	th.h.GetRepo(w2, r2)
	require.Equal(t, http.StatusOK, w2.Code)
}

func TestCreateRepoRejectsBlankName(t *testing.T) {
	th := newTestHandlers()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/repos", strings.NewReader(`{"name":"  "}`))
	th.h.CreateRepo(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestRepoFromCloneSetsCloneURL(t *testing.T) {
	th := newTestHandlers()
	th.repos.repos["repo-1"] = &models.Repo{ID: "repo-1", Name: "demo", DefaultBranch: "main"}

	w := httptest.NewRecorder()
	r := newRequestWithParam(http.MethodPost, "/repos/repo-1/ingest", `{"source_url":"https://example.com/demo.git"}`, "id", "repo-1")
	th.h.IngestRepo(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://example.com/demo.git", th.git.ingestedFrom)
	assert.True(t, th.repos.repos["repo-1"].Ingested)

	var resp ingestRepoResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "http://backend.local/git/repo-1.git", resp.CloneURL)
}

func TestGetBranchesAndCommits(t *testing.T) {
	th := newTestHandlers()
	th.repos.repos["repo-1"] = &models.Repo{ID: "repo-1", DefaultBranch: "main"}

	w := httptest.NewRecorder()
	r := newRequestWithParam(http.MethodGet, "/repos/repo-1/branches", "", "id", "repo-1")
	th.h.GetBranches(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	w2 := httptest.NewRecorder()
	r2 := newRequestWithParam(http.MethodGet, "/repos/repo-1/commits", "", "id", "repo-1")
	th.h.GetCommits(w2, r2)
	require.Equal(t, http.StatusOK, w2.Code)
}

func TestGetDiffRequiresBaseAndHead(t *testing.T) {
	th := newTestHandlers()

	w := httptest.NewRecorder()
	r := newRequestWithParam(http.MethodGet, "/repos/repo-1/diff", "", "id", "repo-1")
	th.h.GetDiff(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApproveCardReturnsConflictOnFailedMerge(t *testing.T) {
	th := newTestHandlers()
	th.cardSvc.approveResult = &githost.MergeResult{Succeeded: false, ConflictFiles: []string{"a.go"}}

	w := httptest.NewRecorder()
	r := newRequestWithParam(http.MethodPost, "/cards/card-1/approve", "", "id", "card-1")
	th.h.ApproveCard(w, r)

	assert.Equal(t, http.StatusConflict, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["merge_conflict"])
}

func TestApproveCardSucceeds(t *testing.T) {
	th := newTestHandlers()
	th.cardSvc.approveResult = &githost.MergeResult{Succeeded: true}

	w := httptest.NewRecorder()
	r := newRequestWithParam(http.MethodPost, "/cards/card-1/approve", "", "id", "card-1")
	th.h.ApproveCard(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCancelJobSkipsAlreadyTerminalJobs(t *testing.T) {
	th := newTestHandlers()
	th.jobs.jobs["job-1"] = &models.Job{ID: "job-1", Status: models.JobStatusCompleted}

	w := httptest.NewRecorder()
	r := newRequestWithParam(http.MethodPost, "/jobs/job-1/cancel", "", "id", "job-1")
	th.h.CancelJob(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, th.runners.cancelled, "a terminal job should not notify the runner")
}

func TestCancelJobNotifiesRunnerAndCompletesJob(t *testing.T) {
	th := newTestHandlers()
	th.jobs.jobs["job-1"] = &models.Job{ID: "job-1", Status: models.JobStatusRunning, RunnerID: "runner-1"}

	w := httptest.NewRecorder()
	r := newRequestWithParam(http.MethodPost, "/jobs/job-1/cancel", "", "id", "job-1")
	th.h.CancelJob(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"job-1"}, th.runners.cancelled)
	assert.Equal(t, models.JobStatusFailed, th.jobs.jobs["job-1"].Status)
}

func TestRunPipelinePassesRefAndManualTrigger(t *testing.T) {
	th := newTestHandlers()
	th.pipelines.pipelines["pipe-1"] = &models.Pipeline{ID: "pipe-1"}

	w := httptest.NewRecorder()
	r := newRequestWithParam(http.MethodPost, "/pipelines/pipe-1/run", `{"ref":"feature-x"}`, "id", "pipe-1")
	th.h.RunPipeline(w, r)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "feature-x", th.engine.launchedRef)
	assert.Equal(t, models.TriggerManual, th.engine.launchedType)
}

func TestDebugRerunPrefersCommitSHAOverBranch(t *testing.T) {
	th := newTestHandlers()

	w := httptest.NewRecorder()
	r := newRequestWithParam(http.MethodPost, "/pipeline-runs/run-1/debug-rerun",
		`{"breakpoints":[1],"commit_sha":"deadbeef","branch":"main"}`, "id", "run-1")
	th.h.DebugRerun(w, r)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp debugRerunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "rerun-1", resp.RunID)
	assert.Equal(t, "sess-1", resp.DebugSessionID)
	assert.Equal(t, "tok-123", resp.Token)
	assert.Equal(t, "deadbeef", th.debug.rerunRef)
}

func TestGitInfoRefsRejectsUnknownService(t *testing.T) {
	th := newTestHandlers()

	w := httptest.NewRecorder()
	r := newRequestWithParam(http.MethodGet, "/git/repo-1.git/info/refs?service=bogus", "", "repo", "repo-1")
	th.h.GitInfoRefs(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGitInfoRefsAdvertisesService(t *testing.T) {
	th := newTestHandlers()

	w := httptest.NewRecorder()
	r := newRequestWithParam(http.MethodGet, "/git/repo-1.git/info/refs?service=git-upload-pack", "", "repo", "repo-1")
	th.h.GitInfoRefs(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-git-upload-pack-advertisement", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "# service=git-upload-pack")
}

func TestWriteErrorMapsKindsToStatusCodes(t *testing.T) {
	cases := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.KindClientInput, http.StatusBadRequest},
		{apperr.KindResourceUnavailable, http.StatusConflict},
		{apperr.KindTransientRuntime, http.StatusServiceUnavailable},
		{apperr.KindGit, http.StatusUnprocessableEntity},
		{apperr.KindIntegrity, http.StatusInternalServerError},
		{apperr.KindFatal, http.StatusInternalServerError},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		writeError(w, apperr.New(c.kind, "boom"))
		assert.Equal(t, c.want, w.Code, "kind %s", c.kind)
	}
}
