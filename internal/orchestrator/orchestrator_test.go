package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/LordVaderXIII/Appmanager/internal/domain"
	"github.com/LordVaderXIII/Appmanager/internal/dockerx"
	"github.com/LordVaderXIII/Appmanager/internal/fixer"
	"github.com/LordVaderXIII/Appmanager/internal/gitsync"
	"github.com/LordVaderXIII/Appmanager/internal/repository"
)

type fakeStore struct {
	mu    sync.Mutex
	repos map[string]*domain.TrackedRepo
	runs  []domain.BuildRun
	recs  map[string]*domain.ErrorRecord
}

func newFakeStore(repos ...*domain.TrackedRepo) *fakeStore {
	s := &fakeStore{
		repos: map[string]*domain.TrackedRepo{},
		recs:  map[string]*domain.ErrorRecord{},
	}
	for _, r := range repos {
		s.repos[r.ID] = r
	}
	return s
}

func (s *fakeStore) key(repoID, fp string) string { return repoID + "|" + fp }

func (s *fakeStore) CreateRepo(ctx context.Context, repo *domain.TrackedRepo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[repo.ID] = repo
	return nil
}

func (s *fakeStore) GetRepoByID(ctx context.Context, id string) (*domain.TrackedRepo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *repo
	return &cp, nil
}

func (s *fakeStore) GetRepoByURL(ctx context.Context, url string) (*domain.TrackedRepo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, repo := range s.repos {
		if repo.URL == url {
			cp := *repo
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeStore) ListRepos(ctx context.Context) ([]domain.TrackedRepo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TrackedRepo, 0, len(s.repos))
	for _, repo := range s.repos {
		out = append(out, *repo)
	}
	return out, nil
}

func (s *fakeStore) UpdateRepoSync(ctx context.Context, update domain.RepoSyncUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[update.RepoID]
	if !ok {
		return repository.ErrNotFound
	}
	repo.State = update.State
	if update.LastRevision != "" {
		repo.LastRevision = update.LastRevision
	}
	if update.ImageTag != "" {
		repo.ImageTag = update.ImageTag
	}
	if update.ContainerName != "" {
		repo.ContainerName = update.ContainerName
	}
	if update.SetExcerpt {
		repo.LastLogExcerpt = update.LastLogExcerpt
	}
	if update.ClearForce {
		repo.ForceSync = false
	}
	return nil
}

func (s *fakeStore) UpdateRepoOverrides(ctx context.Context, id string, overrides domain.SpecOverrides) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[id]
	if !ok {
		return repository.ErrNotFound
	}
	repo.Overrides = overrides
	return nil
}

func (s *fakeStore) SetForceSync(ctx context.Context, id string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[id]
	if !ok {
		return repository.ErrNotFound
	}
	repo.ForceSync = force
	return nil
}

func (s *fakeStore) DeleteRepo(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.repos, id)
	return nil
}

func (s *fakeStore) CreateBuildRun(ctx context.Context, run *domain.BuildRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.ID = fmt.Sprintf("run-%d", len(s.runs)+1)
	s.runs = append(s.runs, *run)
	return nil
}

func (s *fakeStore) ListBuildRuns(ctx context.Context, repoID string, limit int) ([]domain.BuildRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.BuildRun
	for _, run := range s.runs {
		if run.RepoID == repoID {
			out = append(out, run)
		}
	}
	return out, nil
}

func (s *fakeStore) GetErrorRecord(ctx context.Context, repoID, fingerprint string) (*domain.ErrorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[s.key(repoID, fingerprint)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeStore) CreateErrorRecord(ctx context.Context, rec *domain.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(rec.RepoID, rec.Fingerprint)
	if _, ok := s.recs[k]; ok {
		return repository.ErrDuplicate
	}
	cp := *rec
	s.recs[k] = &cp
	return nil
}

func (s *fakeStore) TouchErrorRecord(ctx context.Context, repoID, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[s.key(repoID, fingerprint)]
	if !ok {
		return repository.ErrNotFound
	}
	rec.Occurrences++
	rec.LastSeen = time.Now().UTC()
	return nil
}

func (s *fakeStore) SetForwardStatus(ctx context.Context, repoID, fingerprint string, status domain.ForwardStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[s.key(repoID, fingerprint)]
	if !ok {
		return repository.ErrNotFound
	}
	rec.Forward = status
	return nil
}

func (s *fakeStore) ListErrorRecords(ctx context.Context, repoID string, limit int) ([]domain.ErrorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ErrorRecord
	for _, rec := range s.recs {
		if rec.RepoID == repoID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *fakeStore) ListPendingForwards(ctx context.Context, repoID string) ([]domain.ErrorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ErrorRecord
	for _, rec := range s.recs {
		if rec.RepoID == repoID && rec.Forward != domain.ForwardSent {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *fakeStore) errorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func (s *fakeStore) repoByID(id string) domain.TrackedRepo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.repos[id]
}

type fakeGit struct {
	mu      sync.Mutex
	calls   int
	result  gitsync.Result
	err     error
	blockCh chan struct{}
}

func (g *fakeGit) Sync(ctx context.Context, repoID, remoteURL, branch string, creds gitsync.Credentials, lastRevision string) (gitsync.Result, error) {
	g.mu.Lock()
	g.calls++
	block := g.blockCh
	g.mu.Unlock()
	if block != nil {
		<-block
	}
	if g.err != nil {
		return gitsync.Result{}, g.err
	}
	return g.result, nil
}

func (g *fakeGit) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeEngine struct {
	mu       sync.Mutex
	builds   int
	stops    int
	removes  int
	runs     int
	buildErr error
	buildLog string
	runErr   error
}

func (e *fakeEngine) Build(ctx context.Context, dir, tag string, onOutput func(string)) (string, error) {
	e.mu.Lock()
	e.builds++
	e.mu.Unlock()
	if onOutput != nil {
		onOutput("Step 1/2 : FROM alpine")
	}
	return e.buildLog, e.buildErr
}

func (e *fakeEngine) Run(ctx context.Context, tag string, spec domain.LaunchSpec, grace time.Duration) (string, error) {
	e.mu.Lock()
	e.runs++
	e.mu.Unlock()
	if e.runErr != nil {
		return "", e.runErr
	}
	return "container-id", nil
}

func (e *fakeEngine) Stop(ctx context.Context, name string) error {
	e.mu.Lock()
	e.stops++
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) Remove(ctx context.Context, name string) error {
	e.mu.Lock()
	e.removes++
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) counts() (builds, stops, removes, runs int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.builds, e.stops, e.removes, e.runs
}

type fakeSpecs struct{}

func (fakeSpecs) Extract(dir, fallbackName string) domain.LaunchSpec {
	return domain.LaunchSpec{
		ContainerName: fallbackName,
		ContextDir:    dir,
		InternalPort:  80,
		Ports:         map[string]string{"8080": "80"},
	}
}

type fakeFixes struct {
	mu      sync.Mutex
	enabled bool
	err     error
	submits []fixer.FixRequest
}

func (f *fakeFixes) Enabled() bool { return f.enabled }

func (f *fakeFixes) Submit(ctx context.Context, req fixer.FixRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	return f.err
}

func (f *fakeFixes) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

type fakeCipher struct{}

func (fakeCipher) Open(payload []byte) (string, error) { return string(payload), nil }

func testRepo() *domain.TrackedRepo {
	return &domain.TrackedRepo{
		ID:     "repo-1",
		URL:    "https://github.com/acme/web.git",
		Name:   "acme/web",
		Branch: "main",
		State:  domain.StateNone,
	}
}

func newTestService(store *fakeStore, git *fakeGit, engine *fakeEngine, fixes *fakeFixes) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, store, store, git, engine, fakeSpecs{}, fixes, fakeCipher{}, nil, logger, Config{
		Interval:            time.Minute,
		ImagePrefix:         "appmanager",
		BuildTimeout:        time.Minute,
		RunGrace:            time.Second,
		ExcerptLimit:        4096,
		MaxConcurrentBuilds: 2,
	})
}

func TestCycleSuccessUpdatesStateAndHistory(t *testing.T) {
	seed := testRepo()
	seed.LastLogExcerpt = "failure output from an earlier attempt"
	store := newFakeStore(seed)
	git := &fakeGit{result: gitsync.Result{Revision: "abcdef1234567890", Changed: true, Dir: "/tmp/checkout"}}
	engine := &fakeEngine{}
	fixes := &fakeFixes{enabled: true}
	svc := newTestService(store, git, engine, fixes)

	svc.RunCycle(context.Background())

	repo := store.repoByID("repo-1")
	if repo.State != domain.StateRunning {
		t.Fatalf("state = %s, want running", repo.State)
	}
	if repo.LastRevision != "abcdef1234567890" {
		t.Errorf("revision = %q", repo.LastRevision)
	}
	if repo.ImageTag != "appmanager/acme_web:abcdef123456" {
		t.Errorf("image tag = %q", repo.ImageTag)
	}
	if repo.ContainerName != "acme_web" {
		t.Errorf("container name = %q, want acme_web", repo.ContainerName)
	}
	if repo.LastLogExcerpt != "" {
		t.Errorf("successful cycle kept stale excerpt %q", repo.LastLogExcerpt)
	}
	runs, _ := store.ListBuildRuns(context.Background(), "repo-1", 10)
	if len(runs) != 1 || runs[0].Outcome != domain.OutcomeSuccess {
		t.Fatalf("build runs = %+v", runs)
	}
	if fixes.submitCount() != 0 {
		t.Errorf("no fix submission expected on success, got %d", fixes.submitCount())
	}
}

func TestCycleUnchangedRunningRepoIsNoOp(t *testing.T) {
	repo := testRepo()
	repo.State = domain.StateRunning
	repo.LastRevision = "rev-1"
	repo.LastLogExcerpt = "log excerpt from the last completed attempt"
	store := newFakeStore(repo)
	git := &fakeGit{result: gitsync.Result{Revision: "rev-1", Changed: false, Dir: "/tmp/checkout"}}
	engine := &fakeEngine{}
	svc := newTestService(store, git, engine, &fakeFixes{})

	svc.RunCycle(context.Background())

	builds, stops, removes, runs := engine.counts()
	if builds+stops+removes+runs != 0 {
		t.Fatalf("engine touched on no-op cycle: builds=%d stops=%d removes=%d runs=%d", builds, stops, removes, runs)
	}
	if got := store.repoByID("repo-1").State; got != domain.StateRunning {
		t.Fatalf("state = %s, want running", got)
	}
	if got := store.repoByID("repo-1").LastLogExcerpt; got != "log excerpt from the last completed attempt" {
		t.Errorf("intermediate state writes changed excerpt to %q", got)
	}
	hist, _ := store.ListBuildRuns(context.Background(), "repo-1", 10)
	if len(hist) != 0 {
		t.Fatalf("no-op cycle recorded build runs: %+v", hist)
	}
}

func TestCycleForceSyncRebuildsUnchangedRevision(t *testing.T) {
	repo := testRepo()
	repo.State = domain.StateRunning
	repo.LastRevision = "rev-1"
	repo.ForceSync = true
	store := newFakeStore(repo)
	git := &fakeGit{result: gitsync.Result{Revision: "rev-1", Changed: false, Dir: "/tmp/checkout"}}
	engine := &fakeEngine{}
	svc := newTestService(store, git, engine, &fakeFixes{})

	svc.RunCycle(context.Background())

	builds, _, _, _ := engine.counts()
	if builds != 1 {
		t.Fatalf("builds = %d, want 1", builds)
	}
	if store.repoByID("repo-1").ForceSync {
		t.Fatal("force flag should be cleared after successful cycle")
	}
}

func TestBuildFailureLeavesRunningContainerAlone(t *testing.T) {
	repo := testRepo()
	repo.State = domain.StateRunning
	store := newFakeStore(repo)
	git := &fakeGit{result: gitsync.Result{Revision: "rev-2", Changed: true, Dir: "/tmp/checkout"}}
	engine := &fakeEngine{buildErr: errors.New("npm install exited 1"), buildLog: "Step 3/5 : RUN npm install\nerror: missing module"}
	fixes := &fakeFixes{enabled: true}
	svc := newTestService(store, git, engine, fixes)

	svc.RunCycle(context.Background())

	_, stops, removes, runs := engine.counts()
	if stops != 0 || removes != 0 || runs != 0 {
		t.Fatalf("running container was touched: stops=%d removes=%d runs=%d", stops, removes, runs)
	}
	got := store.repoByID("repo-1")
	if got.State != domain.StateBuildFailed {
		t.Fatalf("state = %s, want build_failed", got.State)
	}
	if got.LastLogExcerpt == "" {
		t.Error("expected log excerpt on build failure")
	}
	histRuns, _ := store.ListBuildRuns(context.Background(), "repo-1", 10)
	if len(histRuns) != 1 || histRuns[0].Outcome != domain.OutcomeBuildFailed {
		t.Fatalf("build runs = %+v", histRuns)
	}
	if store.errorCount() != 1 {
		t.Fatalf("error records = %d, want 1", store.errorCount())
	}
	if fixes.submitCount() != 1 {
		t.Fatalf("fix submissions = %d, want 1", fixes.submitCount())
	}
}

func TestRepeatedFailureDeduplicatesAndSubmitsOnce(t *testing.T) {
	store := newFakeStore(testRepo())
	git := &fakeGit{result: gitsync.Result{Revision: "rev-2", Changed: true, Dir: "/tmp/checkout"}}
	engine := &fakeEngine{buildErr: errors.New("npm install exited 1"), buildLog: "error: missing module"}
	fixes := &fakeFixes{enabled: true}
	svc := newTestService(store, git, engine, fixes)

	svc.RunCycle(context.Background())
	svc.RunCycle(context.Background())
	svc.RunCycle(context.Background())

	if store.errorCount() != 1 {
		t.Fatalf("error records = %d, want 1", store.errorCount())
	}
	recs, _ := store.ListErrorRecords(context.Background(), "repo-1", 10)
	if recs[0].Occurrences != 3 {
		t.Errorf("occurrences = %d, want 3", recs[0].Occurrences)
	}
	if fixes.submitCount() != 1 {
		t.Fatalf("fix submissions = %d, want 1", fixes.submitCount())
	}
	if recs[0].Forward != domain.ForwardSent {
		t.Errorf("forward status = %s, want sent", recs[0].Forward)
	}
}

func TestRunFailureReplacesContainerAndRecordsIt(t *testing.T) {
	repo := testRepo()
	repo.State = domain.StateRunning
	store := newFakeStore(repo)
	git := &fakeGit{result: gitsync.Result{Revision: "rev-3", Changed: true, Dir: "/tmp/checkout"}}
	engine := &fakeEngine{runErr: &dockerx.RunError{ExitCode: 1, Log: "panic: listen tcp :80 bind failed"}}
	fixes := &fakeFixes{enabled: true}
	svc := newTestService(store, git, engine, fixes)

	svc.RunCycle(context.Background())

	_, stops, removes, _ := engine.counts()
	if stops != 1 || removes != 1 {
		t.Fatalf("previous container not replaced: stops=%d removes=%d", stops, removes)
	}
	got := store.repoByID("repo-1")
	if got.State != domain.StateRunFailed {
		t.Fatalf("state = %s, want run_failed", got.State)
	}
	if got.LastLogExcerpt == "" {
		t.Error("expected container log excerpt on run failure")
	}
	if fixes.submitCount() != 1 {
		t.Fatalf("fix submissions = %d, want 1", fixes.submitCount())
	}
}

func TestSyncFailureIsInformational(t *testing.T) {
	store := newFakeStore(testRepo())
	git := &fakeGit{err: fmt.Errorf("%w: remote unreachable", gitsync.ErrSync)}
	engine := &fakeEngine{}
	fixes := &fakeFixes{enabled: true}
	svc := newTestService(store, git, engine, fixes)

	svc.RunCycle(context.Background())

	if got := store.repoByID("repo-1").State; got != domain.StateSyncFailed {
		t.Fatalf("state = %s, want sync_failed", got)
	}
	builds, _, _, _ := engine.counts()
	if builds != 0 {
		t.Fatal("no build expected after sync failure")
	}
	if store.errorCount() != 0 {
		t.Fatal("sync failures are not fingerprinted")
	}
}

func TestFailedForwardRetriedNextCycle(t *testing.T) {
	store := newFakeStore(testRepo())
	git := &fakeGit{result: gitsync.Result{Revision: "rev-2", Changed: true, Dir: "/tmp/checkout"}}
	engine := &fakeEngine{buildErr: errors.New("boom"), buildLog: "compile error"}
	fixes := &fakeFixes{enabled: true, err: errors.New("service unavailable")}
	svc := newTestService(store, git, engine, fixes)

	svc.RunCycle(context.Background())

	recs, _ := store.ListErrorRecords(context.Background(), "repo-1", 10)
	if len(recs) != 1 || recs[0].Forward != domain.ForwardFailed {
		t.Fatalf("records after failed submission = %+v", recs)
	}

	fixes.mu.Lock()
	fixes.err = nil
	fixes.mu.Unlock()
	svc.RunCycle(context.Background())

	recs, _ = store.ListErrorRecords(context.Background(), "repo-1", 10)
	if recs[0].Forward != domain.ForwardSent {
		t.Fatalf("forward status = %s, want sent after retry", recs[0].Forward)
	}
	if fixes.submitCount() != 2 {
		t.Fatalf("fix submissions = %d, want 2", fixes.submitCount())
	}
}

func TestInFlightRepoSkippedByNextCycle(t *testing.T) {
	store := newFakeStore(testRepo())
	block := make(chan struct{})
	git := &fakeGit{result: gitsync.Result{Revision: "rev-2", Changed: true, Dir: "/tmp/checkout"}, blockCh: block}
	engine := &fakeEngine{}
	svc := newTestService(store, git, engine, &fakeFixes{})

	done := make(chan struct{})
	go func() {
		svc.RunCycle(context.Background())
		close(done)
	}()

	for i := 0; i < 50 && git.callCount() == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if git.callCount() != 1 {
		t.Fatalf("sync calls before overlap = %d, want 1", git.callCount())
	}

	// Second cycle overlaps the blocked first one.
	go svc.RunCycle(context.Background())
	time.Sleep(50 * time.Millisecond)
	if got := git.callCount(); got != 1 {
		t.Fatalf("overlapping cycle re-entered repo: sync calls = %d", got)
	}

	close(block)
	<-done
}

func TestTriggerRepoSetsForceFlag(t *testing.T) {
	repo := testRepo()
	repo.State = domain.StateRunning
	repo.LastRevision = "rev-1"
	store := newFakeStore(repo)
	git := &fakeGit{result: gitsync.Result{Revision: "rev-1", Changed: false, Dir: "/tmp/checkout"}}
	engine := &fakeEngine{}
	svc := newTestService(store, git, engine, &fakeFixes{})

	if err := svc.TriggerRepo(context.Background(), "repo-1"); err != nil {
		t.Fatalf("TriggerRepo() error = %v", err)
	}
	for i := 0; i < 100; i++ {
		if b, _, _, _ := engine.counts(); b == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	builds, _, _, _ := engine.counts()
	if builds != 1 {
		t.Fatalf("builds after trigger = %d, want 1", builds)
	}
}

func TestTailKeepsFinalBytes(t *testing.T) {
	text := "line one\nline two\nline three"
	got := tail(text, 12)
	if len(got) > 12 {
		t.Fatalf("tail length = %d, want <= 12", len(got))
	}
	if got == "" {
		t.Fatal("tail returned empty string")
	}
	if tail("short", 100) != "short" {
		t.Fatal("short text should pass through unchanged")
	}
}
