// Package orchestrator runs the periodic reconciliation loop that keeps
// each tracked repository's container in step with its remote.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/LordVaderXIII/Appmanager/internal/domain"
	"github.com/LordVaderXIII/Appmanager/internal/dockerx"
	"github.com/LordVaderXIII/Appmanager/internal/fingerprint"
	"github.com/LordVaderXIII/Appmanager/internal/fixer"
	"github.com/LordVaderXIII/Appmanager/internal/gitsync"
	"github.com/LordVaderXIII/Appmanager/internal/manifest"
	"github.com/LordVaderXIII/Appmanager/internal/repository"
)

type gitSyncer interface {
	Sync(ctx context.Context, repoID, remoteURL, branch string, creds gitsync.Credentials, lastRevision string) (gitsync.Result, error)
}

type containerEngine interface {
	Build(ctx context.Context, dir, tag string, onOutput func(string)) (string, error)
	Run(ctx context.Context, tag string, spec domain.LaunchSpec, grace time.Duration) (string, error)
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
}

type specExtractor interface {
	Extract(dir, fallbackName string) domain.LaunchSpec
}

type fixSubmitter interface {
	Enabled() bool
	Submit(ctx context.Context, req fixer.FixRequest) error
}

type tokenOpener interface {
	Open(payload []byte) (string, error)
}

// Broadcaster receives live build output lines keyed by repository.
type Broadcaster interface {
	Broadcast(repoID, line string)
}

// Config carries the tunables of the reconciliation loop.
type Config struct {
	Interval            time.Duration
	ImagePrefix         string
	BuildTimeout        time.Duration
	RunGrace            time.Duration
	ExcerptLimit        int
	MaxConcurrentBuilds int
}

// Service drives periodic sync cycles over all tracked repositories.
type Service struct {
	repos  repository.RepoRepository
	builds repository.BuildRunRepository
	errs   repository.ErrorRecordRepository
	git    gitSyncer
	engine containerEngine
	specs  specExtractor
	fixes  fixSubmitter
	cipher tokenOpener
	hub    Broadcaster
	logger *slog.Logger
	cfg    Config

	cron       *cron.Cron
	inFlight   sync.Map
	buildSlots chan struct{}

	metricsOnce    sync.Once
	metricsReady   bool
	cyclesTotal    prometheus.Counter
	buildOutcomes  *prometheus.CounterVec
	forwardResults *prometheus.CounterVec
}

func New(
	repos repository.RepoRepository,
	builds repository.BuildRunRepository,
	errs repository.ErrorRecordRepository,
	git gitSyncer,
	engine containerEngine,
	specs specExtractor,
	fixes fixSubmitter,
	cipher tokenOpener,
	hub Broadcaster,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 10 * time.Minute
	}
	if cfg.RunGrace <= 0 {
		cfg.RunGrace = 10 * time.Second
	}
	if cfg.ExcerptLimit <= 0 {
		cfg.ExcerptLimit = 4096
	}
	if cfg.MaxConcurrentBuilds <= 0 {
		cfg.MaxConcurrentBuilds = 1
	}
	if cfg.ImagePrefix == "" {
		cfg.ImagePrefix = "appmanager"
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repos:      repos,
		builds:     builds,
		errs:       errs,
		git:        git,
		engine:     engine,
		specs:      specs,
		fixes:      fixes,
		cipher:     cipher,
		hub:        hub,
		logger:     logger.With("component", "orchestrator"),
		cfg:        cfg,
		buildSlots: make(chan struct{}, cfg.MaxConcurrentBuilds),
	}
	s.initMetrics()
	return s
}

// Start schedules recurring cycles and fires the first one immediately.
// It returns without blocking; Stop halts the schedule.
func (s *Service) Start(ctx context.Context) {
	s.cron = cron.New()
	s.cron.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(func() {
		s.RunCycle(ctx)
	}))
	s.cron.Start()
	go s.RunCycle(ctx)
	s.logger.Info("reconciliation loop started", "interval", s.cfg.Interval.String())
}

// Stop halts the schedule and waits for jobs the scheduler itself started.
// Repo workers already past the in-flight gate finish on their own.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunCycle reconciles every tracked repository once. Repositories already
// being processed from a previous cycle are skipped, never queued twice.
func (s *Service) RunCycle(ctx context.Context) {
	repos, err := s.repos.ListRepos(ctx)
	if err != nil {
		s.logger.Error("list repos for cycle", "error", err)
		return
	}
	var wg sync.WaitGroup
	for i := range repos {
		repo := repos[i]
		if _, loaded := s.inFlight.LoadOrStore(repo.ID, struct{}{}); loaded {
			s.logger.Debug("repo still in flight, skipping", "repo", repo.Name)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.inFlight.Delete(repo.ID)
			s.processRepo(ctx, repo)
		}()
	}
	wg.Wait()
	s.cyclesTotal.Inc()
}

// TriggerRepo flags a repository for rebuild and reconciles it right away
// unless a cycle already holds it.
func (s *Service) TriggerRepo(ctx context.Context, repoID string) error {
	if err := s.repos.SetForceSync(ctx, repoID, true); err != nil {
		return err
	}
	repo, err := s.repos.GetRepoByID(ctx, repoID)
	if err != nil {
		return err
	}
	if _, loaded := s.inFlight.LoadOrStore(repo.ID, struct{}{}); loaded {
		return nil
	}
	go func() {
		defer s.inFlight.Delete(repo.ID)
		s.processRepo(context.WithoutCancel(ctx), *repo)
	}()
	return nil
}

func (s *Service) processRepo(ctx context.Context, repo domain.TrackedRepo) {
	log := s.logger.With("repo", repo.Name, "repo_id", repo.ID)

	s.retryForwards(ctx, repo)

	creds, err := s.credentials(repo)
	if err != nil {
		log.Error("decrypt repo token", "error", err)
		return
	}

	if err := s.repos.UpdateRepoSync(ctx, domain.RepoSyncUpdate{RepoID: repo.ID, State: domain.StateSyncing}); err != nil {
		log.Error("mark repo syncing", "error", err)
		return
	}

	res, err := s.git.Sync(ctx, repo.ID, repo.URL, repo.Branch, creds, repo.LastRevision)
	if err != nil {
		log.Warn("sync failed", "error", err)
		s.writeState(ctx, log, domain.RepoSyncUpdate{
			RepoID:         repo.ID,
			State:          domain.StateSyncFailed,
			LastLogExcerpt: tail(err.Error(), s.cfg.ExcerptLimit),
			SetExcerpt:     true,
		})
		return
	}

	if !res.Changed && !repo.ForceSync && repo.State == domain.StateRunning {
		s.writeState(ctx, log, domain.RepoSyncUpdate{RepoID: repo.ID, State: domain.StateRunning})
		log.Debug("revision unchanged, container running, nothing to do", "revision", res.Revision)
		return
	}

	s.buildSlots <- struct{}{}
	defer func() { <-s.buildSlots }()

	s.buildAndRun(ctx, log, repo, creds, res)
}

// buildAndRun produces an image for the synced revision and replaces the
// managed container with it. A build failure never touches the container
// that is already running; a run failure does replace it and leaves the
// repository down until the next successful cycle.
func (s *Service) buildAndRun(ctx context.Context, log *slog.Logger, repo domain.TrackedRepo, creds gitsync.Credentials, res gitsync.Result) {
	s.writeState(ctx, log, domain.RepoSyncUpdate{RepoID: repo.ID, State: domain.StateBuilding, LastRevision: res.Revision})

	spec := s.specs.Extract(res.Dir, dockerx.SanitizeName(repo.Name))
	spec = manifest.Merge(spec, repo.Overrides)
	spec.ContainerName = dockerx.SanitizeName(spec.ContainerName)
	tag := s.imageTag(repo, res.Revision)
	startedAt := time.Now().UTC()

	buildCtx, cancel := context.WithTimeout(ctx, s.cfg.BuildTimeout)
	buildLog, err := s.engine.Build(buildCtx, spec.ContextDir, tag, func(line string) {
		if s.hub != nil {
			s.hub.Broadcast(repo.ID, line)
		}
	})
	cancel()
	if err != nil {
		excerpt := tail(buildLog+"\n"+err.Error(), s.cfg.ExcerptLimit)
		log.Warn("image build failed", "revision", res.Revision, "error", err)
		s.finishAttempt(ctx, log, repo, res.Revision, tag, spec.ContainerName, domain.OutcomeBuildFailed, excerpt, startedAt)
		s.captureFailure(ctx, log, repo, "build", excerpt, creds.Token)
		return
	}
	s.writeState(ctx, log, domain.RepoSyncUpdate{RepoID: repo.ID, State: domain.StateBuilt, LastRevision: res.Revision, ImageTag: tag})

	if err := s.engine.Stop(ctx, spec.ContainerName); err != nil {
		log.Warn("stop previous container", "container", spec.ContainerName, "error", err)
	}
	if err := s.engine.Remove(ctx, spec.ContainerName); err != nil {
		log.Warn("remove previous container", "container", spec.ContainerName, "error", err)
	}

	if _, err := s.engine.Run(ctx, tag, spec, s.cfg.RunGrace); err != nil {
		excerpt := tail(runLog(err), s.cfg.ExcerptLimit)
		log.Warn("container failed to start", "revision", res.Revision, "error", err)
		s.finishAttempt(ctx, log, repo, res.Revision, tag, spec.ContainerName, domain.OutcomeRunFailed, excerpt, startedAt)
		s.captureFailure(ctx, log, repo, "run", excerpt, creds.Token)
		return
	}

	s.finishAttempt(ctx, log, repo, res.Revision, tag, spec.ContainerName, domain.OutcomeSuccess, "", startedAt)
	log.Info("repo reconciled", "revision", res.Revision, "image", tag, "container", spec.ContainerName)
}

func (s *Service) finishAttempt(ctx context.Context, log *slog.Logger, repo domain.TrackedRepo, revision, tag, container string, outcome domain.BuildOutcome, excerpt string, startedAt time.Time) {
	run := &domain.BuildRun{
		RepoID:     repo.ID,
		Revision:   revision,
		Outcome:    outcome,
		ImageTag:   tag,
		LogExcerpt: excerpt,
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
	}
	if err := s.builds.CreateBuildRun(ctx, run); err != nil {
		log.Error("record build run", "error", err)
	}
	s.recordOutcome(string(outcome))

	update := domain.RepoSyncUpdate{RepoID: repo.ID, LastRevision: revision, LastLogExcerpt: excerpt, SetExcerpt: true}
	switch outcome {
	case domain.OutcomeSuccess:
		update.State = domain.StateRunning
		update.ImageTag = tag
		update.ContainerName = container
		update.ClearForce = true
	case domain.OutcomeBuildFailed:
		// The previously running container, under whatever name it was
		// started with, is untouched on a build failure.
		update.State = domain.StateBuildFailed
	case domain.OutcomeRunFailed:
		update.State = domain.StateRunFailed
		update.ImageTag = tag
		update.ContainerName = container
	}
	s.writeState(ctx, log, update)
}

// captureFailure fingerprints the sanitized failure text and deduplicates
// it. Only a first-seen fingerprint produces an immediate fix submission;
// repeats just bump the occurrence counter.
func (s *Service) captureFailure(ctx context.Context, log *slog.Logger, repo domain.TrackedRepo, phase, excerpt, token string) {
	sample := fingerprint.Sanitize(excerpt, token)
	sum := fingerprint.Sum(sample)

	existing, err := s.errs.GetErrorRecord(ctx, repo.ID, sum)
	switch {
	case err == nil:
		if err := s.errs.TouchErrorRecord(ctx, repo.ID, sum); err != nil {
			log.Error("bump error record", "fingerprint", sum, "error", err)
		}
		log.Debug("known failure seen again", "fingerprint", sum, "occurrences", existing.Occurrences+1)
		return
	case errors.Is(err, repository.ErrNotFound):
	default:
		log.Error("look up error record", "fingerprint", sum, "error", err)
		return
	}

	now := time.Now().UTC()
	rec := &domain.ErrorRecord{
		Fingerprint: sum,
		RepoID:      repo.ID,
		Context:     phase,
		Sample:      sample,
		Occurrences: 1,
		Forward:     domain.ForwardPending,
		FirstSeen:   now,
		LastSeen:    now,
	}
	if err := s.errs.CreateErrorRecord(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// Lost a race with a concurrent insert of the same fingerprint.
			if err := s.errs.TouchErrorRecord(ctx, repo.ID, sum); err != nil {
				log.Error("bump error record", "fingerprint", sum, "error", err)
			}
			return
		}
		log.Error("create error record", "fingerprint", sum, "error", err)
		return
	}

	s.forward(ctx, log, repo, *rec)
}

// retryForwards resubmits records whose delivery failed or never happened.
func (s *Service) retryForwards(ctx context.Context, repo domain.TrackedRepo) {
	if s.fixes == nil || !s.fixes.Enabled() {
		return
	}
	pending, err := s.errs.ListPendingForwards(ctx, repo.ID)
	if err != nil {
		s.logger.Error("list pending forwards", "repo", repo.Name, "error", err)
		return
	}
	for _, rec := range pending {
		s.forward(ctx, s.logger.With("repo", repo.Name), repo, rec)
	}
}

func (s *Service) forward(ctx context.Context, log *slog.Logger, repo domain.TrackedRepo, rec domain.ErrorRecord) {
	if s.fixes == nil || !s.fixes.Enabled() {
		return
	}
	req := fixer.FixRequest{
		RepoURL: repo.URL,
		Branch:  repo.Branch,
		Title:   fmt.Sprintf("Automated %s failure in %s", rec.Context, repo.Name),
		Description: fmt.Sprintf(
			"The automated %s for repository %s (branch %s) failed. Investigate and fix the root cause.\n\nCaptured output:\n%s",
			rec.Context, repo.URL, repo.Branch, rec.Sample,
		),
	}
	if err := s.fixes.Submit(ctx, req); err != nil {
		log.Warn("fix submission failed", "fingerprint", rec.Fingerprint, "error", err)
		s.recordForward("failed")
		if err := s.errs.SetForwardStatus(ctx, repo.ID, rec.Fingerprint, domain.ForwardFailed); err != nil {
			log.Error("mark forward failed", "fingerprint", rec.Fingerprint, "error", err)
		}
		return
	}
	s.recordForward("sent")
	if err := s.errs.SetForwardStatus(ctx, repo.ID, rec.Fingerprint, domain.ForwardSent); err != nil {
		log.Error("mark forward sent", "fingerprint", rec.Fingerprint, "error", err)
	}
}

func (s *Service) credentials(repo domain.TrackedRepo) (gitsync.Credentials, error) {
	creds := gitsync.Credentials{Username: repo.Username}
	if len(repo.EncryptedToken) == 0 {
		return creds, nil
	}
	token, err := s.cipher.Open(repo.EncryptedToken)
	if err != nil {
		return creds, fmt.Errorf("open repo token: %w", err)
	}
	creds.Token = token
	return creds, nil
}

func (s *Service) imageTag(repo domain.TrackedRepo, revision string) string {
	short := revision
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("%s/%s:%s", s.cfg.ImagePrefix, dockerx.SanitizeName(repo.Name), short)
}

func (s *Service) writeState(ctx context.Context, log *slog.Logger, update domain.RepoSyncUpdate) {
	if err := s.repos.UpdateRepoSync(ctx, update); err != nil {
		log.Error("persist repo state", "state", string(update.State), "error", err)
	}
}

func runLog(err error) string {
	var re *dockerx.RunError
	if errors.As(err, &re) && re.Log != "" {
		return re.Log + "\n" + re.Error()
	}
	return err.Error()
}

// tail keeps the final limit bytes of text, cutting at a line boundary
// when one is close.
func tail(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	cut := text[len(text)-limit:]
	if idx := indexNewline(cut); idx >= 0 && idx < limit/4 {
		cut = cut[idx+1:]
	}
	return cut
}

func indexNewline(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}
