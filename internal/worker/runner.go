// Package worker runs scan pipelines: clone, count commits, run gitleaks and
// persist the outcome, moving each scan through
// pending -> scanning -> completed | failed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/yourorg/leak-scanner/internal/metrics"
	"github.com/yourorg/leak-scanner/internal/model"
	"github.com/yourorg/leak-scanner/internal/notify"
	"github.com/yourorg/leak-scanner/internal/scanner"
	"github.com/yourorg/leak-scanner/internal/store"
)

// ErrShutdown is returned by Submit once Shutdown has been called.
var ErrShutdown = errors.New("runner is shutting down")

const (
	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
	notifyTimeout   = 10 * time.Second
	interruptedMsg  = "scan interrupted: process exited before the scan finished"
)

type Gateway interface {
	WorkDir(key string) string
	Clone(ctx context.Context, url, dir string) error
	CommitCount(ctx context.Context, dir string, sinceDays int) int
	Cleanup(dir string)
	Sweep() ([]string, error)
}

type Scanner interface {
	Run(ctx context.Context, dir, repoName string, opts model.ScanOptions) (scanner.Result, error)
}

// Archiver copies a raw report somewhere durable and returns where it went.
type Archiver interface {
	ArchiveReport(ctx context.Context, scanID, path string) (string, error)
	Delete(ctx context.Context, scanID string) error
}

type Options struct {
	// Concurrency bounds how many scans run at once. 0 means unbounded.
	Concurrency int
	// Timeout caps a single scan once it holds a pool slot. 0 disables it.
	Timeout  time.Duration
	Archiver Archiver
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
}

// task is one scan in flight. done closes once its pipeline returned.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Runner struct {
	store    store.Store
	gw       Gateway
	sc       Scanner
	archiver Archiver
	notifier notify.Notifier
	metrics  *metrics.Metrics
	log      *zap.Logger

	sem     *semaphore.Weighted
	timeout time.Duration

	archiveAttempts  int
	archiveBaseDelay time.Duration

	base       context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu         sync.Mutex
	tasks      map[string]*task
	lastMillis int64
	closed     bool

	now func() time.Time
}

func NewRunner(st store.Store, gw Gateway, sc Scanner, opts Options, log *zap.Logger) *Runner {
	if opts.Notifier == nil {
		opts.Notifier = notify.Noop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(false)
	}
	base, cancel := context.WithCancel(context.Background())
	r := &Runner{
		store:            st,
		gw:               gw,
		sc:               sc,
		archiver:         opts.Archiver,
		notifier:         opts.Notifier,
		metrics:          opts.Metrics,
		log:              log.With(zap.String("component", "worker")),
		timeout:          opts.Timeout,
		archiveAttempts:  3,
		archiveBaseDelay: 200 * time.Millisecond,
		base:             base,
		baseCancel:       cancel,
		tasks:            map[string]*task{},
		now:              time.Now,
	}
	if opts.Concurrency > 0 {
		r.sem = semaphore.NewWeighted(int64(opts.Concurrency))
	}
	return r
}

// nextID returns <repo>-<unix millis>. Millis are forced to increase within
// the process so two scans started in the same millisecond get distinct ids.
func (r *Runner) nextID(repoName string, now time.Time) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms := now.UnixMilli()
	if ms <= r.lastMillis {
		ms = r.lastMillis + 1
	}
	r.lastMillis = ms
	return fmt.Sprintf("%s-%d", repoName, ms)
}

// create allocates an id and persists the scan as pending.
func (r *Runner) create(ctx context.Context, repo model.RepoConfig, opts model.ScanOptions) (model.ScanResult, error) {
	if opts.SinceDays < 0 {
		return model.ScanResult{}, fmt.Errorf("sinceDays must not be negative, got %d", opts.SinceDays)
	}
	now := r.now()
	res := model.ScanResult{
		ID:        r.nextID(repo.Name, now),
		RepoName:  repo.Name,
		RepoURL:   repo.URL,
		Timestamp: now.UTC().Format(timestampLayout),
		Status:    model.StatusPending,
	}
	if opts.SinceDays > 0 {
		days := opts.SinceDays
		res.SinceDays = &days
	}
	setStage(&res, StageQueued)

	if err := r.store.Save(ctx, res, nil); err != nil {
		return model.ScanResult{}, fmt.Errorf("persist pending scan: %w", err)
	}
	r.metrics.ScanSubmitted(repo.Name)
	return res, nil
}

// track registers a cancellable context for id. The returned release must be
// called once the pipeline returned.
func (r *Runner) track(parent context.Context, id string) (context.Context, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, ErrShutdown
	}
	ctx, cancel := context.WithCancel(parent)
	t := &task{cancel: cancel, done: make(chan struct{})}
	r.tasks[id] = t
	r.wg.Add(1)
	return ctx, func() {
		cancel()
		r.mu.Lock()
		delete(r.tasks, id)
		r.mu.Unlock()
		close(t.done)
		r.wg.Done()
	}, nil
}

// Submit persists a pending scan and runs its pipeline in the background.
// The returned result is the pending snapshot; progress is observed through
// the store.
func (r *Runner) Submit(ctx context.Context, repo model.RepoConfig, opts model.ScanOptions) (model.ScanResult, error) {
	if r.isClosed() {
		return model.ScanResult{}, ErrShutdown
	}
	res, err := r.create(ctx, repo, opts)
	if err != nil {
		return model.ScanResult{}, err
	}
	taskCtx, release, err := r.track(r.base, res.ID)
	if err != nil {
		r.abandon(res, err)
		return model.ScanResult{}, err
	}

	go func() {
		defer release()
		r.execute(taskCtx, res, repo, opts)
	}()
	return res, nil
}

// SubmitAll submits one scan per repository. On error the scans already
// submitted keep running and are returned alongside the error.
func (r *Runner) SubmitAll(ctx context.Context, repos []model.RepoConfig, opts model.ScanOptions) ([]model.ScanResult, error) {
	out := make([]model.ScanResult, 0, len(repos))
	for _, repo := range repos {
		res, err := r.Submit(ctx, repo, opts)
		if err != nil {
			return out, fmt.Errorf("submit %s: %w", repo.Name, err)
		}
		out = append(out, res)
	}
	return out, nil
}

// Run scans repo and blocks until the scan is terminal. Cancelling ctx
// fails the scan.
func (r *Runner) Run(ctx context.Context, repo model.RepoConfig, opts model.ScanOptions) (model.ScanResult, error) {
	res, err := r.create(ctx, repo, opts)
	if err != nil {
		return model.ScanResult{}, err
	}
	taskCtx, release, err := r.track(ctx, res.ID)
	if err != nil {
		r.abandon(res, err)
		return model.ScanResult{}, err
	}
	defer release()
	return r.execute(taskCtx, res, repo, opts), nil
}

// Cancel stops the scan with the given id, whether it is waiting for a pool
// slot or already running. It reports false when no such scan is in flight.
func (r *Runner) Cancel(id string) bool {
	return r.cancelAndWait(id) != nil
}

// cancelAndWait cancels the scan with the given id and returns a channel
// that closes when its pipeline has returned. It returns nil when no such
// scan is in flight.
func (r *Runner) cancelAndWait(id string) <-chan struct{} {
	r.mu.Lock()
	t, ok := r.tasks[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.log.Info("cancelling scan", zap.String("scan_id", id))
	t.cancel()
	return t.done
}

// InFlight lists the ids of scans that have not reached a terminal status.
func (r *Runner) InFlight() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until every submitted pipeline returned.
func (r *Runner) Wait() { r.wg.Wait() }

// Shutdown refuses new scans, cancels the running ones and waits for their
// failed status to be written, or for ctx to expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.baseCancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// abandon fails a scan that was persisted as pending but never scheduled.
func (r *Runner) abandon(res model.ScanResult, cause error) {
	ctx := context.Background()
	_ = r.store.UpdateStatus(ctx, res.ID, model.StatusScanning, "")
	_ = r.store.UpdateStatus(ctx, res.ID, model.StatusFailed, cause.Error())
}

// execute drives one scan to a terminal status and returns it. The work
// directory is removed exactly once on every path.
func (r *Runner) execute(ctx context.Context, res model.ScanResult, repo model.RepoConfig, opts model.ScanOptions) model.ScanResult {
	log := r.log.With(zap.String("scan_id", res.ID), zap.String("repo", repo.Name))
	// store writes must land even after the scan context is cancelled
	persistCtx := context.WithoutCancel(ctx)

	dir := r.gw.WorkDir(res.ID)
	defer r.gw.Cleanup(dir)

	if r.sem != nil {
		r.metrics.ScanWaiting(1)
		err := r.sem.Acquire(ctx, 1)
		r.metrics.ScanWaiting(-1)
		if err != nil {
			res.Status = model.StatusScanning
			r.advance(persistCtx, &res, StageQueued, log)
			return r.finish(persistCtx, res, nil, fmt.Errorf("scan cancelled while queued: %w", err), r.now(), log)
		}
		defer r.sem.Release(1)
	}
	r.metrics.ScanRunning(1)
	defer r.metrics.ScanRunning(-1)

	start := r.now()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	res.Status = model.StatusScanning
	setStage(&res, StageCloning)
	if err := r.store.Save(persistCtx, res, nil); err != nil {
		return r.finish(persistCtx, res, nil, fmt.Errorf("persist scanning status: %w", err), start, log)
	}
	log.Info("scan started", zap.String("dir", dir), zap.Int("since_days", opts.SinceDays))

	findings, err := r.pipeline(ctx, persistCtx, &res, repo, dir, opts, log)
	return r.finish(persistCtx, res, findings, err, start, log)
}

// pipeline runs the ordered steps of a scan. res is updated in place.
func (r *Runner) pipeline(ctx, persistCtx context.Context, res *model.ScanResult, repo model.RepoConfig, dir string, opts model.ScanOptions, log *zap.Logger) ([]model.LeakFinding, error) {
	if err := r.gw.Clone(ctx, repo.URL, dir); err != nil {
		return nil, err
	}

	r.advance(persistCtx, res, StageCounting, log)
	res.CommitCount = r.gw.CommitCount(ctx, dir, opts.SinceDays)
	log.Info("counted commits", zap.Int("commits", res.CommitCount))

	r.advance(persistCtx, res, StageScanning, log)
	out, err := r.sc.Run(ctx, dir, repo.Name, opts)
	if err != nil {
		return nil, err
	}
	res.ReportPath = out.ReportPath
	res.FindingsCount = len(out.Findings)

	switch {
	case r.archiver == nil:
	case !out.ReportWritten:
		log.Debug("no report file to archive", zap.String("report", res.ReportPath))
	default:
		r.advance(persistCtx, res, StageArchiving, log)
		r.archive(ctx, res, log)
	}
	return out.Findings, nil
}

// archive uploads the raw report. Failures are logged and never fail the scan.
func (r *Runner) archive(ctx context.Context, res *model.ScanResult, log *zap.Logger) {
	var key string
	b := backoff{
		attempts:  r.archiveAttempts,
		baseDelay: r.archiveBaseDelay,
		onRetry: func(attempt int, err error, wait time.Duration) {
			log.Debug("archive attempt failed", zap.Int("attempt", attempt), zap.Duration("retry_in", wait), zap.Error(err))
		},
	}
	err := b.do(ctx, func() error {
		var err error
		key, err = r.archiver.ArchiveReport(ctx, res.ID, res.ReportPath)
		return err
	})
	if err != nil {
		log.Warn("archive report failed", zap.String("report", res.ReportPath), zap.Error(err))
		return
	}
	res.ArchiveKey = key
	log.Info("archived report", zap.String("key", key))
}

// finish writes the terminal status. err == nil means completed.
func (r *Runner) finish(ctx context.Context, res model.ScanResult, findings []model.LeakFinding, err error, start time.Time, log *zap.Logger) model.ScanResult {
	if err != nil {
		res.Status = model.StatusFailed
		res.Error = err.Error()
		if saveErr := r.store.Save(ctx, res, nil); saveErr != nil {
			log.Error("persist failed status", zap.Error(saveErr))
		}
		log.Error("scan failed", zap.String("stage", res.Stage), zap.Error(err))
	} else {
		res.Status = model.StatusCompleted
		setStage(&res, StageDone)
		if findings == nil {
			findings = []model.LeakFinding{}
		}
		if saveErr := r.store.Save(ctx, res, findings); saveErr != nil {
			// the findings are lost, so the scan cannot claim success
			log.Error("persist completed scan", zap.Error(saveErr))
			res.Status = model.StatusFailed
			res.Error = fmt.Sprintf("persist results: %v", saveErr)
			_ = r.store.UpdateStatus(ctx, res.ID, model.StatusFailed, res.Error)
		} else {
			log.Info("scan completed",
				zap.Int("findings", res.FindingsCount),
				zap.Int("commits", res.CommitCount),
				zap.Duration("elapsed", r.now().Sub(start)))
		}
	}

	r.metrics.ScanFinished(res, r.now().Sub(start))
	r.publish(ctx, res, log)
	return res
}

func (r *Runner) publish(ctx context.Context, res model.ScanResult, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := r.notifier.Notify(ctx, res); err != nil {
		log.Warn("publish scan event failed", zap.Error(err))
	}
}

// Recover fails every non-terminal scan that is not running in this
// process, then removes leftover work directories. Call it at startup,
// before any scan is submitted, since the sweep removes every work dir.
func (r *Runner) Recover(ctx context.Context) ([]string, error) {
	list, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}

	r.mu.Lock()
	live := make(map[string]bool, len(r.tasks))
	for id := range r.tasks {
		live[id] = true
	}
	r.mu.Unlock()

	var recovered []string
	for _, res := range list {
		if res.Status.IsTerminal() || live[res.ID] {
			continue
		}
		if res.Status == model.StatusPending {
			if err := r.store.UpdateStatus(ctx, res.ID, model.StatusScanning, ""); err != nil {
				return recovered, err
			}
		}
		if err := r.store.UpdateStatus(ctx, res.ID, model.StatusFailed, interruptedMsg); err != nil {
			return recovered, err
		}
		res.Status = model.StatusFailed
		res.Error = interruptedMsg
		r.metrics.ScanFinished(res, 0)
		r.publish(ctx, res, r.log)
		recovered = append(recovered, res.ID)
	}

	swept, err := r.gw.Sweep()
	if err != nil {
		return recovered, fmt.Errorf("sweep work dirs: %w", err)
	}
	r.log.Info("recovery finished", zap.Int("failed_scans", len(recovered)), zap.Int("work_dirs_removed", len(swept)))
	return recovered, nil
}

// Delete removes a scan and, when archiving is on, its archived report. A
// scan still in flight is cancelled first and its pipeline is waited for,
// so its terminal write cannot bring the entry back.
func (r *Runner) Delete(ctx context.Context, id string) (bool, error) {
	if done := r.cancelAndWait(id); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	ok, err := r.store.Delete(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	if r.archiver != nil {
		if err := r.archiver.Delete(ctx, id); err != nil {
			r.log.Warn("delete archived report", zap.String("scan_id", id), zap.Error(err))
		}
	}
	return true, nil
}
