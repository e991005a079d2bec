// Package watcher reconciles tracked jobs against the cluster manager's
// reported state on a fixed schedule.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gridvane/flowdeck/internal/alert"
	"github.com/gridvane/flowdeck/internal/cache"
	"github.com/gridvane/flowdeck/internal/cluster"
	"github.com/gridvane/flowdeck/internal/config"
	"github.com/gridvane/flowdeck/internal/store"
	"github.com/gridvane/flowdeck/pkg/models"
)

// Restarter relaunches a job after an external failure. The deploy
// engine satisfies this; the indirection avoids a package cycle.
type Restarter interface {
	Restart(ctx context.Context, job *models.Job) error
}

// Watcher owns the tracked-job set, the in-flight action markers, the
// stop-reason map and the option cool-down clock. All of it lives
// behind the instance mutex: nothing here is package-level state.
type Watcher struct {
	store     store.Store
	cache     cache.Cache
	client    cluster.Client
	endpoints *cluster.Endpoints
	sink      alert.Sink
	restarter Restarter
	logger    *slog.Logger

	tick     time.Duration
	pollGate time.Duration
	cooldown time.Duration
	workers  int

	mu             sync.Mutex
	tracked        map[uuid.UUID]*models.Job
	options        map[uuid.UUID]models.OptionState
	stopReasons    map[uuid.UUID]models.StopReason
	lastOptionTime time.Time
	lastFullPoll   time.Time

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Options carries the watcher's collaborators. Sink and Restarter may be
// nil.
type Options struct {
	Store     store.Store
	Cache     cache.Cache
	Client    cluster.Client
	Endpoints *cluster.Endpoints
	Sink      alert.Sink
	Restarter Restarter
	Config    config.WatcherConfig
	Logger    *slog.Logger
}

func New(opts Options) *Watcher {
	sink := opts.Sink
	if sink == nil {
		sink = alert.NopSink{}
	}
	workers := opts.Config.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Watcher{
		store:       opts.Store,
		cache:       opts.Cache,
		client:      opts.Client,
		endpoints:   opts.Endpoints,
		sink:        sink,
		restarter:   opts.Restarter,
		logger:      opts.Logger,
		tick:        opts.Config.TickInterval,
		pollGate:    opts.Config.PollInterval,
		cooldown:    opts.Config.OptionCooldown,
		workers:     workers,
		tracked:     make(map[uuid.UUID]*models.Job),
		options:     make(map[uuid.UUID]models.OptionState),
		stopReasons: make(map[uuid.UUID]models.StopReason),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start rehydrates the tracked set from durable state and launches the
// scheduler goroutine. Jobs already lost stay untracked: the cluster
// manager no longer knows them, so polling can never resolve them.
func (w *Watcher) Start(ctx context.Context) error {
	jobs, err := w.store.ListTrackedJobs(ctx)
	if err != nil {
		return err
	}
	w.mu.Lock()
	for _, job := range jobs {
		if job.State == models.RunStateLost {
			continue
		}
		w.tracked[job.ID] = job
		if job.OptionState.InFlight() {
			w.options[job.ID] = job.OptionState
		}
	}
	n := len(w.tracked)
	w.lastFullPoll = time.Now()
	w.mu.Unlock()
	w.logger.Info("watcher started", "tracked", n, "tick", w.tick, "poll_gate", w.pollGate)

	go w.loop()
	return nil
}

// Stop halts the scheduler and flushes in-memory metrics for every
// still-tracked job before returning.
func (w *Watcher) Stop(ctx context.Context) {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
	w.flushMetrics(ctx)
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if w.shouldPoll(time.Now()) {
				w.poll(context.Background())
			}
		}
	}
}

// shouldPoll gates the expensive full reconciliation. Normally it fires
// only every pollGate; while any tracked job has an administrative
// action in flight, or within the cool-down after one completed, every
// tick polls so operator-visible state converges quickly.
func (w *Watcher) shouldPoll(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if now.Sub(w.lastOptionTime) <= w.cooldown {
		return true
	}
	if len(w.options) > 0 {
		return true
	}
	return now.Sub(w.lastFullPoll) >= w.pollGate
}

// poll reconciles every tracked job, one bounded concurrent task each.
// A failed reconciliation is retried on the next tick and never aborts
// the loop for other jobs.
func (w *Watcher) poll(ctx context.Context) {
	w.mu.Lock()
	jobs := make([]*models.Job, 0, len(w.tracked))
	for _, job := range w.tracked {
		jobs = append(jobs, job)
	}
	w.lastFullPoll = time.Now()
	w.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(w.workers)
	for _, job := range jobs {
		g.Go(func() error {
			if err := w.reconcile(ctx, job); err != nil {
				w.logger.Warn("reconciliation failed", "job_id", job.ID, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// Announce adds a job to the tracked set and marks it freshly tracked so
// the first poll tolerates a cluster manager that has not registered the
// application yet.
func (w *Watcher) Announce(job *models.Job) {
	cp := *job
	w.mu.Lock()
	w.tracked[cp.ID] = &cp
	w.mu.Unlock()

	ctx := context.Background()
	if err := w.store.SetJobTracking(ctx, cp.ID, true); err != nil {
		w.logger.Error("persisting tracking flag", "job_id", cp.ID, "error", err)
	}
	if err := w.cache.MarkFreshTracking(ctx, cp.ID); err != nil {
		w.logger.Warn("marking fresh tracking", "job_id", cp.ID, "error", err)
	}
}

// StopTracking records who cancelled tracking and why, so a subsequent
// not-found poll classifies the job as cancelled instead of lost.
func (w *Watcher) StopTracking(jobID uuid.UUID, reason models.StopReason) {
	w.mu.Lock()
	w.stopReasons[jobID] = reason
	w.mu.Unlock()
}

// MarkOption records an administrative action in flight for a job.
// While any marker is set, every tick polls. The caller owns the
// persisted option columns; the watcher only mirrors the marker.
func (w *Watcher) MarkOption(jobID uuid.UUID, state models.OptionState) {
	w.mu.Lock()
	w.options[jobID] = state
	w.mu.Unlock()
}

// ClearOption drops the in-flight marker and restarts the cool-down
// clock so polling stays fast while the action's outcome settles.
func (w *Watcher) ClearOption(jobID uuid.UUID) {
	w.mu.Lock()
	if _, ok := w.options[jobID]; ok {
		delete(w.options, jobID)
		w.lastOptionTime = time.Now()
	}
	w.mu.Unlock()
}

// Tracked reports whether the job is currently reconciled.
func (w *Watcher) Tracked(jobID uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.tracked[jobID]
	return ok
}

func (w *Watcher) reconcile(ctx context.Context, job *models.Job) error {
	address, appID, err := w.endpoints.Resolve(ctx, job)
	if err != nil {
		return err
	}

	info, err := w.client.AppInfo(ctx, address, appID)
	switch {
	case errors.Is(err, cluster.ErrAppNotFound):
		return w.onAppGone(ctx, job)
	case err != nil:
		return err
	}
	w.clearFreshMark(ctx, job.ID)

	state := models.MapClusterState(info.State)
	if state == models.RunStateUnknown {
		w.logger.Debug("ignoring unrecognized cluster state", "job_id", job.ID, "state", info.State)
		return nil
	}
	if state.IsTerminal() {
		if info.FinalStatus == "FAILED" {
			state = models.RunStateFailed
		}
		return w.onTerminal(ctx, job, state)
	}

	job.State = state
	if state == models.RunStateRunning {
		if job.StartTime == nil && info.StartedAt != nil {
			job.StartTime = info.StartedAt
		}
		if job.StartTime != nil {
			job.Duration = time.Since(*job.StartTime).Milliseconds()
		}
		if summary, err := w.client.Summary(ctx, address, appID); err != nil {
			// the job may have just finished between the two calls
			w.logger.Debug("metrics fetch failed", "job_id", job.ID, "error", err)
		} else {
			job.Metrics = models.Metrics{
				NumTasks:           &summary.NumTasks,
				NumCompletedTasks:  &summary.NumCompletedTasks,
				NumStages:          &summary.NumStages,
				NumCompletedStages: &summary.NumCompletedStages,
				UsedMemoryMB:       &summary.UsedMemoryMB,
				UsedCores:          &summary.UsedCores,
			}
		}
	}
	w.finishOption(ctx, job, models.OptionStarting)
	return w.store.UpdateJob(ctx, job)
}

// onAppGone handles a cluster manager that no longer knows the
// application. The very first poll after an announce is given a pass:
// submission may still be in flight.
func (w *Watcher) onAppGone(ctx context.Context, job *models.Job) error {
	if fresh, err := w.cache.IsFreshTracking(ctx, job.ID); err == nil && fresh {
		return nil
	}
	state := models.RunStateLost
	w.mu.Lock()
	if w.stopReasons[job.ID] == models.StopByOperator {
		state = models.RunStateCancelled
	}
	w.mu.Unlock()
	return w.onTerminal(ctx, job, state)
}

// onTerminal stamps the end of the job's run, clears metrics before the
// final write and evicts the job from tracking.
func (w *Watcher) onTerminal(ctx context.Context, job *models.Job, state models.RunState) error {
	now := time.Now()
	job.State = state
	job.EndTime = &now
	if job.StartTime != nil {
		job.Duration = now.Sub(*job.StartTime).Milliseconds()
	}
	job.Tracking = false
	job.ClearMetrics()
	w.finishOption(ctx, job)

	if err := w.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	if err := w.store.SetJobTracking(ctx, job.ID, false); err != nil {
		w.logger.Error("persisting tracking flag", "job_id", job.ID, "error", err)
	}

	w.mu.Lock()
	delete(w.tracked, job.ID)
	delete(w.stopReasons, job.ID)
	w.mu.Unlock()
	w.clearFreshMark(ctx, job.ID)

	w.logger.Info("job left tracking", "job_id", job.ID, "state", state)

	// Failures and lost jobs always alert; a bound alert policy widens
	// that to every terminal transition.
	if state == models.RunStateFailed || state == models.RunStateLost || job.AlertID != nil {
		w.dispatchAlert(ctx, job, state)
	}
	if state == models.RunStateFailed && w.restarter != nil {
		w.restart(ctx, job)
	}
	return nil
}

// restart relaunches a failed job and records the attempt as a start
// operation in the audit log.
func (w *Watcher) restart(ctx context.Context, job *models.Job) {
	err := w.restarter.Restart(ctx, job)
	ok := err == nil
	entry := &models.OperationLog{
		ID:        uuid.New(),
		JobID:     job.ID,
		Operation: models.OpStart,
		Success:   &ok,
		Detail:    "automatic restart after failure",
		Actor:     "watcher",
	}
	if err != nil {
		entry.Detail = err.Error()
		w.logger.Error("automatic restart failed", "job_id", job.ID, "error", err)
	}
	if aerr := w.store.AppendOperationLog(ctx, entry); aerr != nil {
		w.logger.Error("recording restart audit entry", "job_id", job.ID, "error", aerr)
	}
}

// finishOption completes an in-flight administrative action whose
// outcome the reconciliation just observed: the marker comes off, the
// cleared state is persisted and the cool-down clock restarts. With a
// filter, only the listed markers complete; a running job finishes a
// start, but a savepoint or stop marker stays until its owner reports
// back. No filter completes any marker (the job reached a terminal
// state, nothing can still be in flight).
func (w *Watcher) finishOption(ctx context.Context, job *models.Job, only ...models.OptionState) {
	w.mu.Lock()
	state, inFlight := w.options[job.ID]
	if inFlight && len(only) > 0 {
		matched := false
		for _, s := range only {
			if s == state {
				matched = true
				break
			}
		}
		inFlight = matched
	}
	now := time.Now()
	if inFlight {
		delete(w.options, job.ID)
		w.lastOptionTime = now
	}
	w.mu.Unlock()
	if !inFlight {
		return
	}

	job.OptionState = models.OptionNone
	job.OptionTime = &now
	if err := w.store.SetJobOption(ctx, job.ID, models.OptionNone, now); err != nil {
		w.logger.Error("clearing option marker", "job_id", job.ID, "error", err)
	}
}

func (w *Watcher) dispatchAlert(ctx context.Context, job *models.Job, state models.RunState) {
	ev := alert.Event{
		JobID:   job.ID,
		JobName: job.Name,
		State:   string(state),
		Restart: state == models.RunStateFailed && w.restarter != nil,
		At:      time.Now(),
	}
	if err := w.sink.Notify(ctx, ev); err != nil {
		w.logger.Error("delivering state alert", "job_id", job.ID, "error", err)
	}
}

func (w *Watcher) clearFreshMark(ctx context.Context, jobID uuid.UUID) {
	if err := w.cache.ClearFreshTracking(ctx, jobID); err != nil {
		w.logger.Warn("clearing fresh tracking", "job_id", jobID, "error", err)
	}
}

func (w *Watcher) flushMetrics(ctx context.Context) {
	w.mu.Lock()
	jobs := make([]*models.Job, 0, len(w.tracked))
	for _, job := range w.tracked {
		jobs = append(jobs, job)
	}
	w.mu.Unlock()
	for _, job := range jobs {
		if err := w.store.UpdateJob(ctx, job); err != nil {
			w.logger.Error("flushing job metrics", "job_id", job.ID, "error", err)
		}
	}
	w.logger.Info("watcher stopped", "flushed", len(jobs))
}
