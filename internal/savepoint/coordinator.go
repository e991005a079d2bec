package savepoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gridvane/flowdeck/internal/cluster"
	"github.com/gridvane/flowdeck/internal/store"
	"github.com/gridvane/flowdeck/internal/worker"
	"github.com/gridvane/flowdeck/pkg/models"
)

var (
	ErrOptionInFlight = errors.New("another administrative action is in flight")
	ErrNotRunning     = errors.New("job is not running")
)

// Tracker mirrors administrative markers into the status watcher, so
// polling accelerates while an action is in flight and an operator
// stop is classified as cancelled once the application disappears.
type Tracker interface {
	MarkOption(jobID uuid.UUID, state models.OptionState)
	ClearOption(jobID uuid.UUID)
	StopTracking(jobID uuid.UUID, reason models.StopReason)
}

type nopTracker struct{}

func (nopTracker) MarkOption(uuid.UUID, models.OptionState) {}
func (nopTracker) ClearOption(uuid.UUID) {}
func (nopTracker) StopTracking(uuid.UUID, models.StopReason) {}

// Coordinator triggers savepoints asynchronously and enforces checkpoint
// retention. Trigger returns as soon as the request is dispatched to the
// background pool; only the wait for the cluster's result is bounded by
// the configured timeout.
type Coordinator struct {
	store     store.Store
	resolver  *Resolver
	client    cluster.Client
	endpoints *cluster.Endpoints
	pool      *worker.Pool
	tracker   Tracker
	timeout   time.Duration
	poll      time.Duration
	logger    *slog.Logger
}

func NewCoordinator(
	st store.Store,
	resolver *Resolver,
	client cluster.Client,
	endpoints *cluster.Endpoints,
	pool *worker.Pool,
	tracker Tracker,
	timeout time.Duration,
	logger *slog.Logger,
) *Coordinator {
	if tracker == nil {
		tracker = nopTracker{}
	}
	return &Coordinator{
		store:     st,
		resolver:  resolver,
		client:    client,
		endpoints: endpoints,
		pool:      pool,
		tracker:   tracker,
		timeout:   timeout,
		poll:      2 * time.Second,
		logger:    logger,
	}
}

// Trigger marks the job savepointing, resolves the target directory when
// no explicit path is given, and dispatches the trigger off-path. The
// returned error covers preconditions only; the outcome of the trigger
// itself lands in the audit log.
func (c *Coordinator) Trigger(ctx context.Context, jobID uuid.UUID, explicitPath string, nativeFormat bool, actor string) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.IsRunning() {
		return ErrNotRunning
	}
	if job.OptionState.InFlight() {
		return fmt.Errorf("%w: %s", ErrOptionInFlight, job.OptionState)
	}

	targetDir := explicitPath
	if targetDir == "" {
		targetDir, err = c.resolver.Directory(ctx, job)
		if err != nil {
			return err
		}
	}
	address, appID, err := c.endpoints.Resolve(ctx, job)
	if err != nil {
		return err
	}

	if err := c.store.SetJobOption(ctx, jobID, models.OptionSavepointing, time.Now().UTC()); err != nil {
		return fmt.Errorf("marking job savepointing: %w", err)
	}
	c.tracker.MarkOption(jobID, models.OptionSavepointing)

	c.pool.Submit("savepoint-trigger", func() {
		c.run(job, address, appID, targetDir, nativeFormat, actor)
	})
	return nil
}

// run executes one trigger with a wall-clock timeout. A timeout is
// inconclusive: the audit entry's success flag stays unset. Either way
// the savepointing marker is cleared and the action time stamped.
func (c *Coordinator) run(job *models.Job, address, appID, targetDir string, nativeFormat bool, actor string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	entry := &models.OperationLog{
		ID:        uuid.New(),
		JobID:     job.ID,
		Operation: models.OpSavepoint,
		Actor:     actor,
	}

	path, err := c.execute(ctx, address, appID, targetDir, nativeFormat)
	switch {
	case err == nil:
		sp := &models.Savepoint{
			ID:          uuid.New(),
			JobID:       job.ID,
			Type:        models.TypeSavepoint,
			Path:        path,
			TriggerTime: time.Now().UTC(),
		}
		if serr := c.store.SaveSavepoint(context.Background(), sp); serr != nil {
			c.logger.Error("saving savepoint record failed", "job_id", job.ID, "error", serr)
		}
		success := true
		entry.Success = &success
		entry.Detail = path
		c.logger.Info("savepoint completed", "job_id", job.ID, "path", path)

	case isTimeout(err):
		entry.Detail = fmt.Sprintf("savepoint did not complete within %s: %v", c.timeout, err)
		c.logger.Warn("savepoint timed out, outcome unknown", "job_id", job.ID)

	default:
		success := false
		entry.Success = &success
		entry.Detail = err.Error()
		c.logger.Error("savepoint failed", "job_id", job.ID, "error", err)
	}

	if err := c.store.AppendOperationLog(context.Background(), entry); err != nil {
		c.logger.Error("appending audit entry failed", "job_id", job.ID, "error", err)
	}
	c.clearOption(job.ID)
}

func (c *Coordinator) execute(ctx context.Context, address, appID, targetDir string, nativeFormat bool) (string, error) {
	reqID, err := c.client.TriggerSnapshot(ctx, address, appID, targetDir, nativeFormat)
	if err != nil {
		return "", err
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			st, err := c.client.SnapshotStatus(ctx, address, appID, reqID)
			if err != nil {
				return "", err
			}
			if !st.Done {
				continue
			}
			if st.Failure != "" {
				return "", fmt.Errorf("cluster reported snapshot failure: %s", st.Failure)
			}
			return st.Location, nil
		}
	}
}

// Stop stops a running job, optionally snapshotting state first. Like
// Trigger, the wait runs off-path with the same timeout and audit rules.
func (c *Coordinator) Stop(ctx context.Context, jobID uuid.UUID, withSnapshot, drain bool, actor string) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.OptionState.InFlight() {
		return fmt.Errorf("%w: %s", ErrOptionInFlight, job.OptionState)
	}

	address, appID, err := c.endpoints.Resolve(ctx, job)
	if err != nil {
		return err
	}

	var targetDir string
	if withSnapshot {
		targetDir, err = c.resolver.Directory(ctx, job)
		if err != nil {
			return err
		}
	}

	if err := c.store.SetJobOption(ctx, jobID, models.OptionStopping, time.Now().UTC()); err != nil {
		return fmt.Errorf("marking job stopping: %w", err)
	}
	c.tracker.MarkOption(jobID, models.OptionStopping)
	// Record the stop as operator-initiated now, so the watcher
	// classifies the disappearing application as cancelled, not lost.
	c.tracker.StopTracking(jobID, models.StopByOperator)

	c.pool.Submit("job-stop", func() {
		c.runStop(job, address, appID, targetDir, withSnapshot, drain, actor)
	})
	return nil
}

func (c *Coordinator) runStop(job *models.Job, address, appID, targetDir string, withSnapshot, drain bool, actor string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	entry := &models.OperationLog{
		ID:        uuid.New(),
		JobID:     job.ID,
		Operation: models.OpStop,
		Actor:     actor,
	}

	var err error
	if withSnapshot {
		var path string
		path, err = c.stopWithSnapshot(ctx, address, appID, targetDir, drain)
		if err == nil {
			sp := &models.Savepoint{
				ID:          uuid.New(),
				JobID:       job.ID,
				Type:        models.TypeSavepoint,
				Path:        path,
				TriggerTime: time.Now().UTC(),
			}
			if serr := c.store.SaveSavepoint(context.Background(), sp); serr != nil {
				c.logger.Error("saving savepoint record failed", "job_id", job.ID, "error", serr)
			}
			entry.Detail = path
		}
	} else {
		err = c.client.Cancel(ctx, address, appID)
	}

	switch {
	case err == nil:
		success := true
		entry.Success = &success
	case isTimeout(err):
		entry.Detail = fmt.Sprintf("stop did not complete within %s: %v", c.timeout, err)
	default:
		success := false
		entry.Success = &success
		entry.Detail = err.Error()
	}

	if aerr := c.store.AppendOperationLog(context.Background(), entry); aerr != nil {
		c.logger.Error("appending audit entry failed", "job_id", job.ID, "error", aerr)
	}
	c.clearOption(job.ID)
}

func (c *Coordinator) stopWithSnapshot(ctx context.Context, address, appID, targetDir string, drain bool) (string, error) {
	reqID, err := c.client.StopWithSnapshot(ctx, address, appID, targetDir, drain)
	if err != nil {
		return "", err
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			st, err := c.client.SnapshotStatus(ctx, address, appID, reqID)
			if err != nil {
				return "", err
			}
			if !st.Done {
				continue
			}
			if st.Failure != "" {
				return "", fmt.Errorf("cluster reported stop failure: %s", st.Failure)
			}
			return st.Location, nil
		}
	}
}

// RecordCheckpoint persists an automatically produced checkpoint and
// applies retention immediately.
func (c *Coordinator) RecordCheckpoint(ctx context.Context, job *models.Job, path string, triggerTime time.Time) error {
	sp := &models.Savepoint{
		ID:          uuid.New(),
		JobID:       job.ID,
		Type:        models.TypeCheckpoint,
		Path:        path,
		TriggerTime: triggerTime,
	}
	if err := c.store.SaveSavepoint(ctx, sp); err != nil {
		return fmt.Errorf("saving checkpoint record: %w", err)
	}
	_, err := c.Expire(ctx, job)
	return err
}

// Expire prunes checkpoint records beyond the resolved retention
// threshold. A threshold of zero removes every checkpoint; manual
// savepoints are never touched.
func (c *Coordinator) Expire(ctx context.Context, job *models.Job) (int64, error) {
	keep := c.resolver.RetainedCheckpoints(ctx, job)
	removed, err := c.store.PruneCheckpoints(ctx, job.ID, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning checkpoints: %w", err)
	}
	if removed > 0 {
		c.logger.Info("checkpoints pruned", "job_id", job.ID, "removed", removed, "kept", keep)
	}
	return removed, nil
}

func (c *Coordinator) clearOption(jobID uuid.UUID) {
	if err := c.store.SetJobOption(context.Background(), jobID, models.OptionNone, time.Now().UTC()); err != nil {
		c.logger.Error("clearing option state failed", "job_id", jobID, "error", err)
	}
	c.tracker.ClearOption(jobID)
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, cluster.ErrClusterTimeout)
}

// SetPollInterval adjusts the snapshot status poll cadence. Tests use a
// short interval.
func (c *Coordinator) SetPollInterval(d time.Duration) {
	c.poll = d
}
