package savepoint

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/gridvane/flowdeck/internal/cluster"
	"github.com/gridvane/flowdeck/internal/configsvc"
	"github.com/gridvane/flowdeck/internal/store/storetest"
	"github.com/gridvane/flowdeck/internal/worker"
	"github.com/gridvane/flowdeck/pkg/models"
)

// fakeCluster is a scriptable cluster.Client.
type fakeCluster struct {
	conf       map[string]string
	confErr    error
	triggerErr error
	status     cluster.SnapshotStatus
	statusErr  error
}

func (f *fakeCluster) AppInfo(context.Context, string, string) (*models.ClusterAppInfo, error) {
	return nil, cluster.ErrAppNotFound
}

func (f *fakeCluster) Summary(context.Context, string, string) (*models.ClusterSummary, error) {
	return nil, cluster.ErrAppNotFound
}

func (f *fakeCluster) Config(context.Context, string) (map[string]string, error) {
	return f.conf, f.confErr
}

func (f *fakeCluster) TriggerSnapshot(context.Context, string, string, string, bool) (string, error) {
	return "req-1", f.triggerErr
}

func (f *fakeCluster) StopWithSnapshot(context.Context, string, string, string, bool) (string, error) {
	return "req-1", f.triggerErr
}

func (f *fakeCluster) SnapshotStatus(context.Context, string, string, string) (*cluster.SnapshotStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	st := f.status
	return &st, nil
}

func (f *fakeCluster) Cancel(context.Context, string, string) error { return nil }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureTracker records the markers and stop reasons mirrored to it.
type captureTracker struct {
	mu      sync.Mutex
	marks   map[uuid.UUID]models.OptionState
	cleared []uuid.UUID
	stops   map[uuid.UUID]models.StopReason
}

func newCaptureTracker() *captureTracker {
	return &captureTracker{
		marks: make(map[uuid.UUID]models.OptionState),
		stops: make(map[uuid.UUID]models.StopReason),
	}
}

func (c *captureTracker) MarkOption(jobID uuid.UUID, state models.OptionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marks[jobID] = state
}

func (c *captureTracker) ClearOption(jobID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared = append(c.cleared, jobID)
}

func (c *captureTracker) StopTracking(jobID uuid.UUID, reason models.StopReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops[jobID] = reason
}

type fixture struct {
	store   *storetest.MemStore
	client  *fakeCluster
	res     *Resolver
	coord   *Coordinator
	pool    *worker.Pool
	tracker *captureTracker
	configs *configsvc.Service
}

func newFixture(t *testing.T, defaultRetained int, timeout time.Duration) *fixture {
	t.Helper()
	st := storetest.New()
	client := &fakeCluster{}
	configs := configsvc.NewService(st, discard())
	res := NewResolver(st, configs, client, defaultRetained)
	pool := worker.NewPool(2, discard())
	tracker := newCaptureTracker()
	coord := NewCoordinator(st, res, client, cluster.NewEndpoints(st, ""), pool, tracker, timeout, discard())
	coord.SetPollInterval(5 * time.Millisecond)
	return &fixture{store: st, client: client, res: res, coord: coord, pool: pool, tracker: tracker, configs: configs}
}

func seedRunningJob(t *testing.T, st *storetest.MemStore) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:          uuid.New(),
		Name:        "orders",
		Type:        models.JobTypeSQL,
		DeployMode:  models.DeployK8sSession,
		ClusterID:   "orders-cluster",
		Namespace:   "streaming",
		State:       models.RunStateRunning,
		OptionState: models.OptionNone,
		Tracking:    true,
	}
	require.NoError(t, st.CreateJob(context.Background(), job))
	return job
}

// --- directory resolution ---

func TestDirectory_Precedence(t *testing.T) {
	f := newFixture(t, 1, time.Minute)
	ctx := context.Background()

	env := &models.RuntimeEnv{
		ID:   uuid.New(),
		Conf: map[string]string{models.KeySavepointDir: "hdfs:///C"},
	}
	f.store.Envs[env.ID] = env

	job := &models.Job{
		ID:           uuid.New(),
		Type:         models.JobTypeSQL,
		DeployMode:   models.DeployK8sSession,
		EnvID:        env.ID,
		DynamicProps: "-Dstate.savepoints.dir=hdfs:///A",
	}
	_, err := f.configs.Create(ctx, job.ID,
		"execution.checkpointing.enabled=true\nstate.savepoints.dir=hdfs:///B",
		"properties", false)
	require.NoError(t, err)

	// Override wins.
	dir, err := f.res.Directory(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, "hdfs:///A", dir)

	// Without the override, the effective config wins.
	job.DynamicProps = ""
	dir, err = f.res.Directory(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, "hdfs:///B", dir)

	// With checkpointing disabled, the deploy-layer default wins.
	_, err = f.configs.Create(ctx, job.ID,
		"execution.checkpointing.enabled=false\nstate.savepoints.dir=hdfs:///B",
		"properties", false)
	require.NoError(t, err)
	dir, err = f.res.Directory(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, "hdfs:///C", dir)
}

func TestDirectory_EffectiveConfigSkippedForImperativeJobs(t *testing.T) {
	f := newFixture(t, 1, time.Minute)
	ctx := context.Background()

	env := &models.RuntimeEnv{
		ID:   uuid.New(),
		Conf: map[string]string{models.KeySavepointDir: "hdfs:///C"},
	}
	f.store.Envs[env.ID] = env

	job := &models.Job{
		ID:         uuid.New(),
		Type:       models.JobTypeJar,
		DeployMode: models.DeployK8sSession,
		EnvID:      env.ID,
	}
	_, err := f.configs.Create(ctx, job.ID,
		"execution.checkpointing.enabled=true\nstate.savepoints.dir=hdfs:///B",
		"properties", false)
	require.NoError(t, err)

	dir, err := f.res.Directory(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, "hdfs:///C", dir)
}

func TestDirectory_RemoteModeReadsLiveClusterConfig(t *testing.T) {
	f := newFixture(t, 1, time.Minute)
	ctx := context.Background()

	cl := &models.Cluster{ID: uuid.New(), Address: "http://standalone:8081"}
	f.store.Clusters[cl.ID] = cl
	f.client.conf = map[string]string{models.KeySavepointDir: "s3://live/sp"}

	job := &models.Job{
		ID:         uuid.New(),
		Type:       models.JobTypeJar,
		DeployMode: models.DeployStandaloneSession,
		RemoteID:   cl.ID,
	}
	dir, err := f.res.Directory(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, "s3://live/sp", dir)
}

func TestDirectory_RemoteModeMissingClusterRecord(t *testing.T) {
	f := newFixture(t, 1, time.Minute)

	job := &models.Job{
		ID:         uuid.New(),
		DeployMode: models.DeployStandaloneSession,
		RemoteID:   uuid.New(),
	}
	_, err := f.res.Directory(context.Background(), job)
	assert.Error(t, err)
}

func TestDirectory_NothingConfigured(t *testing.T) {
	f := newFixture(t, 1, time.Minute)
	job := &models.Job{ID: uuid.New(), Type: models.JobTypeJar, DeployMode: models.DeployK8sSession}
	_, err := f.res.Directory(context.Background(), job)
	assert.ErrorIs(t, err, ErrNoDirectory)
}

// --- retention ---

func seedCheckpoints(t *testing.T, st *storetest.MemStore, jobID uuid.UUID, n int) []uuid.UUID {
	t.Helper()
	base := time.Now().UTC().Add(-time.Hour)
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		sp := &models.Savepoint{
			ID:          uuid.New(),
			JobID:       jobID,
			Type:        models.TypeCheckpoint,
			Path:        "hdfs:///cp",
			TriggerTime: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, st.SaveSavepoint(context.Background(), sp))
		ids = append(ids, sp.ID)
	}
	return ids
}

func TestExpire_KeepsNMostRecent(t *testing.T) {
	f := newFixture(t, 1, time.Minute)
	ctx := context.Background()

	job := &models.Job{ID: uuid.New(), DynamicProps: "state.checkpoints.num-retained=3"}
	ids := seedCheckpoints(t, f.store, job.ID, 5)

	manual := &models.Savepoint{
		ID: uuid.New(), JobID: job.ID, Type: models.TypeSavepoint,
		Path: "hdfs:///sp", TriggerTime: time.Now().UTC().Add(-2 * time.Hour),
	}
	require.NoError(t, f.store.SaveSavepoint(ctx, manual))

	removed, err := f.coord.Expire(ctx, job)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	left, err := f.store.ListSavepoints(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, left, 4)

	// The two oldest checkpoints are gone, the manual savepoint stays.
	byID := make(map[uuid.UUID]bool)
	for _, s := range left {
		byID[s.ID] = true
	}
	assert.False(t, byID[ids[0]])
	assert.False(t, byID[ids[1]])
	assert.True(t, byID[ids[4]])
	assert.True(t, byID[manual.ID])
}

func TestExpire_ZeroThresholdRemovesAllCheckpoints(t *testing.T) {
	f := newFixture(t, 0, time.Minute)
	ctx := context.Background()

	job := &models.Job{ID: uuid.New()}
	seedCheckpoints(t, f.store, job.ID, 5)

	removed, err := f.coord.Expire(ctx, job)
	require.NoError(t, err)
	assert.EqualValues(t, 5, removed)
}

func TestRetainedCheckpoints_Fallbacks(t *testing.T) {
	f := newFixture(t, 7, time.Minute)
	ctx := context.Background()

	env := &models.RuntimeEnv{
		ID:   uuid.New(),
		Conf: map[string]string{models.KeyRetainedCheckpoints: "4"},
	}
	f.store.Envs[env.ID] = env

	job := &models.Job{ID: uuid.New(), EnvID: env.ID}

	// Env default applies when no override is set.
	assert.Equal(t, 4, f.res.RetainedCheckpoints(ctx, job))

	// Dynamic property override wins.
	job.DynamicProps = "state.checkpoints.num-retained=2"
	assert.Equal(t, 2, f.res.RetainedCheckpoints(ctx, job))

	// Non-positive values fall back to the hard default.
	job.DynamicProps = "state.checkpoints.num-retained=-1"
	job.EnvID = uuid.New()
	assert.Equal(t, 7, f.res.RetainedCheckpoints(ctx, job))
}

// --- trigger ---

func TestTrigger_SuccessRecordsSavepoint(t *testing.T) {
	f := newFixture(t, 1, time.Minute)
	ctx := context.Background()

	job := seedRunningJob(t, f.store)
	f.client.status = cluster.SnapshotStatus{Done: true, Location: "hdfs:///sp/sp-1"}

	require.NoError(t, f.coord.Trigger(ctx, job.ID, "hdfs:///sp", false, "ops"))
	f.pool.Wait()

	sp, err := f.store.GetLatestSavepoint(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "hdfs:///sp/sp-1", sp.Path)
	assert.Equal(t, models.TypeSavepoint, sp.Type)

	logs := f.store.OperationLogs()
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].Success)
	assert.True(t, *logs[0].Success)

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OptionNone, got.OptionState)
	assert.NotNil(t, got.OptionTime)
}

func TestTrigger_TimeoutLeavesSuccessUnset(t *testing.T) {
	f := newFixture(t, 1, 30*time.Millisecond)
	ctx := context.Background()

	job := seedRunningJob(t, f.store)
	f.client.status = cluster.SnapshotStatus{Done: false}

	require.NoError(t, f.coord.Trigger(ctx, job.ID, "hdfs:///sp", false, "ops"))
	f.pool.Wait()

	logs := f.store.OperationLogs()
	require.Len(t, logs, 1)
	assert.Nil(t, logs[0].Success, "timeout is inconclusive, not failure")
	assert.NotEmpty(t, logs[0].Detail)

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OptionNone, got.OptionState, "savepointing marker cleared")

	_, err = f.store.GetLatestSavepoint(ctx, job.ID)
	assert.Error(t, err, "no savepoint record on timeout")
}

func TestTrigger_ClusterFailureRecordsFailure(t *testing.T) {
	f := newFixture(t, 1, time.Minute)
	ctx := context.Background()

	job := seedRunningJob(t, f.store)
	f.client.status = cluster.SnapshotStatus{Done: true, Failure: "disk full"}

	require.NoError(t, f.coord.Trigger(ctx, job.ID, "hdfs:///sp", false, "ops"))
	f.pool.Wait()

	logs := f.store.OperationLogs()
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].Success)
	assert.False(t, *logs[0].Success)
	assert.Contains(t, logs[0].Detail, "disk full")
}

func TestTrigger_Preconditions(t *testing.T) {
	f := newFixture(t, 1, time.Minute)
	ctx := context.Background()

	job := seedRunningJob(t, f.store)
	require.NoError(t, f.store.SetJobOption(ctx, job.ID, models.OptionStarting, time.Now().UTC()))

	err := f.coord.Trigger(ctx, job.ID, "hdfs:///sp", false, "ops")
	assert.ErrorIs(t, err, ErrOptionInFlight)

	require.NoError(t, f.store.SetJobOption(ctx, job.ID, models.OptionNone, time.Now().UTC()))
	job.State = models.RunStateFinished
	require.NoError(t, f.store.UpdateJob(ctx, job))

	err = f.coord.Trigger(ctx, job.ID, "hdfs:///sp", false, "ops")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestStop_WithSnapshot(t *testing.T) {
	f := newFixture(t, 1, time.Minute)
	ctx := context.Background()

	job := seedRunningJob(t, f.store)
	job.DynamicProps = "state.savepoints.dir=hdfs:///sp"
	require.NoError(t, f.store.UpdateJob(ctx, job))
	f.client.status = cluster.SnapshotStatus{Done: true, Location: "hdfs:///sp/sp-9"}

	require.NoError(t, f.coord.Stop(ctx, job.ID, true, true, "ops"))
	f.pool.Wait()

	sp, err := f.store.GetLatestSavepoint(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "hdfs:///sp/sp-9", sp.Path)

	logs := f.store.OperationLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, models.OpStop, logs[0].Operation)
	require.NotNil(t, logs[0].Success)
	assert.True(t, *logs[0].Success)
}

func TestTrigger_MirrorsMarkerToWatcher(t *testing.T) {
	f := newFixture(t, 1, time.Minute)
	ctx := context.Background()

	job := seedRunningJob(t, f.store)
	f.client.status = cluster.SnapshotStatus{Done: true, Location: "hdfs:///sp/sp-2"}

	require.NoError(t, f.coord.Trigger(ctx, job.ID, "hdfs:///sp", false, "ops"))

	f.tracker.mu.Lock()
	assert.Equal(t, models.OptionSavepointing, f.tracker.marks[job.ID])
	f.tracker.mu.Unlock()

	f.pool.Wait()

	f.tracker.mu.Lock()
	defer f.tracker.mu.Unlock()
	assert.Contains(t, f.tracker.cleared, job.ID)
}

func TestStop_RecordsOperatorStopReason(t *testing.T) {
	f := newFixture(t, 1, time.Minute)
	ctx := context.Background()

	job := seedRunningJob(t, f.store)

	require.NoError(t, f.coord.Stop(ctx, job.ID, false, false, "ops"))
	f.pool.Wait()

	f.tracker.mu.Lock()
	assert.Equal(t, models.StopByOperator, f.tracker.stops[job.ID])
	assert.Equal(t, models.OptionStopping, f.tracker.marks[job.ID])
	f.tracker.mu.Unlock()

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OptionNone, got.OptionState, "marker cleared once the stop resolves")
}

func TestChain_ErrorStopsResolution(t *testing.T) {
	boom := errors.New("boom")
	chain := Chain{
		func(context.Context) (string, bool, error) { return "", false, nil },
		func(context.Context) (string, bool, error) { return "", false, boom },
		func(context.Context) (string, bool, error) { return "never", true, nil },
	}
	_, _, err := chain.Resolve(context.Background())
	assert.ErrorIs(t, err, boom)
}
