package deploy

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridvane/flowdeck/internal/alert"
	"github.com/gridvane/flowdeck/internal/artifact"
	"github.com/gridvane/flowdeck/internal/backup"
	"github.com/gridvane/flowdeck/internal/config"
	"github.com/gridvane/flowdeck/internal/configsvc"
	"github.com/gridvane/flowdeck/internal/resource"
	"github.com/gridvane/flowdeck/internal/sqlsvc"
	"github.com/gridvane/flowdeck/internal/store/storetest"
	"github.com/gridvane/flowdeck/internal/worker"
	"github.com/gridvane/flowdeck/pkg/models"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCache struct {
	mu          sync.Mutex
	invalidated int
	snaps       []models.DockerProgress
}

func (f *fakeCache) Ping(context.Context) error { return nil }
func (f *fakeCache) Close() error               { return nil }

func (f *fakeCache) SetDockerProgress(_ context.Context, snap *models.DockerProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, *snap)
	return nil
}

func (f *fakeCache) GetDockerProgress(context.Context, uuid.UUID, models.DockerPhase) (*models.DockerProgress, bool, error) {
	return nil, false, nil
}

func (f *fakeCache) InvalidateDockerProgress(context.Context, uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	return nil
}

func (f *fakeCache) MarkFreshTracking(context.Context, uuid.UUID) error { return nil }
func (f *fakeCache) IsFreshTracking(context.Context, uuid.UUID) (bool, error) {
	return false, nil
}
func (f *fakeCache) ClearFreshTracking(context.Context, uuid.UUID) error { return nil }

// captureAnnouncer records announcements and option markers.
type captureAnnouncer struct {
	mu        sync.Mutex
	announced []uuid.UUID
	marks     map[uuid.UUID]models.OptionState
	cleared   []uuid.UUID
}

func newCaptureAnnouncer() *captureAnnouncer {
	return &captureAnnouncer{marks: make(map[uuid.UUID]models.OptionState)}
}

func (c *captureAnnouncer) Announce(job *models.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.announced = append(c.announced, job.ID)
}

func (c *captureAnnouncer) MarkOption(jobID uuid.UUID, state models.OptionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marks[jobID] = state
}

func (c *captureAnnouncer) ClearOption(jobID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared = append(c.cleared, jobID)
}

type missRepo struct{}

func (missRepo) Get(_ context.Context, id string) (*resource.Resource, error) {
	return nil, resource.ErrResourceNotFound
}

type captureSink struct {
	mu     sync.Mutex
	events []alert.Event
}

func (s *captureSink) Notify(_ context.Context, ev alert.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) all() []alert.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alert.Event(nil), s.events...)
}

type fixture struct {
	store   *storetest.MemStore
	cache   *fakeCache
	stager  *artifact.LocalStager
	configs *configsvc.Service
	sqls    *sqlsvc.Service
	sink    *captureSink
	ann     *captureAnnouncer
	pool    *worker.Pool
	engine  *Engine
	root    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	st := storetest.New()
	ca := &fakeCache{}
	stager := artifact.NewLocalStager(root)
	configs := configsvc.NewService(st, discard())
	sqls := sqlsvc.NewService(st, discard())
	backups := backup.NewService(st, stager, discard())
	sink := &captureSink{}
	ann := newCaptureAnnouncer()
	pool := worker.NewPool(2, discard())

	eng := NewEngine(Options{
		Store:     st,
		Cache:     ca,
		Stager:    stager,
		Workspace: config.WorkspaceConfig{Local: root, Remote: filepath.Join(root, "remote")},
		Merger:    resource.NewMerger(missRepo{}, discard()),
		SQLs:      sqls,
		Pool:      pool,
		Listeners: []Listener{
			NewPersistListener(st, stager, configs, sqls, backups, ann, discard()),
			NewAlertListener(sink, discard()),
		},
		Logger: discard(),
	})
	return &fixture{
		store:   st,
		cache:   ca,
		stager:  stager,
		configs: configs,
		sqls:    sqls,
		sink:    sink,
		ann:     ann,
		pool:    pool,
		engine:  eng,
		root:    root,
	}
}

func (f *fixture) seedJob(t *testing.T) *models.Job {
	t.Helper()
	env := &models.RuntimeEnv{ID: uuid.New(), Name: "default", Version: "1.17.2"}
	f.store.Envs[env.ID] = env

	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "uploads"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "uploads", "orders.jar"), []byte("jar bytes"), 0o644))

	job := &models.Job{
		ID:         uuid.New(),
		Name:       "orders-enrichment",
		Type:       models.JobTypeJar,
		DeployMode: models.DeployStandaloneSession,
		EnvID:      env.ID,
		Release:    models.ReleaseNeedRelease,
		Artifact:   "uploads/orders.jar",
		MainClass:  "com.example.Orders",
	}
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func TestLaunch_ConflictWithoutForceBuild(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t)
	f.store.Runs[job.ID] = &models.PipelineRun{
		JobID:  job.ID,
		Type:   models.PipelineStandalone,
		Status: models.PipelineRunning,
	}

	started, err := f.engine.Launch(context.Background(), job.ID, false, "alice")
	assert.ErrorIs(t, err, ErrBuildConflict)
	assert.False(t, started)
}

func TestLaunch_ForceBuildSupersedesLiveRun(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t)
	f.store.Runs[job.ID] = &models.PipelineRun{
		JobID:  job.ID,
		Type:   models.PipelineStandalone,
		Status: models.PipelineRunning,
	}

	started, err := f.engine.Launch(context.Background(), job.ID, true, "alice")
	require.NoError(t, err)
	require.True(t, started)
	f.pool.Wait()

	run, err := f.store.GetPipelineRun(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineSuccess, run.Status)
	assert.True(t, run.Pass)
	assert.Equal(t, 1, f.cache.invalidated)
}

func TestLaunch_UnsupportedEnvVersion(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t)
	env := f.store.Envs[job.EnvID]
	env.Version = "0.9.1"

	_, err := f.engine.Launch(context.Background(), job.ID, false, "alice")
	assert.ErrorIs(t, err, ErrEnvUnsupported)
}

func TestLaunch_UnknownDeployMode(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t)
	f.store.Jobs[job.ID].DeployMode = models.DeployMode("mesos")

	_, err := f.engine.Launch(context.Background(), job.ID, false, "alice")
	assert.ErrorIs(t, err, ErrUnsupportedMode)
}

func TestPipeline_SuccessPromotesConfigAndTakesBackup(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t)
	ctx := context.Background()

	rev, err := f.configs.Create(ctx, job.ID, "state.savepoints.dir = file:///sp", "properties", true)
	require.NoError(t, err)

	started, err := f.engine.Launch(ctx, job.ID, false, "alice")
	require.NoError(t, err)
	require.True(t, started)
	f.pool.Wait()

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseDone, stored.Release)
	assert.NotEmpty(t, stored.BuiltHash)

	eff, err := f.configs.GetEffective(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, rev.ID, eff.ID)

	backups, err := f.store.ListBackups(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	require.NotNil(t, backups[0].ConfigID)
	assert.Equal(t, rev.ID, *backups[0].ConfigID)

	logs := f.store.OperationLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, models.OpRelease, logs[0].Operation)
	require.NotNil(t, logs[0].Success)
	assert.True(t, *logs[0].Success)

	// distribution staged into the job's lib dir
	staged := filepath.Join(f.root, "jobs", job.ID.String(), "lib", "orders.jar")
	_, statErr := os.Stat(staged)
	assert.NoError(t, statErr)
}

func TestPipeline_StartingMarkerLifecycle(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t)
	ctx := context.Background()

	started, err := f.engine.Launch(ctx, job.ID, false, "alice")
	require.NoError(t, err)
	require.True(t, started)
	f.pool.Wait()

	f.ann.mu.Lock()
	assert.Equal(t, models.OptionStarting, f.ann.marks[job.ID], "a release marks the job starting")
	assert.Contains(t, f.ann.cleared, job.ID, "the marker comes off when the run finishes")
	assert.NotEmpty(t, f.ann.announced)
	f.ann.mu.Unlock()

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OptionNone, stored.OptionState)
}

func TestLaunch_UnchangedContentAuditsWithoutRun(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t)
	ctx := context.Background()

	started, err := f.engine.Launch(ctx, job.ID, false, "alice")
	require.NoError(t, err)
	require.True(t, started)
	f.pool.Wait()

	require.NoError(t, f.store.DeletePipelineRun(ctx, job.ID))
	before := len(f.store.OperationLogs())

	started, err = f.engine.Launch(ctx, job.ID, false, "alice")
	require.NoError(t, err)
	assert.True(t, started)
	f.pool.Wait()

	_, err = f.store.GetPipelineRun(ctx, job.ID)
	assert.Error(t, err, "an unchanged launch must not create a run")

	logs := f.store.OperationLogs()
	require.Len(t, logs, before+1)
	last := logs[len(logs)-1]
	assert.Equal(t, models.OpRelease, last.Operation)
	require.NotNil(t, last.Success)
	assert.True(t, *last.Success)
	assert.Contains(t, last.Detail, "skipped")
}

func TestPipeline_MissingDependencyFailsAndAlerts(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t)
	f.store.Jobs[job.ID].Dependency = `{"jars":["uploads/missing-connector.jar"]}`
	ctx := context.Background()

	started, err := f.engine.Launch(ctx, job.ID, false, "alice")
	require.NoError(t, err)
	require.True(t, started)
	f.pool.Wait()

	run, err := f.store.GetPipelineRun(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineFailure, run.Status)
	assert.False(t, run.Pass)
	assert.Contains(t, run.Error, "missing-connector.jar")

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseFailed, stored.Release)

	events := f.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, job.ID, events[0].JobID)
	assert.Equal(t, "RELEASE_FAILED", events[0].State)

	logs := f.store.OperationLogs()
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].Success)
	assert.False(t, *logs[0].Success)
}

func TestPipeline_RollbackRestoresRevisionsAndSkipsBackup(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t)
	stored := f.store.Jobs[job.ID]
	stored.Type = models.JobTypeSQL
	stored.Artifact = ""
	ctx := context.Background()

	rev, err := f.sqls.Create(ctx, job.ID, "SELECT * FROM orders", `{"jars":[]}`, "")
	require.NoError(t, err)
	require.NoError(t, f.store.PromoteCandidateSQL(ctx, job.ID))

	b := &models.Backup{
		ID:        uuid.New(),
		JobID:     job.ID,
		SQLID:     &rev.ID,
		Version:   rev.Version,
		CreatedAt: time.Now(),
	}
	require.NoError(t, f.store.CreateBackup(ctx, b))

	stored.NeedRollback = true
	stored.Dependency = `{"jars":["uploads/stale.jar"]}`

	started, err := f.engine.Launch(ctx, job.ID, false, "alice")
	require.NoError(t, err)
	require.True(t, started)
	f.pool.Wait()

	after, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, after.NeedRollback)
	assert.Equal(t, models.ReleaseDone, after.Release)
	assert.Equal(t, `{"jars":[]}`, after.Dependency, "rollback restores the backed-up dependency set")

	backups, err := f.store.ListBackups(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, backups, 1, "a rollback build must not take a fresh backup")
}

func TestContentHash_SensitiveToArtifactFields(t *testing.T) {
	job := &models.Job{Artifact: "uploads/a.jar", MainClass: "Main", DynamicProps: "parallelism=4"}
	base := contentHash(job, "", "")

	job.DynamicProps = "parallelism=8"
	assert.NotEqual(t, base, contentHash(job, "", ""))

	job.DynamicProps = "parallelism=4"
	assert.Equal(t, base, contentHash(job, "", ""))
	assert.NotEqual(t, base, contentHash(job, "SELECT 1", ""))
}
