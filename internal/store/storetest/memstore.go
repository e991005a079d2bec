// Package storetest provides an in-memory Store implementation for unit
// tests of the services above the persistence layer. It enforces the
// same at-most-one invariants the real store enforces transactionally.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gridvane/flowdeck/internal/store"
	"github.com/gridvane/flowdeck/pkg/models"
)

// MemStore is a mutex-guarded in-memory store.Store.
type MemStore struct {
	mu sync.Mutex

	Jobs       map[uuid.UUID]*models.Job
	Runs       map[uuid.UUID]*models.PipelineRun
	Configs    map[uuid.UUID]*models.ConfigRevision
	Effective  map[uuid.UUID]map[models.EffectiveKind]uuid.UUID
	SQLs       map[uuid.UUID]*models.SQLRevision
	Savepoints map[uuid.UUID]*models.Savepoint
	OpLogs     []*models.OperationLog
	Backups    map[uuid.UUID]*models.Backup
	Clusters   map[uuid.UUID]*models.Cluster
	Envs       map[uuid.UUID]*models.RuntimeEnv
}

func New() *MemStore {
	return &MemStore{
		Jobs:       make(map[uuid.UUID]*models.Job),
		Runs:       make(map[uuid.UUID]*models.PipelineRun),
		Configs:    make(map[uuid.UUID]*models.ConfigRevision),
		Effective:  make(map[uuid.UUID]map[models.EffectiveKind]uuid.UUID),
		SQLs:       make(map[uuid.UUID]*models.SQLRevision),
		Savepoints: make(map[uuid.UUID]*models.Savepoint),
		Backups:    make(map[uuid.UUID]*models.Backup),
		Clusters:   make(map[uuid.UUID]*models.Cluster),
		Envs:       make(map[uuid.UUID]*models.RuntimeEnv),
	}
}

func (m *MemStore) Ping(context.Context) error { return nil }

// --- jobs ---

func (m *MemStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.Jobs[id]
	if !ok || j.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	if job.OptionState == "" {
		job.OptionState = models.OptionNone
	}
	cp := *job
	m.Jobs[job.ID] = &cp
	return nil
}

func (m *MemStore) UpdateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.Jobs[job.ID]
	if !ok || cur.DeletedAt != nil {
		return store.ErrNotFound
	}
	cp := *job
	// option columns belong to SetJobOption
	cp.OptionState = cur.OptionState
	cp.OptionTime = cur.OptionTime
	cp.UpdatedAt = time.Now().UTC()
	m.Jobs[job.ID] = &cp
	return nil
}

func (m *MemStore) SetJobOption(_ context.Context, id uuid.UUID, state models.OptionState, optionTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.Jobs[id]
	if !ok || j.DeletedAt != nil {
		return store.ErrNotFound
	}
	ts := optionTime
	j.OptionState = state
	j.OptionTime = &ts
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) UpdateJobRelease(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.Jobs[job.ID]
	if !ok {
		return store.ErrNotFound
	}
	cur.Release = job.Release
	cur.OptionState = job.OptionState
	cur.BuiltHash = job.BuiltHash
	cur.NeedRollback = job.NeedRollback
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) ListTrackedJobs(_ context.Context) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.Jobs {
		if j.Tracking && j.DeletedAt == nil {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) SetJobTracking(_ context.Context, id uuid.UUID, tracking bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.Jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Tracking = tracking
	return nil
}

func (m *MemStore) SoftDeleteJob(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.Jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	j.DeletedAt = &now
	return nil
}

// --- pipeline runs ---

func (m *MemStore) ReplacePipelineRun(_ context.Context, run *models.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	cp.UpdatedAt = time.Now().UTC()
	m.Runs[run.JobID] = &cp
	return nil
}

func (m *MemStore) SavePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	return m.ReplacePipelineRun(ctx, run)
}

func (m *MemStore) GetPipelineRun(_ context.Context, jobID uuid.UUID) (*models.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Runs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemStore) PipelineStatusMap(_ context.Context, jobIDs []uuid.UUID) (map[uuid.UUID]models.PipelineStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]models.PipelineStatus)
	for _, id := range jobIDs {
		if r, ok := m.Runs[id]; ok {
			out[id] = r.Status
		}
	}
	return out, nil
}

func (m *MemStore) DeletePipelineRun(_ context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Runs, jobID)
	return nil
}

// --- config revisions ---

func (m *MemStore) CreateConfigRevision(_ context.Context, rev *models.ConfigRevision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := 1
	for _, r := range m.Configs {
		if r.JobID == rev.JobID && r.Version >= next {
			next = r.Version + 1
		}
	}
	rev.Version = next
	rev.CreatedAt = time.Now().UTC()
	cp := *rev
	m.Configs[rev.ID] = &cp
	return nil
}

func (m *MemStore) GetConfigRevision(_ context.Context, id uuid.UUID) (*models.ConfigRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Configs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemStore) GetLatestConfig(_ context.Context, jobID uuid.UUID) (*models.ConfigRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.Configs {
		if r.JobID == jobID && r.Latest {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MemStore) GetEffectiveConfig(_ context.Context, jobID uuid.UUID) (*models.ConfigRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds, ok := m.Effective[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	id, ok := kinds[models.EffectiveConfig]
	if !ok {
		return nil, store.ErrNotFound
	}
	r, ok := m.Configs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemStore) SetLatestConfig(_ context.Context, jobID, revID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.Configs[revID]
	if !ok || target.JobID != jobID {
		return store.ErrNotFound
	}
	for _, r := range m.Configs {
		if r.JobID == jobID {
			r.Latest = false
		}
	}
	target.Latest = true
	return nil
}

func (m *MemStore) DeleteConfigRevision(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Configs, id)
	return nil
}

func (m *MemStore) ListConfigRevisions(_ context.Context, jobID uuid.UUID) ([]*models.ConfigRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ConfigRevision
	for _, r := range m.Configs {
		if r.JobID == jobID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (m *MemStore) SaveEffectivePointer(_ context.Context, jobID uuid.UUID, kind models.EffectiveKind, targetID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Effective[jobID] == nil {
		m.Effective[jobID] = make(map[models.EffectiveKind]uuid.UUID)
	}
	m.Effective[jobID][kind] = targetID
	return nil
}

func (m *MemStore) RemoveEffectivePointer(_ context.Context, jobID uuid.UUID, kind models.EffectiveKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kinds, ok := m.Effective[jobID]; ok {
		delete(kinds, kind)
	}
	return nil
}

// --- sql revisions ---

func (m *MemStore) CreateSQLRevision(_ context.Context, rev *models.SQLRevision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := 1
	for _, r := range m.SQLs {
		if r.JobID == rev.JobID {
			if r.Version >= next {
				next = r.Version + 1
			}
			if rev.Candidate == models.CandidateNew && r.Candidate == models.CandidateNew {
				r.Candidate = models.CandidateNone
			}
		}
	}
	rev.Version = next
	rev.CreatedAt = time.Now().UTC()
	cp := *rev
	m.SQLs[rev.ID] = &cp
	return nil
}

func (m *MemStore) GetSQLRevision(_ context.Context, id uuid.UUID) (*models.SQLRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.SQLs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemStore) GetCandidateSQL(_ context.Context, jobID uuid.UUID) (*models.SQLRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.SQLs {
		if r.JobID == jobID && r.Candidate == models.CandidateNew {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MemStore) GetEffectiveSQL(_ context.Context, jobID uuid.UUID) (*models.SQLRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds, ok := m.Effective[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	id, ok := kinds[models.EffectiveSQL]
	if !ok {
		return nil, store.ErrNotFound
	}
	r, ok := m.SQLs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemStore) PromoteCandidateSQL(_ context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.SQLs {
		if r.JobID == jobID && r.Candidate == models.CandidateNew {
			r.Candidate = models.CandidateNone
			if m.Effective[jobID] == nil {
				m.Effective[jobID] = make(map[models.EffectiveKind]uuid.UUID)
			}
			m.Effective[jobID][models.EffectiveSQL] = r.ID
			return nil
		}
	}
	return store.ErrNotFound
}

// --- savepoints ---

func (m *MemStore) SaveSavepoint(_ context.Context, sp *models.Savepoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.Savepoints {
		if s.JobID == sp.JobID {
			s.Latest = false
		}
	}
	sp.Latest = true
	sp.CreatedAt = time.Now().UTC()
	cp := *sp
	m.Savepoints[sp.ID] = &cp
	return nil
}

func (m *MemStore) GetLatestSavepoint(_ context.Context, jobID uuid.UUID) (*models.Savepoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.Savepoints {
		if s.JobID == jobID && s.Latest {
			cp := *s
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MemStore) ListSavepoints(_ context.Context, jobID uuid.UUID) ([]*models.Savepoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Savepoint
	for _, s := range m.Savepoints {
		if s.JobID == jobID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerTime.After(out[j].TriggerTime) })
	return out, nil
}

func (m *MemStore) PruneCheckpoints(_ context.Context, jobID uuid.UUID, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cps []*models.Savepoint
	for _, s := range m.Savepoints {
		if s.JobID == jobID && s.Type == models.TypeCheckpoint {
			cps = append(cps, s)
		}
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].TriggerTime.After(cps[j].TriggerTime) })
	var removed int64
	for i, s := range cps {
		if keep <= 0 || i >= keep {
			delete(m.Savepoints, s.ID)
			removed++
		}
	}
	return removed, nil
}

func (m *MemStore) DeleteSavepoint(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Savepoints[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.Savepoints, id)
	return nil
}

func (m *MemStore) DeleteSavepointsByJob(_ context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.Savepoints {
		if s.JobID == jobID {
			delete(m.Savepoints, id)
		}
	}
	return nil
}

// --- audit log ---

func (m *MemStore) AppendOperationLog(_ context.Context, entry *models.OperationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now().UTC()
	cp := *entry
	m.OpLogs = append(m.OpLogs, &cp)
	return nil
}

// OperationLogs returns a copy of the audit entries for assertions.
func (m *MemStore) OperationLogs() []*models.OperationLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.OperationLog, len(m.OpLogs))
	copy(out, m.OpLogs)
	return out
}

// --- backups ---

func (m *MemStore) CreateBackup(_ context.Context, b *models.Backup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.CreatedAt = time.Now().UTC()
	cp := *b
	m.Backups[b.ID] = &cp
	return nil
}

func (m *MemStore) GetBackup(_ context.Context, id uuid.UUID) (*models.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Backups[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemStore) GetBackupBySQL(_ context.Context, jobID, sqlID uuid.UUID) (*models.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.Backups {
		if b.JobID == jobID && b.SQLID != nil && *b.SQLID == sqlID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MemStore) LatestBackup(_ context.Context, jobID uuid.UUID) (*models.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Backup
	for _, b := range m.Backups {
		if b.JobID == jobID && (latest == nil || b.CreatedAt.After(latest.CreatedAt)) {
			latest = b
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemStore) ListBackups(_ context.Context, jobID uuid.UUID) ([]*models.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Backup
	for _, b := range m.Backups {
		if b.JobID == jobID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) DeleteBackup(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Backups[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.Backups, id)
	return nil
}

// --- collaborator records ---

func (m *MemStore) GetCluster(_ context.Context, id uuid.UUID) (*models.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Clusters[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemStore) GetRuntimeEnv(_ context.Context, id uuid.UUID) (*models.RuntimeEnv, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.Envs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemStore) GetDefaultRuntimeEnv(_ context.Context) (*models.RuntimeEnv, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.Envs {
		if e.Default {
			cp := *e
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

var _ store.Store = (*MemStore)(nil)
