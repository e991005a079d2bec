package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridvane/flowdeck/internal/configsvc"
	"github.com/gridvane/flowdeck/internal/store"
	"github.com/gridvane/flowdeck/pkg/models"
)

type mockConfigs struct {
	rev       *models.ConfigRevision
	createErr error
	updateErr error
	deleteErr error

	gotLatest bool
	gotRevID  *uuid.UUID
}

func (m *mockConfigs) Create(_ context.Context, _ uuid.UUID, _, _ string, latest bool) (*models.ConfigRevision, error) {
	m.gotLatest = latest
	return m.rev, m.createErr
}

func (m *mockConfigs) Update(_ context.Context, _ *models.Job, _, _ string, revID *uuid.UUID, latest bool) (*models.ConfigRevision, error) {
	m.gotLatest = latest
	m.gotRevID = revID
	return m.rev, m.updateErr
}

func (m *mockConfigs) List(context.Context, uuid.UUID) ([]*models.ConfigRevision, error) {
	return []*models.ConfigRevision{m.rev}, nil
}

func (m *mockConfigs) Delete(context.Context, uuid.UUID, uuid.UUID) error {
	return m.deleteErr
}

func TestCreateConfigHandler(t *testing.T) {
	jobID := uuid.New()
	mock := &mockConfigs{rev: &models.ConfigRevision{ID: uuid.New(), JobID: jobID, Version: 1}}
	h := NewCreateConfigHandler(mock)

	body, _ := json.Marshal(map[string]any{"content": "a = b", "format": "properties", "latest": true})
	r := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+jobID.String()+"/configs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, routeCtx(r, map[string]string{"jobID": jobID.String()}))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, mock.gotLatest)
}

func TestCreateConfigHandler_BadFormat(t *testing.T) {
	h := NewCreateConfigHandler(&mockConfigs{createErr: configsvc.ErrBadFormat})
	jobID := uuid.NewString()

	body, _ := json.Marshal(map[string]any{"content": "a = b", "format": "toml"})
	r := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+jobID+"/configs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, routeCtx(r, map[string]string{"jobID": jobID}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_FORMAT", decodeError(t, rec))
}

type mockJobs struct {
	job *models.Job
	err error
}

func (m *mockJobs) GetJob(context.Context, uuid.UUID) (*models.Job, error) {
	return m.job, m.err
}

func TestUpdateConfigHandler(t *testing.T) {
	jobID := uuid.New()
	revID := uuid.New()
	jobs := &mockJobs{job: &models.Job{ID: jobID, Type: models.JobTypeJar}}
	mock := &mockConfigs{rev: &models.ConfigRevision{ID: uuid.New(), JobID: jobID, Version: 2}}
	h := NewUpdateConfigHandler(jobs, mock)

	body, _ := json.Marshal(map[string]any{
		"content": "a = c", "format": "properties", "latest": true, "revisionId": revID,
	})
	r := httptest.NewRequest(http.MethodPut, "/api/v1/jobs/"+jobID.String()+"/configs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, routeCtx(r, map[string]string{"jobID": jobID.String()}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, mock.gotLatest)
	require.NotNil(t, mock.gotRevID)
	assert.Equal(t, revID, *mock.gotRevID)
}

func TestUpdateConfigHandler_JobNotFound(t *testing.T) {
	h := NewUpdateConfigHandler(&mockJobs{err: store.ErrNotFound}, &mockConfigs{})
	jobID := uuid.NewString()

	body, _ := json.Marshal(map[string]any{"content": "a = b", "format": "yaml"})
	r := httptest.NewRequest(http.MethodPut, "/api/v1/jobs/"+jobID+"/configs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, routeCtx(r, map[string]string{"jobID": jobID}))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec))
}

func TestDeleteConfigHandler_ProtectsEffective(t *testing.T) {
	h := NewDeleteConfigHandler(&mockConfigs{deleteErr: configsvc.ErrRevisionInUse})
	jobID, revID := uuid.NewString(), uuid.NewString()

	r := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+jobID+"/configs/"+revID, nil)
	rec := httptest.NewRecorder()
	h(rec, routeCtx(r, map[string]string{"jobID": jobID, "revID": revID}))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "REVISION_IN_USE", decodeError(t, rec))
}

func TestDeleteConfigHandler_NoContent(t *testing.T) {
	h := NewDeleteConfigHandler(&mockConfigs{})
	jobID, revID := uuid.NewString(), uuid.NewString()

	r := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+jobID+"/configs/"+revID, nil)
	rec := httptest.NewRecorder()
	h(rec, routeCtx(r, map[string]string{"jobID": jobID, "revID": revID}))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, rec.Body.Bytes())
}
