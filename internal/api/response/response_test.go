package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON_WrapsInDataEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, map[string]string{"status": "dispatched"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "dispatched", body.Data["status"])
}

func TestCreatedAndAccepted_StatusCodes(t *testing.T) {
	rec := httptest.NewRecorder()
	Created(rec, "x")
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	Accepted(rec, "x")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestNoContent_EmptyBody(t *testing.T) {
	rec := httptest.NewRecorder()
	NoContent(rec)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestError_Envelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, http.StatusConflict, "BUILD_CONFLICT", "A pipeline is already running", map[string]string{"jobId": "123"})

	assert.Equal(t, http.StatusConflict, rec.Code)

	var body struct {
		Error struct {
			Code    string            `json:"code"`
			Message string            `json:"message"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "BUILD_CONFLICT", body.Error.Code)
	assert.Equal(t, "A pipeline is already running", body.Error.Message)
	assert.Equal(t, "123", body.Error.Details["jobId"])
}

func TestError_OmitsNilDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)

	assert.NotContains(t, rec.Body.String(), "details")
}
