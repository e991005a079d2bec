// Package cluster talks to the cluster manager's REST API. The watcher
// polls it for job state and metrics, the savepoint coordinator drives
// trigger/stop operations through it, and the savepoint resolver reads
// live cluster configuration from it for remote-mode jobs.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gridvane/flowdeck/pkg/models"
)

// Sentinel errors for cluster manager client failures.
var (
	ErrClusterUnreachable = errors.New("cluster manager unreachable")
	ErrClusterAPI         = errors.New("cluster manager api error")
	ErrClusterTimeout     = errors.New("cluster manager timeout")
	ErrAppNotFound        = errors.New("application not found on cluster")
)

// Client is the interface for querying and commanding the cluster manager.
// address is the REST base URL of the target cluster, resolved per job
// because remote-mode jobs each carry their own cluster record.
type Client interface {
	// AppInfo fetches the manager's status report for one application.
	AppInfo(ctx context.Context, address, appID string) (*models.ClusterAppInfo, error)
	// Summary fetches the task/stage counters from the application
	// endpoint of a running job.
	Summary(ctx context.Context, address, appID string) (*models.ClusterSummary, error)
	// Config fetches the live configuration of a running cluster.
	Config(ctx context.Context, address string) (map[string]string, error)

	// TriggerSnapshot asks the cluster to take a state snapshot of the
	// application without stopping it. Returns a request id to poll with.
	TriggerSnapshot(ctx context.Context, address, appID, targetDir string, nativeFormat bool) (string, error)
	// StopWithSnapshot drains and stops the application, snapshotting
	// state first. Returns a request id to poll with.
	StopWithSnapshot(ctx context.Context, address, appID, targetDir string, drain bool) (string, error)
	// SnapshotStatus polls an in-flight snapshot request.
	SnapshotStatus(ctx context.Context, address, appID, requestID string) (*SnapshotStatus, error)
	// Cancel hard-cancels the application with no snapshot.
	Cancel(ctx context.Context, address, appID string) error
}

// SnapshotStatus is the poll result for a snapshot request.
type SnapshotStatus struct {
	Done     bool
	Location string // filled when Done and the snapshot succeeded
	Failure  string // filled when Done and the snapshot failed
}

// HTTPClient implements Client against the cluster manager's REST API.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates a new cluster manager client. timeout bounds each
// individual request, not a whole snapshot operation.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{client: &http.Client{Timeout: timeout}}
}

func (c *HTTPClient) AppInfo(ctx context.Context, address, appID string) (*models.ClusterAppInfo, error) {
	u := fmt.Sprintf("%s/v1/applications/%s", address, url.PathEscape(appID))

	var appResp appInfoResponse
	if err := c.getJSON(ctx, u, &appResp); err != nil {
		return nil, err
	}

	info := &models.ClusterAppInfo{
		State:       appResp.App.State,
		FinalStatus: appResp.App.FinalStatus,
	}
	if appResp.App.StartedTime > 0 {
		t := time.UnixMilli(appResp.App.StartedTime).UTC()
		info.StartedAt = &t
	}
	return info, nil
}

func (c *HTTPClient) Summary(ctx context.Context, address, appID string) (*models.ClusterSummary, error) {
	u := fmt.Sprintf("%s/v1/applications/%s/summary", address, url.PathEscape(appID))

	var sum summaryResponse
	if err := c.getJSON(ctx, u, &sum); err != nil {
		return nil, err
	}

	return &models.ClusterSummary{
		NumTasks:           sum.NumTasks,
		NumCompletedTasks:  sum.NumCompletedTasks,
		NumStages:          sum.NumStages,
		NumCompletedStages: sum.NumCompletedStages,
		UsedMemoryMB:       sum.UsedMemoryMB,
		UsedCores:          sum.UsedCores,
	}, nil
}

func (c *HTTPClient) Config(ctx context.Context, address string) (map[string]string, error) {
	u := fmt.Sprintf("%s/v1/config", address)

	var cfgResp configResponse
	if err := c.getJSON(ctx, u, &cfgResp); err != nil {
		return nil, err
	}

	conf := make(map[string]string, len(cfgResp.Entries))
	for _, e := range cfgResp.Entries {
		conf[e.Key] = e.Value
	}
	return conf, nil
}

func (c *HTTPClient) TriggerSnapshot(ctx context.Context, address, appID, targetDir string, nativeFormat bool) (string, error) {
	u := fmt.Sprintf("%s/v1/applications/%s/snapshots", address, url.PathEscape(appID))
	body := snapshotRequest{TargetDirectory: targetDir, NativeFormat: nativeFormat}

	var trig triggerResponse
	if err := c.postJSON(ctx, u, body, &trig); err != nil {
		return "", err
	}
	return trig.RequestID, nil
}

func (c *HTTPClient) StopWithSnapshot(ctx context.Context, address, appID, targetDir string, drain bool) (string, error) {
	u := fmt.Sprintf("%s/v1/applications/%s/stop", address, url.PathEscape(appID))
	body := snapshotRequest{TargetDirectory: targetDir, Drain: drain}

	var trig triggerResponse
	if err := c.postJSON(ctx, u, body, &trig); err != nil {
		return "", err
	}
	return trig.RequestID, nil
}

func (c *HTTPClient) SnapshotStatus(ctx context.Context, address, appID, requestID string) (*SnapshotStatus, error) {
	u := fmt.Sprintf("%s/v1/applications/%s/snapshots/%s",
		address, url.PathEscape(appID), url.PathEscape(requestID))

	var st snapshotStatusResponse
	if err := c.getJSON(ctx, u, &st); err != nil {
		return nil, err
	}

	out := &SnapshotStatus{Done: st.Status == "COMPLETED"}
	if out.Done {
		out.Location = st.Operation.Location
		out.Failure = st.Operation.FailureCause
	}
	return out, nil
}

func (c *HTTPClient) Cancel(ctx context.Context, address, appID string) error {
	u := fmt.Sprintf("%s/v1/applications/%s?mode=cancel", address, url.PathEscape(appID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrAppNotFound
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%w: status %d", ErrClusterAPI, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) getJSON(ctx context.Context, u string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrAppNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrClusterAPI, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding cluster response: %w", err)
	}
	return nil
}

func (c *HTTPClient) postJSON(ctx context.Context, u string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrAppNotFound
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%w: status %d", ErrClusterAPI, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding cluster response: %w", err)
	}
	return nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrClusterTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrClusterTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrClusterUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrClusterUnreachable, err)
}

// --- cluster manager response types ---

type appInfoResponse struct {
	App struct {
		State       string `json:"state"`
		FinalStatus string `json:"finalStatus"`
		StartedTime int64  `json:"startedTime"`
	} `json:"app"`
}

type summaryResponse struct {
	NumTasks           int64 `json:"numTasks"`
	NumCompletedTasks  int64 `json:"numCompletedTasks"`
	NumStages          int64 `json:"numStages"`
	NumCompletedStages int64 `json:"numCompletedStages"`
	UsedMemoryMB       int64 `json:"usedMemoryMB"`
	UsedCores          int64 `json:"usedCores"`
}

type configResponse struct {
	Entries []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"entries"`
}

type snapshotRequest struct {
	TargetDirectory string `json:"targetDirectory,omitempty"`
	NativeFormat    bool   `json:"nativeFormat,omitempty"`
	Drain           bool   `json:"drain,omitempty"`
}

type triggerResponse struct {
	RequestID string `json:"requestId"`
}

type snapshotStatusResponse struct {
	Status    string `json:"status"` // IN_PROGRESS or COMPLETED
	Operation struct {
		Location     string `json:"location"`
		FailureCause string `json:"failureCause"`
	} `json:"operation"`
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
