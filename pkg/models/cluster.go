package models

import (
	"time"

	"github.com/google/uuid"
)

// Cluster is a standalone cluster record referenced by remote-mode jobs.
// Its live configuration is fetched from the cluster itself, not stored.
type Cluster struct {
	ID        uuid.UUID
	Name      string
	Address   string // REST base URL, e.g. http://host:8081
	ClusterID string // external identifier on the cluster manager
	CreatedAt time.Time
}

// RuntimeEnv is a registered runtime environment a job is bound to.
// Conf carries the environment's default configuration values, used as
// the last resolver in the savepoint/retention chains.
type RuntimeEnv struct {
	ID        uuid.UUID
	Name      string
	Home      string
	Version   string
	Default   bool
	Conf      map[string]string
	CreatedAt time.Time
}

// VersionSupported checks the environment's declared version against the
// supported major line. Deploys abort before any side effect when the
// bound environment fails this check.
func (e *RuntimeEnv) VersionSupported() bool {
	if e.Version == "" {
		return false
	}
	// major versions 1.x and 2.x are supported
	return e.Version[0] == '1' || e.Version[0] == '2'
}

// ClusterSummary is the application-endpoint view of a running job:
// stage/task counters plus resource usage.
type ClusterSummary struct {
	NumTasks           int64
	NumCompletedTasks  int64
	NumStages          int64
	NumCompletedStages int64
	UsedMemoryMB       int64
	UsedCores          int64
}

// ClusterAppInfo is the cluster manager's status report for one
// application: the raw state string plus the final status it settled on.
type ClusterAppInfo struct {
	State       string
	FinalStatus string // "FAILED" wins over a non-failure state mapping
	StartedAt   *time.Time
}
