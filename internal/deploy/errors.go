package deploy

import "errors"

// Precondition errors are synchronous: they abort a launch before any
// side effect and surface directly to the caller. Step failures never
// do; they land in the pipeline run, the audit log and an alert.
var (
	ErrEnvUnsupported    = errors.New("runtime environment missing or unsupported")
	ErrBuildConflict     = errors.New("another pipeline is already running for this job")
	ErrUnsupportedMode   = errors.New("unsupported deploy mode")
	ErrMissingDependency = errors.New("declared dependency file not found")
)
