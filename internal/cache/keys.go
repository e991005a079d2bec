package cache

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/gridvane/flowdeck/pkg/models"
)

// Key builders. Every Redis key used by the service is defined here so the
// namespace stays in one place.

func DockerProgressKey(jobID uuid.UUID, phase models.DockerPhase) string {
	return fmt.Sprintf("flowdeck:docker:%s:%s", jobID, phase)
}

func FreshTrackingKey(jobID uuid.UUID) string {
	return fmt.Sprintf("flowdeck:tracking:fresh:%s", jobID)
}
