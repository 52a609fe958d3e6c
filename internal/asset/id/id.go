// Package id provides identifier generation for sessions, transcode jobs and
// paired assets.
package id

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewContentIdentifier returns a fresh identifier shared by the still and
// video of one paired asset. It is an uppercase UUID, the form players expect.
func NewContentIdentifier() string {
	return strings.ToUpper(uuid.NewString())
}

// NewSessionID creates a new unique session ID.
// Format: ses-<timestamp>-<random>
// Example: ses-1701432000-a1b2c3d4
func NewSessionID() string {
	return generate("ses")
}

// NewJobID creates a new unique transcode job ID.
// Format: job-<timestamp>-<random>
func NewJobID() string {
	return generate("job")
}

func generate(prefix string) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().Unix(), random)
}
