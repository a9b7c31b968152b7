package streaming

import (
	"time"
)

// CheckpointPolicy controls when a streaming draft is written back.
type CheckpointPolicy struct {
	Enabled       bool
	Interval      time.Duration
	MinCharacters int
}

// DefaultCheckpointPolicy writes every 3s or every 500 new characters.
func DefaultCheckpointPolicy() CheckpointPolicy {
	return CheckpointPolicy{Enabled: true, Interval: 3 * time.Second, MinCharacters: 500}
}

// ShouldCheckpoint reports whether the session has unsaved changes and either
// enough time has passed or enough content has grown since the last checkpoint.
func ShouldCheckpoint(s *Session, policy CheckpointPolicy, now time.Time) bool {
	if !policy.Enabled || s.DraftMessageID == "" || s.Terminal() {
		return false
	}
	if s.Revision == s.CheckpointRevision {
		return false
	}
	if policy.MinCharacters > 0 && s.ContentLength-s.LastCheckpointLength >= policy.MinCharacters {
		return true
	}
	return policy.Interval > 0 && now.Sub(s.LastCheckpointAt) >= policy.Interval
}

// MarkCheckpointed records a successful checkpoint write at now.
func MarkCheckpointed(s *Session, now time.Time) {
	s.LastCheckpointAt = now
	s.LastCheckpointLength = s.ContentLength
	s.CheckpointRevision = s.Revision
	s.Checkpoints++
}
