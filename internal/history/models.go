package history

import "time"

// RunRecord represents one pipeline run in the database
type RunRecord struct {
	ID              int64         `json:"id"`
	App             string        `json:"app"`
	BuildNumber     int64         `json:"build_number"`
	VersionTag      string        `json:"version_tag,omitempty"`
	Digest          string        `json:"digest,omitempty"`
	Status          string        `json:"status"` // success, failed, aborted, in_progress
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	DurationSeconds *float64      `json:"duration_seconds,omitempty"`
	CommitHash      *string       `json:"commit_hash,omitempty"`
	ErrorKind       *string       `json:"error_kind,omitempty"`
	ErrorMessage    *string       `json:"error_message,omitempty"`
	Stages          []StageRecord `json:"stages,omitempty"`
}

// StageRecord represents one stage outcome within a run
type StageRecord struct {
	Name            string   `json:"name"`
	Status          string   `json:"status"` // succeeded, failed, skipped
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	Detail          *string  `json:"detail,omitempty"`
}
