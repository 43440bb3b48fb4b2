// Package pipeline drives one deployment run through its stages: build,
// publish, apply, rollout, verify. Stages run strictly in order; the first
// failure skips everything behind it, and post-run hooks fire according to
// the run's final status.
package pipeline

import (
	"fmt"
	"time"

	"github.com/iamdk-16/springboot-notes-app-ci/internal/build"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/cluster"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/history"
)

// RunStatus is a run's final outcome.
type RunStatus string

const (
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
	StatusAborted RunStatus = "aborted"
)

// StageStatus tracks one stage through its lifecycle. Transitions only
// move forward; a terminal status never changes.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// stageRank orders statuses for the forward-only transition check.
// Terminal statuses share the highest rank.
var stageRank = map[StageStatus]int{
	StagePending:   0,
	StageRunning:   1,
	StageSucceeded: 2,
	StageFailed:    2,
	StageSkipped:   2,
}

// Stage is one stage's observable state within a run.
type Stage struct {
	Name     string
	Status   StageStatus
	Duration time.Duration

	// Detail is a one-line human summary, e.g. the rollout status or the
	// published digest.
	Detail string

	// Err is set when Status is StageFailed.
	Err error
}

// transition moves the stage to a new status, rejecting any move backward
// and any change to a terminal status.
func (s *Stage) transition(to StageStatus) error {
	from := s.Status
	if stageRank[to] < stageRank[from] || (stageRank[from] == stageRank[to] && from != to) {
		return fmt.Errorf("stage '%s' cannot move from %s to %s", s.Name, from, to)
	}
	if from == to {
		return nil
	}
	s.Status = to
	return nil
}

// Run accumulates the state of one pipeline execution. Stage functions
// read the fields earlier stages filled in.
type Run struct {
	App         string
	BuildNumber int64
	Commit      string

	Status    RunStatus
	StartedAt time.Time
	Elapsed   time.Duration

	Stages []*Stage

	// Artifact is set by the build stage.
	Artifact *build.Artifact

	// Digest is the registry content digest set by the publish stage.
	Digest string

	// Err is the first stage error; ErrorKind is its classification.
	Err       error
	ErrorKind string

	// Warnings are non-fatal findings, e.g. a health verdict under the
	// warn failure mode.
	Warnings []string

	// Diagnostics is filled by the failure hook.
	Diagnostics *cluster.DiagnosticsBundle
}

// Stage returns the named stage, or nil.
func (r *Run) Stage(name string) *Stage {
	for _, s := range r.Stages {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Record converts the run into its persistent form.
func (r *Run) Record() *history.RunRecord {
	record := &history.RunRecord{
		App:         r.App,
		BuildNumber: r.BuildNumber,
		Digest:      r.Digest,
		Status:      string(r.Status),
		StartedAt:   r.StartedAt,
	}

	if r.Artifact != nil {
		record.VersionTag = r.Artifact.VersionTag
	}
	if r.Commit != "" {
		commit := r.Commit
		record.CommitHash = &commit
	}
	if r.Elapsed > 0 {
		seconds := r.Elapsed.Seconds()
		record.DurationSeconds = &seconds
		completed := r.StartedAt.Add(r.Elapsed)
		record.CompletedAt = &completed
	}
	if r.Err != nil {
		kind, message := r.ErrorKind, r.Err.Error()
		record.ErrorKind = &kind
		record.ErrorMessage = &message
	}

	for _, s := range r.Stages {
		stage := history.StageRecord{Name: s.Name, Status: string(s.Status)}
		if s.Duration > 0 {
			seconds := s.Duration.Seconds()
			stage.DurationSeconds = &seconds
		}
		if s.Detail != "" {
			detail := s.Detail
			stage.Detail = &detail
		}
		record.Stages = append(record.Stages, stage)
	}

	return record
}
