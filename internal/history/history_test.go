package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()

	h, err := NewHistory(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Failed to create history: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	return h
}

func floatPtr(f float64) *float64 { return &f }
func strPtr(s string) *string     { return &s }

func TestNextBuildNumber_StartsAtOne(t *testing.T) {
	h := newTestHistory(t)

	n, err := h.NextBuildNumber(context.Background(), "notes-app")
	if err != nil {
		t.Fatalf("NextBuildNumber failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected first build number 1, got %d", n)
	}
}

func TestNextBuildNumber_MonotonicAcrossFailures(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	// A failed run still consumes its build number.
	_, err := h.RecordRun(ctx, &RunRecord{
		App:         "notes-app",
		BuildNumber: 1,
		Status:      "failed",
		StartedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}

	n, err := h.NextBuildNumber(ctx, "notes-app")
	if err != nil {
		t.Fatalf("NextBuildNumber failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected build number 2 after a failed run, got %d", n)
	}

	// Other apps have their own sequence.
	other, err := h.NextBuildNumber(ctx, "other-app")
	if err != nil {
		t.Fatalf("NextBuildNumber failed: %v", err)
	}
	if other != 1 {
		t.Errorf("Expected independent sequence for other app, got %d", other)
	}
}

func TestRecordRun_RoundTripWithStages(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	completed := time.Now().Add(90 * time.Second)
	record := &RunRecord{
		App:             "notes-app",
		BuildNumber:     42,
		VersionTag:      "42",
		Digest:          "sha256:abc123",
		Status:          "success",
		StartedAt:       time.Now(),
		CompletedAt:     &completed,
		DurationSeconds: floatPtr(90.5),
		CommitHash:      strPtr("deadbeef"),
		Stages: []StageRecord{
			{Name: "build", Status: "succeeded", DurationSeconds: floatPtr(60)},
			{Name: "publish", Status: "succeeded", DurationSeconds: floatPtr(12)},
			{Name: "rollout", Status: "succeeded", DurationSeconds: floatPtr(18)},
		},
	}

	if _, err := h.RecordRun(ctx, record); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}

	got, err := h.GetRun(ctx, "notes-app", 42)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected run record, got nil")
	}

	if got.Status != "success" || got.VersionTag != "42" || got.Digest != "sha256:abc123" {
		t.Errorf("Run fields lost in round trip: %+v", got)
	}
	if got.CommitHash == nil || *got.CommitHash != "deadbeef" {
		t.Errorf("Commit hash lost in round trip: %v", got.CommitHash)
	}
	if len(got.Stages) != 3 {
		t.Fatalf("Expected 3 stage records, got %d", len(got.Stages))
	}
	if got.Stages[0].Name != "build" || got.Stages[2].Name != "rollout" {
		t.Errorf("Stage order not preserved: %+v", got.Stages)
	}
}

func TestGetRun_UnknownBuildNumber(t *testing.T) {
	h := newTestHistory(t)

	got, err := h.GetRun(context.Background(), "notes-app", 999)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for unknown build number, got %+v", got)
	}
}

func TestRecordRun_FailedRunCarriesErrorKind(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	_, err := h.RecordRun(ctx, &RunRecord{
		App:          "notes-app",
		BuildNumber:  7,
		Status:       "failed",
		StartedAt:    time.Now(),
		ErrorKind:    strPtr("rollout_timeout"),
		ErrorMessage: strPtr("deployment 'notes-app' did not converge within 5m0s"),
		Stages: []StageRecord{
			{Name: "build", Status: "succeeded"},
			{Name: "rollout", Status: "failed", Detail: strPtr("ready 1/2")},
			{Name: "verify", Status: "skipped"},
		},
	})
	if err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}

	got, err := h.GetRun(ctx, "notes-app", 7)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.ErrorKind == nil || *got.ErrorKind != "rollout_timeout" {
		t.Errorf("Error kind lost: %v", got.ErrorKind)
	}
	if got.Stages[2].Status != "skipped" {
		t.Errorf("Expected skipped verify stage, got %q", got.Stages[2].Status)
	}
}

func TestRecentRuns_NewestFirst(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		status := "success"
		if i == 3 {
			status = "failed"
		}
		_, err := h.RecordRun(ctx, &RunRecord{
			App:         "notes-app",
			BuildNumber: i,
			Status:      status,
			StartedAt:   time.Now(),
		})
		if err != nil {
			t.Fatalf("RecordRun %d failed: %v", i, err)
		}
	}

	records, err := h.RecentRuns(ctx, "notes-app", 3)
	if err != nil {
		t.Fatalf("RecentRuns failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	if records[0].BuildNumber != 5 || records[2].BuildNumber != 3 {
		t.Errorf("Expected newest first (5,4,3), got %d,%d,%d",
			records[0].BuildNumber, records[1].BuildNumber, records[2].BuildNumber)
	}
	if records[2].Status != "failed" {
		t.Errorf("Expected failed status preserved, got %q", records[2].Status)
	}
}

func TestRecordRun_DuplicateBuildNumberRejected(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	record := &RunRecord{App: "notes-app", BuildNumber: 1, Status: "success", StartedAt: time.Now()}
	if _, err := h.RecordRun(ctx, record); err != nil {
		t.Fatalf("First RecordRun failed: %v", err)
	}
	if _, err := h.RecordRun(ctx, record); err == nil {
		t.Error("Expected duplicate build number to be rejected")
	}
}
