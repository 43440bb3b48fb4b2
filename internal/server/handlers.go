package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const (
	MaxPayloadBytes = 1_000_000 // 1 MB
	RecentRunsLimit = 10        // Number of recent runs to return
)

// pushEvent is the slice of a GitHub push payload the pipeline needs.
type pushEvent struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Deleted bool   `json:"deleted"`
}

// HandleWebhook handles GitHub push webhook requests
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	// Check payload size (ContentLength can be -1 if not set)
	if r.ContentLength > MaxPayloadBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		return
	}

	// Check content type
	if r.Header.Get("Content-Type") != "application/json" {
		s.respondJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Invalid content type"})
		return
	}

	// Check event type
	if r.Header.Get("X-GitHub-Event") != "push" {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Ignoring non-push event"})
		return
	}

	// Read payload
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes))
	if err != nil {
		s.Logger.Error("Failed to read request body", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read payload"})
		return
	}

	// Verify signature
	signature := r.Header.Get("X-Hub-Signature-256")
	if !VerifySignature(body, signature, s.Config.Webhook.Secret) {
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "Invalid signature"})
		return
	}

	// Parse JSON payload
	var event pushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.Logger.Error("Failed to parse JSON payload", "error", err)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return
	}

	// Branch gating: only pushes to the configured branch deploy.
	if event.Ref != "refs/heads/"+s.Config.Branch {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Not target branch, skipping"})
		return
	}
	if event.Deleted {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Branch deletion, skipping"})
		return
	}

	// Single-flight: reject while a run for this target is in progress.
	target := s.Config.Target()
	if !s.Locks.TryLock(target) {
		s.Logger.Warn("Run already in progress, rejecting", "target", target)
		s.respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Run already in progress"})
		return
	}

	// Respond immediately; GitHub webhooks time out after 10 seconds, so
	// the run executes asynchronously.
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"message": "Run accepted",
		"app":     s.Config.AppName,
	})

	s.runWg.Add(1)
	go func() {
		defer s.runWg.Done()
		defer s.Locks.Unlock(target)
		s.executeRun(context.Background(), event.After)
	}()
}

// executeRun allocates a build number, runs the pipeline and records the
// outcome.
func (s *Server) executeRun(ctx context.Context, commit string) {
	buildNumber, err := s.History.NextBuildNumber(ctx, s.Config.AppName)
	if err != nil {
		s.Logger.Error("Failed to allocate build number", "error", err)
		return
	}

	run := s.Executor.Run(ctx, buildNumber, commit)

	if _, err := s.History.RecordRun(ctx, run.Record()); err != nil {
		s.Logger.Error("Failed to record run history", "error", err, "build", buildNumber)
	}
}

// HandleHealthz reports daemon liveness
func (s *Server) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"app":    s.Config.AppName,
		"branch": s.Config.Branch,
	})
}

// HandleRuns returns the most recent runs
func (s *Server) HandleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.History.RecentRuns(r.Context(), s.Config.AppName, RecentRunsLimit)
	if err != nil {
		s.Logger.Error("Failed to get run history", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch runs"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"app":  s.Config.AppName,
		"runs": runs,
	})
}

// HandleRun returns one run with its stage outcomes
func (s *Server) HandleRun(w http.ResponseWriter, r *http.Request) {
	buildNumber, err := strconv.ParseInt(chi.URLParam(r, "buildNumber"), 10, 64)
	if err != nil || buildNumber < 1 {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid build number"})
		return
	}

	run, err := s.History.GetRun(r.Context(), s.Config.AppName, buildNumber)
	if err != nil {
		s.Logger.Error("Failed to get run", "error", err, "build", buildNumber)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch run"})
		return
	}
	if run == nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown build number"})
		return
	}

	s.respondJSON(w, http.StatusOK, run)
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.Logger.Error("Failed to encode JSON response", "error", err)
	}
}
