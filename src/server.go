// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"visaworker/src/logging"
	"visaworker/src/model"
	"visaworker/src/scheduler"
	"visaworker/src/storage"
)

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	store storage.Store
	stats *logging.WorkerStats
	jobs  scheduler.Submitter
}

// taskView is what operators see of a task: status and error text, never
// the inputs they wrote.
type taskView struct {
	Task      *model.Task      `json:"task"`
	Applicant *model.Applicant `json:"applicant,omitempty"`
	Awaiting  []string         `json:"awaiting,omitempty"`
}

type submitRequest struct {
	Flow   model.Flow `json:"flow"`
	UserID string     `json:"user_id"`
}

func awaitedFields(status model.TaskStatus) []string {
	switch status {
	case model.TaskWaitingOTP:
		return []string{string(model.InputOTP)}
	case model.TaskWaitingPassword:
		return []string{string(model.InputTempPassword), string(model.InputNewPassword)}
	case model.TaskWaitingDataProtection:
		return []string{string(model.InputDataProtectionURL)}
	}
	return nil
}

// Routes wires the operator endpoints behind the OTel middleware.
func (s *APIServer) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/global-status", s.globalStatusHandler).Methods(http.MethodGet)

	r.HandleFunc("/tasks/{id}", s.getTaskHandler).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/input", s.inputHandler).Methods(http.MethodPut)
	r.HandleFunc("/tasks/{id}/submit", s.submitHandler).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/reset", s.resetHandler).Methods(http.MethodPost)

	return otelhttp.NewHandler(r, "worker-api-server")
}

// StartAPIServer serves until ctx is done, then shuts down gracefully.
func StartAPIServer(ctx context.Context, port string, srv *APIServer) error {
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Log(fmt.Sprintf("API Server starting on :%s", port), slog.LevelInfo)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		logging.Log("Shutdown signal received, closing server...", slog.LevelInfo)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logging.Log("Server exited cleanly", slog.LevelInfo)
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidInput):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logging.Log(fmt.Sprintf("API error: %v", err), slog.LevelError)
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.GetStats())
}

func (s *APIServer) globalStatusHandler(w http.ResponseWriter, r *http.Request) {
	gs, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, "Failed to query system stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, gs)
}

func (s *APIServer) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	applicant, err := s.store.GetApplicant(r.Context(), task.ApplicantID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView{Task: task, Applicant: applicant, Awaiting: awaitedFields(task.Status)})
}

func (s *APIServer) inputHandler(w http.ResponseWriter, r *http.Request) {
	var in model.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, fmt.Errorf("%w: body must be a JSON object: %v", model.ErrInvalidInput, err))
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.store.SubmitInput(r.Context(), id, in); err != nil {
		writeError(w, err)
		return
	}
	logging.Log(fmt.Sprintf("Operator input received for task %s", id), slog.LevelInfo)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *APIServer) submitHandler(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: body must be a JSON object: %v", model.ErrInvalidInput, err))
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.jobs.Submit(r.Context(), id, req.UserID, req.Flow)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *APIServer) resetHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.ResetTask(r.Context(), id); err != nil {
		if errors.Is(err, model.ErrInvalidInput) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeError(w, err)
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView{Task: task})
}
