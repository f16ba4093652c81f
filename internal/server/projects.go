package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/oho/subflow/internal/models"
	"github.com/oho/subflow/internal/pipeline"
	"github.com/oho/subflow/internal/queue"
	"github.com/oho/subflow/internal/storage"
)

type createProjectRequest struct {
	DisplayName    string `json:"display_name"`
	MediaURL       string `json:"media_url"`
	TargetLanguage string `json:"target_language"`
	SourceLanguage string `json:"source_language,omitempty"`
	AutoWorkflow   bool   `json:"auto_workflow"`
}

type taskRequest struct {
	Type  queue.TaskType   `json:"type"`
	Stage models.StageName `json:"stage,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// CreateProjectHandler handles POST /projects: registers a new project in
// pending status. It does not start the pipeline; the caller enqueues a task
// separately.
func CreateProjectHandler(db *storage.Database) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createProjectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.MediaURL == "" || req.TargetLanguage == "" {
			writeError(w, http.StatusBadRequest, "media_url and target_language are required")
			return
		}

		p := models.NewProject(uuid.NewString(), req.DisplayName, req.MediaURL, req.TargetLanguage)
		p.AutoWorkflow = req.AutoWorkflow
		if req.SourceLanguage != "" {
			p.SourceLanguage = &req.SourceLanguage
		}

		if err := db.CreateProject(p); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

// GetProjectHandler handles GET /projects/{id}.
func GetProjectHandler(db *storage.Database) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		p, err := db.GetProject(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if p == nil {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// ListStageRunsHandler handles GET /projects/{id}/stage_runs.
func ListStageRunsHandler(db *storage.Database) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		runs, err := db.ListStageRunsByProject(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

// EnqueueTaskHandler handles POST /projects/{id}/tasks: submits a run_all,
// run_stage, or retry_stage task onto the queue consumer for asynchronous
// processing.
func EnqueueTaskHandler(db *storage.Database, consumer *queue.Consumer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		p, err := db.GetProject(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if p == nil {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}

		var req taskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		switch req.Type {
		case queue.TaskRunAll, queue.TaskRunStage, queue.TaskRetryStage:
		default:
			writeError(w, http.StatusBadRequest, "unknown task type")
			return
		}
		if req.Type != queue.TaskRunAll && req.Stage == "" {
			writeError(w, http.StatusBadRequest, "stage is required for run_stage and retry_stage")
			return
		}

		consumer.Enqueue(queue.Task{Type: req.Type, ProjectID: id, Stage: req.Stage})
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "enqueued"})
	}
}

// CancelProjectHandler handles POST /projects/{id}/cancel: interrupts an
// in-flight stage, mapping it to a paused project status.
func CancelProjectHandler(orch *pipeline.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !orch.Cancel(id) {
			writeError(w, http.StatusNotFound, "no in-flight stage for project")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	}
}
