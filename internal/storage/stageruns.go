package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/oho/subflow/internal/models"
)

func (d *Database) UpsertStageRun(sr *models.StageRun) error {
	metricsJSON, err := json.Marshal(sr.Metrics)
	if err != nil {
		return err
	}
	inputJSON, err := json.Marshal(sr.InputArtifacts)
	if err != nil {
		return err
	}
	outputJSON, err := json.Marshal(sr.OutputArtifacts)
	if err != nil {
		return err
	}
	var startedAt, completedAt any
	if sr.StartedAt != nil {
		startedAt = sr.StartedAt.UTC().Format(isoLayout)
	}
	if sr.CompletedAt != nil {
		completedAt = sr.CompletedAt.UTC().Format(isoLayout)
	}
	_, err = d.db.Exec(`
		INSERT INTO stage_runs (project_id, stage, status, started_at, completed_at, progress,
			progress_message, metrics_json, error_code, error_message, input_artifacts_json, output_artifacts_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, stage) DO UPDATE SET
			status=excluded.status, started_at=excluded.started_at, completed_at=excluded.completed_at,
			progress=excluded.progress, progress_message=excluded.progress_message,
			metrics_json=excluded.metrics_json, error_code=excluded.error_code,
			error_message=excluded.error_message, input_artifacts_json=excluded.input_artifacts_json,
			output_artifacts_json=excluded.output_artifacts_json`,
		sr.ProjectID, string(sr.Stage), string(sr.Status), startedAt, completedAt, sr.Progress,
		sr.ProgressMessage, string(metricsJSON), sr.ErrorCode, sr.ErrorMessage,
		string(inputJSON), string(outputJSON),
	)
	return err
}

const isoLayout = "2006-01-02T15:04:05.999999999Z07:00"

func (d *Database) GetStageRun(projectID string, stage models.StageName) (*models.StageRun, error) {
	row := d.db.QueryRow(`SELECT project_id, stage, status, started_at, completed_at, progress,
		progress_message, metrics_json, error_code, error_message, input_artifacts_json, output_artifacts_json
		FROM stage_runs WHERE project_id=? AND stage=?`, projectID, string(stage))
	return scanStageRun(row)
}

func scanStageRun(row *sql.Row) (*models.StageRun, error) {
	var sr models.StageRun
	var stage, status string
	var startedAt, completedAt, metricsJSON, inputJSON, outputJSON sql.NullString
	err := row.Scan(&sr.ProjectID, &stage, &status, &startedAt, &completedAt, &sr.Progress,
		&sr.ProgressMessage, &metricsJSON, &sr.ErrorCode, &sr.ErrorMessage, &inputJSON, &outputJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sr.Stage = models.StageName(stage)
	sr.Status = models.StageStatus(status)
	if startedAt.Valid && startedAt.String != "" {
		t := parseISO(startedAt.String)
		sr.StartedAt = &t
	}
	if completedAt.Valid && completedAt.String != "" {
		t := parseISO(completedAt.String)
		sr.CompletedAt = &t
	}
	sr.InputArtifacts = map[string]string{}
	sr.OutputArtifacts = map[string]string{}
	if metricsJSON.Valid && metricsJSON.String != "" {
		_ = json.Unmarshal([]byte(metricsJSON.String), &sr.Metrics)
	}
	if inputJSON.Valid && inputJSON.String != "" {
		_ = json.Unmarshal([]byte(inputJSON.String), &sr.InputArtifacts)
	}
	if outputJSON.Valid && outputJSON.String != "" {
		_ = json.Unmarshal([]byte(outputJSON.String), &sr.OutputArtifacts)
	}
	return &sr, nil
}

func (d *Database) ListStageRunsByProject(projectID string) ([]*models.StageRun, error) {
	rows, err := d.db.Query(`SELECT project_id, stage, status, started_at, completed_at, progress,
		progress_message, metrics_json, error_code, error_message, input_artifacts_json, output_artifacts_json
		FROM stage_runs WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.StageRun
	for rows.Next() {
		var sr models.StageRun
		var stage, status string
		var startedAt, completedAt, metricsJSON, inputJSON, outputJSON sql.NullString
		if err := rows.Scan(&sr.ProjectID, &stage, &status, &startedAt, &completedAt, &sr.Progress,
			&sr.ProgressMessage, &metricsJSON, &sr.ErrorCode, &sr.ErrorMessage, &inputJSON, &outputJSON); err != nil {
			return nil, err
		}
		sr.Stage = models.StageName(stage)
		sr.Status = models.StageStatus(status)
		if startedAt.Valid && startedAt.String != "" {
			t := parseISO(startedAt.String)
			sr.StartedAt = &t
		}
		if completedAt.Valid && completedAt.String != "" {
			t := parseISO(completedAt.String)
			sr.CompletedAt = &t
		}
		sr.InputArtifacts = map[string]string{}
		sr.OutputArtifacts = map[string]string{}
		if metricsJSON.Valid && metricsJSON.String != "" {
			_ = json.Unmarshal([]byte(metricsJSON.String), &sr.Metrics)
		}
		if inputJSON.Valid && inputJSON.String != "" {
			_ = json.Unmarshal([]byte(inputJSON.String), &sr.InputArtifacts)
		}
		if outputJSON.Valid && outputJSON.String != "" {
			_ = json.Unmarshal([]byte(outputJSON.String), &sr.OutputArtifacts)
		}
		out = append(out, &sr)
	}
	return out, rows.Err()
}

// MarkRunning sets started_at, clears error, resets progress, and upserts the
// row so first-ever runs don't need a prior insert.
func (d *Database) MarkRunning(projectID string, stage models.StageName) (*models.StageRun, error) {
	sr, err := d.GetStageRun(projectID, stage)
	if err != nil {
		return nil, err
	}
	if sr == nil {
		sr = models.NewStageRun(projectID, stage)
	}
	now := timeNowPtr()
	sr.Status = models.StageRunning
	sr.StartedAt = now
	sr.CompletedAt = nil
	sr.Progress = 0
	sr.ProgressMessage = ""
	sr.ErrorCode = ""
	sr.ErrorMessage = ""
	sr.Metrics = models.StageMetrics{}
	if err := d.UpsertStageRun(sr); err != nil {
		return nil, err
	}
	return sr, nil
}

func (d *Database) MarkCompleted(projectID string, stage models.StageName) error {
	sr, err := d.GetStageRun(projectID, stage)
	if err != nil {
		return err
	}
	if sr == nil {
		sr = models.NewStageRun(projectID, stage)
	}
	sr.Status = models.StageCompleted
	now := timeNowPtr()
	sr.CompletedAt = now
	sr.Progress = 100
	return d.UpsertStageRun(sr)
}

func (d *Database) MarkFailed(projectID string, stage models.StageName, code, message string) error {
	sr, err := d.GetStageRun(projectID, stage)
	if err != nil {
		return err
	}
	if sr == nil {
		sr = models.NewStageRun(projectID, stage)
	}
	sr.Status = models.StageFailed
	sr.CompletedAt = timeNowPtr()
	sr.ErrorCode = code
	sr.ErrorMessage = message
	return d.UpsertStageRun(sr)
}

// ResetToPending clears timestamps, error and metadata — used on retry.
func (d *Database) ResetToPending(projectID string, stage models.StageName) error {
	sr := models.NewStageRun(projectID, stage)
	return d.UpsertStageRun(sr)
}

// SetProgress persists the progress value and message as given and, when
// metrics is non-nil, replaces the stage-run metrics. Clamping, dropping
// regressions and rate limiting are the progress reporter's responsibility;
// this method always writes.
func (d *Database) SetProgress(projectID string, stage models.StageName, progress int, message string, metrics *models.StageMetrics) error {
	sr, err := d.GetStageRun(projectID, stage)
	if err != nil {
		return err
	}
	if sr == nil {
		sr = models.NewStageRun(projectID, stage)
	}
	sr.Progress = progress
	sr.ProgressMessage = message
	if metrics != nil {
		sr.Metrics = *metrics
	}
	return d.UpsertStageRun(sr)
}

func timeNowPtr() *time.Time {
	t := time.Now().UTC()
	return &t
}
