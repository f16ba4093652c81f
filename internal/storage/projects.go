package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oho/subflow/internal/models"
)

func (d *Database) CreateProject(p *models.Project) error {
	artifactsJSON, err := json.Marshal(p.Artifacts)
	if err != nil {
		return err
	}
	errorsJSON, err := json.Marshal(p.Errors)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(`
		INSERT INTO projects (id, display_name, media_url, source_language, target_language,
			auto_workflow, status, current_stage, artifacts_json, error_message, errors_json,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.DisplayName, p.MediaURL, p.SourceLanguage, p.TargetLanguage,
		boolToInt(p.AutoWorkflow), string(p.Status), p.CurrentStage, string(artifactsJSON),
		p.ErrorMessage, string(errorsJSON), nowISO(), nowISO(),
	)
	return err
}

func (d *Database) GetProject(id string) (*models.Project, error) {
	row := d.db.QueryRow(`SELECT id, display_name, media_url, source_language, target_language,
		auto_workflow, status, current_stage, artifacts_json, error_message, errors_json,
		created_at, updated_at FROM projects WHERE id=?`, id)
	return scanProject(row)
}

func scanProject(row *sql.Row) (*models.Project, error) {
	var p models.Project
	var autoWorkflow int
	var status string
	var artifactsJSON, errorsJSON sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.DisplayName, &p.MediaURL, &p.SourceLanguage, &p.TargetLanguage,
		&autoWorkflow, &status, &p.CurrentStage, &artifactsJSON, &p.ErrorMessage, &errorsJSON,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.AutoWorkflow = autoWorkflow != 0
	p.Status = models.ProjectStatus(status)
	p.CreatedAt = parseISO(createdAt)
	p.UpdatedAt = parseISO(updatedAt)
	p.Artifacts = map[string]map[string]string{}
	if artifactsJSON.Valid && artifactsJSON.String != "" {
		_ = json.Unmarshal([]byte(artifactsJSON.String), &p.Artifacts)
	}
	if errorsJSON.Valid && errorsJSON.String != "" {
		_ = json.Unmarshal([]byte(errorsJSON.String), &p.Errors)
	}
	return &p, nil
}

// UpdateStatus updates the project's status and error_message and,
// optionally, current_stage. A nil errMsg clears error_message.
func (d *Database) UpdateStatus(id string, status models.ProjectStatus, currentStage *int, errMsg *string) error {
	if currentStage != nil {
		_, err := d.db.Exec(`UPDATE projects SET status=?, current_stage=?, error_message=?, updated_at=? WHERE id=?`,
			string(status), *currentStage, errMsg, nowISO(), id)
		return err
	}
	_, err := d.db.Exec(`UPDATE projects SET status=?, error_message=?, updated_at=? WHERE id=?`,
		string(status), errMsg, nowISO(), id)
	return err
}

// AppendError appends a message to the project's errors list (used by the
// orchestrator when a stage fails).
func (d *Database) AppendError(id, message string) error {
	p, err := d.GetProject(id)
	if err != nil || p == nil {
		return err
	}
	p.Errors = append(p.Errors, message)
	errorsJSON, err := json.Marshal(p.Errors)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(`UPDATE projects SET errors_json=?, updated_at=? WHERE id=?`, string(errorsJSON), nowISO(), id)
	return err
}

// SetArtifacts records the artifact identifiers produced by a stage.
func (d *Database) SetArtifacts(id string, stage models.StageName, artifacts map[string]string) error {
	p, err := d.GetProject(id)
	if err != nil || p == nil {
		return fmt.Errorf("project not found: %s", id)
	}
	if p.Artifacts == nil {
		p.Artifacts = map[string]map[string]string{}
	}
	p.Artifacts[string(stage)] = artifacts
	artifactsJSON, err := json.Marshal(p.Artifacts)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(`UPDATE projects SET artifacts_json=?, updated_at=? WHERE id=?`, string(artifactsJSON), nowISO(), id)
	return err
}

func (d *Database) UpdateMediaFiles(id string, fileTypeToPath map[string]string) error {
	// Kept as a no-op passthrough; callers persist actual blob associations
	// through the blob store, and ProjectFile rows are authoritative. Nothing
	// is written here.
	return nil
}

func (d *Database) IncrementCurrentStage(id string) error {
	_, err := d.db.Exec(`UPDATE projects SET current_stage = current_stage + 1, updated_at=? WHERE id=?`, nowISO(), id)
	return err
}

func (d *Database) SetCurrentStage(id string, stage int) error {
	_, err := d.db.Exec(`UPDATE projects SET current_stage=?, updated_at=? WHERE id=?`, stage, nowISO(), id)
	return err
}

func (d *Database) ListProjects(limit, offset int) ([]*models.Project, error) {
	rows, err := d.db.Query(`SELECT id FROM projects ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	var out []*models.Project
	for _, id := range ids {
		p, err := d.GetProject(id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *Database) ListAllProjectIDs() ([]string, error) {
	rows, err := d.db.Query(`SELECT id FROM projects`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindStaleProcessing returns projects stuck in status=processing whose
// updated_at is older than maxAge, used by the queue consumer's crash
// recovery pass.
func (d *Database) FindStaleProcessing(maxAge time.Duration, limit int) ([]*models.Project, error) {
	threshold := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)
	rows, err := d.db.Query(`SELECT id FROM projects WHERE status='processing' AND updated_at < ? LIMIT ?`, threshold, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	var out []*models.Project
	for _, id := range ids {
		p, err := d.GetProject(id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// DeleteProject removes a project and its child rows, except project_files
// rows, which ReleaseProjectFiles removes.
func (d *Database) DeleteProject(id string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM translation_chunks WHERE semantic_chunk_id IN (SELECT id FROM semantic_chunks WHERE project_id=?)`,
		`DELETE FROM semantic_chunks WHERE project_id=?`,
		`DELETE FROM global_contexts WHERE project_id=?`,
		`DELETE FROM asr_merged_chunks WHERE project_id=?`,
		`DELETE FROM asr_segments WHERE project_id=?`,
		`DELETE FROM vad_regions WHERE project_id=?`,
		`DELETE FROM subtitle_exports WHERE project_id=?`,
		`DELETE FROM stage_runs WHERE project_id=?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt, id); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`DELETE FROM projects WHERE id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
