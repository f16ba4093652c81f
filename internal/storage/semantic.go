package storage

import (
	"database/sql"
	"encoding/json"

	"github.com/oho/subflow/internal/models"
)

func (d *Database) SaveGlobalContext(gc *models.GlobalContext) error {
	glossaryJSON, err := json.Marshal(gc.Glossary)
	if err != nil {
		return err
	}
	notesJSON, err := json.Marshal(gc.TranslationNotes)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(`
		INSERT INTO global_contexts (project_id, topic, domain, style, glossary_json, translation_notes_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			topic=excluded.topic, domain=excluded.domain, style=excluded.style,
			glossary_json=excluded.glossary_json, translation_notes_json=excluded.translation_notes_json`,
		gc.ProjectID, gc.Topic, gc.Domain, gc.Style, string(glossaryJSON), string(notesJSON),
	)
	return err
}

func (d *Database) GetGlobalContext(projectID string) (*models.GlobalContext, error) {
	row := d.db.QueryRow(`SELECT project_id, topic, domain, style, glossary_json, translation_notes_json
		FROM global_contexts WHERE project_id=?`, projectID)
	var gc models.GlobalContext
	var glossaryJSON, notesJSON sql.NullString
	err := row.Scan(&gc.ProjectID, &gc.Topic, &gc.Domain, &gc.Style, &glossaryJSON, &notesJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	gc.Glossary = map[string]string{}
	if glossaryJSON.Valid && glossaryJSON.String != "" {
		_ = json.Unmarshal([]byte(glossaryJSON.String), &gc.Glossary)
	}
	if notesJSON.Valid && notesJSON.String != "" {
		_ = json.Unmarshal([]byte(notesJSON.String), &gc.TranslationNotes)
	}
	return &gc, nil
}

func (d *Database) DeleteGlobalContext(projectID string) error {
	_, err := d.db.Exec(`DELETE FROM global_contexts WHERE project_id=?`, projectID)
	return err
}

// BulkInsertSemanticChunks inserts parent rows, then their translation
// children, in a single transaction.
func (d *Database) BulkInsertSemanticChunks(projectID string, chunks []models.SemanticChunk) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	parentStmt, err := tx.Prepare(`INSERT INTO semantic_chunks (project_id, chunk_index, corrected_text, translation, asr_segment_ids_json)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer parentStmt.Close()

	childStmt, err := tx.Prepare(`INSERT INTO translation_chunks (semantic_chunk_id, segment_id, text) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer childStmt.Close()

	for _, c := range chunks {
		idsJSON, err := json.Marshal(c.ASRSegmentIDs)
		if err != nil {
			return err
		}
		res, err := parentStmt.Exec(projectID, c.ChunkIndex, c.CorrectedText, c.Translation, string(idsJSON))
		if err != nil {
			return err
		}
		parentID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		for _, tc := range c.TranslationChunks {
			if _, err := childStmt.Exec(parentID, tc.SegmentID, tc.Text); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (d *Database) GetSemanticChunksByProject(projectID string) ([]models.SemanticChunk, error) {
	rows, err := d.db.Query(`SELECT id, project_id, chunk_index, corrected_text, translation, asr_segment_ids_json
		FROM semantic_chunks WHERE project_id=? ORDER BY chunk_index`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type parent struct {
		id int64
		sc models.SemanticChunk
	}
	var parents []parent
	for rows.Next() {
		var id int64
		var sc models.SemanticChunk
		var idsJSON string
		if err := rows.Scan(&id, &sc.ProjectID, &sc.ChunkIndex, &sc.CorrectedText, &sc.Translation, &idsJSON); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(idsJSON), &sc.ASRSegmentIDs)
		parents = append(parents, parent{id: id, sc: sc})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.SemanticChunk, len(parents))
	for i, p := range parents {
		childRows, err := d.db.Query(`SELECT segment_id, text FROM translation_chunks WHERE semantic_chunk_id=? ORDER BY segment_id`, p.id)
		if err != nil {
			return nil, err
		}
		var children []models.TranslationChunk
		for childRows.Next() {
			var tc models.TranslationChunk
			if err := childRows.Scan(&tc.SegmentID, &tc.Text); err != nil {
				childRows.Close()
				return nil, err
			}
			children = append(children, tc)
		}
		childRows.Close()
		p.sc.TranslationChunks = children
		out[i] = p.sc
	}
	return out, nil
}

func (d *Database) DeleteSemanticChunksByProject(projectID string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM translation_chunks WHERE semantic_chunk_id IN
		(SELECT id FROM semantic_chunks WHERE project_id=?)`, projectID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM semantic_chunks WHERE project_id=?`, projectID); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *Database) CreateSubtitleExport(e *models.SubtitleExport) error {
	configJSON, err := json.Marshal(e.Config)
	if err != nil {
		return err
	}
	keysJSON, err := json.Marshal(e.StorageKeys)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(`INSERT INTO subtitle_exports (id, project_id, format, content_mode, config_json, storage_keys_json, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, string(e.Format), string(e.ContentMode), string(configJSON), string(keysJSON), string(e.Source), nowISO())
	return err
}

func (d *Database) GetSubtitleExport(id string) (*models.SubtitleExport, error) {
	row := d.db.QueryRow(`SELECT id, project_id, format, content_mode, config_json, storage_keys_json, source, created_at
		FROM subtitle_exports WHERE id=?`, id)
	var e models.SubtitleExport
	var format, contentMode, source, createdAt string
	var configJSON, keysJSON sql.NullString
	err := row.Scan(&e.ID, &e.ProjectID, &format, &contentMode, &configJSON, &keysJSON, &source, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Format = models.SubtitleExportFormat(format)
	e.ContentMode = models.ContentMode(contentMode)
	e.Source = models.ExportSource(source)
	e.CreatedAt = parseISO(createdAt)
	if configJSON.Valid && configJSON.String != "" {
		_ = json.Unmarshal([]byte(configJSON.String), &e.Config)
	}
	if keysJSON.Valid && keysJSON.String != "" {
		_ = json.Unmarshal([]byte(keysJSON.String), &e.StorageKeys)
	}
	return &e, nil
}

func (d *Database) ListSubtitleExportsByProject(projectID string) ([]models.SubtitleExport, error) {
	rows, err := d.db.Query(`SELECT id, project_id, format, content_mode, config_json, storage_keys_json, source, created_at
		FROM subtitle_exports WHERE project_id=? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.SubtitleExport
	for rows.Next() {
		var e models.SubtitleExport
		var format, contentMode, source, createdAt string
		var configJSON, keysJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.ProjectID, &format, &contentMode, &configJSON, &keysJSON, &source, &createdAt); err != nil {
			return nil, err
		}
		e.Format = models.SubtitleExportFormat(format)
		e.ContentMode = models.ContentMode(contentMode)
		e.Source = models.ExportSource(source)
		e.CreatedAt = parseISO(createdAt)
		if configJSON.Valid && configJSON.String != "" {
			_ = json.Unmarshal([]byte(configJSON.String), &e.Config)
		}
		if keysJSON.Valid && keysJSON.String != "" {
			_ = json.Unmarshal([]byte(keysJSON.String), &e.StorageKeys)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
