package storage

import (
	"encoding/json"

	"github.com/oho/subflow/internal/models"
)

func (d *Database) BulkInsertVADRegions(projectID string, regions []models.VADRegion) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT INTO vad_regions (project_id, region_id, start_s, end_s) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, r := range regions {
		if _, err := stmt.Exec(projectID, i, r.Start, r.End); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *Database) GetVADRegionsByProject(projectID string) ([]models.VADRegion, error) {
	rows, err := d.db.Query(`SELECT project_id, region_id, start_s, end_s FROM vad_regions WHERE project_id=? ORDER BY start_s`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.VADRegion
	for rows.Next() {
		var r models.VADRegion
		if err := rows.Scan(&r.ProjectID, &r.RegionID, &r.Start, &r.End); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *Database) DeleteVADRegionsByProject(projectID string) error {
	_, err := d.db.Exec(`DELETE FROM vad_regions WHERE project_id=?`, projectID)
	return err
}

func (d *Database) BulkInsertASRSegments(projectID string, segments []models.ASRSegment) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT INTO asr_segments (project_id, segment_index, start_s, end_s, text, corrected_text, language)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, s := range segments {
		if _, err := stmt.Exec(projectID, s.ID, s.Start, s.End, s.Text, s.CorrectedText, s.Language); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetASRSegmentsByProject returns segments in id order; corrected text is
// always included when present (there is no raw-only variant — callers use
// ResolvedText()).
func (d *Database) GetASRSegmentsByProject(projectID string) ([]models.ASRSegment, error) {
	rows, err := d.db.Query(`SELECT project_id, segment_index, start_s, end_s, text, corrected_text, language
		FROM asr_segments WHERE project_id=? ORDER BY segment_index`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ASRSegment
	for rows.Next() {
		var s models.ASRSegment
		if err := rows.Scan(&s.ProjectID, &s.ID, &s.Start, &s.End, &s.Text, &s.CorrectedText, &s.Language); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (d *Database) GetCorrectedMap(projectID string) (map[int]string, error) {
	segments, err := d.GetASRSegmentsByProject(projectID)
	if err != nil {
		return nil, err
	}
	out := map[int]string{}
	for _, s := range segments {
		if s.CorrectedText != nil {
			out[s.ID] = *s.CorrectedText
		}
	}
	return out, nil
}

func (d *Database) UpdateCorrectedTexts(projectID string, corrections map[int]string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`UPDATE asr_segments SET corrected_text=? WHERE project_id=? AND segment_index=?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for id, text := range corrections {
		if _, err := stmt.Exec(text, projectID, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *Database) ClearCorrectedTexts(projectID string) error {
	_, err := d.db.Exec(`UPDATE asr_segments SET corrected_text=NULL WHERE project_id=?`, projectID)
	return err
}

func (d *Database) GetASRSegmentsByTimeRange(projectID string, start, end float64) ([]models.ASRSegment, error) {
	rows, err := d.db.Query(`SELECT project_id, segment_index, start_s, end_s, text, corrected_text, language
		FROM asr_segments WHERE project_id=? AND start_s < ? AND end_s > ? ORDER BY segment_index`, projectID, end, start)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ASRSegment
	for rows.Next() {
		var s models.ASRSegment
		if err := rows.Scan(&s.ProjectID, &s.ID, &s.Start, &s.End, &s.Text, &s.CorrectedText, &s.Language); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (d *Database) DeleteASRSegmentsByProject(projectID string) error {
	_, err := d.db.Exec(`DELETE FROM asr_segments WHERE project_id=?`, projectID)
	return err
}

func (d *Database) BulkUpsertASRMergedChunks(projectID string, chunks []models.ASRMergedChunk) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`
		INSERT INTO asr_merged_chunks (project_id, region_id, chunk_id, start_s, end_s, segment_ids_json, text)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, region_id, chunk_id) DO UPDATE SET
			start_s=excluded.start_s, end_s=excluded.end_s, segment_ids_json=excluded.segment_ids_json, text=excluded.text`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, c := range chunks {
		idsJSON, err := json.Marshal(c.SegmentIDs)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(projectID, c.RegionID, c.ChunkID, c.Start, c.End, string(idsJSON), c.Text); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *Database) GetASRMergedChunksByProject(projectID string) ([]models.ASRMergedChunk, error) {
	rows, err := d.db.Query(`SELECT project_id, region_id, chunk_id, start_s, end_s, segment_ids_json, text
		FROM asr_merged_chunks WHERE project_id=? ORDER BY region_id, chunk_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ASRMergedChunk
	for rows.Next() {
		var c models.ASRMergedChunk
		var idsJSON string
		if err := rows.Scan(&c.ProjectID, &c.RegionID, &c.ChunkID, &c.Start, &c.End, &idsJSON, &c.Text); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(idsJSON), &c.SegmentIDs)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *Database) DeleteASRMergedChunksByProject(projectID string) error {
	_, err := d.db.Exec(`DELETE FROM asr_merged_chunks WHERE project_id=?`, projectID)
	return err
}
