package storage

import "database/sql"

// IngestBlob records a (project, file_type) -> blob association
// transactionally: it upserts file_blobs' ref_count, decrements the
// previously-referenced blob (if any) for the same (project, file_type), and
// upserts project_files. The on-disk move/copy is the blobstore package's
// responsibility, not this repository's.
func (d *Database) IngestBlob(projectID string, fileType string, hash string, size int64, mime string, now string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existingHash sql.NullString
	err = tx.QueryRow(`SELECT blob_hash FROM project_files WHERE project_id=? AND file_type=?`, projectID, fileType).Scan(&existingHash)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if existingHash.Valid && existingHash.String == hash {
		_, err := tx.Exec(`UPDATE file_blobs SET last_accessed_at=? WHERE hash=?`, now, hash)
		if err != nil {
			return err
		}
		return tx.Commit()
	}

	if _, err := tx.Exec(`
		INSERT INTO file_blobs (hash, size, mime, ref_count, created_at, last_accessed_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET ref_count = ref_count + 1, last_accessed_at=excluded.last_accessed_at`,
		hash, size, mime, now, now); err != nil {
		return err
	}

	if existingHash.Valid {
		if _, err := tx.Exec(`UPDATE file_blobs SET ref_count = ref_count - 1 WHERE hash=?`, existingHash.String); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO project_files (project_id, file_type, blob_hash) VALUES (?, ?, ?)
		ON CONFLICT(project_id, file_type) DO UPDATE SET blob_hash=excluded.blob_hash`,
		projectID, fileType, hash); err != nil {
		return err
	}

	return tx.Commit()
}

// GetProjectFileHash returns the blob hash associated with (projectID,
// fileType), or "" if none.
func (d *Database) GetProjectFileHash(projectID, fileType string) (string, error) {
	var hash sql.NullString
	err := d.db.QueryRow(`SELECT blob_hash FROM project_files WHERE project_id=? AND file_type=?`, projectID, fileType).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return hash.String, nil
}

// ReleaseProjectFiles deletes all project_files rows for projectID and
// decrements each referenced blob's ref_count.
func (d *Database) ReleaseProjectFiles(projectID string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT blob_hash FROM project_files WHERE project_id=?`, projectID)
	if err != nil {
		return err
	}
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return err
		}
		hashes = append(hashes, h)
	}
	rows.Close()

	for _, h := range hashes {
		if _, err := tx.Exec(`UPDATE file_blobs SET ref_count = ref_count - 1 WHERE hash=?`, h); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`DELETE FROM project_files WHERE project_id=?`, projectID); err != nil {
		return err
	}
	return tx.Commit()
}

// UnreferencedBlob is a candidate for GC.
type UnreferencedBlob struct {
	Hash           string
	LastAccessedAt string
}

// FindUnreferencedBlobs returns file_blobs rows with ref_count <= 0, ordered
// by last_accessed_at ascending.
func (d *Database) FindUnreferencedBlobs(limit int) ([]UnreferencedBlob, error) {
	rows, err := d.db.Query(`SELECT hash, last_accessed_at FROM file_blobs WHERE ref_count <= 0 ORDER BY last_accessed_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UnreferencedBlob
	for rows.Next() {
		var b UnreferencedBlob
		var lastAccessed sql.NullString
		if err := rows.Scan(&b.Hash, &lastAccessed); err != nil {
			return nil, err
		}
		b.LastAccessedAt = lastAccessed.String
		out = append(out, b)
	}
	return out, rows.Err()
}

// DeleteBlobIfUnreferenced removes the file_blobs row for hash if its
// ref_count is still <= 0, re-checked inside the same transaction to stay
// correct against concurrent ingests. Returns
// whether the row was deleted.
func (d *Database) DeleteBlobIfUnreferenced(hash string) (bool, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var refCount int
	err = tx.QueryRow(`SELECT ref_count FROM file_blobs WHERE hash=?`, hash).Scan(&refCount)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if refCount > 0 {
		return false, tx.Commit()
	}
	if _, err := tx.Exec(`DELETE FROM file_blobs WHERE hash=?`, hash); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// GetDerived looks up a cached derived-blob transform result.
func (d *Database) GetDerived(transform, sourceHash, paramsHash string) (string, error) {
	var dst sql.NullString
	err := d.db.QueryRow(`SELECT dst_hash FROM derived_blobs WHERE transform=? AND source_hash=? AND params_hash=?`,
		transform, sourceHash, paramsHash).Scan(&dst)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return dst.String, nil
}

// SetDerived records a derived-blob transform result.
func (d *Database) SetDerived(transform, sourceHash, paramsHash, dstHash string) error {
	_, err := d.db.Exec(`
		INSERT INTO derived_blobs (transform, source_hash, params_hash, dst_hash) VALUES (?, ?, ?, ?)
		ON CONFLICT(transform, source_hash, params_hash) DO UPDATE SET dst_hash=excluded.dst_hash`,
		transform, sourceHash, paramsHash, dstHash)
	return err
}
