package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const defaultReceivedListLimit = 100

// RecordReceivedFile inserts a ledger row for a stored upload part.
func (s *Store) RecordReceivedFile(file ReceivedFile) error {
	if file.ID == "" {
		return errors.New("id is required")
	}
	if file.StoredName == "" {
		return errors.New("stored_name is required")
	}
	if file.OriginalName == "" {
		file.OriginalName = file.StoredName
	}
	if file.MimeType == "" {
		file.MimeType = DefaultMimeType
	}
	if err := validateBackend(file.Backend); err != nil {
		return err
	}
	if file.ReceivedAt == 0 {
		file.ReceivedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO received_files (
			id,
			stored_name,
			original_name,
			size,
			mime_type,
			backend,
			sender_address,
			received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		file.ID,
		file.StoredName,
		file.OriginalName,
		file.Size,
		file.MimeType,
		file.Backend,
		nullString(stringPointer(file.SenderAddress)),
		file.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert received file %q: %w", file.ID, err)
	}

	return nil
}

// GetReceivedFile fetches a ledger row by ID.
func (s *Store) GetReceivedFile(id string) (*ReceivedFile, error) {
	row := s.db.QueryRow(
		`SELECT id, stored_name, original_name, size, mime_type, backend, sender_address, received_at
		FROM received_files
		WHERE id = ?`,
		id,
	)

	file, err := scanReceivedFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get received file %q: %w", id, err)
	}

	return file, nil
}

// ListReceivedFiles returns the newest ledger rows first. A non-positive
// limit uses the default of 100.
func (s *Store) ListReceivedFiles(limit int) ([]ReceivedFile, error) {
	if limit <= 0 {
		limit = defaultReceivedListLimit
	}

	rows, err := s.db.Query(
		`SELECT id, stored_name, original_name, size, mime_type, backend, sender_address, received_at
		FROM received_files
		ORDER BY received_at DESC, id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list received files: %w", err)
	}
	defer rows.Close()

	files := make([]ReceivedFile, 0)
	for rows.Next() {
		file, err := scanReceivedFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan received file row: %w", err)
		}
		files = append(files, *file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate received file rows: %w", err)
	}

	return files, nil
}

func scanReceivedFile(row scanner) (*ReceivedFile, error) {
	var (
		file   ReceivedFile
		sender sql.NullString
	)
	if err := row.Scan(
		&file.ID,
		&file.StoredName,
		&file.OriginalName,
		&file.Size,
		&file.MimeType,
		&file.Backend,
		&sender,
		&file.ReceivedAt,
	); err != nil {
		return nil, err
	}
	if sender.Valid {
		file.SenderAddress = sender.String
	}
	return &file, nil
}
