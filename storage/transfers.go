package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// RecordTransferRequest inserts a pending transfer request history row.
func (s *Store) RecordTransferRequest(record TransferRecord) error {
	if record.RequestID == "" {
		return errors.New("request_id is required")
	}
	if record.Status == "" {
		record.Status = TransferStatusPending
	}
	if err := validateTransferStatus(record.Status); err != nil {
		return err
	}
	if record.RequestedAt == 0 {
		record.RequestedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfer_requests (
			request_id,
			sender_hostname,
			sender_os,
			file_count,
			total_size,
			status,
			requested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.RequestID,
		record.SenderHostname,
		record.SenderOS,
		record.FileCount,
		record.TotalSize,
		record.Status,
		record.RequestedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer request %q: %w", record.RequestID, err)
	}

	return nil
}

// ResolveTransferRequest moves a pending request to answered or timed_out.
// Requests that are already resolved are left untouched.
func (s *Store) ResolveTransferRequest(requestID, status string, decision *string) error {
	if requestID == "" {
		return errors.New("request_id is required")
	}
	if status == TransferStatusPending {
		return fmt.Errorf("resolve transfer request %q: status must not be pending", requestID)
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfer_requests
		SET status = ?, decision = ?, resolved_at = ?
		WHERE request_id = ? AND status = ?`,
		status,
		nullString(decision),
		nowUnixMilli(),
		requestID,
		TransferStatusPending,
	)
	if err != nil {
		return fmt.Errorf("resolve transfer request %q: %w", requestID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve transfer request %q rows affected: %w", requestID, err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetTransferRequest(requestID); err != nil {
			return err
		}
	}

	return nil
}

// GetTransferRequest fetches a transfer request history row.
func (s *Store) GetTransferRequest(requestID string) (*TransferRecord, error) {
	row := s.db.QueryRow(
		`SELECT
			request_id,
			sender_hostname,
			sender_os,
			file_count,
			total_size,
			status,
			decision,
			requested_at,
			resolved_at
		FROM transfer_requests
		WHERE request_id = ?`,
		requestID,
	)

	var (
		record     TransferRecord
		decision   sql.NullString
		resolvedAt sql.NullInt64
	)
	if err := row.Scan(
		&record.RequestID,
		&record.SenderHostname,
		&record.SenderOS,
		&record.FileCount,
		&record.TotalSize,
		&record.Status,
		&decision,
		&record.RequestedAt,
		&resolvedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer request %q: %w", requestID, err)
	}
	record.Decision = stringPtr(decision)
	record.ResolvedAt = int64Ptr(resolvedAt)

	return &record, nil
}
