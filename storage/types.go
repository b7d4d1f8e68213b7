package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// BackendDir marks files streamed to a directory on disk.
	BackendDir = "dir"
	// BackendBlob marks files stored as rows in the blobs table.
	BackendBlob = "blob"
)

const (
	// TransferStatusPending means the request is waiting for a decision.
	TransferStatusPending = "pending"
	// TransferStatusAnswered means a decision was delivered to the sender.
	TransferStatusAnswered = "answered"
	// TransferStatusTimedOut means no decision arrived in time.
	TransferStatusTimedOut = "timed_out"
)

// ReceivedFile is one file persisted by the upload ingress.
type ReceivedFile struct {
	ID            string
	StoredName    string
	OriginalName  string
	Size          int64
	MimeType      string
	Backend       string
	SenderAddress string
	ReceivedAt    int64
}

// TransferRecord is the history row of an inbound transfer request.
type TransferRecord struct {
	RequestID      string
	SenderHostname string
	SenderOS       string
	FileCount      int
	TotalSize      int64
	Status         string
	Decision       *string
	RequestedAt    int64
	ResolvedAt     *int64
}

type scanner interface {
	Scan(dest ...any) error
}

func validateBackend(backend string) error {
	switch backend {
	case BackendDir, BackendBlob:
		return nil
	default:
		return fmt.Errorf("invalid backend %q", backend)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusPending, TransferStatusAnswered, TransferStatusTimedOut:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPointer(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
