package storage

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"
)

// BlobBackend stores received files as rows in the blobs table. It cannot
// stream into SQLite, so each open writer buffers exactly one part in memory
// and writes it out on Close.
type BlobBackend struct {
	store *Store
}

// NewBlobBackend returns a backend writing into store.
func NewBlobBackend(store *Store) *BlobBackend {
	return &BlobBackend{store: store}
}

// Name returns BackendBlob.
func (b *BlobBackend) Name() string {
	return BackendBlob
}

// Exists reports whether a blob row named name exists, complete or not.
func (b *BlobBackend) Exists(name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}

	var exists int
	if err := b.store.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM blobs WHERE name = ?)`,
		name,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check blob %q: %w", name, err)
	}
	return exists == 1, nil
}

// Create reserves a blob row for name and returns a buffering writer.
func (b *BlobBackend) Create(name string) (io.WriteCloser, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	res, err := b.store.db.Exec(
		`INSERT OR IGNORE INTO blobs (name, created_at) VALUES (?, ?)`,
		name,
		nowUnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("reserve blob %q: %w", name, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reserve blob %q rows affected: %w", name, err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("create %q: %w", name, ErrExist)
	}

	return &blobWriter{backend: b, name: name}, nil
}

// Remove deletes the blob row for name.
func (b *BlobBackend) Remove(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if _, err := b.store.db.Exec(`DELETE FROM blobs WHERE name = ?`, name); err != nil {
		return fmt.Errorf("remove blob %q: %w", name, err)
	}
	return nil
}

// MimeType returns the content type recorded when the blob was committed.
func (b *BlobBackend) MimeType(name string) string {
	var mimeType string
	if err := b.store.db.QueryRow(
		`SELECT mime_type FROM blobs WHERE name = ?`,
		name,
	).Scan(&mimeType); err != nil || mimeType == "" {
		return DetectMimeType(name, nil)
	}
	return mimeType
}

// ReadBlob returns the committed contents and content type of name.
func (b *BlobBackend) ReadBlob(name string) ([]byte, string, error) {
	var (
		data     []byte
		mimeType string
		complete int
	)
	err := b.store.db.QueryRow(
		`SELECT data, mime_type, complete FROM blobs WHERE name = ?`,
		name,
	).Scan(&data, &mimeType, &complete)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("read blob %q: %w", name, err)
	}
	if complete == 0 {
		return nil, "", ErrNotFound
	}
	return data, mimeType, nil
}

type blobWriter struct {
	backend *BlobBackend
	name    string

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (w *blobWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, errors.New("storage: write to closed blob")
	}
	return w.buf.Write(p)
}

func (w *blobWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	data := w.buf.Bytes()
	head := data
	if len(head) > sniffLength {
		head = head[:sniffLength]
	}

	_, err := w.backend.store.db.Exec(
		`UPDATE blobs SET data = ?, size = ?, mime_type = ?, complete = 1 WHERE name = ?`,
		data,
		len(data),
		DetectMimeType(w.name, head),
		w.name,
	)
	w.buf = bytes.Buffer{}
	if err != nil {
		return fmt.Errorf("commit blob %q: %w", w.name, err)
	}
	return nil
}
