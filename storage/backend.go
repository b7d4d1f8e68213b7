package storage

import (
	"errors"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
)

// DefaultMimeType is reported when nothing more specific is known.
const DefaultMimeType = "application/octet-stream"

var (
	// ErrExist is returned by Backend.Create when the name is already taken.
	ErrExist = errors.New("storage: name already exists")
	// ErrInvalidName is returned for names that are empty or not a single path element.
	ErrInvalidName = errors.New("storage: invalid file name")
)

// Backend persists received files. Names are single path elements that have
// already been sanitised by the caller.
type Backend interface {
	// Name identifies the backend in the received-file ledger.
	Name() string
	// Exists reports whether name is taken.
	Exists(name string) (bool, error)
	// Create reserves name and returns a writer for its contents. It fails
	// with ErrExist when name is taken. The contents are committed on Close.
	Create(name string) (io.WriteCloser, error)
	// Remove deletes name. Removing a missing name is not an error.
	Remove(name string) error
	// MimeType resolves the content type of a stored name.
	MimeType(name string) string
}

// DetectMimeType identifies the content from its magic bytes, then falls back
// to the file extension and finally to DefaultMimeType.
func DetectMimeType(name string, head []byte) string {
	if len(head) > 0 {
		if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
			return kind.MIME.Value
		}
	}
	if ext := filepath.Ext(name); ext != "" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			return byExt
		}
	}
	return DefaultMimeType
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return ErrInvalidName
	}
	return nil
}
