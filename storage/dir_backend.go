package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const sniffLength = 512

// DirBackend streams received files into a directory on disk.
type DirBackend struct {
	root string
}

// NewDirBackend creates root if needed and returns a backend writing into it.
func NewDirBackend(root string) (*DirBackend, error) {
	if root == "" {
		return nil, errors.New("storage: directory backend root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}
	return &DirBackend{root: root}, nil
}

// Name returns BackendDir.
func (b *DirBackend) Name() string {
	return BackendDir
}

// Root returns the directory files are written into.
func (b *DirBackend) Root() string {
	return b.root
}

// Path returns the on-disk path for name.
func (b *DirBackend) Path(name string) string {
	return filepath.Join(b.root, name)
}

// Exists reports whether a file or directory named name exists in root.
func (b *DirBackend) Exists(name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	_, err := os.Lstat(b.Path(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %q: %w", name, err)
}

// Create opens name exclusively for writing.
func (b *DirBackend) Create(name string) (io.WriteCloser, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(b.Path(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create %q: %w", name, ErrExist)
		}
		return nil, fmt.Errorf("create %q: %w", name, err)
	}
	return file, nil
}

// Remove deletes name from root.
func (b *DirBackend) Remove(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := os.Remove(b.Path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %q: %w", name, err)
	}
	return nil
}

// MimeType resolves the content type from the extension or the first bytes.
func (b *DirBackend) MimeType(name string) string {
	if validateName(name) != nil {
		return DefaultMimeType
	}

	file, err := os.Open(b.Path(name))
	if err != nil {
		return DetectMimeType(name, nil)
	}
	defer file.Close()

	head := make([]byte, sniffLength)
	n, _ := io.ReadFull(file, head)
	return DetectMimeType(name, head[:n])
}
