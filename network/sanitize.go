package network

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/kr5hn4/tranzit/storage"
)

const (
	fallbackFilename  = "file"
	maxFilenameBytes  = 255
	maxCollisionTries = 10000
)

var windowsReservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {}, "COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {}, "LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// SanitizeFilename reduces a client-supplied name to a single safe path
// element. The result is never empty.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}

	var b strings.Builder
	for _, r := range name {
		if r == unicode.ReplacementChar || unicode.IsControl(r) {
			continue
		}
		switch r {
		case '<', '>', ':', '"', '|', '?', '*':
			continue
		}
		b.WriteRune(r)
	}

	cleaned := strings.TrimRight(b.String(), ". ")
	cleaned = strings.TrimLeft(cleaned, " ")
	if cleaned == "" {
		return fallbackFilename
	}

	stem, _ := splitExtension(cleaned)
	if _, reserved := windowsReservedNames[strings.ToUpper(stem)]; reserved {
		cleaned = "_" + cleaned
	}

	return truncateFilename(cleaned, maxFilenameBytes)
}

// UniqueName returns name if it is free in backend, otherwise the first free
// "stem (n).ext" for n starting at 1.
func UniqueName(backend storage.Backend, name string) (string, error) {
	for n := 0; n < maxCollisionTries; n++ {
		candidate := numberedName(name, n)
		exists, err := backend.Exists(candidate)
		if err != nil {
			return "", fmt.Errorf("check %q: %w", candidate, err)
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free name for %q after %d attempts", name, maxCollisionTries)
}

// createUnique resolves a free name and reserves it. Another upload may take
// the name between the check and the create, so ErrExist restarts the search
// past the taken index.
func createUnique(backend storage.Backend, name string) (string, io.WriteCloser, error) {
	for n := 0; n < maxCollisionTries; n++ {
		candidate := numberedName(name, n)
		exists, err := backend.Exists(candidate)
		if err != nil {
			return "", nil, fmt.Errorf("check %q: %w", candidate, err)
		}
		if exists {
			continue
		}

		w, err := backend.Create(candidate)
		if errors.Is(err, storage.ErrExist) {
			continue
		}
		if err != nil {
			return "", nil, fmt.Errorf("create %q: %w", candidate, err)
		}
		return candidate, w, nil
	}
	return "", nil, fmt.Errorf("no free name for %q after %d attempts", name, maxCollisionTries)
}

func numberedName(name string, n int) string {
	if n == 0 {
		return name
	}
	stem, ext := splitExtension(name)
	if ext == "" {
		return fmt.Sprintf("%s (%d)", stem, n)
	}
	return fmt.Sprintf("%s (%d).%s", stem, n, ext)
}

// splitExtension splits at the last dot. A leading dot does not start an
// extension, so ".bashrc" has none.
func splitExtension(name string) (stem, ext string) {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 {
		return name, ""
	}
	return name[:idx], name[idx+1:]
}

func truncateFilename(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	stem, ext := splitExtension(name)
	if ext != "" && len(ext)+2 < limit {
		keep := limit - len(ext) - 1
		return trimToRuneBoundary(stem, keep) + "." + ext
	}
	return trimToRuneBoundary(name, limit)
}

func trimToRuneBoundary(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := 0
	for i := range s {
		if i > limit {
			break
		}
		cut = i
	}
	return s[:cut]
}
