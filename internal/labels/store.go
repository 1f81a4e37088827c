package labels

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/draymark/shipflow-backend/internal/apperr"
	"github.com/draymark/shipflow-backend/internal/logger"
)

// Store keeps carrier label artifacts on disk, confined to one root
// directory. Every path served out of the store is resolved against the
// root; anything escaping it is rejected.
type Store struct {
	root string
	log  *logger.Logger
}

func NewStore(root string, log *logger.Logger) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, apperr.System(apperr.CodeFilesystemError, "resolve labels directory").WithCause(err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, apperr.System(apperr.CodeFilesystemError, "create labels directory").WithCause(err)
	}
	return &Store{
		root: abs,
		log:  log.With("component", "LabelStore"),
	}, nil
}

func (s *Store) Root() string { return s.root }

// Save decodes a base64 label and writes it under the root, named by
// tracking number. Returns the stored path.
func (s *Store) Save(tracking, labelBase64, format string) (string, error) {
	if strings.TrimSpace(labelBase64) == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(labelBase64)
	if err != nil {
		return "", apperr.System(apperr.CodeFilesystemError, "decode label artifact").WithCause(err)
	}
	ext := strings.ToLower(strings.TrimSpace(format))
	if ext == "" {
		ext = "pdf"
	}
	name := fmt.Sprintf("%s.%s", sanitizeName(tracking), ext)
	path, err := s.Resolve(name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", apperr.System(apperr.CodeFilesystemError, "write label artifact").WithCause(err)
	}
	return path, nil
}

// Resolve maps a stored name to an absolute path inside the root. Names
// that escape the root fail with a filesystem error; handlers translate
// that to 403.
func (s *Store) Resolve(name string) (string, error) {
	cleaned := filepath.Clean(name)
	path := filepath.Join(s.root, cleaned)
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", apperr.System(apperr.CodeFilesystemError, "resolve label path").WithCause(err)
	}
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", apperr.System(apperr.CodeFilesystemError, "label path escapes labels directory")
	}
	return abs, nil
}

// Contains reports whether an already-recorded path sits inside the root.
func (s *Store) Contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return abs == s.root || strings.HasPrefix(abs, s.root+string(filepath.Separator))
}

// Zip bundles the given label paths into one archive in memory.
func (s *Store) Zip(paths []string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, p := range paths {
		if !s.Contains(p) {
			_ = zw.Close()
			return nil, apperr.System(apperr.CodeFilesystemError, "label path escapes labels directory")
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			_ = zw.Close()
			return nil, apperr.System(apperr.CodeFilesystemError, "read label artifact").WithCause(err)
		}
		w, err := zw.Create(filepath.Base(p))
		if err != nil {
			_ = zw.Close()
			return nil, apperr.System(apperr.CodeFilesystemError, "add label to archive").WithCause(err)
		}
		if _, err := w.Write(raw); err != nil {
			_ = zw.Close()
			return nil, apperr.System(apperr.CodeFilesystemError, "write label to archive").WithCause(err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, apperr.System(apperr.CodeFilesystemError, "finalize label archive").WithCause(err)
	}
	return buf.Bytes(), nil
}

// concatFormats are raw printer-stream formats where byte concatenation
// yields a valid combined spool. PDF is a structured format and is not
// one of them.
var concatFormats = map[string]bool{
	".zpl": true,
	".epl": true,
	".spl": true,
	".prn": true,
}

// Concatenable reports whether a label artifact can be merged into a
// spool stream by concatenation.
func Concatenable(path string) bool {
	return concatFormats[strings.ToLower(filepath.Ext(path))]
}

// Merge concatenates raw printer-stream labels into a single spool.
// PDF artifacts cannot be combined this way; callers bundle those with
// Zip instead.
func (s *Store) Merge(paths []string) ([]byte, error) {
	var buf bytes.Buffer
	for _, p := range paths {
		if !s.Contains(p) {
			return nil, apperr.System(apperr.CodeFilesystemError, "label path escapes labels directory")
		}
		if !Concatenable(p) {
			return nil, apperr.System(apperr.CodeFilesystemError, "label format cannot be merged by concatenation")
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, apperr.System(apperr.CodeFilesystemError, "read label artifact").WithCause(err)
		}
		buf.Write(raw)
	}
	return buf.Bytes(), nil
}

func sanitizeName(name string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if out == "" {
		out = "label"
	}
	return out
}
