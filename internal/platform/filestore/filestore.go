// Package filestore persists a single document on disk with a sibling
// backup copy. Writes go to a temp file in the same directory and are
// renamed over the primary, so readers observe either the old or the new
// contents and never a partial write.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/ehr/triage/internal/platform/filestore")

var (
	// ErrNotExist is returned when the requested file is absent.
	ErrNotExist = errors.New("filestore: file does not exist")
	// ErrInvalid is returned when contents fail the configured validator.
	ErrInvalid = errors.New("filestore: invalid contents")
)

// Validator decides whether a document is well formed. Only valid documents
// are promoted to backup or restored from it.
type Validator func(data []byte) error

// File is a document at path with its backup next to it.
type File struct {
	path     string
	backup   string
	perm     fs.FileMode
	validate Validator
	logger   zerolog.Logger
}

// Option configures a File.
type Option func(*File)

// WithValidator sets the check used before backing up or restoring.
func WithValidator(v Validator) Option {
	return func(f *File) { f.validate = v }
}

// WithLogger sets the logger used for best-effort failures.
func WithLogger(l zerolog.Logger) Option {
	return func(f *File) { f.logger = l }
}

// WithPerm sets the file mode of written files (default 0644).
func WithPerm(perm fs.FileMode) Option {
	return func(f *File) { f.perm = perm }
}

// New returns a File for path. The backup lives beside it: "patients.json"
// is backed up to "patients.backup.json".
func New(path string, opts ...Option) *File {
	f := &File{
		path:     path,
		backup:   BackupPath(path),
		perm:     0o644,
		validate: func([]byte) error { return nil },
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// BackupPath derives the backup file name for path.
func BackupPath(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return path + ".backup"
	}
	return strings.TrimSuffix(path, ext) + ".backup" + ext
}

func (f *File) Path() string { return f.path }

func (f *File) BackupPath() string { return f.backup }

// Read returns the primary contents.
func (f *File) Read(ctx context.Context) ([]byte, error) {
	_, span := tracer.Start(ctx, "filestore.Read", trace.WithAttributes(attribute.String("file.path", f.path)))
	defer span.End()

	data, err := readFile(f.path)
	if err != nil && !errors.Is(err, ErrNotExist) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return data, err
}

// Write replaces the primary contents atomically. The previous primary is
// first copied to the backup when it passes validation; a failure to do so
// is logged and does not stop the write. A primary that fails validation is
// copied to a quarantine file next to it, and the write is refused if that
// copy cannot be made.
func (f *File) Write(ctx context.Context, data []byte) error {
	_, span := tracer.Start(ctx, "filestore.Write", trace.WithAttributes(
		attribute.String("file.path", f.path),
		attribute.Int("file.bytes", len(data)),
	))
	defer span.End()

	if err := f.rotateBackup(); err != nil {
		if errors.Is(err, ErrInvalid) {
			// the primary is about to be replaced and the backup must stay
			// known-good, so its bytes go to a side file instead
			quarantined, qerr := f.quarantine()
			if qerr != nil {
				span.RecordError(qerr)
				span.SetStatus(codes.Error, qerr.Error())
				return fmt.Errorf("preserve invalid primary: %w", qerr)
			}
			span.AddEvent("invalid primary quarantined", trace.WithAttributes(attribute.String("file.quarantine", quarantined)))
			f.logger.Warn().Err(err).Str("path", f.path).Str("quarantine", quarantined).Msg("invalid document moved aside before overwrite")
		} else {
			span.AddEvent("backup skipped")
			f.logger.Warn().Err(err).Str("path", f.backup).Msg("could not create backup")
		}
	}

	if err := writeAtomic(f.path, data, f.perm); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Restore copies a valid backup over the primary. It returns ErrNotExist
// when there is no backup and ErrInvalid when the backup fails validation.
func (f *File) Restore(ctx context.Context) ([]byte, error) {
	_, span := tracer.Start(ctx, "filestore.Restore", trace.WithAttributes(attribute.String("file.path", f.path)))
	defer span.End()

	data, err := readFile(f.backup)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := f.validate(data); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: backup %s: %v", ErrInvalid, f.backup, err)
	}
	if err := writeAtomic(f.path, data, f.perm); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return data, nil
}

// BackupExists reports whether a backup file is present.
func (f *File) BackupExists() (bool, error) {
	_, err := os.Stat(f.backup)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (f *File) rotateBackup() error {
	current, err := readFile(f.path)
	if errors.Is(err, ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := f.validate(current); err != nil {
		return fmt.Errorf("%w: keeping previous backup: %v", ErrInvalid, err)
	}
	return writeAtomic(f.backup, current, f.perm)
}

// quarantine copies the current primary to a fresh
// "<name>.corrupt-<random><ext>" file and returns its path.
func (f *File) quarantine() (string, error) {
	data, err := readFile(f.path)
	if err != nil {
		return "", err
	}
	ext := filepath.Ext(f.path)
	base := strings.TrimSuffix(filepath.Base(f.path), ext)
	out, err := os.CreateTemp(filepath.Dir(f.path), base+".corrupt-*"+ext)
	if err != nil {
		return "", fmt.Errorf("create quarantine file: %w", err)
	}
	name := out.Name()
	if _, err := out.Write(data); err != nil {
		out.Close()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return "", fmt.Errorf("sync %s: %w", name, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", name, err)
	}
	return name, nil
}

// Quarantined lists quarantine files left by earlier writes, oldest name
// first.
func (f *File) Quarantined() ([]string, error) {
	ext := filepath.Ext(f.path)
	base := strings.TrimSuffix(filepath.Base(f.path), ext)
	return filepath.Glob(filepath.Join(filepath.Dir(f.path), base+".corrupt-*"+ext))
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func writeAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
