// Package archive expands downloaded zip and rar attachments after checking that they
// are intact and not password protected.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrCorrupt indicates the archive failed its integrity self-test.
	ErrCorrupt = errors.New("archive corrupt")
	// ErrPasswordRequired indicates at least one member is encrypted.
	ErrPasswordRequired = errors.New("archive password required")
	// ErrLimitExceeded indicates expansion would exceed the configured size limits.
	ErrLimitExceeded = errors.New("archive extraction limit exceeded")
)

// Reason classifies the outcome of Expand.
type Reason int

const (
	ReasonExpanded Reason = iota
	ReasonPassthrough
	ReasonCorrupt
	ReasonPasswordRequired
	ReasonTooLarge
	ReasonWriteFailed
)

func (r Reason) String() string {
	switch r {
	case ReasonExpanded:
		return "expanded"
	case ReasonPassthrough:
		return "passthrough"
	case ReasonCorrupt:
		return "corrupt"
	case ReasonPasswordRequired:
		return "password_required"
	case ReasonTooLarge:
		return "too_large"
	case ReasonWriteFailed:
		return "write_failed"
	default:
		return "unknown"
	}
}

// Result describes what Expand did with a file.
type Result struct {
	OK     bool
	Reason Reason
	// Files holds the paths written under the destination directory.
	Files []string
}

// Limits caps the bytes written while expanding one archive. Zero disables a limit.
type Limits struct {
	MaxFileSize int64
	MaxTotal    int64
}

// format is implemented once per supported archive type.
type format interface {
	// test reads every member to EOF so checksums are verified, without writing anything.
	test(ctx context.Context, path string, budget *budget) error
	// extract writes every member under destDir and returns the written paths.
	extract(ctx context.Context, path, destDir string, budget *budget) ([]string, error)
}

var formats = map[string]format{
	".zip": zipFormat{},
	".rar": rarFormat{},
}

// IsArchive reports whether path has an extension on the archive allow-list.
func IsArchive(path string) bool {
	_, ok := formats[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Expander expands archives into a destination directory.
type Expander struct {
	limits Limits
	logger *slog.Logger
}

// NewExpander creates an Expander with the given size limits.
func NewExpander(limits Limits, logger *slog.Logger) *Expander {
	return &Expander{limits: limits, logger: logger}
}

// Expand self-tests the archive at path and, if it is intact and unencrypted, writes its
// members under destDir preserving relative paths. Files that are not archives pass through.
// When OK is false the returned error explains why; the source file is never removed.
func (e *Expander) Expand(ctx context.Context, path, destDir string) (Result, error) {
	f, ok := formats[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return Result{OK: true, Reason: ReasonPassthrough}, nil
	}
	l := e.logger.With(slog.String("archive", path), slog.String("dest_dir", destDir))
	start := time.Now()

	if err := f.test(ctx, path, newBudget(e.limits)); err != nil {
		reason := classify(err)
		l.Warn("Archive failed self-test, skipping expansion.", slog.String("reason", reason.String()), "error", err)
		return Result{Reason: reason}, err
	}
	l.Debug("Archive self-test passed.")

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return Result{Reason: ReasonWriteFailed}, fmt.Errorf("create destination %s: %w", destDir, err)
	}
	files, err := f.extract(ctx, path, destDir, newBudget(e.limits))
	if err != nil {
		reason := classify(err)
		if reason == ReasonCorrupt && !errors.Is(err, ErrCorrupt) {
			reason = ReasonWriteFailed
		}
		l.Error("Archive expansion failed.", slog.Int("files_written", len(files)), "error", err)
		return Result{Reason: reason, Files: files}, err
	}
	l.Info("Archive expanded.", slog.Int("files", len(files)), slog.Duration("duration", time.Since(start).Round(time.Millisecond)))
	return Result{OK: true, Reason: ReasonExpanded, Files: files}, nil
}

func classify(err error) Reason {
	switch {
	case errors.Is(err, ErrPasswordRequired):
		return ReasonPasswordRequired
	case errors.Is(err, ErrLimitExceeded):
		return ReasonTooLarge
	default:
		return ReasonCorrupt
	}
}

// budget tracks bytes written against Limits for a single pass over an archive.
type budget struct {
	limits Limits
	total  int64
}

func newBudget(limits Limits) *budget {
	return &budget{limits: limits}
}

// copyMember copies one member from r to w, enforcing the per-file and total limits.
func (b *budget) copyMember(w io.Writer, r io.Reader, name string) (int64, error) {
	limit := int64(-1)
	if b.limits.MaxFileSize > 0 {
		limit = b.limits.MaxFileSize
	}
	if b.limits.MaxTotal > 0 {
		remaining := b.limits.MaxTotal - b.total
		if limit < 0 || remaining < limit {
			limit = remaining
		}
	}
	if limit < 0 {
		n, err := io.Copy(w, r)
		b.total += n
		return n, err
	}
	// Read one byte past the limit to detect overflow.
	n, err := io.Copy(w, io.LimitReader(r, limit+1))
	b.total += n
	if err != nil {
		return n, err
	}
	if n > limit {
		return n, fmt.Errorf("member %s: %w", name, ErrLimitExceeded)
	}
	return n, nil
}

// safeJoin resolves a member name under destDir, rejecting names that escape it.
func safeJoin(destDir, name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	target := filepath.Join(destDir, filepath.FromSlash(name))
	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("member path %q escapes destination: %w", name, ErrCorrupt)
	}
	return target, nil
}

// writeMember creates (or truncates) target and copies r into it.
func writeMember(target string, r io.Reader, name string, b *budget) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", name, err)
	}
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	_, copyErr := b.copyMember(out, r, name)
	closeErr := out.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	return nil
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
