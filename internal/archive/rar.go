package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nwaples/rardecode/v2"
)

type rarFormat struct{}

func isEncryptedErr(err error) bool {
	return errors.Is(err, rardecode.ErrArchiveEncrypted) || errors.Is(err, rardecode.ErrArchivedFileEncrypted)
}

func isLimit(err error) bool {
	return errors.Is(err, ErrLimitExceeded)
}

// rarError maps a rardecode failure onto the package sentinels.
func rarError(stage, name string, err error) error {
	if isEncryptedErr(err) {
		return fmt.Errorf("%s %s: %v: %w", stage, name, err, ErrPasswordRequired)
	}
	if isLimit(err) {
		return err
	}
	return fmt.Errorf("%s %s: %v: %w", stage, name, err, ErrCorrupt)
}

// walkRar opens the archive and calls fn for every member header with the reader positioned
// at that member's data.
func walkRar(ctx context.Context, path string, fn func(hdr *rardecode.FileHeader, r io.Reader) error) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	rc, err := rardecode.OpenReader(path)
	if err != nil {
		return rarError("open", path, err)
	}
	defer rc.Close()

	for {
		if err := checkContext(ctx); err != nil {
			return err
		}
		hdr, err := rc.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return rarError("read header in", path, err)
		}
		if hdr.Encrypted || hdr.HeaderEncrypted {
			return fmt.Errorf("member %s: %w", hdr.Name, ErrPasswordRequired)
		}
		if err := fn(hdr, rc); err != nil {
			return err
		}
	}
}

func (rarFormat) test(ctx context.Context, path string, b *budget) error {
	return walkRar(ctx, path, func(hdr *rardecode.FileHeader, r io.Reader) error {
		if _, err := safeJoin(os.TempDir(), hdr.Name); err != nil {
			return err
		}
		if hdr.IsDir {
			return nil
		}
		if _, err := b.copyMember(io.Discard, r, hdr.Name); err != nil {
			return rarError("verify member", hdr.Name, err)
		}
		return nil
	})
}

func (rarFormat) extract(ctx context.Context, path, destDir string, b *budget) ([]string, error) {
	var written []string
	err := walkRar(ctx, path, func(hdr *rardecode.FileHeader, r io.Reader) error {
		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}
		if hdr.IsDir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
			return nil
		}
		if err := writeMember(target, r, hdr.Name, b); err != nil {
			return err
		}
		written = append(written, target)
		return nil
	})
	return written, err
}
