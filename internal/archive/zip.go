package archive

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zip"
)

// zipEncryptedFlag is bit 0 of the general purpose flags: the member is encrypted.
const zipEncryptedFlag = 0x1

type zipFormat struct{}

func openZip(path string) (*zip.Reader, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat %s: %w", path, err)
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("read zip directory of %s: %v: %w", path, err, ErrCorrupt)
	}
	return zr, f, nil
}

func (zipFormat) test(ctx context.Context, path string, b *budget) error {
	zr, f, err := openZip(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, member := range zr.File {
		if member.Flags&zipEncryptedFlag != 0 {
			return fmt.Errorf("member %s: %w", member.Name, ErrPasswordRequired)
		}
	}
	for _, member := range zr.File {
		if err := checkContext(ctx); err != nil {
			return err
		}
		if _, err := safeJoin(os.TempDir(), member.Name); err != nil {
			return err
		}
		if member.FileInfo().IsDir() {
			continue
		}
		rc, err := member.Open()
		if err != nil {
			return fmt.Errorf("open member %s: %v: %w", member.Name, err, ErrCorrupt)
		}
		_, copyErr := b.copyMember(io.Discard, rc, member.Name)
		rc.Close()
		if copyErr != nil {
			if isLimit(copyErr) {
				return copyErr
			}
			return fmt.Errorf("verify member %s: %v: %w", member.Name, copyErr, ErrCorrupt)
		}
	}
	return nil
}

func (zipFormat) extract(ctx context.Context, path, destDir string, b *budget) ([]string, error) {
	zr, f, err := openZip(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var written []string
	for _, member := range zr.File {
		if err := checkContext(ctx); err != nil {
			return written, err
		}
		target, err := safeJoin(destDir, member.Name)
		if err != nil {
			return written, err
		}
		if member.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return written, fmt.Errorf("create dir %s: %w", target, err)
			}
			continue
		}
		rc, err := member.Open()
		if err != nil {
			return written, fmt.Errorf("open member %s: %v: %w", member.Name, err, ErrCorrupt)
		}
		err = writeMember(target, rc, member.Name, b)
		rc.Close()
		if err != nil {
			return written, err
		}
		written = append(written, target)
	}
	return written, nil
}
