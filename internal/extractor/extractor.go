// Package extractor finds marker lines in text files and splits them into
// (service, identifier, secret) tuples.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"strings"

	"github.com/brensch/chansweep/internal/util"
)

// ErrDecode marks a file whose contents are not valid UTF-8. The whole file is skipped.
var ErrDecode = errors.New("file decode error")

// Tuple is one decomposed candidate line.
type Tuple struct {
	Field1 string
	Field2 string
	Field3 string
	// Line is the 1-based line number the tuple came from.
	Line int
}

// Extractor matches lines against a fixed marker set.
type Extractor struct {
	markers       []string
	caseSensitive bool
}

// New creates an Extractor. Empty markers are ignored.
func New(markers []string, caseSensitive bool) *Extractor {
	x := &Extractor{caseSensitive: caseSensitive}
	for _, m := range markers {
		if m == "" {
			continue
		}
		if !caseSensitive {
			m = strings.ToLower(m)
		}
		x.markers = append(x.markers, m)
	}
	return x
}

// Match reports whether line contains at least one marker.
func (x *Extractor) Match(line string) bool {
	if !x.caseSensitive {
		line = strings.ToLower(line)
	}
	for _, m := range x.markers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

// Decompose strips a leading http:// or https:// and splits the rest on ':'.
// Missing parts are empty; parts beyond the third are dropped.
func Decompose(line string) Tuple {
	rest := line
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(rest, prefix) {
			rest = rest[len(prefix):]
			break
		}
	}
	parts := strings.SplitN(rest, ":", 4)
	var t Tuple
	t.Field1 = parts[0]
	if len(parts) > 1 {
		t.Field2 = parts[1]
	}
	if len(parts) > 2 {
		t.Field3 = parts[2]
	}
	return t
}

// Tuples returns a lazy sequence over the candidate tuples of the file at path.
// Each range over the sequence reopens the file. A read or decode failure is yielded
// once as a non-nil error and ends the sequence.
func (x *Extractor) Tuples(ctx context.Context, path string) iter.Seq2[Tuple, error] {
	return func(yield func(Tuple, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(Tuple{}, fmt.Errorf("open %s: %w", path, err))
			return
		}
		defer f.Close()

		scanner := util.NewLineScanner(ctx, f)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || !x.Match(line) {
				continue
			}
			t := Decompose(line)
			t.Line = scanner.LineNumber()
			if !yield(t, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if errors.Is(err, util.ErrInvalidEncoding) {
				err = fmt.Errorf("%s: %v: %w", path, err, ErrDecode)
			} else {
				err = fmt.Errorf("scan %s: %w", path, err)
			}
			yield(Tuple{}, err)
		}
	}
}

// Extract collects all candidate tuples of one file. On any error no tuples are returned,
// so a file is either used in full or skipped in full.
func (x *Extractor) Extract(ctx context.Context, path string) ([]Tuple, error) {
	var out []Tuple
	for t, err := range x.Tuples(ctx, path) {
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
