package util

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// ErrInvalidEncoding is returned when a line is not valid UTF-8.
var ErrInvalidEncoding = errors.New("invalid utf-8")

const (
	scanBufferSize  = 64 * 1024
	maxScanLineSize = 1024 * 1024
	utf8BOM         = "\uFEFF"
)

// LineScanner wraps bufio.Scanner to yield whitespace-trimmed, UTF-8 validated lines.
type LineScanner struct {
	scanner    *bufio.Scanner
	context    context.Context
	lineNumber int
	line       string
	err        error
}

// NewLineScanner creates a new LineScanner. Scanning stops early when ctx is done.
func NewLineScanner(ctx context.Context, r io.Reader) *LineScanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scanBufferSize), maxScanLineSize)
	return &LineScanner{scanner: scanner, context: ctx}
}

// Scan advances to the next line. It returns false at EOF or on the first error.
func (ls *LineScanner) Scan() bool {
	if ls.err != nil {
		return false
	}
	select {
	case <-ls.context.Done():
		ls.err = ls.context.Err()
		return false
	default:
	}
	if !ls.scanner.Scan() {
		return false
	}
	ls.lineNumber++
	raw := ls.scanner.Text()
	if ls.lineNumber == 1 {
		raw = strings.TrimPrefix(raw, utf8BOM)
	}
	if !utf8.ValidString(raw) {
		ls.err = fmt.Errorf("line %d: %w", ls.lineNumber, ErrInvalidEncoding)
		return false
	}
	ls.line = strings.TrimSpace(raw)
	return true
}

// Text returns the current line with surrounding whitespace removed.
func (ls *LineScanner) Text() string {
	return ls.line
}

// LineNumber returns the 1-based number of the current line.
func (ls *LineScanner) LineNumber() int {
	return ls.lineNumber
}

// Err returns the first encoding, context, or read error.
func (ls *LineScanner) Err() error {
	if ls.err != nil {
		return ls.err
	}
	return ls.scanner.Err()
}
