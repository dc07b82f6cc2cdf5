// Package dedup persists extracted records to an append-only CSV table in which every
// (Line1, Line2, Line3) key appears at most once.
package dedup

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrTableWrite wraps every failure to create or append to the table.
var ErrTableWrite = errors.New("table write failure")

// Header is the fixed first row of the table.
var Header = []string{"Channel Name", "File Name", "Line1", "Line2", "Line3", "Creation Time"}

// minKeyedFields is the smallest row width that still carries all three key columns
// (Line3 is the fifth column).
const minKeyedFields = 5

// Key is the uniqueness key of a record.
type Key struct {
	Field1 string
	Field2 string
	Field3 string
}

// Record is one row of the table.
type Record struct {
	ChannelName    string
	SourceFileName string
	Field1         string
	Field2         string
	Field3         string
	ObservedAt     string
}

// Key returns the record's uniqueness key.
func (r Record) Key() Key {
	return Key{Field1: r.Field1, Field2: r.Field2, Field3: r.Field3}
}

func (r Record) row() []string {
	return []string{r.ChannelName, r.SourceFileName, r.Field1, r.Field2, r.Field3, r.ObservedAt}
}

// KeySet is the in-memory set of keys already present in (or about to be written to) the table.
type KeySet map[Key]struct{}

// Has reports whether k is in the set.
func (s KeySet) Has(k Key) bool {
	_, ok := s[k]
	return ok
}

// Add inserts k and reports whether it was newly added.
func (s KeySet) Add(k Key) bool {
	if _, ok := s[k]; ok {
		return false
	}
	s[k] = struct{}{}
	return true
}

// Filter returns the records whose keys are not yet in the set, in input order, and adds
// their keys so later duplicates within the same batch are dropped too.
func (s KeySet) Filter(records []Record) (fresh []Record, duplicates int) {
	for _, rec := range records {
		if s.Add(rec.Key()) {
			fresh = append(fresh, rec)
		} else {
			duplicates++
		}
	}
	return fresh, duplicates
}

// Table is the persisted append-only dedup table at Path.
type Table struct {
	Path string
}

// NewTable returns a Table stored at path. Nothing is touched on disk.
func NewTable(path string) *Table {
	return &Table{Path: path}
}

// LoadKeys reads every row after the header and returns the set of keys present.
// A table that does not exist yet yields an empty set. Rows narrower than five
// fields are ignored.
func (t *Table) LoadKeys() (KeySet, error) {
	keys := make(KeySet)
	f, err := os.Open(t.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return keys, nil
		}
		return nil, fmt.Errorf("open table %s: %w", t.Path, err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header := true
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read table %s: %w", t.Path, err)
		}
		if header {
			header = false
			continue
		}
		if len(row) < minKeyedFields {
			continue
		}
		keys.Add(Key{Field1: row[2], Field2: row[3], Field3: row[4]})
	}
	return keys, nil
}

// Append writes rows in order after the existing content, creating the table with its
// header first if it does not exist. An empty rows slice is a no-op. Uniqueness is not
// re-checked here. On failure rows already flushed stay in the table.
func (t *Table) Append(rows []Record) error {
	if len(rows) == 0 {
		return nil
	}

	created := false
	info, err := os.Stat(t.Path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(filepath.Dir(t.Path), 0o755); err != nil {
			return fmt.Errorf("create table dir for %s: %v: %w", t.Path, err, ErrTableWrite)
		}
		created = true
	case err != nil:
		return fmt.Errorf("stat table %s: %v: %w", t.Path, err, ErrTableWrite)
	case info.Size() == 0:
		created = true
	}

	f, err := os.OpenFile(t.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open table %s for append: %v: %w", t.Path, err, ErrTableWrite)
	}

	writeErr := t.write(f, rows, created)
	closeErr := f.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		return fmt.Errorf("append to table %s: %v: %w", t.Path, err, ErrTableWrite)
	}
	return nil
}

func (t *Table) write(f *os.File, rows []Record, created bool) error {
	if !created {
		repair, err := tornTail(t.Path)
		if err != nil {
			return err
		}
		if repair != "" {
			// Terminate a partial last row from an interrupted write so the next row starts clean.
			if _, err := f.WriteString(repair); err != nil {
				return err
			}
		}
	}

	w := csv.NewWriter(f)
	w.UseCRLF = true
	if created {
		if err := w.Write(Header); err != nil {
			return err
		}
	}
	for _, rec := range rows {
		if err := w.Write(rec.row()); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// tornTail returns what must be written to close a row cut short by an interrupted
// write: a closing quote when the file ends inside a quoted field, then a newline.
// It returns "" for a table that ends cleanly.
func tornTail(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	// Every quote the writer emits is paired, so an odd count means an open field.
	var quotes int
	var last byte
	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			quotes += bytes.Count(buf[:n], []byte{'"'})
			last = buf[n-1]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}

	switch {
	case quotes%2 == 1:
		return "\"\n", nil
	case last != 0 && last != '\n':
		return "\n", nil
	default:
		return "", nil
	}
}
