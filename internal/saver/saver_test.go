package saver

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/brensch/chansweep/internal/dedup"
)

func TestExportTable(t *testing.T) {
	dir := t.TempDir()
	tablePath := filepath.Join(dir, "output.csv")
	if err := dedup.NewTable(tablePath).Append([]dedup.Record{
		{ChannelName: "alpha", SourceFileName: "a.txt", Field1: "naver.com", Field2: "u1", Field3: "p1", ObservedAt: "2025-01-01 00:00:00"},
		{ChannelName: "alpha", SourceFileName: "a.txt", Field1: "test.com", Field2: "u2", ObservedAt: "2025-01-01 00:00:00"},
	}); err != nil {
		t.Fatal(err)
	}

	outPath := filepath.Join(dir, "export", "table.parquet")
	n, err := ExportTable(context.Background(), tablePath, outPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("ExportTable: %v", err)
	}
	if n != 2 {
		t.Errorf("rows written = %d, want 2", n)
	}
	if _, err := os.Stat(outPath + ".part"); !os.IsNotExist(err) {
		t.Errorf("temporary file left behind")
	}

	fr, err := local.NewLocalFileReader(outPath)
	if err != nil {
		t.Fatalf("open parquet: %v", err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, nil, 1)
	if err != nil {
		t.Fatalf("read parquet: %v", err)
	}
	defer pr.ReadStop()
	if got := pr.GetNumRows(); got != 2 {
		t.Errorf("parquet rows = %d, want 2", got)
	}
}

func TestExportMissingTable(t *testing.T) {
	dir := t.TempDir()
	_, err := ExportTable(context.Background(), filepath.Join(dir, "missing.csv"), filepath.Join(dir, "out.parquet"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("expected an error for a missing table")
	}
	if _, statErr := os.Stat(filepath.Join(dir, "out.parquet")); !os.IsNotExist(statErr) {
		t.Error("no output should be created")
	}
}
