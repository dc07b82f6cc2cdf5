package inspector

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/brensch/chansweep/internal/dedup"
)

func TestInspectTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output.csv")
	table := dedup.NewTable(path)
	rows := []dedup.Record{
		{ChannelName: "alpha", SourceFileName: "a.txt", Field1: "naver.com", Field2: "u1", Field3: "p1", ObservedAt: "2025-01-01 00:00:00"},
		{ChannelName: "alpha", SourceFileName: "a.txt", Field1: "naver.com", Field2: "u2", Field3: "", ObservedAt: "2025-01-01 00:00:00"},
		{ChannelName: "beta, quoted", SourceFileName: "b.txt", Field1: "test.com", Field2: "u3", Field3: "p3", ObservedAt: "2025-01-02 00:00:00"},
	}
	if err := table.Append(rows); err != nil {
		t.Fatal(err)
	}

	conn, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	report, err := InspectTable(context.Background(), conn, path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("InspectTable: %v", err)
	}
	if report.Rows != 3 || report.DistinctKeys != 3 || report.DuplicateKeys != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if len(report.Channels) != 2 || report.Channels[0].Channel != "alpha" || report.Channels[0].Rows != 2 {
		t.Errorf("unexpected channel counts %+v", report.Channels)
	}

	var buf bytes.Buffer
	report.Print(&buf)
	if !strings.Contains(buf.String(), "beta, quoted") {
		t.Errorf("printed report missing channel:\n%s", buf.String())
	}
}

func TestInspectTableFindsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output.csv")
	content := strings.Join(dedup.Header, ",") + "\n" +
		"a,f.txt,naver.com,u,p,2025-01-01 00:00:00\n" +
		"b,g.txt,naver.com,u,p,2025-01-01 00:00:00\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	conn, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	report, err := InspectTable(context.Background(), conn, path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("InspectTable: %v", err)
	}
	if report.Rows != 2 || report.DistinctKeys != 1 || report.DuplicateKeys != 1 {
		t.Errorf("unexpected report %+v", report)
	}
}
