// Package saver exports the dedup table to Parquet.
package saver

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// Columns are the Parquet column names, in table order.
var Columns = []string{"channel_name", "file_name", "line1", "line2", "line3", "creation_time"}

func schema() []string {
	meta := make([]string, len(Columns))
	for i, c := range Columns {
		meta[i] = fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY", c)
	}
	return meta
}

// ExportTable converts the CSV table at tablePath into a Snappy-compressed Parquet file at
// outPath. Rows narrower than the table are padded with empty strings. The file is written
// next to outPath first and renamed when complete. It returns the number of rows written.
func ExportTable(ctx context.Context, tablePath, outPath string, logger *slog.Logger) (int64, error) {
	l := logger.With(slog.String("table", tablePath), slog.String("output_path", outPath))
	start := time.Now()

	in, err := os.Open(tablePath)
	if err != nil {
		return 0, fmt.Errorf("open table %s: %w", tablePath, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}
	tmpPath := outPath + ".part"
	fw, err := local.NewLocalFileWriter(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("create parquet: %w", err)
	}
	pw, err := writer.NewCSVWriter(schema(), fw, 4)
	if err != nil {
		fw.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("init writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	n, writeErr := copyRows(ctx, csv.NewReader(bufio.NewReader(in)), pw)
	stopErr := pw.WriteStop()
	closeErr := fw.Close()
	if err := errors.Join(writeErr, stopErr, closeErr); err != nil {
		os.Remove(tmpPath)
		return n, fmt.Errorf("export %s: %w", tablePath, err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return n, fmt.Errorf("move parquet into place: %w", err)
	}
	l.Info("Exported table to Parquet.", slog.Int64("rows", n), slog.Duration("duration", time.Since(start).Round(time.Millisecond)))
	return n, nil
}

func copyRows(ctx context.Context, r *csv.Reader, pw *writer.CSVWriter) (int64, error) {
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var n int64
	header := true
	for {
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return n, err
			}
		}
		rec, err := r.Read()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("read row %d: %w", n+1, err)
		}
		if header {
			header = false
			continue
		}
		values := make([]*string, len(Columns))
		for i := range values {
			v := ""
			if i < len(rec) {
				v = rec[i]
			}
			values[i] = &v
		}
		if err := pw.WriteString(values); err != nil {
			return n, fmt.Errorf("write row %d: %w", n+1, err)
		}
		n++
	}
}
