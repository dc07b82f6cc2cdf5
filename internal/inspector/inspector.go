// Package inspector summarises the dedup table with DuckDB's CSV reader.
package inspector

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	_ "github.com/marcboeker/go-duckdb"
)

// ChannelCount is the number of rows contributed by one channel.
type ChannelCount struct {
	Channel string
	Rows    int64
}

// Report summarises the table.
type Report struct {
	Path         string
	Rows         int64
	DistinctKeys int64
	// DuplicateKeys counts keys that appear on more than one row. It is zero for a healthy table.
	DuplicateKeys int64
	Channels      []ChannelCount
}

// tableSource renders a read_csv call over the table. The column list replaces the header
// so short rows are padded with NULL instead of aborting the scan.
func tableSource(path string) string {
	duckdbPath := strings.ReplaceAll(strings.ReplaceAll(path, `\`, `/`), "'", "''")
	return fmt.Sprintf(`read_csv('%s', header = true, null_padding = true, columns = {
        'channel_name': 'VARCHAR', 'file_name': 'VARCHAR',
        'line1': 'VARCHAR', 'line2': 'VARCHAR', 'line3': 'VARCHAR',
        'creation_time': 'VARCHAR'})`, duckdbPath)
}

// InspectTable computes a Report for the CSV table at path.
func InspectTable(ctx context.Context, conn *sql.DB, path string, logger *slog.Logger) (Report, error) {
	report := Report{Path: path}
	l := logger.With(slog.String("table", path))

	if info, err := os.Stat(path); err != nil {
		return report, fmt.Errorf("stat table %s: %w", path, err)
	} else if info.Size() == 0 {
		l.Info("Table is empty.")
		return report, nil
	}

	src := tableSource(path)
	statsSQL := fmt.Sprintf(`
        WITH t AS (
            SELECT coalesce(line1, '') AS l1, coalesce(line2, '') AS l2, coalesce(line3, '') AS l3
            FROM %s
        ),
        k AS (
            SELECT l1, l2, l3, COUNT(*) AS n FROM t GROUP BY l1, l2, l3
        )
        SELECT
            (SELECT COUNT(*) FROM t),
            (SELECT COUNT(*) FROM k),
            (SELECT COUNT(*) FROM k WHERE n > 1);
    `, src)
	l.Debug("Computing table statistics.")
	if err := conn.QueryRowContext(ctx, statsSQL).Scan(&report.Rows, &report.DistinctKeys, &report.DuplicateKeys); err != nil {
		return report, fmt.Errorf("failed to compute statistics for %s: %w", path, err)
	}

	channelSQL := fmt.Sprintf(`
        SELECT coalesce(channel_name, ''), COUNT(*) AS n
        FROM %s
        GROUP BY 1
        ORDER BY n DESC, 1;
    `, src)
	rows, err := conn.QueryContext(ctx, channelSQL)
	if err != nil {
		return report, fmt.Errorf("failed to count rows per channel: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c ChannelCount
		if err := rows.Scan(&c.Channel, &c.Rows); err != nil {
			return report, fmt.Errorf("failed to scan channel count: %w", err)
		}
		report.Channels = append(report.Channels, c)
	}
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("error iterating channel counts: %w", err)
	}

	if report.DuplicateKeys > 0 {
		l.Warn("Table contains duplicate keys.", slog.Int64("duplicate_keys", report.DuplicateKeys))
	}
	return report, nil
}

// Print writes the report in the same plain layout as the event history.
func (r Report) Print(w io.Writer) {
	fmt.Fprintf(w, "--- Table Summary: %s ---\n", r.Path)
	fmt.Fprintf(w, "%-20s %d\n", "Rows", r.Rows)
	fmt.Fprintf(w, "%-20s %d\n", "Distinct keys", r.DistinctKeys)
	fmt.Fprintf(w, "%-20s %d\n", "Duplicate keys", r.DuplicateKeys)
	if len(r.Channels) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%-40s | %s\n", "Channel", "Rows")
	fmt.Fprintln(w, strings.Repeat("-", 55))
	for _, c := range r.Channels {
		fmt.Fprintf(w, "%-40s | %d\n", c.Channel, c.Rows)
	}
}
