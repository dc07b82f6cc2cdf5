package db

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb" // Driver
)

// Constants for event types
const (
	EventSweepStart       = "sweep_start"
	EventSweepEnd         = "sweep_end"
	EventAdmitted         = "admitted"
	EventRejected         = "rejected"
	EventTimestampInvalid = "timestamp_invalid"
	EventSkipExtension    = "skip_extension"
	EventDownloadStart    = "download_start"
	EventDownloadEnd      = "download_end"
	EventSkipDownload     = "skip_download"
	EventExpandEnd        = "expand_end"
	EventExpandFailed     = "expand_failed"
	EventScanEnd          = "scan_end"
	EventDecodeError      = "decode_error"
	EventAppend           = "append"
	EventTableWriteFailed = "table_write_failure"
	EventError            = "error"
)

// Constants for file types
const (
	FileTypeMessage = "message"
	FileTypeArchive = "archive"
	FileTypeText    = "text"
	FileTypeTable   = "table"
)

// Schema SQL
const schemaSequenceSQL = `CREATE SEQUENCE IF NOT EXISTS ingest_event_log_id_seq;`
const schemaTableSQL = `
CREATE TABLE IF NOT EXISTS ingest_event_log (
    log_id          BIGINT PRIMARY KEY DEFAULT nextval('ingest_event_log_id_seq'),
    run_id          VARCHAR NOT NULL,
    channel         VARCHAR,
    message_id      VARCHAR,
    filename        VARCHAR NOT NULL,      -- attachment, archive member or table path
    filetype        VARCHAR NOT NULL,      -- 'message', 'archive', 'text', 'table'
    event           VARCHAR NOT NULL,
    event_timestamp TIMESTAMP NOT NULL,
    output_path     VARCHAR,
    message         VARCHAR,
    content_hash    VARCHAR,               -- blake3 of the downloaded file
    duration_ms     BIGINT
);
CREATE INDEX IF NOT EXISTS idx_ingest_event_log_file ON ingest_event_log (filename, filetype);
CREATE INDEX IF NOT EXISTS idx_ingest_event_log_event_time ON ingest_event_log (event, event_timestamp);
CREATE INDEX IF NOT EXISTS idx_ingest_event_log_run ON ingest_event_log (run_id);
`

// Open opens (creating if needed) the DuckDB database at path and initializes the schema.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	conn, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb database (%s): %w", path, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping duckdb database (%s): %w", path, err)
	}
	if err := InitializeSchema(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// InitializeSchema creates the sequence and tables in the correct order.
func InitializeSchema(db *sql.DB) error {
	_, err := db.Exec(schemaSequenceSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute sequence setup: %w", err)
	}
	_, err = db.Exec(schemaTableSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute table/index setup: %w", err)
	}
	return nil
}

// Event is one row of the ingest event log. Empty strings are stored as NULL.
type Event struct {
	RunID       string
	Channel     string
	MessageID   string
	Filename    string
	FileType    string
	Event       string
	OutputPath  string
	Message     string
	ContentHash string
	Duration    *time.Duration
}

// LogEvent inserts a new event record into the log.
func LogEvent(ctx context.Context, db *sql.DB, ev Event) error {
	query := `
        INSERT INTO ingest_event_log (run_id, channel, message_id, filename, filetype, event, event_timestamp, output_path, message, content_hash, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
    `
	var durationMs sql.NullInt64
	if ev.Duration != nil {
		durationMs = sql.NullInt64{Int64: ev.Duration.Milliseconds(), Valid: true}
	}

	_, err := db.ExecContext(ctx, query,
		ev.RunID,
		nullString(ev.Channel),
		nullString(ev.MessageID),
		ev.Filename,
		ev.FileType,
		ev.Event,
		time.Now().UTC(),
		nullString(ev.OutputPath),
		nullString(ev.Message),
		nullString(ev.ContentHash),
		durationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to log event '%s' for '%s': %w", ev.Event, ev.Filename, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// RunSummary counts the events recorded for one run, keyed by event type.
func RunSummary(ctx context.Context, db *sql.DB, runID string) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT event, COUNT(*) FROM ingest_event_log WHERE run_id = ? GROUP BY event;`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarise run %s: %w", runID, err)
	}
	defer rows.Close()

	summary := make(map[string]int)
	for rows.Next() {
		var event string
		var count int
		if err := rows.Scan(&event, &count); err != nil {
			return nil, fmt.Errorf("failed to scan run summary row: %w", err)
		}
		summary[event] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run summary rows: %w", err)
	}
	return summary, nil
}

// HistoryFilter narrows DisplayEventHistory. Empty fields match everything.
type HistoryFilter struct {
	FileType string
	Event    string
	Channel  string
	RunID    string
}

// DisplayEventHistory queries the event log and writes it to w, newest first.
func DisplayEventHistory(ctx context.Context, db *sql.DB, w io.Writer, filter HistoryFilter, limit int) (int, error) {
	query := `
        SELECT channel, message_id, filename, filetype, event, event_timestamp, message, duration_ms, output_path
        FROM ingest_event_log
    `
	conditions := []string{}
	args := []any{}
	argCounter := 1

	for _, c := range []struct{ column, value string }{
		{"filetype", filter.FileType},
		{"event", filter.Event},
		{"channel", filter.Channel},
		{"run_id", filter.RunID},
	} {
		if c.value == "" {
			continue
		}
		conditions = append(conditions, fmt.Sprintf("%s = $%d", c.column, argCounter))
		args = append(args, c.value)
		argCounter++
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY event_timestamp DESC, log_id DESC LIMIT $%d", argCounter)
	args = append(args, limit)

	fmt.Fprintf(w, "--- Event Log History (Limit %d) ---\n", limit)
	fmt.Fprintf(w, "%-20s | %-10s | %-40s | %-8s | %-19s | %-25s | %-10s | %s\n", "Channel", "Message", "Filename", "Type", "Event", "Timestamp (UTC)", "DurationMS", "Message/Details")
	fmt.Fprintln(w, strings.Repeat("-", 170))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to query event log: %w \n Query: %s \n Args: %v", err, query, args)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var filename, filetype, event string
		var timestamp time.Time
		var channel, messageID, message, outputPath sql.NullString
		var durationMs sql.NullInt64
		if err := rows.Scan(&channel, &messageID, &filename, &filetype, &event, &timestamp, &message, &durationMs, &outputPath); err != nil {
			return count, fmt.Errorf("failed to scan event log row: %w", err)
		}

		durationStr := ""
		if durationMs.Valid {
			durationStr = fmt.Sprintf("%d", durationMs.Int64)
		}
		details := message.String
		if outputPath.Valid && outputPath.String != "" {
			details += fmt.Sprintf(" (Output: %s)", filepath.Base(outputPath.String))
		}

		fmt.Fprintf(w, "%-20s | %-10s | %-40s | %-8s | %-19s | %-25s | %-10s | %s\n",
			channel.String, messageID.String, filepath.Base(filename), filetype, event, timestamp.Format(time.RFC3339), durationStr, details)
		count++
	}
	if err = rows.Err(); err != nil {
		return count, fmt.Errorf("error iterating event log rows: %w", err)
	}
	fmt.Fprintf(w, "Displayed %d records.\n", count)
	return count, nil
}
