package orchestrator

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/klauspost/compress/zip"

	"github.com/brensch/chansweep/internal/config"
	"github.com/brensch/chansweep/internal/db"
	"github.com/brensch/chansweep/internal/dedup"
	"github.com/brensch/chansweep/internal/source"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeProvider struct {
	channels     []source.Channel
	messages     map[string][]source.Message
	content      map[string][]byte
	failMessages map[string]error
	failDownload map[string]bool
	downloads    []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		messages:     make(map[string][]source.Message),
		content:      make(map[string][]byte),
		failMessages: make(map[string]error),
		failDownload: make(map[string]bool),
	}
}

// post adds a message carrying an attachment authored age before testNow.
func (f *fakeProvider) post(channel, id, name string, age time.Duration, body []byte) {
	if _, ok := f.messages[channel]; !ok {
		f.channels = append(f.channels, source.Channel{ID: channel, Title: channel})
	}
	ref := channel + "/" + id
	f.content[ref] = body
	f.messages[channel] = append(f.messages[channel], source.Message{
		ID:         id,
		AuthoredAt: testNow.Add(-age),
		File:       &source.Attachment{Name: name, Size: int64(len(body)), Ref: ref},
	})
}

func (f *fakeProvider) Channels(ctx context.Context) ([]source.Channel, error) {
	return f.channels, nil
}

func (f *fakeProvider) Messages(ctx context.Context, ch source.Channel) ([]source.Message, error) {
	if err := f.failMessages[ch.ID]; err != nil {
		return nil, err
	}
	return f.messages[ch.ID], nil
}

func (f *fakeProvider) Download(ctx context.Context, ch source.Channel, msg source.Message, destPath string) error {
	f.downloads = append(f.downloads, msg.File.Ref)
	if f.failDownload[msg.File.Ref] {
		// Leave a fragment behind like an interrupted transfer would.
		os.WriteFile(destPath, []byte("partial"), 0o644)
		return errors.New("connection reset")
	}
	_, err := source.WriteFile(destPath, bytes.NewReader(f.content[msg.File.Ref]))
	return err
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.StorageRoot = t.TempDir()
	cfg.TimeZone = "Asia/Seoul"
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg config.Config, p source.Provider, logs io.Writer, opts ...Option) *Orchestrator {
	t.Helper()
	if logs == nil {
		logs = io.Discard
	}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	o, err := New(cfg, p, logger, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func readTable(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("open table: %v", err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatalf("read table: %v", err)
	}
	return rows
}

func zipBytes(t *testing.T, encrypted bool, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
		if encrypted {
			hdr.Flags |= 0x1
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(w, body)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestSweepAppendsAndIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	p := newFakeProvider()
	p.post("drops", "1", "dump.txt", time.Hour, []byte(
		"https://naver.com:user1:pass1\n"+
			"unrelated.org:a:b\n"+
			"test.com:user2\n"+
			"https://naver.com:user1:pass1\n"))
	o := newTestOrchestrator(t, cfg, p, nil)

	sum, err := o.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if sum.RowsAppended != 2 || sum.Duplicates != 1 || sum.Downloaded != 1 {
		t.Errorf("unexpected first summary %+v", sum)
	}

	rows := readTable(t, cfg.TableLocation)
	want := [][]string{
		dedup.Header,
		{"drops", "20250601_200000_dump.txt", "naver.com", "user1", "pass1", "2025-06-01 20:00:00"},
		{"drops", "20250601_200000_dump.txt", "test.com", "user2", "", "2025-06-01 20:00:00"},
	}
	if fmt.Sprint(rows) != fmt.Sprint(want) {
		t.Fatalf("table = %v\nwant    %v", rows, want)
	}
	before, _ := os.ReadFile(cfg.TableLocation)

	sum, err = o.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if sum.RowsAppended != 0 || sum.Downloaded != 0 {
		t.Errorf("second sweep should add nothing, got %+v", sum)
	}
	if len(p.downloads) != 1 {
		t.Errorf("existing file should not be downloaded again, downloads %v", p.downloads)
	}
	after, _ := os.ReadFile(cfg.TableLocation)
	if !bytes.Equal(before, after) {
		t.Errorf("table changed on an idempotent rerun:\n%s\n---\n%s", before, after)
	}
}

func TestSweepAcceptanceWindow(t *testing.T) {
	cfg := testConfig(t)
	p := newFakeProvider()
	p.post("drops", "edge", "edge.txt", 24*time.Hour, []byte("naver.com:edge:1\n"))
	p.post("drops", "stale", "stale.txt", 24*time.Hour+time.Second, []byte("naver.com:stale:1\n"))
	p.messages["drops"] = append(p.messages["drops"], source.Message{ID: "undated", File: &source.Attachment{Name: "undated.txt", Ref: "drops/undated"}})

	sum, err := newTestOrchestrator(t, cfg, p, nil).RunSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Accepted != 1 || sum.Rejected != 1 || sum.InvalidTimestamps != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if len(p.downloads) != 1 || p.downloads[0] != "drops/edge" {
		t.Errorf("only the message exactly at the window edge should download, got %v", p.downloads)
	}
	rows := readTable(t, cfg.TableLocation)
	if len(rows) != 2 || rows[1][3] != "edge" {
		t.Errorf("unexpected table %v", rows)
	}
}

func TestSweepArchiveFaultIsolation(t *testing.T) {
	cfg := testConfig(t)
	p := newFakeProvider()
	p.post("drops", "1", "broken.zip", 3*time.Hour, []byte("not a zip at all"))
	p.post("drops", "2", "locked.zip", 2*time.Hour, zipBytes(t, true, map[string]string{"secret.txt": "naver.com:hidden:1\n"}))
	p.post("drops", "3", "good.zip", time.Hour, zipBytes(t, false, map[string]string{"inner/list.txt": "test1.com:zipped:pw\n"}))
	p.post("drops", "4", "plain.txt", 30*time.Minute, []byte("naver.com:plain:pw\n"))

	var logs bytes.Buffer
	sum, err := newTestOrchestrator(t, cfg, p, &logs).RunSweep(context.Background())
	if err != nil {
		t.Fatalf("archive failures must not fail the sweep: %v", err)
	}
	if sum.ArchiveFailures != 2 {
		t.Errorf("expected 2 archive failures, got %+v", sum)
	}

	rows := readTable(t, cfg.TableLocation)
	got := map[string]string{}
	for _, r := range rows[1:] {
		got[r[3]] = r[1]
	}
	if got["zipped"] != "list.txt" || got["plain"] == "" {
		t.Errorf("expected rows from the good archive and plain file, got %v", rows)
	}
	if _, ok := got["hidden"]; ok {
		t.Error("password protected archive must not be expanded")
	}
	chDir := filepath.Join(cfg.StorageRoot, "drops")
	if _, err := os.Stat(filepath.Join(chDir, "20250601_190000_locked")); !os.IsNotExist(err) {
		t.Errorf("no expansion directory expected for an encrypted archive")
	}
	if _, err := os.Stat(filepath.Join(chDir, "20250601_180000_broken.zip")); err != nil {
		t.Errorf("corrupt archive should be retained: %v", err)
	}
	if !strings.Contains(logs.String(), "reason=password_required") || !strings.Contains(logs.String(), "reason=corrupt") {
		t.Errorf("archive failures not logged with reasons:\n%s", logs.String())
	}
	if !strings.Contains(logs.String(), `msg="Extracted line."`) || !strings.Contains(logs.String(), "line=1") {
		t.Errorf("extracted lines not logged with their line numbers:\n%s", logs.String())
	}
}

func TestSweepCorruptArchiveLeavesNothingToScan(t *testing.T) {
	cfg := testConfig(t)
	p := newFakeProvider()
	p.post("drops", "1", "slip.zip", 2*time.Hour, zipBytes(t, false, map[string]string{
		"good.txt": "naver.com:fromcorrupt:pw\n",
		"../evil/": "",
	}))
	p.post("drops", "2", "plain.txt", time.Hour, []byte("naver.com:plain:pw\n"))
	o := newTestOrchestrator(t, cfg, p, nil)

	for i := 0; i < 2; i++ {
		sum, err := o.RunSweep(context.Background())
		if err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
		if sum.ArchiveFailures != 1 {
			t.Errorf("sweep %d: expected the archive to fail every time, got %+v", i, sum)
		}
	}

	for _, r := range readTable(t, cfg.TableLocation)[1:] {
		if r[3] == "fromcorrupt" {
			t.Errorf("row from a corrupt archive reached the table: %v", r)
		}
	}
	chDir := filepath.Join(cfg.StorageRoot, "drops")
	if _, err := os.Stat(filepath.Join(chDir, "20250601_190000_slip")); !os.IsNotExist(err) {
		t.Errorf("corrupt archive must leave no expansion directory")
	}
	if _, err := os.Stat(filepath.Join(cfg.StorageRoot, "evil")); !os.IsNotExist(err) {
		t.Errorf("directory entry escaped the channel directory")
	}
}

func TestSweepRescanModes(t *testing.T) {
	for _, mode := range []string{config.RescanFull, config.RescanNew} {
		t.Run(mode, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.RescanMode = mode
			chDir := filepath.Join(cfg.StorageRoot, "drops")
			if err := os.MkdirAll(chDir, 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(filepath.Join(chDir, "older.txt"), []byte("naver.com:older:1\n"), 0o644); err != nil {
				t.Fatal(err)
			}
			p := newFakeProvider()
			p.post("drops", "1", "new.txt", time.Hour, []byte("naver.com:new:1\n"))

			if _, err := newTestOrchestrator(t, cfg, p, nil).RunSweep(context.Background()); err != nil {
				t.Fatal(err)
			}
			rows := readTable(t, cfg.TableLocation)
			var keys []string
			for _, r := range rows[1:] {
				keys = append(keys, r[3])
			}
			want := "new"
			if mode == config.RescanFull {
				// Lexical walk order: "20250601_..." sorts before "older.txt".
				want = "new,older"
			}
			if strings.Join(keys, ",") != want {
				t.Errorf("rows = %v, want %s", keys, want)
			}
		})
	}
}

func TestSweepDownloadFailure(t *testing.T) {
	cfg := testConfig(t)
	p := newFakeProvider()
	p.post("drops", "1", "flaky.txt", 2*time.Hour, []byte("naver.com:lost:1\n"))
	p.post("drops", "2", "fine.txt", time.Hour, []byte("naver.com:kept:1\n"))
	p.failDownload["drops/1"] = true

	var logs bytes.Buffer
	sum, err := newTestOrchestrator(t, cfg, p, &logs).RunSweep(context.Background())
	if err != nil {
		t.Fatalf("download failures must not fail the sweep: %v", err)
	}
	if sum.DownloadFailures != 1 || sum.Downloaded != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
	entries, _ := os.ReadDir(filepath.Join(cfg.StorageRoot, "drops"))
	for _, e := range entries {
		if strings.Contains(e.Name(), "flaky") {
			t.Errorf("failed download left %s behind", e.Name())
		}
	}
	if !strings.Contains(logs.String(), "Download failed") || !strings.Contains(logs.String(), "message_id=1") {
		t.Errorf("download failure not logged with message id:\n%s", logs.String())
	}
	rows := readTable(t, cfg.TableLocation)
	if len(rows) != 2 || rows[1][3] != "kept" {
		t.Errorf("unexpected table %v", rows)
	}
}

func TestSweepChannelFailureIsContained(t *testing.T) {
	cfg := testConfig(t)
	p := newFakeProvider()
	p.post("broken", "1", "a.txt", time.Hour, []byte("naver.com:x:1\n"))
	p.post("healthy", "1", "b.txt", time.Hour, []byte("naver.com:y:1\n"))
	p.failMessages["broken"] = errors.New("history unavailable")

	sum, err := newTestOrchestrator(t, cfg, p, nil).RunSweep(context.Background())
	if err != nil {
		t.Fatalf("channel failures must not fail the sweep: %v", err)
	}
	if sum.ChannelFailures != 1 || sum.Channels != 2 || sum.RowsAppended != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
}

func TestSweepTableWriteFailure(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(cfg.StorageRoot, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.TableLocation = filepath.Join(blocker, "output.csv")

	p := newFakeProvider()
	p.post("drops", "1", "a.txt", 2*time.Hour, []byte("naver.com:a:1\n"))
	p.post("drops", "2", "b.txt", time.Hour, []byte("naver.com:b:1\n"))

	sum, err := newTestOrchestrator(t, cfg, p, nil).RunSweep(context.Background())
	if !errors.Is(err, dedup.ErrTableWrite) {
		t.Fatalf("expected ErrTableWrite from the sweep, got %v", err)
	}
	if sum.TableWriteFailures != 2 || sum.Downloaded != 2 {
		t.Errorf("every message should still be processed, got %+v", sum)
	}
}

func TestSweepSkipsUnsupportedAndNamelessAttachments(t *testing.T) {
	cfg := testConfig(t)
	p := newFakeProvider()
	p.post("drops", "1", "report.pdf", time.Hour, []byte("naver.com:pdf:1\n"))
	p.post("drops", "42", "", time.Hour, []byte("naver.com:nameless:1\n"))
	p.messages["drops"] = append(p.messages["drops"], source.Message{ID: "43", AuthoredAt: testNow})

	sum, err := newTestOrchestrator(t, cfg, p, nil).RunSweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(p.downloads) != 1 || p.downloads[0] != "drops/42" {
		t.Errorf("only the nameless attachment should download, got %v", p.downloads)
	}
	if _, err := os.Stat(filepath.Join(cfg.StorageRoot, "drops", "20250601_200000_42.txt")); err != nil {
		t.Errorf("nameless attachment not stored as <id>.txt: %v", err)
	}
	if sum.RowsAppended != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
}

func TestSweepDecodeErrorSkipsFile(t *testing.T) {
	cfg := testConfig(t)
	p := newFakeProvider()
	p.post("drops", "1", "bad.txt", 2*time.Hour, []byte("naver.com:bad:1\n\xff\xfe\n"))
	p.post("drops", "2", "good.txt", time.Hour, []byte("naver.com:good:1\n"))

	cfg.RescanMode = config.RescanNew
	sum, err := newTestOrchestrator(t, cfg, p, nil).RunSweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.DecodeErrors != 1 {
		t.Errorf("expected one decode error, got %+v", sum)
	}
	rows := readTable(t, cfg.TableLocation)
	if len(rows) != 2 || rows[1][3] != "good" {
		t.Errorf("no tuple from an undecodable file may be recorded, got %v", rows)
	}
}

func TestSweepRecordsEvents(t *testing.T) {
	cfg := testConfig(t)
	conn, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "events.duckdb"))
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	defer conn.Close()

	p := newFakeProvider()
	p.post("drops", "1", "a.txt", time.Hour, []byte("naver.com:a:1\n"))
	p.post("drops", "2", "b.txt", 48*time.Hour, []byte("naver.com:b:1\n"))

	sum, err := newTestOrchestrator(t, cfg, p, nil, WithEventLog(conn)).RunSweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	counts, err := db.RunSummary(context.Background(), conn, sum.RunID)
	if err != nil {
		t.Fatal(err)
	}
	for event, want := range map[string]int{
		db.EventSweepStart:  1,
		db.EventAdmitted:    1,
		db.EventRejected:    1,
		db.EventDownloadEnd: 1,
		db.EventAppend:      1,
		db.EventSweepEnd:    1,
	} {
		if counts[event] != want {
			t.Errorf("event %s count = %d, want %d (all: %v)", event, counts[event], want, counts)
		}
	}
}
