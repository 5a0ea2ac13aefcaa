package report

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func sampleRecord(tm time.Duration) *Record {
	return &Record{
		Time:    tm,
		TimeSec: int64(tm / time.Second),
		Nodes: []NodeRecord{
			{ID: "J1", Head: 43.5, Pressure: 43.5, Demand: 10},
			{ID: "T1", Head: 10.2, Level: 10.2},
		},
		Links: []LinkRecord{
			{ID: "P1", Flow: 50.1, Status: "open"},
			{ID: "PU1", Flow: 50.1, Status: "open", Setting: 1},
		},
		Iterations: 5,
		RelError:   0.0004,
	}
}

func TestStorageWritesBothFormats(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStorage(dir, "both", 10)
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}

	if err := s.WriteRecord(sampleRecord(time.Hour)); err != nil {
		t.Fatalf("write record: %v", err)
	}
	if err := s.WriteEvent(&Event{TimeSec: 3600, Kind: EventOverflow, Element: "T1", Detail: "level clamped"}); err != nil {
		t.Fatalf("write event: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// JSONL: one record line and one event line
	jf, err := os.Open(filepath.Join(dir, "report.jsonl"))
	if err != nil {
		t.Fatalf("open jsonl: %v", err)
	}
	defer jf.Close()
	var lines []string
	sc := bufio.NewScanner(jf)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("jsonl lines = %d, want 2", len(lines))
	}
	var rec Record
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.TimeSec != 3600 || len(rec.Nodes) != 2 || rec.Nodes[0].ID != "J1" {
		t.Fatalf("record round trip = %+v", rec)
	}
	if !strings.Contains(lines[1], `"event"`) || !strings.Contains(lines[1], EventOverflow) {
		t.Fatalf("event line = %s", lines[1])
	}

	// CSV: header + 2 node rows + 2 link rows + 1 event row
	cf, err := os.Open(filepath.Join(dir, "report.csv"))
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer cf.Close()
	rows, err := csv.NewReader(cf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("csv rows = %d, want 6", len(rows))
	}
	if rows[0][0] != "time_s" {
		t.Fatalf("csv header = %v", rows[0])
	}
	if rows[1][1] != "node" || rows[1][2] != "J1" {
		t.Fatalf("first node row = %v", rows[1])
	}
	if rows[5][1] != "event" || rows[5][8] != EventOverflow {
		t.Fatalf("event row = %v", rows[5])
	}
}

func TestStorageCSVOnly(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStorage(dir, "csv", 10)
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	if err := s.WriteRecord(sampleRecord(time.Hour)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "report.jsonl")); !os.IsNotExist(err) {
		t.Fatal("jsonl file should not exist for csv-only storage")
	}
	if _, err := os.Stat(filepath.Join(dir, "report.csv")); err != nil {
		t.Fatalf("csv file missing: %v", err)
	}
}

func TestStorageRejectsUnknownType(t *testing.T) {
	if _, err := NewStorage(t.TempDir(), "xml", 10); err == nil {
		t.Fatal("expected error for unsupported file type")
	}
}

func TestMultiSinkFanOut(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	s1, err := NewStorage(dir1, "jsonl", 10)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := NewStorage(dir2, "jsonl", 10)
	if err != nil {
		t.Fatal(err)
	}
	multi := MultiSink{s1, s2}
	if err := multi.WriteRecord(sampleRecord(time.Hour)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := multi.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, dir := range []string{dir1, dir2} {
		b, err := os.ReadFile(filepath.Join(dir, "report.jsonl"))
		if err != nil || len(b) == 0 {
			t.Fatalf("sink in %s did not receive the record: %v", dir, err)
		}
	}
}
