package report

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Storage writes report records to JSONL and/or CSV files under a directory.
// Records are queued and written by a background goroutine so the simulation
// loop never blocks on disk.
type Storage struct {
	dir        string
	q          chan any
	wg         sync.WaitGroup
	enableJSON bool
	enableCSV  bool

	jsonFile   *os.File
	jsonWriter *bufio.Writer

	csvFile   *os.File
	csvWriter *csv.Writer

	closeOnce sync.Once
}

// NewStorage ensures the output directory exists, opens the requested files
// and starts the background writer. fileType selects "jsonl", "csv" or
// "both" (the default for an empty string).
func NewStorage(dir, fileType string, maxQueue int) (*Storage, error) {
	if dir == "" {
		dir = "data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	enableJSON := false
	enableCSV := false
	switch strings.ToLower(strings.TrimSpace(fileType)) {
	case "json", "jsonl":
		enableJSON = true
	case "csv":
		enableCSV = true
	case "json+csv", "csv+json", "both", "all", "":
		enableJSON = true
		enableCSV = true
	default:
		return nil, fmt.Errorf("unsupported report file_type %q", fileType)
	}
	if !enableJSON && !enableCSV {
		return nil, errors.New("report storage must enable at least one output")
	}
	if maxQueue <= 0 {
		maxQueue = 1000
	}

	s := &Storage{
		dir:        dir,
		q:          make(chan any, maxQueue),
		enableJSON: enableJSON,
		enableCSV:  enableCSV,
	}

	if s.enableJSON {
		jf, err := os.OpenFile(filepath.Join(dir, "report.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open json output: %w", err)
		}
		s.jsonFile = jf
		s.jsonWriter = bufio.NewWriterSize(jf, 64*1024)
	}

	if s.enableCSV {
		cf, err := os.OpenFile(filepath.Join(dir, "report.csv"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			if s.jsonFile != nil {
				s.jsonFile.Close()
			}
			return nil, fmt.Errorf("open csv output: %w", err)
		}
		s.csvFile = cf
		s.csvWriter = csv.NewWriter(cf)
		if off, _ := cf.Seek(0, io.SeekEnd); off == 0 {
			header := []string{"time_s", "kind", "id", "head", "pressure", "level", "demand", "flow", "status", "setting", "detail"}
			if err := s.csvWriter.Write(header); err != nil {
				if s.jsonFile != nil {
					s.jsonFile.Close()
				}
				cf.Close()
				return nil, fmt.Errorf("write csv header: %w", err)
			}
			s.csvWriter.Flush()
			if err := s.csvWriter.Error(); err != nil {
				if s.jsonFile != nil {
					s.jsonFile.Close()
				}
				cf.Close()
				return nil, err
			}
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for item := range s.q {
			switch v := item.(type) {
			case *Record:
				if s.enableJSON {
					_ = s.writeJSONL(v)
				}
				if s.enableCSV {
					_ = s.writeCSVRecord(v)
				}
			case *Event:
				if s.enableJSON {
					_ = s.writeJSONL(map[string]*Event{"event": v})
				}
				if s.enableCSV {
					_ = s.writeCSVEvent(v)
				}
			}
		}
	}()
	return s, nil
}

// WriteRecord queues a record; it never blocks the caller once the queue is
// full, dropping instead.
func (s *Storage) WriteRecord(r *Record) error {
	select {
	case s.q <- r:
		return nil
	default:
		return errors.New("report queue full, record dropped")
	}
}

// WriteEvent queues an event.
func (s *Storage) WriteEvent(e *Event) error {
	select {
	case s.q <- e:
		return nil
	default:
		return errors.New("report queue full, event dropped")
	}
}

func (s *Storage) writeJSONL(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := s.jsonWriter.Write(data); err != nil {
		return err
	}
	return s.jsonWriter.WriteByte('\n')
}

func (s *Storage) writeCSVRecord(r *Record) error {
	ts := strconv.FormatInt(r.TimeSec, 10)
	for _, n := range r.Nodes {
		row := []string{ts, "node", n.ID,
			fnum(n.Head), fnum(n.Pressure), fnum(n.Level), fnum(n.Demand),
			"", "", "", ""}
		if err := s.csvWriter.Write(row); err != nil {
			return err
		}
	}
	for _, l := range r.Links {
		row := []string{ts, "link", l.ID,
			"", "", "", "",
			fnum(l.Flow), l.Status, fnum(l.Setting), ""}
		if err := s.csvWriter.Write(row); err != nil {
			return err
		}
	}
	s.csvWriter.Flush()
	return s.csvWriter.Error()
}

func (s *Storage) writeCSVEvent(e *Event) error {
	row := []string{strconv.FormatInt(e.TimeSec, 10), "event", e.Element,
		"", "", "", "", "", e.Kind, "", e.Detail}
	if err := s.csvWriter.Write(row); err != nil {
		return err
	}
	s.csvWriter.Flush()
	return s.csvWriter.Error()
}

func fnum(v float64) string {
	return strconv.FormatFloat(v, 'g', 7, 64)
}

// Close drains the queue, flushes and closes the files.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		close(s.q)
	})
	s.wg.Wait()
	var first error
	if s.jsonWriter != nil {
		if err := s.jsonWriter.Flush(); err != nil && first == nil {
			first = err
		}
		if err := s.jsonFile.Close(); err != nil && first == nil {
			first = err
		}
	}
	if s.csvWriter != nil {
		s.csvWriter.Flush()
		if err := s.csvWriter.Error(); err != nil && first == nil {
			first = err
		}
		if err := s.csvFile.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
