package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// Record is one parsed JSON log line.
type Record struct {
	Time     time.Time      `json:"time"`
	Level    string         `json:"level"`
	Message  string         `json:"msg"`
	Channel  string         `json:"channel,omitempty"`
	LinkID   string         `json:"link_id,omitempty"`
	WorkerID string         `json:"worker_id,omitempty"`
	Port     string         `json:"port,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Filter selects records. Zero fields match everything.
type Filter struct {
	// Level is the minimum level.
	Level string
	// Channel is a glob pattern matched against the record channel.
	Channel  string
	LinkID   string
	WorkerID string
	Since    time.Time
}

var levelRank = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ReadRecords parses every JSON line of the log file at path. Lines that are
// not JSON objects are skipped.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()
	return DecodeRecords(f)
}

// DecodeRecords parses JSON log lines from r, sorted by time.
func DecodeRecords(r io.Reader) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, err := parseRecord(line)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("failed to read log: %w", err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Time.Before(records[j].Time)
	})
	return records, nil
}

func parseRecord(line string) (Record, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Record{}, err
	}

	rec := Record{Fields: make(map[string]any)}
	for k, v := range raw {
		s, _ := v.(string)
		switch k {
		case "time":
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				rec.Time = t
			}
		case "level":
			rec.Level = s
		case "msg":
			rec.Message = s
		case KeyChannel:
			rec.Channel = s
		case KeyLink:
			rec.LinkID = s
		case KeyWorker:
			rec.WorkerID = s
		case KeyPort:
			rec.Port = s
		default:
			rec.Fields[k] = v
		}
	}
	return rec, nil
}

// Apply returns the records matching f. An invalid channel pattern is an
// error.
func (f Filter) Apply(records []Record) ([]Record, error) {
	var pattern glob.Glob
	if f.Channel != "" {
		g, err := glob.Compile(f.Channel)
		if err != nil {
			return nil, fmt.Errorf("invalid channel pattern %q: %w", f.Channel, err)
		}
		pattern = g
	}
	minRank := levelRank[ParseLevel(f.Level)]
	if f.Level == "" {
		minRank = 0
	}

	var out []Record
	for _, r := range records {
		if levelRank[ParseLevel(r.Level)] < minRank {
			continue
		}
		if pattern != nil && !pattern.Match(r.Channel) {
			continue
		}
		if f.LinkID != "" && r.LinkID != f.LinkID {
			continue
		}
		if f.WorkerID != "" && r.WorkerID != f.WorkerID {
			continue
		}
		if !f.Since.IsZero() && r.Time.Before(f.Since) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
