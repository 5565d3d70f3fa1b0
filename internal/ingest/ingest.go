// Package ingest turns uploaded files and stream messages into strictly typed
// transactions for the detection engine.
//
// Parsing and normalization are separate steps: Parse splits raw bytes into
// loosely typed Records according to a Format, and Normalize converts one
// Record into a fraud.TransactionInput or rejects it. A malformed record never
// aborts the batch; only a document that cannot be read at all does.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Format is the input file format.
type Format int

const (
	FormatJSON Format = iota + 1
	FormatCSV
	FormatText
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatCSV:
		return "csv"
	case FormatText:
		return "txt"
	default:
		return "unknown"
	}
}

// Fields every record must carry.
var requiredFields = []string{"transaction_id", "user_id", "amount", "timestamp", "merchant", "location"}

var (
	ErrUnsupportedFormat = errors.New("ingest: only CSV, JSON, or TXT files are allowed")
	ErrMissingHeader     = errors.New("ingest: missing header row")
)

// DocumentError means the whole input is unreadable. Callers reject the batch.
type DocumentError struct {
	Format Format
	Err    error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("invalid %s document: %v", strings.ToUpper(e.Format.String()), e.Err)
}

func (e *DocumentError) Unwrap() error { return e.Err }

// ParseError describes one malformed record. The record is skipped.
type ParseError struct {
	Line   int // 1-based line or array index; 0 when unknown
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse: record %d: %s", e.Line, e.Reason)
	}
	return "parse: " + e.Reason
}

// Record is one loosely typed transaction as read from the input. Values are
// kept as text; a key is absent when the input did not carry the field.
type Record struct {
	Line   int
	Fields map[string]string
}

// FormatFromFilename picks the format from the file extension.
func FormatFromFilename(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return FormatJSON, nil
	case ".csv":
		return FormatCSV, nil
	case ".txt":
		return FormatText, nil
	default:
		return 0, ErrUnsupportedFormat
	}
}

// Parse splits data into records. Per-record problems are returned as
// *ParseError values alongside the good records; a *DocumentError is
// returned when nothing can be read.
func Parse(format Format, data []byte) ([]Record, []error, error) {
	switch format {
	case FormatJSON:
		return parseJSON(data)
	case FormatCSV:
		return parseCSV(data)
	case FormatText:
		return parseText(data)
	default:
		return nil, nil, ErrUnsupportedFormat
	}
}

// parseJSON reads an array of objects. Amounts may be numbers or strings.
func parseJSON(data []byte) ([]Record, []error, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw []json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, nil, &DocumentError{Format: FormatJSON, Err: err}
	}

	records := make([]Record, 0, len(raw))
	var rejected []error
	for i, msg := range raw {
		rec, err := DecodeObject(msg)
		if err != nil {
			rejected = append(rejected, &ParseError{Line: i + 1, Reason: err.Error()})
			continue
		}
		rec.Line = i + 1
		records = append(records, rec)
	}
	return records, rejected, nil
}

// DecodeObject converts one JSON object into a Record. Used for both file
// uploads and stream messages.
func DecodeObject(msg []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return Record{}, fmt.Errorf("expected a JSON object: %w", err)
	}
	if obj == nil {
		return Record{}, errors.New("expected a JSON object, got null")
	}

	fields := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case nil:
			// null counts as missing
		case string:
			fields[k] = val
		case json.Number:
			fields[k] = val.String()
		case bool:
			fields[k] = fmt.Sprint(val)
		default:
			return Record{}, fmt.Errorf("field %q must be a scalar", k)
		}
	}
	return Record{Fields: fields}, nil
}

// parseCSV reads a header row and maps columns by name. A missing column
// leaves the field absent on every record.
func parseCSV(data []byte) ([]Record, []error, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.LazyQuotes = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, &DocumentError{Format: FormatCSV, Err: ErrMissingHeader}
	}
	if err != nil {
		return nil, nil, &DocumentError{Format: FormatCSV, Err: err}
	}

	colIdx := make(map[string]int, len(header))
	for i, name := range header {
		colIdx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	var (
		records  []Record
		rejected []error
	)
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				rejected = append(rejected, &ParseError{Line: pe.Line, Reason: pe.Err.Error()})
				continue
			}
			return records, rejected, &DocumentError{Format: FormatCSV, Err: err}
		}

		line, _ := r.FieldPos(0)
		fields := make(map[string]string, len(requiredFields))
		for _, f := range requiredFields {
			idx, ok := colIdx[f]
			if ok && idx < len(row) && strings.TrimSpace(row[idx]) != "" {
				fields[f] = strings.TrimSpace(row[idx])
			}
		}
		records = append(records, Record{Line: line, Fields: fields})
	}
	return records, rejected, nil
}

// parseText reads one comma-separated transaction per line in the fixed order
// transaction_id, user_id, amount, timestamp, merchant, location. A leading
// header line is skipped, empty fields are dropped and lines left with fewer
// than six fields are rejected.
func parseText(data []byte) ([]Record, []error, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var (
		records  []Record
		rejected []error
		line     int
	)
	for sc.Scan() {
		line++
		text := strings.TrimSuffix(sc.Text(), "\r")
		if line == 1 {
			text = strings.TrimPrefix(text, "\ufeff")
			if strings.HasPrefix(text, "transaction_id") {
				continue
			}
		}
		if strings.TrimSpace(text) == "" {
			continue
		}

		var parts []string
		for _, p := range strings.Split(text, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) < len(requiredFields) {
			rejected = append(rejected, &ParseError{
				Line:   line,
				Reason: fmt.Sprintf("expected %d fields, got %d", len(requiredFields), len(parts)),
			})
			continue
		}

		fields := make(map[string]string, len(requiredFields))
		for i, f := range requiredFields {
			fields[f] = parts[i]
		}
		records = append(records, Record{Line: line, Fields: fields})
	}
	if err := sc.Err(); err != nil {
		return records, rejected, &DocumentError{Format: FormatText, Err: err}
	}
	return records, rejected, nil
}
