// Package metadata parses the per-archive metadata sheet that describes each
// call recording (direction, extension, phone number, timestamp, user).
package metadata

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/curtbushko/dotcall-backup/internal/textenc"
)

// AnonymizedMarker identifies a caller whose identity was withheld
const AnonymizedMarker = "anonymous"

// UnknownUser is used when the sheet carries no user for a row
const UnknownUser = "unknown"

// Sheet column names
const (
	ColumnFilename    = "bestandsnaam"
	ColumnTimestamp   = "tijdstip"
	ColumnExtension   = "extensie"
	ColumnUser        = "gebruiker"
	ColumnDirection   = "richting"
	ColumnOrigin      = "afzender"
	ColumnDestination = "bestemming"
)

var requiredColumns = []string{
	ColumnFilename,
	ColumnTimestamp,
	ColumnExtension,
	ColumnDirection,
	ColumnOrigin,
	ColumnDestination,
}

// ErrMissingColumns is returned when the sheet header lacks a required column
var ErrMissingColumns = errors.New("metadata sheet is missing required columns")

// Direction of a call
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// CallMetadata holds the validated attributes of one sheet row
type CallMetadata struct {
	Filename         string
	Timestamp        string
	Extension        string
	Phone            string
	UserName         string
	Direction        Direction
	OriginatingParty string
	DestinationParty string
}

// Rejection describes a sheet row that was excluded from the mapping
type Rejection struct {
	Line     int
	Filename string
	Reason   string
}

// Result is the outcome of parsing one sheet
type Result struct {
	Entries  map[string]CallMetadata
	Rejected []Rejection
	Encoding string
}

// Lookup returns the metadata for a recording filename
func (r *Result) Lookup(filename string) (CallMetadata, bool) {
	if r == nil {
		return CallMetadata{}, false
	}
	md, ok := r.Entries[filename]
	return md, ok
}

// Empty returns a result with no entries
func Empty() *Result {
	return &Result{Entries: map[string]CallMetadata{}}
}

// ParseFile reads a sheet from disk, decoding it with the default candidate encodings
func ParseFile(path string) (*Result, error) {
	text, encoding, err := textenc.ReadFile(path, textenc.DefaultCandidates)
	if err != nil {
		return Empty(), err
	}

	result, err := Parse(strings.NewReader(text))
	result.Encoding = encoding
	if err != nil {
		return result, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return result, nil
}

// Parse reads a decoded sheet. A missing required column rejects the whole
// sheet and yields an empty mapping together with ErrMissingColumns; bad rows
// are reported in Rejected and never abort the parse.
func Parse(r io.Reader) (*Result, error) {
	result := Empty()

	data, err := io.ReadAll(r)
	if err != nil {
		return result, fmt.Errorf("failed to read metadata sheet: %w", err)
	}
	text := string(data)

	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = detectDelimiter(text)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return result, fmt.Errorf("%w: sheet is empty", ErrMissingColumns)
	}
	if err != nil {
		return result, fmt.Errorf("failed to read header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, seen := columns[name]; !seen {
			columns[name] = i
		}
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := columns[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return result, fmt.Errorf("%w: %s (found %s)", ErrMissingColumns,
			strings.Join(missing, ", "), strings.Join(header, ", "))
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				result.Rejected = append(result.Rejected, Rejection{Line: parseErr.Line, Reason: parseErr.Err.Error()})
				continue
			}
			return result, fmt.Errorf("failed to read row: %w", err)
		}
		line, _ := reader.FieldPos(0)

		field := func(name string) string {
			idx, ok := columns[name]
			if !ok || idx >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[idx])
		}

		if containsMarker(record) {
			result.Rejected = append(result.Rejected, Rejection{Line: line, Filename: field(ColumnFilename), Reason: "row contains anonymized caller marker"})
			continue
		}

		md, reason := buildRow(field)
		if reason != "" {
			result.Rejected = append(result.Rejected, Rejection{Line: line, Filename: md.Filename, Reason: reason})
			continue
		}
		result.Entries[md.Filename] = md
	}

	return result, nil
}

// buildRow validates one row. A non-empty reason means the row is rejected.
func buildRow(field func(string) string) (CallMetadata, string) {
	md := CallMetadata{
		Filename:         field(ColumnFilename),
		Extension:        field(ColumnExtension),
		UserName:         field(ColumnUser),
		OriginatingParty: field(ColumnOrigin),
		DestinationParty: field(ColumnDestination),
	}
	rawTimestamp := field(ColumnTimestamp)
	rawDirection := field(ColumnDirection)

	for _, col := range requiredColumns {
		if field(col) == "" {
			return md, fmt.Sprintf("required field %s is empty", col)
		}
	}

	switch Direction(strings.ToLower(rawDirection)) {
	case Incoming:
		md.Direction = Incoming
		md.Phone = md.OriginatingParty
	case Outgoing:
		md.Direction = Outgoing
		md.Phone = md.DestinationParty
	default:
		return md, fmt.Sprintf("invalid direction %q", rawDirection)
	}

	if !isDigits(md.Extension) || !isDigits(md.Phone) {
		return md, fmt.Sprintf("invalid extension or phone: extension=%s, phone=%s", md.Extension, md.Phone)
	}

	if md.UserName == "" {
		md.UserName = UnknownUser
	}
	md.Timestamp = NormalizeTimestamp(rawTimestamp)

	return md, ""
}

// containsMarker reports whether any cell of the row, including columns the
// parser does not use, carries the anonymized caller marker
func containsMarker(record []string) bool {
	for _, cell := range record {
		if strings.Contains(strings.ToLower(cell), AnonymizedMarker) {
			return true
		}
	}
	return false
}

var timestampLayouts = []struct {
	layout  string
	hasZone bool
}{
	{time.RFC3339, true},
	{"2006-01-02 15:04:05", false},
	{"2006-01-02T15:04:05", false},
	{"02-01-2006 15:04:05", false},
	{"02/01/2006 15:04:05", false},
	{"02-01-2006 15:04", false},
	{"2006-01-02 15:04", false},
}

// NormalizeTimestamp converts a sheet timestamp to ISO-8601. Values that match
// no known layout are returned unchanged.
func NormalizeTimestamp(raw string) string {
	raw = strings.TrimSpace(raw)
	for _, l := range timestampLayouts {
		t, err := time.Parse(l.layout, raw)
		if err != nil {
			continue
		}
		if l.hasZone {
			return t.Format(time.RFC3339)
		}
		return t.Format("2006-01-02T15:04:05")
	}
	return raw
}

// FindSheet returns the first *.csv file in dir in lexical order, or "" if there is none
func FindSheet(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.EqualFold(filepath.Ext(entry.Name()), ".csv") {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0]), nil
}

func detectDelimiter(text string) rune {
	firstLine := text
	if idx := strings.IndexAny(text, "\r\n"); idx >= 0 {
		firstLine = text[:idx]
	}
	if strings.Contains(firstLine, ";") && !strings.Contains(firstLine, ",") {
		return ';'
	}
	return ','
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
