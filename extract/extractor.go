// Package extract converts one raw delimited file into one columnar Parquet
// artifact plus a manifest, inside a caller-supplied bundle directory.
//
// Raw files in scope quote every field, which means a single logical record
// can span multiple physical lines when field values embed newlines. Records
// are therefore reassembled by splitting on the complex delimiter
// (quote+delimiter+quote) and buffering physical lines until the split yields
// exactly the expected column count.
package extract

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/transform"

	"github.com/nathantapsas/lakehouse/ingest"
)

// FormatError tags malformed input: bad header, missing required columns, or
// a record that splits into more fields than the header. Format errors are
// fatal to the file's extraction and are never retried automatically.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format error in %s: %s", e.Path, e.Reason)
}

func formatErrorf(path, format string, args ...any) error {
	return &FormatError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// Extractor parses raw files for a single ingestion spec.
type Extractor struct {
	spec         *ingest.Spec
	headerMap    map[string]string // raw header -> destination column
	quote        string
	complexDelim string
}

// NewExtractor builds an extractor for the given spec.
func NewExtractor(spec *ingest.Spec) *Extractor {
	return &Extractor{
		spec:         spec,
		headerMap:    spec.HeaderMap(),
		quote:        spec.Source.QuoteChar,
		complexDelim: spec.Source.QuoteChar + spec.Source.Delimiter + spec.Source.QuoteChar,
	}
}

// mappedHeader parses, de-duplicates, maps, and validates the header line.
//
// Raw tokens are first de-duplicated by suffixing repeats with an ordinal
// ("ID", "ID" -> "ID", "ID.1"), then mapped to destination column names via
// the spec; unmapped tokens pass through unchanged. Missing required columns
// are a format error.
func (e *Extractor) mappedHeader(path, headerLine string) ([]string, error) {
	if headerLine == "" {
		return nil, formatErrorf(path, "file is empty or missing header")
	}
	if !strings.HasPrefix(headerLine, e.quote) || !strings.HasSuffix(headerLine, e.quote) {
		return nil, formatErrorf(path, "header must start and end with quote char %q", e.quote)
	}

	inner := headerLine[len(e.quote) : len(headerLine)-len(e.quote)]
	rawHeaders := strings.Split(inner, e.complexDelim)
	uniqueHeaders := renameDuplicates(rawHeaders)

	mapped := make([]string, 0, len(uniqueHeaders))
	found := make(map[string]bool, len(e.headerMap))
	for _, raw := range uniqueHeaders {
		if dest, ok := e.headerMap[raw]; ok {
			mapped = append(mapped, dest)
			found[dest] = true
		} else {
			mapped = append(mapped, raw)
		}
	}

	var missing []string
	for _, required := range e.spec.RequiredColumns() {
		if !found[required] {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return nil, formatErrorf(path, "missing required columns %v in mapped header %v", missing, mapped)
	}

	return mapped, nil
}

// renameDuplicates disambiguates repeated header tokens by suffixing each
// repeat with its ordinal: the first occurrence keeps its name, the Nth
// becomes "name.N-1".
func renameDuplicates(headers []string) []string {
	counts := make(map[string]int, len(headers))
	out := make([]string, len(headers))
	for i, h := range headers {
		if n := counts[h]; n > 0 {
			out[i] = fmt.Sprintf("%s.%d", h, n)
		} else {
			out[i] = h
		}
		counts[h]++
	}
	return out
}

// scanRecords reassembles logical records from physical lines and calls emit
// once per complete record with the unquoted field values.
//
// A physical line that splits into fewer fields than expected is incomplete
// (an embedded line break) and is buffered; splitting into more fields than
// the header is a fatal format error.
func (e *Extractor) scanRecords(path string, r io.Reader, expected int, emit func(fields []string) error) error {
	reader := bufio.NewReaderSize(r, 256*1024)

	var buffer string
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			buffer += strings.TrimRight(line, "\r\n")
			if buffer == "" {
				// Blank line between records.
				if err == io.EOF {
					break
				}
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}
				continue
			}

			fields := strings.Split(buffer, e.complexDelim)
			switch {
			case len(fields) < expected:
				// Record continues on the next physical line.
			case len(fields) == expected:
				if emitErr := emit(e.normalize(fields)); emitErr != nil {
					return emitErr
				}
				buffer = ""
			default:
				return formatErrorf(path, "record splits into %d fields, header has %d: %q", len(fields), expected, buffer)
			}
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	// A trailing buffer that splits cleanly is the last record (file missing
	// its final newline); anything else is a truncated record.
	if buffer != "" {
		fields := strings.Split(buffer, e.complexDelim)
		if len(fields) != expected {
			return formatErrorf(path, "trailing record splits into %d fields, header has %d: %q", len(fields), expected, buffer)
		}
		if err := emit(e.normalize(fields)); err != nil {
			return err
		}
	}

	return nil
}

// normalize strips the outer quotes that survive the complex-delimiter split:
// the leading quote of the first field and the trailing quote of the last.
func (e *Extractor) normalize(fields []string) []string {
	if len(fields) == 0 {
		return fields
	}
	fields[0] = strings.TrimPrefix(fields[0], e.quote)
	last := len(fields) - 1
	fields[last] = strings.TrimSuffix(fields[last], e.quote)
	return fields
}

// openRaw opens the raw file with the spec's source encoding applied, reads
// the header line without its terminator, and returns the reader positioned
// at the body. Non-UTF-8 sources are transcoded on the fly so everything
// downstream (including the parquet artifact) holds valid UTF-8.
func (e *Extractor) openRaw(path string) (string, *os.File, *bufio.Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to open raw file: %w", err)
	}

	var body io.Reader = f
	enc, err := ingest.EncodingFor(e.spec.Source.Encoding)
	if err != nil {
		f.Close()
		return "", nil, nil, err
	}
	if enc != nil {
		body = transform.NewReader(f, enc.NewDecoder())
	}

	reader := bufio.NewReaderSize(body, 256*1024)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		f.Close()
		return "", nil, nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	return strings.TrimRight(line, "\r\n"), f, reader, nil
}
