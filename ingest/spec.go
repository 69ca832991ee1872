package ingest

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"gopkg.in/yaml.v3"
)

var columnNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// EncodingFor resolves a source encoding name to its character decoder.
// UTF-8 (the default) returns nil: raw bytes pass through undecoded. Names
// outside the supported set are rejected so a misconfigured spec fails at
// load time instead of writing mojibake into artifacts.
func EncodingFor(name string) (encoding.Encoding, error) {
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8":
		return nil, nil
	case "latin-1", "latin1", "iso-8859-1":
		return charmap.ISO8859_1, nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
}

// SourceSpec describes the physical shape of a source's raw files.
type SourceSpec struct {
	GlobPattern string `yaml:"glob_pattern" json:"glob_pattern"`
	Delimiter   string `yaml:"delimiter" json:"delimiter"`
	QuoteChar   string `yaml:"quote_char" json:"quote_char"`
	Encoding    string `yaml:"encoding" json:"encoding"`

	// FilenameDateRegex/FilenameDateFormat extract a snapshot date from the
	// file name. The regex's first capture group is parsed with the format
	// (a Go reference-time layout). Both must be set together.
	FilenameDateRegex  string `yaml:"filename_date_regex" json:"filename_date_regex"`
	FilenameDateFormat string `yaml:"filename_date_format" json:"filename_date_format"`
}

// ColumnSpec maps one or more raw CSV headers onto a destination column.
type ColumnSpec struct {
	// CSVHeader accepts a single header or a list of header aliases.
	CSVHeader   HeaderAliases `yaml:"csv_header" json:"csv_header"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Cast        CastSpec      `yaml:"cast,omitempty" json:"cast"`
	Nullable    bool          `yaml:"nullable" json:"nullable"`
	Required    bool          `yaml:"required" json:"required"`
}

// HeaderAliases unmarshals from either a YAML scalar or a sequence.
type HeaderAliases []string

func (h *HeaderAliases) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*h = HeaderAliases{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*h = HeaderAliases(list)
		return nil
	default:
		return fmt.Errorf("csv_header must be a string or a list of strings")
	}
}

// ForeignKeySpec declares a referential relationship consumed by the
// downstream modeling layer.
type ForeignKeySpec struct {
	LocalColumns  []string `yaml:"local_columns" json:"local_columns"`
	RemoteTable   string   `yaml:"remote_table" json:"remote_table"`
	RemoteColumns []string `yaml:"remote_columns" json:"remote_columns"`
}

// Spec is one source's ingestion specification, loaded from YAML.
type Spec struct {
	Name   string     `yaml:"name" json:"name"`
	Source SourceSpec `yaml:"source" json:"source"`

	WriteDisposition string `yaml:"write_disposition" json:"write_disposition"`
	LoadingStrategy  string `yaml:"loading_strategy" json:"loading_strategy"`

	BusinessKey []string              `yaml:"business_key" json:"business_key,omitempty"`
	Columns     map[string]ColumnSpec `yaml:"columns" json:"columns"`
	ForeignKeys []ForeignKeySpec      `yaml:"foreign_keys" json:"foreign_keys,omitempty"`
}

// ApplyDefaults sets default values for optional spec fields.
func (s *Spec) ApplyDefaults() {
	if s.Source.QuoteChar == "" {
		s.Source.QuoteChar = `"`
	}
	if s.Source.Delimiter == "" {
		s.Source.Delimiter = ","
	}
	if s.Source.Encoding == "" {
		s.Source.Encoding = "utf-8"
	}
	if s.WriteDisposition == "" {
		s.WriteDisposition = "merge"
	}
	if s.LoadingStrategy == "" {
		s.LoadingStrategy = "incremental"
	}
}

// Validate checks structural invariants of the spec.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("spec name is required")
	}
	if s.Source.GlobPattern == "" {
		return fmt.Errorf("spec %s: source.glob_pattern is required", s.Name)
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("spec %s: at least one column is required", s.Name)
	}
	if (s.Source.FilenameDateRegex == "") != (s.Source.FilenameDateFormat == "") {
		return fmt.Errorf("spec %s: filename_date_regex and filename_date_format must be set together", s.Name)
	}
	if s.Source.FilenameDateRegex != "" {
		if _, err := regexp.Compile(s.Source.FilenameDateRegex); err != nil {
			return fmt.Errorf("spec %s: invalid filename_date_regex: %w", s.Name, err)
		}
	}
	if _, err := EncodingFor(s.Source.Encoding); err != nil {
		return fmt.Errorf("spec %s: %w", s.Name, err)
	}

	switch s.WriteDisposition {
	case "merge", "append", "replace":
	default:
		return fmt.Errorf("spec %s: invalid write_disposition %q", s.Name, s.WriteDisposition)
	}
	switch s.LoadingStrategy {
	case "incremental", "snapshot":
	default:
		return fmt.Errorf("spec %s: invalid loading_strategy %q", s.Name, s.LoadingStrategy)
	}

	for name, col := range s.Columns {
		if !columnNameRe.MatchString(name) {
			return fmt.Errorf("spec %s: invalid column name %q: must start with a letter or underscore, followed by letters, digits, or underscores", s.Name, name)
		}
		if len(col.CSVHeader) == 0 {
			return fmt.Errorf("spec %s: column %s: csv_header is required", s.Name, name)
		}
	}

	for _, bk := range s.BusinessKey {
		if _, ok := s.Columns[bk]; !ok {
			return fmt.Errorf("spec %s: business key column %q is not defined in columns", s.Name, bk)
		}
	}
	for _, fk := range s.ForeignKeys {
		for _, local := range fk.LocalColumns {
			if _, ok := s.Columns[local]; !ok {
				return fmt.Errorf("spec %s: foreign key local column %q is not defined in columns", s.Name, local)
			}
		}
	}

	return nil
}

// HeaderMap returns the raw-header -> destination-column lookup built from
// every declared header alias.
func (s *Spec) HeaderMap() map[string]string {
	m := make(map[string]string)
	for name, col := range s.Columns {
		for _, alias := range col.CSVHeader {
			m[alias] = name
		}
	}
	return m
}

// RequiredColumns returns the destination columns that must be present in a
// file's mapped header, sorted for stable error messages.
func (s *Spec) RequiredColumns() []string {
	var required []string
	for name, col := range s.Columns {
		if col.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return required
}

// Hash returns a deterministic digest of the spec content. Any change to the
// spec changes the hash and therefore forces reprocessing of files already
// checkpointed under the previous version.
func (s *Spec) Hash() string {
	// JSON marshaling sorts map keys, so identical specs always serialize
	// identically regardless of YAML key order.
	data, err := json.Marshal(s)
	if err != nil {
		// Spec is plain data; this only fires on a programming error.
		panic(fmt.Sprintf("marshal spec %s: %v", s.Name, err))
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// LoadSpecsFromDir parses and validates every *.yaml spec in a directory.
// Source names must be unique across the directory.
func LoadSpecsFromDir(dir string) ([]*Spec, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	seen := make(map[string]string)
	specs := make([]*Spec, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read spec file %s: %w", path, err)
		}

		var spec Spec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("failed to parse spec file %s: %w", path, err)
		}
		spec.ApplyDefaults()
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("invalid spec file %s: %w", path, err)
		}

		if prev, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate source name %q in %s (already defined in %s)", spec.Name, path, prev)
		}
		seen[spec.Name] = path
		specs = append(specs, &spec)
	}

	return specs, nil
}
