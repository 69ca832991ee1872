package ingest

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

const customersYAML = `
name: customers
source:
  glob_pattern: "customers_*.csv"
  filename_date_regex: '_(\d{8})\.csv$'
  filename_date_format: "20060102"
business_key: [customer_id]
columns:
  customer_id:
    csv_header: ID
    required: true
  full_name:
    csv_header: [Name, FullName]
  balance:
    csv_header: Balance
    cast:
      output_type: decimal
      precision: 18
      scale: 2
`

func parseSpec(t *testing.T, body string) *Spec {
	t.Helper()
	var spec Spec
	if err := yaml.Unmarshal([]byte(body), &spec); err != nil {
		t.Fatalf("failed to parse spec: %v", err)
	}
	spec.ApplyDefaults()
	return &spec
}

func TestSpecDefaultsAndHeaderMap(t *testing.T) {
	spec := parseSpec(t, customersYAML)
	if err := spec.Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}

	if spec.Source.Delimiter != "," || spec.Source.QuoteChar != `"` {
		t.Errorf("defaults not applied: %+v", spec.Source)
	}
	if spec.WriteDisposition != "merge" || spec.LoadingStrategy != "incremental" {
		t.Errorf("disposition defaults not applied: %s/%s", spec.WriteDisposition, spec.LoadingStrategy)
	}

	m := spec.HeaderMap()
	want := map[string]string{"ID": "customer_id", "Name": "full_name", "FullName": "full_name", "Balance": "balance"}
	if !reflect.DeepEqual(m, want) {
		t.Errorf("header map = %v, want %v", m, want)
	}
	if got := spec.RequiredColumns(); !reflect.DeepEqual(got, []string{"customer_id"}) {
		t.Errorf("required columns = %v", got)
	}
}

func TestSpecHashIsDeterministicAndSensitive(t *testing.T) {
	a := parseSpec(t, customersYAML)
	b := parseSpec(t, customersYAML)
	if a.Hash() != b.Hash() {
		t.Error("identical specs must hash identically")
	}

	c := parseSpec(t, customersYAML)
	c.Columns["email"] = ColumnSpec{CSVHeader: HeaderAliases{"Email"}}
	if a.Hash() == c.Hash() {
		t.Error("adding a column must change the hash")
	}

	d := parseSpec(t, strings.Replace(customersYAML, "scale: 2", "scale: 4", 1))
	if a.Hash() == d.Hash() {
		t.Error("changing caster configuration must change the hash")
	}
}

func TestSpecValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Spec)
		errHas string
	}{
		{"missing glob", func(s *Spec) { s.Source.GlobPattern = "" }, "glob_pattern"},
		{"no columns", func(s *Spec) { s.Columns = nil }, "at least one column"},
		{"bad column name", func(s *Spec) {
			s.Columns["bad-name"] = ColumnSpec{CSVHeader: HeaderAliases{"X"}}
		}, "invalid column name"},
		{"column without header", func(s *Spec) {
			s.Columns["email"] = ColumnSpec{}
		}, "csv_header is required"},
		{"unknown business key", func(s *Spec) { s.BusinessKey = []string{"ghost"} }, "business key"},
		{"fk references unknown column", func(s *Spec) {
			s.ForeignKeys = []ForeignKeySpec{{LocalColumns: []string{"ghost"}, RemoteTable: "orders"}}
		}, "foreign key"},
		{"date regex without format", func(s *Spec) { s.Source.FilenameDateFormat = "" }, "must be set together"},
		{"unsupported encoding", func(s *Spec) { s.Source.Encoding = "ebcdic" }, "unsupported encoding"},
		{"bad write disposition", func(s *Spec) { s.WriteDisposition = "upsert" }, "write_disposition"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := parseSpec(t, customersYAML)
			tc.mutate(spec)
			err := spec.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.errHas) {
				t.Errorf("error %q should mention %q", err, tc.errHas)
			}
		})
	}
}

func TestLoadSpecsFromDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
			t.Fatalf("failed to write spec file: %v", err)
		}
	}
	write("customers.yaml", customersYAML)
	write("orders.yaml", strings.Replace(customersYAML, "name: customers", "name: orders", 1))

	specs, err := LoadSpecsFromDir(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	if specs[0].Name != "customers" || specs[1].Name != "orders" {
		t.Errorf("unexpected order: %s, %s", specs[0].Name, specs[1].Name)
	}

	write("dup.yaml", customersYAML)
	if _, err := LoadSpecsFromDir(dir); err == nil || !strings.Contains(err.Error(), "duplicate source name") {
		t.Errorf("expected duplicate-name error, got %v", err)
	}
}

func TestEncodingFor(t *testing.T) {
	for _, name := range []string{"", "utf-8", "UTF-8", "utf8"} {
		enc, err := EncodingFor(name)
		if err != nil || enc != nil {
			t.Errorf("EncodingFor(%q) should be passthrough, got %v, %v", name, enc, err)
		}
	}
	for _, name := range []string{"latin-1", "ISO-8859-1", "windows-1252", "cp1252"} {
		enc, err := EncodingFor(name)
		if err != nil || enc == nil {
			t.Errorf("EncodingFor(%q) should resolve a decoder, got %v, %v", name, enc, err)
		}
	}
	if _, err := EncodingFor("koi8-r"); err == nil {
		t.Error("expected error for unsupported encoding")
	}
}

func TestDefaultSignature(t *testing.T) {
	mtime := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	a := DefaultSignature("f.csv", 100, mtime)
	b := DefaultSignature("f.csv", 100, mtime)
	if a != b {
		t.Error("signature must be deterministic")
	}
	if a == DefaultSignature("f.csv", 101, mtime) {
		t.Error("size change must change the signature")
	}
	if a == DefaultSignature("f.csv", 100, mtime.Add(1)) {
		t.Error("mtime change must change the signature")
	}
}
