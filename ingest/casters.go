package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Caster produces the SQL expression that converts a raw text column into
// its typed destination value. The family is a closed set dispatched on the
// output_type discriminator; it is consumed by the downstream modeling layer,
// not by the extraction pipeline itself (artifacts stay all-text).
type Caster interface {
	// Kind returns the output_type discriminator value.
	Kind() string
	// CastExpr returns a DuckDB expression over the quoted column reference.
	CastExpr(column string) string
}

// CastSpec wraps a Caster for YAML decoding. The concrete variant is chosen
// by the output_type field; an absent cast defaults to string.
type CastSpec struct {
	Caster Caster `yaml:"-" json:"-"`
}

func (c *CastSpec) UnmarshalYAML(value *yaml.Node) error {
	var probe struct {
		OutputType string `yaml:"output_type"`
	}
	if err := value.Decode(&probe); err != nil {
		return err
	}

	switch probe.OutputType {
	case "", "string":
		var v StringCaster
		if err := value.Decode(&v); err != nil {
			return err
		}
		c.Caster = v
	case "integer":
		var v IntegerCaster
		if err := value.Decode(&v); err != nil {
			return err
		}
		c.Caster = v
	case "decimal":
		var v DecimalCaster
		if err := value.Decode(&v); err != nil {
			return err
		}
		if v.Precision <= 0 {
			v.Precision = 38
		}
		if v.Scale < 0 {
			return fmt.Errorf("decimal caster: scale must be >= 0")
		}
		c.Caster = v
	case "boolean":
		var v BooleanCaster
		if err := value.Decode(&v); err != nil {
			return err
		}
		if len(v.TrueValues) == 0 {
			v.TrueValues = []string{"TRUE", "T", "YES", "Y", "1"}
		}
		if len(v.FalseValues) == 0 {
			v.FalseValues = []string{"FALSE", "F", "NO", "N", "0"}
		}
		if overlap := intersectFold(v.TrueValues, v.FalseValues); len(overlap) > 0 {
			return fmt.Errorf("boolean caster: true_values and false_values overlap: %v", overlap)
		}
		c.Caster = v
	case "date":
		var v DateCaster
		if err := value.Decode(&v); err != nil {
			return err
		}
		if v.Format == "" {
			return fmt.Errorf("date caster: format is required")
		}
		c.Caster = v
	case "datetime":
		var v DatetimeCaster
		if err := value.Decode(&v); err != nil {
			return err
		}
		if v.Format == "" {
			return fmt.Errorf("datetime caster: format is required")
		}
		c.Caster = v
	default:
		return fmt.Errorf("unknown output_type %q", probe.OutputType)
	}

	return nil
}

// MarshalJSON serializes the concrete variant so that the spec hash reflects
// caster configuration changes.
func (c CastSpec) MarshalJSON() ([]byte, error) {
	if c.Caster == nil {
		return []byte(`{"output_type":"string"}`), nil
	}
	return json.Marshal(c.Caster)
}

// Effective returns the configured caster, defaulting to string.
func (c CastSpec) Effective() Caster {
	if c.Caster == nil {
		return StringCaster{OutputType: "string"}
	}
	return c.Caster
}

// nullifyExpr treats empty (after trimming) values as NULL, the common first
// step of every caster.
func nullifyExpr(column string) string {
	return fmt.Sprintf("NULLIF(TRIM(%s), '')", column)
}

// StringCaster passes values through, trimmed, with empty strings nullified.
type StringCaster struct {
	OutputType string `yaml:"output_type" json:"output_type"`
}

func (StringCaster) Kind() string { return "string" }

func (StringCaster) CastExpr(column string) string {
	return nullifyExpr(column)
}

// IntegerCaster casts to BIGINT, tolerating a configurable thousands separator.
type IntegerCaster struct {
	OutputType   string `yaml:"output_type" json:"output_type"`
	ThousandsSep string `yaml:"thousands_sep" json:"thousands_sep,omitempty"`
}

func (IntegerCaster) Kind() string { return "integer" }

func (c IntegerCaster) CastExpr(column string) string {
	expr := nullifyExpr(column)
	if c.ThousandsSep != "" {
		expr = fmt.Sprintf("REPLACE(%s, %s, '')", expr, sqlQuote(c.ThousandsSep))
	}
	return fmt.Sprintf("TRY_CAST(%s AS BIGINT)", expr)
}

// DecimalCaster casts to DECIMAL(precision, scale).
type DecimalCaster struct {
	OutputType   string `yaml:"output_type" json:"output_type"`
	Precision    int    `yaml:"precision" json:"precision"`
	Scale        int    `yaml:"scale" json:"scale"`
	ThousandsSep string `yaml:"thousands_sep" json:"thousands_sep,omitempty"`
	DecimalSep   string `yaml:"decimal_sep" json:"decimal_sep,omitempty"`
}

func (DecimalCaster) Kind() string { return "decimal" }

func (c DecimalCaster) CastExpr(column string) string {
	expr := nullifyExpr(column)
	if c.ThousandsSep != "" {
		expr = fmt.Sprintf("REPLACE(%s, %s, '')", expr, sqlQuote(c.ThousandsSep))
	}
	if c.DecimalSep != "" && c.DecimalSep != "." {
		expr = fmt.Sprintf("REPLACE(%s, %s, '.')", expr, sqlQuote(c.DecimalSep))
	}
	return fmt.Sprintf("TRY_CAST(%s AS DECIMAL(%d,%d))", expr, c.Precision, c.Scale)
}

// BooleanCaster maps configured token sets onto TRUE/FALSE, NULL otherwise.
type BooleanCaster struct {
	OutputType  string   `yaml:"output_type" json:"output_type"`
	TrueValues  []string `yaml:"true_values" json:"true_values"`
	FalseValues []string `yaml:"false_values" json:"false_values"`
}

func (BooleanCaster) Kind() string { return "boolean" }

func (c BooleanCaster) CastExpr(column string) string {
	clean := fmt.Sprintf("UPPER(TRIM(%s))", column)
	return fmt.Sprintf(
		"CASE WHEN %s IN (%s) THEN TRUE WHEN %s IN (%s) THEN FALSE ELSE NULL END",
		clean, sqlQuoteListUpper(c.TrueValues),
		clean, sqlQuoteListUpper(c.FalseValues),
	)
}

// DateCaster parses with a strptime format and casts to DATE.
type DateCaster struct {
	OutputType string `yaml:"output_type" json:"output_type"`
	Format     string `yaml:"format" json:"format"`
}

func (DateCaster) Kind() string { return "date" }

func (c DateCaster) CastExpr(column string) string {
	return fmt.Sprintf("CAST(TRY_STRPTIME(%s, %s) AS DATE)", nullifyExpr(column), sqlQuote(c.Format))
}

// DatetimeCaster parses with a strptime format and keeps the TIMESTAMP.
type DatetimeCaster struct {
	OutputType string `yaml:"output_type" json:"output_type"`
	Format     string `yaml:"format" json:"format"`
}

func (DatetimeCaster) Kind() string { return "datetime" }

func (c DatetimeCaster) CastExpr(column string) string {
	return fmt.Sprintf("TRY_STRPTIME(%s, %s)", nullifyExpr(column), sqlQuote(c.Format))
}

func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func sqlQuoteListUpper(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = sqlQuote(strings.ToUpper(v))
	}
	return strings.Join(quoted, ", ")
}

func intersectFold(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[strings.ToUpper(v)] = struct{}{}
	}
	var overlap []string
	for _, v := range b {
		if _, ok := set[strings.ToUpper(v)]; ok {
			overlap = append(overlap, strings.ToUpper(v))
		}
	}
	return overlap
}
