package extract

import (
	"fmt"
	"os"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/compress"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"
)

// System columns appended to every artifact. Data columns stay raw text; type
// interpretation belongs to the downstream modeling layer.
const (
	ColSourceFile   = "_source_file"
	ColIngestedAt   = "_ingested_at_utc"
	ColSnapshotDate = "_data_snapshot_date"
)

// Rows per Arrow record batch written to the Parquet file.
const writeChunkRows = 64 * 1024

// SystemColumns holds the per-file constant values stamped onto every row.
type SystemColumns struct {
	SourceFile   string
	IngestedAt   time.Time
	SnapshotDate *time.Time
}

// ExtractToParquet converts the raw file into a snappy-compressed Parquet
// artifact at outPath and returns the total row count. All data columns are
// strings; the three system columns are appended after them.
func (e *Extractor) ExtractToParquet(rawPath, outPath string, sys SystemColumns) (int64, error) {
	header, f, reader, err := e.openRaw(rawPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	columns, err := e.mappedHeader(rawPath, header)
	if err != nil {
		return 0, err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create artifact file: %w", err)
	}

	alloc := memory.NewGoAllocator()
	schema := artifactSchema(columns)

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithCreatedBy("lakehouse-ingest"),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	writer, err := pqarrow.NewFileWriter(schema, out, props, arrowProps)
	if err != nil {
		out.Close()
		return 0, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	b := newRowBuilder(alloc, schema, len(columns), sys)
	defer b.release()

	var total int64
	flush := func() error {
		if b.rows == 0 {
			return nil
		}
		rec := b.newRecord()
		defer rec.Release()
		if err := writer.Write(rec); err != nil {
			return fmt.Errorf("failed to write record batch: %w", err)
		}
		return nil
	}

	scanErr := e.scanRecords(rawPath, reader, len(columns), func(fields []string) error {
		b.appendRow(fields)
		total++
		if b.rows >= writeChunkRows {
			return flush()
		}
		return nil
	})
	if scanErr == nil {
		scanErr = flush()
	}

	if scanErr != nil {
		writer.Close()
		os.Remove(outPath)
		return 0, scanErr
	}

	// Closing the writer finalizes the footer and closes the file.
	if err := writer.Close(); err != nil {
		os.Remove(outPath)
		return 0, fmt.Errorf("failed to finalize parquet file: %w", err)
	}

	return total, nil
}

func artifactSchema(columns []string) *arrow.Schema {
	fields := make([]arrow.Field, 0, len(columns)+3)
	for _, col := range columns {
		fields = append(fields, arrow.Field{Name: col, Type: arrow.BinaryTypes.String, Nullable: true})
	}
	fields = append(fields,
		arrow.Field{Name: ColSourceFile, Type: arrow.BinaryTypes.String, Nullable: true},
		arrow.Field{Name: ColIngestedAt, Type: arrow.FixedWidthTypes.Timestamp_ms, Nullable: false},
		arrow.Field{Name: ColSnapshotDate, Type: arrow.FixedWidthTypes.Date32, Nullable: true},
	)
	return arrow.NewSchema(fields, nil)
}

// rowBuilder accumulates one record batch worth of rows.
type rowBuilder struct {
	schema     *arrow.Schema
	data       []*array.StringBuilder
	sourceFile *array.StringBuilder
	ingestedAt *array.TimestampBuilder
	snapshot   *array.Date32Builder
	sys        SystemColumns
	rows       int
}

func newRowBuilder(alloc memory.Allocator, schema *arrow.Schema, dataCols int, sys SystemColumns) *rowBuilder {
	b := &rowBuilder{
		schema:     schema,
		data:       make([]*array.StringBuilder, dataCols),
		sourceFile: array.NewStringBuilder(alloc),
		ingestedAt: array.NewTimestampBuilder(alloc, arrow.FixedWidthTypes.Timestamp_ms.(*arrow.TimestampType)),
		snapshot:   array.NewDate32Builder(alloc),
		sys:        sys,
	}
	for i := range b.data {
		b.data[i] = array.NewStringBuilder(alloc)
	}
	return b
}

func (b *rowBuilder) appendRow(fields []string) {
	for i, v := range fields {
		b.data[i].Append(v)
	}
	b.sourceFile.Append(b.sys.SourceFile)
	b.ingestedAt.Append(arrow.Timestamp(b.sys.IngestedAt.UnixMilli()))
	if b.sys.SnapshotDate != nil {
		b.snapshot.Append(arrow.Date32FromTime(*b.sys.SnapshotDate))
	} else {
		b.snapshot.AppendNull()
	}
	b.rows++
}

// newRecord drains the builders into an Arrow record, resetting them for the
// next chunk. Caller releases the record.
func (b *rowBuilder) newRecord() arrow.Record {
	arrs := make([]arrow.Array, 0, len(b.data)+3)
	for _, db := range b.data {
		arrs = append(arrs, db.NewArray())
	}
	arrs = append(arrs, b.sourceFile.NewArray(), b.ingestedAt.NewArray(), b.snapshot.NewArray())

	rec := array.NewRecord(b.schema, arrs, int64(b.rows))
	for _, a := range arrs {
		a.Release()
	}
	b.rows = 0
	return rec
}

func (b *rowBuilder) release() {
	for _, db := range b.data {
		db.Release()
	}
	b.sourceFile.Release()
	b.ingestedAt.Release()
	b.snapshot.Release()
}
