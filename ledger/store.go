// Package ledger records which file versions have been loaded, and performs
// the transactional bulk loads themselves, on an embedded DuckDB database.
//
// The store is a checkpoint, not a work queue: the orchestrator owns all
// in-flight state in memory and consults the store only for the set of
// already-committed file keys and for atomic batch commits.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"github.com/nathantapsas/lakehouse/ingest"
)

// Config holds store configuration.
type Config struct {
	// DatabasePath is the DuckDB database file; empty means in-memory.
	DatabasePath string `yaml:"database_path"`

	// AttachSQL attaches the managed catalog, e.g.
	// "ATTACH 'ducklake:metadata.ducklake' AS lake (DATA_PATH 'data/')".
	// The catalog name is parsed from its AS clause.
	AttachSQL string `yaml:"attach_sql"`

	// PartitionColumns declares partition keys per target table FQN,
	// applied once at table creation.
	PartitionColumns map[string][]string `yaml:"partition_columns"`
}

var attachCatalogRe = regexp.MustCompile(`(?i)\bAS\s+([A-Za-z_][A-Za-z0-9_]*)\b`)

// SchemaMismatchError reports a type conflict between an existing target
// table column and an incoming artifact column. The store never coerces;
// resolving the conflict requires operator intervention.
type SchemaMismatchError struct {
	Table        string
	Column       string
	TableType    string
	IncomingType string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch for %s.%s: table has %s but artifact has %s, refusing to coerce",
		e.Table, e.Column, e.TableType, e.IncomingType)
}

// BatchEntry pairs a discovered file with its successful extraction.
type BatchEntry struct {
	File   ingest.DiscoveredFile
	Result ingest.ExtractionResult
}

// Store owns the DuckDB connection for the lifetime of one run. It is not
// safe for concurrent use; only the coordinating goroutine touches it.
type Store struct {
	db         *sql.DB
	catalog    string
	partitions map[string][]string
	logger     *zap.Logger

	// test hook fired inside CommitBatch between the data inserts and the
	// checkpoint-row inserts
	beforeCheckpoint func() error
}

// Open connects to DuckDB, attaches the managed catalog, and bootstraps the
// ops tables. Structural failures here (unparseable attach SQL, unreachable
// database) are fatal to run startup. The caller must Close the store on
// every exit path.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	match := attachCatalogRe.FindStringSubmatch(cfg.AttachSQL)
	if match == nil {
		return nil, fmt.Errorf("could not parse catalog name from attach_sql, expected \"ATTACH '...' AS <catalog>\": %q", cfg.AttachSQL)
	}
	catalog := match[1]

	db, err := sql.Open("duckdb", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping DuckDB: %w", err)
	}

	// DuckLake catalogs need their extension; plain ATTACH does not.
	// Extension install failures are non-fatal offline when already cached.
	if strings.Contains(cfg.AttachSQL, "ducklake:") {
		for _, stmt := range []string{"INSTALL ducklake", "LOAD ducklake"} {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				logger.Warn("extension setup", zap.String("stmt", stmt), zap.Error(err))
			}
		}
	}

	if _, err := db.ExecContext(ctx, cfg.AttachSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to attach catalog: %w", err)
	}

	s := &Store{
		db:         db,
		catalog:    catalog,
		partitions: cfg.PartitionColumns,
		logger:     logger,
	}
	if err := s.bootstrap(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("ledger connected", zap.String("catalog", catalog), zap.String("database", cfg.DatabasePath))
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Catalog returns the attached catalog name.
func (s *Store) Catalog() string { return s.catalog }

func (s *Store) ops(table string) string {
	return fmt.Sprintf("%s.ops.%s", s.catalog, table)
}

func (s *Store) bootstrap(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s.ops", s.catalog),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			source_name                 VARCHAR NOT NULL,
			raw_file_metadata_signature VARCHAR NOT NULL,
			spec_hash                   VARCHAR NOT NULL,
			raw_file_path               VARCHAR NOT NULL,
			data_snapshot_date          DATE,
			rows_loaded                 BIGINT NOT NULL,
			run_id                      VARCHAR NOT NULL,
			loaded_at_utc               TIMESTAMP NOT NULL
		)`, s.ops("loaded_files")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			source_name                 VARCHAR NOT NULL,
			raw_file_metadata_signature VARCHAR NOT NULL,
			spec_hash                   VARCHAR NOT NULL,
			target_table_fqn            VARCHAR NOT NULL,
			run_id                      VARCHAR NOT NULL,
			loaded_at_utc               TIMESTAMP NOT NULL
		)`, s.ops("loaded_file_targets")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			run_id           VARCHAR NOT NULL,
			started_at_utc   TIMESTAMP NOT NULL,
			finished_at_utc  TIMESTAMP,
			status           VARCHAR NOT NULL,
			files_discovered INT NOT NULL,
			files_processed  INT NOT NULL DEFAULT 0,
			files_committed  INT NOT NULL DEFAULT 0,
			error_message    VARCHAR
		)`, s.ops("ingestion_runs")),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to bootstrap ledger tables: %w", err)
		}
	}
	return nil
}

// CompletedFileKeys returns every file key ever checkpointed. Snapshot read,
// taken once per run to filter discovery results.
func (s *Store) CompletedFileKeys(ctx context.Context) (map[ingest.FileKey]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT source_name, raw_file_metadata_signature, spec_hash FROM %s", s.ops("loaded_files")))
	if err != nil {
		return nil, fmt.Errorf("failed to read completed file keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[ingest.FileKey]struct{})
	for rows.Next() {
		var k ingest.FileKey
		if err := rows.Scan(&k.SourceName, &k.Signature, &k.SpecHash); err != nil {
			return nil, err
		}
		keys[k] = struct{}{}
	}
	return keys, rows.Err()
}

// StartRun records a run's start in the ops.ingestion_runs table.
func (s *Store) StartRun(ctx context.Context, runID string, filesDiscovered int) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (run_id, started_at_utc, status, files_discovered) VALUES (?, ?, ?, ?)",
		s.ops("ingestion_runs")),
		runID, time.Now().UTC(), "RUNNING", filesDiscovered)
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// FinalizeRun records a run's terminal status and counters.
func (s *Store) FinalizeRun(ctx context.Context, runID, status string, processed, committed int, errorMessage string) error {
	var msg any
	if errorMessage != "" {
		msg = errorMessage
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET finished_at_utc = ?, status = ?, files_processed = ?, files_committed = ?, error_message = ? WHERE run_id = ?",
		s.ops("ingestion_runs")),
		time.Now().UTC(), status, processed, committed, msg, runID)
	if err != nil {
		return fmt.Errorf("failed to record run end: %w", err)
	}
	return nil
}

// CommitBatch is the single atomic unit of work: within one transaction it
// ensures every target table exists (evolving schemas additively), bulk-loads
// all referenced artifacts, then writes one checkpoint row per file and one
// lineage row per (file, target) pair. Any failure rolls the whole batch
// back; no partial checkpoint, lineage, or data write survives.
//
// plans maps target table FQN -> absolute artifact paths; fileTargets maps
// each file key -> the target tables its artifacts were planned into.
func (s *Store) CommitBatch(ctx context.Context, entries []BatchEntry, plans map[string][]string, fileTargets map[ingest.FileKey][]string, runID string) (err error) {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// 1) Ensure targets exist and bulk-insert, in deterministic table order.
	tables := make([]string, 0, len(plans))
	for t := range plans {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	for _, table := range tables {
		artifacts := plans[table]
		if len(artifacts) == 0 {
			continue
		}
		if err = s.ensureTargetTable(ctx, tx, table, artifacts); err != nil {
			return err
		}
		insertSQL := fmt.Sprintf(
			"INSERT INTO %s BY NAME SELECT * FROM read_parquet(%s, union_by_name=true)",
			table, parquetListLiteral(artifacts))
		if _, err = tx.ExecContext(ctx, insertSQL); err != nil {
			return fmt.Errorf("failed to load artifacts into %s: %w", table, err)
		}
	}

	if s.beforeCheckpoint != nil {
		if err = s.beforeCheckpoint(); err != nil {
			return err
		}
	}

	now := time.Now().UTC()

	// 2) Checkpoint rows (success only; a key present here is never reprocessed).
	checkpointSQL := fmt.Sprintf(`INSERT INTO %s
		(source_name, raw_file_metadata_signature, spec_hash, raw_file_path, data_snapshot_date, rows_loaded, run_id, loaded_at_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.ops("loaded_files"))
	for _, e := range entries {
		var snapshot any
		if e.Result.SnapshotDate != nil {
			snapshot = *e.Result.SnapshotDate
		}
		if _, err = tx.ExecContext(ctx, checkpointSQL,
			e.File.Key.SourceName, e.File.Key.Signature, e.File.Key.SpecHash,
			e.File.Path, snapshot, e.Result.RowsTotal, runID, now); err != nil {
			return fmt.Errorf("failed to write checkpoint for %s: %w", e.File.Path, err)
		}
	}

	// 3) Lineage rows, written only after all data inserts succeeded.
	lineageSQL := fmt.Sprintf(`INSERT INTO %s
		(source_name, raw_file_metadata_signature, spec_hash, target_table_fqn, run_id, loaded_at_utc)
		VALUES (?, ?, ?, ?, ?, ?)`, s.ops("loaded_file_targets"))
	for _, e := range entries {
		targets := append([]string(nil), fileTargets[e.File.Key]...)
		sort.Strings(targets)
		for _, target := range targets {
			if _, err = tx.ExecContext(ctx, lineageSQL,
				e.File.Key.SourceName, e.File.Key.Signature, e.File.Key.SpecHash,
				target, runID, now); err != nil {
				return fmt.Errorf("failed to write lineage for %s: %w", e.File.Path, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// ensureTargetTable creates the target table from the incoming artifacts'
// schema when absent (applying declared partition keys once, at creation), or
// evolves an existing table by adding missing columns as nullable. A shared
// column whose type differs fails the whole batch.
func (s *Store) ensureTargetTable(ctx context.Context, tx *sql.Tx, tableFQN string, artifacts []string) error {
	parts := strings.Split(tableFQN, ".")
	if len(parts) != 3 {
		return fmt.Errorf("expected <catalog>.<schema>.<table>, got %q", tableFQN)
	}
	catalog, schema, table := parts[0], parts[1], parts[2]

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s.%s", catalog, schema)); err != nil {
		return fmt.Errorf("failed to ensure schema %s.%s: %w", catalog, schema, err)
	}

	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM information_schema.tables
		WHERE table_catalog = ? AND table_schema = ? AND table_name = ? LIMIT 1`,
		catalog, schema, table).Scan(&one)

	incoming, descErr := describeColumns(ctx, tx, fmt.Sprintf(
		"DESCRIBE SELECT * FROM read_parquet(%s, union_by_name=true) LIMIT 0",
		parquetListLiteral(artifacts)))
	if descErr != nil {
		return fmt.Errorf("failed to introspect artifact schema: %w", descErr)
	}

	if errors.Is(err, sql.ErrNoRows) {
		colDefs := make([]string, len(incoming))
		for i, col := range incoming {
			colDefs[i] = fmt.Sprintf("%s %s", quoteIdent(col.name), col.typ)
		}
		s.logger.Info("creating target table", zap.String("table", tableFQN))
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", tableFQN, strings.Join(colDefs, ", "))); err != nil {
			return fmt.Errorf("failed to create table %s: %w", tableFQN, err)
		}
		return s.applyPartitioning(ctx, tx, tableFQN, incoming)
	}
	if err != nil {
		return fmt.Errorf("failed to check table existence for %s: %w", tableFQN, err)
	}

	existing, err := describeColumns(ctx, tx, "DESCRIBE "+tableFQN)
	if err != nil {
		return fmt.Errorf("failed to introspect table %s: %w", tableFQN, err)
	}
	existingTypes := make(map[string]string, len(existing))
	for _, col := range existing {
		existingTypes[col.name] = strings.ToUpper(col.typ)
	}

	for _, col := range incoming {
		current, ok := existingTypes[col.name]
		if !ok {
			s.logger.Info("evolving target table schema",
				zap.String("table", tableFQN),
				zap.String("column", col.name),
				zap.String("type", col.typ))
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
				tableFQN, quoteIdent(col.name), col.typ)); err != nil {
				return fmt.Errorf("failed to add column %s to %s: %w", col.name, tableFQN, err)
			}
			continue
		}
		if current != strings.ToUpper(col.typ) {
			return &SchemaMismatchError{
				Table:        tableFQN,
				Column:       col.name,
				TableType:    current,
				IncomingType: strings.ToUpper(col.typ),
			}
		}
	}
	return nil
}

// applyPartitioning sets the declared partition keys on a freshly created
// table. Partition keys are applied only at creation time.
func (s *Store) applyPartitioning(ctx context.Context, tx *sql.Tx, tableFQN string, incoming []columnDef) error {
	keys := s.partitions[tableFQN]
	if len(keys) == 0 {
		return nil
	}

	present := make(map[string]bool, len(incoming))
	for _, col := range incoming {
		present[col.name] = true
	}
	quoted := make([]string, len(keys))
	for i, k := range keys {
		if !present[k] {
			return fmt.Errorf("partition key %q not found in artifact schema for %s", k, tableFQN)
		}
		quoted[i] = quoteIdent(k)
	}

	s.logger.Info("applying partitioning", zap.String("table", tableFQN), zap.Strings("keys", keys))
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s SET PARTITIONED BY (%s)",
		tableFQN, strings.Join(quoted, ", "))); err != nil {
		return fmt.Errorf("failed to partition %s: %w", tableFQN, err)
	}
	return nil
}

type columnDef struct {
	name string
	typ  string
}

// describeColumns runs a DESCRIBE statement and returns (name, type) pairs.
// DESCRIBE's trailing columns vary across DuckDB versions, so the scan
// destination is sized from the result set.
func describeColumns(ctx context.Context, tx *sql.Tx, describeSQL string) ([]columnDef, error) {
	rows, err := tx.QueryContext(ctx, describeSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	colNames, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []columnDef
	for rows.Next() {
		dest := make([]any, len(colNames))
		var name, typ sql.NullString
		dest[0], dest[1] = &name, &typ
		for i := 2; i < len(dest); i++ {
			dest[i] = new(sql.RawBytes)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		out = append(out, columnDef{name: name.String, typ: typ.String})
	}
	return out, rows.Err()
}

// parquetListLiteral renders artifact paths as a DuckDB list literal for
// read_parquet.
func parquetListLiteral(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = "'" + strings.ReplaceAll(p, "'", "''") + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
