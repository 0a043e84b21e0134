// SPDX-License-Identifier: Apache-2.0

// Package dbadapter defines the polymorphic contract over a concrete DBMS
// that the sync engine is built against, plus the shared value types
// (connection config, table metadata, row stats) that flow across it.
package dbadapter

import (
	"context"

	"github.com/pgsync/pgsync/pkg/db"
	"github.com/pgsync/pgsync/pkg/depgraph"
)

// ConnConfig describes how to reach a single Postgres instance: either the
// target directly, or the source once a tunnel has made it locally
// reachable.
type ConnConfig struct {
	Driver   string
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string
}

// UniqueConstraint is a non-primary-key UNIQUE constraint on a table.
type UniqueConstraint struct {
	Name    string
	Columns []string
}

// TableMetadata is the per-table probe result: row count, whether an
// updated_at column exists and its maximum, and the
// maximum of a column literally named id. Error collapses everything else
// to unusable only when the primary COUNT(*) probe itself fails.
type TableMetadata struct {
	Count         int64
	HasUpdatedAt  bool
	MaxUpdatedAt  *string
	HasID         bool
	MaxID         *int64
	Error         bool
}

// RowStats accumulates the outcome of a batch of row-level operations.
type RowStats struct {
	Inserted int
	Updated  int
	Deleted  int
	Errors   int
}

// Add folds b's counters into the receiver.
func (s *RowStats) Add(b RowStats) {
	s.Inserted += b.Inserted
	s.Updated += b.Updated
	s.Deleted += b.Deleted
	s.Errors += b.Errors
}

// Adapter is the DBMS-specific contract the sync engine is built against.
// The PostgreSQL implementation lives in pkg/dbadapter/postgres; other
// drivers must satisfy the same contract. Every operation fails with
// *AdapterError on an underlying driver error unless stated otherwise.
type Adapter interface {
	// ForeignKeyDependencies reads FK constraints in the target schema and
	// returns the full bidirectional graph.
	ForeignKeyDependencies(ctx context.Context, conn db.DB) (*depgraph.Graph, error)

	// ChildTables returns child table name -> FK column, excluding t even
	// if t is self-referencing.
	ChildTables(ctx context.Context, conn db.DB, table string) (map[string]string, error)

	// SelfReferencingColumn returns the first FK column on table whose
	// referenced table is table itself.
	SelfReferencingColumn(ctx context.Context, conn db.DB, table string) (string, bool, error)

	// PrimaryKeyColumn returns table's single-column primary key, if any.
	PrimaryKeyColumn(ctx context.Context, conn db.DB, table string) (string, bool, error)

	// UniqueConstraints lists UNIQUE constraints on table, excluding the
	// primary key.
	UniqueConstraints(ctx context.Context, conn db.DB, table string) ([]UniqueConstraint, error)

	// ResetSequences sets every sequence-backed column's sequence to
	// max(column) (or 1 when empty), skipping past per-sequence failures,
	// and returns how many succeeded.
	ResetSequences(ctx context.Context, conn db.DB) (int, error)

	// DumpSchema invokes the dump tool restricted to tables, schema-only,
	// owner/ACL stripped. Returns "" when tables is empty.
	DumpSchema(ctx context.Context, cfg ConnConfig, tables []string) (string, error)

	// DumpViewsSchema is DumpSchema restricted to views.
	DumpViewsSchema(ctx context.Context, cfg ConnConfig, views []string) (string, error)

	// ParseSQLStatements splits a dump into executable statements: blank
	// lines, comment lines, session-level SET statements, and
	// configuration-function calls are dropped; continuation lines are
	// joined until one ends in ';'.
	ParseSQLStatements(sql string) []string

	// CreateBackup pipes a compressed dump of cfg's database into dir,
	// returning the written path.
	CreateBackup(ctx context.Context, cfg ConnConfig, dir string) (string, error)

	// RestoreBackup pipes the gunzipped dump at path into cfg's database.
	RestoreBackup(ctx context.Context, cfg ConnConfig, path string) error

	TablesList(ctx context.Context, conn db.DB) ([]string, error)
	ViewsList(ctx context.Context, conn db.DB) ([]string, error)
	TableExists(ctx context.Context, conn db.DB, table string) (bool, error)
	ViewExists(ctx context.Context, conn db.DB, view string) (bool, error)

	// DropTable drops table CASCADE, swallowing errors to false.
	DropTable(ctx context.Context, conn db.DB, table string) bool
	// DropView drops view CASCADE, swallowing errors to false.
	DropView(ctx context.Context, conn db.DB, view string) bool
	// DropSchema drops and recreates schema, restoring default grants.
	DropSchema(ctx context.Context, conn db.DB, schema string) error

	// UpsertRecord inserts or updates a single row keyed by pk, via
	// ON CONFLICT (pk) DO UPDATE SET col = new.col for every non-pk
	// column.
	UpsertRecord(ctx context.Context, conn db.DB, table string, record map[string]any, pk string, columns []string) RowStats

	// TableMetadata probes table as defined by TableMetadata's doc comment.
	TableMetadata(ctx context.Context, conn db.DB, table string) TableMetadata

	// HasStructureChanged compares src and tgt's columns for table by
	// ordinal position; any difference in count or per-name
	// (data_type, udt_name, is_nullable) is a change. Errors count as
	// changed.
	HasStructureChanged(ctx context.Context, src, tgt db.DB, table string) bool

	// HasViewStructureChanged compares normalized view definitions;
	// errors count as changed.
	HasViewStructureChanged(ctx context.Context, src, tgt db.DB, view string) bool

	// SelfReferencingRecords returns all rows of table ordered root-first
	// by FK depth (fk IS NULL are roots), tie-broken by pk. The auxiliary
	// depth key is present in each row; callers strip it before writing.
	SelfReferencingRecords(ctx context.Context, conn db.DB, table, pk, fk string) ([]map[string]any, error)
}
