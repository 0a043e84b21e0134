// SPDX-License-Identifier: Apache-2.0

// Package postgres implements dbadapter.Adapter against PostgreSQL, using
// database/sql + github.com/lib/pq for metadata introspection and row
// operations, and the pg_dump/psql/gzip command-line tools for dump,
// backup and restore.
package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/pgsync/pgsync/pkg/dbadapter"
	"github.com/pgsync/pgsync/pkg/db"
	"github.com/pgsync/pgsync/pkg/depgraph"
)

// Adapter is the PostgreSQL implementation of dbadapter.Adapter. All
// queries are scoped to the "public" schema; cross-schema sync is out
// of scope.
type Adapter struct {
	Schema string
}

// New returns an Adapter scoped to the public schema.
func New() *Adapter {
	return &Adapter{Schema: "public"}
}

var _ dbadapter.Adapter = (*Adapter)(nil)

const fkDependenciesQuery = `
SELECT
	tc.table_name AS child,
	ccu.table_name AS parent
FROM information_schema.table_constraints tc
JOIN information_schema.constraint_column_usage ccu
	ON tc.constraint_name = ccu.constraint_name
	AND tc.table_schema = ccu.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY'
	AND tc.table_schema = $1`

// ForeignKeyDependencies reads every FK constraint in the schema and
// returns the full bidirectional graph.
func (a *Adapter) ForeignKeyDependencies(ctx context.Context, conn db.DB) (*depgraph.Graph, error) {
	rows, err := conn.QueryContext(ctx, fkDependenciesQuery, a.Schema)
	if err != nil {
		return nil, &dbadapter.AdapterError{Op: "foreign_key_dependencies", Err: err}
	}
	defer rows.Close()

	g := depgraph.New()
	for rows.Next() {
		var child, parent string
		if err := rows.Scan(&child, &parent); err != nil {
			return nil, &dbadapter.AdapterError{Op: "foreign_key_dependencies", Err: err}
		}
		g.AddEdge(child, parent)
	}
	if err := rows.Err(); err != nil {
		return nil, &dbadapter.AdapterError{Op: "foreign_key_dependencies", Err: err}
	}

	return g, nil
}

const childTablesQuery = `
SELECT
	tc.table_name AS child,
	kcu.column_name AS fk_column
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
	ON tc.constraint_name = kcu.constraint_name
	AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
	ON tc.constraint_name = ccu.constraint_name
	AND tc.table_schema = ccu.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY'
	AND tc.table_schema = $1
	AND ccu.table_name = $2
	AND tc.table_name != $2`

// ChildTables returns child table name -> FK column, excluding table
// itself even if it is self-referencing.
func (a *Adapter) ChildTables(ctx context.Context, conn db.DB, table string) (map[string]string, error) {
	rows, err := conn.QueryContext(ctx, childTablesQuery, a.Schema, table)
	if err != nil {
		return nil, &dbadapter.AdapterError{Op: "child_tables", Err: err}
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var child, col string
		if err := rows.Scan(&child, &col); err != nil {
			return nil, &dbadapter.AdapterError{Op: "child_tables", Err: err}
		}
		out[child] = col
	}
	if err := rows.Err(); err != nil {
		return nil, &dbadapter.AdapterError{Op: "child_tables", Err: err}
	}

	return out, nil
}

const selfReferencingColumnQuery = `
SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
	ON tc.constraint_name = kcu.constraint_name
	AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
	ON tc.constraint_name = ccu.constraint_name
	AND tc.table_schema = ccu.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY'
	AND tc.table_schema = $1
	AND tc.table_name = $2
	AND ccu.table_name = $2
ORDER BY kcu.ordinal_position
LIMIT 1`

// SelfReferencingColumn returns the first FK column on table whose
// referenced table is table itself.
func (a *Adapter) SelfReferencingColumn(ctx context.Context, conn db.DB, table string) (string, bool, error) {
	rows, err := conn.QueryContext(ctx, selfReferencingColumnQuery, a.Schema, table)
	if err != nil {
		return "", false, &dbadapter.AdapterError{Op: "self_referencing_column", Err: err}
	}
	defer rows.Close()

	var col string
	if rows.Next() {
		if err := rows.Scan(&col); err != nil {
			return "", false, &dbadapter.AdapterError{Op: "self_referencing_column", Err: err}
		}
		return col, true, rows.Err()
	}
	return "", false, rows.Err()
}

const primaryKeyColumnQuery = `
SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
	ON tc.constraint_name = kcu.constraint_name
	AND tc.table_schema = kcu.table_schema
WHERE tc.constraint_type = 'PRIMARY KEY'
	AND tc.table_schema = $1
	AND tc.table_name = $2
ORDER BY kcu.ordinal_position
LIMIT 1`

// PrimaryKeyColumn returns table's single-column primary key, if any.
func (a *Adapter) PrimaryKeyColumn(ctx context.Context, conn db.DB, table string) (string, bool, error) {
	rows, err := conn.QueryContext(ctx, primaryKeyColumnQuery, a.Schema, table)
	if err != nil {
		return "", false, &dbadapter.AdapterError{Op: "primary_key_column", Err: err}
	}
	defer rows.Close()

	var col string
	if rows.Next() {
		if err := rows.Scan(&col); err != nil {
			return "", false, &dbadapter.AdapterError{Op: "primary_key_column", Err: err}
		}
		return col, true, rows.Err()
	}
	return "", false, rows.Err()
}

const uniqueConstraintsQuery = `
SELECT tc.constraint_name, kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
	ON tc.constraint_name = kcu.constraint_name
	AND tc.table_schema = kcu.table_schema
WHERE tc.constraint_type = 'UNIQUE'
	AND tc.table_schema = $1
	AND tc.table_name = $2
ORDER BY tc.constraint_name, kcu.ordinal_position`

// UniqueConstraints lists UNIQUE constraints on table, excluding the
// primary key (which is never of constraint_type 'UNIQUE').
func (a *Adapter) UniqueConstraints(ctx context.Context, conn db.DB, table string) ([]dbadapter.UniqueConstraint, error) {
	rows, err := conn.QueryContext(ctx, uniqueConstraintsQuery, a.Schema, table)
	if err != nil {
		return nil, &dbadapter.AdapterError{Op: "unique_constraints", Err: err}
	}
	defer rows.Close()

	order := []string{}
	byName := map[string]*dbadapter.UniqueConstraint{}
	for rows.Next() {
		var name, col string
		if err := rows.Scan(&name, &col); err != nil {
			return nil, &dbadapter.AdapterError{Op: "unique_constraints", Err: err}
		}
		uc, ok := byName[name]
		if !ok {
			uc = &dbadapter.UniqueConstraint{Name: name}
			byName[name] = uc
			order = append(order, name)
		}
		uc.Columns = append(uc.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, &dbadapter.AdapterError{Op: "unique_constraints", Err: err}
	}

	out := make([]dbadapter.UniqueConstraint, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out, nil
}

const sequenceOwnersQuery = `
SELECT
	a.attname AS column_name,
	pg_get_serial_sequence(quote_ident($1) || '.' || quote_ident(c.relname), a.attname) AS seq
FROM pg_attribute a
JOIN pg_class c ON c.oid = a.attrelid
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = $1
	AND c.relname = $2
	AND a.attnum > 0
	AND NOT a.attisdropped
	AND pg_get_serial_sequence(quote_ident($1) || '.' || quote_ident(c.relname), a.attname) IS NOT NULL`

// ResetSequences sets every sequence-backed column's sequence to
// max(column) (or 1 when the table is empty), across every table in the
// schema, continuing past per-sequence failures and returning the count
// of sequences successfully reset.
func (a *Adapter) ResetSequences(ctx context.Context, conn db.DB) (int, error) {
	tables, err := a.TablesList(ctx, conn)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, table := range tables {
		rows, err := conn.QueryContext(ctx, sequenceOwnersQuery, a.Schema, table)
		if err != nil {
			continue
		}

		type seqCol struct{ column, seq string }
		var cols []seqCol
		for rows.Next() {
			var c, s string
			if err := rows.Scan(&c, &s); err != nil {
				continue
			}
			cols = append(cols, seqCol{c, s})
		}
		rows.Close()

		for _, sc := range cols {
			query := fmt.Sprintf(
				`SELECT setval(%s, COALESCE((SELECT MAX(%s) FROM %s), 1), (SELECT MAX(%s) IS NOT NULL FROM %s))`,
				pq.QuoteLiteral(sc.seq),
				pq.QuoteIdentifier(sc.column),
				pq.QuoteIdentifier(table),
				pq.QuoteIdentifier(sc.column),
				pq.QuoteIdentifier(table),
			)
			if _, err := conn.ExecContext(ctx, query); err != nil {
				continue
			}
			reset++
		}
	}

	return reset, nil
}

const tablesListQuery = `
SELECT table_name FROM information_schema.tables
WHERE table_schema = $1 AND table_type = 'BASE TABLE'
ORDER BY table_name`

func (a *Adapter) TablesList(ctx context.Context, conn db.DB) ([]string, error) {
	rows, err := conn.QueryContext(ctx, tablesListQuery, a.Schema)
	if err != nil {
		return nil, &dbadapter.AdapterError{Op: "tables_list", Err: err}
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &dbadapter.AdapterError{Op: "tables_list", Err: err}
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

const viewsListQuery = `
SELECT table_name FROM information_schema.views
WHERE table_schema = $1
ORDER BY table_name`

func (a *Adapter) ViewsList(ctx context.Context, conn db.DB) ([]string, error) {
	rows, err := conn.QueryContext(ctx, viewsListQuery, a.Schema)
	if err != nil {
		return nil, &dbadapter.AdapterError{Op: "views_list", Err: err}
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &dbadapter.AdapterError{Op: "views_list", Err: err}
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (a *Adapter) TableExists(ctx context.Context, conn db.DB, table string) (bool, error) {
	return a.relationExists(ctx, conn, "information_schema.tables", "table_name", table)
}

func (a *Adapter) ViewExists(ctx context.Context, conn db.DB, view string) (bool, error) {
	return a.relationExists(ctx, conn, "information_schema.views", "table_name", view)
}

func (a *Adapter) relationExists(ctx context.Context, conn db.DB, relation, column, name string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE table_schema = $1 AND %s = $2)`, relation, column)
	rows, err := conn.QueryContext(ctx, query, a.Schema, name)
	if err != nil {
		return false, &dbadapter.AdapterError{Op: "exists", Err: err}
	}
	defer rows.Close()

	var exists bool
	if err := db.ScanFirstValue(rows, &exists); err != nil {
		return false, &dbadapter.AdapterError{Op: "exists", Err: err}
	}
	return exists, nil
}

// DropTable drops table CASCADE, swallowing any error to false.
func (a *Adapter) DropTable(ctx context.Context, conn db.DB, table string) bool {
	_, err := conn.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", pq.QuoteIdentifier(table)))
	return err == nil
}

// DropView drops view CASCADE, swallowing any error to false.
func (a *Adapter) DropView(ctx context.Context, conn db.DB, view string) bool {
	_, err := conn.ExecContext(ctx, fmt.Sprintf("DROP VIEW IF EXISTS %s CASCADE", pq.QuoteIdentifier(view)))
	return err == nil
}

// DropSchema drops and recreates schema, restoring default grants to
// PUBLIC the way a fresh Postgres database exposes them.
func (a *Adapter) DropSchema(ctx context.Context, conn db.DB, schema string) error {
	quoted := pq.QuoteIdentifier(schema)
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", quoted)); err != nil {
		return &dbadapter.AdapterError{Op: "drop_schema", Err: err}
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", quoted)); err != nil {
		return &dbadapter.AdapterError{Op: "drop_schema", Err: err}
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("GRANT ALL ON SCHEMA %s TO PUBLIC", quoted)); err != nil {
		return &dbadapter.AdapterError{Op: "drop_schema", Err: err}
	}
	return nil
}
