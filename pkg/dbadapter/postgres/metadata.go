// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/pgsync/pgsync/pkg/dbadapter"
	"github.com/pgsync/pgsync/pkg/db"
)

const columnExistsQuery = `
SELECT EXISTS (
	SELECT 1 FROM information_schema.columns
	WHERE table_schema = $1 AND table_name = $2 AND column_name = $3
)`

func (a *Adapter) columnExists(ctx context.Context, conn db.DB, table, column string) (bool, error) {
	rows, err := conn.QueryContext(ctx, columnExistsQuery, a.Schema, table, column)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	var exists bool
	if err := db.ScanFirstValue(rows, &exists); err != nil {
		return false, err
	}
	return exists, nil
}

// TableMetadata probes table's row count, and, when present, the maximum
// of an "id" column and the maximum of an "updated_at" column. Only a
// failure of the COUNT(*) probe itself is reported as Error; a missing id
// or updated_at column is not an error.
func (a *Adapter) TableMetadata(ctx context.Context, conn db.DB, table string) dbadapter.TableMetadata {
	quoted := pq.QuoteIdentifier(table)

	rows, err := conn.QueryContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoted))
	if err != nil {
		return dbadapter.TableMetadata{Error: true}
	}
	var count int64
	err = db.ScanFirstValue(rows, &count)
	rows.Close()
	if err != nil {
		return dbadapter.TableMetadata{Error: true}
	}

	meta := dbadapter.TableMetadata{Count: count}

	if hasID, _ := a.columnExists(ctx, conn, table, "id"); hasID {
		meta.HasID = true
		rows, err := conn.QueryContext(ctx, fmt.Sprintf("SELECT MAX(id) FROM %s", quoted))
		if err == nil {
			var maxID *int64
			if err := db.ScanFirstValue(rows, &maxID); err == nil {
				meta.MaxID = maxID
			}
			rows.Close()
		}
	}

	if hasUpdatedAt, _ := a.columnExists(ctx, conn, table, "updated_at"); hasUpdatedAt {
		meta.HasUpdatedAt = true
		if count > 0 {
			rows, err := conn.QueryContext(ctx, fmt.Sprintf("SELECT MAX(updated_at)::text FROM %s", quoted))
			if err == nil {
				var maxUpdated *string
				if err := db.ScanFirstValue(rows, &maxUpdated); err == nil {
					meta.MaxUpdatedAt = maxUpdated
				}
				rows.Close()
			}
		}
	}

	return meta
}

const columnSignatureQuery = `
SELECT column_name, data_type, udt_name, is_nullable
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`

type columnSignature struct {
	name, dataType, udtName, nullable string
}

func (a *Adapter) columnSignatures(ctx context.Context, conn db.DB, table string) ([]columnSignature, error) {
	rows, err := conn.QueryContext(ctx, columnSignatureQuery, a.Schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []columnSignature
	for rows.Next() {
		var c columnSignature
		if err := rows.Scan(&c.name, &c.dataType, &c.udtName, &c.nullable); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// HasStructureChanged compares src and tgt's columns for table by ordinal
// position: same count and identical (data_type, udt_name, is_nullable)
// for the same column_name at each position. Any difference, including an
// error reading either side, is treated as changed (the safe side).
func (a *Adapter) HasStructureChanged(ctx context.Context, src, tgt db.DB, table string) bool {
	srcCols, err := a.columnSignatures(ctx, src, table)
	if err != nil {
		return true
	}
	tgtCols, err := a.columnSignatures(ctx, tgt, table)
	if err != nil {
		return true
	}

	if len(srcCols) != len(tgtCols) {
		return true
	}
	for i := range srcCols {
		if srcCols[i] != tgtCols[i] {
			return true
		}
	}
	return false
}

const viewDefinitionQuery = `SELECT view_definition FROM information_schema.views WHERE table_schema = $1 AND table_name = $2`

func (a *Adapter) viewDefinition(ctx context.Context, conn db.DB, view string) (string, error) {
	rows, err := conn.QueryContext(ctx, viewDefinitionQuery, a.Schema, view)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var def string
	if err := db.ScanFirstValue(rows, &def); err != nil {
		return "", err
	}
	return normalizeSQL(def), nil
}

// HasViewStructureChanged compares src and tgt's normalized view
// definitions for view; an error reading either side counts as changed.
func (a *Adapter) HasViewStructureChanged(ctx context.Context, src, tgt db.DB, view string) bool {
	srcDef, err := a.viewDefinition(ctx, src, view)
	if err != nil {
		return true
	}
	tgtDef, err := a.viewDefinition(ctx, tgt, view)
	if err != nil {
		return true
	}
	return srcDef != tgtDef
}

func normalizeSQL(s string) string {
	fields := make([]byte, 0, len(s))
	prevSpace := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			if !prevSpace {
				fields = append(fields, ' ')
			}
			prevSpace = true
			continue
		}
		fields = append(fields, c)
		prevSpace = false
	}
	return string(fields)
}
