// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/pgsync/pgsync/pkg/dbadapter"
	"github.com/pgsync/pgsync/pkg/db"
)

// UpsertRecord performs a single-row INSERT ... ON CONFLICT (pk) DO UPDATE
// SET col = new.col for every non-pk column in columns. Postgres reports
// "affected" for a DO UPDATE regardless of whether the row's values
// actually changed, so rows the driver reports as affected are classified
// as updated and all others as inserted; treat these counts as
// change-class hints, not exact.
func (a *Adapter) UpsertRecord(ctx context.Context, conn db.DB, table string, record map[string]any, pk string, columns []string) dbadapter.RowStats {
	cols := make([]string, 0, len(columns))
	placeholders := make([]string, 0, len(columns))
	values := make([]any, 0, len(columns))
	updateSets := make([]string, 0, len(columns))

	for i, col := range columns {
		cols = append(cols, pq.QuoteIdentifier(col))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		values = append(values, record[col])
		if col != pk {
			updateSets = append(updateSets, fmt.Sprintf("%s = EXCLUDED.%s", pq.QuoteIdentifier(col), pq.QuoteIdentifier(col)))
		}
	}

	var query string
	if len(updateSets) == 0 {
		query = fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
			pq.QuoteIdentifier(table), strings.Join(cols, ", "), strings.Join(placeholders, ", "), pq.QuoteIdentifier(pk),
		)
	} else {
		query = fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
			pq.QuoteIdentifier(table), strings.Join(cols, ", "), strings.Join(placeholders, ", "), pq.QuoteIdentifier(pk), strings.Join(updateSets, ", "),
		)
	}

	res, err := conn.ExecContext(ctx, query, values...)
	if err != nil {
		return dbadapter.RowStats{Errors: 1}
	}

	affected, _ := res.RowsAffected()
	if affected > 0 {
		return dbadapter.RowStats{Updated: 1}
	}
	return dbadapter.RowStats{Inserted: 1}
}

// SelfReferencingRecords returns all rows of table ordered root-first by
// FK depth (rows whose fk column is NULL are roots), tie-broken by pk,
// using a recursive CTE. The returned rows carry an auxiliary "depth" key
// that callers must strip before writing.
func (a *Adapter) SelfReferencingRecords(ctx context.Context, conn db.DB, table, pk, fk string) ([]map[string]any, error) {
	quotedTable := pq.QuoteIdentifier(table)
	quotedPK := pq.QuoteIdentifier(pk)
	quotedFK := pq.QuoteIdentifier(fk)

	query := fmt.Sprintf(`
WITH RECURSIVE tree AS (
	SELECT t.*, 0 AS depth
	FROM %[1]s t
	WHERE t.%[3]s IS NULL

	UNION ALL

	SELECT c.*, p.depth + 1
	FROM %[1]s c
	JOIN tree p ON c.%[3]s = p.%[2]s
)
SELECT * FROM tree
ORDER BY depth ASC, %[2]s ASC`, quotedTable, quotedPK, quotedFK)

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, &dbadapter.AdapterError{Op: "self_referencing_records", Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &dbadapter.AdapterError{Op: "self_referencing_records", Err: err}
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &dbadapter.AdapterError{Op: "self_referencing_records", Err: err}
		}

		record := make(map[string]any, len(cols))
		for i, c := range cols {
			record[c] = values[i]
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, &dbadapter.AdapterError{Op: "self_referencing_records", Err: err}
	}

	return out, nil
}
