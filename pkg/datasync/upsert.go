// SPDX-License-Identifier: Apache-2.0

package datasync

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/pgsync/pgsync/pkg/dbadapter"
	"github.com/pgsync/pgsync/pkg/db"
)

// SyncTableFromRemote resolves table's primary key on source and, absent
// one, returns empty stats (there is no way to converge row identity). If
// source has a self-referencing column, it delegates to the
// self-referencing path; otherwise it pages source in batches and calls
// UpsertRecords per batch. progress, if non-nil, is advanced by each
// batch's row count and finished once the table is done.
func (s *Syncer) SyncTableFromRemote(ctx context.Context, src, tgt db.DB, table string, progress ProgressReporter) (dbadapter.RowStats, error) {
	var stats dbadapter.RowStats
	if progress != nil {
		defer progress.Finish()
	}

	pk, ok, err := s.Adapter.PrimaryKeyColumn(ctx, src, table)
	if err != nil {
		return stats, err
	}
	if !ok {
		return stats, nil
	}

	if fk, ok, err := s.Adapter.SelfReferencingColumn(ctx, src, table); err != nil {
		return stats, err
	} else if ok {
		return s.syncSelfReferencingTable(ctx, src, tgt, table, pk, fk, progress)
	}

	columns, err := s.columnNames(ctx, src, table)
	if err != nil {
		return stats, err
	}

	offset := 0
	for {
		var batch []map[string]any
		err := s.Retry(ctx, func(ctx context.Context) error {
			b, err := s.recordPage(ctx, src, table, pk, columns, offset)
			if err != nil {
				return err
			}
			batch = b
			return nil
		})
		if err != nil {
			return stats, err
		}
		if len(batch) == 0 {
			break
		}

		batchStats, err := s.UpsertRecords(ctx, tgt, table, batch, pk, columns)
		if err != nil {
			return stats, err
		}
		stats.Add(batchStats)
		reportAdvance(progress, len(batch))

		offset += len(batch)
		if len(batch) < s.BatchSize {
			break
		}
	}

	return stats, nil
}

// syncSelfReferencingTable handles a table whose rows reference other rows
// in the same table: fetch every row via SelfReferencingRecords
// (depth-ordered), strip depth, and upsert in
// chunks in the order returned so that a row's parent, if in scope, is
// already present before the row is written.
func (s *Syncer) syncSelfReferencingTable(ctx context.Context, src, tgt db.DB, table, pk, fk string, progress ProgressReporter) (dbadapter.RowStats, error) {
	var stats dbadapter.RowStats

	var records []map[string]any
	err := s.Retry(ctx, func(ctx context.Context) error {
		r, err := s.Adapter.SelfReferencingRecords(ctx, src, table, pk, fk)
		if err != nil {
			return err
		}
		records = r
		return nil
	})
	if err != nil {
		return stats, err
	}

	for _, r := range records {
		delete(r, "depth")
	}

	columns, err := s.columnNames(ctx, src, table)
	if err != nil {
		return stats, err
	}

	for _, c := range chunkRecords(records, s.BatchSize) {
		batchStats, err := s.UpsertRecords(ctx, tgt, table, c, pk, columns)
		if err != nil {
			return stats, err
		}
		stats.Add(batchStats)
		reportAdvance(progress, len(c))
	}

	return stats, nil
}

// DeleteConflictingRecords runs before upserting a batch: for each UNIQUE
// constraint on table and each record, any local
// row whose constrained columns match the record but whose pk differs is
// a stale holder of that unique tuple and is removed, children first,
// dependent errors swallowed. A constraint is skipped for a record when
// every one of its columns is null in that record.
func (s *Syncer) DeleteConflictingRecords(ctx context.Context, tgt db.DB, table string, records []map[string]any, pk string) error {
	constraints, err := s.constraintsFor(ctx, tgt, table)
	if err != nil {
		return err
	}
	if len(constraints) == 0 {
		return nil
	}

	for _, uc := range constraints {
		for _, record := range records {
			if allNull(record, uc.Columns) {
				continue
			}

			conflictingIDs, err := s.conflictingIDs(ctx, tgt, table, pk, uc, record)
			if err != nil {
				return err
			}
			if len(conflictingIDs) == 0 {
				continue
			}

			if _, err := s.DeleteFromTable(ctx, tgt, table, pk, conflictingIDs); err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *Syncer) constraintsFor(ctx context.Context, tgt db.DB, table string) ([]dbadapter.UniqueConstraint, error) {
	if cached, ok := s.uniqueConstraints[table]; ok {
		return cached, nil
	}
	ucs, err := s.Adapter.UniqueConstraints(ctx, tgt, table)
	if err != nil {
		return nil, err
	}
	s.uniqueConstraints[table] = ucs
	return ucs, nil
}

func allNull(record map[string]any, columns []string) bool {
	for _, c := range columns {
		if record[c] != nil {
			return false
		}
	}
	return true
}

func (s *Syncer) conflictingIDs(ctx context.Context, tgt db.DB, table, pk string, uc dbadapter.UniqueConstraint, record map[string]any) ([]any, error) {
	var conditions []string
	var args []any
	argN := 1
	for _, col := range uc.Columns {
		val := record[col]
		if val == nil {
			conditions = append(conditions, fmt.Sprintf("%s IS NULL", pq.QuoteIdentifier(col)))
			continue
		}
		conditions = append(conditions, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(col), argN))
		args = append(args, val)
		argN++
	}

	conditions = append(conditions, fmt.Sprintf("%s != $%d", pq.QuoteIdentifier(pk), argN))
	args = append(args, record[pk])

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		pq.QuoteIdentifier(pk), pq.QuoteIdentifier(table), strings.Join(conditions, " AND "))

	rows, err := tgt.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &dbadapter.AdapterError{Op: "delete_conflicting_records", Err: err}
	}
	defer rows.Close()

	var ids []any
	for rows.Next() {
		var id any
		if err := rows.Scan(&id); err != nil {
			return nil, &dbadapter.AdapterError{Op: "delete_conflicting_records", Err: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertRecords upserts a batch of records into table. If pk is empty, it
// performs a batch INSERT, counting every row inserted or, on failure, errored.
// Otherwise it runs DeleteConflictingRecords and then the adapter's
// per-row upsert, accumulating stats.
func (s *Syncer) UpsertRecords(ctx context.Context, tgt db.DB, table string, records []map[string]any, pk string, columns []string) (dbadapter.RowStats, error) {
	var stats dbadapter.RowStats

	if len(records) == 0 {
		return stats, nil
	}

	if pk == "" {
		return s.batchInsert(ctx, tgt, table, records, columns), nil
	}

	if err := s.DeleteConflictingRecords(ctx, tgt, table, records, pk); err != nil {
		return stats, err
	}

	for _, r := range records {
		stats.Add(s.Adapter.UpsertRecord(ctx, tgt, table, r, pk, columns))
	}

	return stats, nil
}

func (s *Syncer) batchInsert(ctx context.Context, tgt db.DB, table string, records []map[string]any, columns []string) dbadapter.RowStats {
	var stats dbadapter.RowStats

	quotedCols := make([]string, len(columns))
	for i, c := range columns {
		quotedCols[i] = pq.QuoteIdentifier(c)
	}

	var rowsSQL []string
	var args []any
	argN := 1
	for _, r := range records {
		placeholders := make([]string, len(columns))
		for i, c := range columns {
			placeholders[i] = fmt.Sprintf("$%d", argN)
			args = append(args, r[c])
			argN++
		}
		rowsSQL = append(rowsSQL, "("+strings.Join(placeholders, ", ")+")")
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		pq.QuoteIdentifier(table), strings.Join(quotedCols, ", "), strings.Join(rowsSQL, ", "))

	if _, err := tgt.ExecContext(ctx, query, args...); err != nil {
		stats.Errors = len(records)
		return stats
	}

	stats.Inserted = len(records)
	return stats
}

func (s *Syncer) columnNames(ctx context.Context, conn db.DB, table string) ([]string, error) {
	rows, err := conn.QueryContext(ctx,
		"SELECT column_name FROM information_schema.columns WHERE table_schema = 'public' AND table_name = $1 ORDER BY ordinal_position",
		table)
	if err != nil {
		return nil, &dbadapter.AdapterError{Op: "column_names", Err: err}
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, &dbadapter.AdapterError{Op: "column_names", Err: err}
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (s *Syncer) recordPage(ctx context.Context, conn db.DB, table, pk string, columns []string, offset int) ([]map[string]any, error) {
	quotedCols := make([]string, len(columns))
	for i, c := range columns {
		quotedCols[i] = pq.QuoteIdentifier(c)
	}

	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT $1 OFFSET $2",
		strings.Join(quotedCols, ", "), pq.QuoteIdentifier(table), pq.QuoteIdentifier(pk))

	rows, err := conn.QueryContext(ctx, query, s.BatchSize, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(map[string]any, len(columns))
		for i, c := range columns {
			record[c] = values[i]
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func chunkRecords(records []map[string]any, size int) [][]map[string]any {
	if size <= 0 {
		size = len(records)
	}
	var out [][]map[string]any
	for i := 0; i < len(records); i += size {
		end := i + size
		if end > len(records) {
			end = len(records)
		}
		out = append(out, records[i:end])
	}
	return out
}
